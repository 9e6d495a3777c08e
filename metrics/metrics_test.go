package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PacketsReceived.WithLabelValues("auth", "Access-Request").Inc()
	m.PacketsDropped.WithLabelValues("unknown-peer").Inc()
	m.PacketsMalformed.Inc()
	m.NAKsSent.Inc()
	m.RunnableDepth.WithLabelValues("worker-0").Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	var found bool
	for _, f := range families {
		if f.GetName() == namespace+"_packets_received_total" {
			found = true
		}
	}
	assert.True(t, found, "packets_received_total should be registered")
}

func TestServerServesMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	srv := NewServer("127.0.0.1:0", reg)
	// Exercise the handler directly rather than binding a real listener,
	// since Run's ListenAndServe owns the address lifecycle.
	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	rec := &recorder{}
	srv.srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.status)
}

type recorder struct {
	status int
	body   []byte
}

func (r *recorder) Header() http.Header { return make(http.Header) }
func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body = append(r.body, b...)
	return len(b), nil
}
func (r *recorder) WriteHeader(status int) { r.status = status }

func TestServerRunShutsDownOnContextCancel(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	srv := NewServer("127.0.0.1:0", reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
