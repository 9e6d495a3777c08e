// Package metrics exposes the engine's Prometheus counters and
// histograms (SPEC_FULL §11.3), grounded on the
// `runZeroInc-sockstats`/`runZeroInc-conniver` exporter's
// register-collectors-then-serve-`/metrics`-over-`promhttp` shape,
// adapted from a custom TCP_INFO `prometheus.Collector` into the more
// common `prometheus/client_golang/prometheus/promauto` counter/
// histogram vectors this engine's packet/request counts need.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "raddispatchd"

// Registry holds every metric the engine updates, grouped by the
// subsystem that owns them (spec §7: "packets received/dropped/
// malformed/duplicate per listener role/code, replies sent, NAKs sent,
// proxy retries, worker runnable-queue depth, interpreter yield count,
// request latency histogram").
type Registry struct {
	PacketsReceived  *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	PacketsMalformed prometheus.Counter
	PacketsDuplicate *prometheus.CounterVec
	RepliesSent      *prometheus.CounterVec
	NAKsSent         prometheus.Counter
	ProxyRetries     prometheus.Counter
	ProxyTimeouts    prometheus.Counter

	RunnableDepth   *prometheus.GaugeVec
	InterpreterYield prometheus.Counter
	RequestLatency  *prometheus.HistogramVec
}

// New builds and registers every metric against reg (typically
// prometheus.NewRegistry(), not the global default registry, so multiple
// engine instances in one process — e.g. in tests — don't collide).
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		PacketsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Packets received, by listener role and RADIUS code.",
		}, []string{"role", "code"}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total",
			Help: "Packets dropped before admission, by reason.",
		}, []string{"reason"}),
		PacketsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_malformed_total",
			Help: "Packets that failed to decode.",
		}),
		PacketsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_duplicate_total",
			Help: "In-flight duplicate packets suppressed by the tracker, by role.",
		}, []string{"role"}),
		RepliesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replies_sent_total",
			Help: "Replies written to the wire, by RADIUS code.",
		}, []string{"code"}),
		NAKsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "naks_sent_total",
			Help: "Admitted requests a worker NAK'd back to the network thread instead of replying.",
		}),
		ProxyRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_retries_total",
			Help: "Proxy request retransmissions.",
		}),
		ProxyTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "proxy_timeouts_total",
			Help: "Proxy attempts that exhausted their retry budget.",
		}),
		RunnableDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "worker_runnable_depth",
			Help: "Current length of a worker's runnable heap.",
		}, []string{"worker"}),
		InterpreterYield: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "interpreter_yields_total",
			Help: "Policy interpreter suspensions across every worker.",
		}),
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds",
			Help:    "End-to-end request processing latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"code"}),
	}
}

// Server exposes a Registry's metrics over HTTP on addr until ctx is
// canceled.
type Server struct {
	addr string
	reg  *prometheus.Registry
	srv  *http.Server
}

// NewServer wraps reg (the prometheus.Registry New was built against) in
// an HTTP server for the status_server configuration option (spec §6).
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{addr: addr, reg: reg, srv: &http.Server{Addr: addr, Handler: mux}}
}

// Run blocks serving metrics until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
