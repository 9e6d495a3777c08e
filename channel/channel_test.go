package channel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSignal struct{ fires atomic.Int64 }

func (c *countingSignal) Fire() { c.fires.Add(1) }

func TestOpenCloseStateMachine(t *testing.T) {
	ws, ns := &countingSignal{}, &countingSignal{}
	c := New(16, 4096, ws, ns)
	assert.Equal(t, StateClosed, c.State())

	c.Open()
	assert.Equal(t, StateOpening, c.State())
	env, ok := c.ToWorker.Pop()
	require.True(t, ok)
	assert.Equal(t, KindOpen, env.Kind)

	c.AckOpen()
	assert.Equal(t, StateOpen, c.State())
	env, ok = c.FromWorker.Pop()
	require.True(t, ok)
	assert.Equal(t, KindOpenAck, env.Kind)
	c.ObserveOpenAck()
	assert.Equal(t, StateOpen, c.State())

	c.Close()
	assert.Equal(t, StateDraining, c.State())
	c.AckClose()
	assert.Equal(t, StateClosed, c.State())
}

func TestReplyPayloadRoundTrip(t *testing.T) {
	c := New(16, 4096, nil, nil)
	ok, err := c.PushReply(7, []byte("hello-reply"), time.Millisecond, 2*time.Millisecond, time.Now(), nil)
	require.NoError(t, err)
	require.True(t, ok)

	env, ok := c.FromWorker.Pop()
	require.True(t, ok)
	require.Equal(t, KindReply, env.Kind)
	assert.Equal(t, []byte("hello-reply"), env.Rep.Payload())
	c.ReleaseReply(env.Rep)
}

func TestWakeupElision(t *testing.T) {
	ws, ns := &countingSignal{}, &countingSignal{}
	c := New(16, 4096, ws, ns)

	// Receiver not asleep: pushing must not fire the wakeup.
	c.PushNewRequest(&NewRequestMsg{})
	assert.Equal(t, int64(0), ws.fires.Load())

	// Announce sleep, then the next push must fire exactly once.
	c.ToWorker.AnnounceSleep()
	c.PushNewRequest(&NewRequestMsg{})
	assert.Equal(t, int64(1), ws.fires.Load())

	// And it clears asleep, so a further push doesn't fire again.
	c.PushNewRequest(&NewRequestMsg{})
	assert.Equal(t, int64(1), ws.fires.Load())
}

func TestPushSleepAnnouncesAndNotifiesNetwork(t *testing.T) {
	ws, ns := &countingSignal{}, &countingSignal{}
	c := New(16, 4096, ws, ns)
	ok := c.PushSleep()
	require.True(t, ok)
	assert.True(t, c.ToWorker.asleep.Load())
	env, ok := c.FromWorker.Pop()
	require.True(t, ok)
	assert.Equal(t, KindSleep, env.Kind)
}
