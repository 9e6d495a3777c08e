package worker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/raddispatchd/channel"
	"github.com/cloudwego/raddispatchd/policy"
	"github.com/cloudwego/raddispatchd/policy/modules"
	"github.com/cloudwego/raddispatchd/radius"
)

type noopSignal struct{}

func (noopSignal) Fire() {}

func newTestChannel() *channel.Channel {
	return channel.New(8, 4096, noopSignal{}, noopSignal{})
}

func TestAcceptModuleProducesAccessAccept(t *testing.T) {
	root := policy.ModuleCall(modules.Accept{}, policy.DefaultActionTable())
	w, err := New(zerolog.Nop(), root, time.Second)
	require.NoError(t, err)
	defer w.Close()

	ch := newTestChannel()
	w.Bind(ch)

	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 42}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: 1, RecvTime: time.Now()}
	require.True(t, ch.PushNewRequest(msg))

	w.onWake()
	require.Len(t, w.toDecode, 1)

	req := w.getRunnable(time.Now())
	require.NotNil(t, req)
	w.runRequest(req)

	env, ok := ch.FromWorker.Pop()
	require.True(t, ok)
	require.Equal(t, channel.KindReply, env.Kind)
	assert.Equal(t, uint8(42), env.Rep.Identifier)

	decoded, err := radius.Decode(env.Rep.Payload())
	require.NoError(t, err)
	assert.Equal(t, radius.CodeAccessAccept, decoded.Code)

	assert.Empty(t, w.timeOrder)
}

func TestRejectModuleProducesAccessReject(t *testing.T) {
	root := policy.ModuleCall(modules.Reject{}, policy.DefaultActionTable())
	w, err := New(zerolog.Nop(), root, time.Second)
	require.NoError(t, err)
	defer w.Close()

	ch := newTestChannel()
	w.Bind(ch)

	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 1}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: 1, RecvTime: time.Now()}
	require.True(t, ch.PushNewRequest(msg))
	w.onWake()

	req := w.getRunnable(time.Now())
	require.NotNil(t, req)
	w.runRequest(req)

	env, ok := ch.FromWorker.Pop()
	require.True(t, ok)
	decoded, err := radius.Decode(env.Rep.Payload())
	require.NoError(t, err)
	assert.Equal(t, radius.CodeAccessReject, decoded.Code)
}

type fakeTimer struct{ fired chan func() }

func (f *fakeTimer) AddTimer(deadline time.Time, cb func()) (cancel func()) {
	go cb()
	return func() {}
}

func TestSleepModuleYieldsThenResumesViaWaiter(t *testing.T) {
	timer := &fakeTimer{}
	root := policy.ModuleCall(modules.Sleep{Duration: time.Millisecond, Timer: timer}, policy.DefaultActionTable())
	w, err := New(zerolog.Nop(), root, time.Second)
	require.NoError(t, err)
	defer w.Close()

	ch := newTestChannel()
	w.Bind(ch)

	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 5}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: 1, RecvTime: time.Now()}
	require.True(t, ch.PushNewRequest(msg))
	w.onWake()

	req := w.getRunnable(time.Now())
	require.NotNil(t, req)
	w.runRequest(req)
	require.Contains(t, w.timeOrder, req)

	require.Eventually(t, func() bool {
		w.onWake()
		return w.runnable.Len() > 0
	}, time.Second, time.Millisecond)

	next := w.getRunnable(time.Now())
	require.Same(t, req, next)
	w.runRequest(next)

	env, ok := ch.FromWorker.Pop()
	require.True(t, ok)
	decoded, err := radius.Decode(env.Rep.Payload())
	require.NoError(t, err)
	assert.Equal(t, radius.CodeAccessAccept, decoded.Code)
}

func TestCloseChannelCancelsNeverModuleRequest(t *testing.T) {
	root := policy.ModuleCall(modules.Never{}, policy.DefaultActionTable())
	w, err := New(zerolog.Nop(), root, time.Second)
	require.NoError(t, err)
	defer w.Close()

	ch := newTestChannel()
	w.Bind(ch)

	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 9}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: 1, RecvTime: time.Now()}
	require.True(t, ch.PushNewRequest(msg))
	w.onWake()

	req := w.getRunnable(time.Now())
	require.NotNil(t, req)
	w.runRequest(req)
	require.Len(t, w.timeOrder, 1)

	ch.Close()
	w.onWake()

	assert.Empty(t, w.timeOrder)
	env, ok := ch.FromWorker.Pop()
	require.True(t, ok)
	assert.Equal(t, channel.KindCloseAck, env.Kind)
}

func TestDeadlineSweepNAKsAgedOutRequest(t *testing.T) {
	root := policy.ModuleCall(modules.Never{}, policy.DefaultActionTable())
	w, err := New(zerolog.Nop(), root, time.Second)
	require.NoError(t, err)
	defer w.Close()

	ch := newTestChannel()
	w.Bind(ch)

	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 11}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: 1, RecvTime: time.Now()}
	require.True(t, ch.PushNewRequest(msg))
	w.onWake()

	req := w.getRunnable(time.Now())
	require.NotNil(t, req)
	w.runRequest(req)
	require.Len(t, w.timeOrder, 1)

	req.deadlineAt = time.Now().Add(-time.Millisecond)
	w.checkTimeouts(time.Now())

	assert.Empty(t, w.timeOrder)
	assert.Empty(t, w.waiting)
	env, ok := ch.FromWorker.Pop()
	require.True(t, ok, "a deadline-cancelled request must NAK, not vanish silently")
	assert.Equal(t, channel.KindNAK, env.Kind)
	assert.Equal(t, uint8(11), env.Nak.OriginalPacket.Identifier)
}

func TestChannelCloseCancellationStaysSilent(t *testing.T) {
	root := policy.ModuleCall(modules.Never{}, policy.DefaultActionTable())
	w, err := New(zerolog.Nop(), root, time.Second)
	require.NoError(t, err)
	defer w.Close()

	ch := newTestChannel()
	w.Bind(ch)

	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 12}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: 1, RecvTime: time.Now()}
	require.True(t, ch.PushNewRequest(msg))
	w.onWake()

	req := w.getRunnable(time.Now())
	require.NotNil(t, req)
	w.runRequest(req)

	ch.Close()
	w.onWake()

	// Channel-close cancellation (spec's "Channel fault" path) has no NAK,
	// unlike a deadline cancellation; only the CloseAck should be pending.
	env, ok := ch.FromWorker.Pop()
	require.True(t, ok)
	assert.Equal(t, channel.KindCloseAck, env.Kind)
	_, ok = ch.FromWorker.Pop()
	assert.False(t, ok)
}

func TestRejectDelayHoldsBackAccessReject(t *testing.T) {
	root := policy.ModuleCall(modules.Reject{}, policy.DefaultActionTable())
	w, err := New(zerolog.Nop(), root, time.Second)
	require.NoError(t, err)
	defer w.Close()
	w.SetRejectDelay(5 * time.Millisecond)

	ch := newTestChannel()
	w.Bind(ch)

	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 13}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: 1, RecvTime: time.Now()}
	require.True(t, ch.PushNewRequest(msg))
	w.onWake()

	req := w.getRunnable(time.Now())
	require.NotNil(t, req)
	w.runRequest(req)

	_, ok := ch.FromWorker.Pop()
	assert.False(t, ok, "reject must not be sent before reject_delay elapses")
	assert.True(t, req.delayedReject)

	require.Eventually(t, func() bool {
		w.queue.Wait(0)
		_, ok := ch.FromWorker.Pop()
		return ok
	}, time.Second, time.Millisecond)
}

func TestAgingSweepNAKsStaleToDecodeItem(t *testing.T) {
	root := policy.ModuleCall(modules.Accept{}, policy.DefaultActionTable())
	w, err := New(zerolog.Nop(), root, time.Second)
	require.NoError(t, err)
	defer w.Close()

	ch := newTestChannel()
	w.Bind(ch)

	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Identifier: 2}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: 1, RecvTime: time.Now().Add(-2 * time.Second)}
	require.True(t, ch.PushNewRequest(msg))
	w.onWake()
	require.Len(t, w.toDecode, 1)
	w.toDecode[0].queuedAt = time.Now().Add(-2 * time.Second)

	w.checkTimeouts(time.Now())

	assert.Empty(t, w.toDecode)
	env, ok := ch.FromWorker.Pop()
	require.True(t, ok)
	assert.Equal(t, channel.KindNAK, env.Kind)
}
