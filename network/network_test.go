package network

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/raddispatchd/channel"
	"github.com/cloudwego/raddispatchd/radius"
)

type noopSignal struct{}

func (noopSignal) Fire() {}

func newLoopbackListener(t *testing.T, role Role, statusServer bool) *Listener {
	t.Helper()
	l, err := NewListener(role, "127.0.0.1:0", time.Minute, statusServer, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newLoopbackPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRoleValidCode(t *testing.T) {
	assert.True(t, RoleAuth.validCode(radius.CodeAccessRequest, false))
	assert.False(t, RoleAuth.validCode(radius.CodeAccountingRequest, false))
	assert.True(t, RoleAcct.validCode(radius.CodeAccountingRequest, false))
	assert.False(t, RoleAcct.validCode(radius.CodeStatusServer, false))
	assert.True(t, RoleAcct.validCode(radius.CodeStatusServer, true))
	assert.True(t, RoleProxy.validCode(radius.CodeAccessAccept, false))
	assert.False(t, RoleProxy.validCode(radius.CodeAccessRequest, false))
}

func TestHandlePacketAdmitsNewRequestToWorker(t *testing.T) {
	l := newLoopbackListener(t, RoleAuth, false)
	peer := newLoopbackPeer(t)

	th, err := New(zerolog.Nop(), 10)
	require.NoError(t, err)
	ch := channel.New(8, 4096, noopSignal{}, noopSignal{})
	th.AddWorker(ch)
	_, ok := ch.ToWorker.Pop() // KindOpen from Open()
	require.True(t, ok)

	raw := radius.Encode(nil, radius.CodeAccessRequest, 7, [16]byte{1, 2, 3}, nil)
	th.handlePacket(l, raw, peer.LocalAddr().(*net.UDPAddr))

	env, ok := ch.ToWorker.Pop()
	require.True(t, ok)
	require.Equal(t, channel.KindNewRequest, env.Kind)
	assert.Equal(t, radius.CodeAccessRequest, env.Req.Packet.Code)
	assert.Equal(t, uint8(7), env.Req.Packet.Identifier)
	assert.Equal(t, 1, th.admitted)
}

func TestHandlePacketDropsWrongRoleCode(t *testing.T) {
	l := newLoopbackListener(t, RoleAcct, false)
	peer := newLoopbackPeer(t)

	th, err := New(zerolog.Nop(), 10)
	require.NoError(t, err)
	ch := channel.New(8, 4096, noopSignal{}, noopSignal{})
	th.AddWorker(ch)
	_, _ = ch.ToWorker.Pop()

	raw := radius.Encode(nil, radius.CodeAccessRequest, 1, [16]byte{}, nil)
	th.handlePacket(l, raw, peer.LocalAddr().(*net.UDPAddr))

	_, ok := ch.ToWorker.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, th.admitted)
}

func TestHandlePacketUnknownPeerDropped(t *testing.T) {
	other := netip.MustParseAddr("10.0.0.9")
	l, err := NewListener(RoleAuth, "127.0.0.1:0", time.Minute, false, []netip.Addr{other})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	peer := newLoopbackPeer(t)

	th, err := New(zerolog.Nop(), 10)
	require.NoError(t, err)
	ch := channel.New(8, 4096, noopSignal{}, noopSignal{})
	th.AddWorker(ch)
	_, _ = ch.ToWorker.Pop()

	raw := radius.Encode(nil, radius.CodeAccessRequest, 1, [16]byte{}, nil)
	th.handlePacket(l, raw, peer.LocalAddr().(*net.UDPAddr))

	_, ok := ch.ToWorker.Pop()
	assert.False(t, ok)
}

func TestSameAsLastResendsCachedReply(t *testing.T) {
	l := newLoopbackListener(t, RoleAuth, false)
	peer := newLoopbackPeer(t)
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	th, err := New(zerolog.Nop(), 10)
	require.NoError(t, err)

	auth := [16]byte{9, 9, 9}
	src := addrPort(peerAddr)
	l.tracker.Insert(3, src, l.local, auth, time.Now())
	cached := radius.Encode(nil, radius.CodeAccessAccept, 3, auth, nil)
	l.tracker.Reply(3, src, l.local, cached, time.Now())

	raw := radius.Encode(nil, radius.CodeAccessRequest, 3, auth, nil)
	th.handlePacket(l, raw, peerAddr)

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	decoded, err := radius.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, radius.CodeAccessAccept, decoded.Code)
	assert.Equal(t, 0, th.admitted)
}

func TestDrainWorkersSendsReplyAndUpdatesTracker(t *testing.T) {
	l := newLoopbackListener(t, RoleAuth, false)
	peer := newLoopbackPeer(t)
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	th, err := New(zerolog.Nop(), 10)
	require.NoError(t, err)
	require.NoError(t, th.AddListener(l, nil))
	ch := channel.New(8, 4096, noopSignal{}, noopSignal{})
	th.AddWorker(ch)
	th.admitted = 1
	l.tracker.Insert(4, addrPort(peerAddr), l.local, [16]byte{}, time.Now())

	orig := &channel.NewRequestMsg{
		Packet: &radius.Packet{
			Code: radius.CodeAccessRequest, Identifier: 4,
			Source: addrPort(peerAddr), Destination: l.local,
		},
	}
	data := radius.Encode(nil, radius.CodeAccessAccept, 4, [16]byte{}, nil)
	ok, err := ch.PushReply(4, data, 0, 0, time.Now(), orig)
	require.NoError(t, err)
	require.True(t, ok)

	th.drainWorkers()

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	decoded, err := radius.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, radius.CodeAccessAccept, decoded.Code)
	assert.Equal(t, 0, th.admitted)

	_, found := l.tracker.Lookup(4, addrPort(peerAddr), l.local)
	assert.True(t, found)
}

func TestProxyTableRoundTrip(t *testing.T) {
	home := newLoopbackPeer(t)
	proxySock := newLoopbackPeer(t)

	pt := NewProxyTable(proxySock, addrPort(home.LocalAddr().(*net.UDPAddr)), ProxyOptions{})
	pkt := &radius.Packet{Code: radius.CodeAccessRequest, Attributes: nil}
	replyCh := pt.Send(pkt)

	home.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, raddr, err := home.ReadFromUDP(buf)
	require.NoError(t, err)
	decoded, err := radius.Decode(buf[:n])
	require.NoError(t, err)

	reply := radius.Encode(nil, radius.CodeAccessAccept, decoded.Identifier, [16]byte{}, nil)
	_, err = home.WriteToUDP(reply, raddr)
	require.NoError(t, err)

	// Simulate the proxy listener's receive path delivering the reply.
	require.Eventually(t, func() bool {
		proxySock.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		n, _, err := proxySock.ReadFromUDP(buf)
		if err != nil {
			return false
		}
		got, err := radius.Decode(buf[:n])
		require.NoError(t, err)
		return pt.deliver(got.Identifier, got.Raw)
	}, time.Second, 10*time.Millisecond)

	select {
	case payload := <-replyCh:
		got, err := radius.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, radius.CodeAccessAccept, got.Code)
	case <-time.After(time.Second):
		t.Fatal("proxy reply never delivered")
	}
}

func TestProxyTableSynchronousRetransmitsPastNextTry(t *testing.T) {
	home := newLoopbackPeer(t)
	proxySock := newLoopbackPeer(t)

	pt := NewProxyTable(proxySock, addrPort(home.LocalAddr().(*net.UDPAddr)), ProxyOptions{
		Synchronous: true,
		RetryDelay:  time.Millisecond,
		RetryCount:  3,
		DeadTime:    time.Minute,
	})
	pkt := &radius.Packet{Code: radius.CodeAccessRequest}
	pt.Send(pkt)

	home.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	_, _, err := home.ReadFromUDP(buf)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	retries, timeouts := pt.Tick(time.Now())
	assert.Equal(t, 1, retries)
	assert.Equal(t, 0, timeouts)

	home.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = home.ReadFromUDP(buf)
	assert.NoError(t, err, "retransmitted packet should have been resent to the home server")
}

func TestProxyTableQuarantinesAfterRetriesExhausted(t *testing.T) {
	home := newLoopbackPeer(t)
	proxySock := newLoopbackPeer(t)

	pt := NewProxyTable(proxySock, addrPort(home.LocalAddr().(*net.UDPAddr)), ProxyOptions{
		Synchronous: true,
		RetryDelay:  time.Millisecond,
		RetryCount:  1,
		DeadTime:    time.Hour,
	})
	replyCh := pt.Send(&radius.Packet{Code: radius.CodeAccessRequest})

	// First tick retransmits (attempts: 0 -> 1); second tick exhausts
	// retryCount and quarantines the home server.
	time.Sleep(2 * time.Millisecond)
	retries, timeouts := pt.Tick(time.Now())
	assert.Equal(t, 1, retries)
	assert.Equal(t, 0, timeouts)

	time.Sleep(2 * time.Millisecond)
	retries, timeouts = pt.Tick(time.Now())
	assert.Equal(t, 0, retries)
	assert.Equal(t, 1, timeouts)

	select {
	case _, ok := <-replyCh:
		assert.False(t, ok, "exhausted retry channel should be closed without a value")
	case <-time.After(time.Second):
		t.Fatal("proxy client never observed the timeout")
	}

	assert.True(t, pt.dead)

	// Sending again while quarantined gets an immediately-closed channel.
	again := pt.Send(&radius.Packet{Code: radius.CodeAccessRequest})
	_, ok := <-again
	assert.False(t, ok, "send to a quarantined home server should fail fast")
}

func TestProxyTableWakeAllIfAllDeadBypassesQuarantine(t *testing.T) {
	home := newLoopbackPeer(t)
	proxySock := newLoopbackPeer(t)

	pt := NewProxyTable(proxySock, addrPort(home.LocalAddr().(*net.UDPAddr)), ProxyOptions{
		Synchronous:      true,
		RetryDelay:       time.Millisecond,
		RetryCount:       0,
		DeadTime:         time.Hour,
		WakeAllIfAllDead: true,
	})
	pt.dead = true
	pt.deadSince = time.Now()

	pt.Send(&radius.Packet{Code: radius.CodeAccessRequest})
	home.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	_, _, err := home.ReadFromUDP(buf)
	require.NoError(t, err, "wake_all_if_all_dead should let a send through despite quarantine")
}

func TestProxyTableNonSynchronousTickIsNoOp(t *testing.T) {
	home := newLoopbackPeer(t)
	proxySock := newLoopbackPeer(t)

	pt := NewProxyTable(proxySock, addrPort(home.LocalAddr().(*net.UDPAddr)), ProxyOptions{
		Synchronous: false,
		RetryDelay:  time.Nanosecond,
		RetryCount:  5,
	})
	pt.Send(&radius.Packet{Code: radius.CodeAccessRequest})

	home.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 64)
	_, _, err := home.ReadFromUDP(buf)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	retries, timeouts := pt.Tick(time.Now())
	assert.Equal(t, 0, retries)
	assert.Equal(t, 0, timeouts)
}
