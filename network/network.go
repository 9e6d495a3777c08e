package network

import (
	"errors"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudwego/raddispatchd/channel"
	"github.com/cloudwego/raddispatchd/internal/eventqueue"
	"github.com/cloudwego/raddispatchd/metrics"
	"github.com/cloudwego/raddispatchd/radius"
	"github.com/cloudwego/raddispatchd/tracker"
)

const (
	idlePollInterval = 100 * time.Millisecond
	proxySweepEvery  = 100 * time.Millisecond
)

// workerRoute is one worker channel this thread admits requests into.
type workerRoute struct {
	ch *channel.Channel
}

// Thread implements the network thread of spec §4.6: it owns every
// listener socket, multiplexes them through a shared eventqueue, and
// drains worker reply channels in the same loop iteration.
type Thread struct {
	Log     zerolog.Logger
	Metrics *metrics.Registry // nil disables instrumentation

	queue     *eventqueue.Queue
	listeners []*Listener
	proxies   map[*Listener]*ProxyTable

	workers []*workerRoute
	next    int

	maxRequests int
	admitted    int

	lastProxySweep time.Time
}

// New creates a network thread with its own event queue. Metrics is nil
// until SetMetrics is called; a nil Registry silently disables every
// counter increment below, so callers that don't need the status_server
// endpoint pay nothing for it.
func New(log zerolog.Logger, maxRequests int) (*Thread, error) {
	q, err := eventqueue.New()
	if err != nil {
		return nil, err
	}
	if maxRequests <= 0 {
		maxRequests = 1 << 20
	}
	return &Thread{Log: log, queue: q, maxRequests: maxRequests, proxies: make(map[*Listener]*ProxyTable)}, nil
}

// SetMetrics attaches the registry this thread reports packet and reply
// counts to (spec §7 / SPEC_FULL §11.3).
func (t *Thread) SetMetrics(m *metrics.Registry) { t.Metrics = m }

// AddListener registers l's socket for readiness events. For RoleProxy
// listeners, proxy associates the correlation table fed by
// policy/modules.Proxy through a ProxyClient built from the same socket.
func (t *Thread) AddListener(l *Listener, proxy *ProxyTable) error {
	if err := t.queue.RegisterReadable(l.fd, func() { t.onReadable(l) }); err != nil {
		return err
	}
	t.listeners = append(t.listeners, l)
	if l.Role == RoleProxy && proxy != nil {
		t.proxies[l] = proxy
	}
	return nil
}

// AddWorker binds a worker's channel to this thread. The caller is
// responsible for having constructed ch with this thread's UserEvent()
// as its network-side wakeup signal (spec §4.3).
func (t *Thread) AddWorker(ch *channel.Channel) {
	t.workers = append(t.workers, &workerRoute{ch: ch})
	ch.Open()
}

// UserEvent exposes the thread's shared wakeup signal, for wiring a
// worker's channel construction (channel.New(..., workerSignal,
// thread.UserEvent())).
func (t *Thread) UserEvent() channel.Signal { return t.queue.UserEvent() }

func (t *Thread) nextWorker() *workerRoute {
	if len(t.workers) == 0 {
		return nil
	}
	wr := t.workers[t.next%len(t.workers)]
	t.next++
	return wr
}

func (t *Thread) listenerFor(local netip.AddrPort) *Listener {
	for _, l := range t.listeners {
		if l.local == local {
			return l
		}
	}
	return nil
}

// priorityFor gives Access-Request packets scheduling priority over
// Accounting-Request, matching the worker's runnable heap ordering
// (spec §4.5's "priority then recv-time").
func priorityFor(code radius.Code) uint8 {
	if code == radius.CodeAccessRequest {
		return 1
	}
	return 0
}

// onReadable runs spec §4.6's receive/validate/tracker/admit pipeline on
// one datagram. epoll is level-triggered (internal/eventqueue), so if l's
// socket buffer still has more queued datagrams after this read, the next
// Wait reports it readable again immediately rather than this call
// draining it in a loop — which would otherwise race the runtime's own
// netpoller over the same fd once a blocking Read found nothing left.
func (t *Thread) onReadable(l *Listener) {
	buf := make([]byte, radius.MaxPacketSize)
	n, raddr, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		if !errors.Is(err, syscall.EAGAIN) {
			t.Log.Debug().Err(err).Str("role", l.Role.String()).Msg("udp read error")
		}
		return
	}
	t.handlePacket(l, buf[:n], raddr)
}

func (t *Thread) dropped(reason string) {
	if t.Metrics != nil {
		t.Metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

func (t *Thread) handlePacket(l *Listener, raw []byte, raddr *net.UDPAddr) {
	src := addrPort(raddr)
	if !l.permits(src) {
		t.Log.Warn().Str("peer", src.String()).Msg("dropping packet from unknown peer")
		t.dropped("unknown-peer")
		return
	}

	pkt, err := radius.Decode(append([]byte(nil), raw...))
	if err != nil {
		t.Log.Warn().Err(err).Str("peer", src.String()).Msg("dropping malformed packet")
		if t.Metrics != nil {
			t.Metrics.PacketsMalformed.Inc()
		}
		return
	}
	pkt.Source = src
	pkt.Destination = l.local

	if t.Metrics != nil {
		t.Metrics.PacketsReceived.WithLabelValues(l.Role.String(), pkt.Code.String()).Inc()
	}

	if !l.Role.validCode(pkt.Code, l.statusServerEnabled) {
		t.Log.Warn().Str("role", l.Role.String()).Str("code", pkt.Code.String()).Msg("dropping packet: wrong code for listener role")
		t.dropped("wrong-role-code")
		return
	}

	if l.Role == RoleProxy {
		if proxy, ok := t.proxies[l]; ok {
			proxy.deliver(pkt.Identifier, pkt.Raw)
		}
		return
	}

	now := time.Now()
	res, entry := l.tracker.Insert(pkt.Identifier, src, l.local, pkt.Authenticator, now)
	switch res {
	case tracker.SameAsLast:
		if entry.Reply != nil {
			_, _ = l.conn.WriteToUDP(entry.Reply, raddr)
		}
	case tracker.Duplicate:
		// in-flight retransmit of a request we're already working; drop.
		if t.Metrics != nil {
			t.Metrics.PacketsDuplicate.WithLabelValues(l.Role.String()).Inc()
		}
	case tracker.New, tracker.DifferentWithSameId:
		t.admit(l, pkt, now)
	}
}

func (t *Thread) admit(l *Listener, pkt *radius.Packet, now time.Time) {
	if t.admitted >= t.maxRequests {
		l.tracker.Delete(pkt.Identifier, pkt.Source, pkt.Destination)
		t.Log.Warn().Msg("dropping request: max_requests budget exhausted")
		t.dropped("max-requests")
		return
	}
	wr := t.nextWorker()
	if wr == nil {
		l.tracker.Delete(pkt.Identifier, pkt.Source, pkt.Destination)
		t.Log.Error().Msg("no workers bound; dropping request")
		t.dropped("no-workers")
		return
	}
	msg := &channel.NewRequestMsg{Packet: pkt, Priority: priorityFor(pkt.Code), RecvTime: now, TrackID: pkt.Identifier}
	if !wr.ch.PushNewRequest(msg) {
		l.tracker.Delete(pkt.Identifier, pkt.Source, pkt.Destination)
		t.Log.Warn().Msg("dropping request: worker channel full")
		t.dropped("channel-full")
		return
	}
	t.admitted++
}

// drainWorkers pops every pending reply/NAK/control envelope off each
// bound worker channel's from-worker direction, per spec §4.6's "Reply
// send" paragraph.
func (t *Thread) drainWorkers() {
	for _, wr := range t.workers {
		for {
			env, ok := wr.ch.FromWorker.Pop()
			if !ok {
				break
			}
			switch env.Kind {
			case channel.KindReply:
				t.sendReply(wr, env.Rep)
			case channel.KindNAK:
				t.handleNAK(env.Nak)
			case channel.KindOpenAck:
				wr.ch.ObserveOpenAck()
			case channel.KindCloseAck:
				wr.ch.ObserveCloseAck()
			case channel.KindSleep:
				// Informational only; the channel's own asleep flag
				// already governs wakeup elision.
			}
		}
	}
}

func (t *Thread) sendReply(wr *workerRoute, rep *channel.ReplyMsg) {
	defer wr.ch.ReleaseReply(rep)
	t.admitted--

	orig := rep.OriginalRequest
	if orig == nil || orig.Packet == nil {
		return
	}
	l := t.listenerFor(orig.Packet.Destination)
	if l == nil {
		return
	}
	payload := rep.Payload()
	_, _ = l.conn.WriteToUDP(payload, net.UDPAddrFromAddrPort(orig.Packet.Source))
	l.tracker.Reply(orig.Packet.Identifier, orig.Packet.Source, orig.Packet.Destination, append([]byte(nil), payload...), time.Now())

	if t.Metrics != nil {
		replyCode := radius.Code(0)
		if len(payload) > 0 {
			replyCode = radius.Code(payload[0])
		}
		t.Metrics.RepliesSent.WithLabelValues(replyCode.String()).Inc()
		t.Metrics.RequestLatency.WithLabelValues(orig.Packet.Code.String()).Observe(rep.ProcessingTime.Seconds())
	}
}

func (t *Thread) handleNAK(nak *channel.NAKMsg) {
	t.admitted--
	if nak.OriginalPacket != nil {
		if l := t.listenerFor(nak.OriginalPacket.Destination); l != nil {
			l.tracker.Delete(nak.OriginalPacket.Identifier, nak.OriginalPacket.Source, nak.OriginalPacket.Destination)
		}
	}
	t.Log.Warn().Str("reason", nak.Reason).Msg("worker NAK'd a pending request")
	if t.Metrics != nil {
		t.Metrics.NAKsSent.Inc()
	}
}

// sweepProxies drives every registered proxy table's synchronous-retry
// tick (spec §4.2's next_try deadline, SPEC_FULL §5) at most once every
// proxySweepEvery, mirroring the worker loop's own timeout sweep cadence.
func (t *Thread) sweepProxies(now time.Time) {
	if now.Sub(t.lastProxySweep) < proxySweepEvery {
		return
	}
	t.lastProxySweep = now
	for _, pt := range t.proxies {
		retries, timeouts := pt.Tick(now)
		if t.Metrics == nil {
			continue
		}
		for i := 0; i < retries; i++ {
			t.Metrics.ProxyRetries.Inc()
		}
		for i := 0; i < timeouts; i++ {
			t.Metrics.ProxyTimeouts.Inc()
		}
	}
}

// Run drives the thread's event loop until stop is closed.
func (t *Thread) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if _, err := t.queue.Wait(idlePollInterval); err != nil {
			t.Log.Error().Err(err).Msg("network event queue wait failed")
		}
		t.drainWorkers()
		t.sweepProxies(time.Now())
	}
}

// Close releases every listener socket and the event queue.
func (t *Thread) Close() error {
	var firstErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
