package network

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cloudwego/raddispatchd/radius"
)

// pendingSend is one outstanding proxied request awaiting a home-server
// reply, plus the synchronous-retransmission bookkeeping spec §4.2
// describes as a tracker entry's "next_try deadline".
type pendingSend struct {
	data     []byte
	attempts int
	nextTry  time.Time
	ch       chan []byte
}

// ProxyTable correlates outbound proxied requests with home-server
// replies (spec §4.6 step 5), and — when synchronous is enabled — drives
// the retransmit-until-dead-time state machine spec §4.2/SPEC_FULL §5
// describe for proxy liveness. It is deliberately independent of
// tracker.Table: Send is called concurrently from worker goroutines via
// policy/modules.Proxy, while tracker.Table's documented contract (spec
// §5: "owned by their network thread; no cross-thread access") assumes a
// single-goroutine owner. A small mutex-guarded pending map gives the
// cross-thread send path its own correctly-synchronized home instead of
// violating that contract.
type ProxyTable struct {
	mu      sync.Mutex
	next    uint8
	pending map[uint8]*pendingSend

	conn *net.UDPConn
	home netip.AddrPort

	retryDelay  time.Duration
	retryCount  int
	deadTime    time.Duration
	synchronous bool

	// wakeAllIfAllDead mirrors spec §6's wake_all_if_all_dead: when set,
	// a quarantined home server is treated as alive again immediately
	// instead of waiting out deadTime, matching FreeRADIUS's behavior
	// for the degenerate case where every known home server is dead and
	// sending nowhere is worse than sending to one presumed-dead.
	wakeAllIfAllDead bool

	dead      bool
	deadSince time.Time
}

// ProxyOptions configures a ProxyTable's retry and liveness behavior
// (spec §6: proxy_retry_delay, proxy_retry_count, proxy_dead_time,
// proxy_synchronous, wake_all_if_all_dead).
type ProxyOptions struct {
	RetryDelay       time.Duration
	RetryCount       int
	DeadTime         time.Duration
	Synchronous      bool
	WakeAllIfAllDead bool
}

// NewProxyTable builds a proxy correlator that sends through conn (a
// RoleProxy listener's socket) to home.
func NewProxyTable(conn *net.UDPConn, home netip.AddrPort, opts ProxyOptions) *ProxyTable {
	return &ProxyTable{
		conn:             conn,
		home:             home,
		pending:          make(map[uint8]*pendingSend),
		retryDelay:       opts.RetryDelay,
		retryCount:       opts.RetryCount,
		deadTime:         opts.DeadTime,
		synchronous:      opts.Synchronous,
		wakeAllIfAllDead: opts.WakeAllIfAllDead,
	}
}

// alive reports whether the home server should still be sent to, clearing
// the dead flag once deadTime has elapsed (or immediately under
// wake_all_if_all_dead).
func (p *ProxyTable) alive(now time.Time) bool {
	if !p.dead {
		return true
	}
	if p.wakeAllIfAllDead || now.Sub(p.deadSince) >= p.deadTime {
		p.dead = false
		return true
	}
	return false
}

// Send implements modules.ProxyClient: it allocates an id, records a
// pending completion channel, and forwards the encoded packet to the
// home server. The returned channel receives the raw reply payload once
// deliver correlates it, or is closed without a value if the send itself
// failed or the home server is currently quarantined.
func (p *ProxyTable) Send(pkt *radius.Packet) <-chan []byte {
	ch := make(chan []byte, 1)
	now := time.Now()

	p.mu.Lock()
	if !p.alive(now) {
		p.mu.Unlock()
		close(ch)
		return ch
	}
	id := p.next
	p.next++
	data := radius.Encode(nil, pkt.Code, id, pkt.Authenticator, pkt.Attributes)
	p.pending[id] = &pendingSend{data: data, nextTry: now.Add(p.retryDelay), ch: ch}
	p.mu.Unlock()

	if _, err := p.conn.WriteToUDP(data, net.UDPAddrFromAddrPort(p.home)); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		close(ch)
	}
	return ch
}

// deliver hands a correlated home-server reply to its waiting Proxy
// module, run by the network thread's proxy listener on receipt. Returns
// false if id had no pending send (stale or spoofed reply). A successful
// correlation clears the dead flag: a reply from the home server is
// itself proof of liveness.
func (p *ProxyTable) deliver(id uint8, payload []byte) bool {
	p.mu.Lock()
	ps, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
		p.dead = false
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ps.ch <- append([]byte(nil), payload...)
	close(ps.ch)
	return true
}

// Tick drives spec §4.2's next_try sweep: in synchronous mode, every
// pending send past its next_try deadline is retransmitted (up to
// retryCount attempts) or, once exhausted, abandoned and the home server
// quarantined for deadTime. Non-synchronous tables do nothing here — a
// single fire-and-forget send with no retransmission.
func (p *ProxyTable) Tick(now time.Time) (retries, timeouts int) {
	if !p.synchronous {
		return 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ps := range p.pending {
		if now.Before(ps.nextTry) {
			continue
		}
		if ps.attempts >= p.retryCount {
			delete(p.pending, id)
			close(ps.ch)
			p.dead = true
			p.deadSince = now
			timeouts++
			continue
		}
		if _, err := p.conn.WriteToUDP(ps.data, net.UDPAddrFromAddrPort(p.home)); err == nil {
			ps.attempts++
			ps.nextTry = now.Add(p.retryDelay)
			retries++
		}
	}
	return retries, timeouts
}

// Home returns the home server address this table proxies to, used by
// the owning listener to recognize which inbound replies are its own.
func (p *ProxyTable) Home() netip.AddrPort { return p.home }
