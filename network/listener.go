package network

import (
	"net"
	"net/netip"
	"time"

	"github.com/cloudwego/raddispatchd/radius"
	"github.com/cloudwego/raddispatchd/tracker"
)

// Role is a listener's socket role, resolving spec §9's per-listener
// keying ambiguity (SPEC_FULL §4.6.1): each listener is constructed with
// exactly one role and validates every inbound packet's code against it.
type Role uint8

const (
	RoleAuth Role = iota
	RoleAcct
	RoleProxy
)

func (r Role) String() string {
	switch r {
	case RoleAuth:
		return "auth"
	case RoleAcct:
		return "acct"
	case RoleProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// validCode reports whether code is acceptable on a socket of this role.
func (r Role) validCode(code radius.Code, statusServerEnabled bool) bool {
	switch r {
	case RoleAuth:
		return code == radius.CodeAccessRequest || (statusServerEnabled && code == radius.CodeStatusServer)
	case RoleAcct:
		return code == radius.CodeAccountingRequest || (statusServerEnabled && code == radius.CodeStatusServer)
	case RoleProxy:
		// Proxy sockets only ever see replies from home servers; request
		// codes never originate there.
		return code == radius.CodeAccessAccept || code == radius.CodeAccessReject ||
			code == radius.CodeAccessChallenge || code == radius.CodeAccountingResponse
	default:
		return false
	}
}

// Listener owns one UDP socket and the tracker table keyed for its role
// (spec §4.2, §4.6.1).
type Listener struct {
	Role  Role
	conn  *net.UDPConn
	fd    int
	local netip.AddrPort

	tracker *tracker.Table

	// allowed restricts which peers may send to this socket (spec §4.6
	// step 2: "Unknown peer -> drop with a counted error"). A nil map
	// accepts any peer, matching an auth/acct listener with no static
	// client list configured.
	allowed map[netip.Addr]struct{}

	statusServerEnabled bool
}

// NewListener opens addr and builds its tracker table per role.
func NewListener(role Role, addr string, cleanupDelay time.Duration, statusServerEnabled bool, allowedClients []netip.Addr) (*Listener, error) {
	conn, err := listenUDP(addr)
	if err != nil {
		return nil, err
	}
	fd, err := rawFD(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	mode := tracker.KeyBySourceID
	if role == RoleProxy {
		mode = tracker.KeyByDestinationID
	}
	var allowed map[netip.Addr]struct{}
	if len(allowedClients) > 0 {
		allowed = make(map[netip.Addr]struct{}, len(allowedClients))
		for _, a := range allowedClients {
			allowed[a] = struct{}{}
		}
	}
	l := &Listener{
		Role:                role,
		conn:                conn,
		fd:                  fd,
		local:               addrPort(conn.LocalAddr().(*net.UDPAddr)),
		tracker:             tracker.New(mode, cleanupDelay),
		allowed:             allowed,
		statusServerEnabled: statusServerEnabled,
	}
	return l, nil
}

func (l *Listener) permits(src netip.AddrPort) bool {
	if l.allowed == nil {
		return true
	}
	_, ok := l.allowed[src.Addr()]
	return ok
}

// Close releases the listener's socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Conn exposes the listener's underlying socket, for building a
// ProxyTable that sends through a RoleProxy listener's connection.
func (l *Listener) Conn() *net.UDPConn { return l.conn }

// LocalAddr returns the address this listener is bound to.
func (l *Listener) LocalAddr() netip.AddrPort { return l.local }
