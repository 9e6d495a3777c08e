// Package network implements the network thread of spec §4.6: it owns
// sockets, multiplexes them with a readiness-polling primitive
// (internal/eventqueue, the same primitive the worker loop uses), and
// runs the receive/validate/tracker/admit pipeline, handing admitted
// packets to workers over a channel.Channel and draining their replies
// back out to the wire.
package network

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawFD extracts the underlying file descriptor of a UDP socket so it can
// be registered with the raw epoll-backed eventqueue, the same idiom the
// teacher's connstate.ListenConnState uses to hand a syscall.Conn's fd to
// its own poller.
func rawFD(conn syscall.Conn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	var ctrlErr error
	err = rc.Control(func(p uintptr) {
		fd = int(p)
		ctrlErr = unix.SetNonblock(fd, true)
	})
	if err != nil {
		return 0, err
	}
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

// listenUDP opens a UDP socket bound to addr with large kernel buffers,
// grounded on the same SO_RCVBUF/SO_SNDBUF sizing idiom the pack's UDP
// server examples use for burst handling.
func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("network: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("network: listen %q: %w", addr, err)
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)
	_ = conn.SetWriteBuffer(4 * 1024 * 1024)
	return conn, nil
}

func addrPort(a *net.UDPAddr) netip.AddrPort {
	ip, _ := netip.AddrFromSlice(a.IP)
	return netip.AddrPortFrom(ip.Unmap(), uint16(a.Port))
}
