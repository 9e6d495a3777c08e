//go:build linux
// +build linux

package eventqueue

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epoller is the Linux backend, grounded on connstate/poll_linux.go's
// epoller type (same wait/control/close shape) but rewritten against
// golang.org/x/sys/unix instead of cgo, and generalized to carry a
// per-fd callback rather than only a connection-state pointer, since the
// worker and network threads need to know *which* fd fired and run
// arbitrary logic (decode a packet, drain a channel) in response.
type epoller struct {
	epfd int

	mu   sync.Mutex
	cbs  map[int32]func()
	next int32 // synthetic registration id, since EpollEvent.Fd is an int32
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epoller{epfd: epfd, cbs: make(map[int32]func())}, nil
}

func (p *epoller) add(fd int, cb func()) error {
	p.mu.Lock()
	p.cbs[int32(fd)] = cb
	p.mu.Unlock()
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epoller) del(fd int) error {
	p.mu.Lock()
	delete(p.cbs, int32(fd))
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epoller) wait(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	events := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(p.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	fired := 0
	p.mu.Lock()
	cbs := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		if cb, ok := p.cbs[events[i].Fd]; ok {
			cbs = append(cbs, cb)
		}
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb()
		fired++
	}
	return fired, nil
}

func (p *epoller) close() error {
	return unix.Close(p.epfd)
}

// userEvent implements the control-plane's single shared wakeup on Linux
// using an eventfd, registered with the epoller like any other readable fd.
type userEvent struct {
	fd int
	p  *epoller
	q  *Queue
}

func newUserEvent(p poller, q *Queue) (*userEvent, error) {
	ep := p.(*epoller)
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	ue := &userEvent{fd: fd, p: ep, q: q}
	if err := ep.add(fd, ue.drain); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return ue, nil
}

// Fire triggers the shared wakeup. Safe to call from any goroutine.
func (u *userEvent) Fire() {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(u.fd, buf[:])
}

// drain clears the eventfd counter so EPOLLIN doesn't keep re-firing for a
// wakeup that was already serviced.
func (u *userEvent) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(u.fd, buf[:])
		if err != nil {
			break
		}
	}
	u.q.invokeWakeupHandler()
}
