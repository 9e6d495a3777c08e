// Package eventqueue implements the per-worker "Event List" from spec §3:
// a kernel event queue handle, a user-event descriptor for control-plane
// wakeups, and registered timed callbacks ordered by deadline.
//
// It generalizes the teacher's connstate epoll poller (which only tracked
// whether a connection's fd had gone into an error/closed state) into a
// data-bearing multiplexer that can register arbitrary readable fds with
// per-fd callbacks and carry a min-heap of deadline-ordered timers, which
// both the worker loop (spec §4.5) and the network thread (spec §4.6) need.
package eventqueue

import (
	"container/heap"
	"sync"
	"time"
)

// poller is the platform backend. Linux uses epoll (poller_linux.go), the
// BSDs and darwin use kqueue (poller_bsd.go), and other platforms fall back
// to a goroutine-per-fd ticker (poller_other.go).
type poller interface {
	add(fd int, cb func()) error
	del(fd int) error
	// wait blocks up to timeout (timeout<0 means forever, 0 means a
	// nonblocking poll) and invokes the callbacks of every fd that became
	// ready, returning how many fired.
	wait(timeout time.Duration) (int, error)
	close() error
}

// timerItem is one entry in the deadline-ordered timer min-heap.
type timerItem struct {
	deadline time.Time
	cb       func()
	index    int
	canceled bool
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { it := x.(*timerItem); it.index = len(*h); *h = append(*h, it) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// TimerHandle cancels a scheduled timer callback.
type TimerHandle struct {
	item *timerItem
}

// Queue is one worker's (or the network thread's) event loop primitive.
type Queue struct {
	mu     sync.Mutex
	timers timerHeap
	p      poller
	user   *userEvent
	onWake func()
}

// New creates a Queue backed by the platform's native poller.
func New() (*Queue, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	q := &Queue{p: p}
	ue, err := newUserEvent(p, q)
	if err != nil {
		p.close()
		return nil, err
	}
	q.user = ue
	return q, nil
}

// SetWakeupHandler installs fn to run whenever the shared user-event fires,
// after the platform backend has cleared its own wakeup counter/flag. The
// worker loop uses this to drain its channels' control planes (spec §4.1:
// "Receivers drain the queue until empty before re-arming").
func (q *Queue) SetWakeupHandler(fn func()) {
	q.mu.Lock()
	q.onWake = fn
	q.mu.Unlock()
}

func (q *Queue) invokeWakeupHandler() {
	q.mu.Lock()
	fn := q.onWake
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RegisterReadable arms cb to run whenever fd becomes readable.
func (q *Queue) RegisterReadable(fd int, cb func()) error {
	return q.p.add(fd, cb)
}

// Unregister removes fd's readability registration.
func (q *Queue) Unregister(fd int) error {
	return q.p.del(fd)
}

// UserEvent returns the queue's single shared control-plane wakeup signal.
// Firing it unblocks a pending Wait exactly once per fire-then-drain cycle,
// matching spec §4.1's "single kernel wakeup" design.
func (q *Queue) UserEvent() *userEvent {
	return q.user
}

// AddTimer schedules cb to run at deadline (best-effort, not before it).
// Returns a handle that can cancel the callback before it fires.
func (q *Queue) AddTimer(deadline time.Time, cb func()) TimerHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := &timerItem{deadline: deadline, cb: cb}
	heap.Push(&q.timers, it)
	return TimerHandle{item: it}
}

// Cancel prevents a previously scheduled timer from firing. Safe to call
// even if the timer already fired or was already canceled.
func (h TimerHandle) Cancel() {
	if h.item != nil {
		h.item.canceled = true
	}
}

// nextDeadline returns the earliest non-canceled timer's deadline, and
// whether one exists, without popping it.
func (q *Queue) nextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.timers) > 0 {
		top := q.timers[0]
		if top.canceled {
			heap.Pop(&q.timers)
			continue
		}
		return top.deadline, true
	}
	return time.Time{}, false
}

// runDueTimers pops and invokes every timer whose deadline has passed.
func (q *Queue) runDueTimers(now time.Time) int {
	var due []*timerItem
	q.mu.Lock()
	for len(q.timers) > 0 {
		top := q.timers[0]
		if top.canceled {
			heap.Pop(&q.timers)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		due = append(due, heap.Pop(&q.timers).(*timerItem))
	}
	q.mu.Unlock()
	for _, it := range due {
		it.cb()
	}
	return len(due)
}

// Wait blocks until a registered fd is readable, the user event fires, a
// timer becomes due, or maxWait elapses (whichever first), then services
// every ready source. It returns the number of events serviced, mirroring
// the worker loop's `event_corral`/`event_service` split from spec §4.5.
func (q *Queue) Wait(maxWait time.Duration) (int, error) {
	timeout := maxWait
	if deadline, ok := q.nextDeadline(); ok {
		if d := time.Until(deadline); d < timeout {
			if d < 0 {
				d = 0
			}
			timeout = d
		}
	}
	n, err := q.p.wait(timeout)
	n += q.runDueTimers(time.Now())
	return n, err
}

// Close releases the queue's kernel resources.
func (q *Queue) Close() error {
	return q.p.close()
}
