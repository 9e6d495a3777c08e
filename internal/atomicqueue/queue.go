// Package atomicqueue implements a lock-free, multi-producer/single-consumer
// ring of fixed slots holding unsafe.Pointer values.
//
// Each slot carries its own sequence number (grounded on the cache-line
// padded sequence-per-slot handoff used by disruptor-style SPSC rings), which
// is what makes multiple concurrent producers safe: a producer claims a slot
// with a CAS on the shared write cursor, then spins until that slot's
// sequence says it is its turn to write, then publishes by bumping the
// sequence again. The single consumer only ever reads with atomic loads and
// never contends with producers for the write cursor.
package atomicqueue

import (
	"sync/atomic"
	"unsafe"
)

const cacheLinePad = 64

type slot struct {
	sequence atomic.Uint64
	_        [cacheLinePad - 8]byte
	value    unsafe.Pointer
}

// Queue is an MPSC ring of pointers. Capacity must be a power of two.
type Queue struct {
	mask uint64
	buf  []slot

	enqueuePos atomic.Uint64
	_          [cacheLinePad - 8]byte
	dequeuePos atomic.Uint64
	_          [cacheLinePad - 8]byte
}

// New creates a Queue with room for capacity pointers, rounded up to the
// next power of two.
func New(capacity int) *Queue {
	if capacity < 2 {
		capacity = 2
	}
	c := 1
	for c < capacity {
		c <<= 1
	}
	q := &Queue{mask: uint64(c - 1), buf: make([]slot, c)}
	for i := range q.buf {
		q.buf[i].sequence.Store(uint64(i))
	}
	return q
}

// Push enqueues p. It is safe to call concurrently from any number of
// producer goroutines. Returns false if the queue is full.
func (q *Queue) Push(p unsafe.Pointer) bool {
	var s *slot
	pos := q.enqueuePos.Load()
	for {
		s = &q.buf[pos&q.mask]
		seq := s.sequence.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if q.enqueuePos.CompareAndSwap(pos, pos+1) {
				goto claimed
			}
			pos = q.enqueuePos.Load()
		case diff < 0:
			return false // full
		default:
			pos = q.enqueuePos.Load()
		}
	}
claimed:
	s.value = p
	s.sequence.Store(pos + 1) // release: publishes value to the consumer
	return true
}

// Pop dequeues the oldest pointer. It must be called from a single consumer
// goroutine only. Returns false if the queue is empty.
func (q *Queue) Pop() (unsafe.Pointer, bool) {
	pos := q.dequeuePos.Load()
	s := &q.buf[pos&q.mask]
	seq := s.sequence.Load() // acquire
	diff := int64(seq) - int64(pos+1)
	if diff != 0 {
		return nil, false
	}
	v := s.value
	s.value = nil
	s.sequence.Store(pos + q.mask + 1)
	q.dequeuePos.Store(pos + 1)
	return v, true
}

// Len is an approximation of the number of queued items; it is racy with
// concurrent producers and is intended for diagnostics only.
func (q *Queue) Len() int {
	return int(q.enqueuePos.Load() - q.dequeuePos.Load())
}
