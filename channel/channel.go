// Package channel implements the dispatch channel protocol of spec §4.3:
// a per-(network, worker) object with two independent directions, each
// backed by one atomicqueue.Queue of message envelopes and one msgring.Ring
// for the variable-length encoded reply payloads those envelopes reference
// (a NAK carries its reason in the envelope itself). A single shared wakeup signal per
// direction lets the sender elide the kernel notification whenever the
// receiver is already known to be awake — spec §4.3's "critical
// optimization: in the steady state there is exactly one kernel wakeup
// per burst, not per message."
package channel

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cloudwego/raddispatchd/internal/atomicqueue"
	"github.com/cloudwego/raddispatchd/internal/msgring"
	"github.com/cloudwego/raddispatchd/radius"
)

// State is the channel's lifecycle state (spec §4.3's state diagram).
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Kind enumerates the message kinds carried over a channel direction.
type Kind uint8

const (
	KindNewRequest Kind = iota
	KindReply
	KindNAK
	KindSleep
	KindOpen
	KindOpenAck
	KindClose
	KindCloseAck
)

// NewRequestMsg is network->worker: a freshly admitted packet.
type NewRequestMsg struct {
	Packet   *radius.Packet
	Priority uint8
	RecvTime time.Time
	// TrackID lets the worker silently discard stale decodes (spec §4.5:
	// "Messages whose original recv time no longer matches the tracker's
	// current timestamp for that id are silently discarded").
	TrackID uint8
}

// ReplyMsg is worker->network: an encoded reply ready to send.
type ReplyMsg struct {
	msg             *msgring.Message // payload lives in the direction's ring
	Identifier      uint8
	CPUTime         time.Duration
	ProcessingTime  time.Duration
	RequestTime     time.Time
	OriginalRequest *NewRequestMsg
}

// Payload returns the encoded reply bytes.
func (r *ReplyMsg) Payload() []byte { return r.msg.Data }

// NAKMsg is worker->network: the worker could not process a request.
type NAKMsg struct {
	Reason          string
	OriginalPacket  *radius.Packet
	OriginalRequest *NewRequestMsg
}

// Envelope is the typed union pushed through a direction's atomic queue.
type Envelope struct {
	Kind Kind
	Req  *NewRequestMsg
	Rep  *ReplyMsg
	Nak  *NAKMsg
}

// Signal fires the receiving side's shared wakeup (an eventqueue user
// event in production, a no-op/closure in tests).
type Signal interface {
	Fire()
}

// direction is one of the channel's two independent message streams.
type direction struct {
	queue   *atomicqueue.Queue
	ring    *msgring.Ring
	signal  Signal
	asleep  atomic.Bool // receiver announced it has no more work and is sleeping
}

func newDirection(queueDepth, ringBytes int, signal Signal) *direction {
	return &direction{
		queue:  atomicqueue.New(queueDepth),
		ring:   msgring.New(ringBytes),
		signal: signal,
	}
}

// Ring exposes the direction's payload ring so the worker can reserve
// space for an encoded reply before pushing the envelope.
func (d *direction) Ring() *msgring.Ring { return d.ring }

// Push enqueues env. The kernel wakeup is elided if the receiver is
// already known to be awake (spec §4.3).
func (d *direction) Push(env *Envelope) bool {
	if !d.queue.Push(unsafe.Pointer(env)) {
		return false
	}
	if d.asleep.Load() {
		d.asleep.Store(false)
		if d.signal != nil {
			d.signal.Fire()
		}
	}
	return true
}

// Pop dequeues the next envelope, if any. Must be called by the direction's
// single consumer only.
func (d *direction) Pop() (*Envelope, bool) {
	p, ok := d.queue.Pop()
	if !ok {
		return nil, false
	}
	return (*Envelope)(p), true
}

// Empty reports whether the queue currently has nothing pending. Racy with
// concurrent producers; used only to decide whether to announce sleep.
func (d *direction) Empty() bool { return d.queue.Len() == 0 }

// AnnounceSleep marks the receiver as asleep so the next Push fires the
// wakeup. It is the consumer-side half of the elision optimization.
func (d *direction) AnnounceSleep() { d.asleep.Store(true) }

// Channel is a full-duplex worker<->network link.
type Channel struct {
	state atomic.Int32

	ToWorker   *direction // network -> worker
	FromWorker *direction // worker -> network
}

// New creates a Channel in the closed state. workerSignal/networkSignal
// fire the worker's and network thread's shared wakeups respectively.
func New(queueDepth, ringBytes int, workerSignal, networkSignal Signal) *Channel {
	c := &Channel{
		ToWorker:   newDirection(queueDepth, ringBytes, workerSignal),
		FromWorker: newDirection(queueDepth, ringBytes, networkSignal),
	}
	c.state.Store(int32(StateClosed))
	return c
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Open transitions closed -> opening and pushes an Open control envelope.
func (c *Channel) Open() {
	c.state.Store(int32(StateOpening))
	c.ToWorker.Push(&Envelope{Kind: KindOpen})
}

// AckOpen is called by the worker on receiving Open; transitions to open.
func (c *Channel) AckOpen() {
	c.state.Store(int32(StateOpen))
	c.FromWorker.Push(&Envelope{Kind: KindOpenAck})
}

// ObserveOpenAck is called by the network thread on receiving OpenAck.
func (c *Channel) ObserveOpenAck() {
	c.state.Store(int32(StateOpen))
}

// Close begins a graceful close: draining, then the worker cancels every
// live request routed through this channel (spec §5 "Cancellation").
func (c *Channel) Close() {
	c.state.Store(int32(StateDraining))
	c.ToWorker.Push(&Envelope{Kind: KindClose})
}

// AckClose is called by the worker once every request routed through this
// channel has been canceled with Done (spec §4.6 scenario 6).
func (c *Channel) AckClose() {
	c.state.Store(int32(StateClosed))
	c.FromWorker.Push(&Envelope{Kind: KindCloseAck})
}

// ObserveCloseAck finalizes the network side's view of the channel.
func (c *Channel) ObserveCloseAck() {
	c.state.Store(int32(StateClosed))
}

// PushNewRequest is the network thread's send path for an admitted packet.
func (c *Channel) PushNewRequest(req *NewRequestMsg) bool {
	return c.ToWorker.Push(&Envelope{Kind: KindNewRequest, Req: req})
}

// PushReply is the worker's send path for a completed reply. data is
// copied into the from-worker ring; the caller's buffer may be reused
// immediately afterward.
func (c *Channel) PushReply(id uint8, data []byte, cpuTime, processingTime time.Duration, reqTime time.Time, orig *NewRequestMsg) (bool, error) {
	msg, err := c.FromWorker.ring.Alloc(len(data))
	if err != nil {
		c.FromWorker.ring.GC()
		msg, err = c.FromWorker.ring.Alloc(len(data))
		if err != nil {
			return false, err
		}
	}
	copy(msg.Data, data)
	rep := &ReplyMsg{msg: msg, Identifier: id, CPUTime: cpuTime, ProcessingTime: processingTime, RequestTime: reqTime, OriginalRequest: orig}
	ok := c.FromWorker.Push(&Envelope{Kind: KindReply, Rep: rep})
	if !ok {
		c.FromWorker.ring.Done(msg)
	}
	return ok, nil
}

// ReleaseReply marks a reply's ring message done once the network thread
// has finished copying it out to the socket (spec §4.6: "free the
// worker's message once the network thread has finished copying").
func (c *Channel) ReleaseReply(r *ReplyMsg) {
	c.FromWorker.ring.Done(r.msg)
	c.FromWorker.ring.GC()
}

// PushNAK is the worker's send path for a request it could not process.
func (c *Channel) PushNAK(reason string, originalPacket *radius.Packet, orig *NewRequestMsg) bool {
	return c.FromWorker.Push(&Envelope{Kind: KindNAK, Nak: &NAKMsg{Reason: reason, OriginalPacket: originalPacket, OriginalRequest: orig}})
}

// PushSleep announces "no more runnable work" to the network thread.
func (c *Channel) PushSleep() bool {
	c.ToWorker.AnnounceSleep() // next NewRequest wakes us; announce on our own inbound direction
	return c.FromWorker.Push(&Envelope{Kind: KindSleep})
}
