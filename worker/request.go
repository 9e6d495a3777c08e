package worker

import (
	"time"

	"github.com/cloudwego/raddispatchd/channel"
	"github.com/cloudwego/raddispatchd/internal/arena"
	"github.com/cloudwego/raddispatchd/policy"
	"github.com/cloudwego/raddispatchd/radius"
)

// Request is one live in-flight request, spec §3's "Request": a decoded
// packet, its interpreter stack, and the scratch arena both are allocated
// from. It lives in the worker's time_order list from construction until
// it finishes (Done, Reply, or is forced out via waiting_to_die).
type Request struct {
	ch  *channelBinding
	msg *channel.NewRequestMsg

	rc    *policy.RequestContext
	stack *policy.Stack
	arena *arena.Arena

	priority int
	recvTime time.Time
	started  bool // true once Run has been called at least once

	// deadlineAt is when this request ages out of time_order and is
	// handed a Done step regardless of its own progress (spec §4.5
	// aging: "tail of time_order older than 1s -> step(Done)").
	deadlineAt time.Time

	// forcedDone marks a request the aging sweep already tried to
	// finish with Done; if it still refuses, it moves to waiting_to_die.
	forcedDone bool

	// agedOut marks a request the timeout sweep is cancelling for
	// exceeding its deadline (as opposed to a channel close), so its
	// eventual finish sends a NAK per spec §7 ("Deadline: per-request
	// timeout -> send NAK to network, run Done sweep").
	agedOut bool

	// delayedReject marks a request whose Access-Reject reply was held
	// back by reject_delay (spec §3's "delayed-reject" status flag).
	delayedReject bool
}

// pendingItem is one not-yet-decoded admitted message, sitting in
// to_decode or localized (spec §4.5's aging pipeline). Before
// localization its packet is the one the network thread decoded from its
// own copy of the datagram; localize re-decodes a copy of those bytes
// held in a worker-owned arena.
type pendingItem struct {
	ch       *channelBinding
	msg      *channel.NewRequestMsg
	queuedAt time.Time
}

// localize copies the item's packet payload into worker-owned memory,
// per spec §4.5: "Localization prevents a slow worker from pinning the
// channel's ring buffer."
func (p *pendingItem) localize() {
	if p.msg.Packet == nil || p.msg.Packet.Raw == nil {
		return
	}
	a := arena.New(len(p.msg.Packet.Raw))
	raw := a.AllocCopy(p.msg.Packet.Raw)
	localized, err := radius.Decode(raw)
	if err != nil {
		// Already decoded once by the network thread; a copy of valid
		// bytes cannot newly fail to decode. Keep the original on the
		// extremely unlikely chance it does, rather than drop a live
		// request.
		return
	}
	localized.Source, localized.Destination = p.msg.Packet.Source, p.msg.Packet.Destination
	p.msg.Packet = localized
}

func newRequest(cb *channelBinding, msg *channel.NewRequestMsg, root *policy.Node, now time.Time, requestTimeout time.Duration) *Request {
	a := arena.New(512)
	rc := &policy.RequestContext{
		Packet: msg.Packet,
		Arena:  a,
		Vars:   make(map[string]string),
	}
	return &Request{
		ch:         cb,
		msg:        msg,
		rc:         rc,
		stack:      policy.NewStack(root),
		arena:      a,
		priority:   int(msg.Priority),
		recvTime:   msg.RecvTime,
		deadlineAt: now.Add(requestTimeout),
	}
}
