// Package worker implements the per-thread event loop of spec §4.5: three
// priority-ordered admission stages (to_decode/localized, then a runnable
// heap for requests whose yielded event has fired), a time-ordered list
// of live requests for deadline aging, and the run_request loop that
// drives policy.Run/policy.Resume to completion.
//
// Grounded on FreeRADIUS's util/worker.c event loop and the teacher's
// concurrency/gopool.go for the goroutine-per-waiter/panic-recovery
// idiom; the event queue itself is internal/eventqueue, adapted from the
// teacher's connstate epoll poller (see DESIGN.md).
package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudwego/raddispatchd/channel"
	"github.com/cloudwego/raddispatchd/internal/eventqueue"
	"github.com/cloudwego/raddispatchd/policy"
	"github.com/cloudwego/raddispatchd/radius"
)

// Tuning constants matching spec §4.5's aging thresholds.
const (
	localizedMaxAge   = time.Second
	toDecodeLocalize  = 10 * time.Millisecond
	toDecodeMaxAge    = time.Second
	timeOrderMaxAge   = time.Second
	timeoutSweepEvery = 100 * time.Millisecond
	idlePollInterval  = 100 * time.Millisecond
)

// ReplyCodeFunc derives the outgoing packet code for a finished request
// from the request's original code and the interpreter's final rcode;
// callers supply the policy-specific mapping (e.g. Access-Reject vs
// Access-Accept) since the core engine treats rcode semantics as opaque
// per spec §1.
type ReplyCodeFunc func(original radius.Code, final policy.RCode) radius.Code

// DefaultReplyCode implements the conventional RADIUS mapping: an
// Access-Request gets Access-Accept on a "good" rcode and Access-Reject
// otherwise, an Accounting-Request always gets Accounting-Response, and
// every other request code keeps its own value (callers needing different
// semantics should provide their own ReplyCodeFunc).
func DefaultReplyCode(original radius.Code, final policy.RCode) radius.Code {
	good := final == policy.RCodeOK || final == policy.RCodeUpdated || final == policy.RCodeHandled || final == policy.RCodeNoop
	switch original {
	case radius.CodeAccessRequest:
		if good {
			return radius.CodeAccessAccept
		}
		return radius.CodeAccessReject
	case radius.CodeAccountingRequest:
		return radius.CodeAccountingResponse
	default:
		return original
	}
}

// channelBinding is one admitted channel.Channel plus the worker-local
// bookkeeping needed to drive its lifecycle (open/close acks, scoping
// to_decode items and live requests back to their origin on Close).
type channelBinding struct {
	ch       *channel.Channel
	draining bool
	closed   bool
}

// Worker is one dispatch thread's private state: its event queue, the
// channels routed to it, the admission pipeline, and the set of live
// requests (spec §4.5, §5: "Workers: single-threaded, share nothing").
type Worker struct {
	Log zerolog.Logger

	root           *policy.Node
	requestTimeout time.Duration
	replyCode      ReplyCodeFunc
	rejectDelay    time.Duration

	queue    *eventqueue.Queue
	channels []*channelBinding

	toDecode  []*pendingItem
	localized []*pendingItem
	runnable  runnableHeap
	timeOrder []*Request
	waiting   []*Request

	readyMu sync.Mutex
	ready   []*Request

	lastTimeoutCheck time.Time
}

// New creates a Worker driving root as every admitted request's policy
// tree, backed by a fresh platform event queue. requestTimeout <= 0 uses
// spec §4.5's default max request age (1s).
func New(log zerolog.Logger, root *policy.Node, requestTimeout time.Duration) (*Worker, error) {
	q, err := eventqueue.New()
	if err != nil {
		return nil, err
	}
	if requestTimeout <= 0 {
		requestTimeout = timeOrderMaxAge
	}
	w := &Worker{
		Log:            log,
		root:           root,
		requestTimeout: requestTimeout,
		replyCode:      DefaultReplyCode,
		queue:          q,
	}
	q.SetWakeupHandler(w.onWake)
	return w, nil
}

// SetReplyCode overrides the default rcode->wire-code mapping.
func (w *Worker) SetReplyCode(fn ReplyCodeFunc) { w.replyCode = fn }

// SetRejectDelay configures how long an Access-Reject reply is held back
// before sending, per spec §6's anti-brute-force reject_delay. Zero (the
// default) sends rejects immediately like any other reply.
func (w *Worker) SetRejectDelay(d time.Duration) { w.rejectDelay = d }

// Bind routes ch's traffic through this worker, returning a Signal the
// owning network thread should pass as ch's ToWorker wakeup — all
// channels bound to one Worker share its single kernel wakeup (spec
// §4.3: "exactly one kernel wakeup per burst, not per message").
func (w *Worker) Bind(ch *channel.Channel) channel.Signal {
	w.channels = append(w.channels, &channelBinding{ch: ch})
	return w.Signal()
}

// Signal returns this worker's shared wakeup, for callers that need it
// before a channel.Channel exists (channel.New takes the worker and
// network signals up front, so the caller must obtain this one ahead of
// Bind rather than from Bind's return value).
func (w *Worker) Signal() channel.Signal { return w.queue.UserEvent() }

// Timer adapts the worker's event queue to the narrow AddTimer shape
// policy/modules.Sleep needs, without that package importing eventqueue
// directly (it only depends on a structural interface).
func (w *Worker) Timer() *timerAdapter { return &timerAdapter{q: w.queue} }

type timerAdapter struct{ q *eventqueue.Queue }

func (t *timerAdapter) AddTimer(deadline time.Time, cb func()) (cancel func()) {
	h := t.q.AddTimer(deadline, cb)
	return h.Cancel
}

// onWake runs on the goroutine calling Wait, right after the platform
// backend clears its wakeup counter: it drains every bound channel's
// inbound queue and the set of requests whose waited-on event fired.
func (w *Worker) onWake() {
	now := time.Now()
	for _, cb := range w.channels {
		w.drainChannel(cb, now)
	}
	w.readyMu.Lock()
	ready := w.ready
	w.ready = nil
	w.readyMu.Unlock()
	for _, req := range ready {
		pushRunnable(&w.runnable, req)
	}
}

func (w *Worker) drainChannel(cb *channelBinding, now time.Time) {
	for {
		env, ok := cb.ch.ToWorker.Pop()
		if !ok {
			return
		}
		switch env.Kind {
		case channel.KindOpen:
			cb.ch.AckOpen()
		case channel.KindClose:
			cb.draining = true
			w.tryCloseChannel(cb)
		case channel.KindNewRequest:
			w.toDecode = append(w.toDecode, &pendingItem{ch: cb, msg: env.Req, queuedAt: now})
		}
	}
}

// tryCloseChannel cancels every live request still bound to cb and, once
// none remain, acks the close (spec §4.6 scenario 6: "the worker cancels
// every live request routed through this channel").
func (w *Worker) tryCloseChannel(cb *channelBinding) {
	var targets []*Request
	for _, req := range w.timeOrder {
		if req.ch == cb {
			targets = append(targets, req)
		}
	}
	for _, req := range w.waiting {
		if req.ch == cb {
			targets = append(targets, req)
		}
	}
	for _, req := range targets {
		w.cancel(req)
	}
	if !cb.closed && !w.hasLive(cb) {
		cb.closed = true
		cb.ch.AckClose()
	}
}

// hasLive reports whether any request still bound to cb is live in
// time_order or waiting_to_die, used to decide whether a Close can be
// acked yet.
func (w *Worker) hasLive(cb *channelBinding) bool {
	for _, req := range w.timeOrder {
		if req.ch == cb {
			return true
		}
	}
	for _, req := range w.waiting {
		if req.ch == cb {
			return true
		}
	}
	return false
}

func (w *Worker) cancel(req *Request) {
	res := req.stack.Cancel(req.rc)
	if res == policy.ActionResultDone {
		w.finish(req, true)
	}
}

// Run drives the event loop until stop is closed, per spec §4.5's
// pseudocode: corral events (blocking only when nothing is runnable),
// service them, sweep timeouts at most every 100ms, then run one
// runnable request per iteration.
func (w *Worker) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		waitFor := idlePollInterval
		if !w.idle() {
			waitFor = 0
		}
		if _, err := w.queue.Wait(waitFor); err != nil {
			w.Log.Error().Err(err).Msg("event queue wait failed")
		}
		now := time.Now()
		if now.Sub(w.lastTimeoutCheck) > timeoutSweepEvery {
			w.checkTimeouts(now)
			w.lastTimeoutCheck = now
		}
		if req := w.getRunnable(now); req != nil {
			w.runRequest(req)
		}
	}
}

func (w *Worker) idle() bool {
	return w.runnable.Len() == 0 && len(w.localized) == 0 && len(w.toDecode) == 0
}

// checkTimeouts implements spec §4.5's aging sweep across all four
// collections.
func (w *Worker) checkTimeouts(now time.Time) {
	kept := w.localized[:0]
	for _, it := range w.localized {
		if now.Sub(it.queuedAt) > localizedMaxAge {
			w.nakPending(it, "localized request aged out")
			continue
		}
		kept = append(kept, it)
	}
	w.localized = kept

	kept = w.toDecode[:0]
	for _, it := range w.toDecode {
		age := now.Sub(it.queuedAt)
		switch {
		case age > toDecodeMaxAge:
			w.nakPending(it, "pending request aged out before localization")
		case age > toDecodeLocalize:
			it.localize()
			w.localized = append(w.localized, it)
		default:
			kept = append(kept, it)
		}
	}
	w.toDecode = kept

	live := w.timeOrder[:0]
	for _, req := range w.timeOrder {
		if now.Before(req.deadlineAt) {
			live = append(live, req)
			continue
		}
		if !req.forcedDone {
			req.forcedDone = true
			req.agedOut = true
			res := req.stack.Cancel(req.rc)
			if res == policy.ActionResultDone {
				w.finishNoLiveRemove(req, true)
				continue
			}
		}
		w.waiting = append(w.waiting, req)
	}
	w.timeOrder = live

	stillWaiting := w.waiting[:0]
	for _, req := range w.waiting {
		res := req.stack.Cancel(req.rc)
		if res == policy.ActionResultDone {
			w.finishNoLiveRemove(req, true)
			continue
		}
		stillWaiting = append(stillWaiting, req)
	}
	w.waiting = stillWaiting

	for _, cb := range w.channels {
		if cb.draining && !cb.closed {
			w.tryCloseChannel(cb)
		}
	}
}

func (w *Worker) nakPending(it *pendingItem, reason string) {
	it.ch.ch.PushNAK(reason, it.msg.Packet, it.msg)
}

// getRunnable implements spec §4.5's "Getting a runnable request": the
// runnable heap (already-yielded requests whose event fired) takes
// priority; otherwise the oldest pending admission is decoded in place.
func (w *Worker) getRunnable(now time.Time) *Request {
	if req := popRunnable(&w.runnable); req != nil {
		return req
	}
	if it := popPending(&w.localized); it != nil {
		return w.admit(it, now)
	}
	if it := popPending(&w.toDecode); it != nil {
		return w.admit(it, now)
	}
	return nil
}

func popPending(items *[]*pendingItem) *pendingItem {
	s := *items
	if len(s) == 0 {
		return nil
	}
	it := s[0]
	*items = s[1:]
	return it
}

func (w *Worker) admit(it *pendingItem, now time.Time) *Request {
	req := newRequest(it.ch, it.msg, w.root, now, w.requestTimeout)
	w.timeOrder = append(w.timeOrder, req)
	return req
}

// runRequest drives one Step cycle's worth of progress: Run on first
// entry, Resume (then Run) on every later re-entry from the runnable
// heap (spec §4.5's "run_request").
func (w *Worker) runRequest(req *Request) {
	var outcome policy.Outcome
	var err error
	if !req.started {
		req.started = true
		outcome, err = policy.Run(req.stack, req.rc)
	} else {
		outcome, err = w.resume(req)
	}
	switch outcome {
	case policy.OutcomeYield:
		w.registerWaiter(req)
	case policy.OutcomeDone:
		w.finish(req, false)
	case policy.OutcomeFatal:
		w.Log.Error().Err(err).Str("request", req.msg.Packet.Code.String()).Msg("interpreter fatal error")
		w.finish(req, true)
	}
}

func (w *Worker) resume(req *Request) (policy.Outcome, error) {
	action, err := policy.Resume(req.stack, req.rc, nil)
	if err != nil {
		return policy.OutcomeFatal, err
	}
	if action == policy.ActContinue {
		if top := req.stack.Top(); top != nil && top.Node.Kind == policy.KindResume {
			return policy.OutcomeYield, nil
		}
	}
	return policy.Run(req.stack, req.rc)
}

// registerWaiter inspects a freshly yielded request's continuation for
// the optional policy.Waiter capability and, if present, spawns a single
// goroutine that enqueues the request onto the runnable heap and fires
// the worker's shared wakeup once the module's event fires. Modules with
// no Waiter (e.g. one relying solely on the timeout sweep) are left
// parked in time_order until aging forces a cancellation.
func (w *Worker) registerWaiter(req *Request) {
	cont := req.stack.TopContinuation()
	if cont == nil {
		return
	}
	waiter, ok := cont.Ctx.(policy.Waiter)
	if !ok {
		return
	}
	go func() {
		<-waiter.Ready()
		w.readyMu.Lock()
		w.ready = append(w.ready, req)
		w.readyMu.Unlock()
		w.queue.UserEvent().Fire()
	}()
}

// finish removes req from time_order/waiting_to_die, releases its arena,
// and — unless noReply or the request opted out via RequestContext.NoReply
// — encodes and sends the reply.
func (w *Worker) finish(req *Request, noReply bool) {
	w.removeLive(req)
	w.finishNoLiveRemove(req, noReply)
}

// finishNoLiveRemove always releases req's arena. A request cancelled by
// the deadline sweep (agedOut) gets a NAK instead of silence, per spec
// §7 ("Deadline: per-request timeout -> send NAK to network, run Done
// sweep") — a channel-close cancellation (noReply, !agedOut) stays silent
// per spec §7's "Channel fault" handling, which asks only for Done, no
// NAK. A normal completion encodes the reply and, for an Access-Reject
// past reject_delay, holds it back rather than sending it immediately.
func (w *Worker) finishNoLiveRemove(req *Request, noReply bool) {
	defer req.arena.Release()
	if noReply {
		if req.agedOut {
			req.ch.ch.PushNAK("request exceeded its deadline", req.msg.Packet, req.msg)
		}
		return
	}
	if req.rc.NoReply {
		return
	}
	code := w.replyCode(req.msg.Packet.Code, req.stack.FinalResult)
	data := radius.Encode(nil, code, req.msg.Packet.Identifier, req.msg.Packet.Authenticator, req.rc.Reply)
	if code == radius.CodeAccessReject && w.rejectDelay > 0 {
		req.delayedReject = true
		ch, msg, recvTime := req.ch.ch, req.msg, req.recvTime
		w.queue.AddTimer(time.Now().Add(w.rejectDelay), func() {
			if _, err := ch.PushReply(msg.Packet.Identifier, data, 0, time.Since(recvTime), recvTime, msg); err != nil {
				w.Log.Error().Err(err).Msg("failed to queue delayed reject reply")
			}
		})
		return
	}
	if _, err := req.ch.ch.PushReply(req.msg.Packet.Identifier, data, 0, time.Since(req.recvTime), req.recvTime, req.msg); err != nil {
		w.Log.Error().Err(err).Msg("failed to queue reply")
	}
}

func (w *Worker) removeLive(req *Request) {
	for i, r := range w.timeOrder {
		if r == req {
			w.timeOrder = append(w.timeOrder[:i], w.timeOrder[i+1:]...)
			return
		}
	}
	for i, r := range w.waiting {
		if r == req {
			w.waiting = append(w.waiting[:i], w.waiting[i+1:]...)
			return
		}
	}
}

// Close releases the worker's event queue.
func (w *Worker) Close() error { return w.queue.Close() }
