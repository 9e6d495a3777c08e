// Package modules ships the concrete module-call leaves referenced by
// SPEC_FULL.md §4.4.1, standing in for the pluggable authentication/
// accounting collaborator spec.md §1 excludes from the core.
package modules

import (
	"context"
	"time"

	"github.com/cloudwego/raddispatchd/accounting"
	"github.com/cloudwego/raddispatchd/policy"
	"github.com/cloudwego/raddispatchd/radius"
)

// Reject always returns reject; a stand-in for a module that denies
// every request (e.g. a misconfigured or disabled realm).
type Reject struct{}

func (Reject) Name() string { return "reject" }
func (Reject) Invoke(*policy.RequestContext) (policy.RCode, *policy.Continuation, error) {
	return policy.RCodeReject, nil, nil
}

// Accept always returns ok.
type Accept struct{}

func (Accept) Name() string { return "accept" }
func (Accept) Invoke(*policy.RequestContext) (policy.RCode, *policy.Continuation, error) {
	return policy.RCodeOK, nil, nil
}

// PAP compares a request's User-Password attribute against a configured
// plaintext value map, a minimal stand-in for rlm_pap.
type PAP struct {
	// Passwords maps User-Name to the expected User-Password value.
	Passwords map[string]string
}

func (PAP) Name() string { return "pap" }

func (m PAP) Invoke(rc *policy.RequestContext) (policy.RCode, *policy.Continuation, error) {
	userAttr, ok := rc.Packet.Find(radius.AttrUserName)
	if !ok {
		return policy.RCodeNotFound, nil, nil
	}
	passAttr, ok := rc.Packet.Find(radius.AttrUserPassword)
	if !ok {
		return policy.RCodeNotFound, nil, nil
	}
	want, ok := m.Passwords[string(userAttr)]
	if !ok || want != string(passAttr) {
		return policy.RCodeReject, nil, nil
	}
	return policy.RCodeOK, nil, nil
}

// sleepTimer is the narrow slice of a worker's timer-scheduling
// capability Sleep needs; the worker's event queue satisfies it.
type sleepTimer interface {
	AddTimer(deadline time.Time, cb func()) (cancel func())
}

// readySignal is a policy.Waiter backed by a channel closed exactly once.
type readySignal struct {
	ch chan struct{}
}

func newReadySignal() *readySignal           { return &readySignal{ch: make(chan struct{})} }
func (r *readySignal) Ready() <-chan struct{} { return r.ch }
func (r *readySignal) fire()                  { close(r.ch) }

// Sleep yields and schedules a timer for d, resuming with ok once it
// fires (SPEC_FULL.md §4.4.1, end-to-end scenario 4).
type Sleep struct {
	Duration time.Duration
	Timer    sleepTimer
}

func (Sleep) Name() string { return "sleep" }

func (m Sleep) Invoke(*policy.RequestContext) (policy.RCode, *policy.Continuation, error) {
	sig := newReadySignal()
	cancel := m.Timer.AddTimer(time.Now().Add(m.Duration), sig.fire)
	cont := &policy.Continuation{
		Resume: func(ctx any) (policy.RCode, error) {
			return policy.RCodeOK, nil
		},
		Action: func(ctx any, a policy.ActionKind) policy.ActionResult {
			cancel()
			return policy.ActionResultDone
		},
		Ctx: sig,
	}
	return policy.RCodeYield, cont, policy.ErrYield
}

// Never yields and never resumes, used by end-to-end scenario 5 (the
// deadline test) to exercise the worker's timeout-sweep cancellation
// path.
type Never struct{}

func (Never) Name() string { return "never" }

func (Never) Invoke(*policy.RequestContext) (policy.RCode, *policy.Continuation, error) {
	cont := &policy.Continuation{
		Resume: func(ctx any) (policy.RCode, error) { return policy.RCodeYield, policy.ErrYield },
		Action: func(ctx any, a policy.ActionKind) policy.ActionResult { return policy.ActionResultDone },
	}
	return policy.RCodeYield, cont, policy.ErrYield
}

// ProxyClient is the narrow sending capability a Proxy module needs; the
// network thread's proxy listener satisfies it (spec §4.6 step 5).
type ProxyClient interface {
	// Send forwards pkt to a home server and returns a channel that
	// receives the correlated reply payload (or is closed with no value
	// if the proxy attempt times out without a reply).
	Send(pkt *radius.Packet) <-chan []byte
}

// Proxy forwards the request through a ProxyClient and yields until the
// home server's reply is correlated back by the network thread's proxy
// tracker, or the attempt times out (SPEC_FULL.md §4.4.1, proxy scenario).
type Proxy struct {
	Client ProxyClient
}

func (Proxy) Name() string { return "proxy" }

func (m Proxy) Invoke(rc *policy.RequestContext) (policy.RCode, *policy.Continuation, error) {
	replyCh := m.Client.Send(rc.Packet)
	sig := newReadySignal()
	var reply []byte
	var replied bool
	go func() {
		reply, replied = <-replyCh
		sig.fire()
	}()
	cont := &policy.Continuation{
		Resume: func(ctx any) (policy.RCode, error) {
			if !replied {
				return policy.RCodeFail, nil
			}
			home, err := radius.Decode(reply)
			if err != nil {
				return policy.RCodeFail, nil
			}
			rc.Reply = append(rc.Reply, home.Attributes...)
			return policy.RCodeOK, nil
		},
		Action: func(ctx any, a policy.ActionKind) policy.ActionResult {
			select {
			case <-sig.ch:
				return policy.ActionResultDone
			default:
				return policy.ActionResultRetry
			}
		},
		Ctx: sig,
	}
	return policy.RCodeYield, cont, policy.ErrYield
}

// SQLAccounting writes one accounting.Record through Store and yields
// while the write is in flight, a stand-in for rlm_sql's accounting
// method.
type SQLAccounting struct {
	Store accounting.Store
}

func (SQLAccounting) Name() string { return "sql-accounting" }

func (m SQLAccounting) Invoke(rc *policy.RequestContext) (policy.RCode, *policy.Continuation, error) {
	rec := accounting.Record{Timestamp: time.Now().Unix()}
	if v, ok := rc.Packet.Find(radius.AttrNASIPAddress); ok {
		rec.NASIPAddress = string(v)
	}
	if v, ok := rc.Packet.Find(radius.AttrUserName); ok {
		rec.UserName = string(v)
	}
	if v, ok := rc.Packet.Find(radius.AttrAcctStatusTyp); ok {
		rec.StatusType = string(v)
	}
	errCh := m.Store.Write(context.Background(), rec)
	sig := newReadySignal()
	var writeErr error
	go func() {
		writeErr = <-errCh
		sig.fire()
	}()
	cont := &policy.Continuation{
		Resume: func(ctx any) (policy.RCode, error) {
			if writeErr != nil {
				return policy.RCodeFail, nil
			}
			return policy.RCodeOK, nil
		},
		Action: func(ctx any, a policy.ActionKind) policy.ActionResult {
			select {
			case <-sig.ch:
				return policy.ActionResultDone
			default:
				return policy.ActionResultRetry
			}
		},
		Ctx: sig,
	}
	return policy.RCodeYield, cont, policy.ErrYield
}
