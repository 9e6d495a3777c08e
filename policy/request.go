package policy

import (
	"github.com/cloudwego/raddispatchd/internal/arena"
	"github.com/cloudwego/raddispatchd/radius"
)

// Value is a single evaluated list item, used by foreach/map nodes.
type Value struct {
	Name string
	Raw  []byte
}

// RequestContext is the per-request evaluation surface handed to
// predicates, updates, and module methods. It is the narrow slice of
// spec §3's Request that the interpreter and its leaves need, keeping
// policy decoupled from the worker's scheduling concerns.
type RequestContext struct {
	Packet *radius.Packet
	Reply  []radius.Attribute
	Arena  *arena.Arena

	// Vars is a small per-request scratch namespace for foreach/update
	// expressions; a real deployment would back this with the dynamic
	// value-expansion collaborator excluded in spec §1.
	Vars map[string]string

	// NoReply marks a request (e.g. a faked or internally-generated one)
	// whose completion must not produce a wire reply, distinguishing the
	// worker loop's "Done — no reply" outcome from "Reply" (spec §4.5).
	NoReply bool
}

// AddReply appends an attribute to the reply being built by update nodes.
func (rc *RequestContext) AddReply(a radius.Attribute) {
	rc.Reply = append(rc.Reply, a)
}

// Predicate evaluates a boolean condition against the request (the policy
// language's surface syntax is out of scope per spec §1; callers supply
// Go closures compiled ahead of time from whatever DSL they choose).
type Predicate func(*RequestContext) (bool, error)

// Updater applies an attribute-mutation map to the request (an "update"
// node's body).
type Updater func(*RequestContext) error

// ListFunc produces the value list a foreach node iterates over.
type ListFunc func(*RequestContext) ([]Value, error)

// SwitchKeyFunc evaluates a switch node's discriminant.
type SwitchKeyFunc func(*RequestContext) (string, error)

// XlatFunc evaluates a bare expansion (spec §1's "expand(template,
// request) -> value" collaborator).
type XlatFunc func(*RequestContext) (string, error)

// ErrYield is returned by a Method's Invoke to suspend the request. It must
// be paired with a Continuation (spec §4.4 "Yield/resume").
type yieldError struct{}

func (yieldError) Error() string { return "policy: yield" }

// ErrYield is the sentinel error signaling a module's yield.
var ErrYield = yieldError{}

// Continuation is what a yielding module hands back to the interpreter: the
// callback to resume it with, the action callback for cancellation, and
// opaque module state.
type Continuation struct {
	// Resume is invoked with Ctx when the event the module was waiting on
	// fires. It returns a terminal rcode, or ErrYield again to stay
	// suspended.
	Resume func(ctx any) (RCode, error)
	// Action is invoked with (Ctx, ActionDone) on cancellation (deadline or
	// channel close). It must be idempotent; returning non-nil/non-Done
	// behavior is signaled via ActionResult (spec §4.4 point 4).
	Action func(ctx any, a ActionKind) ActionResult
	Ctx    any
}

// ActionKind is the cancellation signal delivered to a yielded module's
// action callback. Only ActionDone is defined by the core spec, but the
// type leaves room for future signals without an interface break.
type ActionKind uint8

const ActionDone ActionKind = 0

// ActionResult is the action callback's verdict.
type ActionResult uint8

const (
	// ActionResultDone means the module released its resources; the
	// request may now finish.
	ActionResultDone ActionResult = iota
	// ActionResultRetry means the module needs to be asked again on the
	// next timeout sweep (spec §4.4 point 4: "retried... until Done").
	ActionResultRetry
)

// Method is a pluggable authentication/accounting module leaf (spec §1's
// external collaborator, given a concrete interface here).
type Method interface {
	Name() string
	Invoke(rc *RequestContext) (RCode, *Continuation, error)
}

// Waiter is an optional capability a Continuation's Ctx may implement so
// the worker's event loop can learn, without knowing the module's
// concrete type, when a yielded request is ready to be resumed (spec
// §4.4 point 3: "When the event the module is waiting on fires, the
// worker resumes the request"). The channel receives exactly once, right
// before the module's Resume callback will return a terminal result.
type Waiter interface {
	Ready() <-chan struct{}
}
