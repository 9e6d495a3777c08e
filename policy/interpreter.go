package policy

import "errors"

// StepAction is step(stack)'s low-level control-flow signal (spec §4.4).
type StepAction uint8

const (
	ActCalculateResult StepAction = iota
	ActContinue
	ActPushedChild
	ActBreak
	ActStopProcessing
)

func (a StepAction) String() string {
	switch a {
	case ActCalculateResult:
		return "calculate-result"
	case ActContinue:
		return "continue"
	case ActPushedChild:
		return "pushed-child"
	case ActBreak:
		return "break"
	case ActStopProcessing:
		return "stop-processing"
	default:
		return "unknown"
	}
}

// Outcome is what Run reports once the request can no longer make
// progress without external help, or has finished (spec §4.5 "Running a
// request").
type Outcome uint8

const (
	// OutcomeDone: the stack unwound completely; no reply is sent.
	OutcomeDone Outcome = iota
	// OutcomeYield: a module suspended the request; it must be resumed
	// later via Resume.
	OutcomeYield
	// OutcomeFatal: a hard interpreter error (stack overflow); the
	// request must be aborted (spec §7 "Fatal").
	OutcomeFatal
)

// ErrNoSuspendedFrame is returned by Resume when the stack's top frame
// isn't a Resume marker.
var ErrNoSuspendedFrame = errors.New("policy: no suspended frame to resume")

// FinalResult is populated on Stack once it has fully unwound (either by
// natural completion or by Reject/StopProcessing).
//
// It lives on Stack rather than being threaded through every return value
// because propagation can tail-recurse through many frames before the
// value is known.

// Step advances the interpreter by exactly one unit of work, per spec
// §4.4. It must only be called while the stack's top frame is not a
// Resume marker (use Resume for that case).
func Step(s *Stack, rc *RequestContext) (StepAction, error) {
	f := s.Top()
	if f == nil {
		return ActCalculateResult, nil
	}
	if f.Node.Kind == KindResume {
		return 0, ErrNoSuspendedFrame
	}
	switch f.Node.Kind {
	case KindModuleCall:
		return stepModuleCall(s, f, rc)
	case KindGroup, KindPolicy, KindCase, KindParallel:
		return activateContainer(s, f, rc)
	case KindIf:
		return stepIf(s, f, rc)
	case KindElsif:
		return stepElsif(s, f, rc)
	case KindElse:
		return stepElse(s, f, rc)
	case KindUpdate:
		return stepUpdate(s, f, rc)
	case KindSwitch:
		return stepSwitch(s, f, rc)
	case KindForeach:
		return stepForeach(s, f, rc)
	case KindBreak:
		return stepBreak(s, rc)
	case KindReturn:
		return stepReturn(s, rc)
	case KindLoadBalance:
		return stepLoadBalance(s, f, rc)
	case KindRedundantLoadBalance:
		return stepRedundantLoadBalance(s, f, rc)
	case KindMap:
		return stepMap(s, f, rc)
	case KindXlat:
		return stepXlat(s, f, rc)
	default:
		return 0, errors.New("policy: unhandled node kind " + f.Node.Kind.String())
	}
}

// Resume drives a suspended (Resume-frame) stack after its awaited event
// fired, per spec §4.4's yield/resume protocol.
func Resume(s *Stack, rc *RequestContext, ctx any) (StepAction, error) {
	f := s.Top()
	if f == nil || f.Node.Kind != KindResume {
		return 0, ErrNoSuspendedFrame
	}
	cont := f.continuation
	rawResult, err := cont.Resume(ctx)
	if err != nil && err != ErrYield {
		return 0, err
	}
	if err == ErrYield || rawResult == RCodeYield {
		return ActContinue, nil // still suspended
	}
	s.popTop()
	act := f.Node.Actions.lookup(rawResult)
	return s.finishFrame(rc, rawResult, act.Control, act.Priority)
}

// Cancel implements spec §4.4 point 4: invoke the yielded module's action
// callback with Done. If it reports done, the whole request aborts (no
// reply). Otherwise the caller (worker) should retry Cancel on the next
// timeout sweep.
func (s *Stack) Cancel(rc *RequestContext) ActionResult {
	f := s.Top()
	if f == nil || f.continuation == nil {
		s.frames = s.frames[:0]
		return ActionResultDone
	}
	res := f.continuation.Action(f.continuation.Ctx, ActionDone)
	if res == ActionResultDone {
		s.frames = s.frames[:0]
	}
	return res
}

// Run drives Step until the request can't progress without external help
// or the stack overflows, mirroring spec §4.5's "Drive step until the
// machine returns one of: Done, Yield, Reply." (Reply itself is produced
// by the worker after Run reports OutcomeDone with a non-empty rc.Reply;
// Run only concerns itself with interpreter progress.)
func Run(s *Stack, rc *RequestContext) (Outcome, error) {
	for {
		if s.Empty() {
			return OutcomeDone, nil
		}
		if s.Top().Node.Kind == KindResume {
			return OutcomeYield, nil
		}
		action, err := Step(s, rc)
		if err != nil {
			s.frames = s.frames[:0]
			return OutcomeFatal, err
		}
		switch action {
		case ActPushedChild, ActContinue:
			continue
		case ActCalculateResult, ActBreak, ActStopProcessing:
			if s.Empty() {
				return OutcomeDone, nil
			}
			if s.Top().Node.Kind == KindResume {
				return OutcomeYield, nil
			}
			continue
		}
	}
}
