package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedMethod struct {
	name   string
	result RCode
}

func (m fixedMethod) Name() string { return m.name }
func (m fixedMethod) Invoke(rc *RequestContext) (RCode, *Continuation, error) {
	return m.result, nil, nil
}

func callNode(name string, result RCode) *Node {
	return ModuleCall(fixedMethod{name: name, result: result}, DefaultActionTable())
}

func runToCompletion(t *testing.T, root *Node) (*Stack, *RequestContext) {
	t.Helper()
	s := NewStack(root)
	rc := &RequestContext{}
	outcome, err := Run(s, rc)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, outcome)
	return s, rc
}

func TestGroupResultIsMaxPriorityAcrossChildren(t *testing.T) {
	// ok has priority 4, noop has priority 1 in the default table; the
	// group's final result must be whichever child carried the highest
	// priority regardless of execution order (spec §8).
	root := Group("top", DefaultActionTable(),
		callNode("a", RCodeNoop),
		callNode("b", RCodeOK),
		callNode("c", RCodeNoop),
	)
	s, _ := runToCompletion(t, root)
	assert.Equal(t, RCodeOK, s.FinalResult)
}

func TestRejectShortCircuitsWholeStack(t *testing.T) {
	root := Group("top", DefaultActionTable(),
		callNode("a", RCodeOK),
		callNode("b", RCodeReject),
		callNode("c", RCodeOK), // must never run
	)
	s, _ := runToCompletion(t, root)
	assert.Equal(t, RCodeReject, s.FinalResult)
}

func TestReturnStopsSiblingsButBubblesNormally(t *testing.T) {
	inner := Group("inner", DefaultActionTable(),
		callNode("a", RCodeOK),
		Return(),
		callNode("never", RCodeReject),
	)
	root := Group("outer", DefaultActionTable(),
		inner,
		callNode("after", RCodeOK),
	)
	s, _ := runToCompletion(t, root)
	assert.Equal(t, RCodeOK, s.FinalResult)
}

func TestIfElsifElseChainPicksOneBranch(t *testing.T) {
	root := Group("top", DefaultActionTable(),
		If("cond1", func(*RequestContext) (bool, error) { return false, nil }, DefaultActionTable(),
			callNode("branch1", RCodeReject)),
		Elsif("cond2", func(*RequestContext) (bool, error) { return true, nil }, DefaultActionTable(),
			callNode("branch2", RCodeUpdated)),
		Else("else", DefaultActionTable(),
			callNode("branch3", RCodeReject)),
	)
	s, _ := runToCompletion(t, root)
	assert.Equal(t, RCodeUpdated, s.FinalResult)
}

func TestForeachBreakEndsLoopEarly(t *testing.T) {
	listFn := func(*RequestContext) ([]Value, error) {
		return []Value{{Name: "1"}, {Name: "2"}, {Name: "3"}}, nil
	}
	seen := 0
	root := Foreach("each", listFn, DefaultActionTable(),
		Update("mark", func(rc *RequestContext) error { seen++; return nil }, DefaultActionTable()),
		If("stop", func(rc *RequestContext) (bool, error) { return rc.Vars["foreach.value"] == "2", nil }, DefaultActionTable(),
			Break()),
	)
	_, _ = runToCompletion(t, root)
	assert.Equal(t, 2, seen, "loop must stop after the second item's break")
}

func TestSwitchPicksMatchingCase(t *testing.T) {
	root := Switch("sw", func(*RequestContext) (string, error) { return "b", nil }, DefaultActionTable(),
		Case("a", false, DefaultActionTable(), callNode("a", RCodeReject)),
		Case("b", false, DefaultActionTable(), callNode("b", RCodeOK)),
		Case("", true, DefaultActionTable(), callNode("def", RCodeReject)),
	)
	s, _ := runToCompletion(t, root)
	assert.Equal(t, RCodeOK, s.FinalResult)
}

func TestRedundantLoadBalanceFallsBackOnFailure(t *testing.T) {
	root := RedundantLoadBalance("rlb", []int{1, 0}, DefaultActionTable(),
		callNode("primary", RCodeFail),
		callNode("secondary", RCodeOK),
	)
	// With weights {1,0} the deterministic start is index 0 ("primary"),
	// which fails; the group must fall back to "secondary".
	s, _ := runToCompletion(t, root)
	assert.Equal(t, RCodeOK, s.FinalResult)
}

// yieldingMethod suspends once, then resolves to a fixed rcode when
// resumed.
type yieldingMethod struct {
	name   string
	result RCode
}

func (m *yieldingMethod) Name() string { return m.name }
func (m *yieldingMethod) Invoke(rc *RequestContext) (RCode, *Continuation, error) {
	return RCodeYield, &Continuation{
		Resume: func(ctx any) (RCode, error) { return m.result, nil },
		Action: func(ctx any, a ActionKind) ActionResult { return ActionResultDone },
	}, ErrYield
}

func TestYieldSuspendsThenResumeCompletesTheRequest(t *testing.T) {
	ym := &yieldingMethod{name: "sleep", result: RCodeOK}
	root := Group("top", DefaultActionTable(), ModuleCall(ym, DefaultActionTable()))
	s := NewStack(root)
	rc := &RequestContext{}

	outcome, err := Run(s, rc)
	require.NoError(t, err)
	require.Equal(t, OutcomeYield, outcome)
	require.Equal(t, KindResume, s.Top().Node.Kind)

	action, err := Resume(s, rc, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ActContinue, action, "a terminal resume must not report still-suspended")

	outcome, err = Run(s, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, RCodeOK, s.FinalResult)
}

func TestCancelAbortsASuspendedRequest(t *testing.T) {
	ym := &yieldingMethod{name: "never", result: RCodeOK}
	root := ModuleCall(ym, DefaultActionTable())
	s := NewStack(root)
	rc := &RequestContext{}

	outcome, err := Run(s, rc)
	require.NoError(t, err)
	require.Equal(t, OutcomeYield, outcome)

	res := s.Cancel(rc)
	assert.Equal(t, ActionResultDone, res)
	assert.True(t, s.Empty())
}

func TestStackOverflowIsFatal(t *testing.T) {
	saved := MaxStackDepth
	MaxStackDepth = 2
	defer func() { MaxStackDepth = saved }()

	deep := callNode("leaf", RCodeOK)
	for i := 0; i < 5; i++ {
		deep = Group("g", DefaultActionTable(), deep)
	}
	s := NewStack(deep)
	rc := &RequestContext{}
	outcome, err := Run(s, rc)
	assert.Error(t, err)
	assert.Equal(t, OutcomeFatal, outcome)
}
