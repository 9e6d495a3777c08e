package policy

// activateContainer handles the first activation of any node that simply
// runs its Children in sequence (group, policy, case, parallel). Parallel
// fans out its children sequentially rather than concurrently: a true
// concurrent fan-out would need one sub-stack per child, which the core
// single-stack-per-request engine does not provide (see DESIGN.md).
func activateContainer(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	children := containerChildren(f.Node)
	if len(children) == 0 {
		s.popTop()
		act := f.Node.Actions.lookup(RCodeNoop)
		return s.finishFrame(rc, RCodeNoop, act.Control, act.Priority)
	}
	if err := s.Push(children[0]); err != nil {
		s.frames = s.frames[:0]
		return 0, err
	}
	f.childIndex = 0
	f.started = true
	return ActPushedChild, nil
}

func containerChildren(n *Node) []*Node {
	if n.Kind == KindPolicy {
		return []*Node{n.Body}
	}
	return n.Children
}

// advance decides what a parent frame does once one of its children has
// just finished: continue to the next sibling, or report itself finished
// (nil) so the caller bubbles further up.
func advance(f *Frame, rc *RequestContext) *Node {
	switch f.Node.Kind {
	case KindGroup, KindPolicy, KindCase, KindParallel, KindIf, KindElsif, KindElse:
		f.childIndex++
		children := containerChildren(f.Node)
		if f.childIndex < len(children) {
			return children[f.childIndex]
		}
		return nil
	case KindForeach:
		return advanceForeach(f, rc)
	default:
		return nil
	}
}

func stepModuleCall(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	rawResult, cont, err := f.Node.Method.Invoke(rc)
	if err != nil && err != ErrYield {
		return 0, err
	}
	if err == ErrYield || rawResult == RCodeYield {
		s.replaceTop(cont)
		return ActContinue, nil
	}
	s.popTop()
	act := f.Node.Actions.lookup(rawResult)
	return s.finishFrame(rc, rawResult, act.Control, act.Priority)
}

func stepIf(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	pred, err := f.Node.Predicate(rc)
	if err != nil {
		pred = false
	}
	if parent := s.Parent(); parent != nil {
		parent.Flags.WasIf, parent.Flags.IfTaken = true, pred
	}
	return takeBranch(s, f, rc, pred)
}

func stepElsif(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	parent := s.Parent()
	if parent != nil && parent.Flags.WasIf && parent.Flags.IfTaken {
		// An earlier branch in this if/elsif/else chain already ran.
		s.popTop()
		act := f.Node.Actions.lookup(RCodeNoop)
		return s.finishFrame(rc, RCodeNoop, act.Control, act.Priority)
	}
	pred, err := f.Node.Predicate(rc)
	if err != nil {
		pred = false
	}
	if parent != nil {
		parent.Flags.WasIf, parent.Flags.IfTaken = true, pred
	}
	return takeBranch(s, f, rc, pred)
}

func stepElse(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	parent := s.Parent()
	taken := parent != nil && parent.Flags.WasIf && parent.Flags.IfTaken
	if parent != nil {
		parent.Flags.WasIf = false // the chain ends here
	}
	return takeBranch(s, f, rc, !taken)
}

// takeBranch is the shared tail of If/Elsif/Else: run the node's children
// if its branch was selected, otherwise finish as a noop.
func takeBranch(s *Stack, f *Frame, rc *RequestContext, taken bool) (StepAction, error) {
	if !taken || len(f.Node.Children) == 0 {
		s.popTop()
		act := f.Node.Actions.lookup(RCodeNoop)
		return s.finishFrame(rc, RCodeNoop, act.Control, act.Priority)
	}
	if err := s.Push(f.Node.Children[0]); err != nil {
		s.frames = s.frames[:0]
		return 0, err
	}
	f.childIndex = 0
	f.started = true
	return ActPushedChild, nil
}

func stepUpdate(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	s.popTop()
	result := RCodeUpdated
	if err := f.Node.Update(rc); err != nil {
		result = RCodeFail
	}
	act := f.Node.Actions.lookup(result)
	return s.finishFrame(rc, result, act.Control, act.Priority)
}

func stepMap(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	s.popTop()
	result := RCodeUpdated
	list, err := f.Node.List(rc)
	if err == nil {
		for _, v := range list {
			if err = f.Node.MapApply(rc, v); err != nil {
				break
			}
		}
	}
	if err != nil {
		result = RCodeFail
	}
	act := f.Node.Actions.lookup(result)
	return s.finishFrame(rc, result, act.Control, act.Priority)
}

func stepXlat(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	s.popTop()
	val, err := f.Node.Xlat(rc)
	result := RCodeOK
	if err != nil {
		result = RCodeFail
	} else {
		if rc.Vars == nil {
			rc.Vars = map[string]string{}
		}
		rc.Vars["xlat.last"] = val
	}
	act := f.Node.Actions.lookup(result)
	return s.finishFrame(rc, result, act.Control, act.Priority)
}

func stepSwitch(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	key, err := f.Node.SwitchKey(rc)
	if err != nil {
		key = ""
	}
	var chosen, def *Node
	for _, c := range f.Node.Children {
		if c.CaseDefault {
			def = c
		}
		if !c.CaseDefault && c.CaseValue == key {
			chosen = c
			break
		}
	}
	if chosen == nil {
		chosen = def
	}
	if chosen == nil {
		s.popTop()
		act := f.Node.Actions.lookup(RCodeNoop)
		return s.finishFrame(rc, RCodeNoop, act.Control, act.Priority)
	}
	if err := s.Push(chosen); err != nil {
		s.frames = s.frames[:0]
		return 0, err
	}
	f.started = true
	return ActPushedChild, nil
}

func stepForeach(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	if f.foreach == nil {
		list, err := f.Node.List(rc)
		if err != nil {
			list = nil
		}
		f.foreach = &foreachState{list: list, index: 0}
	}
	return activateForeachItem(s, f, rc)
}

func activateForeachItem(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	fe := f.foreach
	for {
		if fe.index >= len(fe.list) {
			s.popTop()
			result := f.Result
			if !f.hasResult {
				result = RCodeNoop
			}
			act := f.Node.Actions.lookup(result)
			return s.finishFrame(rc, result, act.Control, act.Priority)
		}
		if rc.Vars == nil {
			rc.Vars = map[string]string{}
		}
		rc.Vars["foreach.value"] = fe.list[fe.index].Name
		if len(f.Node.Children) == 0 {
			fe.index++
			continue
		}
		if err := s.Push(f.Node.Children[0]); err != nil {
			s.frames = s.frames[:0]
			return 0, err
		}
		f.childIndex = 0
		f.started = true
		return ActPushedChild, nil
	}
}

// advanceForeach continues through the current item's children, then
// rolls over to the next item once they're exhausted.
func advanceForeach(f *Frame, rc *RequestContext) *Node {
	f.childIndex++
	if f.childIndex < len(f.Node.Children) {
		return f.Node.Children[f.childIndex]
	}
	fe := f.foreach
	fe.index++
	for fe.index < len(fe.list) {
		if rc.Vars == nil {
			rc.Vars = map[string]string{}
		}
		rc.Vars["foreach.value"] = fe.list[fe.index].Name
		if len(f.Node.Children) == 0 {
			fe.index++
			continue
		}
		f.childIndex = 0
		return f.Node.Children[0]
	}
	return nil
}

func stepBreak(s *Stack, rc *RequestContext) (StepAction, error) {
	s.popTop()
	for {
		top := s.Top()
		if top == nil {
			s.FinalResult = RCodeNoop
			return ActCalculateResult, nil
		}
		if top.Node.Kind == KindForeach {
			s.popTop()
			result := top.Result
			if !top.hasResult {
				result = RCodeNoop
			}
			act := top.Node.Actions.lookup(result)
			return s.finishFrame(rc, result, act.Control, act.Priority)
		}
		s.popTop()
	}
}

func stepReturn(s *Stack, rc *RequestContext) (StepAction, error) {
	s.popTop()
	return s.finishFrame(rc, RCodeOK, ControlReturn, 0)
}

func stepLoadBalance(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	if len(f.Node.Children) == 0 {
		s.popTop()
		act := f.Node.Actions.lookup(RCodeNoop)
		return s.finishFrame(rc, RCodeNoop, act.Control, act.Priority)
	}
	idx := weightedPick(f.Node.Weights, len(f.Node.Children))
	if err := s.Push(f.Node.Children[idx]); err != nil {
		s.frames = s.frames[:0]
		return 0, err
	}
	f.started = true
	return ActPushedChild, nil
}

func stepRedundantLoadBalance(s *Stack, f *Frame, rc *RequestContext) (StepAction, error) {
	n := len(f.Node.Children)
	if n == 0 {
		s.popTop()
		act := f.Node.Actions.lookup(RCodeNoop)
		return s.finishFrame(rc, RCodeNoop, act.Control, act.Priority)
	}
	idx := weightedPick(f.Node.Weights, n)
	f.redundant = &redundantState{chosen: idx, tried: make([]bool, n)}
	f.redundant.tried[idx] = true
	if err := s.Push(f.Node.Children[idx]); err != nil {
		s.frames = s.frames[:0]
		return 0, err
	}
	f.started = true
	return ActPushedChild, nil
}

// nextUntried finds the next not-yet-tried child for a redundant
// load-balance frame, in round-robin order starting after the last tried
// index.
func nextUntried(f *Frame) *Node {
	rs := f.redundant
	n := len(f.Node.Children)
	for i := 1; i <= n; i++ {
		idx := (rs.chosen + i) % n
		if !rs.tried[idx] {
			rs.tried[idx] = true
			rs.chosen = idx
			return f.Node.Children[idx]
		}
	}
	return nil
}

// isGoodRCode reports whether an rcode should stop a redundant
// load-balance group's fallback search (FreeRADIUS's "ok, updated, noop,
// handled" stop set).
func isGoodRCode(r RCode) bool {
	switch r {
	case RCodeOK, RCodeUpdated, RCodeNoop, RCodeHandled:
		return true
	default:
		return false
	}
}
