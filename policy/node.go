package policy

// Kind tags a Node's variant (spec §4.4's node-type table).
type Kind uint8

const (
	KindModuleCall Kind = iota
	KindGroup
	KindLoadBalance
	KindRedundantLoadBalance
	KindParallel
	KindIf
	KindElse
	KindElsif
	KindUpdate
	KindSwitch
	KindCase
	KindForeach
	KindBreak
	KindReturn
	KindMap
	KindPolicy
	KindXlat
	KindResume
)

func (k Kind) String() string {
	names := [...]string{
		"module-call", "group", "load-balance", "redundant-load-balance",
		"parallel", "if", "else", "elsif", "update", "switch", "case",
		"foreach", "break", "return", "map", "policy", "xlat", "resume",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// HasChildren reports whether this Kind may carry a Children list, per
// the original's per-variant `children bool` dispatch field.
func (k Kind) HasChildren() bool {
	switch k {
	case KindModuleCall, KindXlat, KindResume, KindBreak, KindReturn:
		return false
	default:
		return true
	}
}

// Node is one vertex in the policy graph (spec §4.4). Only the fields
// relevant to Kind are populated; this is the tagged-sum re-expression of
// the original's `(Type *)self` cast hierarchy (spec §9).
type Node struct {
	Kind Kind
	Name string

	Children []*Node
	Actions  ActionTable

	// module-call
	Method Method

	// if / elsif
	Predicate Predicate

	// update
	Update Updater

	// switch
	SwitchKey SwitchKeyFunc
	// case
	CaseValue string
	CaseDefault bool

	// foreach
	List ListFunc
	// load-balance / redundant-load-balance: parallel weights per child,
	// index-aligned with Children. Nil means uniform weighting.
	Weights []int

	// map
	MapApply func(*RequestContext, Value) error

	// xlat
	Xlat XlatFunc

	// policy: a named, reusable group. Body is the group it wraps.
	Body *Node
}

// Group constructs a sequential group node.
func Group(name string, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindGroup, Name: name, Actions: actions, Children: children}
}

// ModuleCall constructs a module-call leaf.
func ModuleCall(m Method, actions ActionTable) *Node {
	return &Node{Kind: KindModuleCall, Name: m.Name(), Actions: actions, Method: m}
}

// If constructs a conditional node.
func If(name string, pred Predicate, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindIf, Name: name, Predicate: pred, Actions: actions, Children: children}
}

// Else constructs an else branch, to be placed as a sibling immediately
// following an If/Elsif node.
func Else(name string, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindElse, Name: name, Actions: actions, Children: children}
}

// Elsif constructs an elsif branch.
func Elsif(name string, pred Predicate, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindElsif, Name: name, Predicate: pred, Actions: actions, Children: children}
}

// Update constructs an attribute-mutation node.
func Update(name string, fn Updater, actions ActionTable) *Node {
	return &Node{Kind: KindUpdate, Name: name, Update: fn, Actions: actions}
}

// Switch constructs a multi-way branch over Case children.
func Switch(name string, key SwitchKeyFunc, actions ActionTable, cases ...*Node) *Node {
	return &Node{Kind: KindSwitch, Name: name, SwitchKey: key, Actions: actions, Children: cases}
}

// Case constructs one switch arm. An empty value with caseDefault=true
// matches when no other case does.
func Case(value string, caseDefault bool, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindCase, Name: value, CaseValue: value, CaseDefault: caseDefault, Actions: actions, Children: children}
}

// Foreach constructs an iteration node.
func Foreach(name string, list ListFunc, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindForeach, Name: name, List: list, Actions: actions, Children: children}
}

// Break constructs a foreach-local early exit.
func Break() *Node { return &Node{Kind: KindBreak, Name: "break"} }

// Return constructs an unwind-to-enclosing-group node.
func Return() *Node { return &Node{Kind: KindReturn, Name: "return"} }

// LoadBalance constructs a weighted-pick-one-child node.
func LoadBalance(name string, weights []int, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindLoadBalance, Name: name, Weights: weights, Actions: actions, Children: children}
}

// RedundantLoadBalance constructs a fallback-across-children node.
func RedundantLoadBalance(name string, weights []int, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindRedundantLoadBalance, Name: name, Weights: weights, Actions: actions, Children: children}
}

// Parallel constructs a fan-out node.
func Parallel(name string, actions ActionTable, children ...*Node) *Node {
	return &Node{Kind: KindParallel, Name: name, Actions: actions, Children: children}
}

// Map constructs a list-mapping node (spec: "Apply a list-mapping
// procedure").
func Map(name string, list ListFunc, apply func(*RequestContext, Value) error, actions ActionTable) *Node {
	return &Node{Kind: KindMap, Name: name, List: list, MapApply: apply, Actions: actions}
}

// Policy constructs a named, reusable group wrapper.
func Policy(name string, body *Node) *Node {
	return &Node{Kind: KindPolicy, Name: name, Body: body, Actions: body.Actions}
}

// Xlat constructs a bare-expansion leaf.
func Xlat(name string, fn XlatFunc) *Node {
	return &Node{Kind: KindXlat, Name: name, Xlat: fn}
}
