package interpreter

import (
	"errors"

	bt "github.com/joeycumines/go-behaviortree"

	"github.com/Naoki-Hiraoka/Groot/internal/tree"
)

// leafBinder supplies the adapters that connect leaf nodes to the outside
// world. The session implements it so leaves dispatch through its bridge
// connection and post completions to its event queue.
type leafBinder interface {
	bindAction(rn *runtimeNode) *ActionAdapter
	bindCondition(rn *runtimeNode) *ConditionAdapter
}

// runtimeNode pairs a model node with its execution state. Index 0 is the
// synthetic root; node i corresponds to tree.Tree.Nodes[i-1]. Status is
// mutated only by the tick goroutine and by event application, both of which
// run under the session lock.
type runtimeNode struct {
	tn       *tree.Node
	index    int
	status   NodeStatus
	children []*runtimeNode

	tick     bt.Tick
	makeTick func() bt.Tick
	btNode   bt.Node

	action    *ActionAdapter
	condition *ConditionAdapter
}

type runtimeTree struct {
	root  *runtimeNode
	nodes []*runtimeNode
}

// newRuntimeTree builds the executable mirror of t. The flattened node order
// matches t.Nodes, so runtime indices line up between the two.
func newRuntimeTree(t *tree.Tree, binder leafBinder) *runtimeTree {
	rt := &runtimeTree{}
	rt.root = &runtimeNode{index: 0}
	for _, c := range t.Root.Children {
		rt.root.children = append(rt.root.children, rt.build(c, binder))
	}
	rt.root.makeTick = passThrough
	rt.root.tick = rt.root.makeTick()
	link(rt.root)
	return rt
}

func (rt *runtimeTree) build(tn *tree.Node, binder leafBinder) *runtimeNode {
	rn := &runtimeNode{tn: tn, index: len(rt.nodes) + 1}
	rt.nodes = append(rt.nodes, rn)
	for _, c := range tn.Children {
		rn.children = append(rn.children, rt.build(c, binder))
	}
	switch tn.Model.Type {
	case tree.NodeTypeAction:
		rn.action = binder.bindAction(rn)
		rn.makeTick = func() bt.Tick { return rn.action.Tick }
	case tree.NodeTypeCondition:
		rn.condition = binder.bindCondition(rn)
		rn.makeTick = func() bt.Tick { return rn.condition.Tick }
	case tree.NodeTypeControl:
		rn.makeTick = controlTick(tn.Model.RegistrationID)
	case tree.NodeTypeDecorator:
		rn.makeTick = decoratorTick(tn.Model.RegistrationID)
	default:
		// Subtree placeholders are transparent single-child wrappers.
		rn.makeTick = passThrough
	}
	rn.tick = rn.makeTick()
	return rn
}

// link builds the bt.Node graph bottom-up once the tick functions exist.
func link(rn *runtimeNode) {
	children := make([]bt.Node, len(rn.children))
	for i, c := range rn.children {
		link(c)
		children[i] = c.btNode
	}
	rn.btNode = bt.New(rn.exec, children...)
}

// exec wraps the node's tick to record status and propagate halts. On an
// error the previous status is kept, except that a pending condition
// evaluation marks the node running. When a composite settles, its still
// running descendants are halted back to idle.
func (rn *runtimeNode) exec(children []bt.Node) (bt.Status, error) {
	status, err := rn.tick(children)
	if err != nil {
		if errors.Is(err, ErrEvaluationPending) {
			rn.status = StatusRunning
		}
		return status, err
	}
	rn.status = fromBT(status)
	if status != bt.Running {
		for _, c := range rn.children {
			c.halt()
		}
	}
	return status, nil
}

// halt returns the subtree rooted at rn to idle, cancelling in-flight leaf
// work and discarding memorized composite progress.
func (rn *runtimeNode) halt() {
	for _, c := range rn.children {
		c.halt()
	}
	if rn.action != nil {
		rn.action.Halt()
	}
	if rn.condition != nil {
		rn.condition.Reset()
	}
	if rn.status != StatusIdle {
		rn.status = StatusIdle
	}
	rn.tick = rn.makeTick()
}

func controlTick(registrationID string) func() bt.Tick {
	switch registrationID {
	case "ReactiveSequence":
		return func() bt.Tick { return bt.Sequence }
	case "Fallback":
		return func() bt.Tick { return bt.Memorize(bt.Selector) }
	case "ReactiveFallback":
		return func() bt.Tick { return bt.Selector }
	default:
		// Sequence, SequenceStar, and unknown controls keep memory so
		// settled children are not re-dispatched within an activation.
		return func() bt.Tick { return bt.Memorize(bt.Sequence) }
	}
}

func decoratorTick(registrationID string) func() bt.Tick {
	switch registrationID {
	case "Inverter":
		return func() bt.Tick { return bt.Not(tickChild) }
	case "ForceSuccess":
		return func() bt.Tick { return forceStatusTick(bt.Success) }
	case "ForceFailure":
		return func() bt.Tick { return forceStatusTick(bt.Failure) }
	default:
		return passThrough
	}
}

func passThrough() bt.Tick { return tickChild }

func tickChild(children []bt.Node) (bt.Status, error) {
	if len(children) == 0 {
		return bt.Success, nil
	}
	return children[0].Tick()
}

// forceStatusTick overrides the child's terminal status while preserving
// Running and errors.
func forceStatusTick(status bt.Status) bt.Tick {
	return func(children []bt.Node) (bt.Status, error) {
		st, err := tickChild(children)
		if err != nil || st == bt.Running {
			return st, err
		}
		return status, nil
	}
}
