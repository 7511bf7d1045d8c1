// Package tree holds the behavior tree data model shared by the interpreter:
// node models with typed ports, the parsed tree itself, and the marshaling of
// port values to and from the generic JSON values carried on the wire.
//
// A single Tree backs both index spaces the interpreter works in. The runtime
// space is the fully expanded depth-first ordering (index 0 is the synthetic
// root, nodes are 1..N). The visual space is the same ordering with the
// contents of collapsed subtree placeholders hidden.
package tree

import "fmt"

// NodeType identifies the kind of a node model.
type NodeType int

const (
	NodeTypeUndefined NodeType = iota
	NodeTypeAction
	NodeTypeCondition
	NodeTypeControl
	NodeTypeDecorator
	NodeTypeSubtree
	NodeTypeRoot
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeAction:
		return "Action"
	case NodeTypeCondition:
		return "Condition"
	case NodeTypeControl:
		return "Control"
	case NodeTypeDecorator:
		return "Decorator"
	case NodeTypeSubtree:
		return "SubTree"
	case NodeTypeRoot:
		return "Root"
	default:
		return "Undefined"
	}
}

// PortDirection is the declared direction of a port.
type PortDirection int

const (
	PortInput PortDirection = iota
	PortOutput
	PortInOut
)

func (d PortDirection) String() string {
	switch d {
	case PortOutput:
		return "output"
	case PortInOut:
		return "inout"
	default:
		return "input"
	}
}

// PortModel describes a single declared port: its name, direction, wire type
// name and default literal value. Wire types are the primitive tags
// (bool, int8..int64, uint8..uint64, float32/float64, string) or a composite
// message type, recognized by a namespace separator in the name
// (e.g. "geometry_msgs/Pose").
type PortModel struct {
	Name         string
	Direction    PortDirection
	TypeName     string
	DefaultValue string
}

// NodeModel is the registered model behind a tree node: its kind, the
// registration ID, and the ordered list of declared ports.
type NodeModel struct {
	Type           NodeType
	RegistrationID string
	Ports          []PortModel
}

// Port returns the declared port with the given name.
func (m *NodeModel) Port(name string) (PortModel, bool) {
	for _, p := range m.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortModel{}, false
}

// Node is one node of a parsed tree. Bindings map port names to the literal
// or reference values given in the tree document; Values holds the typed
// runtime values written by the marshaler during execution.
//
// Collapsed is visual-layer state and is only meaningful on subtree
// placeholder nodes.
type Node struct {
	Name      string
	Model     NodeModel
	Bindings  map[string]string
	Children  []*Node
	Collapsed bool

	values map[string]any
}

// IsLeaf reports whether the node is an action or condition.
func (n *Node) IsLeaf() bool {
	return n.Model.Type == NodeTypeAction || n.Model.Type == NodeTypeCondition
}

// IsSubtree reports whether the node is a subtree placeholder.
func (n *Node) IsSubtree() bool {
	return n.Model.Type == NodeTypeSubtree
}

// ID returns a human readable identity for error messages, combining the
// registration ID and the instance name when they differ.
func (n *Node) ID() string {
	if n.Name == "" || n.Name == n.Model.RegistrationID {
		return n.Model.RegistrationID
	}
	return fmt.Sprintf("%s(%s)", n.Model.RegistrationID, n.Name)
}

// PortValue returns the typed runtime value stored for a port, if any.
func (n *Node) PortValue(name string) (any, bool) {
	v, ok := n.values[name]
	return v, ok
}

// SetPortValue stores a typed runtime value for a port.
func (n *Node) SetPortValue(name string, value any) {
	if n.values == nil {
		n.values = make(map[string]any)
	}
	n.values[name] = value
}

// ClearPortValues drops all typed runtime values, returning the node to its
// freshly loaded state.
func (n *Node) ClearPortValues() {
	n.values = nil
}

// Binding returns the effective binding string for a port: the mapping value
// from the tree document if present, otherwise the declared default.
func (n *Node) Binding(name string) (string, bool) {
	if v, ok := n.Bindings[name]; ok && v != "" {
		return v, true
	}
	p, ok := n.Model.Port(name)
	if !ok {
		return "", false
	}
	return p.DefaultValue, p.DefaultValue != ""
}

// Tree is a parsed behavior tree. Root is the synthetic root node; Nodes is
// the fully expanded depth-first ordering excluding Root, so the runtime
// index of Nodes[i] is i+1 and index 0 refers to Root.
type Tree struct {
	Name  string
	Root  *Node
	Nodes []*Node
}

// NodeAt returns the node at the given runtime index (1-based; index 0 is
// the synthetic root and has no Node).
func (t *Tree) NodeAt(index int) (*Node, bool) {
	if index < 1 || index > len(t.Nodes) {
		return nil, false
	}
	return t.Nodes[index-1], true
}

// Index returns the runtime index of the given node, or 0 if the node is the
// root or not part of the tree.
func (t *Tree) Index(n *Node) int {
	for i, c := range t.Nodes {
		if c == n {
			return i + 1
		}
	}
	return 0
}

// SubtreeSize returns the number of descendant nodes below n, i.e. the
// number of runtime indices a collapsed placeholder for n would hide.
func (t *Tree) SubtreeSize(n *Node) int {
	size := 0
	for _, c := range n.Children {
		size += 1 + t.SubtreeSize(c)
	}
	return size
}

// VisualIndexMap computes, for every runtime index, the visual index it maps
// to under the tree's current collapse flags. The returned slice has
// len(t.Nodes)+1 entries; entry 0 is always 0 (the root). Runtime indices
// hidden inside a collapsed subtree map to the placeholder's visual index.
//
// The mapping is recomputed from the flags on every call rather than patched
// incrementally, so it cannot drift from the tree state.
func (t *Tree) VisualIndexMap() []int {
	m := make([]int, len(t.Nodes)+1)
	r, v := 0, 0
	var walk func(nodes []*Node, hidden int)
	walk = func(nodes []*Node, hidden int) {
		for _, n := range nodes {
			r++
			if hidden >= 0 {
				m[r] = hidden
				walk(n.Children, hidden)
				continue
			}
			v++
			m[r] = v
			if n.IsSubtree() && n.Collapsed {
				walk(n.Children, v)
			} else {
				walk(n.Children, -1)
			}
		}
	}
	walk(t.Root.Children, -1)
	return m
}

// RuntimeIndexFor returns the runtime index a visual index refers to. For a
// collapsed placeholder this is the placeholder node itself, never one of
// the hidden nodes. The second return is false when the visual index does
// not exist under the current collapse flags.
func (t *Tree) RuntimeIndexFor(visual int) (int, bool) {
	if visual == 0 {
		return 0, true
	}
	m := t.VisualIndexMap()
	for r := 1; r < len(m); r++ {
		if m[r] == visual {
			return r, true
		}
	}
	return 0, false
}

// VisibleNodes returns the nodes visible under the current collapse flags in
// visual index order (starting at visual index 1; the synthetic root is not
// part of the list).
func (t *Tree) VisibleNodes() []*Node {
	var out []*Node
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out = append(out, n)
			if n.IsSubtree() && n.Collapsed {
				continue
			}
			walk(n.Children)
		}
	}
	walk(t.Root.Children)
	return out
}

// Reset clears all runtime port values on every node.
func (t *Tree) Reset() {
	for _, n := range t.Nodes {
		n.ClearPortValues()
	}
}

func flatten(root *Node) []*Node {
	var out []*Node
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out = append(out, n)
			walk(n.Children)
		}
	}
	walk(root.Children)
	return out
}
