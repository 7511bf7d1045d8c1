package tree

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// The accepted document shape is the BehaviorTree.CPP XML layout: a <root>
// element with one or more <BehaviorTree ID="..."> trees and an optional
// <TreeNodesModel> declaring custom node models and their ports. Subtree
// placeholders are expanded inline at load time so the runtime ordering is
// always fully expanded; placeholders start collapsed in the visual space.

type xmlElement struct {
	XMLName  xml.Name
	Attrs    []xml.Attr   `xml:",any,attr"`
	Children []xmlElement `xml:",any"`
}

func (e *xmlElement) attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// builtinModels covers the node registrations BehaviorTree.CPP ships with;
// everything else must be declared in TreeNodesModel.
var builtinModels = map[string]NodeType{
	"Sequence":             NodeTypeControl,
	"SequenceStar":         NodeTypeControl,
	"ReactiveSequence":     NodeTypeControl,
	"Fallback":             NodeTypeControl,
	"ReactiveFallback":     NodeTypeControl,
	"Parallel":             NodeTypeControl,
	"Inverter":             NodeTypeDecorator,
	"ForceSuccess":         NodeTypeDecorator,
	"ForceFailure":         NodeTypeDecorator,
	"Repeat":               NodeTypeDecorator,
	"RetryUntilSuccessful": NodeTypeDecorator,
}

type loader struct {
	trees  map[string]*xmlElement
	models map[string]NodeModel
}

// Load parses a behavior tree document and returns the expanded tree.
func Load(r io.Reader) (*Tree, error) {
	var root xmlElement
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("parse tree document: %w", err)
	}
	if root.XMLName.Local != "root" {
		return nil, fmt.Errorf("unexpected document element <%s>", root.XMLName.Local)
	}

	ld := &loader{
		trees:  make(map[string]*xmlElement),
		models: make(map[string]NodeModel),
	}
	for i := range root.Children {
		c := &root.Children[i]
		switch c.XMLName.Local {
		case "BehaviorTree":
			id := c.attr("ID")
			if id == "" {
				return nil, fmt.Errorf("<BehaviorTree> without ID")
			}
			ld.trees[id] = c
		case "TreeNodesModel":
			if err := ld.loadModels(c); err != nil {
				return nil, err
			}
		}
	}

	mainID := root.attr("main_tree_to_execute")
	if mainID == "" {
		if len(ld.trees) != 1 {
			return nil, fmt.Errorf("main_tree_to_execute required with %d trees", len(ld.trees))
		}
		for id := range ld.trees {
			mainID = id
		}
	}
	main, ok := ld.trees[mainID]
	if !ok {
		return nil, fmt.Errorf("behavior tree %q not found", mainID)
	}

	rootNode := &Node{
		Name:  "Root",
		Model: NodeModel{Type: NodeTypeRoot, RegistrationID: "Root"},
	}
	for i := range main.Children {
		child, err := ld.buildNode(&main.Children[i], []string{mainID})
		if err != nil {
			return nil, err
		}
		rootNode.Children = append(rootNode.Children, child)
	}
	if len(rootNode.Children) != 1 {
		return nil, fmt.Errorf("behavior tree %q must have exactly one root node", mainID)
	}

	return &Tree{Name: mainID, Root: rootNode, Nodes: flatten(rootNode)}, nil
}

// LoadText parses a behavior tree document from source text.
func LoadText(text string) (*Tree, error) {
	return Load(strings.NewReader(text))
}

// LoadFile parses a behavior tree document from a file.
func LoadFile(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func (ld *loader) loadModels(e *xmlElement) error {
	for i := range e.Children {
		c := &e.Children[i]
		var typ NodeType
		switch c.XMLName.Local {
		case "Action":
			typ = NodeTypeAction
		case "Condition":
			typ = NodeTypeCondition
		case "Control":
			typ = NodeTypeControl
		case "Decorator":
			typ = NodeTypeDecorator
		case "SubTree":
			typ = NodeTypeSubtree
		default:
			return fmt.Errorf("unexpected <%s> in TreeNodesModel", c.XMLName.Local)
		}
		id := c.attr("ID")
		if id == "" {
			return fmt.Errorf("<%s> model without ID", c.XMLName.Local)
		}
		model := NodeModel{Type: typ, RegistrationID: id}
		for j := range c.Children {
			p := &c.Children[j]
			var dir PortDirection
			switch p.XMLName.Local {
			case "input_port":
				dir = PortInput
			case "output_port":
				dir = PortOutput
			case "inout_port":
				dir = PortInOut
			default:
				continue
			}
			name := p.attr("name")
			if name == "" {
				return fmt.Errorf("port without name in model %q", id)
			}
			typeName := p.attr("type")
			if typeName == "" {
				typeName = "string"
			}
			model.Ports = append(model.Ports, PortModel{
				Name:         name,
				Direction:    dir,
				TypeName:     typeName,
				DefaultValue: p.attr("default"),
			})
		}
		ld.models[id] = model
	}
	return nil
}

func (ld *loader) buildNode(e *xmlElement, stack []string) (*Node, error) {
	model, registrationAttr, err := ld.resolveModel(e)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Name:     e.attr("name"),
		Model:    model,
		Bindings: make(map[string]string),
	}
	if n.Name == "" {
		n.Name = model.RegistrationID
	}
	for _, a := range e.Attrs {
		switch a.Name.Local {
		case "name":
			continue
		case "ID":
			if registrationAttr {
				continue
			}
		}
		if strings.HasPrefix(a.Name.Local, "_") {
			continue
		}
		n.Bindings[a.Name.Local] = a.Value
	}

	if model.Type == NodeTypeSubtree {
		ref, ok := ld.trees[model.RegistrationID]
		if !ok {
			return nil, fmt.Errorf("subtree %q not found", model.RegistrationID)
		}
		for _, id := range stack {
			if id == model.RegistrationID {
				return nil, fmt.Errorf("subtree cycle through %q", model.RegistrationID)
			}
		}
		n.Collapsed = true
		for i := range ref.Children {
			child, err := ld.buildNode(&ref.Children[i], append(stack, model.RegistrationID))
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
		return n, nil
	}

	for i := range e.Children {
		child, err := ld.buildNode(&e.Children[i], stack)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}

	switch model.Type {
	case NodeTypeAction, NodeTypeCondition:
		if len(n.Children) != 0 {
			return nil, fmt.Errorf("leaf node %s cannot have children", n.ID())
		}
	case NodeTypeDecorator:
		if len(n.Children) != 1 {
			return nil, fmt.Errorf("decorator %s must have exactly one child", n.ID())
		}
	case NodeTypeControl:
		if len(n.Children) == 0 {
			return nil, fmt.Errorf("control node %s must have children", n.ID())
		}
	}
	return n, nil
}

// resolveModel maps an element to its node model. The element tag is either
// a kind tag carrying an ID attribute (<Action ID="X" .../>) or a
// registration ID directly (<X .../>). The second return reports whether the
// ID attribute named the registration, in which case it is not a binding.
func (ld *loader) resolveModel(e *xmlElement) (NodeModel, bool, error) {
	tag := e.XMLName.Local
	switch tag {
	case "Action", "Condition", "Control", "Decorator", "SubTree":
		id := e.attr("ID")
		if id == "" && tag == "SubTree" {
			return NodeModel{}, false, fmt.Errorf("<SubTree> without ID")
		}
		if id != "" {
			if m, ok := ld.models[id]; ok {
				return m, true, nil
			}
			if tag == "SubTree" {
				return NodeModel{Type: NodeTypeSubtree, RegistrationID: id}, true, nil
			}
			return NodeModel{}, false, fmt.Errorf("node %q not declared in TreeNodesModel", id)
		}
	}
	if m, ok := ld.models[tag]; ok {
		return m, false, nil
	}
	if typ, ok := builtinModels[tag]; ok {
		return NodeModel{Type: typ, RegistrationID: tag}, false, nil
	}
	if _, ok := ld.trees[tag]; ok {
		return NodeModel{Type: NodeTypeSubtree, RegistrationID: tag}, false, nil
	}
	return NodeModel{}, false, fmt.Errorf("unknown node <%s>", tag)
}
