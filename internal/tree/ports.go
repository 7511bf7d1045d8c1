package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueStore is the read side of the interpreter's shared value store, used
// when a port binding is a reference rather than a literal.
type ValueStore interface {
	Lookup(key string) (any, bool)
}

// IsComposite reports whether a wire type name denotes a composite message
// type. Composite values are passed through opaquely as nested generic
// values, without field-level interpretation.
func IsComposite(typeName string) bool {
	return strings.ContainsRune(typeName, '/')
}

// ParseBinding splits a port binding into its value and reference flag. A
// binding is a reference when it carries a "$" prefix or is wrapped in
// braces; otherwise it is a literal.
func ParseBinding(value string) (string, bool) {
	ref := false
	if strings.HasPrefix(value, "$") {
		ref = true
		value = value[1:]
	}
	if len(value) >= 2 && value[0] == '{' && value[len(value)-1] == '}' {
		ref = true
		value = value[1 : len(value)-1]
	}
	return value, ref
}

// EncodePort reads the typed runtime value of a port and converts it to a
// generic wire value according to the declared wire type. A port with no
// stored value yields a MissingInputError; an unrecognized wire type yields
// an UnsupportedTypeError.
func EncodePort(n *Node, name, typeName string) (any, error) {
	v, ok := n.PortValue(name)
	if !ok {
		return nil, &MissingInputError{Port: name, Node: n.ID()}
	}
	return coerceWire(n, name, typeName, v)
}

// DecodePort converts a generic wire value to the typed storage for a port
// and writes it. Signed types up to 32 bits are stored as int32, unsigned as
// uint32, 64-bit as int64/uint64, and both float widths as float64.
func DecodePort(n *Node, name, typeName string, value any) error {
	v, err := coerceWire(n, name, typeName, value)
	if err != nil {
		return err
	}
	n.SetPortValue(name, v)
	return nil
}

// GoalFromPorts builds the flat key to value payload for a goal or service
// request from the node's current port bindings, skipping OUTPUT ports.
// Reference bindings read the shared value store verbatim; literal bindings
// are coerced according to the port's declared wire type. Ports are visited
// in declaration order.
func GoalFromPorts(n *Node, store ValueStore) (map[string]any, error) {
	goal := make(map[string]any, len(n.Model.Ports))
	for _, p := range n.Model.Ports {
		if p.Direction == PortOutput {
			continue
		}
		if v, ok := n.PortValue(p.Name); ok {
			wire, err := coerceWire(n, p.Name, p.TypeName, v)
			if err != nil {
				return nil, err
			}
			goal[p.Name] = wire
			continue
		}
		binding, ok := n.Binding(p.Name)
		if !ok {
			return nil, &MissingInputError{Port: p.Name, Node: n.ID()}
		}
		key, isRef := ParseBinding(binding)
		if isRef {
			v, ok := store.Lookup(key)
			if !ok {
				return nil, &MissingInputError{Port: p.Name, Node: n.ID()}
			}
			goal[p.Name] = v
			continue
		}
		v, err := coerceLiteral(n, p.Name, p.TypeName, key)
		if err != nil {
			return nil, err
		}
		goal[p.Name] = v
	}
	return goal, nil
}

// coerceWire converts between generic values and the typed storage forms.
// It is direction-agnostic: both encode and decode funnel through it, which
// is what makes the round-trip exact for every primitive wire type.
func coerceWire(n *Node, port, typeName string, v any) (any, error) {
	if IsComposite(typeName) {
		// composite messages are carried as nested generic values
		return v, nil
	}
	switch typeName {
	case "bool":
		b, ok := toBool(v)
		if !ok {
			return nil, convErr(n, port, typeName, v)
		}
		return b, nil
	case "int8", "int16", "int32":
		i, ok := toInt64(v)
		if !ok {
			return nil, convErr(n, port, typeName, v)
		}
		return int32(i), nil
	case "int64":
		i, ok := toInt64(v)
		if !ok {
			return nil, convErr(n, port, typeName, v)
		}
		return i, nil
	case "uint8", "uint16", "uint32":
		u, ok := toUint64(v)
		if !ok {
			return nil, convErr(n, port, typeName, v)
		}
		return uint32(u), nil
	case "uint64":
		u, ok := toUint64(v)
		if !ok {
			return nil, convErr(n, port, typeName, v)
		}
		return u, nil
	case "float32", "float64":
		f, ok := toFloat64(v)
		if !ok {
			return nil, convErr(n, port, typeName, v)
		}
		return f, nil
	case "string":
		s, ok := v.(string)
		if !ok {
			if num, isNum := v.(json.Number); isNum {
				return num.String(), nil
			}
			return nil, convErr(n, port, typeName, v)
		}
		return s, nil
	}
	return nil, &UnsupportedTypeError{TypeName: typeName, Port: port, Node: n.ID()}
}

// coerceLiteral parses a literal binding string according to the wire type.
// Composite literals are parsed as JSON documents.
func coerceLiteral(n *Node, port, typeName, literal string) (any, error) {
	if IsComposite(typeName) {
		dec := json.NewDecoder(bytes.NewReader([]byte(literal)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("parse composite literal for port %q at %s: %w", port, n.ID(), err)
		}
		return v, nil
	}
	switch typeName {
	case "bool":
		b, err := strconv.ParseBool(literal)
		if err != nil {
			return nil, litErr(n, port, typeName, err)
		}
		return b, nil
	case "int8", "int16", "int32":
		i, err := strconv.ParseInt(literal, 10, 32)
		if err != nil {
			return nil, litErr(n, port, typeName, err)
		}
		return int32(i), nil
	case "int64":
		i, err := strconv.ParseInt(literal, 10, 64)
		if err != nil {
			return nil, litErr(n, port, typeName, err)
		}
		return i, nil
	case "uint8", "uint16", "uint32":
		u, err := strconv.ParseUint(literal, 10, 32)
		if err != nil {
			return nil, litErr(n, port, typeName, err)
		}
		return uint32(u), nil
	case "uint64":
		u, err := strconv.ParseUint(literal, 10, 64)
		if err != nil {
			return nil, litErr(n, port, typeName, err)
		}
		return u, nil
	case "float32", "float64":
		f, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return nil, litErr(n, port, typeName, err)
		}
		return f, nil
	case "string":
		return literal, nil
	}
	return nil, &UnsupportedTypeError{TypeName: typeName, Port: port, Node: n.ID()}
}

func convErr(n *Node, port, typeName string, v any) error {
	return fmt.Errorf("cannot represent %T as %s for port %q at %s", v, typeName, port, n.ID())
}

func litErr(n *Node, port, typeName string, err error) error {
	return fmt.Errorf("parse %s literal for port %q at %s: %w", typeName, port, n.ID(), err)
}

func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	case float32:
		return int64(x), true
	case json.Number:
		i, err := x.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func toUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case int, int8, int16, int32, int64:
		i, _ := toInt64(v)
		if i < 0 {
			return 0, false
		}
		return uint64(i), true
	case float64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case json.Number:
		i, err := strconv.ParseUint(x.String(), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int, int8, int16, int32, int64:
		i, _ := toInt64(v)
		return float64(i), true
	case uint, uint8, uint16, uint32, uint64:
		u, _ := toUint64(v)
		return float64(u), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
