package tree

import "fmt"

// MissingInputError reports a declared input port with no bound value at
// encode time. It is fatal to the owning leaf's current activation and is
// treated as leaf failure by the interpreter.
type MissingInputError struct {
	Port string
	Node string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing input for port %q at %s", e.Port, e.Node)
}

// UnsupportedTypeError reports a wire type name that matches none of the
// recognized primitives and is not a composite message type. It indicates a
// configuration error and aborts the current tick's traversal.
type UnsupportedTypeError struct {
	TypeName string
	Port     string
	Node     string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("invalid port type %q for %q at %s", e.TypeName, e.Port, e.Node)
}
