package interpreter

import (
	"github.com/Naoki-Hiraoka/Groot/internal/tree"
)

// event is a hand-off from a background goroutine to the tick loop.
// Background workers never touch tree state directly; they post events, and
// the session drains them under its lock before or between ticks.
type event interface {
	apply(s *Session)
}

type actionResultEvent struct {
	node       *runtimeNode
	generation uint64
	status     NodeStatus
}

func (e actionResultEvent) apply(s *Session) {
	e.node.action.Finalize(e.generation, e.status)
	s.updated = true
}

type conditionResultEvent struct {
	node       *runtimeNode
	generation uint64
	status     NodeStatus
}

func (e conditionResultEvent) apply(s *Session) {
	e.node.condition.Resolve(e.generation, e.status)
	s.updated = true
}

// feedbackEvent carries one feedback update field. When the port is bound to
// a reference, the value lands in the blackboard under the referenced key;
// otherwise it is stored on the node's output port.
type feedbackEvent struct {
	node  *runtimeNode
	field string
	value any
}

func (e feedbackEvent) apply(s *Session) {
	tn := e.node.tn
	if binding, bound := tn.Binding(e.field); bound {
		if key, ok := tree.ParseBinding(binding); ok {
			s.bb.Set(key, e.value)
			s.updated = true
			return
		}
	}
	port, ok := tn.Model.Port(e.field)
	if !ok {
		s.logger.Warn("feedback for undeclared port", "node", tn.Name, "field", e.field)
		return
	}
	if err := tree.DecodePort(tn, e.field, port.TypeName, e.value); err != nil {
		s.logger.Warn("feedback decode failed", "node", tn.Name, "field", e.field, "error", err)
		return
	}
	s.updated = true
}

type connErrorEvent struct {
	err error
}

func (e connErrorEvent) apply(s *Session) {
	s.autorun = false
	s.logger.Warn("connection error, auto-run disabled", "error", e.err)
	if s.onError != nil {
		s.onError(e.err)
	}
}

// post enqueues an event without blocking; if the queue is full, the event
// is dropped with a warning rather than stalling a transport goroutine.
func (s *Session) post(e event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("event queue full, dropping event")
	}
}

func (s *Session) drainEvents() {
	for {
		select {
		case e := <-s.events:
			e.apply(s)
		default:
			return
		}
	}
}
