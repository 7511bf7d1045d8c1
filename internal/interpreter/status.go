// Package interpreter executes a loaded behavior tree against remote
// rosbridge services. It reconciles the engine's synchronous tick model with
// the asynchronous remote protocol: leaves dispatch work to background
// goroutines and report in-progress statuses, completions come back through
// a single event queue drained by the tick loop, and after every tick the
// minimal set of status changes is translated from runtime to visual index
// space and delivered to the visual layer.
package interpreter

import (
	bt "github.com/joeycumines/go-behaviortree"
)

// NodeStatus is the engine-visible status of a runtime node. It extends the
// go-behaviortree vocabulary with the idle state a node holds before its
// first tick and after a reset.
type NodeStatus int

const (
	StatusIdle NodeStatus = iota
	StatusRunning
	StatusSuccess
	StatusFailure
)

func (s NodeStatus) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	default:
		return "IDLE"
	}
}

func fromBT(s bt.Status) NodeStatus {
	switch s {
	case bt.Running:
		return StatusRunning
	case bt.Success:
		return StatusSuccess
	case bt.Failure:
		return StatusFailure
	default:
		return StatusIdle
	}
}

func toBT(s NodeStatus) bt.Status {
	switch s {
	case StatusRunning:
		return bt.Running
	case StatusSuccess:
		return bt.Success
	case StatusFailure:
		return bt.Failure
	default:
		return bt.Failure
	}
}
