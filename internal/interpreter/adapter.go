package interpreter

import (
	"errors"
	"sync"

	bt "github.com/joeycumines/go-behaviortree"

	"github.com/Naoki-Hiraoka/Groot/internal/rosbridge"
	"github.com/Naoki-Hiraoka/Groot/internal/tree"
)

// ErrEvaluationPending is returned alongside bt.Running by a condition leaf
// whose remote evaluation has been dispatched but not yet resolved. It aborts
// the current traversal without marking the tree failed; the tick loop
// recognizes it and simply waits for the response event.
var ErrEvaluationPending = errors.New("condition evaluation pending")

type adapterState int

const (
	stateIdle adapterState = iota
	stateRunning
	stateCompleted
)

// ActionAdapter bridges a synchronous tick to an asynchronous action goal.
// The first tick of an activation dispatches the goal exactly once and
// returns Running; subsequent ticks return Running until the result event is
// finalized, after which one tick observes the terminal status and the
// adapter rearms for the next activation.
//
// A generation counter guards against stale completions: Halt bumps the
// generation, so a result delivered for a cancelled dispatch is discarded.
type ActionAdapter struct {
	mu         sync.Mutex
	state      adapterState
	generation uint64
	result     NodeStatus
	cancel     func()

	// begin dispatches the goal and returns a cancel function for the
	// in-flight work. It is invoked from the tick goroutine.
	begin func(generation uint64) (func(), error)
}

// NewActionAdapter creates an adapter whose activations are started by begin.
func NewActionAdapter(begin func(generation uint64) (func(), error)) *ActionAdapter {
	return &ActionAdapter{begin: begin}
}

// Tick implements bt.Tick.
func (a *ActionAdapter) Tick(children []bt.Node) (bt.Status, error) {
	a.mu.Lock()
	switch a.state {
	case stateRunning:
		a.mu.Unlock()
		return bt.Running, nil
	case stateCompleted:
		result := a.result
		a.state = stateIdle
		a.cancel = nil
		a.mu.Unlock()
		return toBT(result), nil
	}
	a.generation++
	generation := a.generation
	a.state = stateRunning
	a.mu.Unlock()

	cancel, err := a.begin(generation)
	a.mu.Lock()
	if generation == a.generation {
		if err != nil {
			a.state = stateIdle
		} else {
			a.cancel = cancel
		}
	}
	a.mu.Unlock()
	if err != nil {
		return classifyLeafError(err)
	}
	return bt.Running, nil
}

// Finalize records the terminal status of the dispatch identified by
// generation. Results from superseded generations are discarded. The status
// is observed by the next tick, never applied directly.
func (a *ActionAdapter) Finalize(generation uint64, status NodeStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if generation != a.generation || a.state != stateRunning {
		return
	}
	a.state = stateCompleted
	a.result = status
	a.cancel = nil
}

// Halt cancels any in-flight dispatch and returns the adapter to idle.
// Cancellation fires at most once per activation; a halt after the result
// arrived, or a second halt, is a no-op on the wire.
func (a *ActionAdapter) Halt() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.generation++
	a.state = stateIdle
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether a dispatch is currently in flight.
func (a *ActionAdapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateRunning
}

// ConditionAdapter bridges a synchronous tick to an asynchronous service
// call. The first tick of an activation dispatches exactly one evaluation
// and reports pending; every tick while the call is in flight keeps
// reporting pending. Once resolved, the status is sticky: repeated ticks
// return it unchanged until Reset.
type ConditionAdapter struct {
	mu         sync.Mutex
	resolved   bool
	status     NodeStatus
	inFlight   bool
	generation uint64

	// eval starts the remote evaluation. A returned error means the
	// dispatch never left this process. It is invoked from the tick
	// goroutine.
	eval func(generation uint64) error
}

// NewConditionAdapter creates an adapter whose evaluations are started by
// eval.
func NewConditionAdapter(eval func(generation uint64) error) *ConditionAdapter {
	return &ConditionAdapter{eval: eval}
}

// Tick implements bt.Tick.
func (a *ConditionAdapter) Tick(children []bt.Node) (bt.Status, error) {
	a.mu.Lock()
	if a.resolved {
		status := a.status
		a.mu.Unlock()
		return toBT(status), nil
	}
	if a.inFlight {
		a.mu.Unlock()
		return bt.Running, ErrEvaluationPending
	}
	a.inFlight = true
	a.generation++
	generation := a.generation
	a.mu.Unlock()

	if err := a.eval(generation); err != nil {
		a.mu.Lock()
		if generation == a.generation {
			a.inFlight = false
			a.resolved = true
			a.status = StatusFailure
		}
		a.mu.Unlock()
		return classifyLeafError(err)
	}
	return bt.Running, ErrEvaluationPending
}

// Resolve records the evaluation result for the given generation. Responses
// from superseded generations are discarded.
func (a *ConditionAdapter) Resolve(generation uint64, status NodeStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if generation != a.generation || !a.inFlight {
		return
	}
	a.inFlight = false
	a.resolved = true
	a.status = status
}

// ForceStatus pins the adapter to status as if an evaluation had resolved.
// Forcing StatusIdle is equivalent to Reset.
func (a *ConditionAdapter) ForceStatus(status NodeStatus) {
	if status == StatusIdle {
		a.Reset()
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.inFlight = false
	a.resolved = true
	a.status = status
}

// Reset clears any resolved status and discards an in-flight evaluation, so
// the next tick dispatches a fresh one.
func (a *ConditionAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.inFlight = false
	a.resolved = false
	a.status = StatusIdle
}

// Pending reports whether an evaluation is in flight and unresolved.
func (a *ConditionAdapter) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight && !a.resolved
}

// classifyLeafError maps dispatch errors to leaf outcomes. A missing input
// or an unreachable bridge fails only the leaf; anything else aborts the
// whole traversal.
func classifyLeafError(err error) (bt.Status, error) {
	var missing *tree.MissingInputError
	var conn *rosbridge.ConnectionError
	if errors.As(err, &missing) || errors.As(err, &conn) {
		return bt.Failure, nil
	}
	return bt.Failure, err
}
