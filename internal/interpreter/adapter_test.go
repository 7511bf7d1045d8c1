package interpreter

import (
	"errors"
	"testing"

	bt "github.com/joeycumines/go-behaviortree"
	"github.com/stretchr/testify/require"

	"github.com/Naoki-Hiraoka/Groot/internal/rosbridge"
	"github.com/Naoki-Hiraoka/Groot/internal/tree"
)

func TestActionAdapter_DispatchAndFinalize(t *testing.T) {
	t.Parallel()

	var begun []uint64
	cancelled := 0
	a := NewActionAdapter(func(generation uint64) (func(), error) {
		begun = append(begun, generation)
		return func() { cancelled++ }, nil
	})

	st, err := a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Running, st)
	require.Len(t, begun, 1)

	// No result yet: running on every subsequent tick, no re-dispatch.
	for i := 0; i < 3; i++ {
		st, err = a.Tick(nil)
		require.NoError(t, err)
		require.Equal(t, bt.Running, st)
	}
	require.Len(t, begun, 1)

	a.Finalize(begun[0], StatusSuccess)
	st, err = a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Success, st)
	require.Zero(t, cancelled)

	// Next activation dispatches a fresh goal.
	st, err = a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Running, st)
	require.Len(t, begun, 2)
	require.Greater(t, begun[1], begun[0])
}

func TestActionAdapter_HaltCancelsOnce(t *testing.T) {
	t.Parallel()

	cancelled := 0
	a := NewActionAdapter(func(generation uint64) (func(), error) {
		return func() { cancelled++ }, nil
	})

	_, err := a.Tick(nil)
	require.NoError(t, err)
	require.True(t, a.Running())

	a.Halt()
	require.Equal(t, 1, cancelled)
	require.False(t, a.Running())

	// A second halt, or a halt with nothing in flight, stays a no-op.
	a.Halt()
	require.Equal(t, 1, cancelled)
}

func TestActionAdapter_StaleResultDiscarded(t *testing.T) {
	t.Parallel()

	var last uint64
	a := NewActionAdapter(func(generation uint64) (func(), error) {
		last = generation
		return nil, nil
	})

	_, err := a.Tick(nil)
	require.NoError(t, err)
	stale := last

	a.Halt()
	_, err = a.Tick(nil)
	require.NoError(t, err)

	// The pre-halt result must not complete the new dispatch.
	a.Finalize(stale, StatusSuccess)
	st, err := a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Running, st)

	a.Finalize(last, StatusFailure)
	st, err = a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Failure, st)
}

func TestActionAdapter_MissingInputFailsLeaf(t *testing.T) {
	t.Parallel()

	a := NewActionAdapter(func(generation uint64) (func(), error) {
		return nil, &tree.MissingInputError{Port: "target", Node: "MoveBase"}
	})

	st, err := a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Failure, st)
	require.False(t, a.Running())
}

func TestActionAdapter_UnsupportedTypePropagates(t *testing.T) {
	t.Parallel()

	boom := &tree.UnsupportedTypeError{TypeName: "imaginary", Port: "p", Node: "MoveBase"}
	a := NewActionAdapter(func(generation uint64) (func(), error) {
		return nil, boom
	})

	st, err := a.Tick(nil)
	require.Equal(t, bt.Failure, st)
	var unsupported *tree.UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)
}

func TestActionAdapter_ConnectionErrorFailsLeaf(t *testing.T) {
	t.Parallel()

	a := NewActionAdapter(func(generation uint64) (func(), error) {
		return nil, &rosbridge.ConnectionError{Op: "dispatch", Err: errors.New("not connected")}
	})

	st, err := a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Failure, st)
}

func TestConditionAdapter_SingleDispatchAndSticky(t *testing.T) {
	t.Parallel()

	evals := 0
	var gen uint64
	a := NewConditionAdapter(func(generation uint64) error {
		evals++
		gen = generation
		return nil
	})

	st, err := a.Tick(nil)
	require.ErrorIs(t, err, ErrEvaluationPending)
	require.Equal(t, bt.Running, st)
	require.Equal(t, 1, evals)
	require.True(t, a.Pending())

	// Re-polling while in flight must not dispatch again.
	for i := 0; i < 3; i++ {
		_, err = a.Tick(nil)
		require.ErrorIs(t, err, ErrEvaluationPending)
	}
	require.Equal(t, 1, evals)

	a.Resolve(gen, StatusSuccess)
	require.False(t, a.Pending())
	for i := 0; i < 3; i++ {
		st, err = a.Tick(nil)
		require.NoError(t, err)
		require.Equal(t, bt.Success, st)
	}
	require.Equal(t, 1, evals)

	// Reset rearms the adapter for a fresh evaluation.
	a.Reset()
	_, err = a.Tick(nil)
	require.ErrorIs(t, err, ErrEvaluationPending)
	require.Equal(t, 2, evals)
}

func TestConditionAdapter_StaleResolveDiscarded(t *testing.T) {
	t.Parallel()

	var gen uint64
	a := NewConditionAdapter(func(generation uint64) error {
		gen = generation
		return nil
	})

	_, err := a.Tick(nil)
	require.ErrorIs(t, err, ErrEvaluationPending)
	stale := gen

	a.Reset()
	_, err = a.Tick(nil)
	require.ErrorIs(t, err, ErrEvaluationPending)

	a.Resolve(stale, StatusSuccess)
	_, err = a.Tick(nil)
	require.ErrorIs(t, err, ErrEvaluationPending)

	a.Resolve(gen, StatusFailure)
	st, err := a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Failure, st)
}

func TestConditionAdapter_ForceStatus(t *testing.T) {
	t.Parallel()

	evals := 0
	a := NewConditionAdapter(func(generation uint64) error {
		evals++
		return nil
	})

	a.ForceStatus(StatusSuccess)
	st, err := a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Success, st)
	require.Zero(t, evals)

	// Forcing idle is a reset.
	a.ForceStatus(StatusIdle)
	_, err = a.Tick(nil)
	require.ErrorIs(t, err, ErrEvaluationPending)
	require.Equal(t, 1, evals)
}

func TestConditionAdapter_EvalErrorResolvesFailure(t *testing.T) {
	t.Parallel()

	evals := 0
	a := NewConditionAdapter(func(generation uint64) error {
		evals++
		return &tree.MissingInputError{Port: "service_name", Node: "Check"}
	})

	st, err := a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Failure, st)

	// The failure sticks; the broken dispatch is not retried until reset.
	st, err = a.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, bt.Failure, st)
	require.Equal(t, 1, evals)
}
