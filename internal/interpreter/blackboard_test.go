package interpreter

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlackboard_BasicOperations(t *testing.T) {
	t.Parallel()

	bb := NewBlackboard()

	bb.Set("key1", "value1")
	v, ok := bb.Lookup("key1")
	require.True(t, ok)
	require.Equal(t, "value1", v)
	_, ok = bb.Lookup("nonexistent")
	require.False(t, ok)

	bb.Set("int", 42)
	bb.Set("map", map[string]any{"x": 1.5})
	v, _ = bb.Lookup("int")
	require.Equal(t, 42, v)
	v, _ = bb.Lookup("map")
	require.Equal(t, map[string]any{"x": 1.5}, v)
}

func TestBlackboard_SnapshotAndClear(t *testing.T) {
	t.Parallel()

	bb := NewBlackboard()
	require.Empty(t, bb.Snapshot())

	bb.Set("a", 1)
	bb.Set("b", 2)
	bb.Set("c", 3)
	require.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, bb.Snapshot())

	// The snapshot is a copy.
	snapshot := bb.Snapshot()
	snapshot["d"] = 4
	_, ok := bb.Lookup("d")
	require.False(t, ok)

	bb.Clear()
	require.Empty(t, bb.Snapshot())
}

func TestBlackboard_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	bb := NewBlackboard()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", i)
				bb.Set(key, j)
				_, _ = bb.Lookup(key)
				_ = bb.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, bb.Snapshot(), 8)
}
