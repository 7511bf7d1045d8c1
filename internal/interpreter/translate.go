package interpreter

import (
	"github.com/Naoki-Hiraoka/Groot/internal/tree"
)

// StatusChange is one (index, status) pair of a change batch. The index
// space depends on context: the synchronizer produces runtime indices, the
// visual layer consumes visual indices.
type StatusChange struct {
	Index  int
	Status NodeStatus
}

// toVisual translates a runtime-index change batch to visual-index space.
// Changes inside a collapsed span land on the placeholder's index, which can
// make neighboring entries coincide; exact consecutive duplicates are
// dropped, but deliberate pairs with differing statuses survive.
func toVisual(t *tree.Tree, changes []StatusChange) []StatusChange {
	if len(changes) == 0 {
		return nil
	}
	m := t.VisualIndexMap()
	out := make([]StatusChange, 0, len(changes))
	for _, c := range changes {
		if c.Index < 0 || c.Index >= len(m) {
			continue
		}
		tc := StatusChange{Index: m[c.Index], Status: c.Status}
		if n := len(out); n > 0 && out[n-1] == tc {
			continue
		}
		out = append(out, tc)
	}
	return out
}

// toRuntime translates visual indices back to runtime indices. A visual
// index with no runtime counterpart is dropped.
func toRuntime(t *tree.Tree, changes []StatusChange) []StatusChange {
	if len(changes) == 0 {
		return nil
	}
	out := make([]StatusChange, 0, len(changes))
	for _, c := range changes {
		if idx, ok := t.RuntimeIndexFor(c.Index); ok {
			out = append(out, StatusChange{Index: idx, Status: c.Status})
		}
	}
	return out
}
