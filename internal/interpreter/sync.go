package interpreter

import (
	"github.com/Naoki-Hiraoka/Groot/internal/tree"
)

// diffStatuses compares the runtime tree's statuses against the snapshot
// taken before the tick and produces the change batch, in runtime-index
// space. prev[0] is the root; prev[i] corresponds to rt.nodes[i-1].
//
// Beyond straight differences: a node returning to idle first re-emits its
// previous status so the visual layer can render the reset transition; a
// running non-condition node re-emits running every tick to keep the visual
// refresh alive; and while a condition re-poll is in flight those forced
// emissions are paired with an idle so running branches gray out until the
// evaluation resolves.
func diffStatuses(prev []NodeStatus, rt *runtimeTree, condPending bool) []StatusChange {
	var out []StatusChange
	if rt.root.status != prev[0] {
		out = append(out, StatusChange{Index: 0, Status: rt.root.status})
	}
	for i, rn := range rt.nodes {
		idx := i + 1
		cur := rn.status
		old := prev[idx]
		if cur != old {
			if cur == StatusIdle {
				out = append(out, StatusChange{Index: idx, Status: old})
			}
			out = append(out, StatusChange{Index: idx, Status: cur})
			continue
		}
		if cur == StatusRunning && rn.tn.Model.Type != tree.NodeTypeCondition {
			out = append(out, StatusChange{Index: idx, Status: StatusRunning})
			if condPending {
				out = append(out, StatusChange{Index: idx, Status: StatusIdle})
			}
		}
	}
	return out
}

func snapshotStatuses(rt *runtimeTree) []NodeStatus {
	prev := make([]NodeStatus, len(rt.nodes)+1)
	prev[0] = rt.root.status
	for i, rn := range rt.nodes {
		prev[i+1] = rn.status
	}
	return prev
}
