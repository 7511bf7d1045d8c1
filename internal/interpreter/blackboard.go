package interpreter

import (
	"sync"
)

// Blackboard is a thread-safe key/value store shared by every node of a
// loaded tree. Leaf goal construction reads it through the tree.ValueStore
// interface, and drained feedback events are the only writers during
// automatic execution.
type Blackboard struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewBlackboard creates an empty blackboard.
func NewBlackboard() *Blackboard {
	return &Blackboard{values: make(map[string]any)}
}

// Lookup returns the value stored under key, reporting whether it exists.
// It implements tree.ValueStore.
func (b *Blackboard) Lookup(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (b *Blackboard) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
}

// Clear removes every entry.
func (b *Blackboard) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values = make(map[string]any)
}

// Snapshot returns a shallow copy of the stored entries.
func (b *Blackboard) Snapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}
