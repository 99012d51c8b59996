// Package blackboard implements the Blackboard (C3): a monotonically
// growing key-value store each WorkflowExecution owns, plus the
// restricted template-hydration grammar states use to read from it.
//
// Grounded on station/internal/workflows/runtime/starlark_eval.go's
// GetNestedValue/SetNestedValue dotted-path helpers, generalized from a
// one-off variable-merge utility into the execution's sole mutable
// state store.
package blackboard

import (
	"sync"
)

// Blackboard is the append-and-overwrite store backing one
// WorkflowExecution. Keys are never removed: a state can only Set a
// key to a new value, never unset one, so downstream states can always
// rely on a key that was ever written still resolving to *something*.
// Safe for concurrent use — ParallelAgents branches write concurrently
// before the join.
type Blackboard struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates a Blackboard seeded from a workflow's spec.context (or
// nil for an empty one).
func New(seed map[string]any) *Blackboard {
	data := make(map[string]any, len(seed))
	for k, v := range seed {
		data[k] = v
	}
	return &Blackboard{data: data}
}

// Set writes path (dotted, e.g. "draft.score") to value, creating
// intermediate maps as needed. Overwrites are permitted; deletions are
// not exposed.
func (b *Blackboard) Set(path string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setNestedValue(b.data, path, value)
}

// SetMany merges a flat map of top-level keys in one locked pass, used
// when a state's output is written back wholesale.
func (b *Blackboard) SetMany(values map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range values {
		b.data[k] = v
	}
}

// Get resolves a dotted path, returning (value, true) if every segment
// along the path existed.
func (b *Blackboard) Get(path string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return getNestedValue(b.data, path)
}

// Has reports whether a dotted path resolves to any value, including
// an explicit nil.
func (b *Blackboard) Has(path string) bool {
	_, ok := b.Get(path)
	return ok
}

// Snapshot returns a shallow copy of the full store, used to build the
// template-hydration context and the Starlark condition-evaluation
// globals. Shallow: nested maps/slices are shared, not deep-copied,
// matching the read-mostly access pattern of condition evaluation.
func (b *Blackboard) Snapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}
