package execution

import (
	"sync"
	"time"

	"github.com/100monkeys/fractal/internal/workflow"
)

// RunLog is a per-execution, append-only record of every Iteration
// ExecutionService attempts, independent of the engine's own
// blackboard (which only ever holds the *winning* output). Intended
// for the operator-facing "why did this execution behave this way"
// question the blackboard alone can't answer, since it overwrites
// rather than accumulates.
//
// Grounded on station/internal/execution/logging/execution_logger.go's
// ExecutionLogger/LogEntry, with the genkit/ai.Message coupling
// removed: entries are workflow.Iteration values, not model requests.
type RunLog struct {
	mu         sync.Mutex
	executionID string
	entries     []workflow.Iteration
}

// NewRunLog creates an empty log for one execution.
func NewRunLog(executionID string) *RunLog {
	return &RunLog{executionID: executionID}
}

// Record appends one Iteration. Safe for concurrent use, since
// ParallelAgents branches record through the same log concurrently.
func (l *RunLog) Record(it workflow.Iteration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, it)
}

// Entries returns a copy of every recorded Iteration, oldest first.
func (l *RunLog) Entries() []workflow.Iteration {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]workflow.Iteration, len(l.entries))
	copy(out, l.entries)
	return out
}

// Duration sums the wall-clock time every recorded Iteration took.
func (l *RunLog) Duration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total time.Duration
	for _, it := range l.entries {
		total += it.EndedAt.Sub(it.StartedAt)
	}
	return total
}

// FailureCount counts iterations that recorded a non-empty Error.
func (l *RunLog) FailureCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, it := range l.entries {
		if it.Error != "" {
			n++
		}
	}
	return n
}
