// Package humaninput implements HumanInputGate (C7): the registry of
// pending human-input prompts a suspended execution can have
// outstanding, one at a time, with timeout detection.
//
// Grounded on station/internal/workflows/runtime/executor.go's
// HumanApprovalExecutor (CreateApproval/GetApproval/
// HandleApprovalDecision, status enum approved|rejected|timed_out),
// generalized from an approval-specific yes/no flow to the spec's
// free-text Human state.
package humaninput

import (
	"context"
	"sync"
	"time"

	"github.com/100monkeys/fractal/pkg/ids"
)

// TimeoutNotifier is called when a pending prompt's deadline elapses
// without a signal. Implemented by engine.Engine.TimeoutHumanInput;
// kept as an interface here so this package does not import engine
// (engine is the one that imports HumanGate, not the reverse).
type TimeoutNotifier interface {
	TimeoutHumanInput(ctx context.Context, executionID string, defaultResponse *string)
}

type pending struct {
	promptID        string
	defaultResponse *string
	timer           *time.Timer
}

// Gate is HumanInputGate's concrete implementation: at most one
// pending prompt per execution.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pending
	notifier TimeoutNotifier
}

// NewGate builds a Gate that calls back into notifier on timeout.
func NewGate(notifier TimeoutNotifier) *Gate {
	return &Gate{
		pending:  make(map[string]*pending),
		notifier: notifier,
	}
}

// Prompt registers a new pending prompt for executionID, replacing any
// prior one (the engine never calls Prompt twice for the same
// execution without an intervening Cancel/resume, but replacing rather
// than erroring keeps the gate itself simple).
func (g *Gate) Prompt(ctx context.Context, executionID string, hydratedPrompt string, timeout time.Duration, defaultResponse *string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.pending[executionID]; ok && existing.timer != nil {
		existing.timer.Stop()
	}

	p := &pending{
		promptID:        ids.NewApprovalID(),
		defaultResponse: defaultResponse,
	}

	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			g.mu.Lock()
			_, stillPending := g.pending[executionID]
			delete(g.pending, executionID)
			g.mu.Unlock()

			if stillPending {
				g.notifier.TimeoutHumanInput(context.Background(), executionID, defaultResponse)
			}
		})
	}

	g.pending[executionID] = p
	return nil
}

// Cancel clears a pending prompt without firing its timeout, used both
// when a response arrives and when the execution itself is cancelled.
func (g *Gate) Cancel(ctx context.Context, executionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.pending[executionID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(g.pending, executionID)
	}
}

// HasPending reports whether executionID currently has an outstanding
// prompt, used by tests and operator tooling.
func (g *Gate) HasPending(executionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[executionID]
	return ok
}
