// Package learning ships pattern-success telemetry computed from
// LearningEvent notifications to PostHog, standing in for the optional
// Cortex-adjacent capability spec.md §9 leaves as an open question: how
// a pattern's historical success score should update. This module
// answers it with an exponentially weighted moving average — see
// DESIGN.md's Open Question decisions for the reasoning — computed
// here, shipped, and never read back into transition evaluation.
package learning

import (
	"context"
	"sync"

	"github.com/posthog/posthog-go"
)

// Alpha is the EWMA smoothing factor: newScore contributes Alpha of
// the updated average, the prior average contributes 1-Alpha.
const Alpha = 0.3

// PatternTracker holds the running EWMA success score per pattern key
// (e.g. a workflow name, or a workflow+state pair — the caller decides
// the key's granularity).
type PatternTracker struct {
	mu     sync.Mutex
	scores map[string]float64
	seen   map[string]bool
}

// NewPatternTracker returns an empty tracker.
func NewPatternTracker() *PatternTracker {
	return &PatternTracker{
		scores: make(map[string]float64),
		seen:   make(map[string]bool),
	}
}

// Update folds observed (a 0..1 outcome, e.g. a consensus aggregate or
// 1.0/0.0 for System exit success) into key's running EWMA and returns
// the new average. The first observation for a key seeds the average
// directly rather than blending against an arbitrary prior.
func (t *PatternTracker) Update(key string, observed float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen[key] {
		t.scores[key] = observed
		t.seen[key] = true
		return observed
	}

	updated := Alpha*observed + (1-Alpha)*t.scores[key]
	t.scores[key] = updated
	return updated
}

// Score returns a key's current EWMA, or (0, false) if never observed.
func (t *PatternTracker) Score(key string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.seen[key]
	if !ok {
		return 0, false
	}
	_ = v
	return t.scores[key], true
}

// Sink ships each updated pattern score to PostHog as a
// "pattern_success_updated" event, keyed by pattern so a dashboard can
// chart a pattern's trend over time.
type Sink struct {
	client  posthog.Client
	tracker *PatternTracker
}

// NewSink wires a Sink to an already-configured PostHog client.
func NewSink(client posthog.Client, tracker *PatternTracker) *Sink {
	return &Sink{client: client, tracker: tracker}
}

// RecordOutcome updates patternKey's EWMA and ships the result.
// distinctID identifies the workflow (not a human user) for PostHog's
// person-based analytics model, matching how the teacher's own
// posthog-go usage scopes events to an install id rather than a user.
func (s *Sink) RecordOutcome(_ context.Context, distinctID, patternKey string, observed float64) error {
	updated := s.tracker.Update(patternKey, observed)

	return s.client.Enqueue(posthog.Capture{
		DistinctId: distinctID,
		Event:      "pattern_success_updated",
		Properties: map[string]any{
			"pattern_key": patternKey,
			"observed":    observed,
			"ewma_score":  updated,
			"alpha":       Alpha,
		},
	})
}

// Close flushes any buffered events and closes the underlying client.
func (s *Sink) Close() error {
	return s.client.Close()
}
