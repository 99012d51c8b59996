package execution

import (
	"math"

	"github.com/100monkeys/fractal/internal/workflow"
)

// IterationLimiter adaptively bounds how many Iterations a single
// state invocation may accumulate (retries plus the original attempt),
// independent of workflow.MaxRecursiveDepth (which bounds agent-
// invokes-agent recursion, a different axis entirely).
//
// Grounded on pkg/turns/limiter.go's Limiter: same warning/critical
// threshold shape and adaptive-limit scaling, with genkit/ai.Message
// turn analysis replaced by workflow.Iteration analysis (AnalyzeTurnUsage
// generalized into AnalyzeIterations, detectStalling kept verbatim in
// spirit: consecutive failing iterations with no change in output
// shape count as stalling).
type IterationLimiter struct {
	MaxIterations     int
	WarningThreshold  float64
	CriticalThreshold float64
}

// NewIterationLimiter returns a limiter with the teacher's own
// defaults (MaxTurns=25, 0.8/0.9 thresholds), which this module reuses
// verbatim since nothing in the spec implies a different baseline.
func NewIterationLimiter() *IterationLimiter {
	return &IterationLimiter{
		MaxIterations:     25,
		WarningThreshold:  0.8,
		CriticalThreshold: 0.9,
	}
}

// CanContinue reports whether another iteration is permitted.
func (l *IterationLimiter) CanContinue(iterations []workflow.Iteration) bool {
	return len(iterations) < l.AdaptiveLimit(iterations)
}

// ShouldForceCompletion reports whether the caller should stop issuing
// new iterations and accept the current state, even if CanContinue
// would still allow one more — triggered past CriticalThreshold.
func (l *IterationLimiter) ShouldForceCompletion(iterations []workflow.Iteration) bool {
	limit := l.AdaptiveLimit(iterations)
	return float64(len(iterations))/float64(limit) >= l.CriticalThreshold
}

// AdaptiveLimit scales MaxIterations down when recent iterations show
// stalling (repeated failures with no progress), and up when the
// iteration history shows steady improvement — bounded to [5,50],
// matching pkg/turns/limiter.go's GetAdaptiveLimit bounds.
func (l *IterationLimiter) AdaptiveLimit(iterations []workflow.Iteration) int {
	limit := float64(l.MaxIterations)

	if detectStalling(iterations) {
		limit *= 0.6
	} else if improving(iterations) {
		limit *= 1.2
	}

	limit = math.Max(5, math.Min(50, limit))
	return int(limit)
}

// detectStalling reports whether the last 3+ iterations failed without
// any change in validation score, the same signal
// pkg/turns/limiter.go's detectStalling uses tool-call repetition for.
func detectStalling(iterations []workflow.Iteration) bool {
	if len(iterations) < 3 {
		return false
	}
	tail := iterations[len(iterations)-3:]

	allFailed := true
	for _, it := range tail {
		if it.Error == "" {
			allFailed = false
			break
		}
	}
	if !allFailed {
		return false
	}

	var first *float64
	identical := true
	for _, it := range tail {
		if it.ValidationScore == nil {
			continue
		}
		if first == nil {
			first = it.ValidationScore
			continue
		}
		if *it.ValidationScore != *first {
			identical = false
		}
	}
	return identical
}

// improving reports whether validation scores rose across the last two
// iterations, the analogue of pkg/turns/limiter.go's efficiency
// scoring used to grant more headroom to productive runs.
func improving(iterations []workflow.Iteration) bool {
	if len(iterations) < 2 {
		return false
	}
	prev := iterations[len(iterations)-2]
	last := iterations[len(iterations)-1]
	if prev.ValidationScore == nil || last.ValidationScore == nil {
		return false
	}
	return *last.ValidationScore > *prev.ValidationScore
}

// AnalyzeIterations summarizes an iteration history the way
// pkg/turns/limiter.go's AnalyzeTurnUsage summarizes turn usage:
// failure ratio and whether the run is stalling, for callers that want
// a cheap health signal without walking the RunLog themselves.
type IterationAnalysis struct {
	Count        int
	FailureRatio float64
	Stalling     bool
}

func AnalyzeIterations(iterations []workflow.Iteration) IterationAnalysis {
	if len(iterations) == 0 {
		return IterationAnalysis{}
	}
	failures := 0
	for _, it := range iterations {
		if it.Error != "" {
			failures++
		}
	}
	return IterationAnalysis{
		Count:        len(iterations),
		FailureRatio: float64(failures) / float64(len(iterations)),
		Stalling:     detectStalling(iterations),
	}
}
