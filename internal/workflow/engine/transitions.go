// Package engine implements WorkflowEngine (C4): the tick loop that
// dispatches one state, writes its result to the blackboard, evaluates
// the state's ordered TransitionRule list, and schedules the next
// state — or suspends/completes/fails the execution.
//
// Grounded on station/internal/workflows/runtime/consumer.go's
// WorkflowConsumer.executeStep (resolve input -> dispatch -> store
// output -> evaluate transition -> schedule next), generalized from
// Station's single NextStep string to spec.md §3's ordered
// TransitionRule list over the closed 14-kind TransitionCondition set.
package engine

import (
	"fmt"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/blackboard"
)

// tickResult is everything condition evaluation needs to know about
// the state that just ran, assembled by the tick loop before
// transitions are evaluated.
type tickResult struct {
	// ok is the state's own outcome: exit_code == 0 for System, no
	// RuntimeError/ProtocolError for Agent, and — per the spec's own
	// resolution of its OnSuccess open question — score >= 0.95 for
	// Agent states that declared a validation schema.
	ok bool

	exitCode int32

	score          *float64
	confidence     *float64
	consensusAgree float64 // 1 - min(1, stdev of judge scores), for on_consensus
	consensusMet   bool

	iteration int
	maxIter   int
}

// evaluateTransitions walks rules in declared order and returns the
// first rule whose condition is satisfied, per spec.md §3's
// first-match-wins semantics. bb is used only for on_equals/on_exists/
// on_input_equals lookups and for Custom's expression globals.
func evaluateTransitions(rules []workflow.TransitionRule, res tickResult, bb *blackboard.Blackboard, evaluator *blackboard.Evaluator) (*workflow.TransitionRule, error) {
	for i := range rules {
		rule := &rules[i]
		matched, err := evaluateCondition(rule.Condition, res, bb, evaluator)
		if err != nil {
			return nil, fmt.Errorf("transition[%d]: %w", i, err)
		}
		if matched {
			return rule, nil
		}
	}
	return nil, workflow.ErrNoMatchingTransition
}

func evaluateCondition(c workflow.TransitionCondition, res tickResult, bb *blackboard.Blackboard, evaluator *blackboard.Evaluator) (bool, error) {
	switch c.Kind {
	case workflow.CondAlways:
		return true, nil
	case workflow.CondOnSuccess:
		return res.ok, nil
	case workflow.CondOnFailure:
		return !res.ok, nil
	case workflow.CondOnExitCode:
		return res.exitCode == c.ExitCode, nil
	case workflow.CondOnScoreAbove:
		return res.score != nil && *res.score > c.ScoreThreshold, nil
	case workflow.CondOnScoreBelow:
		return res.score != nil && *res.score < c.ScoreThreshold, nil
	case workflow.CondOnScoreBetween:
		return res.score != nil && *res.score >= c.ScoreLow && *res.score <= c.ScoreHigh, nil
	case workflow.CondOnConfidenceAbove:
		return res.confidence != nil && *res.confidence > c.ConfidenceAbove, nil
	case workflow.CondOnConsensus:
		return res.score != nil && *res.score >= c.ConsensusThresh && res.consensusAgree >= c.ConsensusAgree, nil
	case workflow.CondOnEquals:
		val, ok := bb.Get(c.EqualsKey)
		return ok && deepEqual(val, c.EqualsValue), nil
	case workflow.CondOnExists:
		return bb.Has(c.ExistsKey), nil
	case workflow.CondOnInputEquals:
		val, ok := bb.Get("input")
		return ok && fmt.Sprintf("%v", val) == c.InputEquals, nil
	case workflow.CondIterationBelowMax:
		return res.iteration < res.maxIter, nil
	case workflow.CondCustom:
		globals := bb.Snapshot()
		return evaluator.EvaluateCondition(c.CustomExpr, globals)
	default:
		return false, fmt.Errorf("%w: unhandled condition kind %q", workflow.ErrMissingField, c.Kind)
	}
}

// deepEqual compares blackboard values for on_equals. Numeric
// comparisons are normalized to float64 so a YAML-decoded int compares
// equal to a JSON-decoded float64 with the same value.
func deepEqual(a, b any) bool {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
