// Package consensus implements the multi-judge consensus aggregation
// a ParallelAgentsState uses (C6): fan out to every declared judge/
// worker agent concurrently, join once all have returned or the state
// timeout fires, then reduce their scores per the declared
// ConsensusStrategy.
//
// Grounded on station/internal/workflows/runtime/parallel_executor.go's
// ParallelExecutor: goroutines feeding a buffered result channel,
// joined with sync.WaitGroup, then reduced in a second pass — the same
// structured-concurrency shape, with judge-score aggregation
// substituted for branch-output merging.
package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/engine"
)

// AgentRunner invokes a single judge/worker agent and extracts its
// gradient validation score. It is the same capability the engine
// package's AgentExecutor models, kept as a separate interface here so
// Evaluator does not need to depend on engine.AgentExecutor's full
// signature (which expects a *workflow.AgentState, not a
// ParallelAgentSpec).
type AgentRunner interface {
	RunJudge(ctx context.Context, exec *workflow.WorkflowExecution, spec workflow.ParallelAgentSpec, hydratedInput string) (output map[string]any, score float64, err error)
}

// Evaluator is engine.ConsensusEvaluator's concrete implementation.
type Evaluator struct {
	runner AgentRunner
}

// NewEvaluator builds a consensus Evaluator over the given AgentRunner.
func NewEvaluator(runner AgentRunner) *Evaluator {
	return &Evaluator{runner: runner}
}

type branchResult struct {
	index  int
	weight float64
	score  float64
	output map[string]any
	err    error
}

// EvaluateParallel fans pa.Agents out concurrently and reduces their
// scores per pa.Consensus.Strategy. The returned JudgeScores slice is
// always in pa.Agents' declared order, not arrival order, so a
// Custom condition that indexes judge_scores picks the same judge on
// every run; on_score_above compares only the aggregate score.
func (e *Evaluator) EvaluateParallel(ctx context.Context, exec *workflow.WorkflowExecution, pa *workflow.ParallelAgentsState, hydrate func(string) (string, error)) (engine.ParallelResult, error) {
	if len(pa.Agents) == 0 {
		return engine.ParallelResult{}, fmt.Errorf("%w: parallel_agents state has no agents", workflow.ErrMissingField)
	}

	results := make([]branchResult, len(pa.Agents))
	var wg sync.WaitGroup
	wg.Add(len(pa.Agents))

	for i, spec := range pa.Agents {
		i, spec := i, spec
		go func() {
			defer wg.Done()

			input, err := hydrate(spec.InputTemplate)
			if err != nil {
				results[i] = branchResult{index: i, weight: spec.Weight, err: err}
				return
			}

			output, score, err := e.runner.RunJudge(ctx, exec, spec, input)
			results[i] = branchResult{index: i, weight: spec.Weight, score: score, output: output, err: err}
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return engine.ParallelResult{}, fmt.Errorf("%w: judge %d: %v", workflow.ErrRuntimeError, r.index, r.err)
		}
	}

	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.score
	}

	mergedOutput := mergeOutputs(results)

	switch pa.Consensus.Strategy {
	case workflow.ConsensusWeightedAverage:
		return weightedAverage(scores, results, pa.Consensus, mergedOutput), nil
	case workflow.ConsensusMajority:
		return majority(scores, pa.Consensus, mergedOutput), nil
	case workflow.ConsensusUnanimous:
		return unanimous(scores, pa.Consensus, mergedOutput), nil
	case workflow.ConsensusBestOfN:
		return bestOfN(scores, pa.Consensus, mergedOutput)
	default:
		return engine.ParallelResult{}, fmt.Errorf("%w: unknown consensus strategy %q", workflow.ErrMissingField, pa.Consensus.Strategy)
	}
}

// mergeOutputs shallow-merges every judge's output map, later indices
// (i.e. declaration order) winning on key collision — deterministic
// and simple, matching Station's parallel_executor merge-join mode for
// "all" joins.
func mergeOutputs(results []branchResult) map[string]any {
	out := make(map[string]any)
	for _, r := range results {
		for k, v := range r.output {
			out[k] = v
		}
	}
	return out
}

func weightedAverage(scores []float64, results []branchResult, cfg workflow.ConsensusConfig, output map[string]any) engine.ParallelResult {
	var weightedSum, weightSum float64
	for i, r := range results {
		w := r.weight
		if w == 0 {
			w = 1
		}
		weightedSum += scores[i] * w
		weightSum += w
	}

	aggregate := 0.0
	if weightSum > 0 {
		aggregate = weightedSum / weightSum
	}

	return engine.ParallelResult{
		JudgeScores:   scores,
		Aggregate:     aggregate,
		Confidence:    confidenceFromSpread(scores),
		ConsensusMet:  aggregate >= cfg.Threshold,
		AgreeFraction: confidenceFromSpread(scores),
		Output:        output,
	}
}

func majority(scores []float64, cfg workflow.ConsensusConfig, output map[string]any) engine.ParallelResult {
	met := voteFraction(scores, cfg.Threshold) > 0.5
	return engine.ParallelResult{
		JudgeScores:   scores,
		Aggregate:     mean(scores),
		Confidence:    confidenceFromSpread(scores),
		ConsensusMet:  met,
		AgreeFraction: confidenceFromSpread(scores),
		Output:        output,
	}
}

func unanimous(scores []float64, cfg workflow.ConsensusConfig, output map[string]any) engine.ParallelResult {
	met := voteFraction(scores, cfg.Threshold) == 1
	return engine.ParallelResult{
		JudgeScores:   scores,
		Aggregate:     mean(scores),
		Confidence:    confidenceFromSpread(scores),
		ConsensusMet:  met,
		AgreeFraction: confidenceFromSpread(scores),
		Output:        output,
	}
}

func bestOfN(scores []float64, cfg workflow.ConsensusConfig, output map[string]any) (engine.ParallelResult, error) {
	if cfg.N <= 0 || cfg.N > len(scores) {
		return engine.ParallelResult{}, fmt.Errorf("%w: best_of_n requires 0 < n <= len(agents), got n=%d for %d agents", workflow.ErrMissingField, cfg.N, len(scores))
	}

	sorted := append([]float64{}, scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	top := sorted[:cfg.N]

	return engine.ParallelResult{
		JudgeScores:   scores,
		Aggregate:     mean(top),
		Confidence:    confidenceFromSpread(top),
		ConsensusMet:  true,
		AgreeFraction: confidenceFromSpread(top),
		Output:        output,
	}, nil
}

// voteFraction is the proportion of judges whose score met threshold,
// used only to decide whether Majority/Unanimous's own pass/fail gate
// is satisfied (spec.md §4.4) — distinct from the "agreement" value
// reported on ParallelResult.AgreeFraction, which is always the
// stdev-based formula (see confidenceFromSpread).
func voteFraction(scores []float64, threshold float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	agree := 0
	for _, s := range scores {
		if s >= threshold {
			agree++
		}
	}
	return float64(agree) / float64(len(scores))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// confidenceFromSpread maps a set of judge scores to a 0..1 confidence
// value: confidence = 1 - min(1, stdev). Tight agreement between
// judges yields high confidence; wide disagreement drags it toward 0.
func confidenceFromSpread(values []float64) float64 {
	if len(values) <= 1 {
		return 1
	}
	sd := stdev(values)
	if sd > 1 {
		sd = 1
	}
	return 1 - sd
}

func stdev(values []float64) float64 {
	m := mean(values)
	var sq float64
	for _, v := range values {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}
