package parser

import (
	"fmt"
	"sort"

	"github.com/100monkeys/fractal/internal/workflow"
)

// ValidationIssue is one non-fatal finding surfaced alongside a
// successfully parsed Workflow. Unlike the hard errors Parse returns,
// issues never prevent a Workflow from being constructed.
//
// Shape kept close to station/internal/workflows/validator.go's
// ValidationIssue (Code/Path/Message/Expected/Actual/Hint) so it reads
// the same way in logs and in test assertions.
type ValidationIssue struct {
	Code     string
	Path     string
	Message  string
	Expected string
	Actual   string
	Hint     string
}

// ValidationResult collects the warnings Validate produced.
// ParseWithWarnings returns them alongside a usable *workflow.Workflow;
// callers decide whether to treat warnings as fatal.
type ValidationResult struct {
	Warnings []ValidationIssue
}

func (r *ValidationResult) addf(code, path, hint, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Code:    code,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
		Hint:    hint,
	})
}

// Validate runs the non-fatal second pass over an already-parsed
// Workflow: unreachable states, schema compatibility between chained
// Agent states, and consensus configs that can never be satisfied.
// ParseWithWarnings calls this after a successful parse and returns its
// result to the caller; Parse does not call it, so callers of Parse
// see no warnings.
func Validate(wf *workflow.Workflow) ValidationResult {
	var result ValidationResult

	checkUnreachableStates(wf, &result)
	checkSchemaCompat(wf, &result)
	checkConsensusSatisfiable(wf, &result)

	return result
}

// ParseWithWarnings is Parse plus the non-fatal Validate pass, for
// callers (the CLI wrapper's load path, in Station's precedent) that
// want to surface warnings without failing the load.
func ParseWithWarnings(raw []byte) (*workflow.Workflow, ValidationResult, error) {
	wf, err := Parse(raw)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	return wf, Validate(wf), nil
}

// checkUnreachableStates flags any declared state that Parse's BFS
// never visited from initial_state — legal (Parse only requires that a
// terminal state be reachable, not that every state is), but almost
// always a manifest typo.
func checkUnreachableStates(wf *workflow.Workflow, result *ValidationResult) {
	visited := map[string]bool{wf.Spec.InitialState: true}
	queue := []string{wf.Spec.InitialState}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		state, ok := wf.Spec.States[cur]
		if !ok {
			continue
		}
		for _, t := range state.Transitions {
			if t.Target == "" || visited[t.Target] {
				continue
			}
			visited[t.Target] = true
			queue = append(queue, t.Target)
		}
	}

	names := make([]string, 0, len(wf.Spec.States))
	for name := range wf.Spec.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !visited[name] {
			result.addf("unreachable_state", "spec.states."+name,
				"remove the state or add a transition into it",
				"state %q is never reached from spec.initial_state", name)
		}
	}
}

// checkConsensusSatisfiable flags ParallelAgents states whose consensus
// config cannot mathematically pass: BestOfN with N greater than the
// number of declared agents, or Unanimous/Majority with a zero-length
// agent list.
func checkConsensusSatisfiable(wf *workflow.Workflow, result *ValidationResult) {
	names := make([]string, 0, len(wf.Spec.States))
	for name := range wf.Spec.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		state := wf.Spec.States[name]
		if state.Kind.Tag != workflow.StateKindParallelAgents {
			continue
		}
		pa := state.Kind.ParallelAgents
		path := "spec.states." + name + ".consensus"

		if len(pa.Agents) == 0 {
			result.addf("empty_parallel_agents", path, "declare at least one agent",
				"state %q has a parallel_agents kind with zero agents", name)
			continue
		}
		if pa.Consensus.Strategy == workflow.ConsensusBestOfN && pa.Consensus.N > len(pa.Agents) {
			result.addf("unsatisfiable_best_of_n", path,
				"lower n or add more agents",
				"best_of_n requires n=%d but only %d agents are declared", pa.Consensus.N, len(pa.Agents))
		}
	}
}
