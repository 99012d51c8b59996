package parser

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/100monkeys/fractal/internal/workflow"
)

// ParseError wraps a lowering failure with the sentinel it maps to,
// matching spec §4.1's closed error set.
type ParseError struct {
	Err  error
	Path string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Err.Error())
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse deserializes a UTF-8 YAML workflow manifest and validates it per
// spec §4.1's ordered validation pipeline: syntactic deserialization ->
// apiVersion pin check -> mandatory metadata -> initial_state existence
// -> per-transition target existence -> terminal-state reachability.
// Failure at any step returns before a workflow.Workflow is instantiated.
func Parse(raw []byte) (*workflow.Workflow, error) {
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("%w: %v", workflow.ErrMissingField, err)}
	}

	if m.APIVersion != workflow.APIVersion {
		return nil, &ParseError{Err: workflow.ErrUnsupportedAPIVersion, Path: "apiVersion"}
	}
	if m.Kind != "Workflow" {
		return nil, &ParseError{Err: workflow.ErrInvalidKind, Path: "kind"}
	}
	if m.Metadata.Name == "" {
		return nil, &ParseError{Err: workflow.ErrMissingField, Path: "metadata.name"}
	}
	if m.Metadata.Version == "" {
		return nil, &ParseError{Err: workflow.ErrMissingField, Path: "metadata.version"}
	}
	if m.Spec.InitialState == "" {
		return nil, &ParseError{Err: workflow.ErrNoInitialState, Path: "spec.initial_state"}
	}
	if len(m.Spec.States) == 0 {
		return nil, &ParseError{Err: workflow.ErrMissingField, Path: "spec.states"}
	}

	if _, ok := m.Spec.States[m.Spec.InitialState]; !ok {
		return nil, &ParseError{Err: workflow.ErrNoInitialState, Path: "spec.initial_state"}
	}

	states := make(map[string]workflow.State, len(m.Spec.States))
	for name, ms := range m.Spec.States {
		state, err := lowerState(ms)
		if err != nil {
			return nil, &ParseError{Err: err, Path: "spec.states." + name}
		}
		states[name] = state

		for _, t := range state.Transitions {
			if t.Target == "" {
				continue
			}
			if _, ok := m.Spec.States[t.Target]; !ok {
				return nil, &ParseError{
					Err:  fmt.Errorf("%w: %s", workflow.ErrUnknownStateReference, t.Target),
					Path: "spec.states." + name + ".transitions",
				}
			}
		}
	}

	if !reachesTerminalState(m.Spec.InitialState, states) {
		return nil, &ParseError{Err: workflow.ErrCycleWithoutExit, Path: "spec.states"}
	}

	var storage *workflow.StorageSpec
	if m.Spec.Storage != nil {
		storage = &workflow.StorageSpec{
			Name: m.Spec.Storage.Name,
			StorageClass: workflow.StorageClass{
				Type: m.Spec.Storage.StorageClass.Type,
				TTL:  parseDuration(m.Spec.Storage.StorageClass.TTL),
			},
			SizeLimit: m.Spec.Storage.SizeLimit,
		}
	}

	wf := &workflow.Workflow{
		APIVersion: m.APIVersion,
		Kind:       m.Kind,
		Metadata: workflow.Metadata{
			Name:            m.Metadata.Name,
			Version:         m.Metadata.Version,
			Labels:          m.Metadata.Labels,
			StrictTemplates: m.Metadata.StrictTemplates,
		},
		Spec: workflow.WorkflowSpec{
			InitialState: m.Spec.InitialState,
			States:       states,
			Context:      m.Spec.Context,
			Storage:      storage,
		},
	}

	return wf, nil
}

// reachesTerminalState performs the BFS spec §4.1 requires: at least one
// state with zero outgoing transitions must be reachable from initial.
func reachesTerminalState(initial string, states map[string]workflow.State) bool {
	visited := map[string]bool{initial: true}
	queue := []string{initial}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		state, ok := states[cur]
		if !ok {
			continue
		}
		if len(state.Transitions) == 0 {
			return true
		}
		for _, t := range state.Transitions {
			if t.Target == "" || visited[t.Target] {
				continue
			}
			visited[t.Target] = true
			queue = append(queue, t.Target)
		}
	}
	return false
}

func lowerState(ms manifestState) (workflow.State, error) {
	kind, err := lowerStateKind(ms)
	if err != nil {
		return workflow.State{}, err
	}

	transitions := make([]workflow.TransitionRule, 0, len(ms.Transitions))
	for _, mt := range ms.Transitions {
		cond, err := lowerCondition(mt.Condition)
		if err != nil {
			return workflow.State{}, err
		}
		transitions = append(transitions, workflow.TransitionRule{
			Condition: cond,
			Target:    mt.Target,
			Feedback:  mt.Feedback,
		})
	}

	return workflow.State{
		Kind:        kind,
		Transitions: transitions,
		Timeout:     parseDuration(ms.Timeout),
	}, nil
}

func lowerStateKind(ms manifestState) (workflow.StateKind, error) {
	switch ms.Kind {
	case string(workflow.StateKindAgent):
		return workflow.StateKind{
			Tag: workflow.StateKindAgent,
			Agent: &workflow.AgentState{
				AgentRef:      ms.AgentRef,
				InputTemplate: ms.InputTemplate,
				Isolation:     lowerIsolation(ms.Isolation),
				InputSchema:   ms.InputSchema,
				OutputSchema:  ms.OutputSchema,
			},
		}, nil
	case string(workflow.StateKindSystem):
		return workflow.StateKind{
			Tag: workflow.StateKindSystem,
			System: &workflow.SystemState{
				Command: ms.Command,
				Env:     ms.Env,
			},
		}, nil
	case string(workflow.StateKindHuman):
		return workflow.StateKind{
			Tag: workflow.StateKindHuman,
			Human: &workflow.HumanState{
				Prompt:          ms.Prompt,
				Timeout:         parseDuration(ms.Timeout),
				DefaultResponse: ms.DefaultResponse,
			},
		}, nil
	case string(workflow.StateKindParallelAgents):
		agents := make([]workflow.ParallelAgentSpec, 0, len(ms.Agents))
		for _, a := range ms.Agents {
			agents = append(agents, workflow.ParallelAgentSpec{
				AgentRef:      a.AgentRef,
				InputTemplate: a.InputTemplate,
				Weight:        a.Weight,
				Isolation:     lowerIsolation(a.Isolation),
			})
		}
		return workflow.StateKind{
			Tag: workflow.StateKindParallelAgents,
			ParallelAgents: &workflow.ParallelAgentsState{
				Agents: agents,
				Consensus: workflow.ConsensusConfig{
					Strategy:  workflow.ConsensusStrategy(ms.Consensus.Strategy),
					Threshold: ms.Consensus.Threshold,
					N:         ms.Consensus.N,
				},
			},
		}, nil
	default:
		return workflow.StateKind{}, fmt.Errorf("%w: %s", workflow.ErrInvalidKind, ms.Kind)
	}
}

func lowerIsolation(s string) workflow.IsolationMode {
	if s == "" {
		return workflow.IsolationInherit
	}
	return workflow.IsolationMode(s)
}

func lowerCondition(mc manifestCondition) (workflow.TransitionCondition, error) {
	kind := workflow.ConditionKind(mc.Kind)
	switch kind {
	case workflow.CondAlways, workflow.CondOnSuccess, workflow.CondOnFailure,
		workflow.CondIterationBelowMax:
		return workflow.TransitionCondition{Kind: kind}, nil
	case workflow.CondOnExitCode:
		return workflow.TransitionCondition{Kind: kind, ExitCode: mc.ExitCode}, nil
	case workflow.CondOnScoreAbove, workflow.CondOnScoreBelow:
		return workflow.TransitionCondition{Kind: kind, ScoreThreshold: mc.Score}, nil
	case workflow.CondOnScoreBetween:
		return workflow.TransitionCondition{Kind: kind, ScoreLow: mc.ScoreLow, ScoreHigh: mc.ScoreHigh}, nil
	case workflow.CondOnConfidenceAbove:
		return workflow.TransitionCondition{Kind: kind, ConfidenceAbove: mc.Confidence}, nil
	case workflow.CondOnConsensus:
		return workflow.TransitionCondition{Kind: kind, ConsensusThresh: mc.Threshold, ConsensusAgree: mc.Agreement}, nil
	case workflow.CondOnEquals:
		return workflow.TransitionCondition{Kind: kind, EqualsKey: mc.Key, EqualsValue: mc.Value}, nil
	case workflow.CondOnExists:
		return workflow.TransitionCondition{Kind: kind, ExistsKey: mc.Key}, nil
	case workflow.CondOnInputEquals:
		return workflow.TransitionCondition{Kind: kind, InputEquals: mc.Input}, nil
	case workflow.CondCustom:
		return workflow.TransitionCondition{Kind: kind, CustomExpr: mc.Expression}, nil
	default:
		return workflow.TransitionCondition{}, fmt.Errorf("%w: unknown condition kind %q", workflow.ErrMissingField, mc.Kind)
	}
}
