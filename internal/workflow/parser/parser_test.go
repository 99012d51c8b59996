package parser_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/parser"
)

const minimalValidManifest = `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata:
  name: demo
  version: "1.0.0"
spec:
  initial_state: draft
  states:
    draft:
      kind: agent
      agent_ref: writer
      input_template: "{{task}}"
      transitions:
        - condition: { kind: always }
          target: done
    done:
      kind: system
      command: "echo done"
`

func TestParse_ValidMinimalWorkflow(t *testing.T) {
	wf, err := parser.Parse([]byte(minimalValidManifest))
	require.NoError(t, err)
	require.NotNil(t, wf)

	assert.Equal(t, workflow.APIVersion, wf.APIVersion)
	assert.Equal(t, "demo", wf.Metadata.Name)
	assert.Equal(t, "draft", wf.Spec.InitialState)
	require.Contains(t, wf.Spec.States, "draft")
	require.Contains(t, wf.Spec.States, "done")

	draft := wf.Spec.States["draft"]
	assert.Equal(t, workflow.StateKindAgent, draft.Kind.Tag)
	require.NotNil(t, draft.Kind.Agent)
	assert.Equal(t, "writer", draft.Kind.Agent.AgentRef)
	assert.Equal(t, workflow.IsolationInherit, draft.Kind.Agent.Isolation)

	require.Len(t, draft.Transitions, 1)
	assert.Equal(t, workflow.CondAlways, draft.Transitions[0].Condition.Kind)
	assert.Equal(t, "done", draft.Transitions[0].Target)
}

func TestParse_RejectsWrongAPIVersion(t *testing.T) {
	bad := `
apiVersion: v2
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: a
  states:
    a: { kind: system, command: "echo" }
`
	_, err := parser.Parse([]byte(bad))
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrUnsupportedAPIVersion)
}

func TestParse_RejectsMissingInitialState(t *testing.T) {
	bad := `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: missing
  states:
    a: { kind: system, command: "echo" }
`
	_, err := parser.Parse([]byte(bad))
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrNoInitialState)
}

func TestParse_RejectsUnknownTransitionTarget(t *testing.T) {
	bad := `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: a
  states:
    a:
      kind: system
      command: "echo"
      transitions:
        - condition: { kind: always }
          target: nope
`
	_, err := parser.Parse([]byte(bad))
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrUnknownStateReference)
}

func TestParse_RejectsCycleWithoutExit(t *testing.T) {
	bad := `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: a
  states:
    a:
      kind: system
      command: "echo"
      transitions:
        - condition: { kind: always }
          target: b
    b:
      kind: system
      command: "echo"
      transitions:
        - condition: { kind: always }
          target: a
`
	_, err := parser.Parse([]byte(bad))
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrCycleWithoutExit)
}

func TestParse_RejectsUnknownConditionKind(t *testing.T) {
	bad := `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: a
  states:
    a:
      kind: system
      command: "echo"
      transitions:
        - condition: { kind: on_vibes }
          target: a
`
	_, err := parser.Parse([]byte(bad))
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrMissingField))
}

func TestValidate_FlagsUnreachableState(t *testing.T) {
	m := `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: a
  states:
    a:
      kind: system
      command: "echo"
    orphan:
      kind: system
      command: "echo"
`
	wf, err := parser.Parse([]byte(m))
	require.NoError(t, err)

	result := parser.Validate(wf)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "unreachable_state", result.Warnings[0].Code)
	assert.Contains(t, result.Warnings[0].Path, "orphan")
}

func TestValidate_FlagsUnsatisfiableBestOfN(t *testing.T) {
	m := `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: judge
  states:
    judge:
      kind: parallel_agents
      agents:
        - { agent_ref: j1, weight: 1 }
      consensus: { strategy: best_of_n, n: 3 }
`
	wf, err := parser.Parse([]byte(m))
	require.NoError(t, err)

	result := parser.Validate(wf)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "unsatisfiable_best_of_n", result.Warnings[0].Code)
}

func TestValidate_FlagsIncompatibleChainedSchemas(t *testing.T) {
	m := `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: writer
  states:
    writer:
      kind: agent
      agent_ref: writer
      output_schema: '{"type":"object","properties":{"draft":{"type":"string"}}}'
      transitions:
        - condition: { kind: always }
          target: reviewer
    reviewer:
      kind: agent
      agent_ref: reviewer
      input_schema: '{"type":"object","required":["draft","rubric"]}'
`
	wf, err := parser.Parse([]byte(m))
	require.NoError(t, err)

	result := parser.Validate(wf)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "schema_incompatible", result.Warnings[0].Code)
	assert.Contains(t, result.Warnings[0].Message, "rubric")
}

func TestParseWithWarnings_ReturnsBothWorkflowAndWarnings(t *testing.T) {
	m := `
apiVersion: 100monkeys.ai/v1
kind: Workflow
metadata: { name: demo, version: "1.0.0" }
spec:
  initial_state: a
  states:
    a:
      kind: system
      command: "echo"
    orphan:
      kind: system
      command: "echo"
`
	wf, result, err := parser.ParseWithWarnings([]byte(m))
	require.NoError(t, err)
	require.NotNil(t, wf)
	assert.Len(t, result.Warnings, 1)
}
