package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/engine"
)

type fakeAgents struct {
	outputs map[string]map[string]any
	errs    map[string]error
}

func (f *fakeAgents) ExecuteAgent(_ context.Context, exec *workflow.WorkflowExecution, agent *workflow.AgentState, _ string, _ time.Duration) (map[string]any, error) {
	if err, ok := f.errs[agent.AgentRef]; ok {
		return nil, err
	}
	return f.outputs[agent.AgentRef], nil
}

type fakeSystem struct {
	exitCodes map[string]int32
}

func (f *fakeSystem) ExecuteSystem(_ context.Context, exec *workflow.WorkflowExecution, sys *workflow.SystemState) (map[string]any, int32, error) {
	return map[string]any{"command": sys.Command}, f.exitCodes[sys.Command], nil
}

type fakeConsensus struct {
	result engine.ParallelResult
	err    error
}

func (f *fakeConsensus) EvaluateParallel(context.Context, *workflow.WorkflowExecution, *workflow.ParallelAgentsState, func(string) (string, error)) (engine.ParallelResult, error) {
	return f.result, f.err
}

type fakeHumanGate struct {
	prompted bool
}

func (f *fakeHumanGate) Prompt(context.Context, string, string, time.Duration, *string) error {
	f.prompted = true
	return nil
}
func (f *fakeHumanGate) Cancel(context.Context, string) {}

type fakeVolumes struct {
	created  []workflow.StorageSpec
	attached []string
	detached []string
}

func (f *fakeVolumes) Create(spec workflow.StorageSpec, owner workflow.VolumeOwnership) (*workflow.Volume, error) {
	f.created = append(f.created, spec)
	return &workflow.Volume{ID: "vol_1", Name: spec.Name, RemotePath: "/var/lib/fractal/volumes/vol_1"}, nil
}

func (f *fakeVolumes) Attach(volumeID, ownerExecutionID string) error {
	f.attached = append(f.attached, volumeID)
	return nil
}

func (f *fakeVolumes) Detach(volumeID string) error {
	f.detached = append(f.detached, volumeID)
	return nil
}

func twoStateWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		APIVersion: workflow.APIVersion,
		Kind:       "Workflow",
		Metadata:   workflow.Metadata{Name: "demo", Version: "1.0.0"},
		Spec: workflow.WorkflowSpec{
			InitialState: "run",
			States: map[string]workflow.State{
				"run": {
					Kind: workflow.StateKind{
						Tag:    workflow.StateKindSystem,
						System: &workflow.SystemState{Command: "build"},
					},
					Transitions: []workflow.TransitionRule{
						{Condition: workflow.TransitionCondition{Kind: workflow.CondOnSuccess}, Target: "done"},
						{Condition: workflow.TransitionCondition{Kind: workflow.CondAlways}, Target: "failed_step"},
					},
				},
				"done": {
					Kind: workflow.StateKind{
						Tag:    workflow.StateKindSystem,
						System: &workflow.SystemState{Command: "publish"},
					},
				},
				"failed_step": {
					Kind: workflow.StateKind{
						Tag:    workflow.StateKindSystem,
						System: &workflow.SystemState{Command: "notify"},
					},
				},
			},
		},
	}
}

func newTestEngine(exitCode int32) (*engine.Engine, *fakeSystem) {
	sys := &fakeSystem{exitCodes: map[string]int32{"build": exitCode}}
	e := engine.NewEngine(&fakeAgents{}, sys, &fakeConsensus{}, &fakeHumanGate{}, nil, nil)
	return e, sys
}

func TestEngine_SuccessfulSystemTransition(t *testing.T) {
	e, _ := newTestEngine(0)
	e.RegisterWorkflow(twoStateWorkflow())

	ctx := context.Background()
	exec, err := e.StartWorkflow(ctx, "demo", map[string]any{"task": "ship it"})
	require.NoError(t, err)
	assert.Equal(t, "run", exec.CurrentState)
	assert.Equal(t, workflow.StatusRunning, exec.Status)

	require.NoError(t, e.Tick(ctx, exec.ID))

	got, err := e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.CurrentState)
	assert.Equal(t, workflow.StatusRunning, got.Status)

	require.NoError(t, e.Tick(ctx, exec.ID))
	got, err = e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestEngine_FailingSystemTakesOnFailureBranch(t *testing.T) {
	e, _ := newTestEngine(1)
	e.RegisterWorkflow(twoStateWorkflow())

	ctx := context.Background()
	exec, err := e.StartWorkflow(ctx, "demo", nil)
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx, exec.ID))
	got, err := e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed_step", got.CurrentState)
}

func TestEngine_HumanStateSuspendsAndResumes(t *testing.T) {
	gate := &fakeHumanGate{}
	e := engine.NewEngine(&fakeAgents{}, &fakeSystem{}, &fakeConsensus{}, gate, nil, nil)
	e.RegisterWorkflow(&workflow.Workflow{
		APIVersion: workflow.APIVersion,
		Kind:       "Workflow",
		Metadata:   workflow.Metadata{Name: "approval", Version: "1.0.0"},
		Spec: workflow.WorkflowSpec{
			InitialState: "ask",
			States: map[string]workflow.State{
				"ask": {
					Kind: workflow.StateKind{
						Tag:   workflow.StateKindHuman,
						Human: &workflow.HumanState{Prompt: "approve?", Timeout: time.Minute},
					},
					Transitions: []workflow.TransitionRule{
						{Condition: workflow.TransitionCondition{Kind: workflow.CondAlways}, Target: "done"},
					},
				},
				"done": {
					Kind: workflow.StateKind{
						Tag:    workflow.StateKindSystem,
						System: &workflow.SystemState{Command: "publish"},
					},
				},
			},
		},
	})

	ctx := context.Background()
	exec, err := e.StartWorkflow(ctx, "approval", nil)
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx, exec.ID))
	assert.True(t, gate.prompted)

	got, err := e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSuspendedHuman, got.Status)

	require.NoError(t, e.SignalHumanInput(ctx, exec.ID, "yes"))
	require.NoError(t, e.Tick(ctx, exec.ID))
	require.NoError(t, e.Tick(ctx, exec.ID))

	got, err = e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Equal(t, "yes", got.Blackboard["human_input"])
}

func TestEngine_RejectsRecursionBeyondMaxDepth(t *testing.T) {
	e, _ := newTestEngine(0)
	wf := twoStateWorkflow()
	e.RegisterWorkflow(wf)
	ctx := context.Background()

	root, err := e.StartWorkflow(ctx, "demo", nil)
	require.NoError(t, err)

	hierarchy := root.Hierarchy
	var lastErr error
	for i := 0; i < int(workflow.MaxRecursiveDepth)+1; i++ {
		child, childErr := e.StartChildWorkflow(ctx, "demo", nil, hierarchy)
		if childErr != nil {
			lastErr = childErr
			break
		}
		hierarchy = child.Hierarchy
	}
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, workflow.ErrRecursionLimitExceeded)
}

func TestEngine_StorageSpecAttachesAndDetachesVolume(t *testing.T) {
	vols := &fakeVolumes{}
	sys := &fakeSystem{exitCodes: map[string]int32{"build": 0}}
	e := engine.NewEngine(&fakeAgents{}, sys, &fakeConsensus{}, &fakeHumanGate{}, nil, vols)

	wf := &workflow.Workflow{
		APIVersion: workflow.APIVersion,
		Kind:       "Workflow",
		Metadata:   workflow.Metadata{Name: "with-storage", Version: "1.0.0"},
		Spec: workflow.WorkflowSpec{
			InitialState: "run",
			States: map[string]workflow.State{
				"run": {
					Kind: workflow.StateKind{
						Tag:    workflow.StateKindSystem,
						System: &workflow.SystemState{Command: "build"},
					},
				},
			},
			Storage: &workflow.StorageSpec{Name: "scratch"},
		},
	}
	e.RegisterWorkflow(wf)

	ctx := context.Background()
	exec, err := e.StartWorkflow(ctx, "with-storage", nil)
	require.NoError(t, err)
	require.NotNil(t, exec.VolumeID)
	assert.Equal(t, "vol_1", *exec.VolumeID)
	assert.Equal(t, []string{"vol_1"}, vols.attached)
	assert.Empty(t, vols.detached)

	require.NoError(t, e.Tick(ctx, exec.ID))

	got, err := e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Equal(t, []string{"vol_1"}, vols.detached)
}

func TestEngine_StreamEventsReplaysHistoryAndClosesOnCompletion(t *testing.T) {
	e, _ := newTestEngine(0)
	e.RegisterWorkflow(twoStateWorkflow())
	ctx := context.Background()

	exec, err := e.StartWorkflow(ctx, "demo", nil)
	require.NoError(t, err)

	require.NoError(t, e.Tick(ctx, exec.ID))
	require.NoError(t, e.Tick(ctx, exec.ID))

	got, err := e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)

	ch, err := e.StreamEvents(exec.ID)
	require.NoError(t, err)

	var kinds []string
	for evt := range ch {
		assert.Equal(t, exec.ID, evt.ExecutionID)
		kinds = append(kinds, evt.Family+"."+evt.Kind)
	}
	assert.Contains(t, kinds, "workflow.started")
	assert.Contains(t, kinds, "workflow.completed")
}

func TestEngine_StreamEventsDeliversLiveEventsUntilTerminal(t *testing.T) {
	e, _ := newTestEngine(0)
	e.RegisterWorkflow(twoStateWorkflow())
	ctx := context.Background()

	exec, err := e.StartWorkflow(ctx, "demo", nil)
	require.NoError(t, err)

	ch, err := e.StreamEvents(exec.ID)
	require.NoError(t, err)

	evt := <-ch
	assert.Equal(t, "workflow.started", evt.Family+"."+evt.Kind)

	require.NoError(t, e.Tick(ctx, exec.ID))
	evt = <-ch
	assert.Equal(t, "execution.transitioned", evt.Family+"."+evt.Kind)

	require.NoError(t, e.Tick(ctx, exec.ID))

	var sawCompleted bool
	for evt := range ch {
		if evt.Family == "workflow" && evt.Kind == "completed" {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted, "channel should close only after the completed event is delivered")
}

func TestEngine_StreamEventsUnknownExecutionErrors(t *testing.T) {
	e, _ := newTestEngine(0)
	_, err := e.StreamEvents("nope")
	require.Error(t, err)
}

func TestEngine_CancelMarksExecutionFailed(t *testing.T) {
	e, _ := newTestEngine(0)
	e.RegisterWorkflow(twoStateWorkflow())
	ctx := context.Background()

	exec, err := e.StartWorkflow(ctx, "demo", nil)
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, exec.ID))

	got, err := e.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "cancelled")
}
