package execution_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/execution"
	"github.com/100monkeys/fractal/internal/workflow/runtime"
)

type fakeRuntime struct {
	spawnErr     error
	executeErr   error
	raw          string
	exitCode     int32
	calls        int32
	workDuration time.Duration // simulated run time, for exercising ctx deadlines
}

func (f *fakeRuntime) Spawn(context.Context, runtime.SpawnRequest) (runtime.SpawnHandle, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.spawnErr != nil {
		return runtime.SpawnHandle{}, f.spawnErr
	}
	return runtime.SpawnHandle{ID: "h1"}, nil
}

func (f *fakeRuntime) Execute(ctx context.Context, _ runtime.SpawnHandle) (runtime.RunResult, error) {
	if f.executeErr != nil {
		return runtime.RunResult{}, f.executeErr
	}
	if f.workDuration > 0 {
		select {
		case <-time.After(f.workDuration):
		case <-ctx.Done():
			return runtime.RunResult{}, ctx.Err()
		}
	}
	return runtime.RunResult{RawOutput: f.raw, ExitCode: f.exitCode}, nil
}

func (f *fakeRuntime) Terminate(context.Context, runtime.SpawnHandle) error { return nil }
func (f *fakeRuntime) Status(context.Context, runtime.SpawnHandle) (runtime.Status, error) {
	return runtime.StatusCompleted, nil
}

func fastPolicy() execution.RetryPolicy {
	p := execution.DefaultRetryPolicy()
	p.BaseBackoff = time.Millisecond
	p.MaxBackoff = 2 * time.Millisecond
	return p
}

func TestExecuteAgent_ParsesBareJSONEnvelope(t *testing.T) {
	rt := &fakeRuntime{raw: `{"score": 0.9, "draft": "hello"}`}
	svc := execution.NewService(rt, fastPolicy())

	out, err := svc.ExecuteAgent(context.Background(), &workflow.WorkflowExecution{ID: "e1"}, &workflow.AgentState{AgentRef: "writer"}, "task", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.9, out["score"])
	assert.Equal(t, "hello", out["draft"])
}

func TestExecuteAgent_ExtractsFencedMarkdownJSON(t *testing.T) {
	rt := &fakeRuntime{raw: "Here you go:\n```json\n{\"score\": 0.5}\n```\nThanks!"}
	svc := execution.NewService(rt, fastPolicy())

	out, err := svc.ExecuteAgent(context.Background(), &workflow.WorkflowExecution{ID: "e1"}, &workflow.AgentState{AgentRef: "writer"}, "task", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, out["score"])
}

func TestExecuteAgent_SchemaViolationIsProtocolErrorNoRetry(t *testing.T) {
	rt := &fakeRuntime{raw: `{"draft": "hello"}`}
	svc := execution.NewService(rt, fastPolicy())

	_, err := svc.ExecuteAgent(context.Background(), &workflow.WorkflowExecution{ID: "e1"}, &workflow.AgentState{
		AgentRef:     "writer",
		OutputSchema: `{"type":"object","required":["score"]}`,
	}, "task", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrProtocolError)
	assert.Equal(t, int32(1), rt.calls)
}

func TestExecuteAgent_RetriesRuntimeErrorUntilExhausted(t *testing.T) {
	rt := &fakeRuntime{spawnErr: errors.New("connection refused")}
	svc := execution.NewService(rt, fastPolicy())

	_, err := svc.ExecuteAgent(context.Background(), &workflow.WorkflowExecution{ID: "e1"}, &workflow.AgentState{AgentRef: "writer"}, "task", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrRuntimeError)
	assert.Equal(t, int32(fastPolicy().MaxAttempts), rt.calls)
}

func TestExecuteAgent_TimeoutRetryDoublesOriginalBudget(t *testing.T) {
	rt := &fakeRuntime{raw: `{"score": 0.9}`, workDuration: 30 * time.Millisecond}
	svc := execution.NewService(rt, fastPolicy())

	out, err := svc.ExecuteAgent(context.Background(), &workflow.WorkflowExecution{ID: "e3"}, &workflow.AgentState{AgentRef: "writer"}, "task", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0.9, out["score"])
	assert.Equal(t, int32(2), rt.calls)
}

func TestExecuteAgent_TimeoutRetryExceedingDoubledBudgetFails(t *testing.T) {
	// 90ms of work never fits even the doubled 40ms budget, so the single
	// Timeout retry (spec.md §4.5) is exhausted rather than succeeding the
	// way it would if the retry fell back to the flat TimeoutExtension.
	rt := &fakeRuntime{raw: `{"score": 0.9}`, workDuration: 90 * time.Millisecond}
	svc := execution.NewService(rt, fastPolicy())

	_, err := svc.ExecuteAgent(context.Background(), &workflow.WorkflowExecution{ID: "e4"}, &workflow.AgentState{AgentRef: "writer"}, "task", 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrTimeout)
	assert.Equal(t, int32(2), rt.calls)
}

func TestExecuteAgent_NoJSONIsProtocolError(t *testing.T) {
	rt := &fakeRuntime{raw: "I refuse to answer in JSON."}
	svc := execution.NewService(rt, fastPolicy())

	_, err := svc.ExecuteAgent(context.Background(), &workflow.WorkflowExecution{ID: "e1"}, &workflow.AgentState{AgentRef: "writer"}, "task", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrProtocolError)
}

func TestExecuteSystem_ReturnsExitCodeAndStdout(t *testing.T) {
	rt := &fakeRuntime{raw: "build ok", exitCode: 0}
	svc := execution.NewService(rt, fastPolicy())

	out, code, err := svc.ExecuteSystem(context.Background(), &workflow.WorkflowExecution{}, &workflow.SystemState{Command: "make"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), code)
	assert.Equal(t, "build ok", out["stdout"])
}

func TestRunLog_RecordsEveryAttempt(t *testing.T) {
	rt := &fakeRuntime{raw: `{"score": 0.9}`}
	svc := execution.NewService(rt, fastPolicy())

	_, err := svc.ExecuteAgent(context.Background(), &workflow.WorkflowExecution{ID: "e2"}, &workflow.AgentState{AgentRef: "writer"}, "task", 0)
	require.NoError(t, err)

	entries := svc.RunLogFor("e2").Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ValidationScore)
	assert.Equal(t, 0.9, *entries[0].ValidationScore)
}
