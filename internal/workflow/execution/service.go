package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/runtime"
)

// RetryPolicy controls how ExecutionService responds to each error
// taxonomy member spec.md §7 names:
//   - RuntimeError (spawn/transport failure): retry with exponential
//     backoff and jitter, up to MaxAttempts.
//   - ProtocolError (envelope unparsable or schema-invalid): never
//     retried — a malformed agent is not fixed by asking again.
//   - Timeout: exactly one retry, with a fresh deadline of twice the
//     declared timeout (or TimeoutExtension when none was declared), on
//     the theory that a marginal timeout often just needed more room.
//
// Grounded on station/internal/workflows/runtime/executor.go's
// AgentRunExecutor retry handling, generalized from its fixed
// RetryPolicy.MaxAttempts into the spec's three-way error-kind split.
type RetryPolicy struct {
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	TimeoutExtension time.Duration
}

// DefaultRetryPolicy matches the teacher's own defaults, capped at the
// 30s backoff ceiling spec.md §4.5 sets for RuntimeError.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      4,
		BaseBackoff:      250 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		TimeoutExtension: 30 * time.Second,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff * time.Duration(1<<uint(attempt))
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return d/2 + jitter/2
}

// Service is ExecutionService (C5): runs one agent invocation to
// completion against a Runtime, with retries, envelope extraction,
// schema validation, and per-execution Iteration logging.
type Service struct {
	rt     runtime.Runtime
	policy RetryPolicy

	mu      sync.Mutex
	runlogs map[string]*RunLog
}

// NewService wires a Service to its Runtime dependency.
func NewService(rt runtime.Runtime, policy RetryPolicy) *Service {
	return &Service{
		rt:      rt,
		policy:  policy,
		runlogs: make(map[string]*RunLog),
	}
}

// RunLogFor returns (creating if necessary) the RunLog for an
// execution id.
func (s *Service) RunLogFor(executionID string) *RunLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.runlogs[executionID]; ok {
		return l
	}
	l := NewRunLog(executionID)
	s.runlogs[executionID] = l
	return l
}

// ExecuteAgent implements engine.AgentExecutor. timeout is the state's
// own declared per-iteration budget (zero means the caller's ctx
// already carries whatever deadline applies, and ExecuteAgent imposes
// none of its own); when nonzero, ExecuteAgent applies it to ctx
// itself so that its single allowed Timeout retry can double it from
// an un-expired parent instead of re-wrapping an already-expired one.
func (s *Service) ExecuteAgent(ctx context.Context, exec *workflow.WorkflowExecution, agent *workflow.AgentState, hydratedInput string, timeout time.Duration) (map[string]any, error) {
	log := s.RunLogFor(exec.ID)

	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		started := time.Now()

		env, err := s.attemptOnce(attemptCtx, agent.AgentRef, hydratedInput, agent.Isolation, agent.OutputSchema)
		ended := time.Now()

		it := workflow.Iteration{
			Number:    attempt + 1,
			Action:    agent.AgentRef,
			StartedAt: started,
			EndedAt:   ended,
		}
		if err != nil {
			it.Error = err.Error()
		} else {
			it.Output = env
			if score, ok := env["score"].(float64); ok {
				it.ValidationScore = &score
			}
			if confidence, ok := env["confidence"].(float64); ok {
				it.ValidationConfidence = &confidence
			}
		}
		log.Record(it)

		if err == nil {
			return env, nil
		}
		lastErr = err

		if errors.Is(err, workflow.ErrProtocolError) {
			return nil, err
		}

		if errors.Is(err, workflow.ErrTimeout) {
			if attempt >= 1 {
				return nil, err
			}
			if cancel != nil {
				cancel()
			}
			extension := s.policy.TimeoutExtension
			if timeout > 0 {
				extension = 2 * timeout
			}
			attemptCtx, cancel = context.WithTimeout(ctx, extension)
			defer cancel()
			continue
		}

		if attempt == s.policy.MaxAttempts-1 {
			break
		}
		if sleepErr := sleepCtx(attemptCtx, s.policy.backoff(attempt)); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, fmt.Errorf("agent %q exhausted retries: %w", agent.AgentRef, lastErr)
}

// ExecuteSystem implements engine.SystemExecutor: system commands run
// through the same Runtime abstraction as agents (isolation "process"
// by default), since the sandboxed runtime is the sole collaborator
// responsible for ever touching a real shell.
func (s *Service) ExecuteSystem(ctx context.Context, exec *workflow.WorkflowExecution, sys *workflow.SystemState) (map[string]any, int32, error) {
	handle, err := s.rt.Spawn(ctx, runtime.SpawnRequest{
		AgentRef:  "system:" + sys.Command,
		Input:     sys.Command,
		Isolation: string(workflow.IsolationProcess),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
	}

	result, err := s.rt.Execute(ctx, handle)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
	}

	return map[string]any{"stdout": result.RawOutput}, result.ExitCode, nil
}

// RunJudge implements consensus.AgentRunner, reusing the same retry
// and envelope machinery a primary Agent state uses — a judge branch
// in a ParallelAgentsState is not a different kind of invocation, just
// a weighted one.
func (s *Service) RunJudge(ctx context.Context, exec *workflow.WorkflowExecution, spec workflow.ParallelAgentSpec, hydratedInput string) (map[string]any, float64, error) {
	agent := &workflow.AgentState{
		AgentRef:      spec.AgentRef,
		InputTemplate: spec.InputTemplate,
		Isolation:     spec.Isolation,
	}
	output, err := s.ExecuteAgent(ctx, exec, agent, hydratedInput, 0)
	if err != nil {
		return nil, 0, err
	}
	score, _ := output["score"].(float64)
	return output, score, nil
}

func (s *Service) attemptOnce(ctx context.Context, agentRef, input string, isolation workflow.IsolationMode, outputSchema string) (map[string]any, error) {
	handle, err := s.rt.Spawn(ctx, runtime.SpawnRequest{
		AgentRef:  agentRef,
		Input:     input,
		Isolation: string(isolation),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
	}

	result, err := s.rt.Execute(ctx, handle)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", workflow.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
	}

	env, err := extractEnvelope(result.RawOutput)
	if err != nil {
		return nil, err
	}

	if err := validateEnvelope(env, outputSchema); err != nil {
		return nil, err
	}

	return env, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
