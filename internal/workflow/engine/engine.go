package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/100monkeys/fractal/internal/workflow"
	"github.com/100monkeys/fractal/internal/workflow/blackboard"
	"github.com/100monkeys/fractal/pkg/ids"
)

// AgentExecutor dispatches a single Agent state. It is the engine's
// only dependency for running arbitrary agent code, kept as an
// interface because the sandboxed runtime that actually spawns agent
// processes is an out-of-scope external collaborator (spec.md §1).
type AgentExecutor interface {
	// timeout is the state's own declared per-iteration budget (zero
	// means none declared). ExecuteAgent owns applying it to ctx itself
	// rather than receiving an already-deadlined ctx, so that its single
	// allowed Timeout retry (spec.md §4.5) can double that budget from
	// an un-expired parent instead of re-wrapping a context whose
	// deadline has already passed.
	ExecuteAgent(ctx context.Context, exec *workflow.WorkflowExecution, agent *workflow.AgentState, hydratedInput string, timeout time.Duration) (output map[string]any, err error)
}

// SystemExecutor runs a System state's shell command.
type SystemExecutor interface {
	ExecuteSystem(ctx context.Context, exec *workflow.WorkflowExecution, sys *workflow.SystemState) (output map[string]any, exitCode int32, err error)
}

// ConsensusEvaluator fans a ParallelAgentsState out to its judge/worker
// agents and reduces their scores per the state's ConsensusConfig (C6).
type ConsensusEvaluator interface {
	EvaluateParallel(ctx context.Context, exec *workflow.WorkflowExecution, pa *workflow.ParallelAgentsState, hydrate func(inputTemplate string) (string, error)) (ParallelResult, error)
}

// ParallelResult is what a ConsensusEvaluator returns after all judge
// branches have joined.
type ParallelResult struct {
	JudgeScores    []float64 // declared order, not arrival order
	Aggregate      float64
	Confidence     float64
	ConsensusMet   bool
	AgreeFraction  float64
	Output         map[string]any
}

// HumanGate manages the single pending prompt a suspended execution can
// have outstanding (C7).
type HumanGate interface {
	Prompt(ctx context.Context, executionID string, hydratedPrompt string, timeout time.Duration, defaultResponse *string) error
	Cancel(ctx context.Context, executionID string)
}

// EventPublisher ships WorkflowEvent/ExecutionEvent/ValidationEvent
// notifications to the event bus (C9). Engine never blocks on publish
// failures; they are logged by the caller-supplied publisher itself.
type EventPublisher interface {
	Publish(ctx context.Context, family, kind string, executionID string, detail map[string]any) error
}

// Event is one occurrence Engine has recorded against a single
// execution: the same (family, kind, detail) tuple it hands to
// EventPublisher, kept in-process so StreamEvents can replay it.
type Event struct {
	Family      string
	Kind        string
	ExecutionID string
	Detail      map[string]any
	At          time.Time
}

// noopPublisher is used when Engine is constructed without an
// EventPublisher, so tests and callers that don't care about the event
// bus don't need to supply a fake.
type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, string, string, map[string]any) error { return nil }

// VolumeProvisioner manages the shared-workspace lifecycle a
// workflow's spec.storage declaration binds an execution to (C8):
// creating and attaching the volume when the execution starts, and
// detaching it once the execution reaches a terminal state.
type VolumeProvisioner interface {
	Create(spec workflow.StorageSpec, owner workflow.VolumeOwnership) (*workflow.Volume, error)
	Attach(volumeID, ownerExecutionID string) error
	Detach(volumeID string) error
}

// noopVolumes is used when Engine is constructed without a
// VolumeProvisioner. Attach/Detach of a volume that was never created
// can't happen, so those are harmless no-ops; Create fails loudly
// instead of panicking, since a workflow that declares spec.storage
// against an engine with no provisioner wired is a deployment bug.
type noopVolumes struct{}

func (noopVolumes) Create(workflow.StorageSpec, workflow.VolumeOwnership) (*workflow.Volume, error) {
	return nil, fmt.Errorf("engine: workflow declares spec.storage but no VolumeProvisioner is wired")
}
func (noopVolumes) Attach(string, string) error { return nil }
func (noopVolumes) Detach(string) error         { return nil }

// publish ships detail to the external EventPublisher and records it
// as an Event against st, fanning it out to any live StreamEvents
// subscribers. Callers already hold st.mu (Tick/fail/Cancel) or own st
// exclusively before it's published to e.execs (startWithHierarchy).
func (e *Engine) publish(ctx context.Context, st *execState, family, kind string, detail map[string]any) {
	_ = e.publisher.Publish(ctx, family, kind, st.exec.ID, detail)

	evt := Event{Family: family, Kind: kind, ExecutionID: st.exec.ID, Detail: detail, At: timeNow()}
	st.events = append(st.events, evt)
	for _, ch := range st.eventSubs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// closeEventSubs ends every live StreamEvents subscription for st, once
// its execution has reached a terminal status. Idempotent.
func (e *Engine) closeEventSubs(st *execState) {
	if st.terminal {
		return
	}
	st.terminal = true
	for _, ch := range st.eventSubs {
		close(ch)
	}
	st.eventSubs = nil
}

// StreamEvents returns a finite, execution-scoped sequence of every
// Event Engine has recorded for executionID: first a replay of its
// full history to date, then each new one as Tick/Cancel produce it,
// until the execution reaches a terminal status, at which point the
// channel closes for good.
//
// This is deliberately not eventbus.Bus.SubscribeDurable: that is a
// cross-execution durable NATS pull-consumer meant to survive process
// restarts and redeliver on crash. StreamEvents has no durable
// backing, serves one execution only, and cannot be resumed once its
// channel is closed or its caller stops reading — a one-shot view of
// one execution's events, not a subscription.
func (e *Engine) StreamEvents(executionID string) (<-chan Event, error) {
	e.mu.RLock()
	st, ok := e.execs[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown execution %q", executionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ch := make(chan Event, len(st.events)+16)
	for _, evt := range st.events {
		ch <- evt
	}
	if st.terminal {
		close(ch)
		return ch, nil
	}
	st.eventSubs = append(st.eventSubs, ch)
	return ch, nil
}

// execState is the engine's in-process record for one running
// execution: the exported WorkflowExecution plus the mutable
// blackboard and iteration counters the tick loop needs but that don't
// belong in the spec's own value type.
type execState struct {
	mu        sync.Mutex
	exec      workflow.WorkflowExecution
	bb         *blackboard.Blackboard
	iterations map[string]int // per-state iteration counter, for iteration_below_max
	maxIterPerState int
	strictTemplates bool // from workflow.Metadata.StrictTemplates (spec.md §4.2)

	humanResponse *string
	humanTimedOut bool

	events    []Event      // this execution's full history, for StreamEvents' replay
	eventSubs []chan Event // live StreamEvents subscribers; closed and nilled on terminal status
	terminal  bool
}

// Engine is WorkflowEngine (C4): owns all running executions and
// advances each one state at a time via Tick.
//
// Grounded on station/internal/workflows/runtime/consumer.go's
// WorkflowConsumer, which plays the same role (one executeStep call per
// inbound NATS message); Engine's Tick is the same algorithm with the
// message transport factored out into the EventPublisher dependency.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	execs     map[string]*execState

	agents    AgentExecutor
	system    SystemExecutor
	consensus ConsensusEvaluator
	humans    HumanGate
	publisher EventPublisher
	volumes   VolumeProvisioner
	evaluator *blackboard.Evaluator

	defaultMaxIterPerState int
}

// NewEngine wires an Engine to its capability collaborators. publisher
// and volumes may both be nil: events are then not shipped to any bus
// (StreamEvents still records and replays them in-process), and any
// workflow that declares spec.storage fails to start rather than
// silently running without the volume it asked for.
func NewEngine(agents AgentExecutor, system SystemExecutor, consensus ConsensusEvaluator, humans HumanGate, publisher EventPublisher, volumes VolumeProvisioner) *Engine {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if volumes == nil {
		volumes = noopVolumes{}
	}
	return &Engine{
		workflows:              make(map[string]*workflow.Workflow),
		execs:                  make(map[string]*execState),
		agents:                 agents,
		system:                 system,
		consensus:              consensus,
		humans:                 humans,
		publisher:              publisher,
		volumes:                volumes,
		evaluator:              blackboard.NewEvaluator(),
		defaultMaxIterPerState: 25,
	}
}

// RegisterWorkflow makes a parsed Workflow startable by name.
func (e *Engine) RegisterWorkflow(wf *workflow.Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[wf.Metadata.Name] = wf
}

// StartWorkflow creates a new root WorkflowExecution and returns it
// before any state has run; callers drive progress via Tick.
func (e *Engine) StartWorkflow(ctx context.Context, workflowName string, input map[string]any) (*workflow.WorkflowExecution, error) {
	return e.startWithHierarchy(ctx, workflowName, input, nil)
}

// StartChildWorkflow starts a recursively invoked execution under
// parent, enforcing workflow.MaxRecursiveDepth before the child is
// created (spec.md §3).
func (e *Engine) StartChildWorkflow(ctx context.Context, workflowName string, input map[string]any, parent workflow.ExecutionHierarchy) (*workflow.WorkflowExecution, error) {
	return e.startWithHierarchy(ctx, workflowName, input, &parent)
}

func (e *Engine) startWithHierarchy(ctx context.Context, workflowName string, input map[string]any, parent *workflow.ExecutionHierarchy) (*workflow.WorkflowExecution, error) {
	e.mu.RLock()
	wf, ok := e.workflows[workflowName]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown workflow %q", workflowName)
	}

	executionID := ids.NewExecutionID()

	var hierarchy workflow.ExecutionHierarchy
	if parent == nil {
		hierarchy = rootHierarchy(executionID)
	} else {
		var err error
		hierarchy, err = deriveChildHierarchy(*parent, executionID)
		if err != nil {
			return nil, err
		}
	}

	bb := blackboard.New(wf.Spec.Context)
	bb.SetMany(map[string]any{"input": input})

	state := &execState{
		exec: workflow.WorkflowExecution{
			ID:           executionID,
			WorkflowID:   wf.Metadata.Name,
			CurrentState: wf.Spec.InitialState,
			Blackboard:   bb.Snapshot(),
			Status:       workflow.StatusRunning,
			StartedAt:    timeNow(),
			Hierarchy:    hierarchy,
		},
		bb:              bb,
		iterations:      make(map[string]int),
		maxIterPerState: e.defaultMaxIterPerState,
		strictTemplates: wf.Metadata.StrictTemplates,
	}

	if wf.Spec.Storage != nil {
		vol, err := e.volumes.Create(*wf.Spec.Storage, workflow.VolumeOwnership{Type: "workflow_execution", ID: executionID})
		if err != nil {
			return nil, fmt.Errorf("engine: create volume for %q: %w", executionID, err)
		}
		if err := e.volumes.Attach(vol.ID, executionID); err != nil {
			return nil, fmt.Errorf("engine: attach volume %q to %q: %w", vol.ID, executionID, err)
		}
		state.exec.VolumeID = &vol.ID
		e.publish(ctx, state, "volume", "attached", map[string]any{
			"volume_id":   vol.ID,
			"remote_path": vol.RemotePath,
		})
	}

	e.publish(ctx, state, "workflow", "started", map[string]any{"workflow": workflowName})

	e.mu.Lock()
	e.execs[executionID] = state
	e.mu.Unlock()

	return e.snapshot(state), nil
}

// detachVolume releases st's attached volume, if it has one, and
// publishes the detach event. Called at every path that moves an
// execution into a terminal status (StatusCompleted, StatusFailed).
func (e *Engine) detachVolume(ctx context.Context, st *execState) {
	if st.exec.VolumeID == nil {
		return
	}
	volumeID := *st.exec.VolumeID
	if err := e.volumes.Detach(volumeID); err != nil {
		return
	}
	e.publish(ctx, st, "volume", "detached", map[string]any{"volume_id": volumeID})
}

// Tick advances one execution by exactly one state: dispatch the
// current state, write its result to the blackboard, evaluate the
// state's transitions in order, and move CurrentState to the first
// match — or complete/fail/suspend the execution if none match or the
// state has no outgoing transitions.
//
// Mirrors consumer.go's executeStep: resolve input -> dispatch ->
// store output -> evaluate transition -> schedule next, generalized to
// the closed 14-condition set and the spec's own OnSuccess semantics
// (exit_code==0 for System; score>=0.95 iff a schema was declared,
// else "completed without ProtocolError", for Agent).
func (e *Engine) Tick(ctx context.Context, executionID string) error {
	e.mu.RLock()
	st, ok := e.execs[executionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: unknown execution %q", executionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exec.Status != workflow.StatusRunning {
		return fmt.Errorf("engine: execution %q is not running (status=%s)", executionID, st.exec.Status)
	}

	e.mu.RLock()
	wf := e.workflows[st.exec.WorkflowID]
	e.mu.RUnlock()

	state, ok := wf.Spec.States[st.exec.CurrentState]
	if !ok {
		return e.fail(ctx, st, fmt.Errorf("%w: %s", workflow.ErrUnknownStateReference, st.exec.CurrentState))
	}

	var tctx context.Context = ctx
	var cancel context.CancelFunc
	if state.Timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, state.Timeout)
		defer cancel()
	}

	res, suspend, err := e.dispatch(ctx, tctx, st, st.exec.CurrentState, state)
	if err != nil {
		return e.fail(ctx, st, err)
	}
	if suspend {
		st.exec.Status = workflow.StatusSuspendedHuman
		e.publish(ctx, st, "execution", "suspended", map[string]any{"state": st.exec.CurrentState})
		return nil
	}

	if len(state.Transitions) == 0 {
		st.exec.Status = workflow.StatusCompleted
		now := timeNow()
		st.exec.CompletedAt = &now
		st.exec.FinalOutput = st.bb.Snapshot()
		e.detachVolume(ctx, st)
		e.publish(ctx, st, "workflow", "completed", nil)
		e.closeEventSubs(st)
		return nil
	}

	rule, err := evaluateTransitions(state.Transitions, *res, st.bb, e.evaluator)
	if err != nil {
		return e.fail(ctx, st, err)
	}

	if rule.Feedback != "" {
		feedback, ferr := blackboard.Hydrate(rule.Feedback, st.bb.Snapshot(), st.strictTemplates)
		if ferr == nil {
			st.bb.Set("state.feedback", feedback)
		}
	}

	e.publish(ctx, st, "execution", "transitioned", map[string]any{
		"from": st.exec.CurrentState,
		"to":   rule.Target,
	})

	if rule.Target == "" {
		st.exec.Status = workflow.StatusCompleted
		now := timeNow()
		st.exec.CompletedAt = &now
		st.exec.FinalOutput = st.bb.Snapshot()
		e.detachVolume(ctx, st)
		e.publish(ctx, st, "workflow", "completed", nil)
		e.closeEventSubs(st)
		return nil
	}

	st.exec.CurrentState = rule.Target
	st.exec.Blackboard = st.bb.Snapshot()
	return nil
}

// dispatch runs exactly one state's body and returns the tickResult
// transitions.go needs, or (nil, true, nil) if the state is a Human
// state that just suspended execution awaiting input. rawCtx is the
// tick's context before the state's Timeout is applied; Agent states
// use it directly (passing state.Timeout through to ExecuteAgent)
// instead of tctx, since ExecuteAgent's own Timeout retry needs an
// un-expired parent to extend from. Every other state kind keeps using
// tctx, whose deadline already covers the whole call.
func (e *Engine) dispatch(rawCtx, tctx context.Context, st *execState, name string, state workflow.State) (*tickResult, bool, error) {
	st.iterations[name]++
	iter := st.iterations[name]
	ctx := tctx

	switch state.Kind.Tag {
	case workflow.StateKindSystem:
		output, exitCode, err := e.system.ExecuteSystem(ctx, &st.exec, state.Kind.System)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
		}
		st.bb.SetMany(output)
		return &tickResult{
			ok:        exitCode == 0,
			exitCode:  exitCode,
			iteration: iter,
			maxIter:   st.maxIterPerState,
		}, false, nil

	case workflow.StateKindAgent:
		input, err := blackboard.Hydrate(state.Kind.Agent.InputTemplate, st.bb.Snapshot(), st.strictTemplates)
		if err != nil {
			return nil, false, err
		}
		output, err := e.agents.ExecuteAgent(rawCtx, &st.exec, state.Kind.Agent, input, state.Timeout)
		if err != nil {
			return nil, false, err
		}
		st.bb.SetMany(output)

		score, confidence := extractScore(output)
		ok := true
		if state.Kind.Agent.OutputSchema != "" && score != nil {
			ok = *score >= 0.95
		}
		return &tickResult{
			ok:         ok,
			score:      score,
			confidence: confidence,
			iteration:  iter,
			maxIter:    st.maxIterPerState,
		}, false, nil

	case workflow.StateKindParallelAgents:
		result, err := e.consensus.EvaluateParallel(ctx, &st.exec, state.Kind.ParallelAgents, func(tmpl string) (string, error) {
			return blackboard.Hydrate(tmpl, st.bb.Snapshot(), st.strictTemplates)
		})
		if err != nil {
			return nil, false, err
		}
		st.bb.SetMany(result.Output)
		st.bb.Set("judge_scores", result.JudgeScores)
		aggregate := result.Aggregate
		return &tickResult{
			ok:             result.ConsensusMet,
			score:          &aggregate,
			confidence:     &result.Confidence,
			consensusAgree: result.AgreeFraction,
			consensusMet:   result.ConsensusMet,
			iteration:      iter,
			maxIter:        st.maxIterPerState,
		}, false, nil

	case workflow.StateKindHuman:
		if st.humanResponse == nil && !st.humanTimedOut {
			prompt, err := blackboard.Hydrate(state.Kind.Human.Prompt, st.bb.Snapshot(), st.strictTemplates)
			if err != nil {
				return nil, false, err
			}
			if err := e.humans.Prompt(ctx, st.exec.ID, prompt, state.Kind.Human.Timeout, state.Kind.Human.DefaultResponse); err != nil {
				return nil, false, fmt.Errorf("%w: %v", workflow.ErrRuntimeError, err)
			}
			return nil, true, nil
		}

		if st.humanTimedOut {
			return nil, false, workflow.ErrHumanInputTimeout
		}

		st.bb.Set("human_input", *st.humanResponse)
		st.humanResponse = nil
		return &tickResult{ok: true, iteration: iter, maxIter: st.maxIterPerState}, false, nil

	default:
		return nil, false, fmt.Errorf("%w: unhandled state kind %q", workflow.ErrInvalidKind, state.Kind.Tag)
	}
}

// SignalHumanInput delivers a response to a suspended execution's
// pending Human state. The execution remains suspended until the next
// Tick evaluates its transitions against the delivered input.
func (e *Engine) SignalHumanInput(ctx context.Context, executionID, response string) error {
	e.mu.RLock()
	st, ok := e.execs[executionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: unknown execution %q", executionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exec.Status != workflow.StatusSuspendedHuman {
		return fmt.Errorf("engine: execution %q is not awaiting human input (status=%s)", executionID, st.exec.Status)
	}

	st.humanResponse = &response
	st.exec.Status = workflow.StatusRunning
	e.humans.Cancel(ctx, executionID)
	e.publish(ctx, st, "execution", "human_input_received", nil)
	return nil
}

// TimeoutHumanInput is called by HumanGate when a prompt's deadline
// elapses without a response. If the state declared a default
// response, the execution resumes with it instead of failing.
func (e *Engine) TimeoutHumanInput(ctx context.Context, executionID string, defaultResponse *string) {
	e.mu.RLock()
	st, ok := e.execs[executionID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exec.Status != workflow.StatusSuspendedHuman {
		return
	}

	if defaultResponse != nil {
		st.humanResponse = defaultResponse
		st.exec.Status = workflow.StatusRunning
		return
	}

	st.humanTimedOut = true
	st.exec.Status = workflow.StatusRunning
}

// Cancel marks a running or suspended execution as failed with
// workflow.ErrCancelled, releasing any pending human prompt.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.RLock()
	st, ok := e.execs[executionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: unknown execution %q", executionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.exec.Status == workflow.StatusCompleted || st.exec.Status == workflow.StatusFailed {
		return nil
	}

	e.humans.Cancel(ctx, executionID)
	st.exec.Status = workflow.StatusFailed
	st.exec.FailReason = workflow.ErrCancelled.Error()
	now := timeNow()
	st.exec.CompletedAt = &now
	e.detachVolume(ctx, st)
	e.publish(ctx, st, "workflow", "cancelled", nil)
	e.closeEventSubs(st)
	return nil
}

// GetExecution returns a snapshot of an execution's current state.
func (e *Engine) GetExecution(executionID string) (*workflow.WorkflowExecution, error) {
	e.mu.RLock()
	st, ok := e.execs[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown execution %q", executionID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.snapshot(st), nil
}

func (e *Engine) snapshot(st *execState) *workflow.WorkflowExecution {
	cp := st.exec
	cp.Blackboard = st.bb.Snapshot()
	return &cp
}

func (e *Engine) fail(ctx context.Context, st *execState, cause error) error {
	st.exec.Status = workflow.StatusFailed
	st.exec.FailReason = cause.Error()
	now := timeNow()
	st.exec.CompletedAt = &now
	e.detachVolume(ctx, st)
	e.publish(ctx, st, "workflow", "failed", map[string]any{"reason": cause.Error()})
	e.closeEventSubs(st)
	return cause
}

// extractScore pulls the spec's gradient validation score/confidence
// pair out of an Agent state's output, if present. Scores are carried
// as plain float64 output fields (score, confidence), not a special
// envelope type, so any agent output map shaped that way is usable.
func extractScore(output map[string]any) (score, confidence *float64) {
	if v, ok := output["score"].(float64); ok {
		score = &v
	}
	if v, ok := output["confidence"].(float64); ok {
		confidence = &v
	}
	return score, confidence
}

// timeNow is the engine's sole time source, factored out so tests can
// substitute a fixed clock without a package-wide monkeypatch.
var timeNow = func() time.Time { return time.Now() }
