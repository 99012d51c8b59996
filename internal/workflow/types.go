// Package workflow defines the value types of the workflow domain model:
// Workflow, State, Transition, Blackboard-adjacent runtime records,
// ExecutionHierarchy, and Volume. It has no behavior beyond small
// invariant helpers; parsing lives in ./parser, execution in ./engine.
package workflow

import "time"

// APIVersion is the pinned apiVersion every workflow manifest must declare.
const APIVersion = "100monkeys.ai/v1"

// MaxRecursiveDepth bounds agent-invokes-agent recursion (spec §3).
const MaxRecursiveDepth = 3

// Workflow is the aggregate root. Immutable after parsing.
type Workflow struct {
	APIVersion string
	Kind       string
	Metadata   Metadata
	Spec       WorkflowSpec
}

// Metadata carries the workflow's identity.
type Metadata struct {
	Name    string
	Version string
	Labels  map[string]string

	// StrictTemplates toggles hydration's handling of an unresolved
	// {{path}}: false (the default) interpolates empty string, true
	// fails with ErrMissingKey (spec.md §4.2).
	StrictTemplates bool
}

// WorkflowSpec is the FSM definition.
type WorkflowSpec struct {
	InitialState string
	States       map[string]State
	Context      map[string]any
	Storage      *StorageSpec
}

// StorageSpec declares the shared workspace a workflow execution binds,
// consumed by the VolumeManager (C8).
type StorageSpec struct {
	Name         string
	StorageClass StorageClass
	SizeLimit    int64
}

// StorageClass controls the volume's TTL behavior.
type StorageClass struct {
	Type string // "ephemeral" or "persistent"
	TTL  time.Duration
}

// State is one node of the FSM.
type State struct {
	Kind        StateKind
	Transitions []TransitionRule
	Timeout     time.Duration
}

// StateKindTag discriminates the StateKind closed variant set.
type StateKindTag string

const (
	StateKindAgent           StateKindTag = "agent"
	StateKindSystem          StateKindTag = "system"
	StateKindHuman           StateKindTag = "human"
	StateKindParallelAgents  StateKindTag = "parallel_agents"
)

// StateKind is a tagged union over the four supported state kinds. Only
// the field matching Tag is meaningful; this mirrors a closed match
// (exhaustiveness is enforced by switching on Tag everywhere StateKind is
// dispatched, not by an open interface).
type StateKind struct {
	Tag StateKindTag

	Agent          *AgentState
	System         *SystemState
	Human          *HumanState
	ParallelAgents *ParallelAgentsState
}

// AgentState runs an external agent in an isolated runtime.
type AgentState struct {
	AgentRef      string
	InputTemplate string
	Isolation     IsolationMode

	// InputSchema/OutputSchema are optional JSON Schema documents carried
	// from the agent manifest, used by WorkflowParser's non-fatal
	// schema-compatibility check (SPEC_FULL §4) and by ExecutionService
	// envelope validation.
	InputSchema  string
	OutputSchema string
}

// SystemState runs a shell command in the workflow's runtime.
type SystemState struct {
	Command string
	Env     map[string]string
}

// HumanState suspends the execution until a signal arrives.
type HumanState struct {
	Prompt          string
	Timeout         time.Duration
	DefaultResponse *string
}

// ParallelAgentsState fans out to N judge/worker agents with consensus
// aggregation.
type ParallelAgentsState struct {
	Agents    []ParallelAgentSpec
	Consensus ConsensusConfig
}

// ParallelAgentSpec is one branch of a ParallelAgents state.
type ParallelAgentSpec struct {
	AgentRef      string
	InputTemplate string
	Weight        float64
	Isolation     IsolationMode
}

// ConsensusStrategy selects how judge scores are aggregated (C6).
type ConsensusStrategy string

const (
	ConsensusWeightedAverage ConsensusStrategy = "weighted_average"
	ConsensusMajority        ConsensusStrategy = "majority"
	ConsensusUnanimous       ConsensusStrategy = "unanimous"
	ConsensusBestOfN         ConsensusStrategy = "best_of_n"
)

// ConsensusConfig parameterizes the consensus strategy.
type ConsensusConfig struct {
	Strategy  ConsensusStrategy
	Threshold float64 // used by Unanimous, Majority and WeightedAverage
	N         int      // used by BestOfN
}

// IsolationMode controls how the runtime sandboxes an agent.
type IsolationMode string

const (
	IsolationInherit     IsolationMode = "inherit"
	IsolationFirecracker IsolationMode = "firecracker"
	IsolationDocker      IsolationMode = "docker"
	IsolationProcess     IsolationMode = "process"
)

// TransitionRule is one entry of a State's ordered transition list.
type TransitionRule struct {
	Condition TransitionCondition
	Target    string
	Feedback  string // template, hydrated and injected as state.feedback
}

// ConditionKind discriminates the 14-variant TransitionCondition closed set.
type ConditionKind string

const (
	CondAlways            ConditionKind = "always"
	CondOnSuccess         ConditionKind = "on_success"
	CondOnFailure         ConditionKind = "on_failure"
	CondOnExitCode        ConditionKind = "on_exit_code"
	CondOnScoreAbove      ConditionKind = "on_score_above"
	CondOnScoreBelow      ConditionKind = "on_score_below"
	CondOnScoreBetween    ConditionKind = "on_score_between"
	CondOnConfidenceAbove ConditionKind = "on_confidence_above"
	CondOnConsensus       ConditionKind = "on_consensus"
	CondOnEquals          ConditionKind = "on_equals"
	CondOnExists          ConditionKind = "on_exists"
	CondOnInputEquals     ConditionKind = "on_input_equals"
	CondIterationBelowMax ConditionKind = "iteration_below_max"
	CondCustom            ConditionKind = "custom"
)

// TransitionCondition is the closed 14-kind condition set from spec §3.
// Only the fields relevant to Kind are populated.
type TransitionCondition struct {
	Kind ConditionKind

	ExitCode         int32
	ScoreThreshold   float64
	ScoreLow         float64
	ScoreHigh        float64
	ConfidenceAbove  float64
	ConsensusThresh  float64
	ConsensusAgree   float64
	EqualsKey        string
	EqualsValue      any
	ExistsKey        string
	InputEquals      string
	CustomExpr       string
}

// ExecutionStatus is the lifecycle status of a WorkflowExecution.
type ExecutionStatus string

const (
	StatusRunning         ExecutionStatus = "running"
	StatusCompleted       ExecutionStatus = "completed"
	StatusFailed          ExecutionStatus = "failed"
	StatusSuspendedHuman  ExecutionStatus = "suspended_human"
)

// WorkflowExecution is a runtime instance of a Workflow.
type WorkflowExecution struct {
	ID           string
	WorkflowID   string
	CurrentState string
	Blackboard   map[string]any
	Status       ExecutionStatus
	FailReason   string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Hierarchy    ExecutionHierarchy
	VolumeID     *string
	FinalOutput  map[string]any
}

// ExecutionHierarchy tracks agent-invokes-agent recursion as a tree of
// execution identifiers, never as mutual references.
type ExecutionHierarchy struct {
	Depth             uint8
	RootExecutionID   string
	ParentExecutionID *string
	Path              []string
}

// Validate enforces spec §3's hierarchy invariants.
func (h ExecutionHierarchy) Validate() error {
	if h.Depth > MaxRecursiveDepth {
		return ErrRecursionLimitExceeded
	}
	if len(h.Path) != int(h.Depth)+1 {
		return ErrInvalidHierarchyPath
	}
	return nil
}

// Iteration records one attempt at a state, owned by the ExecutionService
// and appended-only.
type Iteration struct {
	Number             int
	Action             string
	Output             map[string]any
	Error              string
	ValidationScore    *float64
	ValidationConfidence *float64
	JudgeScores        []float64
	StartedAt          time.Time
	EndedAt            time.Time
}

// VolumeStatus is the lifecycle status of a Volume (C8).
type VolumeStatus string

const (
	VolumeCreating  VolumeStatus = "creating"
	VolumeAvailable VolumeStatus = "available"
	VolumeAttached  VolumeStatus = "attached"
	VolumeDetached  VolumeStatus = "detached"
	VolumeDeleted   VolumeStatus = "deleted"
	VolumeExpired   VolumeStatus = "expired"
)

// VolumeOwnership identifies what owns a Volume.
type VolumeOwnership struct {
	Type string // "workflow_execution"
	ID   string
}

// Volume is a named workspace bound to a workflow execution.
type Volume struct {
	ID             string
	Name           string
	TenantID       string
	RemotePath     string
	SizeLimitBytes int64
	Status         VolumeStatus
	Ownership      VolumeOwnership
	CreatedAt      time.Time
	AttachedAt     *time.Time
	DetachedAt     *time.Time
	ExpiresAt      *time.Time
}
