// Package runtime models the Runtime capability: the sandboxed agent
// spawner (Firecracker microVM, Docker container, or bare process,
// selected by workflow.IsolationMode) that actually runs agent code.
// Per spec.md §1 this collaborator is explicitly out of scope — this
// package defines the interface ExecutionService needs and a thin
// gRPC client-side adapter against an out-of-process spawner; it never
// implements the spawner itself.
package runtime

import (
	"context"
	"time"
)

// SpawnRequest is everything a Runtime needs to start one agent
// invocation.
type SpawnRequest struct {
	AgentRef  string
	Input     string // hydrated input_template
	Isolation string // workflow.IsolationMode value
	Timeout   time.Duration
}

// SpawnHandle identifies a running (or completed) agent invocation for
// later Execute/Status/Terminate calls.
type SpawnHandle struct {
	ID string
}

// RunResult is the raw result of one agent invocation, before
// ExecutionService's envelope extraction and schema validation.
type RunResult struct {
	RawOutput string
	ExitCode  int32
}

// Status is a Runtime-reported invocation state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Runtime is the capability interface ExecutionService depends on.
// Implementations own sandbox lifecycle (spawn, stream/await, tear
// down); ExecutionService only ever sees RunResult/Status.
type Runtime interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnHandle, error)
	Execute(ctx context.Context, handle SpawnHandle) (RunResult, error)
	Terminate(ctx context.Context, handle SpawnHandle) error
	Status(ctx context.Context, handle SpawnHandle) (Status, error)
}
