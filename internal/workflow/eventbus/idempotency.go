package eventbus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// StepContext identifies one state dispatch uniquely enough to
// deduplicate redelivered schedule events: the execution, the state
// name, and — for ParallelAgents/foreach-shaped branches — a branch
// path and iteration index.
//
// Grounded on station/internal/workflows/stepid.go's StepContext/
// GenerateStepID (SHA-256 over run_id+state_name+branch_path+
// foreach_index, truncated to 16 hex chars).
type StepContext struct {
	ExecutionID   string
	StateName     string
	BranchPath    string
	ForeachIndex  int
	HasForeach    bool
}

// WithBranchPath returns a copy of c scoped to one ParallelAgents
// branch, identified by its agent_ref.
func (c StepContext) WithBranchPath(branch string) StepContext {
	c.BranchPath = branch
	return c
}

// IdempotencyKey deterministically derives a 16-hex-character key from
// c, suitable for jetstream.WithMsgID so a redelivered schedule for the
// exact same (execution, state, branch, index) tuple collapses to a
// single effective publish.
func (c StepContext) IdempotencyKey() string {
	foreachPart := "-"
	if c.HasForeach {
		foreachPart = fmt.Sprintf("%d", c.ForeachIndex)
	}
	raw := fmt.Sprintf("%s|%s|%s|%s", c.ExecutionID, c.StateName, c.BranchPath, foreachPart)

	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
