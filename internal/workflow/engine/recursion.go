package engine

import (
	"fmt"

	"github.com/100monkeys/fractal/internal/workflow"
)

// deriveChildHierarchy computes the ExecutionHierarchy a recursively
// spawned child execution (an Agent state whose runtime itself invokes
// this engine, per spec.md §3's agent-invokes-agent recursion) must
// carry, and enforces workflow.MaxRecursiveDepth before the child is
// ever started.
//
// Grounded on pkg/turns/limiter.go's bounded-resource philosophy (a
// hard ceiling checked before the resource is consumed, not after) —
// generalized from per-conversation turn counting to per-branch
// recursion depth, since the spec's analogous "keep going?" question is
// answered by tree depth, not message count.
func deriveChildHierarchy(parent workflow.ExecutionHierarchy, childExecutionID string) (workflow.ExecutionHierarchy, error) {
	child := workflow.ExecutionHierarchy{
		Depth:             parent.Depth + 1,
		RootExecutionID:   parent.RootExecutionID,
		ParentExecutionID: strPtr(lastOrEmpty(parent.Path)),
		Path:              append(append([]string{}, parent.Path...), childExecutionID),
	}

	if err := child.Validate(); err != nil {
		return workflow.ExecutionHierarchy{}, fmt.Errorf("spawn child execution at depth %d: %w", child.Depth, err)
	}
	return child, nil
}

// rootHierarchy builds the ExecutionHierarchy for a freshly started,
// non-recursive execution: depth 0, a single-element path.
func rootHierarchy(executionID string) workflow.ExecutionHierarchy {
	return workflow.ExecutionHierarchy{
		Depth:           0,
		RootExecutionID: executionID,
		Path:            []string{executionID},
	}
}

func lastOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
