package eventbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/100monkeys/fractal/internal/workflow/eventbus"
)

func TestIdempotencyKey_StableForSameContext(t *testing.T) {
	c := eventbus.StepContext{ExecutionID: "exec_1", StateName: "draft"}
	assert.Equal(t, c.IdempotencyKey(), c.IdempotencyKey())
}

func TestIdempotencyKey_DiffersByBranchPath(t *testing.T) {
	c := eventbus.StepContext{ExecutionID: "exec_1", StateName: "judge"}
	a := c.WithBranchPath("j1").IdempotencyKey()
	b := c.WithBranchPath("j2").IdempotencyKey()
	assert.NotEqual(t, a, b)
}

func TestIdempotencyKey_DiffersByForeachIndex(t *testing.T) {
	base := eventbus.StepContext{ExecutionID: "exec_1", StateName: "each_item", HasForeach: true}
	first := base
	first.ForeachIndex = 0
	second := base
	second.ForeachIndex = 1

	assert.NotEqual(t, first.IdempotencyKey(), second.IdempotencyKey())
}

func TestIdempotencyKey_Is16HexChars(t *testing.T) {
	c := eventbus.StepContext{ExecutionID: "exec_1", StateName: "draft"}
	key := c.IdempotencyKey()
	assert.Len(t, key, 16)
}
