package learning_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100monkeys/fractal/internal/workflow/learning"
)

func TestPatternTracker_FirstObservationSeedsExactly(t *testing.T) {
	tr := learning.NewPatternTracker()
	updated := tr.Update("writer-review", 0.8)
	assert.Equal(t, 0.8, updated)
}

func TestPatternTracker_EWMABlendsSubsequentObservations(t *testing.T) {
	tr := learning.NewPatternTracker()
	tr.Update("writer-review", 1.0)
	updated := tr.Update("writer-review", 0.0)

	// alpha=0.3: 0.3*0 + 0.7*1.0 = 0.7
	assert.InDelta(t, 0.7, updated, 1e-9)
}

func TestPatternTracker_ScoreReturnsFalseForUnknownKey(t *testing.T) {
	tr := learning.NewPatternTracker()
	_, ok := tr.Score("never-seen")
	assert.False(t, ok)
}

func TestPatternTracker_ScoreReturnsCurrentAverage(t *testing.T) {
	tr := learning.NewPatternTracker()
	tr.Update("k", 0.5)
	got, ok := tr.Score("k")
	require.True(t, ok)
	assert.Equal(t, 0.5, got)
}
