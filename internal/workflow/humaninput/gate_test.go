package humaninput_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100monkeys/fractal/internal/workflow/humaninput"
)

type fakeNotifier struct {
	mu          sync.Mutex
	timedOutIDs []string
}

func (f *fakeNotifier) TimeoutHumanInput(_ context.Context, executionID string, _ *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOutIDs = append(f.timedOutIDs, executionID)
}

func (f *fakeNotifier) saw(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.timedOutIDs {
		if got == id {
			return true
		}
	}
	return false
}

func TestGate_PromptThenCancelPreventsTimeout(t *testing.T) {
	notifier := &fakeNotifier{}
	gate := humaninput.NewGate(notifier)

	require.NoError(t, gate.Prompt(context.Background(), "e1", "approve?", 20*time.Millisecond, nil))
	assert.True(t, gate.HasPending("e1"))

	gate.Cancel(context.Background(), "e1")
	assert.False(t, gate.HasPending("e1"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, notifier.saw("e1"))
}

func TestGate_FiresTimeoutWhenUnanswered(t *testing.T) {
	notifier := &fakeNotifier{}
	gate := humaninput.NewGate(notifier)

	require.NoError(t, gate.Prompt(context.Background(), "e2", "approve?", 10*time.Millisecond, nil))

	require.Eventually(t, func() bool {
		return notifier.saw("e2")
	}, time.Second, 5*time.Millisecond)
	assert.False(t, gate.HasPending("e2"))
}

func TestGate_ZeroTimeoutNeverFires(t *testing.T) {
	notifier := &fakeNotifier{}
	gate := humaninput.NewGate(notifier)

	require.NoError(t, gate.Prompt(context.Background(), "e3", "approve?", 0, nil))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, notifier.saw("e3"))
	assert.True(t, gate.HasPending("e3"))
}
