package obslog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/100monkeys/fractal/internal/obslog"
)

func TestIsDebugEnabled_TogglesWithInitialize(t *testing.T) {
	obslog.Initialize(false)
	assert.False(t, obslog.IsDebugEnabled())

	obslog.Initialize(true)
	assert.True(t, obslog.IsDebugEnabled())

	obslog.Initialize(false)
	assert.False(t, obslog.IsDebugEnabled())
}

func TestDebug_DoesNotPanicWhenDisabled(t *testing.T) {
	obslog.Initialize(false)
	assert.NotPanics(t, func() {
		obslog.Debug("state=%s iteration=%d", "draft", 3)
	})
}

func TestInfoAndError_DoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		obslog.Info("execution %s started", "exec_1")
		obslog.Error("execution %s failed: %v", "exec_1", assert.AnError)
	})
}
