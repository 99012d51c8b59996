package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100monkeys/fractal/internal/telemetry"
)

func TestNew_ReturnsUsableInstance(t *testing.T) {
	tel, err := telemetry.New()
	require.NoError(t, err)
	require.NotNil(t, tel)
}

func TestStartAndEndExecution_DoesNotPanic(t *testing.T) {
	tel, err := telemetry.New()
	require.NoError(t, err)

	ctx := tel.StartExecution(context.Background(), "exec_1", "draft-review")
	tel.EndExecution(ctx, "exec_1", "draft-review", "completed", 2*time.Second, nil)
}

func TestEndExecution_UnknownExecutionIDIsNoop(t *testing.T) {
	tel, err := telemetry.New()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		tel.EndExecution(context.Background(), "never-started", "draft-review", "completed", time.Second, nil)
	})
}

func TestStartAndEndTick_RecordsFailure(t *testing.T) {
	tel, err := telemetry.New()
	require.NoError(t, err)

	_, span := tel.StartTick(context.Background(), "exec_1", "judge", "parallel_agents")
	tel.EndTick(span, "parallel_agents", "failed", 500*time.Millisecond, errors.New("judge timed out"))
}

func TestRecordJudgeDispatch_DoesNotPanic(t *testing.T) {
	tel, err := telemetry.New()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		tel.RecordJudgeDispatch(context.Background(), "judge-quality", 120*time.Millisecond, true)
	})
}

func TestNATSCarrier_InjectExtractRoundtrip(t *testing.T) {
	carrier := telemetry.NewNATSCarrier()
	telemetry.Inject(context.Background(), carrier)

	restored := telemetry.NewNATSCarrierFromHeaders(carrier.Headers())
	ctx := telemetry.Extract(context.Background(), restored)

	assert.NotNil(t, ctx)
}

func TestNATSCarrier_KeysReflectsSetValues(t *testing.T) {
	carrier := telemetry.NewNATSCarrier()
	carrier.Set("traceparent", "00-abc-def-01")

	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Contains(t, carrier.Keys(), "traceparent")
}
