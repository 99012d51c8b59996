// Package telemetry wraps OpenTelemetry span and metric instrumentation
// around execution lifecycle, state ticks, and judge dispatch.
//
// Grounded on
// station/internal/workflows/runtime/telemetry.go (WorkflowTelemetry:
// one span per run plus one span per step, counters/histograms for
// both, a NATS header trace carrier for cross-process propagation).
// Generalized here from "workflow run" to "execution" and from
// "workflow step" to "state tick", plus a judge-dispatch counter for
// parallel judge fan-out (recorded as a metric only, with no span of
// its own), which the teacher's single-agent model never needed.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "fractal.engine"
	meterName  = "fractal.engine"
)

// Telemetry holds every counter/histogram the engine emits plus the
// in-flight execution-level spans, keyed by execution id so EndExecution
// can be called from a different goroutine than StartExecution.
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	executionCounter  metric.Int64Counter
	executionDuration metric.Float64Histogram
	tickCounter       metric.Int64Counter
	tickDuration      metric.Float64Histogram
	activeExecutions  metric.Int64UpDownCounter
	failureCounter    metric.Int64Counter
	judgeDuration     metric.Float64Histogram

	mu    sync.RWMutex
	spans map[string]trace.Span
}

// New builds a Telemetry instance against the globally configured
// OTel providers (set up by whatever OTLP exporter the host process
// wires in main).
func New() (*Telemetry, error) {
	t := &Telemetry{
		tracer: otel.Tracer(tracerName),
		meter:  otel.Meter(meterName),
		spans:  make(map[string]trace.Span),
	}

	var err error

	t.executionCounter, err = t.meter.Int64Counter(
		"fractal_executions_total",
		metric.WithDescription("Total number of workflow executions started"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create execution counter: %w", err)
	}

	t.executionDuration, err = t.meter.Float64Histogram(
		"fractal_execution_duration_seconds",
		metric.WithDescription("Duration of workflow executions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create execution duration histogram: %w", err)
	}

	t.tickCounter, err = t.meter.Int64Counter(
		"fractal_state_ticks_total",
		metric.WithDescription("Total number of state ticks dispatched"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create tick counter: %w", err)
	}

	t.tickDuration, err = t.meter.Float64Histogram(
		"fractal_state_tick_duration_seconds",
		metric.WithDescription("Duration of a single state tick in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create tick duration histogram: %w", err)
	}

	t.activeExecutions, err = t.meter.Int64UpDownCounter(
		"fractal_executions_active",
		metric.WithDescription("Number of currently running workflow executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create active executions counter: %w", err)
	}

	t.failureCounter, err = t.meter.Int64Counter(
		"fractal_failures_total",
		metric.WithDescription("Total number of execution or tick failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create failure counter: %w", err)
	}

	t.judgeDuration, err = t.meter.Float64Histogram(
		"fractal_judge_dispatch_duration_seconds",
		metric.WithDescription("Duration of a single parallel judge agent call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create judge duration histogram: %w", err)
	}

	return t, nil
}

// StartExecution opens the one long-lived span that spans an entire
// execution's lifetime and stashes it keyed by executionID so a later
// EndExecution call (from the tick loop, possibly a different
// goroutine) can close it.
func (t *Telemetry) StartExecution(ctx context.Context, executionID, workflowName string) context.Context {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("execution.run.%s", workflowName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("fractal.execution_id", executionID),
			attribute.String("fractal.workflow_name", workflowName),
		),
	)

	t.mu.Lock()
	t.spans[executionID] = span
	t.mu.Unlock()

	t.executionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("fractal.workflow_name", workflowName)))
	t.activeExecutions.Add(ctx, 1, metric.WithAttributes(attribute.String("fractal.workflow_name", workflowName)))

	return ctx
}

// EndExecution closes executionID's span and records its terminal
// status and duration.
func (t *Telemetry) EndExecution(ctx context.Context, executionID, workflowName, status string, duration time.Duration, err error) {
	t.mu.Lock()
	span, exists := t.spans[executionID]
	if exists {
		delete(t.spans, executionID)
	}
	t.mu.Unlock()

	if !exists || span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("fractal.status", status),
		attribute.Float64("fractal.duration_seconds", duration.Seconds()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("fractal.workflow_name", workflowName),
			attribute.String("failure.scope", "execution"),
		))
	} else if status == "completed" {
		span.SetStatus(codes.Ok, "execution completed")
	}

	span.End()

	t.executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("fractal.workflow_name", workflowName),
		attribute.String("fractal.status", status),
	))
	t.activeExecutions.Add(ctx, -1, metric.WithAttributes(attribute.String("fractal.workflow_name", workflowName)))
}

// StartTick opens a child span for a single state tick dispatch.
func (t *Telemetry) StartTick(ctx context.Context, executionID, stateName, stateKind string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("state.tick.%s", stateName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("fractal.execution_id", executionID),
			attribute.String("fractal.state_name", stateName),
			attribute.String("fractal.state_kind", stateKind),
		),
	)

	t.tickCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("fractal.state_kind", stateKind)))

	return ctx, span
}

// EndTick closes a tick span and records its outcome.
func (t *Telemetry) EndTick(span trace.Span, stateKind, status string, duration time.Duration, err error) {
	if span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("fractal.tick_status", status),
		attribute.Float64("fractal.tick_duration_seconds", duration.Seconds()),
	)

	ctx := context.Background()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("fractal.state_kind", stateKind),
			attribute.String("failure.scope", "tick"),
		))
	} else {
		span.SetStatus(codes.Ok, "tick completed")
	}

	span.End()

	t.tickDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("fractal.state_kind", stateKind),
		attribute.String("fractal.tick_status", status),
	))
}

// RecordJudgeDispatch records one parallel judge agent call's latency,
// independent of any span — judge calls are numerous and short-lived
// enough that a metric alone (no dedicated span per judge) keeps trace
// volume reasonable.
func (t *Telemetry) RecordJudgeDispatch(ctx context.Context, agentRef string, duration time.Duration, scored bool) {
	t.judgeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("fractal.agent_ref", agentRef),
		attribute.Bool("fractal.judge_scored", scored),
	))
}
