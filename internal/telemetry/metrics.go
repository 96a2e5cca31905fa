// Package telemetry records workflow metrics through the OpenTelemetry metric API.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "iam-workflow/backend/workflow"

// WorkflowMetrics counts step outcomes and completed workflows. A nil *WorkflowMetrics is a
// valid no-op recorder.
type WorkflowMetrics struct {
	steps       metric.Int64Counter
	completions metric.Int64Counter
	expired     metric.Int64Counter
}

// NewWorkflowMetrics creates the counters on meter. A nil meter uses the global MeterProvider.
func NewWorkflowMetrics(meter metric.Meter) (*WorkflowMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	steps, err := meter.Int64Counter("iam.workflow.step.outcomes",
		metric.WithDescription("Workflow step attempts by step kind and outcome code"))
	if err != nil {
		return nil, err
	}
	completions, err := meter.Int64Counter("iam.workflow.completions",
		metric.WithDescription("Workflows finalized by terminal step"))
	if err != nil {
		return nil, err
	}
	expired, err := meter.Int64Counter("iam.workflow.expired_sessions",
		metric.WithDescription("Expired workflow sessions removed"))
	if err != nil {
		return nil, err
	}
	return &WorkflowMetrics{steps: steps, completions: completions, expired: expired}, nil
}

// RecordStep counts one attempt at step kind. An empty code is recorded as "ok".
func (m *WorkflowMetrics) RecordStep(ctx context.Context, kind, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("step", kind), attribute.String("code", code)))
}

// RecordCompletion counts a workflow finalized by the terminal step kind.
func (m *WorkflowMetrics) RecordCompletion(ctx context.Context, terminal string) {
	if m == nil {
		return
	}
	m.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("terminal", terminal)))
}

// RecordExpired counts n expired sessions removed by source ("request" or "sweeper").
func (m *WorkflowMetrics) RecordExpired(ctx context.Context, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}
