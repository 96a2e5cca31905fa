package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"iam-workflow/backend/internal/securityevent"
)

// recordEmitter is the subset of otellog.Logger the publisher needs.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// EventPublisher sends security events as OTel log records.
type EventPublisher struct {
	logger recordEmitter
}

// NewEventPublisher returns a publisher emitting through provider. provider must not be nil.
func NewEventPublisher(provider *sdklog.LoggerProvider) *EventPublisher {
	return &EventPublisher{logger: provider.Logger("iam.securityevent")}
}

func newEventPublisherWithLogger(l recordEmitter) *EventPublisher {
	return &EventPublisher{logger: l}
}

// Publish converts the event to a log record and emits it.
func (p *EventPublisher) Publish(ctx context.Context, e securityevent.Event) error {
	rec := otellog.Record{}
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(otellog.SeverityInfo)
	if e.Type == securityevent.TypeDuressLogin {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	rec.SetBody(otellog.StringValue("security event " + e.Type))
	rec.AddAttributes(
		otellog.String("event_type", e.Type),
		otellog.String("user_id", e.UserID),
		otellog.String("tenant_id", e.TenantID),
		otellog.String("correlation_id", e.CorrelationID),
	)
	p.logger.Emit(ctx, rec)
	return nil
}

// Close is a no-op; the LoggerProvider is shut down with the other providers.
func (p *EventPublisher) Close() error { return nil }
