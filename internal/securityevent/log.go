package securityevent

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the service log. It is the sink when no broker is configured
// and the fallback when the configured broker is unreachable at startup.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a LogPublisher writing to logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("securityevent")}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.Info("security event",
		zap.String("type", e.Type),
		zap.String("user_id", e.UserID),
		zap.String("tenant_id", e.TenantID),
		zap.String("correlation_id", e.CorrelationID),
		zap.Time("occurred_at", e.OccurredAt),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
