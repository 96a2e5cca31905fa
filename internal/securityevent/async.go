package securityevent

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// publishTimeout is the max time allowed for a single async publish. Used by PublishAsync and by ShutdownDrainDuration.
const publishTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after gRPC GracefulStop before closing publishers,
// so in-flight async publishes have time to complete. Must be >= publishTimeout.
const ShutdownDrainDuration = publishTimeout

// PublishAsync runs Publish in a goroutine with a short timeout so the caller is not blocked.
// The goroutine uses context.Background() so request cancellation does not abort an in-flight
// publish. p may be nil; PublishAsync then returns without starting a goroutine.
func PublishAsync(p Publisher, e Event, logger *zap.Logger) {
	if p == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, e); err != nil {
			logger.Warn("securityevent: async publish failed",
				zap.String("type", e.Type), zap.String("correlation_id", e.CorrelationID), zap.Error(err))
		}
	}()
}
