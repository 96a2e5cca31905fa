package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"iam-workflow/backend/internal/workflow/handler"
)

// Check is a readiness probe, e.g. (*sql.DB).PingContext or the OPA evaluator's HealthCheck.
type Check func(ctx context.Context) error

// CheckHealth runs every check and sets the overall and workflow serving status accordingly.
// It returns false if any check failed.
func CheckHealth(ctx context.Context, hs *health.Server, checks map[string]Check, logger *zap.Logger) bool {
	if logger == nil {
		logger = zap.NewNop()
	}
	healthy := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			logger.Warn("health: check failed", zap.String("check", name), zap.Error(err))
			healthy = false
		}
	}
	st := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(handler.ServiceName, st)
	return healthy
}

// MonitorHealth runs CheckHealth immediately and then every interval until ctx is done, when
// the health server is shut down so clients see NOT_SERVING during drain.
func MonitorHealth(ctx context.Context, hs *health.Server, interval time.Duration, checks map[string]Check, logger *zap.Logger) {
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		CheckHealth(pctx, hs, checks, logger)
	}
	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			probe()
		}
	}
}
