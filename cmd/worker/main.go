// Worker consumes security events from Kafka, records each in the audit log and, when LOKI_URL
// is set, forwards it to Loki. Set KAFKA_BROKERS, SECURITY_EVENT_TOPIC, KAFKA_GROUP_ID and
// DATABASE_URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"iam-workflow/backend/internal/audit"
	auditdomain "iam-workflow/backend/internal/audit/domain"
	auditrepo "iam-workflow/backend/internal/audit/repository"
	"iam-workflow/backend/internal/config"
	"iam-workflow/backend/internal/db"
	"iam-workflow/backend/internal/logging"
	"iam-workflow/backend/internal/securityevent"
	"iam-workflow/backend/internal/telemetry/loki"
)

const lokiTimeout = 10 * time.Second

// eventPusher forwards a consumed event to a log store; *loki.Client implements it.
type eventPusher interface {
	PushSecurityEvent(ctx context.Context, e securityevent.Event, raw []byte) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		return errors.New("worker: KAFKA_BROKERS is required")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("worker: DATABASE_URL is required")
	}
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLogger := audit.NewLogger(auditrepo.NewPostgresRepository(database), nil, logger)
	var pusher eventPusher
	if c := loki.NewClient(cfg.LokiURL, lokiTimeout); c != nil {
		pusher = c
	}

	consumer := securityevent.NewKafkaConsumer(brokers, cfg.SecurityEventTopic, cfg.KafkaGroupID, logger)
	defer consumer.Close()

	logger.Info("worker: consuming security events",
		zap.String("topic", cfg.SecurityEventTopic),
		zap.String("group", cfg.KafkaGroupID),
		zap.Bool("loki", pusher != nil))
	err = consumer.Run(ctx, recordEvent(auditLogger, pusher))
	logger.Info("worker: stopped")
	return err
}

// recordEvent returns a handler that writes e to the audit log under the event's tenant and
// user, then forwards it to pusher if set.
func recordEvent(a audit.AuditLogger, pusher eventPusher) securityevent.Handler {
	return func(ctx context.Context, e securityevent.Event, raw []byte) error {
		a.LogEvent(ctx, e.TenantID, e.UserID, e.Type, auditdomain.ResourceSecurityEvent, fmt.Sprintf("correlation_id=%s", e.CorrelationID))
		if pusher == nil {
			return nil
		}
		if err := pusher.PushSecurityEvent(ctx, e, raw); err != nil {
			return fmt.Errorf("loki push: %w", err)
		}
		return nil
	}
}
