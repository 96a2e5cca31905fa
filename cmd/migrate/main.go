// migrate applies the embedded SQL migrations: go run ./cmd/migrate -direction=up|down.
package main

import (
	"flag"
	"os"

	"go.uber.org/zap"

	"iam-workflow/backend/internal/config"
	"iam-workflow/backend/internal/db/migrate"
	"iam-workflow/backend/internal/logging"
)

func main() {
	direction := flag.String("direction", migrate.Up, "Migration direction: up or down")
	flag.Parse()

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

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		logger.Fatal("migrate failed", zap.String("direction", *direction), zap.Error(err))
	}
	version, dirty, err := migrate.Version(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("migrate: read version", zap.Error(err))
	}
	logger.Info("migrations applied",
		zap.String("direction", *direction), zap.Uint("version", version), zap.Bool("dirty", dirty))
}
