package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"iam-workflow/backend/internal/audit"
	auditrepo "iam-workflow/backend/internal/audit/repository"
	"iam-workflow/backend/internal/authstate"
	authstaterepo "iam-workflow/backend/internal/authstate/repository"
	"iam-workflow/backend/internal/config"
	"iam-workflow/backend/internal/credential"
	"iam-workflow/backend/internal/db"
	fedclient "iam-workflow/backend/internal/federation/client"
	federationrepo "iam-workflow/backend/internal/federation/repository"
	identityrepo "iam-workflow/backend/internal/identity/repository"
	"iam-workflow/backend/internal/legacy"
	"iam-workflow/backend/internal/lock"
	"iam-workflow/backend/internal/logging"
	membershiprepo "iam-workflow/backend/internal/membership/repository"
	"iam-workflow/backend/internal/policy/engine"
	policyrepo "iam-workflow/backend/internal/policy/repository"
	"iam-workflow/backend/internal/policy/resolver"
	"iam-workflow/backend/internal/recaptcha"
	"iam-workflow/backend/internal/security"
	"iam-workflow/backend/internal/securityevent"
	"iam-workflow/backend/internal/server"
	"iam-workflow/backend/internal/server/interceptors"
	"iam-workflow/backend/internal/telemetry"
	telemetryotel "iam-workflow/backend/internal/telemetry/otel"
	tenantrepo "iam-workflow/backend/internal/tenant/repository"
	userrepo "iam-workflow/backend/internal/user/repository"
	"iam-workflow/backend/internal/workflow/repository"
	"iam-workflow/backend/internal/workflow/service"
)

const (
	serviceName         = "iam-workflow"
	oidcDiscoveryTTL    = time.Hour
	healthCheckInterval = 10 * time.Second
	sweepInterval       = time.Minute
	sweepBatch          = 500
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger config is not loaded yet.
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
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, cfg.OTLPInsecure)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	tokens, err := tokenProvider(cfg)
	if err != nil {
		return err
	}

	events, err := eventPublisher(cfg, providers, logger)
	if err != nil {
		return err
	}
	if events != nil {
		defer func() { _ = events.Close() }()
	}

	locker, closeLocker := sessionLocker(cfg, logger)
	defer closeLocker()

	metrics, err := telemetry.NewWorkflowMetrics(otel.Meter(serviceName))
	if err != nil {
		return err
	}

	users := userrepo.NewPostgresRepository(database)
	tenants := tenantrepo.NewPostgresRepository(database)
	policies := policyrepo.NewPostgresRepository(database)
	memberships := membershiprepo.NewPostgresRepository(database)
	authStates := authstaterepo.NewPostgresRepository(database)
	auditLogger := audit.NewLogger(auditrepo.NewPostgresRepository(database), interceptors.ClientIP, logger)

	opa := engine.NewOPAEvaluator(policies, logger)
	defaultAlg, _ := security.ParseAlgorithm(cfg.DefaultHashAlgorithm)
	res := resolver.New(tenants, policies, memberships, opa, resolver.Config{
		DefaultTenantID:         cfg.DefaultTenantID,
		DefaultFailureThreshold: cfg.DefaultFailureThreshold,
		DefaultHashAlgorithm:    defaultAlg,
	})
	hasher := security.NewHasher(cfg.BcryptCost)
	totp := credential.NewTOTP(cfg.TOTPIssuer, cfg.TOTPSkew)

	deps := service.Deps{
		Steps:       repository.NewPostgresRepository(database),
		Users:       users,
		Links:       identityrepo.NewPostgresRepository(database),
		Memberships: memberships,
		Resolver:    res,
		Auth:        authStates,
		Tokens:      authstate.NewIssuer(authStates, tokens, cfg.AuthCodeTTL()),
		Totp:        totp,
		Hasher:      hasher,
		Providers:   federationrepo.NewPostgresRepository(database),
		Federation:  fedclient.NewClient(oidcDiscoveryTTL, cfg.OutboundTimeout(), logger),
		Legacy:      legacy.NewHTTPClient(cfg.OutboundTimeout()),
		Locker:      locker,
		Audit:       auditLogger,
		Metrics:     metrics,
		Logger:      logger,
	}
	// Optional collaborators are assigned only when configured so the interfaces stay nil.
	var keys credential.AssertionVerifier
	if cfg.WebAuthnRPID != "" {
		v, err := credential.NewWebAuthnVerifier(cfg.WebAuthnRPID, cfg.WebAuthnRPName, cfg.WebAuthnOrigins())
		if err != nil {
			return err
		}
		deps.Keys = v
		keys = v
	}
	if cfg.RecaptchaSecret != "" {
		deps.Captcha = recaptcha.NewVerifier(cfg.RecaptchaSecret, cfg.RecaptchaVerifyURL, cfg.OutboundTimeout())
	}
	if events != nil {
		deps.Events = events
	}
	deps.Credentials = credential.NewValidator(users, res, hasher, totp, keys, logger)

	wf, err := service.New(deps, service.Config{
		WorkflowTTL:         cfg.WorkflowTTL(),
		SessionLockTTL:      cfg.SessionLockTTL(),
		OutboundTimeout:     cfg.OutboundTimeout(),
		PortalTokenTTL:      cfg.PortalTokenTTL(),
		PortalURI:           cfg.PortalURI,
		DeviceRegisteredURI: cfg.DeviceRegisteredURI,
	})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	defer lis.Close()

	s, hs := server.NewGRPCServer(server.Deps{
		Workflow: wf,
		Tokens:   tokens,
		Audit:    auditLogger,
		Logger:   logger,
	})

	go server.MonitorHealth(ctx, hs, healthCheckInterval, map[string]server.Check{
		"postgres": database.PingContext,
		"policy":   opa.HealthCheck,
	}, logger)
	go wf.RunSweeper(ctx, sweepInterval, sweepBatch)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		serveErr <- s.Serve(lis)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down gRPC server")
	s.GracefulStop()
	logger.Info("gRPC server stopped")
	return nil
}

func tokenProvider(cfg *config.Config) (*security.TokenProvider, error) {
	if cfg.JWTPrivateKey == "" || cfg.JWTPublicKey == "" {
		return nil, errors.New("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set")
	}
	priv, pub, err := security.LoadSigningKeys(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	return security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience), nil
}

// eventPublisher returns the configured security event sink, or nil when events are disabled.
func eventPublisher(cfg *config.Config, providers *telemetryotel.Providers, logger *zap.Logger) (securityevent.Publisher, error) {
	switch cfg.SecurityEventSink {
	case config.SinkNone:
		return nil, nil
	case config.SinkKafka:
		return securityevent.NewKafkaPublisher(cfg.KafkaBrokersList(), cfg.SecurityEventTopic), nil
	case config.SinkAMQP:
		return securityevent.NewAMQPPublisher(cfg.AMQPURL, cfg.SecurityEventExchange, logger)
	case config.SinkOTel:
		return telemetryotel.NewEventPublisher(providers.LoggerProvider), nil
	default:
		return securityevent.NewLogPublisher(logger), nil
	}
}

// sessionLocker returns a Redis lock when REDIS_ADDR is set so replicas share session locks,
// otherwise an in-process lock.
func sessionLocker(cfg *config.Config, logger *zap.Logger) (service.Locker, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set; using in-process session lock")
		return lock.NewMemoryLocker(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return lock.NewRedisLocker(client), func() { _ = client.Close() }
}
