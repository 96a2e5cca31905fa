// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Security event sinks accepted by SECURITY_EVENT_SINK.
const (
	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkAMQP  = "amqp"
	SinkOTel  = "otel"
	SinkNone  = "none"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr enables the Redis session lock when set; otherwise an in-process lock is used.
	RedisAddr string `mapstructure:"REDIS_ADDR"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim of portal tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim of portal tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	// PortalTokenTTLRaw is the portal token lifetime (e.g. "1h").
	PortalTokenTTLRaw string `mapstructure:"PORTAL_TOKEN_TTL"`
	// AuthCodeTTLRaw is the authorization code lifetime (e.g. "2m").
	AuthCodeTTLRaw string `mapstructure:"AUTH_CODE_TTL"`
	// WorkflowTTLRaw is how long a workflow session stays valid after it starts.
	WorkflowTTLRaw string `mapstructure:"WORKFLOW_TTL"`
	// SessionLockTTLRaw bounds how long one call may hold a session's lock.
	SessionLockTTLRaw string `mapstructure:"SESSION_LOCK_TTL"`
	// OutboundTimeoutRaw bounds gating calls to the legacy system and reCAPTCHA.
	OutboundTimeoutRaw string `mapstructure:"OUTBOUND_TIMEOUT"`

	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// DefaultHashAlgorithm is used when no password policy names a known algorithm.
	DefaultHashAlgorithm string `mapstructure:"DEFAULT_HASH_ALGORITHM"`
	// DefaultFailureThreshold is the lock threshold for tenants without a failure policy.
	DefaultFailureThreshold int `mapstructure:"DEFAULT_FAILURE_THRESHOLD"`
	// DefaultTenantID is the portal tenant used when an email matches no tenant.
	DefaultTenantID string `mapstructure:"DEFAULT_TENANT_ID"`

	// PortalURI is where portal logins land after completion.
	PortalURI string `mapstructure:"PORTAL_URI"`
	// DeviceRegisteredURI is shown at the end of a device-code workflow.
	DeviceRegisteredURI string `mapstructure:"DEVICE_REGISTERED_URI"`

	// TOTPIssuer is the issuer label in otpauth:// URIs.
	TOTPIssuer string `mapstructure:"TOTP_ISSUER"`
	// TOTPSkew is the number of 30s periods accepted either side of now.
	TOTPSkew uint `mapstructure:"TOTP_SKEW"`

	// WebAuthnRPID is the relying party ID (usually the portal host); empty disables security keys.
	WebAuthnRPID string `mapstructure:"WEBAUTHN_RP_ID"`
	// WebAuthnRPName is the relying party display name.
	WebAuthnRPName string `mapstructure:"WEBAUTHN_RP_NAME"`
	// WebAuthnRPOrigins is a comma-separated list of allowed origins.
	WebAuthnRPOrigins string `mapstructure:"WEBAUTHN_RP_ORIGINS"`

	// SecurityEventSink selects the publisher: log (default), kafka, amqp, otel or none.
	SecurityEventSink string `mapstructure:"SECURITY_EVENT_SINK"`
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SecurityEventTopic is the Kafka topic for security events.
	SecurityEventTopic string `mapstructure:"SECURITY_EVENT_TOPIC"`
	// KafkaGroupID is the consumer group ID for the security event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// AMQPURL is the RabbitMQ URL used when SecurityEventSink is amqp.
	AMQPURL string `mapstructure:"AMQP_URL"`
	// SecurityEventExchange is the RabbitMQ topic exchange for security events.
	SecurityEventExchange string `mapstructure:"SECURITY_EVENT_EXCHANGE"`

	// RecaptchaSecret enables reCAPTCHA verification for tenants that require it.
	RecaptchaSecret string `mapstructure:"RECAPTCHA_SECRET"`
	// RecaptchaVerifyURL is the siteverify endpoint.
	RecaptchaVerifyURL string `mapstructure:"RECAPTCHA_VERIFY_URL"`

	// OTLPEndpoint is the OTLP gRPC collector; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to an https endpoint.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Worker-only: Loki URL the security event worker forwards events to (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	// Every key needs a default so Unmarshal picks it up from the environment.
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "iam-workflow")
	v.SetDefault("JWT_AUDIENCE", "iam-portal")
	v.SetDefault("PORTAL_TOKEN_TTL", "1h")
	v.SetDefault("AUTH_CODE_TTL", "2m")
	v.SetDefault("WORKFLOW_TTL", "15m")
	v.SetDefault("SESSION_LOCK_TTL", "10s")
	v.SetDefault("OUTBOUND_TIMEOUT", "5s")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("DEFAULT_HASH_ALGORITHM", "bcrypt")
	v.SetDefault("DEFAULT_FAILURE_THRESHOLD", 5)
	v.SetDefault("DEFAULT_TENANT_ID", "")
	v.SetDefault("PORTAL_URI", "")
	v.SetDefault("DEVICE_REGISTERED_URI", "")
	v.SetDefault("TOTP_ISSUER", "IAM")
	v.SetDefault("TOTP_SKEW", 1)
	v.SetDefault("WEBAUTHN_RP_ID", "")
	v.SetDefault("WEBAUTHN_RP_NAME", "IAM")
	v.SetDefault("WEBAUTHN_RP_ORIGINS", "")
	v.SetDefault("SECURITY_EVENT_SINK", SinkLog)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_EVENT_TOPIC", "iam-security-events")
	v.SetDefault("KAFKA_GROUP_ID", "iam-security-event-worker")
	v.SetDefault("AMQP_URL", "")
	v.SetDefault("SECURITY_EVENT_EXCHANGE", "iam.security")
	v.SetDefault("RECAPTCHA_SECRET", "")
	v.SetDefault("RECAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.DefaultFailureThreshold <= 0 {
		return nil, errors.New("config: DEFAULT_FAILURE_THRESHOLD must be positive")
	}

	cfg.SecurityEventSink = strings.ToLower(strings.TrimSpace(cfg.SecurityEventSink))
	if cfg.SecurityEventSink == "" {
		cfg.SecurityEventSink = SinkLog
	}
	switch cfg.SecurityEventSink {
	case SinkLog, SinkOTel, SinkNone:
	case SinkKafka:
		if len(cfg.KafkaBrokersList()) == 0 {
			return nil, errors.New("config: KAFKA_BROKERS must be set when SECURITY_EVENT_SINK=kafka")
		}
	case SinkAMQP:
		if cfg.AMQPURL == "" {
			return nil, errors.New("config: AMQP_URL must be set when SECURITY_EVENT_SINK=amqp")
		}
	default:
		return nil, fmt.Errorf("config: unknown SECURITY_EVENT_SINK %q", cfg.SecurityEventSink)
	}

	for key, raw := range map[string]string{
		"PORTAL_TOKEN_TTL": cfg.PortalTokenTTLRaw,
		"AUTH_CODE_TTL":    cfg.AuthCodeTTLRaw,
		"WORKFLOW_TTL":     cfg.WorkflowTTLRaw,
		"SESSION_LOCK_TTL": cfg.SessionLockTTLRaw,
		"OUTBOUND_TIMEOUT": cfg.OutboundTimeoutRaw,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return nil, fmt.Errorf("config: %s must be a positive duration, got %q", key, raw)
		}
	}

	return &cfg, nil
}

func mustDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// PortalTokenTTL returns the portal token lifetime. Returns 1h if unset or invalid.
func (c *Config) PortalTokenTTL() time.Duration { return mustDuration(c.PortalTokenTTLRaw, time.Hour) }

// AuthCodeTTL returns the authorization code lifetime. Returns 2m if unset or invalid.
func (c *Config) AuthCodeTTL() time.Duration { return mustDuration(c.AuthCodeTTLRaw, 2*time.Minute) }

// WorkflowTTL returns the workflow session lifetime. Returns 15m if unset or invalid.
func (c *Config) WorkflowTTL() time.Duration { return mustDuration(c.WorkflowTTLRaw, 15*time.Minute) }

// SessionLockTTL returns the session lock lease. Returns 10s if unset or invalid.
func (c *Config) SessionLockTTL() time.Duration {
	return mustDuration(c.SessionLockTTLRaw, 10*time.Second)
}

// OutboundTimeout returns the timeout for gating outbound calls. Returns 5s if unset or invalid.
func (c *Config) OutboundTimeout() time.Duration {
	return mustDuration(c.OutboundTimeoutRaw, 5*time.Second)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// WebAuthnOrigins returns the allowed WebAuthn origins from the comma-separated config.
func (c *Config) WebAuthnOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.WebAuthnRPOrigins)
}
