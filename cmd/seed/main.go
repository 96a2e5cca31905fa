// seed inserts development sample data for local testing: a default tenant with password,
// failure and MFA policies, a demo user with a password credential, a membership and a
// pre-auth state for exercising the RedirectBackToApplication flow.
// Idempotent: skips everything if the default tenant already exists.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"iam-workflow/backend/internal/authstate/domain"
	authstaterepo "iam-workflow/backend/internal/authstate/repository"
	"iam-workflow/backend/internal/config"
	"iam-workflow/backend/internal/db"
	"iam-workflow/backend/internal/logging"
	membershipdomain "iam-workflow/backend/internal/membership/domain"
	membershiprepo "iam-workflow/backend/internal/membership/repository"
	policydomain "iam-workflow/backend/internal/policy/domain"
	policyrepo "iam-workflow/backend/internal/policy/repository"
	"iam-workflow/backend/internal/security"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	tenantrepo "iam-workflow/backend/internal/tenant/repository"
	userdomain "iam-workflow/backend/internal/user/domain"
	userrepo "iam-workflow/backend/internal/user/repository"
)

// demoMFAPolicy requires TOTP for external (pre-auth) logins on top of the tenant flags.
const demoMFAPolicy = `package iam.mfa

default require_totp = false
default require_security_key = false

require_totp if {
	input.tenant.totp_required
}

require_totp if {
	input.flow.external
	input.user.exists
}

require_security_key if {
	input.tenant.security_key_required
}
`

const (
	devTenantID     = "dev-tenant-001"
	devTenantDomain = "example.com"
	devUserID       = "dev-user-001"
	devUserEmail    = "dev@example.com"
	devPassword     = "Dev-Password-2024!"
	devMembershipID = "dev-membership-001"
	devPolicyID     = "dev-policy-001"
	devClientID     = "dev-client"
	devRedirectURI  = "http://localhost:3000/callback"
)

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

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer conn.Close()

	ctx := context.Background()
	tenants := tenantrepo.NewPostgresRepository(conn)
	existing, err := tenants.GetTenantByID(ctx, devTenantID)
	if err != nil {
		logger.Fatal("seed check", zap.Error(err))
	}
	if existing != nil {
		logger.Info("seed already applied; skipping", zap.String("tenant_id", devTenantID))
		return
	}

	now := time.Now().UTC()
	tenant := &tenantdomain.Tenant{
		ID:                      devTenantID,
		Name:                    "Dev Tenant",
		Status:                  tenantdomain.TenantStatusActive,
		SelfRegistrationAllowed: true,
		TermsRequired:           true,
		DuressPasswordEnabled:   true,
		CreatedAt:               now,
	}
	must(logger, "create tenant", tenants.CreateTenant(ctx, tenant))
	must(logger, "domain mapping", tenants.AddDomainTenantMapping(ctx, tenantdomain.DomainMapping{Domain: devTenantDomain, TenantID: devTenantID}))
	must(logger, "legacy migration config", tenants.UpsertLegacyMigrationConfig(ctx, &tenantdomain.LegacyMigrationConfig{TenantID: devTenantID}))

	policies := policyrepo.NewPostgresRepository(conn)
	alg, ok := security.ParseAlgorithm(cfg.DefaultHashAlgorithm)
	if !ok {
		alg = security.AlgBcrypt
	}
	pw := &policydomain.PasswordPolicy{
		TenantID:       devTenantID,
		MinLength:      12,
		MaxLength:      128,
		RequireUpper:   true,
		RequireLower:   true,
		RequireNumber:  true,
		RequireSpecial: true,
		HistoryPeriod:  90 * 24 * time.Hour,
		RotationPeriod: 180 * 24 * time.Hour,
		HashAlgorithm:  alg,
	}
	must(logger, "password policy", policies.UpsertPasswordPolicy(ctx, pw))
	must(logger, "failure policy", policies.UpsertFailurePolicy(ctx, &policydomain.FailurePolicy{
		TenantID:      devTenantID,
		Type:          policydomain.FailurePause,
		MaxFailures:   3,
		PauseDuration: time.Minute,
	}))
	must(logger, "mfa policy", policies.Create(ctx, &policydomain.Policy{
		ID:        devPolicyID,
		TenantID:  devTenantID,
		Rules:     demoMFAPolicy,
		Enabled:   true,
		CreatedAt: now,
	}))

	if err := pw.Check(devPassword); err != nil {
		logger.Fatal("demo password violates the seeded policy", zap.Error(err))
	}
	hash, err := security.NewHasher(cfg.BcryptCost).Hash(alg, []byte(devPassword))
	if err != nil {
		logger.Fatal("hash password", zap.Error(err))
	}
	users := userrepo.NewPostgresRepository(conn)
	must(logger, "create user", users.CreateUser(ctx, &userdomain.User{
		ID:            devUserID,
		TenantID:      devTenantID,
		Email:         devUserEmail,
		Name:          "Dev User",
		RecoveryEmail: "recovery@" + devTenantDomain,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	must(logger, "add credential", users.AddCredential(ctx, userdomain.Credential{
		ID:        uuid.New().String(),
		UserID:    devUserID,
		TenantID:  devTenantID,
		Hash:      hash,
		Algorithm: string(alg),
		CreatedAt: now,
	}))
	must(logger, "accept terms", users.AcceptTerms(ctx, userdomain.TermsAcceptance{UserID: devUserID, TenantID: devTenantID, AcceptedAt: now}))

	must(logger, "membership", membershiprepo.NewPostgresRepository(conn).Create(ctx, &membershipdomain.Membership{
		ID:        devMembershipID,
		UserID:    devUserID,
		TenantID:  devTenantID,
		Source:    membershipdomain.SourceProvisioned,
		CreatedAt: now,
	}))

	preAuth, err := security.NewOpaqueToken(32)
	if err != nil {
		logger.Fatal("pre-auth token", zap.Error(err))
	}
	must(logger, "pre-auth state", authstaterepo.NewPostgresRepository(conn).CreatePreAuthState(ctx, &domain.PreAuthState{
		Token:       preAuth,
		ClientID:    devClientID,
		TenantID:    devTenantID,
		RedirectURI: devRedirectURI,
		State:       "dev",
		Scope:       "openid",
		ExpiresAt:   now.Add(24 * time.Hour),
	}))

	logger.Info("seed applied",
		zap.String("tenant_id", devTenantID),
		zap.String("email", devUserEmail),
		zap.String("pre_auth_token", preAuth))
}

func must(logger *zap.Logger, step string, err error) {
	if err != nil {
		logger.Fatal("seed: "+step, zap.Error(err))
	}
}
