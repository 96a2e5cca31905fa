package service

import (
	"context"
	"time"

	authdomain "iam-workflow/backend/internal/authstate/domain"
	"iam-workflow/backend/internal/credential"
	federationdomain "iam-workflow/backend/internal/federation/domain"
	identitydomain "iam-workflow/backend/internal/identity/domain"
	"iam-workflow/backend/internal/legacy"
	membershipdomain "iam-workflow/backend/internal/membership/domain"
	policydomain "iam-workflow/backend/internal/policy/domain"
	"iam-workflow/backend/internal/policy/engine"
	"iam-workflow/backend/internal/security"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

// StepStore persists workflow step rows.
type StepStore interface {
	CreateSteps(ctx context.Context, steps []domain.Step) error
	GetSteps(ctx context.Context, sessionToken string) ([]domain.Step, error)
	UpdateStep(ctx context.Context, s domain.Step) error
	DeleteSteps(ctx context.Context, sessionToken string) error
	ReplaceSteps(ctx context.Context, sessionToken string, steps []domain.Step) error
	ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]string, error)
	CountUserSessions(ctx context.Context, userID string) (int, error)
}

// IdentityStore is the user storage the workflow reads and writes.
type IdentityStore interface {
	GetUserBy(ctx context.Context, kind userdomain.LookupKind, value string) (*userdomain.User, error)
	CreateUser(ctx context.Context, u *userdomain.User) error
	UpdateUser(ctx context.Context, u *userdomain.User) error
	DeleteUser(ctx context.Context, id string) error
	GetCredentials(ctx context.Context, userID string) ([]userdomain.Credential, error)
	AddCredential(ctx context.Context, c userdomain.Credential) error
	GetDuressCredential(ctx context.Context, userID string) (*userdomain.DuressCredential, error)
	SetDuressCredential(ctx context.Context, c userdomain.DuressCredential) error
	GetMfaRelations(ctx context.Context, userID string) ([]userdomain.MfaRelation, error)
	AddMfaRelation(ctx context.Context, r userdomain.MfaRelation) error
	ClearFailedAttempts(ctx context.Context, userID string) error
	HasAcceptedTerms(ctx context.Context, userID, tenantID string) (bool, error)
	AcceptTerms(ctx context.Context, a userdomain.TermsAcceptance) error
}

// IdentityLinkStore persists links between local users and federated subjects.
type IdentityLinkStore interface {
	GetByProviderSubject(ctx context.Context, providerID, subject string) (*identitydomain.Identity, error)
	Create(ctx context.Context, i *identitydomain.Identity) error
}

// MembershipStore persists user-to-tenant memberships.
type MembershipStore interface {
	GetByUserAndTenant(ctx context.Context, userID, tenantID string) (*membershipdomain.Membership, error)
	Create(ctx context.Context, m *membershipdomain.Membership) error
}

// PolicyResolver answers every tenant and policy question the workflow asks. It stands in for
// the tenant store: tenants are only ever read through their resolved policies.
type PolicyResolver interface {
	Tenant(ctx context.Context, id string) (*tenantdomain.Tenant, error)
	CandidateTenants(ctx context.Context, user *userdomain.User, email string) ([]*tenantdomain.Tenant, error)
	PasswordPolicy(ctx context.Context, tenantID string) (policydomain.PasswordPolicy, error)
	EffectivePasswordPolicy(ctx context.Context, target, credentialTenant string) (policydomain.PasswordPolicy, error)
	MFARequirements(ctx context.Context, tenant *tenantdomain.Tenant, user *userdomain.User, flow engine.Flow) (engine.MFAResult, error)
	Migration(ctx context.Context, tenantID string) (*tenantdomain.LegacyMigrationConfig, error)
}

// AuthStore reads and updates the client state a workflow originates from.
type AuthStore interface {
	GetPreAuthState(ctx context.Context, token string) (*authdomain.PreAuthState, error)
	GetDeviceCode(ctx context.Context, id string) (*authdomain.DeviceCode, error)
	UpdateDeviceCode(ctx context.Context, d *authdomain.DeviceCode) error
}

// TokenIssuer produces what a finalized workflow hands back to the caller.
type TokenIssuer interface {
	SignPortalToken(ctx context.Context, u *userdomain.User, tenantID string, ttl time.Duration) (string, time.Time, error)
	GenerateAuthorizationCode(ctx context.Context, userID, preAuthToken string) (string, error)
	AccessDeniedRedirect(ctx context.Context, preAuthToken string) (string, error)
}

// LegacySystemClient talks to the identity system users migrate from.
type LegacySystemClient interface {
	UsernameExists(ctx context.Context, uri, email string) (bool, error)
	Authenticate(ctx context.Context, uri, email, password string) (bool, error)
	FetchProfile(ctx context.Context, uri, email string) (*legacy.Profile, error)
}

// CredentialChecker validates submitted factors and applies the failure policy.
type CredentialChecker interface {
	Validate(ctx context.Context, u *userdomain.User, tenantID string, f credential.Factor, kind domain.StepKind) (credential.Attempt, error)
}

// TotpEnroller generates and verifies TOTP secrets during enrollment.
type TotpEnroller interface {
	Generate(account string) (secret, uri string, err error)
	Verify(secret, code string, at time.Time) bool
}

// SecurityKeyVerifier runs the begin halves of FIDO2 ceremonies and finishes registration.
// Assertions are finished by the CredentialChecker.
type SecurityKeyVerifier interface {
	BeginRegistration(u *userdomain.User, relations []userdomain.MfaRelation) (options, session []byte, err error)
	FinishRegistration(u *userdomain.User, relations []userdomain.MfaRelation, session, response []byte) (*userdomain.MfaRelation, error)
	BeginLogin(u *userdomain.User, relations []userdomain.MfaRelation) (options, session []byte, err error)
}

// PasswordHasher hashes and compares passwords.
type PasswordHasher interface {
	Hash(alg security.Algorithm, password []byte) (string, error)
	Compare(hash string, password []byte) error
}

// ProviderStore looks up federated identity providers.
type ProviderStore interface {
	GetProvider(ctx context.Context, id string) (*federationdomain.Provider, error)
	ProviderForDomain(ctx context.Context, emailDomain string) (*federationdomain.Provider, error)
}

// FederatedAuthenticator runs the OIDC code flow against a provider.
type FederatedAuthenticator interface {
	AuthCodeURL(ctx context.Context, p *federationdomain.Provider, state string) (string, error)
	Exchange(ctx context.Context, p *federationdomain.Provider, code string) (*federationdomain.Claims, error)
}

// CaptchaVerifier checks a captcha response submitted with a registration.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// Locker serializes requests for one session.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}
