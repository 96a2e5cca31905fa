package domain

// ErrorCode is a machine-readable outcome of a workflow operation. Expected outcomes such as
// credential mismatches or expiry are reported as codes, not Go errors, so callers can branch.
type ErrorCode string

const (
	CodeOK ErrorCode = ""

	// Session
	CodeInvalidSession  ErrorCode = "invalid_session"
	CodeIncompleteState ErrorCode = "incomplete_state"
	CodeSessionBusy     ErrorCode = "session_busy"
	CodeInvalidRequest  ErrorCode = "invalid_request"

	// Expired
	CodeExpired ErrorCode = "expired"

	// AccountState
	CodeUserLocked      ErrorCode = "user_locked"
	CodeAccountDisabled ErrorCode = "account_disabled"
	CodeAccountDeleted  ErrorCode = "account_marked_for_delete"
	CodeAlreadyExists   ErrorCode = "account_already_exists"

	// Credential
	CodeInvalidCredentials ErrorCode = "invalid_credentials"
	CodeInvalidTotp        ErrorCode = "invalid_totp"
	CodeInvalidSecurityKey ErrorCode = "invalid_security_key"

	// RateLimit
	CodeAuthenticationPaused ErrorCode = "authentication_paused"

	// PolicyViolation
	CodeNoManagementDomain     ErrorCode = "no_management_domain"
	CodeInvalidPreAuth         ErrorCode = "invalid_pre_auth_or_device_code"
	CodeFederationRequired     ErrorCode = "federation_required"
	CodeRegistrationNotAllowed ErrorCode = "registration_not_allowed"
	CodeDomainRestricted       ErrorCode = "domain_restricted"
	CodePasswordPolicy         ErrorCode = "password_policy_violation"
	CodePasswordReused         ErrorCode = "password_reused"
	CodeTermsNotAccepted       ErrorCode = "terms_not_accepted"
	CodeTenantNotEligible      ErrorCode = "tenant_not_eligible"
	CodeCaptchaFailed          ErrorCode = "captcha_failed"

	// Migration
	CodeMigrationFailed ErrorCode = "migration_failed"

	// Dependency
	CodeFederationFailed ErrorCode = "federation_failed"
)

// Category groups error codes into the taxonomy callers branch on.
type Category string

const (
	CategoryNone            Category = ""
	CategorySession         Category = "session"
	CategoryExpired         Category = "expired"
	CategoryAccountState    Category = "account_state"
	CategoryCredential      Category = "credential"
	CategoryRateLimit       Category = "rate_limit"
	CategoryPolicyViolation Category = "policy_violation"
	CategoryMigration       Category = "migration"
	CategoryDependency      Category = "dependency"
)

// Category returns the taxonomy group of c.
func (c ErrorCode) Category() Category {
	switch c {
	case CodeOK:
		return CategoryNone
	case CodeInvalidSession, CodeIncompleteState, CodeSessionBusy, CodeInvalidRequest:
		return CategorySession
	case CodeExpired:
		return CategoryExpired
	case CodeUserLocked, CodeAccountDisabled, CodeAccountDeleted, CodeAlreadyExists:
		return CategoryAccountState
	case CodeInvalidCredentials, CodeInvalidTotp, CodeInvalidSecurityKey:
		return CategoryCredential
	case CodeAuthenticationPaused:
		return CategoryRateLimit
	case CodeMigrationFailed:
		return CategoryMigration
	case CodeFederationFailed:
		return CategoryDependency
	default:
		return CategoryPolicyViolation
	}
}
