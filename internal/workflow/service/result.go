package service

import (
	"time"

	"iam-workflow/backend/internal/workflow/domain"
)

// StartRequest begins a workflow. At most one of PreAuthToken and DeviceCodeID may be set;
// with neither the workflow is a direct portal login (or registration when Registration is set).
type StartRequest struct {
	Email        string
	PreAuthToken string
	DeviceCodeID string
	Registration bool
	ReturnToURI  string
}

// RegisterRequest carries the data a Register step collects.
type RegisterRequest struct {
	Password     string
	Name         string
	CaptchaToken string
	RemoteIP     string
}

// TenantOption is a tenant the caller may pick in a SelectTenant step.
type TenantOption struct {
	ID   string
	Name string
}

// StepResult is the outcome of every workflow operation. Code is empty on success; otherwise it
// names the expected failure and the other fields are zero except SessionToken.
type StepResult struct {
	SessionToken string
	Code         domain.ErrorCode
	// NextStep is the step the caller must perform next; StepUnknown once Completed.
	NextStep  domain.StepKind
	Completed bool

	// Set on completion.
	Token          string
	TokenExpiresAt time.Time
	RedirectURI    string

	// Step payloads.
	Tenants         []TenantOption
	TotpSecret      string
	TotpURI         string
	WebAuthnOptions []byte
	FederationURL   string
}

func failed(session string, code domain.ErrorCode) StepResult {
	return StepResult{SessionToken: session, Code: code}
}
