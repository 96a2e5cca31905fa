// Package domain defines the persisted workflow step model: the closed set of step kinds,
// the per-session step row, and the invariants a sequence of rows must satisfy.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// StepKind identifies what a workflow step requires from the caller.
type StepKind uint8

const (
	StepUnknown StepKind = iota
	StepSelectTenant
	StepSelectTenantThenRegister
	StepAuthWithFederatedOidc
	StepRegister
	StepEnterPassword
	StepEnterPasswordAndMigrateUser
	StepConfigureTotp
	StepValidateTotp
	StepConfigureSecurityKey
	StepValidateSecurityKey
	StepAcceptTermsAndConditions
	StepConfigureRecoveryEmail
	StepConfigureDuressPassword
	StepRotatePassword
	StepRedirectBackToApplication
	StepRedirectToIamPortal
	// StepSecurityEvent is the trailing pseudo-step that carries the event to publish on
	// completion. It is never shown to the caller.
	StepSecurityEvent
)

var stepKindNames = map[StepKind]string{
	StepSelectTenant:                "select_tenant",
	StepSelectTenantThenRegister:    "select_tenant_then_register",
	StepAuthWithFederatedOidc:       "auth_with_federated_oidc",
	StepRegister:                    "register",
	StepEnterPassword:               "enter_password",
	StepEnterPasswordAndMigrateUser: "enter_password_and_migrate_user",
	StepConfigureTotp:               "configure_totp",
	StepValidateTotp:                "validate_totp",
	StepConfigureSecurityKey:        "configure_security_key",
	StepValidateSecurityKey:         "validate_security_key",
	StepAcceptTermsAndConditions:    "accept_terms_and_conditions",
	StepConfigureRecoveryEmail:      "configure_recovery_email",
	StepConfigureDuressPassword:     "configure_duress_password",
	StepRotatePassword:              "rotate_password",
	StepRedirectBackToApplication:   "redirect_back_to_application",
	StepRedirectToIamPortal:         "redirect_to_iam_portal",
	StepSecurityEvent:               "security_event",
}

func (k StepKind) String() string {
	if s, ok := stepKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseStepKind returns the StepKind for its persisted name.
func ParseStepKind(s string) (StepKind, error) {
	for k, name := range stepKindNames {
		if name == s {
			return k, nil
		}
	}
	return StepUnknown, fmt.Errorf("workflow: unknown step kind %q", s)
}

// IsTerminal reports whether completing the step finalizes the workflow.
func (k StepKind) IsTerminal() bool {
	switch k {
	case StepRedirectBackToApplication, StepRedirectToIamPortal:
		return true
	default:
		return false
	}
}

// IsVisible reports whether the caller can be asked to perform the step.
func (k StepKind) IsVisible() bool {
	return k != StepSecurityEvent && k != StepUnknown
}

// StepStatus is the completion state of a single step row.
type StepStatus uint8

const (
	StatusIncomplete StepStatus = iota
	StatusComplete
)

func (s StepStatus) String() string {
	if s == StatusComplete {
		return "complete"
	}
	return "incomplete"
}

// EventKind is the security event announced when a workflow completes.
type EventKind uint8

const (
	EventNone EventKind = iota
	EventLoginSucceeded
	EventDuressLogin
	EventDeviceRegistered
)

func (e EventKind) String() string {
	switch e {
	case EventLoginSucceeded:
		return "login_succeeded"
	case EventDuressLogin:
		return "duress_login"
	case EventDeviceRegistered:
		return "device_registered"
	default:
		return "none"
	}
}

// ParseEventKind returns the EventKind for its persisted name; unknown names map to EventNone.
func ParseEventKind(s string) EventKind {
	switch s {
	case "login_succeeded":
		return EventLoginSucceeded
	case "duress_login":
		return EventDuressLogin
	case "device_registered":
		return EventDeviceRegistered
	default:
		return EventNone
	}
}

// Step is one row of a workflow session.
type Step struct {
	SessionToken string
	Kind         StepKind
	Order        int
	Status       StepStatus
	ExpiresAt    time.Time
	TenantID     string
	UserID       string
	PreAuthToken string
	DeviceCodeID string
	ReturnToURI  string
	// Event is set only on the StepSecurityEvent pseudo-step.
	Event EventKind
	// Challenge holds state between the begin and finish halves of an enrollment step
	// (pending TOTP secret, WebAuthn session data). Empty otherwise.
	Challenge []byte
}

// Completed returns a copy of s marked complete.
func (s Step) Completed() Step {
	s.Status = StatusComplete
	return s
}

// WithChallenge returns a copy of s carrying challenge.
func (s Step) WithChallenge(challenge []byte) Step {
	s.Challenge = append([]byte(nil), challenge...)
	return s
}

// WithEvent returns a copy of s announcing e.
func (s Step) WithEvent(e EventKind) Step {
	s.Event = e
	return s
}

// Origin carries the attributes shared by every row of a session.
type Origin struct {
	SessionToken string
	TenantID     string
	UserID       string
	PreAuthToken string
	DeviceCodeID string
	ReturnToURI  string
	ExpiresAt    time.Time
}

// IsExternal reports whether a third-party client originated the session.
func (o Origin) IsExternal() bool {
	return o.PreAuthToken != "" || o.DeviceCodeID != ""
}

// OriginOf returns the shared attributes of an existing session.
func OriginOf(s Step) Origin {
	return Origin{
		SessionToken: s.SessionToken,
		TenantID:     s.TenantID,
		UserID:       s.UserID,
		PreAuthToken: s.PreAuthToken,
		DeviceCodeID: s.DeviceCodeID,
		ReturnToURI:  s.ReturnToURI,
		ExpiresAt:    s.ExpiresAt,
	}
}

var (
	// ErrEmptySequence is returned when a sequence has no rows.
	ErrEmptySequence = errors.New("workflow: empty step sequence")
	// ErrInvalidSequence is returned when rows violate the ordering or expiry invariants.
	ErrInvalidSequence = errors.New("workflow: invalid step sequence")
)

// NewSequence builds incomplete rows for kinds in order, numbering them 1..N and stamping the
// origin's expiry on every row. An EventNone event omits the trailing pseudo-step.
func NewSequence(o Origin, event EventKind, kinds ...StepKind) []Step {
	out := make([]Step, 0, len(kinds)+1)
	for _, k := range kinds {
		out = append(out, newStep(o, k, len(out)+1))
	}
	if event != EventNone {
		s := newStep(o, StepSecurityEvent, len(out)+1)
		s.Event = event
		out = append(out, s)
	}
	return out
}

func newStep(o Origin, k StepKind, order int) Step {
	return Step{
		SessionToken: o.SessionToken,
		Kind:         k,
		Order:        order,
		Status:       StatusIncomplete,
		ExpiresAt:    o.ExpiresAt,
		TenantID:     o.TenantID,
		UserID:       o.UserID,
		PreAuthToken: o.PreAuthToken,
		DeviceCodeID: o.DeviceCodeID,
		ReturnToURI:  o.ReturnToURI,
	}
}

// ValidateSequence checks that steps belong to one session, are ordered 1..N without gaps,
// share a single expiry, and that only the last row may be the security-event pseudo-step.
func ValidateSequence(steps []Step) error {
	if len(steps) == 0 {
		return ErrEmptySequence
	}
	first := steps[0]
	for i, s := range steps {
		if s.SessionToken != first.SessionToken {
			return fmt.Errorf("%w: mixed session tokens", ErrInvalidSequence)
		}
		if s.Order != i+1 {
			return fmt.Errorf("%w: row %d has order %d", ErrInvalidSequence, i+1, s.Order)
		}
		if !s.ExpiresAt.Equal(first.ExpiresAt) {
			return fmt.Errorf("%w: rows do not share expiry", ErrInvalidSequence)
		}
		if s.Kind == StepUnknown {
			return fmt.Errorf("%w: row %d has unknown kind", ErrInvalidSequence, i+1)
		}
		if s.Kind == StepSecurityEvent && i != len(steps)-1 {
			return fmt.Errorf("%w: security event is not the trailing row", ErrInvalidSequence)
		}
	}
	return nil
}

// Kinds returns the kinds of steps in order.
func Kinds(steps []Step) []StepKind {
	out := make([]StepKind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

// EventStep returns the index of the trailing security-event pseudo-step, or -1.
func EventStep(steps []Step) int {
	if n := len(steps); n > 0 && steps[n-1].Kind == StepSecurityEvent {
		return n - 1
	}
	return -1
}

// NextVisible returns the first incomplete caller-visible step, or StepUnknown when none remain.
func NextVisible(steps []Step) StepKind {
	for _, s := range steps {
		if s.Status != StatusComplete && s.Kind.IsVisible() {
			return s.Kind
		}
	}
	return StepUnknown
}
