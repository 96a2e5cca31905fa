package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	userdomain "iam-workflow/backend/internal/user/domain"
)

var (
	// ErrNoSecurityKey is returned when a login is started for a user without an enrolled key.
	ErrNoSecurityKey = errors.New("credential: no security key enrolled")
	// ErrUnknownSecurityKey is returned when an assertion names a key the user does not own.
	ErrUnknownSecurityKey = errors.New("credential: unknown security key")
	// ErrCounterRegression is returned when an assertion's signature counter did not advance,
	// which indicates a cloned authenticator.
	ErrCounterRegression = errors.New("credential: security key signature counter did not advance")
)

// WebAuthnVerifier runs FIDO2 registration and assertion ceremonies. Ceremony state is
// returned to the caller as opaque bytes and handed back on the finishing call.
type WebAuthnVerifier struct {
	wa  *webauthn.WebAuthn
	now func() time.Time
}

// NewWebAuthnVerifier returns a verifier for the relying party rpID.
func NewWebAuthnVerifier(rpID, rpName string, origins []string) (*WebAuthnVerifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          rpID,
		RPDisplayName: rpName,
		RPOrigins:     origins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &WebAuthnVerifier{wa: wa, now: time.Now}, nil
}

type webauthnUser struct {
	user  *userdomain.User
	creds []webauthn.Credential
}

func (w webauthnUser) WebAuthnID() []byte   { return []byte(w.user.ID) }
func (w webauthnUser) WebAuthnName() string { return w.user.Email }
func (w webauthnUser) WebAuthnDisplayName() string {
	if w.user.Name != "" {
		return w.user.Name
	}
	return w.user.Email
}
func (w webauthnUser) WebAuthnCredentials() []webauthn.Credential { return w.creds }

func newWebAuthnUser(u *userdomain.User, relations []userdomain.MfaRelation) webauthnUser {
	var creds []webauthn.Credential
	for _, r := range relations {
		if r.Kind != userdomain.MfaSecurityKey {
			continue
		}
		creds = append(creds, webauthn.Credential{
			ID:        r.CredentialID,
			PublicKey: r.PublicKey,
			Authenticator: webauthn.Authenticator{
				AAGUID:    r.AAGUID,
				SignCount: r.SignCount,
			},
		})
	}
	return webauthnUser{user: u, creds: creds}
}

// BeginRegistration returns the credential creation options (JSON) and the ceremony state.
func (v *WebAuthnVerifier) BeginRegistration(u *userdomain.User, relations []userdomain.MfaRelation) (options, session []byte, err error) {
	wu := newWebAuthnUser(u, relations)
	var exclude []protocol.CredentialDescriptor
	for _, c := range wu.creds {
		exclude = append(exclude, c.Descriptor())
	}
	opts, sd, err := v.wa.BeginRegistration(wu,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			RequireResidentKey: protocol.ResidentKeyNotRequired(),
			UserVerification:   protocol.VerificationPreferred,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		webauthn.WithExclusions(exclude),
	)
	if err != nil {
		return nil, nil, err
	}
	return marshalCeremony(opts, sd)
}

// FinishRegistration verifies the attestation response and returns the relation to persist.
func (v *WebAuthnVerifier) FinishRegistration(u *userdomain.User, relations []userdomain.MfaRelation, session, response []byte) (*userdomain.MfaRelation, error) {
	var sd webauthn.SessionData
	if err := json.Unmarshal(session, &sd); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, err
	}
	cred, err := v.wa.CreateCredential(newWebAuthnUser(u, relations), sd, parsed)
	if err != nil {
		return nil, err
	}
	return &userdomain.MfaRelation{
		ID:           uuid.New().String(),
		UserID:       u.ID,
		Kind:         userdomain.MfaSecurityKey,
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		AAGUID:       cred.Authenticator.AAGUID,
		SignCount:    cred.Authenticator.SignCount,
		CreatedAt:    v.now().UTC(),
	}, nil
}

// BeginLogin returns the assertion options (JSON) and the ceremony state.
func (v *WebAuthnVerifier) BeginLogin(u *userdomain.User, relations []userdomain.MfaRelation) (options, session []byte, err error) {
	wu := newWebAuthnUser(u, relations)
	if len(wu.creds) == 0 {
		return nil, nil, ErrNoSecurityKey
	}
	opts, sd, err := v.wa.BeginLogin(wu)
	if err != nil {
		return nil, nil, err
	}
	return marshalCeremony(opts, sd)
}

// FinishLogin verifies an assertion and returns the matched relation and its new signature
// counter. The counter must advance unless the authenticator does not implement one.
func (v *WebAuthnVerifier) FinishLogin(u *userdomain.User, relations []userdomain.MfaRelation, session, response []byte) (relationID string, signCount uint32, err error) {
	var sd webauthn.SessionData
	if err := json.Unmarshal(session, &sd); err != nil {
		return "", 0, fmt.Errorf("decode session: %w", err)
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return "", 0, err
	}
	cred, err := v.wa.ValidateLogin(newWebAuthnUser(u, relations), sd, parsed)
	if err != nil {
		return "", 0, err
	}
	for _, r := range relations {
		if r.Kind != userdomain.MfaSecurityKey || !bytes.Equal(r.CredentialID, cred.ID) {
			continue
		}
		if !SignCountAdvanced(r.SignCount, cred.Authenticator.SignCount) {
			return "", 0, ErrCounterRegression
		}
		return r.ID, cred.Authenticator.SignCount, nil
	}
	return "", 0, ErrUnknownSecurityKey
}

// SignCountAdvanced reports whether next is a legal successor of the stored counter prev.
// Authenticators that do not implement a counter always report zero.
func SignCountAdvanced(prev, next uint32) bool {
	if prev == 0 && next == 0 {
		return true
	}
	return next > prev
}

func marshalCeremony(opts any, sd *webauthn.SessionData) ([]byte, []byte, error) {
	o, err := json.Marshal(opts)
	if err != nil {
		return nil, nil, err
	}
	s, err := json.Marshal(sd)
	if err != nil {
		return nil, nil, err
	}
	return o, s, nil
}
