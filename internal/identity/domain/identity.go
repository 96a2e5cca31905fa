package domain

import (
	"strings"
	"time"
)

// Identity links a local user to a subject at a federated OIDC provider. Created when a
// federated login self-provisions or first matches a user.
type Identity struct {
	ID              string
	UserID          string
	ProviderID      string
	ProviderSubject string
	CreatedAt       time.Time
}

// SubjectKey is the lookup value for a federated subject: subjects are only unique per provider.
func SubjectKey(providerID, subject string) string {
	return providerID + "|" + subject
}

// SplitSubjectKey reverses SubjectKey.
func SplitSubjectKey(key string) (providerID, subject string, ok bool) {
	return strings.Cut(key, "|")
}
