package repository

import (
	"context"

	"iam-workflow/backend/internal/user/domain"
)

// Repository defines persistence for users and the credential material attached to them.
type Repository interface {
	GetUserBy(ctx context.Context, kind domain.LookupKind, value string) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
	UpdateUser(ctx context.Context, u *domain.User) error
	DeleteUser(ctx context.Context, id string) error

	GetCredentials(ctx context.Context, userID string) ([]domain.Credential, error)
	AddCredential(ctx context.Context, c domain.Credential) error
	GetDuressCredential(ctx context.Context, userID string) (*domain.DuressCredential, error)
	SetDuressCredential(ctx context.Context, c domain.DuressCredential) error

	GetMfaRelations(ctx context.Context, userID string) ([]domain.MfaRelation, error)
	AddMfaRelation(ctx context.Context, r domain.MfaRelation) error
	UpdateSignCount(ctx context.Context, relationID string, signCount uint32) error

	GetFailedAttempts(ctx context.Context, userID string) ([]domain.FailedAttempt, error)
	AddFailedAttempt(ctx context.Context, a domain.FailedAttempt) error
	ClearFailedAttempts(ctx context.Context, userID string) error

	HasAcceptedTerms(ctx context.Context, userID, tenantID string) (bool, error)
	AcceptTerms(ctx context.Context, a domain.TermsAcceptance) error
}
