package repository

import (
	"context"
	"time"

	"iam-workflow/backend/internal/authstate/domain"
)

// Repository defines persistence for pre-auth states, device codes and authorization codes.
type Repository interface {
	GetPreAuthState(ctx context.Context, token string) (*domain.PreAuthState, error)
	CreatePreAuthState(ctx context.Context, p *domain.PreAuthState) error
	ConsumePreAuthState(ctx context.Context, token string, at time.Time) error

	GetDeviceCode(ctx context.Context, id string) (*domain.DeviceCode, error)
	CreateDeviceCode(ctx context.Context, d *domain.DeviceCode) error
	UpdateDeviceCode(ctx context.Context, d *domain.DeviceCode) error

	CreateAuthorizationCode(ctx context.Context, c *domain.AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, codeHash string) (*domain.AuthorizationCode, error)
}
