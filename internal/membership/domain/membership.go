package domain

import "time"

// Membership lets a user sign in to a tenant other than their home tenant. The home tenant
// is implied by User.TenantID and has no row. Memberships carry no roles: authorization inside a
// tenant belongs to the applications, not to the sign-in workflow.
type Membership struct {
	ID        string
	UserID    string
	TenantID  string
	Source    Source
	CreatedAt time.Time
}

// Source records how a membership was granted.
type Source string

const (
	// SourceProvisioned memberships are created by operators or seed data.
	SourceProvisioned Source = "provisioned"
	// SourceFederated memberships are created on a user's first federated login to a tenant.
	SourceFederated Source = "federated"
)
