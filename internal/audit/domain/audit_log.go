package domain

import (
	"errors"
	"time"
)

// Resources written by the workflow engine. RPCs and step outcomes are recorded on
// ResourceWorkflow; events consumed by the worker on ResourceSecurityEvent.
const (
	ResourceWorkflow      = "workflow"
	ResourceSecurityEvent = "security_event"
)

// SystemTenantID stands in for the tenant of an event that resolved to none, such as a start
// request for an email no tenant manages.
const SystemTenantID = "_system"

// AuditLog is one entry of the audit trail. Metadata holds space-separated key=value pairs
// (code=..., status=..., correlation_id=...). It never carries credentials.
type AuditLog struct {
	ID        string
	TenantID  string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}

// Validate reports the first missing required attribute.
func (a *AuditLog) Validate() error {
	switch {
	case a.ID == "":
		return errors.New("audit: id is required")
	case a.TenantID == "":
		return errors.New("audit: tenant is required")
	case a.Action == "" || a.Resource == "":
		return errors.New("audit: action and resource are required")
	case a.CreatedAt.IsZero():
		return errors.New("audit: created_at is required")
	}
	return nil
}
