// Package securityevent publishes the security events a completed workflow announces to an
// external sink (Kafka, RabbitMQ, OpenTelemetry logs, or the service log).
package securityevent

import (
	"context"
	"time"
)

// Event type names as they appear on the wire.
const (
	TypeLoginSucceeded   = "login_succeeded"
	TypeDuressLogin      = "duress_login"
	TypeDeviceRegistered = "device_registered"
)

// Event is a security event raised by a completed workflow.
type Event struct {
	Type          string    `json:"type"`
	UserID        string    `json:"user_id"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher delivers security events. Callers use it best-effort: log and ignore errors.
type Publisher interface {
	// Publish sends a single event. Implementations may block briefly; call from PublishAsync if needed.
	Publish(ctx context.Context, e Event) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
