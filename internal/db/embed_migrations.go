package db

import "embed"

// MigrationFS holds the workflow schema: tenants and their policies, users and credentials,
// workflow steps, pre-auth, device-code and auth-code state, federation providers and the audit log.
// cmd/migrate applies it through internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
