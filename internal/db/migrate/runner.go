// Package migrate applies the embedded SQL migrations with golang-migrate.
package migrate

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"iam-workflow/backend/internal/db"
)

// ErrNoChange is returned by Up/Down inside golang-migrate when the schema is already at the
// target; Run treats it as success.
var ErrNoChange = migrate.ErrNoChange

// ErrMissingDSN is returned when no database URL is configured.
var ErrMissingDSN = errors.New("migrate: DATABASE_URL is not set")

// Directions accepted by Run.
const (
	Up   = "up"
	Down = "down"
)

func open(dsn string) (*migrate.Migrate, error) {
	if dsn == "" {
		return nil, ErrMissingDSN
	}
	src, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

// Run applies all migrations in direction (Up or Down). Being at the target already is not an
// error.
func Run(dsn, direction string) error {
	if direction != Up && direction != Down {
		return fmt.Errorf("migrate: direction must be up or down, got %q", direction)
	}
	m, err := open(dsn)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if direction == Up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// Version reports the applied schema version and whether the last migration left it dirty.
// A database with no migrations applied reports version 0.
func Version(dsn string) (uint, bool, error) {
	m, err := open(dsn)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
