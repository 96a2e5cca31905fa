package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrMissingDSN is returned when no connection string is configured.
var ErrMissingDSN = errors.New("db: empty DSN")

// Pool tunes the connection pool shared by every repository of the workflow engine.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// DefaultPool is used by Open.
var DefaultPool = Pool{
	MaxOpenConns:    25,
	MaxIdleConns:    5,
	ConnMaxLifetime: 30 * time.Minute,
	PingTimeout:     5 * time.Second,
}

// Open opens a Postgres connection with DefaultPool. Caller must call Close when done.
func Open(dsn string) (*sql.DB, error) {
	return OpenContext(context.Background(), dsn, DefaultPool)
}

// OpenContext opens a Postgres connection through the pgx driver and pings it within
// pool.PingTimeout. The handle is closed when the ping fails.
func OpenContext(ctx context.Context, dsn string, pool Pool) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrMissingDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pool.apply(db)
	if pool.PingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pool.PingTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (p Pool) apply(db *sql.DB) {
	if p.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.ConnMaxLifetime)
	}
}
