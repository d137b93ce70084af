package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps pgxpool for Postgres persistence. All mutual exclusion is
// delegated to row-level locking in the database; the Store itself holds no
// in-process state beyond the pool.
type Store struct {
	pool *pgxpool.Pool
}

// Sentinel errors surfaced to callers. The API layer maps these onto HTTP
// statuses and reason codes.
var (
	ErrNotFound   = errors.New("not found")
	ErrBadPayload = errors.New("BAD_PAYLOAD")
	ErrLeaseLost  = errors.New("lease no longer held")
)

// Options tune the connection pool.
type Options struct {
	MaxConnections int
	AcquireTimeout time.Duration
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConnections > 0 {
		cfg.MaxConns = int32(opts.MaxConnections)
	}
	if opts.AcquireTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.AcquireTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
