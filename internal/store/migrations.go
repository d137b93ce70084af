package store

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations executes the embedded SQL migrations in lexical order.
// Migrations are forward-only and idempotent (IF NOT EXISTS / OR REPLACE), so
// re-running on startup is safe.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// EnsureJobsPartition creates the jobs list partition for a dataset string on
// demand. Idempotent.
func (s *Store) EnsureJobsPartition(ctx context.Context, datasetID string) error {
	if _, err := s.pool.Exec(ctx, `SELECT ensure_jobs_partition($1)`, datasetID); err != nil {
		return fmt.Errorf("ensure jobs partition %s: %w", datasetID, err)
	}
	return nil
}

// EnsureArchivePartition creates the jobs_archive monthly partition covering
// the given instant. Idempotent.
func (s *Store) EnsureArchivePartition(ctx context.Context, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `SELECT ensure_jobs_archive_partition($1)`, at); err != nil {
		return fmt.Errorf("ensure archive partition: %w", err)
	}
	return nil
}
