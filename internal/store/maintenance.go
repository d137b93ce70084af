package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// KnownQueues lists queue names present in the jobs table.
func (s *Store) KnownQueues(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT queue FROM jobs ORDER BY queue`)
	if err != nil {
		return nil, fmt.Errorf("known queues: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ArchiveSucceeded moves succeeded jobs whose last update is older than
// cutoff into jobs_archive and deletes them from the live table. The insert
// deduplicates by id and candidates are taken with SKIP LOCKED, so the step
// is re-entrant and safe to run from several nodes. Returns the number of
// jobs removed from the live table.
func (s *Store) ArchiveSucceeded(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		WITH candidates AS (
			SELECT id, dataset_id, replay_of_job_id,
			       queue, job_type, payload_json,
			       run_at, status, priority, max_attempts,
			       dlq_reason_code, dlq_at,
			       created_at, updated_at
			FROM jobs
			WHERE status = 'succeeded'
			  AND updated_at < $1
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		INSERT INTO jobs_archive (
			id, dataset_id, replay_of_job_id,
			queue, job_type, payload_json,
			run_at, status, priority, max_attempts,
			dlq_reason_code, dlq_at,
			created_at, updated_at
		)
		SELECT c.id, c.dataset_id, c.replay_of_job_id,
		       c.queue, c.job_type, c.payload_json,
		       c.run_at, c.status, c.priority, c.max_attempts,
		       c.dlq_reason_code, c.dlq_at,
		       c.created_at, c.updated_at
		FROM candidates c
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs_archive a WHERE a.id = c.id
		)
	`, cutoff, batch); err != nil {
		return 0, fmt.Errorf("archive insert: %w", err)
	}

	// Only delete rows that made it into the archive.
	tag, err := tx.Exec(ctx, `
		DELETE FROM jobs j
		USING jobs_archive a
		WHERE j.id = a.id
		  AND j.status = 'succeeded'
		  AND j.updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive delete: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneHistory deletes attempts and policy decisions belonging to succeeded
// or archived jobs older than cutoff. Returns (attempts, decisions) deleted.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time, batch int) (int64, int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = 'succeeded' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("select prune candidates: %w", err)
	}
	var jobIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan prune candidate: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	// Attempts for jobs already moved to the archive have no live parent;
	// sweep them by age as well.
	archived, err := tx.Query(ctx, `
		SELECT DISTINCT a.job_id
		FROM job_attempts a
		JOIN jobs_archive ja ON ja.id = a.job_id
		WHERE ja.updated_at < $1
		LIMIT $2
	`, cutoff, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("select archived prune candidates: %w", err)
	}
	for archived.Next() {
		var id uuid.UUID
		if err := archived.Scan(&id); err != nil {
			archived.Close()
			return 0, 0, fmt.Errorf("scan archived candidate: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	archived.Close()
	if err := archived.Err(); err != nil {
		return 0, 0, err
	}

	if len(jobIDs) == 0 {
		return 0, 0, tx.Commit(ctx)
	}

	attemptsTag, err := tx.Exec(ctx, `DELETE FROM job_attempts WHERE job_id = ANY($1)`, jobIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("delete attempts: %w", err)
	}
	decisionsTag, err := tx.Exec(ctx, `DELETE FROM policy_decisions WHERE job_id = ANY($1)`, jobIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("delete policy decisions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit prune: %w", err)
	}
	return attemptsTag.RowsAffected(), decisionsTag.RowsAffected(), nil
}
