package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pgflow/internal/models"
)

const attemptColumns = `
	id, dataset_id, job_id, attempt_no,
	started_at, finished_at, status,
	error_code, error_message, reason_code,
	latency_ms, worker_id`

func scanAttempt(row rowScanner) (models.Attempt, error) {
	var a models.Attempt
	err := row.Scan(
		&a.ID, &a.DatasetID, &a.JobID, &a.AttemptNo,
		&a.StartedAt, &a.FinishedAt, &a.Status,
		&a.ErrorCode, &a.ErrorMessage, &a.ReasonCode,
		&a.LatencyMS, &a.WorkerID,
	)
	return a, err
}

// StartAttempt inserts the next attempt row as running. The unique
// (job_id, attempt_no) constraint is the authority: if a concurrent insert
// wins the race, the existing open attempt is read back, making the start
// idempotent.
func (s *Store) StartAttempt(ctx context.Context, job models.Job, workerID string) (models.Attempt, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_attempts (dataset_id, job_id, attempt_no, status, worker_id)
		VALUES (
			$1, $2,
			COALESCE((SELECT MAX(attempt_no) FROM job_attempts WHERE job_id = $2), 0) + 1,
			'running', $3
		)
		RETURNING `+attemptColumns,
		job.DatasetID, job.ID, workerID,
	)
	attempt, err := scanAttempt(row)
	if err == nil {
		return attempt, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		existing := s.pool.QueryRow(ctx, `
			SELECT `+attemptColumns+`
			FROM job_attempts
			WHERE job_id = $1
			ORDER BY attempt_no DESC
			LIMIT 1
		`, job.ID)
		attempt, err := scanAttempt(existing)
		if err != nil {
			return models.Attempt{}, fmt.Errorf("read back attempt: %w", err)
		}
		return attempt, nil
	}
	return models.Attempt{}, fmt.Errorf("start attempt: %w", err)
}

// AttemptsForJob returns all attempts for a job ordered by attempt_no.
func (s *Store) AttemptsForJob(ctx context.Context, jobID uuid.UUID) ([]models.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM job_attempts
		WHERE job_id = $1
		ORDER BY attempt_no ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []models.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatencyPercentiles reports p50/p95/p99 latency over a queue's attempts
// finished within the trailing window.
func (s *Store) LatencyPercentiles(ctx context.Context, queue string, window time.Duration) (p50, p95, p99 float64, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(percentile_cont(0.50) WITHIN GROUP (ORDER BY a.latency_ms), 0),
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY a.latency_ms), 0),
			COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY a.latency_ms), 0)
		FROM job_attempts a
		JOIN jobs j ON j.dataset_id = a.dataset_id AND j.id = a.job_id
		WHERE j.queue = $2
		  AND a.finished_at IS NOT NULL
		  AND a.latency_ms IS NOT NULL
		  AND a.finished_at >= now() - ($1::bigint * interval '1 millisecond')
	`, window.Milliseconds(), queue)
	if scanErr := row.Scan(&p50, &p95, &p99); scanErr != nil && !errors.Is(scanErr, pgx.ErrNoRows) {
		return 0, 0, 0, fmt.Errorf("latency percentiles: %w", scanErr)
	}
	return p50, p95, p99, nil
}
