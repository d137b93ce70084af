package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"pgflow/internal/models"
	"pgflow/internal/retry"
)

// DatasetID computes the partition bucket for a job: queue plus the UTC hour
// of its scheduled run.
func DatasetID(queue string, runAt time.Time) string {
	return fmt.Sprintf("%s_%s", queue, runAt.UTC().Format("20060102_15"))
}

const jobColumns = `
	id, dataset_id, queue, job_type, payload_json,
	run_at, status, priority, max_attempts,
	locked_at, locked_by, lock_expires_at,
	last_error_code, last_error_message,
	dlq_reason_code, dlq_at,
	replay_of_job_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.DatasetID, &j.Queue, &j.JobType, &j.Payload,
		&j.RunAt, &j.Status, &j.Priority, &j.MaxAttempts,
		&j.LockedAt, &j.LockedBy, &j.LockExpiresAt,
		&j.LastErrorCode, &j.LastErrorMessage,
		&j.DLQReasonCode, &j.DLQAt,
		&j.ReplayOfJobID, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Queue       string
	JobType     string
	Payload     json.RawMessage
	RunAt       time.Time
	Priority    int
	MaxAttempts int
	ReplayOf    *uuid.UUID
}

// EnqueueJob validates and inserts a queued job, creating the dataset
// partition on demand.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if strings.TrimSpace(p.JobType) == "" {
		return models.Job{}, fmt.Errorf("%w: job_type is required", ErrBadPayload)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 25
	}
	if p.MaxAttempts <= 0 {
		return models.Job{}, fmt.Errorf("%w: max_attempts must be > 0", ErrBadPayload)
	}
	if p.Queue == "" {
		p.Queue = "default"
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	datasetID := DatasetID(p.Queue, p.RunAt)
	if err := s.EnsureJobsPartition(ctx, datasetID); err != nil {
		return models.Job{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (dataset_id, queue, job_type, payload_json, run_at, status, priority, max_attempts, replay_of_job_id)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7, $8)
		RETURNING `+jobColumns,
		datasetID, p.Queue, p.JobType, p.Payload, p.RunAt, p.Priority, p.MaxAttempts, p.ReplayOf,
	)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id from any partition.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 LIMIT 1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// LeaseJobs atomically claims up to batchSize runnable jobs for workerID.
// Candidates are locked with SKIP LOCKED so concurrent workers never observe
// the same job, then flipped to running with a bounded lease. The returned
// slice preserves the scheduling order.
func (s *Store) LeaseJobs(ctx context.Context, queue, workerID string, leaseSeconds, batchSize int) ([]models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		SELECT dataset_id, id
		FROM jobs
		WHERE queue = $1
		  AND status = 'queued'
		  AND run_at <= now()
		ORDER BY priority DESC, run_at ASC, created_at ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, queue, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var datasetID string
		var id uuid.UUID
		if err := rows.Scan(&datasetID, &id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	leased, err := tx.Query(ctx, `
		UPDATE jobs
		SET status = 'running',
		    locked_at = now(),
		    locked_by = $2,
		    lock_expires_at = now() + ($3::int * interval '1 second'),
		    updated_at = now()
		WHERE id = ANY($1) AND status = 'queued'
		RETURNING `+jobColumns,
		ids, workerID, leaseSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	var out []models.Job
	for leased.Next() {
		job, err := scanJob(leased)
		if err != nil {
			leased.Close()
			return nil, fmt.Errorf("scan leased job: %w", err)
		}
		out = append(out, job)
	}
	leased.Close()
	if err := leased.Err(); err != nil {
		return nil, fmt.Errorf("read leased jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	// RETURNING order is unspecified; restore the scheduling order.
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out, nil
}

// ExtendLease pushes the lease deadline forward for a job this worker still
// holds. Returns ErrLeaseLost if another worker (or the reaper) took it over.
func (s *Store) ExtendLease(ctx context.Context, job models.Job, workerID string, leaseSeconds int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lock_expires_at = now() + ($4::int * interval '1 second'),
		    updated_at = now()
		WHERE dataset_id = $1 AND id = $2
		  AND status = 'running' AND locked_by = $3
	`, job.DatasetID, job.ID, workerID, leaseSeconds)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FinishSucceeded closes the attempt and the job in one transaction. The job
// update is conditional on the lease still being held, so a resurrected
// worker whose lease expired refuses to commit.
func (s *Store) FinishSucceeded(ctx context.Context, job models.Job, attempt models.Attempt, workerID string, latencyMS int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'succeeded',
		    locked_at = NULL, locked_by = NULL, lock_expires_at = NULL,
		    updated_at = now()
		WHERE dataset_id = $1 AND id = $2
		  AND status = 'running' AND locked_by = $3
	`, job.DatasetID, job.ID, workerID)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	if _, err := tx.Exec(ctx, `
		UPDATE job_attempts
		SET status = 'succeeded', finished_at = now(), latency_ms = $2
		WHERE id = $1 AND status = 'running'
	`, attempt.ID, latencyMS); err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}

	return tx.Commit(ctx)
}

// FailureParams describes a failed attempt for the retry/DLQ decider.
type FailureParams struct {
	ReasonCode   string
	ErrorCode    string
	ErrorMessage string
	LatencyMS    int
}

// FinishFailed closes the failed attempt and applies the retry/DLQ decision
// to the job in one transaction. Conditional on the lease being held.
func (s *Store) FinishFailed(ctx context.Context, job models.Job, attempt models.Attempt, workerID string, p FailureParams, cfg retry.Config) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	held, err := s.applyFailure(ctx, tx, job, attempt, &workerID, p, cfg)
	if err != nil {
		return err
	}
	if !held {
		return ErrLeaseLost
	}
	return tx.Commit(ctx)
}

// applyFailure writes the terminal attempt row and transitions the job per
// the decider. When lockedBy is non-nil the job update is conditional on that
// worker still holding the lease; it reports whether the update applied.
func (s *Store) applyFailure(ctx context.Context, tx pgx.Tx, job models.Job, attempt models.Attempt, lockedBy *string, p FailureParams, cfg retry.Config) (bool, error) {
	if _, err := tx.Exec(ctx, `
		UPDATE job_attempts
		SET status = 'failed', finished_at = now(),
		    reason_code = $2, error_code = $3, error_message = $4, latency_ms = $5
		WHERE id = $1 AND status = 'running'
	`, attempt.ID, p.ReasonCode, p.ErrorCode, p.ErrorMessage, p.LatencyMS); err != nil {
		return false, fmt.Errorf("fail attempt: %w", err)
	}

	decision := retry.Decide(p.ReasonCode, attempt.AttemptNo, job.MaxAttempts, cfg)

	// The worker path requires the lease to still be held; the reaper path
	// (nil lockedBy) requires the lease to still be expired, so a lease
	// extended after the candidate scan is left alone.
	var tagRows int64
	switch decision.Outcome {
	case retry.OutcomeDeadLetter:
		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'dlq',
			    dlq_reason_code = $4, dlq_at = now(),
			    locked_at = NULL, locked_by = NULL, lock_expires_at = NULL,
			    last_error_code = $5, last_error_message = $6,
			    updated_at = now()
			WHERE dataset_id = $1 AND id = $2
			  AND status = 'running'
			  AND ($3::text IS NULL OR locked_by = $3)
			  AND ($3::text IS NOT NULL OR (lock_expires_at IS NOT NULL AND lock_expires_at <= now()))
		`, job.DatasetID, job.ID, lockedBy, decision.DLQReason, p.ErrorCode, p.ErrorMessage)
		if err != nil {
			return false, fmt.Errorf("mark job dlq: %w", err)
		}
		tagRows = tag.RowsAffected()
	default:
		delayMS := decision.Delay.Milliseconds()
		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'queued',
			    run_at = now() + ($4::bigint * interval '1 millisecond'),
			    locked_at = NULL, locked_by = NULL, lock_expires_at = NULL,
			    last_error_code = $5, last_error_message = $6,
			    updated_at = now()
			WHERE dataset_id = $1 AND id = $2
			  AND status = 'running'
			  AND ($3::text IS NULL OR locked_by = $3)
			  AND ($3::text IS NOT NULL OR (lock_expires_at IS NOT NULL AND lock_expires_at <= now()))
		`, job.DatasetID, job.ID, lockedBy, delayMS, p.ErrorCode, p.ErrorMessage)
		if err != nil {
			return false, fmt.Errorf("reschedule job: %w", err)
		}
		tagRows = tag.RowsAffected()
	}
	return tagRows > 0, nil
}

// ReapExpiredLocks requeues (or dead-letters) every job whose lease expired:
// the in-progress attempt is closed as TIMEOUT/LEASE_EXPIRED and the decider
// applied. This guarantees progress despite worker crashes. The candidate
// scan is only a hint; each job is re-verified under lock before anything is
// written, so a lease extended mid-loop is left alone. Returns the number of
// jobs actually reaped.
func (s *Store) ReapExpiredLocks(ctx context.Context, cfg retry.Config) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dataset_id, id
		FROM jobs
		WHERE status = 'running'
		  AND lock_expires_at IS NOT NULL
		  AND lock_expires_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("select expired: %w", err)
	}
	type jobKey struct {
		datasetID string
		id        uuid.UUID
	}
	var candidates []jobKey
	for rows.Next() {
		var k jobKey
		if err := rows.Scan(&k.datasetID, &k.id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired job: %w", err)
		}
		candidates = append(candidates, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read expired jobs: %w", err)
	}

	reaped := 0
	for _, k := range candidates {
		ok, err := s.reapOne(ctx, k.datasetID, k.id, cfg)
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

// reapOne reaps a single candidate, reporting whether it was still expired.
func (s *Store) reapOne(ctx context.Context, datasetID string, id uuid.UUID, cfg retry.Config) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-read the authoritative row under lock: the lease may have been
	// extended or released since the candidate scan.
	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE dataset_id = $1 AND id = $2
		  AND status = 'running'
		  AND lock_expires_at IS NOT NULL
		  AND lock_expires_at <= now()
		FOR UPDATE
	`, datasetID, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, tx.Rollback(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("recheck expired job: %w", err)
	}

	// The open attempt may be missing when the worker died between lease and
	// attempt start; synthesize one so the sequence stays contiguous. Safe
	// now that the job is locked and confirmed still expired.
	arow := tx.QueryRow(ctx, `
		SELECT id, attempt_no, started_at
		FROM job_attempts
		WHERE job_id = $1 AND status = 'running'
		ORDER BY attempt_no DESC
		LIMIT 1
	`, job.ID)
	var attempt models.Attempt
	attempt.JobID = job.ID
	attempt.DatasetID = job.DatasetID
	err = arow.Scan(&attempt.ID, &attempt.AttemptNo, &attempt.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		workerID := ""
		if job.LockedBy != nil {
			workerID = *job.LockedBy
		}
		inserted := tx.QueryRow(ctx, `
			INSERT INTO job_attempts (dataset_id, job_id, attempt_no, status, worker_id)
			VALUES (
				$1, $2,
				COALESCE((SELECT MAX(attempt_no) FROM job_attempts WHERE job_id = $2), 0) + 1,
				'running', $3
			)
			RETURNING id, attempt_no, started_at
		`, job.DatasetID, job.ID, workerID)
		if err := inserted.Scan(&attempt.ID, &attempt.AttemptNo, &attempt.StartedAt); err != nil {
			return false, fmt.Errorf("insert reaper attempt: %w", err)
		}
	} else if err != nil {
		return false, fmt.Errorf("find open attempt: %w", err)
	}

	latency := int(time.Since(attempt.StartedAt).Milliseconds())
	if latency < 0 {
		latency = 0
	}
	p := FailureParams{
		ReasonCode:   models.ReasonTimeout,
		ErrorCode:    models.ErrCodeLeaseExpired,
		ErrorMessage: "lease expired before the worker reported an outcome",
		LatencyMS:    latency,
	}
	held, err := s.applyFailure(ctx, tx, job, attempt, nil, p, cfg)
	if err != nil {
		return false, err
	}
	if !held {
		return false, tx.Rollback(ctx)
	}
	return true, tx.Commit(ctx)
}

// Replay enqueues a fresh job inheriting type, payload, priority and
// max_attempts from the source, which may live in the live table or the
// archive. Queue and run_at may be overridden.
func (s *Store) Replay(ctx context.Context, sourceID uuid.UUID, overrideQueue *string, overrideRunAt *time.Time) (models.Job, error) {
	src, err := s.GetJob(ctx, sourceID)
	if errors.Is(err, ErrNotFound) {
		src, err = s.getArchivedJob(ctx, sourceID)
	}
	if err != nil {
		return models.Job{}, err
	}

	queue := src.Queue
	if overrideQueue != nil && *overrideQueue != "" {
		queue = *overrideQueue
	}
	runAt := time.Now().UTC()
	if overrideRunAt != nil {
		runAt = *overrideRunAt
	}

	return s.EnqueueJob(ctx, EnqueueParams{
		Queue:       queue,
		JobType:     src.JobType,
		Payload:     src.Payload,
		RunAt:       runAt,
		Priority:    src.Priority,
		MaxAttempts: src.MaxAttempts,
		ReplayOf:    &src.ID,
	})
}

func (s *Store) getArchivedJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, dataset_id, queue, job_type, payload_json,
		       run_at, status, priority, max_attempts,
		       dlq_reason_code, dlq_at, replay_of_job_id,
		       created_at, updated_at
		FROM jobs_archive
		WHERE id = $1
		LIMIT 1
	`, id)
	var j models.Job
	err := row.Scan(
		&j.ID, &j.DatasetID, &j.Queue, &j.JobType, &j.Payload,
		&j.RunAt, &j.Status, &j.Priority, &j.MaxAttempts,
		&j.DLQReasonCode, &j.DLQAt, &j.ReplayOfJobID,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan archived job: %w", err)
	}
	return j, nil
}

// ListFilter narrows ListJobs; zero values mean no filter.
type ListFilter struct {
	Queue  string
	Status string

	Limit           int
	CursorCreatedAt *time.Time
	CursorID        *uuid.UUID
}

// ClampedLimit bounds the page size to [1, 500] with a default of 100.
func (f ListFilter) ClampedLimit() int {
	switch {
	case f.Limit <= 0:
		return 100
	case f.Limit > 500:
		return 500
	default:
		return f.Limit
	}
}

// ListJobs returns a keyset-paginated page ordered by (created_at, id) DESC.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]models.JobListItem, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		n := len(args)
		for i := range vals {
			cond = strings.Replace(cond, fmt.Sprintf("$%d", i+1), fmt.Sprintf("$%d", n+i+1), 1)
		}
		conds = append(conds, cond)
		args = append(args, vals...)
	}

	if f.Queue != "" {
		add("queue = $1", f.Queue)
	}
	if f.Status != "" {
		add("status = $1", f.Status)
	}
	if f.CursorCreatedAt != nil && f.CursorID != nil {
		add("(created_at, id) < ($1, $2)", *f.CursorCreatedAt, *f.CursorID)
	}

	query := `
		SELECT id, queue, job_type, status,
		       run_at, priority, max_attempts,
		       last_error_code, last_error_message,
		       dlq_reason_code,
		       created_at, updated_at
		FROM jobs`
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf("\n\t\tORDER BY created_at DESC, id DESC\n\t\tLIMIT $%d", len(args)+1)
	args = append(args, f.ClampedLimit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var items []models.JobListItem
	for rows.Next() {
		var it models.JobListItem
		if err := rows.Scan(
			&it.ID, &it.Queue, &it.JobType, &it.Status,
			&it.RunAt, &it.Priority, &it.MaxAttempts,
			&it.LastErrorCode, &it.LastErrorMessage,
			&it.DLQReasonCode,
			&it.CreatedAt, &it.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
