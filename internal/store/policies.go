package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"pgflow/internal/models"
)

// GetPolicy returns the storm-control policy for a queue, or ErrNotFound.
func (s *Store) GetPolicy(ctx context.Context, queue string) (models.QueuePolicy, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT queue, max_attempts_per_minute, max_in_flight, throttle_delay_ms
		FROM queue_policies
		WHERE queue = $1
	`, queue)
	var p models.QueuePolicy
	err := row.Scan(&p.Queue, &p.MaxAttemptsPerMinute, &p.MaxInFlight, &p.ThrottleDelayMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueuePolicy{}, ErrNotFound
	}
	if err != nil {
		return models.QueuePolicy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// UpsertPolicy installs or replaces a queue policy.
func (s *Store) UpsertPolicy(ctx context.Context, p models.QueuePolicy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_policies (queue, max_attempts_per_minute, max_in_flight, throttle_delay_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue) DO UPDATE
		SET max_attempts_per_minute = EXCLUDED.max_attempts_per_minute,
		    max_in_flight = EXCLUDED.max_in_flight,
		    throttle_delay_ms = EXCLUDED.throttle_delay_ms
	`, p.Queue, p.MaxAttemptsPerMinute, p.MaxInFlight, p.ThrottleDelayMS)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// EvaluateLeasedJob applies the queue's storm-control policy to a job this
// worker just leased. When a gate trips, the job is pushed back to queued
// with the throttle delay, the lease is cleared, and a PolicyDecision row is
// persisted. Returns true when the job was deferred.
//
// The check is advisory: a queue without a policy row never defers.
func (s *Store) EvaluateLeasedJob(ctx context.Context, job models.Job, workerID string) (bool, error) {
	policy, err := s.GetPolicy(ctx, job.Queue)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var inFlight int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE queue = $1 AND status = 'running'
	`, job.Queue).Scan(&inFlight); err != nil {
		return false, fmt.Errorf("count in-flight: %w", err)
	}
	if inFlight > int64(policy.MaxInFlight) {
		details, _ := json.Marshal(map[string]any{
			"queue":             job.Queue,
			"in_flight":         inFlight,
			"max_in_flight":     policy.MaxInFlight,
			"throttle_delay_ms": policy.ThrottleDelayMS,
		})
		deferred, err := s.deferLeasedJob(ctx, job, workerID, policy.ThrottleDelayMS,
			models.DecisionDelayed, models.ReasonInFlightExceeded, details)
		return deferred, err
	}

	var attemptsLastMin int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM job_attempts a
		JOIN jobs j ON j.dataset_id = a.dataset_id AND j.id = a.job_id
		WHERE j.queue = $1
		  AND a.started_at >= now() - interval '60 seconds'
	`, job.Queue).Scan(&attemptsLastMin); err != nil {
		return false, fmt.Errorf("count attempts last minute: %w", err)
	}
	if attemptsLastMin > int64(policy.MaxAttemptsPerMinute) {
		details, _ := json.Marshal(map[string]any{
			"queue":                   job.Queue,
			"attempts_last_minute":    attemptsLastMin,
			"max_attempts_per_minute": policy.MaxAttemptsPerMinute,
			"throttle_delay_ms":       policy.ThrottleDelayMS,
		})
		deferred, err := s.deferLeasedJob(ctx, job, workerID, policy.ThrottleDelayMS,
			models.DecisionThrottled, models.ReasonRetryRateExceeded, details)
		return deferred, err
	}

	return false, nil
}

// deferLeasedJob records the decision and pushes the job back to queued with
// the throttle delay, in one transaction.
func (s *Store) deferLeasedJob(ctx context.Context, job models.Job, workerID string, delayMS int, decision, reasonCode string, details json.RawMessage) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO policy_decisions (dataset_id, job_id, decision, reason_code, details_json)
		VALUES ($1, $2, $3, $4, $5)
	`, job.DatasetID, job.ID, decision, reasonCode, details); err != nil {
		return false, fmt.Errorf("insert policy decision: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued',
		    run_at = now() + ($4::int * interval '1 millisecond'),
		    locked_at = NULL, locked_by = NULL, lock_expires_at = NULL,
		    updated_at = now()
		WHERE dataset_id = $1 AND id = $2
		  AND status = 'running' AND locked_by = $3
	`, job.DatasetID, job.ID, workerID, delayMS)
	if err != nil {
		return false, fmt.Errorf("defer job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lease already gone; nothing to defer.
		return false, tx.Rollback(ctx)
	}
	return true, tx.Commit(ctx)
}

// PolicyDecisionsForJob returns the persisted decisions for a job in
// chronological order.
func (s *Store) PolicyDecisionsForJob(ctx context.Context, jobID uuid.UUID) ([]models.PolicyDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, dataset_id, job_id, decision, reason_code, details_json, created_at
		FROM policy_decisions
		WHERE job_id = $1
		ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list policy decisions: %w", err)
	}
	defer rows.Close()

	var out []models.PolicyDecision
	for rows.Next() {
		var d models.PolicyDecision
		if err := rows.Scan(&d.ID, &d.DatasetID, &d.JobID, &d.Decision, &d.ReasonCode, &d.Details, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
