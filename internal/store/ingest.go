package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pgflow/internal/models"
)

// RecordIngestDecision persists a pre-job admission event.
func (s *Store) RecordIngestDecision(ctx context.Context, queue, decision, reasonCode string, details json.RawMessage) error {
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_decisions (queue, decision, reason_code, details_json)
		VALUES ($1, $2, $3, $4)
	`, queue, decision, reasonCode, details)
	if err != nil {
		return fmt.Errorf("record ingest decision: %w", err)
	}
	return nil
}

// ListIngestDecisions returns the most recent admission events, newest first.
func (s *Store) ListIngestDecisions(ctx context.Context, queue string, limit int) ([]models.IngestDecision, error) {
	if limit <= 0 {
		limit = 100
	} else if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, queue, decision, reason_code, details_json, created_at
		FROM ingest_decisions`
	args := []any{}
	if queue != "" {
		query += `
		WHERE queue = $1
		ORDER BY created_at DESC
		LIMIT $2`
		args = append(args, queue, limit)
	} else {
		query += `
		ORDER BY created_at DESC
		LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ingest decisions: %w", err)
	}
	defer rows.Close()

	var out []models.IngestDecision
	for rows.Next() {
		var d models.IngestDecision
		if err := rows.Scan(&d.ID, &d.Queue, &d.Decision, &d.ReasonCode, &d.Details, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ingest decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// IncrementEnqueueCounter bumps the minute bucket for a queue and returns the
// post-increment count. The upsert and the read happen in one statement so
// two concurrent producers can never both slip past the limit.
func (s *Store) IncrementEnqueueCounter(ctx context.Context, queue string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO enqueue_rate_counters (queue, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (queue, window_start)
		DO UPDATE SET count = enqueue_rate_counters.count + 1
		RETURNING count
	`, queue, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment enqueue counter: %w", err)
	}
	return count, nil
}
