package store

import (
	"context"
	"fmt"
	"time"
)

// QueueMetrics is the on-demand snapshot for one queue over the trailing 60s
// window.
type QueueMetrics struct {
	At    time.Time `json:"at"`
	Queue string    `json:"queue"`

	RunnableQueueDepth int64 `json:"runnable_queue_depth"`

	JobsPerSec    float64 `json:"jobs_per_sec"`
	SuccessRate   float64 `json:"success_rate"`
	RetryRate     float64 `json:"retry_rate"`
	MeanLatencyMS float64 `json:"mean_latency_ms"`

	LatencyP50MS float64 `json:"latency_p50_ms"`
	LatencyP95MS float64 `json:"latency_p95_ms"`
	LatencyP99MS float64 `json:"latency_p99_ms"`
}

// SnapshotAllQueues computes metrics for every queue known to the jobs table.
func (s *Store) SnapshotAllQueues(ctx context.Context) ([]QueueMetrics, error) {
	queues, err := s.KnownQueues(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]QueueMetrics, 0, len(queues))
	for _, q := range queues {
		m, err := s.SnapshotQueue(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SnapshotQueue computes the trailing-60s metrics for one queue.
func (s *Store) SnapshotQueue(ctx context.Context, queue string) (QueueMetrics, error) {
	m := QueueMetrics{At: time.Now().UTC(), Queue: queue}

	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM jobs
		WHERE queue = $1 AND status = 'queued' AND run_at <= now()
	`, queue).Scan(&m.RunnableQueueDepth); err != nil {
		return QueueMetrics{}, fmt.Errorf("queue depth: %w", err)
	}

	var finished, succeeded, retries, started, meanLatency float64
	if err := s.pool.QueryRow(ctx, `
		WITH a AS (
			SELECT a.*
			FROM job_attempts a
			JOIN jobs j ON j.dataset_id = a.dataset_id AND j.id = a.job_id
			WHERE j.queue = $1
			  AND a.started_at >= now() - interval '60 seconds'
		),
		finished AS (
			SELECT * FROM a WHERE finished_at IS NOT NULL
		)
		SELECT
			(SELECT COUNT(*) FROM finished)::float8,
			(SELECT COUNT(*) FROM finished WHERE status = 'succeeded')::float8,
			(SELECT COUNT(*) FROM a WHERE attempt_no >= 2)::float8,
			(SELECT COUNT(*) FROM a)::float8,
			COALESCE((SELECT AVG(latency_ms)::float8 FROM finished), 0.0)
	`, queue).Scan(&finished, &succeeded, &retries, &started, &meanLatency); err != nil {
		return QueueMetrics{}, fmt.Errorf("attempt window stats: %w", err)
	}

	m.JobsPerSec = finished / 60.0
	if finished > 0 {
		m.SuccessRate = succeeded / finished
	}
	if started > 0 {
		m.RetryRate = retries / started
	}
	m.MeanLatencyMS = meanLatency

	p50, p95, p99, err := s.LatencyPercentiles(ctx, queue, time.Minute)
	if err != nil {
		return QueueMetrics{}, err
	}
	m.LatencyP50MS, m.LatencyP95MS, m.LatencyP99MS = p50, p95, p99

	return m, nil
}

// CountsSnapshot backs the Prometheus text projection:
// queued, running, succeeded in the last 60s, failed-or-dlq in the last 60s.
func (s *Store) CountsSnapshot(ctx context.Context) (queued, running, succeeded60, failed60 int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'succeeded' AND updated_at >= now() - interval '60 seconds'),
			COUNT(*) FILTER (WHERE status IN ('failed', 'dlq') AND updated_at >= now() - interval '60 seconds')
		FROM jobs
	`).Scan(&queued, &running, &succeeded60, &failed60)
	if err != nil {
		err = fmt.Errorf("counts snapshot: %w", err)
	}
	return
}
