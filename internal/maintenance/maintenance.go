// Package maintenance runs the background housekeeping cadence: partition
// priming, archival of succeeded jobs, and history pruning. Every step
// tolerates partial failure and is re-entrant; errors are logged and retried
// on the next tick.
package maintenance

import (
	"context"
	"log"
	"time"

	"pgflow/internal/config"
	"pgflow/internal/store"
)

const batchSize = 500

// Loop owns the maintenance cadence.
type Loop struct {
	cfg   config.Config
	store *store.Store
}

func NewLoop(cfg config.Config, st *store.Store) *Loop {
	return &Loop{cfg: cfg, store: st}
}

// Run executes maintenance every MaintenanceInterval until cancellation. The
// first pass runs immediately.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		l.runOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	now := time.Now().UTC()

	l.primeJobPartitions(ctx, now)

	if err := l.store.EnsureArchivePartition(ctx, now); err != nil {
		log.Printf("[maintenance] archive partition error: %v", err)
	}
	if err := l.store.EnsureArchivePartition(ctx, now.AddDate(0, 1, 0)); err != nil {
		log.Printf("[maintenance] next archive partition error: %v", err)
	}

	archiveCutoff := now.Add(-l.cfg.ArchiveSucceededAfter)
	if n, err := l.store.ArchiveSucceeded(ctx, archiveCutoff, batchSize); err != nil {
		log.Printf("[maintenance] archive error: %v", err)
	} else if n > 0 {
		log.Printf("[maintenance] archived %d succeeded jobs", n)
	}

	pruneCutoff := now.Add(-l.cfg.PruneHistoryAfter)
	if attempts, decisions, err := l.store.PruneHistory(ctx, pruneCutoff, batchSize); err != nil {
		log.Printf("[maintenance] prune error: %v", err)
	} else if attempts > 0 || decisions > 0 {
		log.Printf("[maintenance] pruned attempts=%d policy_decisions=%d", attempts, decisions)
	}
}

// primeJobPartitions creates the dataset partitions for the current and next
// hour for every queue we know about plus the configured one.
func (l *Loop) primeJobPartitions(ctx context.Context, now time.Time) {
	queues, err := l.store.KnownQueues(ctx)
	if err != nil {
		log.Printf("[maintenance] list queues error: %v", err)
	}
	seen := false
	for _, q := range queues {
		if q == l.cfg.Queue {
			seen = true
		}
	}
	if !seen {
		queues = append(queues, l.cfg.Queue)
	}

	for _, q := range queues {
		for _, at := range []time.Time{now, now.Add(time.Hour)} {
			dataset := store.DatasetID(q, at)
			if err := l.store.EnsureJobsPartition(ctx, dataset); err != nil {
				log.Printf("[maintenance] jobs partition %s error: %v", dataset, err)
			}
		}
	}
}
