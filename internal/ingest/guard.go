// Package ingest implements the admission checks applied before a job row is
// created: payload size and per-queue enqueue rate. Both checks fail closed
// and persist an IngestDecision so a denial is provable without log access.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pgflow/internal/models"
	"pgflow/internal/store"
)

// Denial errors, mapped by the API onto 413 and 429.
var (
	ErrPayloadTooLarge     = errors.New(models.ReasonPayloadTooLarge)
	ErrEnqueueRateExceeded = errors.New(models.ReasonEnqueueRateExceeded)
)

// Config bounds admission.
type Config struct {
	MaxPayloadBytes     int
	MaxEnqueuePerMinute int64
}

// Guard runs the admission checks against the store.
type Guard struct {
	store *store.Store
	cfg   Config
}

func NewGuard(st *store.Store, cfg Config) *Guard {
	return &Guard{store: st, cfg: cfg}
}

// MaxPayloadBytes exposes the configured ceiling for request validation.
func (g *Guard) MaxPayloadBytes() int {
	return g.cfg.MaxPayloadBytes
}

// CheckPayload rejects payloads over the byte ceiling, recording a DENIED
// decision.
func (g *Guard) CheckPayload(ctx context.Context, queue string, payloadBytes int) error {
	if payloadBytes <= g.cfg.MaxPayloadBytes {
		return nil
	}
	details, _ := json.Marshal(map[string]any{
		"payload_bytes":     payloadBytes,
		"max_payload_bytes": g.cfg.MaxPayloadBytes,
	})
	if err := g.store.RecordIngestDecision(ctx, queue, models.DecisionDenied, models.ReasonPayloadTooLarge, details); err != nil {
		return fmt.Errorf("record payload denial: %w", err)
	}
	return ErrPayloadTooLarge
}

// CheckRate bumps the minute bucket for the queue and rejects once the
// incremented count exceeds the per-minute cap, recording a THROTTLED
// decision. The increment is one atomic upsert that returns the
// post-increment count, so each concurrent producer sees a distinct count and
// two of them cannot both slip past the limit.
func (g *Guard) CheckRate(ctx context.Context, queue string) error {
	windowStart := time.Now().UTC().Truncate(time.Minute)
	count, err := g.store.IncrementEnqueueCounter(ctx, queue, windowStart)
	if err != nil {
		return err
	}
	if count <= g.cfg.MaxEnqueuePerMinute {
		return nil
	}
	details, _ := json.Marshal(map[string]any{
		"count_this_minute": count,
		"max_per_minute":    g.cfg.MaxEnqueuePerMinute,
	})
	if err := g.store.RecordIngestDecision(ctx, queue, models.DecisionThrottled, models.ReasonEnqueueRateExceeded, details); err != nil {
		return fmt.Errorf("record rate denial: %w", err)
	}
	return ErrEnqueueRateExceeded
}
