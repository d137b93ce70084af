package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"pgflow/internal/config"
	"pgflow/internal/models"
	"pgflow/internal/retry"
	"pgflow/internal/store"
	"pgflow/internal/telemetry"
)

// Processor drives the worker execution loop: reap expired leases on a
// cadence, lease a batch, run storm control, execute handlers, record
// outcomes.
type Processor struct {
	cfg      config.Config
	store    *store.Store
	registry *Registry
	retryCfg retry.Config
	workerID string
}

func NewProcessor(cfg config.Config, st *store.Store, registry *Registry) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		registry: registry,
		retryCfg: retry.DefaultConfig(),
		workerID: cfg.WorkerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	lastReap := time.Now().Add(-p.cfg.ReapInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Reclaim jobs from dead workers on a fixed interval to avoid
		// hot-loop write load.
		if time.Since(lastReap) >= p.cfg.ReapInterval {
			if reaped, err := p.store.ReapExpiredLocks(ctx, p.retryCfg); err != nil {
				log.Printf("[%s] reap error: %v", p.workerID, err)
			} else if reaped > 0 {
				telemetry.ReapedLocks.Add(float64(reaped))
				log.Printf("[%s] reaped %d expired locks", p.workerID, reaped)
			}
			lastReap = time.Now()
		}

		batch, err := p.store.LeaseJobs(ctx, p.cfg.Queue, p.workerID, p.cfg.LeaseSeconds, p.cfg.DequeueBatchSize)
		if err != nil {
			log.Printf("[%s] lease error: %v", p.workerID, err)
			p.sleep(ctx, time.Second)
			continue
		}
		if len(batch) == 0 {
			p.sleep(ctx, 250*time.Millisecond)
			continue
		}

		var wg sync.WaitGroup
		for _, job := range batch {
			deferred, err := p.store.EvaluateLeasedJob(ctx, job, p.workerID)
			if err != nil {
				log.Printf("[%s] policy error for job %s: %v", p.workerID, job.ID, err)
			}
			if deferred {
				telemetry.PolicyDeferrals.Inc()
				continue
			}

			wg.Add(1)
			go func(job models.Job) {
				defer wg.Done()
				p.executeJob(ctx, job)
			}(job)
		}
		wg.Wait()
	}
}

func (p *Processor) executeJob(ctx context.Context, job models.Job) {
	attempt, err := p.store.StartAttempt(ctx, job, p.workerID)
	if err != nil {
		log.Printf("[%s] start attempt for job %s: %v", p.workerID, job.ID, err)
		return
	}

	entry, ok := p.registry.entryFor(job.JobType)
	if !ok {
		p.recordFailure(ctx, job, attempt, store.FailureParams{
			ReasonCode:   models.ReasonNonRetryable,
			ErrorCode:    models.ErrCodeUnknownJobType,
			ErrorMessage: "no handler registered for job_type " + job.JobType,
		})
		return
	}

	// Keep the lease alive when the handler can outlive it. Handlers with a
	// timeout below the lease duration never need this.
	leaseDur := time.Duration(p.cfg.LeaseSeconds) * time.Second
	stopRefresh := func() {}
	if entry.timeout == 0 || entry.timeout >= leaseDur {
		stopRefresh = p.refreshLease(ctx, job)
	}

	telemetry.InFlightGauge.Inc()
	start := time.Now()
	failure := entry.run(ctx, job)
	latency := int(time.Since(start).Milliseconds())
	telemetry.InFlightGauge.Dec()
	stopRefresh()

	if failure == nil {
		if err := p.store.FinishSucceeded(ctx, job, attempt, p.workerID, latency); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				log.Printf("[%s] job %s lease lost before success commit; outcome dropped", p.workerID, job.ID)
				return
			}
			log.Printf("[%s] finish succeeded for job %s: %v", p.workerID, job.ID, err)
			return
		}
		telemetry.WorkerSuccess.Inc()
		return
	}

	p.recordFailure(ctx, job, attempt, store.FailureParams{
		ReasonCode:   failure.ReasonCode,
		ErrorCode:    failure.ErrorCode,
		ErrorMessage: failure.Message,
		LatencyMS:    latency,
	})
}

func (p *Processor) recordFailure(ctx context.Context, job models.Job, attempt models.Attempt, fp store.FailureParams) {
	if err := p.store.FinishFailed(ctx, job, attempt, p.workerID, fp, p.retryCfg); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			log.Printf("[%s] job %s lease lost before failure commit; outcome dropped", p.workerID, job.ID)
			return
		}
		log.Printf("[%s] finish failed for job %s: %v", p.workerID, job.ID, err)
		return
	}
	telemetry.WorkerFailures.Inc()
	if fp.ReasonCode == models.ReasonNonRetryable || attempt.AttemptNo >= job.MaxAttempts {
		telemetry.WorkerDeadLetter.Inc()
	}
}

// refreshLease extends the lease at half its duration until the returned stop
// function is called.
func (p *Processor) refreshLease(ctx context.Context, job models.Job) func() {
	interval := time.Duration(p.cfg.LeaseSeconds) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.ExtendLease(ctx, job, p.workerID, p.cfg.LeaseSeconds); err != nil {
					if !errors.Is(err, store.ErrLeaseLost) {
						log.Printf("[%s] extend lease for job %s: %v", p.workerID, job.ID, err)
					}
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
