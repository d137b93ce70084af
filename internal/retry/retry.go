package retry

import (
	"math"
	"math/rand"
	"time"

	"pgflow/internal/models"
)

// Config controls the backoff schedule for retried jobs.
type Config struct {
	Base      time.Duration
	Cap       time.Duration
	JitterPct float64
}

// DefaultConfig matches the documented schedule: 1s base, 5min cap, ±20%
// jitter.
func DefaultConfig() Config {
	return Config{
		Base:      time.Second,
		Cap:       5 * time.Minute,
		JitterPct: 0.20,
	}
}

// Outcome is the job-side result of a failed attempt.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeDeadLetter
)

// Decision carries the retry-vs-DLQ verdict for a failed attempt.
type Decision struct {
	Outcome   Outcome
	DLQReason string        // set when Outcome is OutcomeDeadLetter
	Delay     time.Duration // set when Outcome is OutcomeRetry
}

// Decide classifies a failed attempt. Non-retryable failures dead-letter
// immediately; exhausting max_attempts dead-letters with
// MAX_ATTEMPTS_EXCEEDED; everything else reschedules with backoff.
func Decide(reasonCode string, attemptNo, maxAttempts int, cfg Config) Decision {
	if reasonCode == models.ReasonNonRetryable {
		return Decision{Outcome: OutcomeDeadLetter, DLQReason: models.DLQNonRetryable}
	}
	if attemptNo >= maxAttempts {
		return Decision{Outcome: OutcomeDeadLetter, DLQReason: models.DLQMaxAttemptsExceeded}
	}
	return Decision{Outcome: OutcomeRetry, Delay: NextDelay(attemptNo, cfg)}
}

// NextDelay computes min(cap, base * 2^(n-1)) scaled by a jitter factor in
// [1-jitter, 1+jitter].
func NextDelay(attemptNo int, cfg Config) time.Duration {
	if attemptNo < 1 {
		attemptNo = 1
	}
	exp := float64(cfg.Base) * math.Pow(2, float64(attemptNo-1))
	delay := time.Duration(exp)
	if delay > cfg.Cap || delay <= 0 {
		delay = cfg.Cap
	}
	factor := 1 + cfg.JitterPct*(2*rand.Float64()-1)
	jittered := time.Duration(float64(delay) * factor)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
