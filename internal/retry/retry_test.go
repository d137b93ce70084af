package retry

import (
	"testing"
	"time"

	"pgflow/internal/models"
)

func TestNextDelayBounds(t *testing.T) {
	cfg := DefaultConfig()

	for attempt := 1; attempt <= 10; attempt++ {
		d := NextDelay(attempt, cfg)

		base := float64(cfg.Base) * float64(int64(1)<<uint(attempt-1))
		expected := time.Duration(base)
		if expected > cfg.Cap {
			expected = cfg.Cap
		}
		lo := time.Duration(float64(expected) * (1 - cfg.JitterPct))
		hi := time.Duration(float64(expected) * (1 + cfg.JitterPct))
		if d < lo || d > hi {
			t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, lo, hi)
		}
	}
}

func TestNextDelayCapped(t *testing.T) {
	cfg := DefaultConfig()
	d := NextDelay(30, cfg)
	max := time.Duration(float64(cfg.Cap) * (1 + cfg.JitterPct))
	if d > max {
		t.Fatalf("delay %s exceeds jittered cap %s", d, max)
	}
}

func TestDecideNonRetryable(t *testing.T) {
	d := Decide(models.ReasonNonRetryable, 1, 25, DefaultConfig())
	if d.Outcome != OutcomeDeadLetter {
		t.Fatalf("expected dead letter, got %v", d.Outcome)
	}
	if d.DLQReason != models.DLQNonRetryable {
		t.Fatalf("expected NON_RETRYABLE reason, got %s", d.DLQReason)
	}
}

func TestDecideMaxAttempts(t *testing.T) {
	d := Decide(models.ReasonUnknown, 3, 3, DefaultConfig())
	if d.Outcome != OutcomeDeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %v", d.Outcome)
	}
	if d.DLQReason != models.DLQMaxAttemptsExceeded {
		t.Fatalf("expected MAX_ATTEMPTS_EXCEEDED, got %s", d.DLQReason)
	}
}

func TestDecideRetry(t *testing.T) {
	d := Decide(models.ReasonTimeout, 1, 3, DefaultConfig())
	if d.Outcome != OutcomeRetry {
		t.Fatalf("expected retry, got %v", d.Outcome)
	}
	if d.Delay <= 0 {
		t.Fatalf("expected positive delay, got %s", d.Delay)
	}
}
