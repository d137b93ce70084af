package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pgflow/internal/models"
)

func TestRunSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", func(_ context.Context, _ models.Job) error { return nil })

	entry, ok := r.entryFor("ok")
	if !ok {
		t.Fatalf("handler not registered")
	}
	if failure := entry.run(context.Background(), models.Job{}); failure != nil {
		t.Fatalf("expected success, got %v", failure)
	}
}

func TestRunClassifiedFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("bad", func(_ context.Context, _ models.Job) error {
		return NewHandlerError(models.ReasonNonRetryable, "SIMULATED_FAILURE", "nope")
	})

	entry, _ := r.entryFor("bad")
	failure := entry.run(context.Background(), models.Job{})
	if failure == nil {
		t.Fatalf("expected failure")
	}
	if failure.ReasonCode != models.ReasonNonRetryable || failure.ErrorCode != "SIMULATED_FAILURE" {
		t.Fatalf("unexpected classification: %+v", failure)
	}
}

func TestRunPlainErrorIsUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register("plain", func(_ context.Context, _ models.Job) error {
		return errors.New("something broke")
	})

	entry, _ := r.entryFor("plain")
	failure := entry.run(context.Background(), models.Job{})
	if failure == nil || failure.ReasonCode != models.ReasonUnknown {
		t.Fatalf("expected UNKNOWN, got %+v", failure)
	}
}

func TestRunPanicIsCaught(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", func(_ context.Context, _ models.Job) error {
		panic("handler exploded")
	})

	entry, _ := r.entryFor("boom")
	failure := entry.run(context.Background(), models.Job{})
	if failure == nil {
		t.Fatalf("expected failure from panic")
	}
	if failure.ReasonCode != models.ReasonUnknown || failure.ErrorCode != models.ErrCodePanic {
		t.Fatalf("unexpected classification for panic: %+v", failure)
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewRegistry()
	r.RegisterWithOptions("slow", func(ctx context.Context, _ models.Job) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}, HandlerOptions{Timeout: 30 * time.Millisecond})

	entry, _ := r.entryFor("slow")
	start := time.Now()
	failure := entry.run(context.Background(), models.Job{})
	if failure == nil || failure.ReasonCode != models.ReasonTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", failure)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout did not fire promptly")
	}
}

func TestRunConcurrencyLimit(t *testing.T) {
	var inFlight, peak int32
	r := NewRegistry()
	r.RegisterWithOptions("limited", func(_ context.Context, _ models.Job) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}, HandlerOptions{MaxConcurrency: 2})

	entry, _ := r.entryFor("limited")
	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			entry.run(context.Background(), models.Job{})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("concurrency limit exceeded: peak %d", p)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.entryFor("missing"); ok {
		t.Fatalf("unexpected handler for unregistered type")
	}
}
