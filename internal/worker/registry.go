package worker

import (
	"context"
	"fmt"
	"time"

	"pgflow/internal/models"
)

// Handler executes a job of a registered type. Handlers must be idempotent:
// delivery is at-least-once. A handler signals failure by returning a
// *HandlerError; any other error is recorded as UNKNOWN.
type Handler func(ctx context.Context, job models.Job) error

// HandlerError carries the classified outcome of a failed execution.
type HandlerError struct {
	ReasonCode string
	ErrorCode  string
	Message    string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.ReasonCode, e.ErrorCode, e.Message)
}

// NewHandlerError builds a classified handler failure.
func NewHandlerError(reasonCode, errorCode, message string) *HandlerError {
	return &HandlerError{ReasonCode: reasonCode, ErrorCode: errorCode, Message: message}
}

// HandlerOptions bound a handler's execution.
type HandlerOptions struct {
	// Timeout for a single invocation. Zero means no handler-side deadline;
	// the worker then refreshes the lease while the handler runs.
	Timeout time.Duration
	// MaxConcurrency caps simultaneous invocations across this process.
	// Zero means unlimited.
	MaxConcurrency int
}

type handlerEntry struct {
	handler Handler
	timeout time.Duration
	sem     chan struct{}
}

// Registry maps job types to handlers. Register every handler explicitly at
// startup; there is no dynamic lookup.
type Registry struct {
	entries map[string]*handlerEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*handlerEntry)}
}

// Register binds a handler to a job type with default options.
func (r *Registry) Register(jobType string, handler Handler) {
	r.RegisterWithOptions(jobType, handler, HandlerOptions{})
}

// RegisterWithOptions binds a handler with a timeout and concurrency limit.
func (r *Registry) RegisterWithOptions(jobType string, handler Handler, opts HandlerOptions) {
	if jobType == "" || handler == nil {
		return
	}
	entry := &handlerEntry{handler: handler, timeout: opts.Timeout}
	if opts.MaxConcurrency > 0 {
		entry.sem = make(chan struct{}, opts.MaxConcurrency)
	}
	r.entries[jobType] = entry
}

func (r *Registry) entryFor(jobType string) (*handlerEntry, bool) {
	e, ok := r.entries[jobType]
	return e, ok
}

// run executes the handler under its concurrency limit and timeout. A nil
// return means success; otherwise the failure is fully classified. Panics
// are caught at this boundary and recorded as UNKNOWN — no fault escapes the
// worker loop.
func (e *handlerEntry) run(ctx context.Context, job models.Job) *HandlerError {
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return NewHandlerError(models.ReasonTimeout, "WORKER_SHUTDOWN", "canceled while waiting for a handler slot")
		}
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan *HandlerError, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- NewHandlerError(models.ReasonUnknown, models.ErrCodePanic, fmt.Sprintf("handler panic: %v", rec))
			}
		}()
		done <- classify(e.handler(runCtx, job))
	}()

	select {
	case failure := <-done:
		// A context-aware handler may return the deadline error itself;
		// classify that as a timeout, not an unknown failure.
		if failure != nil && e.timeout > 0 && runCtx.Err() == context.DeadlineExceeded {
			return NewHandlerError(models.ReasonTimeout, models.ReasonTimeout,
				fmt.Sprintf("handler timeout after %s", e.timeout))
		}
		return failure
	case <-runCtx.Done():
		if e.timeout > 0 && runCtx.Err() == context.DeadlineExceeded {
			return NewHandlerError(models.ReasonTimeout, models.ReasonTimeout,
				fmt.Sprintf("handler timeout after %s", e.timeout))
		}
		return NewHandlerError(models.ReasonUnknown, "WORKER_SHUTDOWN", "canceled during execution")
	}
}

func classify(err error) *HandlerError {
	if err == nil {
		return nil
	}
	if he, ok := err.(*HandlerError); ok {
		return he
	}
	return NewHandlerError(models.ReasonUnknown, models.ReasonUnknown, err.Error())
}
