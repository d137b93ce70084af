package worker

import (
	"context"
	"encoding/json"
	"time"

	"pgflow/internal/models"
)

// Demo handlers exercised by the end-to-end scenarios. Replace these with
// real handlers when embedding the runtime.

// DemoOK sleeps briefly and succeeds.
func DemoOK(ctx context.Context, _ models.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

// FailMe always fails with a retryable error.
func FailMe(_ context.Context, _ models.Job) error {
	return NewHandlerError(models.ReasonUnknown, "SIMULATED_FAILURE", "simulated failure requested by handler")
}

// FailNonRetryable always fails straight to the DLQ.
func FailNonRetryable(_ context.Context, _ models.Job) error {
	return NewHandlerError(models.ReasonNonRetryable, "SIMULATED_FAILURE", "simulated non-retryable failure")
}

type emailSendPayload struct {
	UserID   int64   `json:"user_id"`
	Template *string `json:"template"`
}

// EmailSend validates its payload and pretends to deliver a message.
func EmailSend(_ context.Context, job models.Job) error {
	var payload emailSendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return NewHandlerError(models.ReasonBadPayload, models.ReasonBadPayload, err.Error())
	}
	if payload.UserID == 0 {
		return NewHandlerError(models.ReasonBadPayload, models.ReasonBadPayload, "user_id is required")
	}
	return nil
}
