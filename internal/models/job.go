package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDLQ       = "dlq"
	StatusCanceled  = "canceled"
)

// Attempt statuses.
const (
	AttemptRunning   = "running"
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// DLQ reason codes.
const (
	DLQNonRetryable        = "NON_RETRYABLE"
	DLQMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"
)

// Job is the durable unit of work. The jobs table is list-partitioned by
// DatasetID; the primary key is (dataset_id, id).
type Job struct {
	ID        uuid.UUID       `json:"id"`
	DatasetID string          `json:"dataset_id"`
	Queue     string          `json:"queue"`
	JobType   string          `json:"job_type"`
	Payload   json.RawMessage `json:"payload_json"`

	RunAt       time.Time `json:"run_at"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	MaxAttempts int       `json:"max_attempts"`

	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LockedBy      *string    `json:"locked_by,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	LastErrorCode    *string `json:"last_error_code,omitempty"`
	LastErrorMessage *string `json:"last_error_message,omitempty"`

	DLQReasonCode *string    `json:"dlq_reason_code,omitempty"`
	DLQAt         *time.Time `json:"dlq_at,omitempty"`

	ReplayOfJobID *uuid.UUID `json:"replay_of_job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempt is an immutable per-execution record. Attempt numbers for a job are
// the contiguous sequence 1..N; rows are never mutated after their terminal
// write.
type Attempt struct {
	ID        uuid.UUID `json:"id"`
	DatasetID string    `json:"dataset_id"`
	JobID     uuid.UUID `json:"job_id"`
	AttemptNo int       `json:"attempt_no"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Status string `json:"status"`

	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ReasonCode   *string `json:"reason_code,omitempty"`

	LatencyMS *int   `json:"latency_ms,omitempty"`
	WorkerID  string `json:"worker_id"`
}

// JobListItem is the trimmed projection returned by the list endpoints.
type JobListItem struct {
	ID      uuid.UUID `json:"id"`
	Queue   string    `json:"queue"`
	JobType string    `json:"job_type"`
	Status  string    `json:"status"`

	RunAt       time.Time `json:"run_at"`
	Priority    int       `json:"priority"`
	MaxAttempts int       `json:"max_attempts"`

	LastErrorCode    *string `json:"last_error_code,omitempty"`
	LastErrorMessage *string `json:"last_error_message,omitempty"`
	DLQReasonCode    *string `json:"dlq_reason_code,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueuePolicy holds per-queue storm-control limits.
type QueuePolicy struct {
	Queue                string `json:"queue"`
	MaxAttemptsPerMinute int    `json:"max_attempts_per_minute"`
	MaxInFlight          int    `json:"max_in_flight"`
	ThrottleDelayMS      int    `json:"throttle_delay_ms"`
}

// PolicyDecision is a persisted storm-control event for a leased job.
type PolicyDecision struct {
	ID         uuid.UUID       `json:"id"`
	DatasetID  string          `json:"dataset_id"`
	JobID      uuid.UUID       `json:"job_id"`
	Decision   string          `json:"decision"`
	ReasonCode string          `json:"reason_code"`
	Details    json.RawMessage `json:"details_json"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Policy and ingest decision kinds and reasons.
const (
	DecisionThrottled   = "THROTTLED"
	DecisionDelayed     = "DELAYED"
	DecisionQuarantined = "QUARANTINED"
	DecisionDenied      = "DENIED"

	ReasonInFlightExceeded    = "IN_FLIGHT_EXCEEDED"
	ReasonRetryRateExceeded   = "RETRY_RATE_EXCEEDED"
	ReasonPayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	ReasonEnqueueRateExceeded = "ENQUEUE_RATE_EXCEEDED"
)

// IngestDecision is a persisted pre-job admission event.
type IngestDecision struct {
	ID         uuid.UUID       `json:"id"`
	Queue      string          `json:"queue"`
	Decision   string          `json:"decision"`
	ReasonCode string          `json:"reason_code"`
	Details    json.RawMessage `json:"details_json"`
	CreatedAt  time.Time       `json:"created_at"`
}
