// Package timeline derives the diagnostic views for a job from its persisted
// attempt and policy-decision history. The builders are pure functions over
// already-fetched rows.
package timeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"pgflow/internal/models"
)

// Timeline is the full diagnostic record for one job.
type Timeline struct {
	JobID   uuid.UUID `json:"job_id"`
	Status  string    `json:"status"`
	Queue   string    `json:"queue"`
	JobType string    `json:"job_type"`
	RunAt   time.Time `json:"run_at"`

	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastWorkerID *string    `json:"last_worker_id,omitempty"`
	LastError    *LastError `json:"last_error,omitempty"`

	Attempts []Attempt `json:"attempts"`

	// Story interleaves attempts and policy decisions by timestamp.
	Story []Event `json:"story"`
}

// Attempt is the timeline projection of an attempt row, annotated with the
// suggested operator action for its reason code.
type Attempt struct {
	ID         uuid.UUID  `json:"id"`
	AttemptNo  int        `json:"attempt_no"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ReasonCode   *string `json:"reason_code,omitempty"`
	LatencyMS    *int    `json:"latency_ms,omitempty"`
	WorkerID     string  `json:"worker_id"`

	SuggestedAction *string `json:"suggested_action,omitempty"`
}

// LastError summarizes the most recent failed attempt.
type LastError struct {
	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ReasonCode   *string `json:"reason_code,omitempty"`
}

// Event is one entry of the unified story stream.
type Event struct {
	Kind string    `json:"kind"` // "attempt" or "policy_decision"
	At   time.Time `json:"at"`
	ID   uuid.UUID `json:"id"`

	// attempt fields
	AttemptNo       int     `json:"attempt_no,omitempty"`
	Status          string  `json:"status,omitempty"`
	WorkerID        string  `json:"worker_id,omitempty"`
	ErrorCode       *string `json:"error_code,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	SuggestedAction *string `json:"suggested_action,omitempty"`
	LatencyMS       *int    `json:"latency_ms,omitempty"`

	// policy decision fields
	Decision   string          `json:"decision,omitempty"`
	ReasonCode string          `json:"reason_code,omitempty"`
	Details    json.RawMessage `json:"details_json,omitempty"`
}

// Build assembles the timeline for a job from its rows.
func Build(job models.Job, attempts []models.Attempt, decisions []models.PolicyDecision) Timeline {
	tl := Timeline{
		JobID:   job.ID,
		Status:  job.Status,
		Queue:   job.Queue,
		JobType: job.JobType,
		RunAt:   job.RunAt,
	}

	if job.Status == models.StatusQueued {
		runAt := job.RunAt
		tl.NextRunAt = &runAt
	}
	if n := len(attempts); n > 0 {
		tl.LastWorkerID = &attempts[n-1].WorkerID
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status == models.AttemptFailed {
			tl.LastError = &LastError{
				ErrorCode:    attempts[i].ErrorCode,
				ErrorMessage: attempts[i].ErrorMessage,
				ReasonCode:   attempts[i].ReasonCode,
			}
			break
		}
	}

	tl.Attempts = make([]Attempt, 0, len(attempts))
	for _, a := range attempts {
		out := Attempt{
			ID:           a.ID,
			AttemptNo:    a.AttemptNo,
			Status:       a.Status,
			StartedAt:    a.StartedAt,
			FinishedAt:   a.FinishedAt,
			ErrorCode:    a.ErrorCode,
			ErrorMessage: a.ErrorMessage,
			ReasonCode:   a.ReasonCode,
			LatencyMS:    a.LatencyMS,
			WorkerID:     a.WorkerID,
		}
		if a.ReasonCode != nil {
			action := models.SuggestedAction(*a.ReasonCode)
			out.SuggestedAction = &action
		}
		tl.Attempts = append(tl.Attempts, out)
	}

	story := make([]Event, 0, len(attempts)+len(decisions))
	for _, a := range tl.Attempts {
		story = append(story, Event{
			Kind:            "attempt",
			At:              a.StartedAt,
			ID:              a.ID,
			AttemptNo:       a.AttemptNo,
			Status:          a.Status,
			WorkerID:        a.WorkerID,
			ErrorCode:       a.ErrorCode,
			ErrorMessage:    a.ErrorMessage,
			SuggestedAction: a.SuggestedAction,
			LatencyMS:       a.LatencyMS,
		})
	}
	for _, d := range decisions {
		story = append(story, Event{
			Kind:       "policy_decision",
			At:         d.CreatedAt,
			ID:         d.ID,
			Decision:   d.Decision,
			ReasonCode: d.ReasonCode,
			Details:    d.Details,
		})
	}

	// Order by time; at equal instants decisions come before attempts, then
	// attempt_no keeps the output deterministic.
	sort.SliceStable(story, func(i, k int) bool {
		a, b := story[i], story[k]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		rank := func(e Event) int {
			if e.Kind == "policy_decision" {
				return 0
			}
			return 1
		}
		if rank(a) != rank(b) {
			return rank(a) < rank(b)
		}
		return a.AttemptNo < b.AttemptNo
	})
	tl.Story = story

	return tl
}

// Explain is the one-paragraph diagnosis for a job.
type Explain struct {
	JobID   uuid.UUID `json:"job_id"`
	Status  string    `json:"status"`
	Queue   string    `json:"queue"`
	JobType string    `json:"job_type"`
	Summary string    `json:"summary"`

	Attempts       int `json:"attempts"`
	FailedAttempts int `json:"failed_attempts"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastError *LastError `json:"last_error,omitempty"`

	DLQReasonCode   *string `json:"dlq_reason_code,omitempty"`
	SuggestedAction *string `json:"suggested_action,omitempty"`
}

// BuildExplain derives the diagnosis from a built timeline and the job row.
func BuildExplain(job models.Job, tl Timeline) Explain {
	attempts := len(tl.Attempts)
	failed := 0
	for _, a := range tl.Attempts {
		if a.Status == models.AttemptFailed {
			failed++
		}
	}

	ex := Explain{
		JobID:          tl.JobID,
		Status:         tl.Status,
		Queue:          tl.Queue,
		JobType:        tl.JobType,
		Attempts:       attempts,
		FailedAttempts: failed,
		NextRunAt:      tl.NextRunAt,
		LastError:      tl.LastError,
		DLQReasonCode:  job.DLQReasonCode,
	}

	if tl.LastError != nil && tl.LastError.ReasonCode != nil {
		action := models.SuggestedAction(*tl.LastError.ReasonCode)
		ex.SuggestedAction = &action
	}

	shown := attempts
	if shown < 1 {
		shown = 1
	}
	switch tl.Status {
	case models.StatusSucceeded:
		ex.Summary = fmt.Sprintf("Succeeded after %d attempt(s).", shown)
	case models.StatusRunning:
		ex.Summary = "Currently running."
	case models.StatusDLQ:
		reason := "UNKNOWN"
		if job.DLQReasonCode != nil {
			reason = *job.DLQReasonCode
		}
		ex.Summary = fmt.Sprintf("Moved to DLQ after %d attempt(s). Reason: %s.", shown, reason)
	case models.StatusQueued:
		if tl.LastError != nil && tl.NextRunAt != nil {
			ex.Summary = fmt.Sprintf("Retry scheduled. Next run at %s.", tl.NextRunAt.UTC().Format(time.RFC3339))
		} else {
			ex.Summary = "Queued and waiting to run."
		}
	default:
		ex.Summary = fmt.Sprintf("Status: %s.", tl.Status)
	}

	return ex
}
