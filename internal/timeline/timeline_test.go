package timeline

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"pgflow/internal/models"
)

func strPtr(s string) *string { return &s }

func testJob(status string) models.Job {
	return models.Job{
		ID:      uuid.New(),
		Queue:   "default",
		JobType: "email_send",
		Status:  status,
		RunAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func failedAttempt(no int, at time.Time) models.Attempt {
	return models.Attempt{
		ID:           uuid.New(),
		AttemptNo:    no,
		Status:       models.AttemptFailed,
		StartedAt:    at,
		ErrorCode:    strPtr("SIMULATED_FAILURE"),
		ErrorMessage: strPtr("boom"),
		ReasonCode:   strPtr(models.ReasonTimeout),
		WorkerID:     "worker-1",
	}
}

func TestBuildStoryOrdering(t *testing.T) {
	job := testJob(models.StatusQueued)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	attempts := []models.Attempt{
		failedAttempt(1, t0),
		failedAttempt(2, t0.Add(2*time.Minute)),
	}
	decisions := []models.PolicyDecision{
		{
			ID:         uuid.New(),
			JobID:      job.ID,
			Decision:   models.DecisionThrottled,
			ReasonCode: models.ReasonRetryRateExceeded,
			Details:    json.RawMessage(`{}`),
			CreatedAt:  t0.Add(time.Minute),
		},
	}

	tl := Build(job, attempts, decisions)

	if len(tl.Story) != 3 {
		t.Fatalf("expected 3 story events, got %d", len(tl.Story))
	}
	kinds := []string{tl.Story[0].Kind, tl.Story[1].Kind, tl.Story[2].Kind}
	want := []string{"attempt", "policy_decision", "attempt"}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("story[%d] = %s, want %s (full order: %v)", i, kinds[i], want[i], kinds)
		}
	}
}

func TestBuildStoryTieBreak(t *testing.T) {
	job := testJob(models.StatusQueued)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	attempts := []models.Attempt{failedAttempt(1, at)}
	decisions := []models.PolicyDecision{
		{ID: uuid.New(), JobID: job.ID, Decision: models.DecisionDelayed, ReasonCode: models.ReasonInFlightExceeded, CreatedAt: at},
	}

	tl := Build(job, attempts, decisions)
	if tl.Story[0].Kind != "policy_decision" {
		t.Fatalf("decision should sort before attempt at equal timestamps, got %s first", tl.Story[0].Kind)
	}
}

func TestBuildLastError(t *testing.T) {
	job := testJob(models.StatusQueued)
	t0 := time.Now().UTC()
	attempts := []models.Attempt{
		failedAttempt(1, t0),
		{
			ID:        uuid.New(),
			AttemptNo: 2,
			Status:    models.AttemptSucceeded,
			StartedAt: t0.Add(time.Minute),
			WorkerID:  "worker-2",
		},
	}

	tl := Build(job, attempts, nil)
	if tl.LastError == nil {
		t.Fatalf("expected last error from attempt 1")
	}
	if tl.LastError.ErrorCode == nil || *tl.LastError.ErrorCode != "SIMULATED_FAILURE" {
		t.Fatalf("unexpected last error: %+v", tl.LastError)
	}
	if tl.LastWorkerID == nil || *tl.LastWorkerID != "worker-2" {
		t.Fatalf("unexpected last worker: %+v", tl.LastWorkerID)
	}
}

func TestExplainSucceeded(t *testing.T) {
	job := testJob(models.StatusSucceeded)
	attempts := []models.Attempt{{
		ID: uuid.New(), AttemptNo: 1, Status: models.AttemptSucceeded,
		StartedAt: time.Now().UTC(), WorkerID: "worker-1",
	}}

	ex := BuildExplain(job, Build(job, attempts, nil))
	if ex.Summary != "Succeeded after 1 attempt(s)." {
		t.Fatalf("unexpected summary: %q", ex.Summary)
	}
	if ex.Attempts != 1 || ex.FailedAttempts != 0 {
		t.Fatalf("unexpected counts: %d/%d", ex.Attempts, ex.FailedAttempts)
	}
}

func TestExplainDLQ(t *testing.T) {
	job := testJob(models.StatusDLQ)
	job.DLQReasonCode = strPtr(models.DLQMaxAttemptsExceeded)
	t0 := time.Now().UTC()
	attempts := []models.Attempt{
		failedAttempt(1, t0),
		failedAttempt(2, t0.Add(time.Second)),
		failedAttempt(3, t0.Add(2*time.Second)),
	}

	ex := BuildExplain(job, Build(job, attempts, nil))
	if !strings.Contains(ex.Summary, "Moved to DLQ after 3 attempt(s)") {
		t.Fatalf("unexpected summary: %q", ex.Summary)
	}
	if !strings.Contains(ex.Summary, models.DLQMaxAttemptsExceeded) {
		t.Fatalf("summary should carry the DLQ reason: %q", ex.Summary)
	}
	if ex.SuggestedAction == nil {
		t.Fatalf("expected a suggested action for the TIMEOUT reason")
	}
}

func TestExplainRetryScheduled(t *testing.T) {
	job := testJob(models.StatusQueued)
	job.RunAt = time.Now().UTC().Add(time.Minute)
	attempts := []models.Attempt{failedAttempt(1, time.Now().UTC())}

	ex := BuildExplain(job, Build(job, attempts, nil))
	if !strings.HasPrefix(ex.Summary, "Retry scheduled.") {
		t.Fatalf("unexpected summary: %q", ex.Summary)
	}
	if ex.NextRunAt == nil {
		t.Fatalf("expected next_run_at for a queued retry")
	}
}

func TestExplainFreshQueued(t *testing.T) {
	job := testJob(models.StatusQueued)
	ex := BuildExplain(job, Build(job, nil, nil))
	if ex.Summary != "Queued and waiting to run." {
		t.Fatalf("unexpected summary: %q", ex.Summary)
	}
}
