package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pgflow/internal/config"
	"pgflow/internal/ingest"
	"pgflow/internal/models"
	"pgflow/internal/store"
	"pgflow/internal/telemetry"
	"pgflow/internal/timeline"
)

// Server wires the HTTP handlers for the admin/producer surface.
type Server struct {
	cfg   config.Config
	store *store.Store
	guard *ingest.Guard
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, guard *ingest.Guard) *Server {
	return &Server{cfg: cfg, store: st, guard: guard}
}

// Router builds the HTTP router. Health stays outside the auth boundary.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/dlq", s.handleListDLQ)
		r.Get("/jobs/{id}/timeline", s.handleTimeline)
		r.Get("/jobs/{id}/explain", s.handleExplain)
		r.Post("/jobs/{id}/replay", s.handleReplay)
		r.Get("/ingest/decisions", s.handleIngestDecisions)
		r.Get("/metrics", s.handleMetrics)
		r.Method(http.MethodGet, "/metrics/prom", telemetry.Handler(s.store))
	})

	return r
}

// requireToken enforces the optional bearer token. Requests must carry either
// x-api-key or an Authorization bearer header when a token is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("x-api-key") == s.cfg.APIToken {
			next.ServeHTTP(w, r)
			return
		}
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") &&
			strings.TrimPrefix(auth, "Bearer ") == s.cfg.APIToken {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "missing or invalid api token", "UNAUTHORIZED")
	})
}

type enqueueRequest struct {
	Queue       string          `json:"queue"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload_json"`
	RunAt       *time.Time      `json:"run_at"`
	Priority    *int            `json:"priority"`
	MaxAttempts *int            `json:"max_attempts"`
}

type enqueueResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", models.ReasonBadPayload)
		return
	}
	if strings.TrimSpace(req.JobType) == "" {
		writeError(w, http.StatusBadRequest, "job_type is required", models.ReasonBadPayload)
		return
	}
	maxAttempts := 25
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}
	if maxAttempts <= 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must be > 0", models.ReasonBadPayload)
		return
	}
	queue := req.Queue
	if queue == "" {
		queue = "default"
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	if err := s.guard.CheckPayload(r.Context(), queue, len(payload)); err != nil {
		s.writeGuardError(w, err)
		return
	}
	if err := s.guard.CheckRate(r.Context(), queue); err != nil {
		s.writeGuardError(w, err)
		return
	}

	params := store.EnqueueParams{
		Queue:       queue,
		JobType:     req.JobType,
		Payload:     payload,
		MaxAttempts: maxAttempts,
	}
	if req.RunAt != nil {
		params.RunAt = *req.RunAt
	}
	if req.Priority != nil {
		params.Priority = *req.Priority
	}

	job, err := s.store.EnqueueJob(r.Context(), params)
	if errors.Is(err, store.ErrBadPayload) {
		writeError(w, http.StatusBadRequest, err.Error(), models.ReasonBadPayload)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusOK, enqueueResponse{JobID: job.ID})
}

func (s *Server) writeGuardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrPayloadTooLarge):
		telemetry.IngestRejects.Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large", models.ReasonPayloadTooLarge)
	case errors.Is(err, ingest.ErrEnqueueRateExceeded):
		telemetry.IngestRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "enqueue rate exceeded", models.ReasonEnqueueRateExceeded)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

type listJobsResponse struct {
	Items               []models.JobListItem `json:"items"`
	NextCursorCreatedAt *time.Time           `json:"next_cursor_created_at,omitempty"`
	NextCursorID        *uuid.UUID           `json:"next_cursor_id,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.listJobs(w, r, r.URL.Query().Get("status"))
}

// handleListDLQ is the jobs listing with status forced to dlq.
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	s.listJobs(w, r, models.StatusDLQ)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request, status string) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Queue:  q.Get("queue"),
		Status: status,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer", models.ReasonBadPayload)
			return
		}
		filter.Limit = n
	}
	if ca, id := q.Get("cursor_created_at"), q.Get("cursor_id"); ca != "" && id != "" {
		t, err := time.Parse(time.RFC3339Nano, ca)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor_created_at must be RFC 3339", models.ReasonBadPayload)
			return
		}
		u, err := uuid.Parse(id)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor_id must be a uuid", models.ReasonBadPayload)
			return
		}
		filter.CursorCreatedAt = &t
		filter.CursorID = &u
	}

	items, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}

	resp := listJobsResponse{Items: items}
	if len(items) == filter.ClampedLimit() {
		last := items[len(items)-1]
		resp.NextCursorCreatedAt = &last.CreatedAt
		resp.NextCursorID = &last.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	tl, err := s.buildTimeline(r, job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	tl, err := s.buildTimeline(r, job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, timeline.BuildExplain(job, tl))
}

func (s *Server) buildTimeline(r *http.Request, job models.Job) (timeline.Timeline, error) {
	attempts, err := s.store.AttemptsForJob(r.Context(), job.ID)
	if err != nil {
		return timeline.Timeline{}, err
	}
	decisions, err := s.store.PolicyDecisionsForJob(r.Context(), job.ID)
	if err != nil {
		return timeline.Timeline{}, err
	}
	return timeline.Build(job, attempts, decisions), nil
}

type replayRequest struct {
	Queue *string    `json:"queue"`
	RunAt *time.Time `json:"run_at"`
}

type replayResponse struct {
	NewJobID      uuid.UUID `json:"new_job_id"`
	ReplayOfJobID uuid.UUID `json:"replay_of_job_id"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid", models.ReasonBadPayload)
		return
	}
	var req replayRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", models.ReasonBadPayload)
			return
		}
	}

	job, err := s.store.Replay(r.Context(), id, req.Queue, req.RunAt)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{NewJobID: job.ID, ReplayOfJobID: id})
}

func (s *Server) handleIngestDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	items, err := s.store.ListIngestDecisions(r.Context(), q.Get("queue"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type metricsResponse struct {
	NowUTC time.Time            `json:"now_utc"`
	Queues []store.QueueMetrics `json:"queues"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var (
		queues []store.QueueMetrics
		err    error
	)
	if q := r.URL.Query().Get("queue"); q != "" {
		var m store.QueueMetrics
		m, err = s.store.SnapshotQueue(r.Context(), q)
		queues = []store.QueueMetrics{m}
	} else {
		queues, err = s.store.SnapshotAllQueues(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{NowUTC: time.Now().UTC(), Queues: queues})
}

func (s *Server) jobFromPath(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid", models.ReasonBadPayload)
		return models.Job{}, false
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
		return models.Job{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
		return models.Job{}, false
	}
	return job, true
}

type errorBody struct {
	Error      string `json:"error"`
	ReasonCode string `json:"reason_code"`
}

func writeError(w http.ResponseWriter, code int, msg, reasonCode string) {
	writeJSON(w, code, errorBody{Error: msg, ReasonCode: reasonCode})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
