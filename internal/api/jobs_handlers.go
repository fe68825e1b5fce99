package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/middleware"
	"github.com/JakeFAU/upload-relay/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	jobsTimeout     = 3 * time.Second
)

// JobsHandler exposes read-only job run endpoints.
type JobsHandler struct {
	repo    store.JobRunReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewJobsHandler wires the repository and logger. A nil repo makes every
// endpoint answer 503.
func NewJobsHandler(repo store.JobRunReader, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		repo:    repo,
		timeout: jobsTimeout,
		logger:  logger,
	}
}

// ListJobs handles GET /jobs?status=&limit=&offset=. It returns
// {"jobs": [...]} newest first, 400 for invalid filters, 503 when no
// repository is configured, or 500 if the repository call fails.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "job history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.JobRunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := store.ParseStatus(strings.ToLower(raw))
		if parseErr != nil {
			middleware.WriteError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.repo.ListJobRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list job runs failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"jobs": toJobDTOs(runs)})
}

// GetJob handles GET /jobs/{jobId}. It returns {"job": {...}}, 404 when the
// run is unknown, 503 without a repository, or 500 otherwise.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "job history unavailable")
		return
	}
	jobID := chi.URLParam(r, "jobId")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetJobRun(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job run failed", zap.String("job_id", jobID), zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"job": toJobDTO(run)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type jobDTO struct {
	JobID       string     `json:"jobId"`
	Status      string     `json:"status"`
	Files       int        `json:"files"`
	Bytes       int64      `json:"bytes"`
	UploadedAt  time.Time  `json:"uploadedAt"`
	ForwardedAt *time.Time `json:"forwardedAt,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

func toJobDTOs(in []store.JobRun) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toJobDTO(run))
	}
	return out
}

func toJobDTO(run store.JobRun) jobDTO {
	return jobDTO{
		JobID:       run.JobID,
		Status:      string(run.Status),
		Files:       run.Files,
		Bytes:       run.Bytes,
		UploadedAt:  run.UploadedAt,
		ForwardedAt: run.ForwardedAt,
		ResolvedAt:  run.ResolvedAt,
		Error:       run.ErrorMessage,
	}
}
