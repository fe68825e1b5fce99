package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/config"
	"github.com/JakeFAU/upload-relay/internal/events"
	"github.com/JakeFAU/upload-relay/internal/metrics"
	"github.com/JakeFAU/upload-relay/internal/middleware"
	"github.com/JakeFAU/upload-relay/internal/policy/ratelimit"
	"github.com/JakeFAU/upload-relay/internal/relay"
	"github.com/JakeFAU/upload-relay/internal/store"
)

const (
	timeoutMessage        = "Timeout waiting for job result"
	defaultEnqueueTimeout = 5 * time.Second
)

// Enqueuer accepts forward tasks; the dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, task relay.ForwardTask) error
}

// Server wires HTTP handlers to the broker and the forward queue.
type Server struct {
	router   chi.Router
	broker   *relay.Broker
	enqueuer Enqueuer
	idGen    relay.IDGenerator
	clock    relay.Clock
	emitter  events.Emitter
	cfg      config.Config
	logger   *zap.Logger
	ready    atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	broker *relay.Broker,
	enqueuer Enqueuer,
	idGen relay.IDGenerator,
	clock relay.Clock,
	emitter events.Emitter,
	cfg config.Config,
	logger *zap.Logger,
	jobRuns store.JobRunReader,
) *Server {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		broker:   broker,
		enqueuer: enqueuer,
		idGen:    idGen,
		clock:    clock,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger,
	}
	s.ready.Store(true)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.CORS(middleware.CORSFromConfig(cfg.CORS)))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		r.Use(middleware.BodyLimit(cfg.Relay.MaxUploadBytes))
		if cfg.Relay.UploadRateLimit > 0 {
			limiter := ratelimit.New(ratelimit.Config{
				RPS:               cfg.Relay.UploadRateLimit,
				Burst:             cfg.Relay.UploadBurst,
				TrustForwardedFor: cfg.Relay.TrustForwardedFor,
			})
			r.With(limiter.Middleware).Post("/upload", s.upload)
		} else {
			r.Post("/upload", s.upload)
		}
		r.With(s.apiKeyAuth()).Post("/callback/{jobId}", s.callback)
	})

	jobs := NewJobsHandler(jobRuns, logger.Named("jobs"))
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		r.Use(s.apiKeyAuth())
		r.Get("/jobs", jobs.ListJobs)
		r.Get("/jobs/{jobId}", jobs.GetJob)
	})

	// Long-polls are bounded by relay.poll_timeout instead.
	r.Get("/result/{jobId}", s.result)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady toggles the readiness probe, e.g. while draining on shutdown.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) apiKeyAuth() func(http.Handler) http.Handler {
	if !s.cfg.Auth.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.APIKey(s.cfg.Auth.APIKey)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if limit := s.cfg.Relay.MaxUploadBytes; limit > 0 && r.ContentLength > limit {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	if err := r.ParseMultipartForm(s.cfg.Relay.MaxMemoryBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	files, err := readFiles(r.MultipartForm.File[s.cfg.Relay.FileField])
	if err != nil {
		s.logger.Warn("read uploaded files failed", zap.Error(err))
		middleware.WriteError(w, http.StatusBadRequest, "invalid upload")
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("generate job id failed", zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	task := relay.ForwardTask{JobID: jobID, Files: files, Submitted: s.clock.Now()}
	metrics.ObserveUpload(task.Bytes())
	s.emitter.Emit(events.Event{
		JobID: jobID,
		TS:    task.Submitted,
		Stage: events.StageUploaded,
		Files: len(files),
		Bytes: task.Bytes(),
	})
	s.logger.Info("upload accepted",
		zap.String("job_id", jobID),
		zap.Int("files", len(files)),
		zap.Int64("bytes", task.Bytes()),
	)

	s.enqueue(r.Context(), task)
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

// enqueue hands the task to the workers. The caller gets the job id either
// way, so a task that cannot be queued resolves the job as failed.
func (s *Server) enqueue(ctx context.Context, task relay.ForwardTask) {
	ctx = context.WithoutCancel(ctx)
	timeout := s.cfg.Relay.EnqueueTimeout
	if timeout <= 0 {
		timeout = defaultEnqueueTimeout
	}
	queueCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := s.enqueuer.Enqueue(queueCtx, task)
	if err == nil {
		return
	}
	s.logger.Error("enqueue forward failed", zap.String("job_id", task.JobID), zap.Error(err))
	if ferr := s.broker.Fail(ctx, task.JobID, err); ferr != nil {
		s.logger.Error("resolve unqueued job failed", zap.String("job_id", task.JobID), zap.Error(ferr))
	}
}

func readFiles(headers []*multipart.FileHeader) ([]relay.File, error) {
	files := make([]relay.File, 0, len(headers))
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			return nil, err
		}
		files = append(files, relay.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return files, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", fh.Filename, err)
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", fh.Filename, err)
	}
	return data, nil
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "callback body too large")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	payload, ok := normalizePayload(r.Header.Get("Content-Type"), body)
	if !ok {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.broker.Deliver(r.Context(), jobID, payload); err != nil {
		s.logger.Error("store callback failed", zap.String("job_id", jobID), zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to store result")
		return
	}
	s.logger.Info("callback received", zap.String("job_id", jobID), zap.Int("bytes", len(payload)))
	w.WriteHeader(http.StatusOK)
}

// normalizePayload maps an empty or non-JSON body to {}. A JSON body must be
// a well-formed object or array.
func normalizePayload(contentType string, body []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !isJSONMediaType(contentType) {
		return json.RawMessage(`{}`), true
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, false
	}
	if !json.Valid(trimmed) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

func isJSONMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	res, err := s.broker.Await(r.Context(), jobID, s.cfg.Relay.PollTimeout)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrTimeout):
		s.logger.Info("poll timed out", zap.String("job_id", jobID))
		middleware.WriteError(w, http.StatusGatewayTimeout, timeoutMessage)
		return
	case errors.Is(err, context.Canceled):
		s.logger.Debug("poll abandoned by client", zap.String("job_id", jobID))
		return
	default:
		s.logger.Error("poll failed", zap.String("job_id", jobID), zap.Error(err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to load result")
		return
	}

	status := http.StatusOK
	if res.Failed {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(res.Payload); err != nil {
		s.logger.Debug("write result failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
