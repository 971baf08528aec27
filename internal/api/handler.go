package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/synergy/internal/metrics"
	"github.com/nidhogg/synergy/internal/notify"
	"github.com/nidhogg/synergy/internal/orchestrator"
	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/nidhogg/synergy/internal/progress"
	"github.com/nidhogg/synergy/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Workflows is the part of the orchestrator the HTTP surface drives.
type Workflows interface {
	Submit(ctx context.Context, req pipeline.AnalysisRequest) (string, error)
	Get(ctx context.Context, id string) (workflow.Snapshot, error)
	List(ctx context.Context, status pipeline.Status) []workflow.Snapshot
	Cancel(id, reason string) error
	Subscribe(ctx context.Context, id string) (*progress.Subscription, error)
	Stats() (running, queued int)
}

// History replays a workflow's recorded progress events.
type History interface {
	History(ctx context.Context, workflowID string, count int64) ([]pipeline.Event, error)
}

// Follower tails progress of workflows owned by another process.
type Follower interface {
	Knows(ctx context.Context, workflowID string) (bool, error)
	Follow(ctx context.Context, workflowID string) <-chan pipeline.Event
}

// Deliveries reports recent terminal-workflow notifications.
type Deliveries interface {
	History() []notify.Record
}

// recentDeliveries is how many notifications /api/health shows.
const recentDeliveries = 10

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Options configure the HTTP surface.
type Options struct {
	CORSOrigins []string
	// RateRequests requests are allowed per RateWindow and client IP.
	RateRequests      int
	RateWindow        time.Duration
	HeartbeatInterval time.Duration
	MaxConnections    int
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithHistory enables the event replay endpoint.
func WithHistory(hist History) HandlerOption {
	return func(h *Handler) { h.history = hist }
}

// WithFollower lets the progress WebSocket tail workflows this process
// does not own.
func WithFollower(f Follower) HandlerOption {
	return func(h *Handler) { h.follower = f }
}

// WithDeliveries shows the latest notifications on /api/health.
func WithDeliveries(d Deliveries) HandlerOption {
	return func(h *Handler) { h.deliveries = d }
}

// WithMetrics records request metrics and serves gatherer on /metrics.
func WithMetrics(c *metrics.Collector, gatherer prometheus.Gatherer) HandlerOption {
	return func(h *Handler) {
		h.collector = c
		h.gatherer = gatherer
	}
}

// WithHealthCheck adds a named dependency probe to /api/health.
func WithHealthCheck(name string, check HealthCheck) HandlerOption {
	return func(h *Handler) { h.checks[name] = check }
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	workflows  Workflows
	history    History
	follower   Follower
	deliveries Deliveries
	collector  *metrics.Collector
	gatherer   prometheus.Gatherer
	checks     map[string]HealthCheck
	opts       Options
	limiter    *rateLimiter
	wsConns    atomic.Int64
	now        func() time.Time
	logger     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(wf Workflows, opts Options, logger *zap.Logger, options ...HandlerOption) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	h := &Handler{
		workflows: wf,
		checks:    make(map[string]HealthCheck),
		opts:      opts,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "api")),
	}
	for _, o := range options {
		o(h)
	}
	if opts.RateRequests > 0 && opts.RateWindow > 0 {
		h.limiter = newRateLimiter(opts.RateRequests, opts.RateWindow)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)
	if h.collector != nil {
		r.Use(h.recordMetrics)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.middleware)
			}
			r.Post("/analyses", h.submitAnalysis)
			r.Get("/analyses", h.listAnalyses)
			r.Get("/analyses/{id}", h.getAnalysis)
			r.Delete("/analyses/{id}", h.cancelAnalysis)
			r.Post("/analyses/{id}/cancel", h.cancelAnalysis)
			r.Get("/analyses/{id}/events", h.analysisEvents)
			r.Get("/analyses/{id}/ws", h.streamAnalysis)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	running, queued := h.workflows.Stats()
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	body := map[string]any{
		"status":                state,
		"running_workflows":     running,
		"queued_workflows":      queued,
		"websocket_connections": h.wsConns.Load(),
		"checks":                checks,
		"timestamp":             h.now(),
	}
	if h.deliveries != nil {
		recent := h.deliveries.History()
		if len(recent) > recentDeliveries {
			recent = recent[len(recent)-recentDeliveries:]
		}
		body["notifications"] = recent
	}
	writeJSON(w, status, body)
}

type submitResponse struct {
	AnalysisID string          `json:"analysis_id"`
	Status     pipeline.Status `json:"status"`
	Message    string          `json:"message"`
}

func (h *Handler) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req pipeline.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	id, err := h.workflows.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, err := h.workflows.Get(r.Context(), id)
	status := pipeline.StatusPending
	if err == nil {
		status = snap.Status
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		AnalysisID: id,
		Status:     status,
		Message:    "analysis accepted",
	})
}

// analysisResponse is a snapshot plus a completion estimate.
type analysisResponse struct {
	workflow.Snapshot
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

func (h *Handler) respond(snap workflow.Snapshot) analysisResponse {
	return analysisResponse{Snapshot: snap, EstimatedCompletion: snap.EstimatedCompletion(h.now())}
}

func (h *Handler) getAnalysis(w http.ResponseWriter, r *http.Request) {
	snap, err := h.workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.respond(snap))
}

func (h *Handler) listAnalyses(w http.ResponseWriter, r *http.Request) {
	snaps := h.workflows.List(r.Context(), pipeline.Status(r.URL.Query().Get("status")))
	out := make([]analysisResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, h.respond(s))
	}
	running, queued := h.workflows.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": out,
		"total":    len(out),
		"running":  running,
		"queued":   queued,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	if err := h.workflows.Cancel(id, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": id,
		"status":      pipeline.StatusCancelled,
	})
}

func (h *Handler) analysisEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event history not configured"})
		return
	}
	if _, err := h.workflows.Get(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	var count int64
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be a non-negative integer"})
			return
		}
		count = n
	}
	events, err := h.history.History(r.Context(), id, count)
	if err != nil {
		h.logger.Error("read event history", zap.String("workflow_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis_id": id, "events": events})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "problems": verr.Problems})
	case errors.Is(err, workflow.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "analysis not found"})
	case errors.Is(err, orchestrator.ErrCapacityExceeded), errors.Is(err, orchestrator.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
