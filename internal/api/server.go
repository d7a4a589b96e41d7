package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"newsletter-delivery/internal/composer"
	"newsletter-delivery/internal/config"
	"newsletter-delivery/internal/models"
	"newsletter-delivery/internal/processor"
	"newsletter-delivery/internal/ratelimit"
	"newsletter-delivery/internal/store"
	"newsletter-delivery/internal/telemetry"
)

// Server wires HTTP handlers for the campaign/control API.
type Server struct {
	cfg      config.Config
	queue    store.Queue
	composer *composer.Composer
	proc     *processor.Processor
	limiter  *ratelimit.TokenBucket
	log      *zap.Logger
}

// New constructs the API server. The limiter may be nil (no rate limiting).
func New(cfg config.Config, queue store.Queue, cmp *composer.Composer, proc *processor.Processor, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		queue:    queue,
		composer: cmp,
		proc:     proc,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/campaigns/{key}/send", s.handleSendNow)
	r.Post("/campaigns/{key}/compose", s.handleCompose)
	r.Post("/campaigns/{key}/cancel", s.handleCancel)
	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/stats", s.handleStats)
	return r
}

type composeRequest struct {
	Recipients []composer.Recipient `json:"recipients"`
	Template   composer.Template    `json:"template"`
	Priority   int                  `json:"priority"`
}

type composeResponse struct {
	Cancelled int64             `json:"cancelled_previous,omitempty"`
	Compose   composer.Result   `json:"compose"`
	Drain     *processor.Result `json:"drain,omitempty"`
}

// handleSendNow is the immediate-send flow: clear the previous run's pending
// jobs, compose the fresh run, then synchronously drain the queue.
func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	req, ok := s.decodeCompose(w, r)
	if !ok {
		return
	}

	cancelled, err := s.composer.CancelPrevious(r.Context(), key)
	if err != nil {
		http.Error(w, "cancel previous run failed", http.StatusInternalServerError)
		return
	}
	res, err := s.composer.Compose(r.Context(), key, req.Recipients, req.Template, req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	drain := s.proc.Drain(r.Context(), s.cfg.DrainMaxIterations, 0)
	writeJSON(w, http.StatusOK, composeResponse{Cancelled: cancelled, Compose: res, Drain: &drain})
}

// handleCompose queues a campaign without draining; the worker's scheduled
// ticks deliver it.
func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	req, ok := s.decodeCompose(w, r)
	if !ok {
		return
	}

	res, err := s.composer.Compose(r.Context(), key, req.Recipients, req.Template, req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, composeResponse{Compose: res})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	n, err := s.queue.CancelCampaign(r.Context(), key)
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	telemetry.CancelledCounter.Add(float64(n))
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

type enqueueRequest struct {
	CampaignKey string         `json:"campaign_key"`
	Recipient   string         `json:"recipient"`
	Payload     models.Payload `json:"payload"`
	Priority    int            `json:"priority"`
	MaxAttempts int            `json:"max_attempts"`
	NotBefore   *time.Time     `json:"not_before"`
}

// handleEnqueue accepts a single pre-rendered email, e.g. a transactional
// notification outside any bulk campaign.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CampaignKey == "" || req.Recipient == "" {
		http.Error(w, "campaign_key and recipient are required", http.StatusBadRequest)
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}
	p := store.EnqueueParams{
		CampaignKey: req.CampaignKey,
		Recipient:   req.Recipient,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if req.NotBefore != nil {
		p.NotBefore = *req.NotBefore
	}

	id, err := s.queue.Enqueue(r.Context(), p)
	if errors.Is(err, store.ErrDuplicateInCampaign) {
		telemetry.DuplicateCounter.Inc()
		http.Error(w, "recipient already queued for this campaign", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueuedCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]int64{"id": id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.queue.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decodeCompose parses a compose/send body and applies the tenant rate limit.
func (s *Server) decodeCompose(w http.ResponseWriter, r *http.Request) (composeRequest, bool) {
	if !s.allow(w, r) {
		return composeRequest{}, false
	}
	var req composeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return composeRequest{}, false
	}
	if len(req.Recipients) == 0 {
		http.Error(w, "recipients are required", http.StatusBadRequest)
		return composeRequest{}, false
	}
	return req, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(r.Context(), ratelimit.TenantKey(tenantFromRequest(r)))
	if err != nil {
		// Redis trouble must not block sends; log and wave through.
		s.log.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
