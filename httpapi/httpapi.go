// Package httpapi serves Dockhand's small HTTP surface: the interactive
// message callback, health, and metrics. Everything interesting happens in
// the approval coordinator; this layer only decodes, rate-limits, and encodes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/approval"
	"github.com/dockhand-dev/dockhand/internal/config"
	"github.com/dockhand-dev/dockhand/metrics"
	"github.com/dockhand-dev/dockhand/store/sqlite"
)

// Handler is the HTTP API. Construct with New, serve Router().
type Handler struct {
	approvals *approval.Coordinator
	store     *sqlite.Store
	m         *metrics.Metrics
	log       *zap.Logger
	limiter   *rateLimiter
	router    chi.Router
}

func New(cfg *config.Config, approvals *approval.Coordinator, store *sqlite.Store,
	m *metrics.Metrics, log *zap.Logger) *Handler {
	h := &Handler{
		approvals: approvals,
		store:     store,
		m:         m,
		log:       log.Named("httpapi"),
		limiter:   newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, m),
	}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router { return h.router }

// RunLimiterGC runs the rate-limit bucket sweeper until ctx is cancelled.
func (h *Handler) RunLimiterGC(ctx context.Context) error { return h.limiter.RunGC(ctx) }

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.limiter.middleware)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/callback", h.handleCallback)
	})
	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(h.m.Registry, promhttp.HandlerOpts{}))

	return r
}

// callbackRequest is the interactive message action payload posted by the
// chat server when an operator presses a card button.
type callbackRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	PostID   string `json:"post_id"`
	Context  struct {
		Action    string `json:"action"`
		RequestID string `json:"request_id"`
		Signature string `json:"signature"`
	} `json:"context"`
}

// callbackResponse follows the interactive message response contract:
// ephemeral_text is shown only to the presser, update rewrites the card.
type callbackResponse struct {
	EphemeralText string          `json:"ephemeral_text,omitempty"`
	Update        *callbackUpdate `json:"update,omitempty"`
}

type callbackUpdate struct {
	Message string `json:"message"`
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.approvals.Resolve(r.Context(),
		req.Context.Action, req.Context.RequestID, req.Context.Signature, req.UserName)
	if err != nil {
		if errors.Is(err, approval.ErrRetryable) {
			// The verdict was not consumed; the operator can press again.
			writeJSON(w, http.StatusOK, callbackResponse{
				EphemeralText: "Temporary failure applying the change — press the button again.",
			})
			return
		}
		h.log.Warn("callback rejected",
			zap.String("request_id", req.Context.RequestID),
			zap.String("user", req.UserName),
			zap.Error(err))
		writeError(w, http.StatusForbidden, "callback rejected")
		return
	}

	resp := callbackResponse{EphemeralText: res.EphemeralText}
	if res.UpdateText != "" {
		resp.Update = &callbackUpdate{Message: res.UpdateText}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
