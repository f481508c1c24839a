package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
	"convoagent/internal/infra/middleware"
)

const maxRequestBody = 1 << 20

// HealthFunc reports component status for the health endpoint.
type HealthFunc func() map[string]string

// HTTPChannel implements domain.Channel for a JSON API.
type HTTPChannel struct {
	cfg     config.HTTPChannelConfig
	logger  *slog.Logger
	health  HealthFunc
	handler domain.TurnHandlerFunc

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// HTTPOption configures an HTTPChannel.
type HTTPOption func(*HTTPChannel)

// WithHealth sets the status reporter used by GET /healthz.
func WithHealth(fn HealthFunc) HTTPOption {
	return func(h *HTTPChannel) { h.health = fn }
}

type turnRequest struct {
	MessageID      string              `json:"message_id,omitempty"`
	ParticipantID  string              `json:"participant_id"`
	ConversationID string              `json:"conversation_id"`
	Text           string              `json:"text"`
	Attachments    []domain.Attachment `json:"attachments,omitempty"`
}

type turnResponse struct {
	Segments    []domain.Segment    `json:"segments"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Truncated   bool                `json:"truncated,omitempty"`
	IsError     bool                `json:"is_error,omitempty"`
}

// NewHTTPChannel creates an HTTP API channel.
func NewHTTPChannel(cfg config.HTTPChannelConfig, logger *slog.Logger, opts ...HTTPOption) *HTTPChannel {
	h := &HTTPChannel{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Name implements domain.Channel.
func (h *HTTPChannel) Name() string { return "http" }

// Addr returns the bound listen address once started.
func (h *HTTPChannel) Addr() string { return h.boundAddr }

// Router builds the request router. ctx bounds the rate limiter sweeper.
func (h *HTTPChannel) Router(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	if h.cfg.RequestsPerMin > 0 {
		r.Use(middleware.NewRateLimiter(ctx, h.cfg.RequestsPerMin, h.cfg.Burst).Handler)
	}
	r.Post("/v1/turns", h.handleTurn)
	r.Get("/healthz", h.handleHealth)
	return r
}

// Start begins serving. Non-blocking.
func (h *HTTPChannel) Start(ctx context.Context, handler domain.TurnHandlerFunc) error {
	h.handler = handler

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.server = &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           h.Router(runCtx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context {
			return runCtx
		},
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}
	h.boundAddr = ln.Addr().String()

	go func() {
		h.logger.Info("http channel started", "addr", h.boundAddr)
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (h *HTTPChannel) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HTTPChannel) handleTurn(w http.ResponseWriter, r *http.Request) {
	if h.handler == nil {
		writeError(w, http.StatusServiceUnavailable, "channel not started")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large (max 1MB)")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req.Text = strings.TrimSpace(req.Text)
	switch {
	case req.ParticipantID == "":
		writeError(w, http.StatusBadRequest, "participant_id is required")
		return
	case req.ConversationID == "":
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	case req.Text == "" && len(req.Attachments) == 0:
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	resp, err := h.handler(r.Context(), domain.InboundTurn{
		MessageID:      req.MessageID,
		ParticipantID:  req.ParticipantID,
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Attachments:    req.Attachments,
	})
	if err != nil {
		h.logger.Error("turn handler failed", "message_id", req.MessageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, turnResponse{
		Segments:    resp.Segments,
		Attachments: resp.Attachments,
		Truncated:   resp.Truncated,
		IsError:     resp.IsError,
	})
}

func (h *HTTPChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.health != nil {
		body["components"] = h.health()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
