// Package api serves the MailBridge HTTP API: token issuance, on-demand
// mailbox operations, and the WebSocket and Server-Sent-Events feeds of delta
// events.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.io/infrasutra/mailbridge/internal/mailbox"
	"github.io/infrasutra/mailbridge/internal/metrics"
	"github.io/infrasutra/mailbridge/internal/service"
)

const apiPrefix = "/api/v1"

type Options struct {
	// RateLimitPerMinute is the sustained request rate allowed per client
	// address. Zero disables rate limiting.
	RateLimitPerMinute int
	RateLimitBurst     int
	// Keepalive is the ping interval of WebSocket and SSE connections.
	Keepalive time.Duration
	// QueueSize bounds the events buffered per connection before it is
	// dropped as too slow.
	QueueSize int
}

type Server struct {
	svc      *service.Service
	logger   *slog.Logger
	metrics  *metrics.APIMetrics
	opts     Options
	limiter  *ipLimiter
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	ready    func() bool
}

func NewServer(svc *service.Service, logger *slog.Logger, m *metrics.APIMetrics, opts Options) *Server {
	if opts.Keepalive <= 0 {
		opts.Keepalive = 25 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	server := &Server{
		svc:     svc,
		logger:  logger.With("component", "api"),
		metrics: m,
		opts:    opts,
		limiter: newIPLimiter(opts.RateLimitPerMinute, opts.RateLimitBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ready: func() bool { return true },
	}

	mux := http.NewServeMux()
	server.handle(mux, "/auth/configure", server.handleConfigure)
	server.handle(mux, "/auth/validate", server.handleValidate)
	server.handle(mux, "/mailbox/folders", server.handleFolders)
	server.handle(mux, "/mailbox/messages", server.handleMessages)
	server.handle(mux, "/mailbox/messages/", server.handleMessage)
	server.handle(mux, "/mailbox/trash/empty", server.handleEmptyTrash)
	server.handle(mux, "/mailbox/unread", server.handleUnread)
	server.handle(mux, "/mailbox/search", server.handleSearch)
	server.handle(mux, "/mailbox/send", server.handleSend)
	server.handle(mux, "/mailbox/drafts", server.handleDraft)
	server.handle(mux, "/tasks/check", server.handleCheck)
	server.handle(mux, "/ws", server.handleWebSocket)
	server.handle(mux, "/stream", server.handleStream)
	server.mux = mux
	return server
}

// SetReadiness replaces the readiness probe behind /ready.
func (s *Server) SetReadiness(ready func() bool) {
	s.ready = ready
}

func (s *Server) handle(mux *http.ServeMux, route string, h http.HandlerFunc) {
	mux.Handle(apiPrefix+route, s.instrument(route, s.rateLimit(h)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if strings.HasPrefix(path, apiPrefix+"/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	switch path {
	case "/health":
		s.handleHealth(w, r)
	case "/ready":
		s.handleReady(w, r)
	case "/metrics":
		metrics.Handler().ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      mailbox.Kind `json:"kind"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

func statusOf(kind mailbox.Kind) int {
	switch kind {
	case mailbox.KindTokenExpired, mailbox.KindTokenInvalid:
		return http.StatusUnauthorized
	case mailbox.KindUnauthenticated:
		return http.StatusForbidden
	case mailbox.KindUnreachable:
		return http.StatusBadGateway
	case mailbox.KindProtocolTransient:
		return http.StatusServiceUnavailable
	case mailbox.KindInvalidRequest:
		return http.StatusBadRequest
	case mailbox.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders err with the status of its kind. Errors without a
// kind are logged and reported as internal.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := mailbox.KindOf(err)
	status := statusOf(kind)
	message := err.Error()
	var me *mailbox.Error
	if !errors.As(err, &me) {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		message = "internal error"
	} else if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "path", r.URL.Path, "kind", kind, "error", err)
	}
	s.respondJSON(w, status, errorBody{Error: errorDetail{
		Kind:      kind,
		Message:   message,
		Retryable: kind.Retryable(),
	}})
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, op, format string, args ...any) {
	s.respondError(w, r, mailbox.Errorf(mailbox.KindInvalidRequest, op, format, args...))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		s.respondText(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
