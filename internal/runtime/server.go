package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szaher/chatrelay/internal/frontend"
	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/relay"
	"github.com/szaher/chatrelay/internal/session"
	"github.com/szaher/chatrelay/internal/telemetry"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "chatrelay"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Response texts shared with clients.
const (
	msgSessionStarted  = "Chat session started successfully"
	msgHistoryCleared  = "Chat history cleared successfully"
	errMissingFields   = "Missing required fields: message and session_id"
	errEmptyMessage    = "Message cannot be empty"
	errInvalidSession  = "Invalid session ID. Please start a new chat session."
	errSessionNotFound = "Session not found"
	errNotFound        = "Endpoint not found"
	errInternal        = "Internal server error"
	errStartFailed     = "Failed to start chat session"
	errMessageFailed   = "Failed to process message. Please try again."
	errHistoryFailed   = "Failed to retrieve chat history"
	errClearFailed     = "Failed to clear chat history"
)

// Server is the HTTP surface of the relay.
type Server struct {
	sessions    *session.Manager
	relay       *relay.Relay
	metrics     *telemetry.Metrics
	gatherer    prometheus.Gatherer
	ui          *frontend.Handler
	corsOrigins []string
	readTimeout time.Duration
	logger      *slog.Logger
	mux         *http.ServeMux
	server      *http.Server
	startTime   time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics records request metrics in m and exposes g on /metrics.
func WithMetrics(m *telemetry.Metrics, g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithCORSOrigins sets the allowed origins. "*" allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithUI serves the browser chat page on "/".
func WithUI(h *frontend.Handler) ServerOption {
	return func(s *Server) { s.ui = h }
}

// WithReadTimeout bounds reading a request.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.readTimeout = d }
}

// NewServer creates the HTTP server. r is consulted only for health reporting.
func NewServer(sessions *session.Manager, r *relay.Relay, opts ...ServerOption) *Server {
	s := &Server{
		sessions:    sessions,
		relay:       r,
		logger:      slog.Default(),
		readTimeout: 30 * time.Second,
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	for _, prefix := range []string{"/session", "/api/chat"} {
		mux.HandleFunc("POST "+prefix+"/start", s.handleStart)
		mux.HandleFunc("POST "+prefix+"/message", s.handleMessage)
		mux.HandleFunc("GET "+prefix+"/history/{id}", s.handleHistory)
	}
	mux.HandleFunc("DELETE /session/history/{id}", s.handleClear)
	mux.HandleFunc("DELETE /api/chat/clear/{id}", s.handleClear)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.ui != nil {
		s.ui.Mount(mux)
	}
	mux.HandleFunc("/", s.handleNotFound)

	s.mux = mux
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readTimeout,
		ReadTimeout:       s.readTimeout,
	}
	return s
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(
		s.correlationMiddleware(
			s.accessMiddleware(
				s.corsMiddleware(
					limitBody(s.mux)))))
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", "addr", ln.Addr().String(), "provider_available", s.relay.Available())
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type startResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type messageRequest struct {
	SessionID *string `json:"session_id"`
	Message   *string `json:"message"`
}

type messageResponse struct {
	Success   bool   `json:"success"`
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type historyResponse struct {
	Success  bool          `json:"success"`
	Messages []llm.Message `json:"messages"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type healthResponse struct {
	Success            bool   `json:"success"`
	Status             string `json:"status"`
	Service            string `json:"service"`
	ActiveSessionCount int    `json:"active_session_count"`
	ActiveSessions     int    `json:"active_sessions"`
	ProviderAvailable  bool   `json:"provider_available"`
	Uptime             string `json:"uptime"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Start(r.Context())
	if err != nil {
		s.internalError(w, r, errStartFailed, err)
		return
	}
	s.metrics.SetActiveSessions(s.sessions.Active())
	writeJSON(w, http.StatusCreated, startResponse{Success: true, SessionID: id, Message: msgSessionStarted})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == nil || req.Message == nil {
		writeError(w, http.StatusBadRequest, errMissingFields)
		return
	}

	reply, err := s.sessions.Send(r.Context(), *req.SessionID, *req.Message)
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, errEmptyMessage)
		return
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, errInvalidSession)
		return
	case err != nil:
		s.internalError(w, r, errMessageFailed, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Success: true, Response: reply.Text, SessionID: *req.SessionID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.sessions.History(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	case err != nil:
		s.internalError(w, r, errHistoryFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Success: true, Messages: history})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Clear(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	case err != nil:
		s.internalError(w, r, errClearFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: msgHistoryCleared})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := s.sessions.Active()
	s.metrics.SetActiveSessions(active)
	writeJSON(w, http.StatusOK, healthResponse{
		Success:            true,
		Status:             "healthy",
		Service:            ServiceName,
		ActiveSessionCount: active,
		ActiveSessions:     active,
		ProviderAvailable:  s.relay.Available(),
		Uptime:             time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, errNotFound)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, text string, err error) {
	telemetry.RequestLogger(s.logger, r.Context()).Error(text, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, text)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}
