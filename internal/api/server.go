// Package api implements the REST Admission API: short-running endpoints
// to register and end calls against the pipeline controller, plus health
// and metrics endpoints for operators.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/aicc-pipeline/internal/api/middleware"
	"github.com/flowpbx/aicc-pipeline/internal/callsession"
)

// Admitter is the subset of the pipeline controller the REST layer drives.
// Register/End are expected to return quickly: they allocate or release
// ports and start/stop processors, but never block on audio processing.
type Admitter interface {
	RegisterCall(callID, customerNumber, agentID string) (*callsession.Session, error)
	EndCall(callID string) bool
	GetCall(callID string) (*callsession.Session, bool)
	ListCalls() []*callsession.Session
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	admitter    Admitter
	corsOrigins []string
	readyFn     func() bool
	limiter     *middleware.IPRateLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins sets the allowed CORS origins (defaults to none).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithReadiness overrides the /readyz predicate. Defaults to always-ready.
func WithReadiness(fn func() bool) Option {
	return func(s *Server) { s.readyFn = fn }
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(admitter Admitter, opts ...Option) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		admitter: admitter,
		readyFn:  func() bool { return true },
		limiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Close stops background goroutines owned by the server (the rate limiter's
// cleanup loop).
func (s *Server) Close() {
	s.limiter.Stop()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(s.corsOrigins))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RateLimit(s.limiter))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/calls", func(r chi.Router) {
		r.Post("/", s.handleRegisterCall)
		r.Get("/", s.handleListCalls)
		r.Route("/{callID}", func(r chi.Router) {
			r.Get("/", s.handleGetCall)
			r.Delete("/", s.handleEndCall)
		})
	})

	slog.Info("api routes mounted")
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness to accept new calls.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.readyFn() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type registerCallRequest struct {
	CallID         string `json:"callId"`
	CustomerNumber string `json:"customerNumber"`
	AgentID        string `json:"agentId"`
}

// handleRegisterCall implements POST /api/calls. Idempotent on duplicate
// callId; returns 503 when the port pool is exhausted.
func (s *Server) handleRegisterCall(w http.ResponseWriter, r *http.Request) {
	var req registerCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}

	session, err := s.admitter.RegisterCall(req.CallID, req.CustomerNumber, req.AgentID)
	if err != nil {
		if errors.Is(err, callsession.ErrPoolExhausted) {
			writeError(w, http.StatusServiceUnavailable, "port pool exhausted")
			return
		}
		slog.Error("register call failed", "call_id", req.CallID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"callId":       session.CallID,
		"customerPort": session.Ports.CustomerPort,
		"agentPort":    session.Ports.AgentPort,
	})
}

// handleEndCall implements DELETE /api/calls/{callID}.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if !s.admitter.EndCall(callID) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// handleGetCall implements GET /api/calls/{callID}.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	session, ok := s.admitter.GetCall(callID)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionSnapshot(session))
}

// handleListCalls implements GET /api/calls.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	sessions := s.admitter.ListCalls()
	snapshots := make([]any, 0, len(sessions))
	for _, sess := range sessions {
		snapshots = append(snapshots, sessionSnapshot(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": snapshots,
		"count": len(snapshots),
	})
}

func sessionSnapshot(s *callsession.Session) map[string]any {
	return map[string]any{
		"callId":         s.CallID,
		"customerNumber": s.CustomerNumber,
		"agentId":        s.AgentID,
		"customerPort":   s.Ports.CustomerPort,
		"agentPort":      s.Ports.AgentPort,
		"createdAt":      s.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}
