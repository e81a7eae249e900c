// Package httpapi is the HTTP edge: the public contract between the chat
// frontend and the orchestration core. It is stateless beyond delegating to
// the session store, the orchestrator, the job registry, and the credit
// ledger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cantoria/cantoria/internal/credit"
	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/health"
	"github.com/cantoria/cantoria/internal/identity"
	"github.com/cantoria/cantoria/internal/job"
	"github.com/cantoria/cantoria/internal/orchestrator"
	"github.com/cantoria/cantoria/internal/session"
	"github.com/cantoria/cantoria/internal/tool"
)

// maxUploadBytes caps score uploads.
const maxUploadBytes = 20 << 20 // 20 MiB

// ChatRunner runs one orchestrator turn. Satisfied by
// [*orchestrator.Orchestrator].
type ChatRunner interface {
	Chat(ctx context.Context, sessionID, message string) (orchestrator.Envelope, error)
}

var _ ChatRunner = (*orchestrator.Orchestrator)(nil)

// ToolCaller dispatches one tool call. Satisfied by [*tool.Router].
type ToolCaller interface {
	Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

var _ ToolCaller = (*tool.Router)(nil)

// Server holds the HTTP edge's collaborators and builds the router.
type Server struct {
	sessions *session.Store
	chat     ChatRunner
	tools    ToolCaller
	jobs     *job.Registry
	credits  *credit.Ledger
	verifier identity.Verifier
	health   *health.Handler
	logger   *slog.Logger

	middleware []mux.MiddlewareFunc
}

// Option configures a Server.
type Option func(*Server)

// WithHealth registers liveness and readiness endpoints.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMiddleware prepends router-wide middleware (tracing, metrics).
func WithMiddleware(mw ...mux.MiddlewareFunc) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// NewServer creates the HTTP edge.
func NewServer(sessions *session.Store, chat ChatRunner, tools ToolCaller, jobs *job.Registry, credits *credit.Ledger, verifier identity.Verifier, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		chat:     chat,
		tools:    tools,
		jobs:     jobs,
		credits:  credits,
		verifier: verifier,
		logger:   slog.Default().With("component", "httpapi"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the route table. Health and metrics endpoints are
// unauthenticated; everything else goes through the identity middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	for _, mw := range s.middleware {
		r.Use(mw)
	}

	if s.health != nil {
		s.health.Register(r)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/score", s.handleScore).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/progress", s.handleProgress).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/audio", s.handleAudio).Methods(http.MethodGet)
	api.HandleFunc("/credits/estimate", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/credits", s.handleCredits).Methods(http.MethodGet)

	return r
}

// ctxKey namespaces context values set by the middleware.
type ctxKey int

const userKey ctxKey = iota

// authenticate resolves the bearer token to a user id and stores it on the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		userID, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

// userID recovers the authenticated user set by the middleware.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"kind":"internal"}}`, http.StatusInternalServerError)
	}
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeFault maps a classified error to its HTTP status. Unknown sessions
// are a 404 regardless of kind.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, string(fault.InvalidInput), "unknown session")
		return
	}
	if errors.Is(err, identity.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
		return
	}
	kind := fault.KindOf(err)
	writeError(w, statusFor(kind), string(kind), fault.MessageOf(err))
}

// statusFor is the kind → HTTP status table.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.InvalidInput:
		return http.StatusBadRequest
	case fault.ToolNotAllowed:
		return http.StatusForbidden
	case fault.ActionRequired:
		return http.StatusConflict
	case fault.InsufficientCredits:
		return http.StatusPaymentRequired
	case fault.Locked:
		return http.StatusLocked
	case fault.Backpressure:
		return http.StatusServiceUnavailable
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.Cancelled:
		return http.StatusConflict
	case fault.WorkerLost:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
