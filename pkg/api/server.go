package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
	"github.com/Mindburn-Labs/foreman/pkg/mutation"
	"github.com/Mindburn-Labs/foreman/pkg/supervision"
)

// DefaultIdempotencyTTL bounds how long decision responses are replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// Deps are the services the HTTP surface is built over. Model, Guard,
// Validator and Reauth are required.
type Deps struct {
	Model      *autonomy.StateModel
	Guard      *autonomy.ExecutionGuard
	Validator  autonomy.Validator
	Reauth     *autonomy.ReauthorizationEngine
	Supervisor *supervision.Supervisor
	Ledger     *governance.Ledger
	Recorder   *governance.Recorder
	Mutator    *mutation.Mutator

	// RequireOwner wraps owner-only routes. OwnerID reads the identity it
	// establishes. When RequireOwner is nil owner routes answer 401.
	RequireOwner func(http.Handler) http.Handler
	OwnerID      func(ctx context.Context) (string, bool)
	// RequireBuilder wraps mutation routes and falls back to RequireOwner.
	// Subject reads the caller of either role.
	RequireBuilder func(http.Handler) http.Handler
	Subject        func(ctx context.Context) (string, bool)

	RateLimiter    *RateLimiter
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	Health         func(ctx context.Context) error
	Logger         *slog.Logger
}

// Server routes the HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = DefaultIdempotencyTTL
	}
	s := &Server{deps: deps, logger: deps.Logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) owner(h http.Handler) http.Handler {
	if s.deps.RequireOwner == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			WriteUnauthorized(w, "Authentication not configured")
		})
	}
	return s.deps.RequireOwner(h)
}

func (s *Server) routes() {
	idem := IdempotencyMiddleware(s.deps.Idempotency, s.deps.IdempotencyTTL)

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/v1/autonomy/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/autonomy/validation", s.handleValidation)
	s.mux.HandleFunc("GET /api/v1/autonomy/history", s.handleHistory)
	// Owner routes authenticate before idempotency, so a replay still
	// requires a valid token.
	s.mux.Handle("POST /api/v1/autonomy/reauthorization/approve", s.owner(idem(s.handleDecision(autonomy.DecisionApprove))))
	s.mux.Handle("POST /api/v1/autonomy/reauthorization/deny", s.owner(idem(s.handleDecision(autonomy.DecisionDeny))))
	s.mux.Handle("POST /api/v1/autonomy/reauthorization", s.builder(idem(http.HandlerFunc(s.handleCreateReauth))))
	s.mux.HandleFunc("GET /api/v1/autonomy/reauthorization", s.handleListReauth)
	s.mux.HandleFunc("GET /api/v1/autonomy/reauthorization/{id}", s.handleGetReauth)
	s.mux.Handle("POST /api/v1/autonomy/reauthorization/{id}/cancel", s.owner(idem(http.HandlerFunc(s.handleCancelReauth))))
	s.mux.Handle("POST /api/v1/autonomy/block", s.owner(http.HandlerFunc(s.handleBlock)))
	s.mux.Handle("POST /api/v1/autonomy/unblock", s.owner(http.HandlerFunc(s.handleUnblock)))

	s.mux.HandleFunc("POST /api/v1/supervision/validate", s.handleSupervisionValidate)
	s.mux.Handle("POST /api/v1/supervision/resolve", s.owner(http.HandlerFunc(s.handleSupervisionResolve)))
	s.mux.HandleFunc("GET /api/v1/supervision/stats", s.handleSupervisionStats)
	s.mux.HandleFunc("GET /api/v1/supervision/graph", s.handleSupervisionGraph)

	s.mux.Handle("GET /api/v1/governance/events", s.owner(http.HandlerFunc(s.handleGovernanceEvents)))

	s.mutationRoutes()
}

// Handler returns the router wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.deps.RateLimiter != nil {
		h = s.deps.RateLimiter.Middleware(h)
	}
	h = LoggingMiddleware(s.logger)(h)
	return RequestIDMiddleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "dependency check failed")
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
