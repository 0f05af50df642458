// Package http implements the HTTP transport adapter (C8): a chi router
// exposing POST /mcp for JSON-RPC envelopes, GET /ws/{session_id} for the
// WebSocket notification relay, GET /health for the unauthenticated liveness
// probe, and a read-only dashboard data feed. Middleware stack and the
// writeJSON/healthz-first-route shape follow the teacher's
// internal/httpapi/router.go; the API-key gate generalizes the teacher's
// auth.Middleware to a single shared-secret header check instead of a JWT
// bearer scheme, per the transport-level API key the spec calls for.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/sharedctx/sharedctx-server/internal/mcpserver"
	"github.com/sharedctx/sharedctx-server/internal/notify"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

// Options configures the HTTP transport.
type Options struct {
	APIKeyHeader   string // default "X-API-Key"
	APIKey         string // empty disables the gate (dev mode only)
	AllowedOrigins []string
}

// Server is the HTTP transport adapter: a thin net/http surface over the
// shared Dispatcher and notify.Hub that every other transport also uses.
type Server struct {
	dispatcher *mcpserver.Dispatcher
	hub        *notify.Hub
	db         *sqlx.DB
	logger     *zerolog.Logger
	opts       Options
}

// NewServer wires the HTTP transport to the dispatcher, hub, and database
// handle used for the /health probe.
func NewServer(logger *zerolog.Logger, dispatcher *mcpserver.Dispatcher, hub *notify.Hub, db *sqlx.DB, opts Options) *Server {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	return &Server{dispatcher: dispatcher, hub: hub, db: db, logger: logger, opts: opts}
}

// Routes builds the chi router. Layout and middleware order follow the
// teacher's Routes(): request ID / real IP / structured logger / recoverer
// first, healthz is the first registered route and stays unauthenticated,
// then the API-key-gated MCP and WebSocket surfaces.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Post("/mcp/", s.handleMCP)
		r.Post("/mcp", s.handleMCP)
		r.Get("/ws/{session_id}", s.handleWebSocket)
		promHandler := promhttp.Handler()
		r.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			s.dispatcher.Metrics(req.Context())
			promHandler.ServeHTTP(w, req)
		}))
	})

	dashboardCORS := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	r.Group(func(r chi.Router) {
		r.Use(dashboardCORS.Handler)
		r.Use(s.apiKeyMiddleware)
		r.Get("/dashboard/sessions", s.handleDashboardSessions)
		r.Get("/dashboard/ws", s.handleDashboardWebSocket)
	})

	return r
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(s.opts.APIKeyHeader) != s.opts.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status     string `json:"status"`
	DB         string `json:"db"`
	Migrations string `json:"migrations"`
}

// handleHealth reports connectivity and the applied migration revision, per
// the spec's GET /health shape. It never requires the API key: orchestrators
// probing liveness shouldn't need the shared secret.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", DB: "ok", Migrations: "unknown"}
	if err := store.Ping(ctx, s.db); err != nil {
		resp.Status = "degraded"
		resp.DB = "unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if v, err := store.LatestMigration(ctx, s.db); err == nil && v != "" {
		resp.Migrations = v
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
