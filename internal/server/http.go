// Package server exposes the HTTP surface: ingest, document queries, progress
// streaming, retrieval, graph browsing, health and the admin endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signal305/rag-service/internal/auth"
	"github.com/signal305/rag-service/internal/graphstore"
	"github.com/signal305/rag-service/internal/progress"
	"github.com/signal305/rag-service/internal/queue"
	"github.com/signal305/rag-service/internal/repository"
	"github.com/signal305/rag-service/internal/retrieval"
	"github.com/signal305/rag-service/internal/vectorstore"
)

// Probe is one dependency health check, run concurrently by /health.
type Probe struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the collaborators the HTTP handlers call into.
type Deps struct {
	Resolver  *auth.TenantResolver
	Admin     *auth.AdminGate
	Repo      repository.DocumentRepository
	Jobs      queue.Queue
	Progress  queue.ProgressStore
	Bus       queue.ProgressBus
	Broadcast *progress.Broadcaster
	Retrieval *retrieval.Pipeline
	Vectors   vectorstore.VectorStore
	Graph     graphstore.GraphStore
	Control   queue.WorkerControl
	Probes    []Probe
	DataDir   string
}

// Server wraps the HTTP server and router.
type Server struct {
	server *http.Server
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
}

// Config holds configuration for the HTTP server.
type Config struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string
}

// New creates the HTTP server and mounts all routes.
func New(cfg Config, deps Deps) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &Server{
		router: router,
		deps:   deps,
		logger: logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute, // SSE streams stay open
			IdleTimeout:  120 * time.Second,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.deps.Resolver.Middleware)

		r.Get("/whoami", s.handleWhoami)
		r.Post("/ingest/document", s.handleIngest)
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/counts", s.handleDocumentCounts)
		r.Get("/documents/{doc_id}", s.handleGetDocument)
		r.Get("/ingestions/active", s.handleActiveIngestions)
		r.Get("/ingestions/stream", s.handleProgressStream)
		r.Post("/retrieve", s.handleRetrieve)
		r.Get("/graph/entities", s.handleTopEntities)
		r.Get("/graph/entities/{entity_id}/chunks", s.handleEntityChunks)
		r.Get("/graph/documents/{doc_id}/entities", s.handleDocumentEntities)
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Post("/login", s.handleAdminLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Admin.Middleware)
			r.Post("/workers/start", s.handleWorkersStart)
			r.Post("/workers/stop", s.handleWorkersStop)
			r.Post("/workers/concurrency", s.handleWorkersConcurrency)
			r.Post("/reset/tenant", s.handleResetTenant)
			r.Post("/reset/all", s.handleResetAll)
			r.Get("/status", s.handleAdminStatus)
		})
	})
}

// Router returns the chi router, used by handler tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server, closing SSE streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-Workspace-Id, X-Principal-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
