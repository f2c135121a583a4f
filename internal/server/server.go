// Package server is the thin HTTP edge (A3) wiring the four endpoints of
// spec.md §6 onto a chi.Mux. It owns nothing but request/response
// marshaling and error-to-status mapping; every typed error kind from
// internal/orchestrator is translated to an HTTP status only here, never
// inside the orchestration fabric itself. Grounded on the teacher's
// trader-go/internal/server: chi.NewRouter with middleware.Recoverer/
// RequestID/RealIP, go-chi/cors, and the same writeJSON/writeError helper
// shape.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/garen0616/us-equity-analyzer-pro/internal/batch"
	"github.com/garen0616/us-equity-analyzer-pro/internal/cachekv"
	"github.com/garen0616/us-equity-analyzer-pro/internal/diagnostics"
	"github.com/garen0616/us-equity-analyzer-pro/internal/domain"
	"github.com/garen0616/us-equity-analyzer-pro/internal/orchestrator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Analyzer is the narrow slice of orchestrator.Service the HTTP edge
// drives.
type Analyzer interface {
	Analyze(ctx context.Context, req orchestrator.Request) (*domain.AnalysisBundle, error)
}

// BatchRunner is the narrow slice of batch.Executor the /api/batch handler
// drives.
type BatchRunner interface {
	Run(ctx context.Context, rows []batch.Row, defaultModel string, mode domain.RequestMode) []batch.ResultRow
}

// ResultsClearer is the narrow slice of store.Store the /api/reset-cache
// handler drives.
type ResultsClearer interface {
	ClearVariants(ctx context.Context, ticker string, baselineDate string) (int, error)
}

// RowParser turns an uploaded batch file into parsed rows. CSV/XLSX parsing
// is explicitly out of scope for this engine (spec.md §1); handed in here
// so internal/server never imports a spreadsheet library itself.
type RowParser interface {
	ParseRows(filename string, data []byte) ([]batch.Row, error)
}

// Config holds every dependency and tunable the server needs to construct
// its routes.
type Config struct {
	Port           int
	Log            zerolog.Logger
	Analyzer       Analyzer
	Batch          BatchRunner
	Store          ResultsClearer
	KV             cachekv.Store
	RowParser      RowParser
	DefaultModel   string
	SelftestTicker string
	DevMode        bool
}

// Server is the HTTP edge.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	analyzer       Analyzer
	batchRunner    BatchRunner
	store          ResultsClearer
	kv             cachekv.Store
	rowParser      RowParser
	defaultModel   string
	selftestTicker string
}

// New constructs a Server bound to cfg.Port. Call ListenAndServe to start
// accepting connections.
func New(cfg Config) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		analyzer:       cfg.Analyzer,
		batchRunner:    cfg.Batch,
		store:          cfg.Store,
		kv:             cfg.KV,
		rowParser:      cfg.RowParser,
		defaultModel:   cfg.DefaultModel,
		selftestTicker: cfg.SelftestTicker,
	}
	if s.selftestTicker == "" {
		s.selftestTicker = "AAPL"
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(90 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/selftest", s.handleSelftest)
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/reset-cache", s.handleResetCache)
		r.Post("/batch", s.handleBatch)
	})
}

// ListenAndServe starts the HTTP server and blocks until it returns.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"service":     "equity-research-orchestration-engine",
		"diagnostics": diagnostics.Collect(),
	})
}
