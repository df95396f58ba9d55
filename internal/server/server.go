// Package server provides the HTTP API for trading runs, scheduling,
// market data and agent analytics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/database"
	"github.com/renqi/tradewind/internal/events"
	"github.com/renqi/tradewind/internal/modules/analytics"
	analyticshandlers "github.com/renqi/tradewind/internal/modules/analytics/handlers"
	"github.com/renqi/tradewind/internal/modules/ingest"
	ingesthandlers "github.com/renqi/tradewind/internal/modules/ingest/handlers"
	"github.com/renqi/tradewind/internal/modules/ledger"
	ledgerhandlers "github.com/renqi/tradewind/internal/modules/ledger/handlers"
	"github.com/renqi/tradewind/internal/modules/marketdata"
	marketdatahandlers "github.com/renqi/tradewind/internal/modules/marketdata/handlers"
	"github.com/renqi/tradewind/internal/modules/sessions"
	sessionshandlers "github.com/renqi/tradewind/internal/modules/sessions/handlers"
)

// Config holds everything the HTTP server serves.
type Config struct {
	Log    zerolog.Logger
	Config *config.Config
	Port   int

	// Core databases exposed on the system stats endpoint.
	MarketDB *database.DB
	LedgerDB *database.DB

	Market    *marketdata.Service
	Snapshots *marketdata.SnapshotStore
	Ledger    *ledger.Service
	Sessions  *sessions.Repository
	Ingest    *ingest.Service
	Analytics *analytics.Service

	Runner    RunRegistry
	Scheduler SchedulerControl
	Bus       *events.Bus

	// Backups may be nil; the backup endpoints answer 503 then.
	Backups BackupTrigger
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New creates the HTTP server with all routes registered.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Run event stream (websocket).
		stream := NewRunStreamHandler(s.cfg.Bus, s.log)
		r.Get("/ws/runs", stream.ServeHTTP)

		runHandlers := NewRunHandlers(s.cfg.Runner, s.log)
		runHandlers.RegisterRoutes(r)

		schedulerHandlers := NewSchedulerHandlers(s.cfg.Scheduler, s.log)
		schedulerHandlers.RegisterRoutes(r)

		systemHandlers := NewSystemHandlers(s.cfg.Config, map[string]*database.DB{
			"market": s.cfg.MarketDB,
			"ledger": s.cfg.LedgerDB,
		}, s.cfg.Backups, s.cfg.Bus, s.log)
		systemHandlers.RegisterRoutes(r)

		logHandlers := NewLogHandlers(s.cfg.Config.LogDir, s.log)
		logHandlers.RegisterRoutes(r)

		marketdatahandlers.NewHandler(s.cfg.Market, s.cfg.Snapshots, s.log).RegisterRoutes(r)
		ledgerhandlers.NewHandler(s.cfg.Ledger, s.log).RegisterRoutes(r)
		analyticshandlers.NewHandler(s.cfg.Analytics, s.cfg.Ledger, s.cfg.Config, s.log).RegisterRoutes(r)
		sessionshandlers.NewHandler(s.cfg.Sessions, s.log).RegisterRoutes(r)
		ingesthandlers.NewHandler(s.cfg.Ingest, s.log).RegisterRoutes(r)
	})
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins listening for requests. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
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
			Msg("HTTP request")
	})
}
