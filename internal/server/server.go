// Package server exposes connection status, analytics reports and Prometheus
// metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"daowatch/internal/analytics"
	"daowatch/internal/config"
	"daowatch/internal/storage"
	"daowatch/internal/stream"
)

const defaultListLimit = 50

// Backend is the read side of the running service.
type Backend interface {
	Statuses() []stream.Status
	LatestReport(orgID string) (analytics.Report, bool)
	Organizations() []config.OrganizationConfig
}

// Options configure the server. Events and Suggestions are optional; their
// routes answer 503 when unset.
type Options struct {
	ListenAddr  string
	CORSOrigins []string
	Backend     Backend
	Events      storage.EventStore
	Suggestions storage.SuggestionStore
	StartedAt   time.Time
}

// Server represents the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	opts    Options
	started time.Time
}

// New creates the server and its routes.
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Backend == nil {
		panic("server requires a backend")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":9464"
	}
	started := opts.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	s := &Server{
		router:  chi.NewRouter(),
		log:     logger.With().Str("component", "server").Logger(),
		opts:    opts,
		started: started,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", s.handleOrganizations)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/status", s.handleStatus)
				r.Get("/report", s.handleReport)
				r.Get("/events", s.handleEvents)
				r.Get("/suggestions", s.handleSuggestions)
			})
		})
	})
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.opts.ListenAddr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) known(orgID string) bool {
	for _, org := range s.opts.Backend.Organizations() {
		if org.ID == orgID {
			return true
		}
	}
	return false
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > 500 {
		return 500
	}
	return n
}
