// Package server exposes the tutoring pipeline over HTTP. Turns stream back
// as server-sent events.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/event"
	"github.com/creastat/tutoring/logging"
	"github.com/creastat/tutoring/pipeline"
)

// OwnerHeader carries the caller's owner id. Authentication happens upstream.
const OwnerHeader = "X-Owner-ID"

// Config holds server configuration.
type Config struct {
	Addr           string
	EnableCORS     bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:8080",
		EnableCORS:     true,
		AllowedOrigins: []string{"*"},
		ReadTimeout:    30 * time.Second,
	}
}

// TurnProcessor runs one turn and streams its events.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, turn pipeline.Turn, emit pipeline.Emitter) error
}

// Sessions creates and restores sessions.
type Sessions interface {
	CreateSession(ctx context.Context, ownerID, subject string) (string, error)
	Restore(ctx context.Context, sessionID string) (*tutoring.Session, error)
}

// SessionReader looks up stored sessions for ownership checks.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*tutoring.Session, error)
}

// Subscriber streams bus events.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan event.Event, error)
}

// Deps are the services the HTTP handlers call.
type Deps struct {
	Turns    TurnProcessor
	Sessions Sessions
	Store    SessionReader
	Events   Subscriber
}

// Server is the HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	turns    TurnProcessor
	sessions Sessions
	store    SessionReader
	events   Subscriber
}

// New creates a new Server instance.
func New(cfg *Config, deps Deps) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		turns:    deps.Turns,
		sessions: deps.Sessions,
		store:    deps.Store,
		events:   deps.Events,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		origins := s.config.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", OwnerHeader},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
}

// requestLogger logs one line per request through the global zerolog logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logging.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}
	logging.Info().Str("addr", s.config.Addr).Msg("http server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
