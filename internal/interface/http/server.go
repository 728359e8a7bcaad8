// Package http exposes the progression engine as a JSON REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/alem-hub/progression/internal/application/progression"
	"github.com/alem-hub/progression/internal/application/query"
	"github.com/alem-hub/progression/internal/infrastructure/scheduler"
	"github.com/alem-hub/progression/internal/interface/http/handlers"
	"github.com/alem-hub/progression/pkg/logger"
	"github.com/alem-hub/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Addr - address to listen on (default: ":8080").
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds the context of every API request (0 = none).
	RequestTimeout time.Duration

	// MaxBodyBytes limits request bodies (0 = unlimited).
	MaxBodyBytes int64

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   1 << 20,
		MaxHeaderBytes: 1 << 20,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// JobRunner is the part of the scheduler exposed to operators.
type JobRunner interface {
	ListJobs() []scheduler.JobInfo
	RunNow(ctx context.Context, name string) (scheduler.JobResult, error)
}

// Dependencies contains everything the handlers need.
type Dependencies struct {
	Progression *progression.Service
	Leaderboard *query.GetLeaderboardHandler

	// HealthChecker defaults to an empty composite checker.
	HealthChecker handlers.HealthChecker

	// Jobs enables the admin job endpoints when set.
	Jobs JobRunner

	// AdminTokenHash is a bcrypt hash guarding the admin endpoints.
	// Empty leaves them open.
	AdminTokenHash string

	Logger  *logger.Logger
	Clock   timeutil.Clock
	Version string
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	httpServer *http.Server
	router     *mux.Router
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewCompositeHealthChecker(deps.Version)
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		logger: deps.Logger.With(logger.Component("http")),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Addr,
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(
		handlers.RequestID(s.logger),
		handlers.Logging(s.logger, s.deps.Clock),
		handlers.Recovery(s.logger),
		handlers.SecurityHeaders,
	)
	s.routeErrors(r)

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(
		handlers.Timeout(s.config.RequestTimeout),
		handlers.BodyLimit(s.config.MaxBodyBytes),
	)
	s.routeErrors(api)

	api.HandleFunc("/catalog", s.handleGetCatalog).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", s.handleGetLeaderboard).Methods(http.MethodGet)

	users := api.PathPrefix("/users/{id}").Subrouter()
	s.routeErrors(users)
	users.HandleFunc("/progress", s.handleGetProgress).Methods(http.MethodGet)
	users.HandleFunc("/activities", s.handleGetActivities).Methods(http.MethodGet)
	users.HandleFunc("/xp", s.handleAwardXP).Methods(http.MethodPost)
	users.HandleFunc("/stats", s.handleUpdateStats).Methods(http.MethodPost)
	users.HandleFunc("/streak", s.handleUpdateStreak).Methods(http.MethodPost)
	users.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	users.HandleFunc("/quiz", s.handleQuizResult).Methods(http.MethodPost)
	users.HandleFunc("/achievements/check", s.handleCheckAchievements).Methods(http.MethodPost)
	users.HandleFunc("/effects", s.handleSetEffects).Methods(http.MethodPut)

	if s.deps.Jobs != nil {
		admin := api.PathPrefix("/admin").Subrouter()
		admin.Use(handlers.AdminAuth(s.deps.AdminTokenHash))
		s.routeErrors(admin)
		admin.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
		admin.HandleFunc("/jobs/{name}/run", s.handleRunJob).Methods(http.MethodPost)
	}
}

// routeErrors installs the JSON 404/405 handlers. mux consults them per
// subrouter, so every level needs its own.
func (s *Server) routeErrors(r *mux.Router) {
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = s.deps.Clock.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Addr))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
// The channel receives a listen error, if any, and is then closed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return timeutil.Elapsed(s.startedAt, s.deps.Clock.Now())
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Addr
}
