// Package api provides the HTTP read surface and the manual task triggers.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/x-mirror/internal/job"
	"github.com/x-mirror/internal/lease"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/metrics"
	"github.com/x-mirror/internal/ratelimit"
	"github.com/x-mirror/internal/service"
	"github.com/x-mirror/internal/storage"
)

// JobSubmitter starts tasks under their lease
type JobSubmitter interface {
	Submit(ctx context.Context, req job.Request) (*job.Report, error)
}

// QueryServiceInterface lists stored tweets
type QueryServiceInterface interface {
	Query(ctx context.Context, input *service.QueryInput) (*service.QueryResult, error)
}

// BudgetReporter reports the upstream request budget of the current window
type BudgetReporter interface {
	GetUsage(ctx context.Context) (*ratelimit.UsageStats, error)
}

// MediaFiles serves files of the media cache
type MediaFiles interface {
	Open(ctx context.Context, relativePath string) (*os.File, os.FileInfo, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      *storage.Store
	users      *storage.UserRepository
	rateLimits *storage.RateLimitRepository
	leases     *lease.Manager
	jobs       JobSubmitter
	queries    QueryServiceInterface
	media      MediaFiles
	budget     BudgetReporter
	metrics    *metrics.Metrics
	config     *ServerConfig
	now        func() time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64 // per client
	RateBurst       int
	// FeedLink is the public base URL used in RSS feeds
	FeedLink string
}

// Deps are the collaborators of the server. Media may be nil when the cache
// is disabled, Budget when no Redis is configured.
type Deps struct {
	Store   *storage.Store
	Leases  *lease.Manager
	Jobs    JobSubmitter
	Queries QueryServiceInterface
	Media   MediaFiles
	Budget  BudgetReporter
	Metrics *metrics.Metrics
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		store:      deps.Store,
		users:      storage.NewUserRepository(deps.Store),
		rateLimits: storage.NewRateLimitRepository(deps.Store),
		leases:     deps.Leases,
		jobs:       deps.Jobs,
		queries:    deps.Queries,
		media:      deps.Media,
		budget:     deps.Budget,
		metrics:    deps.Metrics,
		config:     config,
		now:        time.Now,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateBurst)

	// Set up middleware (order matters!)
	s.router.Use(s.LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/users", s.handleListUsers).Methods("GET")
	api.HandleFunc("/users/{username}/tweets", s.handleUserTweets).Methods("GET")
	api.HandleFunc("/tweets", s.handleTweets).Methods("GET")
	api.HandleFunc("/feeds/{username:[A-Za-z0-9_]+}.rss", s.handleFeed).Methods("GET")

	api.HandleFunc("/media-cache/{path:.+}", s.handleMediaCache).Methods("GET", "HEAD")

	api.HandleFunc("/actions/fetch", s.handleActionFetch).Methods("POST")
	api.HandleFunc("/actions/media-backfill", s.handleActionBackfill).Methods("POST")
	api.HandleFunc("/actions/media-cleanup", s.handleActionCleanup).Methods("POST")
}

// Handler exposes the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth pings the store
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "store unavailable", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "x-mirror",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Infof("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
