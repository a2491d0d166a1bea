// Package api provides the HTTP and WebSocket surface of netmonkey.
// It exposes range calculations, streamed sweeps, a watch hub for scheduled
// sweeps, service status and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/netmonkey/internal/api/handlers"
	"github.com/anstrom/netmonkey/internal/api/middleware"
	"github.com/anstrom/netmonkey/internal/config"
	"github.com/anstrom/netmonkey/internal/logging"
	"github.com/anstrom/netmonkey/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	idleTimeout           = 60 * time.Second
)

const apiPrefix = "/api/v1"

// ScanService is the part of the coordinator the API needs.
type ScanService interface {
	apihandlers.ScanSessions
	apihandlers.SessionStats
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	hub        *apihandlers.WatchHub
	jobs       apihandlers.JobManager
	version    string
	startTime  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithVersion sets the version reported by the status endpoint.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithHub makes the server serve an existing watch hub, such as one a
// scheduler already broadcasts to.
func WithHub(hub *apihandlers.WatchHub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithScheduler exposes the scheduled sweeps under /api/v1/schedule.
func WithScheduler(jobs apihandlers.JobManager) Option {
	return func(s *Server) {
		s.jobs = jobs
	}
}

// New creates a new API server instance. pm may be nil, in which case no
// metrics are recorded and /metrics is not served.
func New(cfg *config.Config, scans ScanService, pm *metrics.PrometheusMetrics, opts ...Option) (*Server, error) {
	defaults, err := apihandlers.DefaultsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		logger:    logging.Default(),
		metrics:   pm,
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = apihandlers.NewWatchHub(s.logger)
	}

	s.setupMiddleware()
	s.setupRoutes(scans, defaults)

	s.httpServer = &http.Server{
		Addr:              cfg.GetAPIAddress(),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	return s, nil
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoServer("Starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		s.hub.Shutdown()
		return err
	}
}

// Stop gracefully stops the API server and disconnects watch clients.
func (s *Server) Stop() error {
	s.logger.InfoServer("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	s.hub.Shutdown()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithComponent("api").WithError(err).Error("API server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.InfoServer("API server stopped successfully")
	return nil
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware() {
	logger := s.logger.WithComponent("api")
	s.router.Use(middleware.Recovery(logger))
	s.router.Use(middleware.RequestID())

	if s.config.API.RequestLogging {
		s.router.Use(middleware.Logging(logger))
	}
	if s.metrics != nil {
		s.router.Use(middleware.Metrics(s.metrics))
	}
	s.router.Use(middleware.SecurityHeaders())

	if cors := s.config.API.CORS; cors.Enabled {
		s.router.Use(handlers.CORS(
			handlers.AllowedOrigins(cors.AllowedOrigins),
			handlers.AllowedMethods(cors.AllowedMethods),
			handlers.AllowedHeaders(cors.AllowedHeaders),
			handlers.ExposedHeaders([]string{"X-Request-ID"}),
		))
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(scans ScanService, defaults apihandlers.TargetDefaults) {
	health := apihandlers.NewHealthHandler(scans, s.hub, s.logger, s.version)
	ranges := apihandlers.NewRangeHandler(defaults, s.logger)
	scan := apihandlers.NewScanHandler(scans, defaults, s.logger)

	timeout := middleware.RequestTimeout(s.config.API.RequestTimeout)
	methods := []string{http.MethodGet, http.MethodOptions}

	// Routes sit on the root router with full paths. Behind a subrouter a
	// method mismatch on one route is reported as 404 instead of 405.
	s.router.Handle(apiPrefix+"/health", timeout(http.HandlerFunc(health.Health))).Methods(methods...)
	s.router.Handle(apiPrefix+"/status", timeout(http.HandlerFunc(health.Status))).Methods(methods...)
	s.router.Handle(apiPrefix+"/range", timeout(http.HandlerFunc(ranges.GetRange))).Methods(methods...)

	// Streaming endpoints live as long as their connection.
	s.router.HandleFunc(apiPrefix+"/scans/stream", scan.StreamScan).Methods(http.MethodGet)
	s.router.HandleFunc(apiPrefix+"/scans/watch", s.hub.Watch).Methods(http.MethodGet)
	s.router.Handle(apiPrefix+"/scans/{id}", timeout(http.HandlerFunc(scan.GetSession))).Methods(methods...)

	if s.jobs != nil {
		schedule := apihandlers.NewScheduleHandler(s.jobs, s.logger)
		s.router.Handle(apiPrefix+"/schedule", timeout(http.HandlerFunc(schedule.ListJobs))).Methods(methods...)
		s.router.Handle(apiPrefix+"/schedule/{id}", timeout(http.HandlerFunc(schedule.GetJob))).Methods(methods...)
		s.router.Handle(apiPrefix+"/schedule/{id}", timeout(http.HandlerFunc(schedule.DeleteJob))).
			Methods(http.MethodDelete)
		s.router.Handle(apiPrefix+"/schedule/{id}/trigger", timeout(http.HandlerFunc(schedule.TriggerJob))).
			Methods(http.MethodPost)
		s.router.Handle(apiPrefix+"/schedule/{id}/enable", timeout(http.HandlerFunc(schedule.EnableJob))).
			Methods(http.MethodPost)
		s.router.Handle(apiPrefix+"/schedule/{id}/disable", timeout(http.HandlerFunc(schedule.DisableJob))).
			Methods(http.MethodPost)
	}

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
}

// index lists the available endpoints.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health": "/api/v1/health",
		"status": "/api/v1/status",
		"range":  "/api/v1/range?ip=&mask=",
		"stream": "/api/v1/scans/stream?ip=&mask=&ports=",
		"watch":  "/api/v1/scans/watch",
		"scan":   "/api/v1/scans/{id}",
	}
	if s.jobs != nil {
		endpoints["schedule"] = "/api/v1/schedule"
	}
	if s.metrics != nil {
		endpoints["metrics"] = "/metrics"
	}

	s.WriteJSON(w, r, http.StatusOK, map[string]interface{}{
		"service":   "netmonkey",
		"version":   s.version,
		"endpoints": endpoints,
		"started":   s.startTime.UTC(),
		"timestamp": time.Now().UTC(),
	})
}

// Hub returns the watch hub that scheduled sweeps broadcast to.
func (s *Server) Hub() *apihandlers.WatchHub {
	return s.hub
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// WriteJSON writes a JSON response.
func (s *Server) WriteJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithComponent("api").WithError(err).Error("Failed to encode JSON response",
			"path", r.URL.Path,
			"method", r.Method)
	}
}
