package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/maxiofs/pinrep/internal/config"
	"github.com/maxiofs/pinrep/internal/logging"
	"github.com/maxiofs/pinrep/internal/metrics"
	"github.com/maxiofs/pinrep/internal/middleware"
	"github.com/maxiofs/pinrep/internal/replication"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

// Server exposes the operational endpoints of a running replication manager and owns
// its monitor loop
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	replication    *replication.Manager
	metricsManager metrics.Manager
	systemMetrics  *metrics.SystemMetricsTracker
	recent         *logging.RecentHook
	logger         *logrus.Logger
	startTime      time.Time
}

// Options wires the server to its collaborators
type Options struct {
	Config      *config.Config
	Replication *replication.Manager
	Metrics     metrics.Manager
	Recent      *logging.RecentHook // optional
	Logger      *logrus.Logger
}

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

// HealthReport is served on /healthz
type HealthReport struct {
	Status           string               `json:"status"`
	UptimeSeconds    int64                `json:"uptime_seconds"`
	MonitoringActive bool                 `json:"monitoring_active"`
	MetricsHealthy   bool                 `json:"metrics_healthy"`
	Replication      *replication.Summary `json:"replication"`
	System           metrics.Snapshot     `json:"system"`
	RecentProblems   []logging.LogEntry   `json:"recent_problems"`
}

// New creates the server and its routes
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	s := &Server{
		config:         opts.Config,
		replication:    opts.Replication,
		metricsManager: opts.Metrics,
		systemMetrics:  metrics.NewSystemMetrics(opts.Config.DataDir),
		recent:         opts.Recent,
		logger:         opts.Logger,
		startTime:      time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:         opts.Config.Metrics.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	metricsPath := s.config.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	router.Use(middleware.Logging(s.logger, metricsPath, "/healthz"))

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle(metricsPath, s.metricsManager.GetMetricsHandler()).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, "route not found", "not_found", http.StatusNotFound)
	})

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(router)
}

// Start runs the monitor loop and the HTTP listener until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":  s.config.Metrics.Listen,
		"data_dir": s.config.DataDir,
		"store":    s.config.Store.Engine,
	}).Info("Starting pinrep")

	s.replication.StartMonitoring()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		s.logger.WithError(serveErr).Error("HTTP server error")
	}

	s.shutdown()
	return serveErr
}

func (s *Server) shutdown() {
	s.logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
	}

	// Waits for a cycle in progress
	s.replication.StopMonitoring()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.replication.GetAggregateStatus()

	report := HealthReport{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		MonitoringActive: summary.MonitoringActive,
		MetricsHealthy:   s.metricsManager.IsHealthy(),
		Replication:      summary,
		System:           s.systemMetrics.Snapshot(),
		RecentProblems:   []logging.LogEntry{},
	}
	if s.recent != nil {
		report.RecentProblems = s.recent.Entries()
	}
	if !report.MonitoringActive || !report.MetricsHealthy {
		report.Status = "degraded"
	}

	s.writeJSON(w, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, message, kind string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message, Kind: kind})
	s.logger.WithField("error", message).WithField("status", statusCode).Debug("API error")
}
