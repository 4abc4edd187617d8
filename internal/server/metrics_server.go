package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/health"
	"github.com/devrev/streakd/internal/metrics"
	"github.com/devrev/streakd/internal/storage/diskmanager"
)

// MetricsServer serves Prometheus metrics and probes via HTTP
type MetricsServer struct {
	httpServer   *http.Server
	metrics      *metrics.Metrics
	disk         *diskmanager.DiskManager
	health       *health.HealthChecker
	guilds       health.GuildLister
	maxDiskUsage float64
	interval     time.Duration
	logger       *zap.Logger
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// MaxDiskUsage is the disk usage fraction above which the service
	// reports not ready
	MaxDiskUsage float64
	// CollectInterval is how often system gauges are refreshed
	CollectInterval time.Duration
	Disk            *diskmanager.DiskManager
	Health          *health.HealthChecker
	Guilds          health.GuildLister
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:      m,
		disk:         cfg.Disk,
		health:       cfg.Health,
		guilds:       cfg.Guilds,
		maxDiskUsage: cfg.MaxDiskUsage,
		interval:     cfg.CollectInterval,
		logger:       logger,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	if ms.interval <= 0 {
		ms.interval = 15 * time.Second
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	return ms
}

// Handler returns the server's HTTP handler
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)
	<-s.doneChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// healthHandler handles health check requests
func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// readyHandler handles readiness check requests
func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if s.disk != nil {
		usage := s.disk.GetDiskUsage()
		body["disk_usage_percent"] = usage.UsagePercent
		if s.maxDiskUsage > 0 && usage.UsagePercent > s.maxDiskUsage*100 {
			body["status"] = "not_ready"
			body["reason"] = "disk_full"
			writeStatus(w, http.StatusServiceUnavailable, body)
			return
		}
	}

	if s.health != nil && !s.health.IsReady() {
		body["status"] = "not_ready"
		body["reason"] = "health_checks_failing"
		body["checks"] = s.health.GetChecks()
		writeStatus(w, http.StatusServiceUnavailable, body)
		return
	}

	body["status"] = "ready"
	writeStatus(w, http.StatusOK, body)
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics updates system-level metrics
func (s *MetricsServer) updateSystemMetrics() {
	var usage diskmanager.DiskUsageStats
	if s.disk != nil {
		usage = s.disk.GetDiskUsage()
	}

	guilds := 0
	if s.guilds != nil {
		ids, err := s.guilds.ListGuilds()
		if err != nil {
			s.logger.Warn("Failed to count guilds", zap.Error(err))
		}
		guilds = len(ids)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(usage.UsagePercent, usage.AvailableBytes, memStats.Alloc, runtime.NumGoroutine(), guilds)
}

func writeStatus(w http.ResponseWriter, statusCode int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
