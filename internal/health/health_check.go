package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/storage/diskmanager"
)

// GuildLister counts the guilds the service holds
type GuildLister interface {
	ListGuilds() ([]string, error)
}

// QueueGauge reports how full a work queue is, as a percentage
type QueueGauge func() float64

// HealthChecker performs health checks for the service
type HealthChecker struct {
	dataDir  string
	disk     *diskmanager.DiskManager
	guilds   GuildLister
	queue    QueueGauge
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.ServiceStatus
	guildCount  int
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	DataDir  string
	Disk     *diskmanager.DiskManager
	Guilds   GuildLister
	Queue    QueueGauge
	Interval time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	h := &HealthChecker{
		dataDir:     cfg.DataDir,
		disk:        cfg.Disk,
		guilds:      cfg.Guilds,
		queue:       cfg.Queue,
		interval:    cfg.Interval,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.ServiceStatusHealthy,
	}
	if h.interval <= 0 {
		h.interval = 10 * time.Second
	}
	return h
}

// Start runs health checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks once
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkDiskSpace,
		h.checkDataDirAccessible,
		h.checkCommandQueue,
	}
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	guildCount := 0
	if h.guilds != nil {
		if ids, err := h.guilds.ListGuilds(); err == nil {
			guildCount = len(ids)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.guildCount = guildCount

	allHealthy := true
	allReady := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != "healthy" {
			allHealthy = false
			if result.Status == "critical" {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = model.ServiceStatusHealthy
	case allReady:
		h.status = model.ServiceStatusDegraded
	default:
		h.status = model.ServiceStatusUnhealthy
	}
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkDiskSpace checks whether document writes are still accepted
func (h *HealthChecker) checkDiskSpace() CheckResult {
	result := CheckResult{Name: "disk_space", Timestamp: time.Now()}
	if h.disk == nil {
		result.Status = "healthy"
		result.Message = "Disk monitoring disabled"
		return result
	}

	stats := h.disk.GetDiskUsage()
	switch {
	case stats.IsCircuitBroken:
		result.Status = "critical"
		result.Message = fmt.Sprintf("Disk usage critical: %.2f%%", stats.UsagePercent)
	case stats.IsThrottled:
		result.Status = "warning"
		result.Message = fmt.Sprintf("Disk usage high: %.2f%%", stats.UsagePercent)
	default:
		result.Status = "healthy"
		result.Message = fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
			stats.UsagePercent, float64(stats.AvailableBytes)/1024/1024/1024)
	}
	return result
}

// checkDataDirAccessible checks the data directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	result := CheckResult{Name: "data_dir_accessible", Timestamp: time.Now()}

	info, err := os.Stat(h.dataDir)
	if err != nil {
		result.Status = "critical"
		result.Message = fmt.Sprintf("Data directory not accessible: %v", err)
		return result
	}
	if !info.IsDir() {
		result.Status = "critical"
		result.Message = "Data path is not a directory"
		return result
	}

	probe := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(probe)
	if err != nil {
		result.Status = "critical"
		result.Message = fmt.Sprintf("Cannot write to data directory: %v", err)
		return result
	}
	f.Close()
	os.Remove(probe)

	result.Status = "healthy"
	result.Message = "Data directory is accessible and writable"
	return result
}

// checkCommandQueue warns when side effects are backing up
func (h *HealthChecker) checkCommandQueue() CheckResult {
	result := CheckResult{Name: "command_queue", Status: "healthy", Timestamp: time.Now()}
	if h.queue == nil {
		result.Message = "No command queue"
		return result
	}
	util := h.queue()
	result.Message = fmt.Sprintf("Command queue %.0f%% full", util)
	if util >= 90 {
		result.Status = "warning"
	}
	return result
}

// IsLive returns whether the service is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the service is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Guilds:    h.guildCount,
	}
}

// GetChecks returns a copy of all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"guilds": status.Guilds,
		"checks": checks,
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
