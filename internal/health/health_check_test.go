package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/storage/diskmanager"
)

type staticGuilds []string

func (s staticGuilds) ListGuilds() ([]string, error) { return s, nil }

func newDisk(t *testing.T, dir string, available uint64) *diskmanager.DiskManager {
	t.Helper()
	dm, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 dir,
		CheckInterval:           time.Hour,
		ThrottleThreshold:       90,
		CircuitBreakerThreshold: 97,
		Stat: func(string) (uint64, uint64, error) {
			return 1000, available, nil
		},
	}, zap.NewNop())
	require.NoError(t, err)
	return dm
}

func TestRunChecks(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		queue     float64
		status    model.ServiceStatus
		ready     bool
	}{
		{"healthy", 500, 10, model.ServiceStatusHealthy, true},
		{"disk throttled", 80, 0, model.ServiceStatusDegraded, true},
		{"queue backing up", 500, 95, model.ServiceStatusDegraded, true},
		{"disk full", 10, 0, model.ServiceStatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			queue := tt.queue
			h := NewHealthChecker(&HealthCheckConfig{
				DataDir: dir,
				Disk:    newDisk(t, dir, tt.available),
				Guilds:  staticGuilds{"g1", "g2"},
				Queue:   func() float64 { return queue },
			}, zap.NewNop())

			h.RunChecks()

			status := h.GetStatus()
			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, 2, status.Guilds)
			assert.Equal(t, tt.ready, h.IsReady())
			assert.True(t, h.IsLive())
			assert.Len(t, h.GetChecks(), 3)
		})
	}
}

func TestRunChecks_MissingDataDir(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{
		DataDir: filepath.Join(t.TempDir(), "missing"),
	}, zap.NewNop())

	h.RunChecks()

	assert.False(t, h.IsReady())
	assert.Equal(t, "critical", h.GetChecks()["data_dir_accessible"].Status)
}

func TestHandlers(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{
		DataDir: t.TempDir(),
		Guilds:  staticGuilds{"g1"},
	}, zap.NewNop())
	h.RunChecks()

	t.Run("liveness", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, true, body["healthy"])
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("readiness", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, float64(1), body["guilds"])
	})

	t.Run("not ready while draining", func(t *testing.T) {
		h.SetReadiness(false)
		w := httptest.NewRecorder()
		h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
