package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration for streakd
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Progression  ProgressionConfig  `yaml:"progression"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
	ConfigFlow   ConfigFlowConfig   `yaml:"config_flow"`
	RateLimiter  RateLimiterConfig  `yaml:"rate_limiter"`
	Watch        WatchConfig        `yaml:"watch"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StorageConfig holds document storage configuration
type StorageConfig struct {
	DataDir                 string        `yaml:"data_dir"`
	MaxDiskUsage            float64       `yaml:"max_disk_usage"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
	DiskCheckInterval       time.Duration `yaml:"disk_check_interval"`
}

// ProgressionConfig holds progression engine tuning
type ProgressionConfig struct {
	StreakCooldown   time.Duration `yaml:"streak_cooldown"`
	SpamWindow       time.Duration `yaml:"spam_window"`
	SpamSimilarity   float64       `yaml:"spam_similarity"`
	SpamSweep        time.Duration `yaml:"spam_sweep"`
	DefaultThreshold int           `yaml:"default_threshold"`
	XPPerMessage     int           `yaml:"xp_per_message"`
	LevelMultiplier  float64       `yaml:"level_multiplier"`
}

// SchedulerConfig holds recurring job configuration
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Timezone        string        `yaml:"timezone"`
	DailyResetAt    string        `yaml:"daily_reset_at"`
	WeeklyReportDay string        `yaml:"weekly_report_day"`
	WeeklyReportAt  string        `yaml:"weekly_report_at"`
	LeaderboardDay  string        `yaml:"leaderboard_day"`
	LeaderboardAt   string        `yaml:"leaderboard_at"`
	MonthlyInterval time.Duration `yaml:"monthly_interval"`
	Concurrency     int           `yaml:"concurrency"`
}

// CollaboratorConfig holds chat platform client configuration
type CollaboratorConfig struct {
	Mode          string        `yaml:"mode"`
	BaseURL       string        `yaml:"base_url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
}

// ConfigFlowConfig holds interactive config flow configuration
type ConfigFlowConfig struct {
	Window        time.Duration `yaml:"window"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateLimiterConfig holds HTTP API rate limiting configuration
type RateLimiterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// WatchConfig holds config file watcher configuration
type WatchConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./databases"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}
	if cfg.Storage.ThrottleThreshold == 0 {
		cfg.Storage.ThrottleThreshold = 90.0
	}
	if cfg.Storage.CircuitBreakerThreshold == 0 {
		cfg.Storage.CircuitBreakerThreshold = 97.0
	}
	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 10 * time.Second
	}

	if cfg.Progression.StreakCooldown == 0 {
		cfg.Progression.StreakCooldown = 3 * time.Second
	}
	if cfg.Progression.SpamWindow == 0 {
		cfg.Progression.SpamWindow = 2500 * time.Millisecond
	}
	if cfg.Progression.SpamSimilarity == 0 {
		cfg.Progression.SpamSimilarity = 0.85
	}
	if cfg.Progression.SpamSweep == 0 {
		cfg.Progression.SpamSweep = time.Minute
	}
	if cfg.Progression.DefaultThreshold == 0 {
		cfg.Progression.DefaultThreshold = 4
	}
	if cfg.Progression.XPPerMessage == 0 {
		cfg.Progression.XPPerMessage = 10
	}
	if cfg.Progression.LevelMultiplier == 0 {
		cfg.Progression.LevelMultiplier = 1.5
	}

	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Scheduler.DailyResetAt == "" {
		cfg.Scheduler.DailyResetAt = "00:00"
	}
	if cfg.Scheduler.WeeklyReportDay == "" {
		cfg.Scheduler.WeeklyReportDay = "sunday"
	}
	if cfg.Scheduler.WeeklyReportAt == "" {
		cfg.Scheduler.WeeklyReportAt = "00:00"
	}
	if cfg.Scheduler.LeaderboardDay == "" {
		cfg.Scheduler.LeaderboardDay = "sunday"
	}
	if cfg.Scheduler.LeaderboardAt == "" {
		cfg.Scheduler.LeaderboardAt = "18:00"
	}
	if cfg.Scheduler.MonthlyInterval == 0 {
		cfg.Scheduler.MonthlyInterval = 30 * 24 * time.Hour
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 4
	}

	if cfg.Collaborator.Mode == "" {
		cfg.Collaborator.Mode = "log"
	}
	if cfg.Collaborator.Timeout == 0 {
		cfg.Collaborator.Timeout = 10 * time.Second
	}
	if cfg.Collaborator.RatePerSecond == 0 {
		cfg.Collaborator.RatePerSecond = 20
	}
	if cfg.Collaborator.Burst == 0 {
		cfg.Collaborator.Burst = 10
	}
	if cfg.Collaborator.Workers == 0 {
		cfg.Collaborator.Workers = 4
	}
	if cfg.Collaborator.QueueSize == 0 {
		cfg.Collaborator.QueueSize = 1000
	}

	if cfg.ConfigFlow.Window == 0 {
		cfg.ConfigFlow.Window = 15 * time.Second
	}
	if cfg.ConfigFlow.Retention == 0 {
		cfg.ConfigFlow.Retention = time.Minute
	}
	if cfg.ConfigFlow.SweepInterval == 0 {
		cfg.ConfigFlow.SweepInterval = time.Second
	}

	if cfg.RateLimiter.RequestsPerSecond == 0 {
		cfg.RateLimiter.RequestsPerSecond = 100
	}
	if cfg.RateLimiter.BurstSize == 0 {
		cfg.RateLimiter.BurstSize = 200
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.Storage.ThrottleThreshold > c.Storage.CircuitBreakerThreshold {
		return fmt.Errorf("storage.throttle_threshold must not exceed storage.circuit_breaker_threshold")
	}
	if c.Progression.SpamSimilarity <= 0 || c.Progression.SpamSimilarity > 1 {
		return fmt.Errorf("progression.spam_similarity must be in (0, 1]")
	}
	if c.Progression.LevelMultiplier < 1 {
		return fmt.Errorf("progression.level_multiplier must be at least 1")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	for name, value := range map[string]string{
		"scheduler.daily_reset_at":   c.Scheduler.DailyResetAt,
		"scheduler.weekly_report_at": c.Scheduler.WeeklyReportAt,
		"scheduler.leaderboard_at":   c.Scheduler.LeaderboardAt,
	} {
		if _, _, err := ParseClock(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, value := range map[string]string{
		"scheduler.weekly_report_day": c.Scheduler.WeeklyReportDay,
		"scheduler.leaderboard_day":   c.Scheduler.LeaderboardDay,
	} {
		if _, err := ParseWeekday(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1")
	}
	switch c.Collaborator.Mode {
	case "log":
	case "webhook":
		if c.Collaborator.BaseURL == "" {
			return fmt.Errorf("collaborator.base_url is required in webhook mode")
		}
	default:
		return fmt.Errorf("collaborator.mode must be one of log, webhook")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be one of json, console")
	}
	return nil
}

// Location returns the scheduler's time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses a wall-clock time of the form HH:MM
func ParseClock(value string) (hour, minute int, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q, expected HH:MM", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}

// ParseWeekday parses an English weekday name
func ParseWeekday(value string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), value) {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid weekday %q", value)
}
