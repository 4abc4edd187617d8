package cli

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/streakd/internal/collaborator"
	"github.com/devrev/streakd/internal/config"
	"github.com/devrev/streakd/internal/configflow"
	"github.com/devrev/streakd/internal/metrics"
	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/progression"
	"github.com/devrev/streakd/internal/scheduler"
	"github.com/devrev/streakd/internal/spam"
	"github.com/devrev/streakd/internal/storage/diskmanager"
	"github.com/devrev/streakd/internal/storage/docstore"
	"github.com/devrev/streakd/internal/storage/guildstore"
)

// App holds every component built from one configuration
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Disk       *diskmanager.DiskManager
	Docs       *docstore.Store
	Store      *guildstore.Store
	Client     collaborator.Collaborator
	Dispatcher *collaborator.Dispatcher
	Spam       *spam.Filter
	Engine     *progression.Engine
	Flows      *configflow.Manager
	Scheduler  *scheduler.Scheduler
}

// NewLogger builds the process logger from logging configuration
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// NewApp wires the components. Metrics register on reg.
func NewApp(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "streakd"
	}
	m := metrics.NewMetricsWithRegistry(instance, reg)

	disk, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 cfg.Storage.DataDir,
		CheckInterval:           cfg.Storage.DiskCheckInterval,
		ThrottleThreshold:       cfg.Storage.ThrottleThreshold,
		CircuitBreakerThreshold: cfg.Storage.CircuitBreakerThreshold,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize disk manager: %w", err)
	}

	docs := docstore.NewStore(&docstore.StoreConfig{Guard: disk, Observer: m}, logger)
	store := guildstore.NewStore(&guildstore.StoreConfig{
		DataDir: cfg.Storage.DataDir,
		Defaults: model.ConfigDefaults{
			Threshold:       cfg.Progression.DefaultThreshold,
			XPPerMessage:    cfg.Progression.XPPerMessage,
			LevelMultiplier: cfg.Progression.LevelMultiplier,
		},
	}, docs, logger)

	client, err := newCollaborator(cfg.Collaborator, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := collaborator.NewDispatcher(&collaborator.DispatcherConfig{
		Workers:       cfg.Collaborator.Workers,
		QueueSize:     cfg.Collaborator.QueueSize,
		RatePerSecond: cfg.Collaborator.RatePerSecond,
		Burst:         cfg.Collaborator.Burst,
		Timeout:       cfg.Collaborator.Timeout,
		Observer:      m,
	}, client, logger)

	filter := spam.NewFilter(&spam.FilterConfig{
		Window:        cfg.Progression.SpamWindow,
		Threshold:     cfg.Progression.SpamSimilarity,
		SweepInterval: cfg.Progression.SpamSweep,
		Observer:      m,
	}, logger)

	engine := progression.NewEngine(&progression.EngineConfig{
		StreakCooldown: cfg.Progression.StreakCooldown,
		Location:       cfg.Location(),
		Spam:           filter,
		Members:        client,
		Observer:       m,
	}, store, dispatcher, logger)

	flows := configflow.NewManager(&configflow.Config{
		Window:    cfg.ConfigFlow.Window,
		Retention: cfg.ConfigFlow.Retention,
		Observer:  m,
	}, engine, logger)

	daily, weekly, leaderboard, monthly, err := scheduler.Schedules(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler configuration: %w", err)
	}
	sched := scheduler.New(&scheduler.Config{
		Daily:       daily,
		Weekly:      weekly,
		Leaderboard: leaderboard,
		Monthly:     monthly,
		Concurrency: cfg.Scheduler.Concurrency,
		Observer:    m,
	}, engine, store, logger)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Disk:       disk,
		Docs:       docs,
		Store:      store,
		Client:     client,
		Dispatcher: dispatcher,
		Spam:       filter,
		Engine:     engine,
		Flows:      flows,
		Scheduler:  sched,
	}, nil
}

func newCollaborator(cfg config.CollaboratorConfig, logger *zap.Logger) (collaborator.Collaborator, error) {
	switch cfg.Mode {
	case "webhook":
		client, err := collaborator.NewWebhookClient(&collaborator.WebhookConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook collaborator: %w", err)
		}
		return client, nil
	default:
		return collaborator.NewLogCollaborator(logger), nil
	}
}

// Close drains queued collaborator commands
func (a *App) Close() {
	if err := a.Dispatcher.Stop(a.Config.Server.ShutdownTimeout); err != nil {
		a.Logger.Warn("Collaborator commands still queued at shutdown", zap.Error(err))
	}
	if c, ok := a.Client.(interface{ Close() }); ok {
		c.Close()
	}
}
