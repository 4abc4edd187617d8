package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/configwatch"
	"github.com/devrev/streakd/internal/handler"
	"github.com/devrev/streakd/internal/health"
	"github.com/devrev/streakd/internal/server"
)

// ServeCmd runs the API server, scheduler and background workers
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the streakd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			logger, err := NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			app, err := NewApp(cfg, prometheus.DefaultRegisterer, logger)
			if err != nil {
				logger.Error("Failed to initialize", zap.Error(err))
				return err
			}
			return serve(app)
		},
	}
}

func serve(app *App) error {
	cfg, logger := app.Config, app.Logger
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Configuration loaded",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("collaborator", cfg.Collaborator.Mode))

	hc := health.NewHealthChecker(&health.HealthCheckConfig{
		DataDir:  cfg.Storage.DataDir,
		Disk:     app.Disk,
		Guilds:   app.Store,
		Queue:    func() float64 { return app.Dispatcher.Stats().QueueUtilization() },
		Interval: cfg.Storage.DiskCheckInterval,
	}, logger)
	go hc.Start(ctx)

	app.Spam.Start()
	defer app.Spam.Stop()

	go sweep(ctx, cfg.ConfigFlow.SweepInterval, func(now time.Time) {
		app.Flows.Sweep(now)
		app.Engine.SweepCooldowns(now)
	})

	if cfg.Scheduler.Enabled {
		app.Scheduler.Start()
		defer app.Scheduler.Stop()
	} else {
		logger.Info("Scheduler disabled; jobs run only on demand")
	}

	if cfg.Watch.Enabled {
		watcher, err := configwatch.New(&configwatch.Config{}, app.Store, app.Engine, logger)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	if cfg.Metrics.Enabled {
		ms := server.NewMetricsServer(&server.MetricsServerConfig{
			Port:         cfg.Metrics.Port,
			Path:         cfg.Metrics.Path,
			MaxDiskUsage: cfg.Storage.MaxDiskUsage,
			Disk:         app.Disk,
			Health:       hc,
			Guilds:       app.Store,
		}, app.Metrics, logger)
		if err := ms.Start(); err != nil {
			return err
		}
		defer ms.Stop()
	}

	errorHandler := handler.NewErrorHandler(logger)
	handlers := handler.NewHandlers(&handler.Config{Timeout: cfg.Server.WriteTimeout},
		app.Engine, app.Store, app.Flows, app.Scheduler, errorHandler, logger)
	api := server.NewServer(cfg, handlers, errorHandler, hc, app.Metrics, logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- api.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	case serveErr = <-errChan:
		logger.Error("API server stopped", zap.Error(serveErr))
	}

	hc.SetReadiness(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	app.Close()
	return serveErr
}

// sweep calls fn every interval until ctx is done
func sweep(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			fn(now)
		case <-ctx.Done():
			return
		}
	}
}
