// Package cli implements the streakd command line.
package cli

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/config"
)

const defaultConfigPath = "./config.yaml"

// RootCmd returns the streakd command tree
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "streakd",
		Short: "Per-guild streak, level and activity tracking",
		Long: `streakd keeps message counts, daily streaks, levels and activity history
for every guild in one JSON document per guild, and runs the daily reset,
weekly leaderboard and report jobs over them.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file (default $CONFIG_PATH or ./config.yaml)")

	root.AddCommand(ServeCmd())
	root.AddCommand(RepairCmd())
	root.AddCommand(MigrateCmd())
	root.AddCommand(RetentionCmd())
	root.AddCommand(RunJobCmd())
	return root
}

// configPath resolves --config, then CONFIG_PATH, then the default
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

// loadConfig loads the config file. Maintenance commands fall back to
// defaults when no file exists; serve requires one.
func loadConfig(cmd *cobra.Command, required bool) (*config.Config, error) {
	path := configPath(cmd)
	if _, err := os.Stat(path); err != nil && !required {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// toolApp builds an App for a one-shot command. Its logs go to stderr at
// warn level so command output stays readable.
func toolApp(cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	logCfg := cfg.Logging
	logCfg.Level = "warn"
	logger, err := NewLogger(logCfg)
	if err != nil {
		return nil, err
	}
	app, err := NewApp(cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return app, nil
}
