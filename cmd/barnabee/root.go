package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/barnabee-home/barnabee/internal/config"
	"github.com/barnabee-home/barnabee/internal/orchestrator"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "barnabee",
		Short: "Household voice assistant request core",
		Long: `Barnabee turns transcribed utterances into classified intents, resolved
entities, and executed smart-home actions. The serve subcommand runs the
request pipeline; the remaining subcommands operate on its data.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml",
		"path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newIngestGoldenCmd(&configPath),
		newSyncEntitiesCmd(&configPath),
		newImproveNowCmd(&configPath),
	)
	return root
}

// loadConfig loads and validates the config file, mapping every failure onto
// the configuration exit class.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrConfiguration, err)
	}
	return cfg, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
