package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"campusattend/internal/config"
	"campusattend/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "attendctl",
	Short: "Operator tooling for the attendance service",
	Long: `Runs database migrations, issues access tokens for testing and manages
department anti-cheat settings. Configuration is read from the same
environment variables and .env file as the API.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// load reads config and builds the logger every subcommand shares.
func load() (config.App, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.App{}, nil, err
	}
	log, err := logger.New(cfg)
	if err != nil {
		return config.App{}, nil, err
	}
	return cfg, log, nil
}
