package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/internal/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse is an account and session service",
	Long: `An account service with email/password and social sign-in, sessions,
two-factor authentication and self-service account management.
Complete documentation is available at https://github.com/jmcleod/gatehouse`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
}

// loadConfig reads and validates the configuration named by --env-file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
