package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/logging"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Admission control gateway",
	Long: `Admission control gateway deciding admit, throttle or block for every
request using per-plan token buckets, daily and monthly quotas, overrides
and blocks.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}

// Loads .env if present, then the config file and environment overrides.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logging.New(cfg.Logging), nil
}

func openDatabase(cfg *config.Config, logger zerolog.Logger) (*storage.Database, error) {
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn (or DATABASE_URL) is required")
	}

	db, err := storage.NewPostgres(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("connected to database")
	return db, nil
}
