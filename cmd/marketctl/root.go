package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/garnizeh/servicemarket/internal/config"
	idb "github.com/garnizeh/servicemarket/internal/db"
)

var (
	version = "dev"

	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:           "marketctl",
	Short:         "Administer a servicemarket database",
	Long:          `Run migrations, take backups, create accounts and apply administrative status overrides.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")
}

// loadConfig reads the config file and applies the --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	return cfg, nil
}

// openDB opens the configured database. The caller closes it.
func openDB(ctx context.Context) (*idb.DB, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	conn, err := idb.New(ctx, cfg.DatabasePath, slog.Default())
	if err != nil {
		return nil, nil, err
	}

	return conn, cfg, nil
}
