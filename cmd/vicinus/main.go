// Package main provides the entry point for the vicinus neighbor search service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jobrunner/vicinus/internal/app"
	"github.com/jobrunner/vicinus/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vicinus",
	Short: "vicinus - spatial neighbor search service",
	Long: `vicinus answers neighbor queries over spatial items.

Items carry a geometry, a layer and a reference system name and are loaded
from GeoJSON or GeoPackage datasets into a geometry store.

Features:
  - Annulus searches in degrees or kilometres
  - Adaptive K-nearest-neighbor search ranked by geodesic distance
  - Stores: memory R-tree, Badger, SQLite, SpatiaLite, PostGIS
  - Dataset storage backends (local, AWS S3, Azure, HTTP, MinIO)
  - Hot-reload of local datasets
  - TLS with automatic certificate management
  - Prometheus metrics`,
	SilenceUsage: true,
	RunE:         runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("vicinus %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("store", config.StoreMemory, "geometry store (memory, badger, sqlite, spatialite, postgis)")
	rootCmd.PersistentFlags().String("store-path", "", "store file or directory")
	rootCmd.PersistentFlags().String("store-dsn", "", "PostGIS connection string")
	rootCmd.PersistentFlags().String("data", "./data", "local dataset directory")

	// Server flags
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8080, "server port")
	rootCmd.Flags().Bool("tls", false, "enable TLS")
	rootCmd.Flags().StringSlice("tls-domains", nil, "TLS domains")
	rootCmd.Flags().String("tls-email", "", "TLS email for Let's Encrypt")
	rootCmd.Flags().String("storage-type", "local", "dataset storage type (local, s3, azure, http, minio)")
	rootCmd.Flags().Bool("watch", false, "reload local datasets when they change")
	rootCmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")

	rootCmd.AddCommand(versionCmd, loadCmd, neighborsCmd, knnCmd)
}

// loadConfig loads the configuration with the flags of cmd bound over the
// file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	cfg, err := config.Load(cfgFile, config.WithFlags(map[string]*pflag.Flag{
		"logging.level":               flags.Lookup("log-level"),
		"logging.format":              flags.Lookup("log-format"),
		"store.type":                  flags.Lookup("store"),
		"store.path":                  flags.Lookup("store-path"),
		"store.dsn":                   flags.Lookup("store-dsn"),
		"datasets.local_path":         flags.Lookup("data"),
		"server.host":                 flags.Lookup("host"),
		"server.port":                 flags.Lookup("port"),
		"tls.enabled":                 flags.Lookup("tls"),
		"tls.domains":                 flags.Lookup("tls-domains"),
		"tls.email":                   flags.Lookup("tls-email"),
		"datasets.storage.type":       flags.Lookup("storage-type"),
		"datasets.watch":              flags.Lookup("watch"),
		"server.cors.allowed_origins": flags.Lookup("cors"),
	}))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting vicinus",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"store", cfg.Store.Type,
		"storage_type", cfg.Datasets.Storage.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address())
		serverErr <- application.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	// Logs go to stderr so query commands can print JSON on stdout.
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
