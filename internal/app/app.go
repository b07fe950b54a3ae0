// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jobrunner/vicinus/internal/adapters/badgerstore"
	"github.com/jobrunner/vicinus/internal/adapters/dataset"
	httpAdapter "github.com/jobrunner/vicinus/internal/adapters/http"
	"github.com/jobrunner/vicinus/internal/adapters/memstore"
	"github.com/jobrunner/vicinus/internal/adapters/metrics"
	"github.com/jobrunner/vicinus/internal/adapters/postgis"
	"github.com/jobrunner/vicinus/internal/adapters/spatialite"
	"github.com/jobrunner/vicinus/internal/adapters/sqlitestore"
	"github.com/jobrunner/vicinus/internal/adapters/sqlstore"
	"github.com/jobrunner/vicinus/internal/adapters/storage"
	tlsAdapter "github.com/jobrunner/vicinus/internal/adapters/tls"
	"github.com/jobrunner/vicinus/internal/adapters/watcher"
	"github.com/jobrunner/vicinus/internal/application"
	"github.com/jobrunner/vicinus/internal/config"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       output.Store
	Storage     output.ObjectStorage
	GeoPackages *dataset.GeoPackageReader
	Registry    *application.DatasetRegistry
	Search      *application.NeighborService
	Health      *application.HealthService
	Sync        *application.SyncService
	HTTPServer  *httpAdapter.Server
	TLSServer   *tlsAdapter.Server
	Watcher     *watcher.Watcher
	Metrics     *metrics.Collector
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector(cfg.Metrics.Namespace)
		metricsCollector = app.Metrics
	}

	store, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	app.Store = store

	objects, err := OpenStorage(ctx, cfg.Datasets)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	app.Storage = objects

	app.GeoPackages = dataset.NewGeoPackageReader(logger)
	reader := dataset.New(cfg.Search.DefaultRefSys, app.GeoPackages, logger)

	app.Registry = application.NewDatasetRegistry(
		reader,
		app.Store,
		app.Storage,
		metricsCollector,
		logger,
		cfg.Datasets.LocalPath,
		cfg.Datasets.LoadConcurrency,
	)

	app.Search = application.NewNeighborService(
		app.Store,
		metricsCollector,
		logger,
		application.NeighborServiceConfig{
			InitialGuess: cfg.Search.InitialGuess,
			MaxRadius:    cfg.Search.MaxRadius,
			KmPerDegree:  cfg.Search.KmPerDegree,
			MaxK:         cfg.Search.MaxK,
		},
	)

	app.Health = application.NewHealthService(app.Registry, app.Store)
	app.Sync = application.NewSyncService(app.Registry, cfg.Datasets.SyncInterval, cfg.Datasets.SyncCooldown, logger)

	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		httpAdapter.Dependencies{
			Search:        app.Search,
			Datasets:      app.Registry,
			Health:        app.Health,
			Sync:          app.Sync,
			Metrics:       app.Metrics,
			MetricsPath:   cfg.Metrics.Path,
			DefaultRefSys: cfg.Search.DefaultRefSys,
			SearchTimeout: cfg.Search.Timeout,
		},
		logger,
	)

	if cfg.TLS.Enabled {
		tlsServer, err := tlsAdapter.NewServer(
			tlsAdapter.Config{
				Enabled:  cfg.TLS.Enabled,
				Domains:  cfg.TLS.Domains,
				Email:    cfg.TLS.Email,
				CacheDir: cfg.TLS.CacheDir,
				Staging:  cfg.TLS.Staging,
				DNS: tlsAdapter.DNSConfig{
					SubscriptionID:    cfg.TLS.DNS.SubscriptionID,
					ResourceGroupName: cfg.TLS.DNS.ResourceGroupName,
					ClientID:          cfg.TLS.DNS.ClientID,
				},
			},
			cfg.Server.Address(),
			app.HTTPServer.Handler(),
			logger,
		)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("initializing TLS: %w", err)
		}
		app.TLSServer = tlsServer
	}

	// Hot reload only makes sense when the datasets live on local disk.
	if cfg.Datasets.Watch && cfg.Datasets.Storage.Type == string(output.StorageTypeLocal) {
		w, err := watcher.New(
			watcher.Config{
				Paths:    []string{cfg.Datasets.LocalPath},
				Debounce: cfg.Datasets.WatchDebounce,
			},
			watcher.DatasetHandler(app.Registry, application.DatasetID),
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize file watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start loads the datasets, starts the background services and serves
// HTTP until the server is shut down.
func (a *App) Start(ctx context.Context) error {
	if a.TLSServer != nil {
		if err := a.TLSServer.ManageCertificates(ctx); err != nil {
			return err
		}
	}

	if err := a.Registry.LoadAll(ctx); err != nil {
		a.Logger.Warn("failed to load datasets", "error", err)
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	if a.Config.Datasets.SyncInterval > 0 {
		a.Sync.Start(ctx)
	}

	if a.TLSServer != nil {
		return a.TLSServer.ListenAndServe()
	}
	return a.HTTPServer.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	if a.Config.Datasets.SyncInterval > 0 {
		a.Sync.Stop()
	}

	var err error
	if a.TLSServer != nil {
		err = a.TLSServer.Shutdown(ctx)
	} else {
		err = a.HTTPServer.Shutdown(ctx)
	}
	if err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}

	return errors.Join(err, a.Close())
}

// Close releases the store and the GeoPackage reader. It is enough for
// one-shot commands that never started the server.
func (a *App) Close() error {
	var errs []error
	if a.GeoPackages != nil {
		errs = append(errs, a.GeoPackages.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// OpenStore opens the configured geometry store.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (output.Store, error) {
	table := sqlstore.Table{
		Name:     cfg.Table.Name,
		ID:       cfg.Table.ID,
		Layer:    cfg.Table.Layer,
		RefSys:   cfg.Table.RefSys,
		Dataset:  cfg.Table.Dataset,
		Geometry: cfg.Table.Geometry,
		SRID:     cfg.Table.SRID,
	}

	switch cfg.Type {
	case config.StoreMemory:
		return memstore.New(logger), nil

	case config.StoreBadger:
		return badgerstore.Open(ctx, cfg.Path, logger)

	case config.StoreSQLite:
		return sqlitestore.Open(ctx, cfg.Path, table, logger)

	case config.StoreSpatiaLite:
		return spatialite.Open(ctx, cfg.Path, table, logger)

	case config.StorePostGIS:
		return postgis.Open(ctx, cfg.DSN, table, postgis.Options{
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
			CreateSchema: cfg.CreateSchema,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

// OpenStorage creates the object storage datasets are fetched from.
func OpenStorage(ctx context.Context, cfg config.DatasetsConfig) (output.ObjectStorage, error) {
	s := cfg.Storage
	switch output.StorageType(s.Type) {
	case output.StorageTypeLocal:
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case output.StorageTypeS3:
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          s.S3.Bucket,
			Region:          s.S3.Region,
			Prefix:          s.S3.Prefix,
			Endpoint:        s.S3.Endpoint,
			AccessKeyID:     s.S3.AccessKeyID,
			SecretAccessKey: s.S3.SecretAccessKey,
		})

	case output.StorageTypeAzure:
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        s.Azure.Container,
			AccountName:      s.Azure.AccountName,
			AccountKey:       s.Azure.AccountKey,
			ConnectionString: s.Azure.ConnectionString,
			Prefix:           s.Azure.Prefix,
		})

	case output.StorageTypeHTTP:
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   s.HTTP.BaseURL,
			IndexFile: s.HTTP.IndexFile,
			Timeout:   s.HTTP.Timeout,
			Username:  s.HTTP.Username,
			Password:  s.HTTP.Password,
		}), nil

	case output.StorageTypeMinIO:
		return storage.NewMinIOStorage(storage.MinIOConfig{
			Endpoint:        s.MinIO.Endpoint,
			Bucket:          s.MinIO.Bucket,
			Prefix:          s.MinIO.Prefix,
			AccessKeyID:     s.MinIO.AccessKeyID,
			SecretAccessKey: s.MinIO.SecretAccessKey,
			UseSSL:          s.MinIO.UseSSL,
		})

	default:
		return nil, fmt.Errorf("unknown storage type: %s", s.Type)
	}
}
