package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arctic-lake/config"
	"arctic-lake/iceberg"
	"arctic-lake/maintenance"
	"arctic-lake/storage"
)

var (
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "arctic-lake",
	Short: "Iceberg table catalog with Postgres ingest, a SQL proxy and table maintenance",
	Long: `arctic-lake keeps Iceberg tables in object storage. It ingests Postgres
logical replication into append snapshots, serves the tables and their
metadata tables over the Postgres wire protocol, and runs maintenance
procedures (optimize, optimize-manifests, expire-snapshots,
remove-orphan-files, drop-extended-stats). Dropped tables can be kept
restorable for a while with catalog.soft_delete.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	config  *config.Config
	logger  *zap.Logger
	catalog *iceberg.Catalog
	engine  *maintenance.Engine
	closers []func()
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// setup loads the config and builds storage, registry, catalog and
// maintenance engine. Callers must call close.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", configFile, err)
	}

	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &app{config: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	st, err := newStorage(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	registry, err := a.newRegistry(ctx, st)
	if err != nil {
		a.close()
		return nil, err
	}

	// These already passed Validate.
	softDelete, _ := cfg.SoftDelete()
	a.catalog = iceberg.NewCatalog(st, registry,
		iceberg.WithWarehouse(cfg.Iceberg.Warehouse),
		iceberg.WithLogger(logger),
		iceberg.WithCommitRetries(cfg.Maintenance.CommitRetries),
		iceberg.WithSoftDelete(softDelete),
	)

	minRetention, _ := cfg.MinRetention()
	threshold, _ := cfg.FileSizeThreshold()
	a.engine = maintenance.NewEngine(a.catalog,
		maintenance.WithMinRetention(minRetention),
		maintenance.WithFileSizeThreshold(threshold),
		maintenance.WithLogger(logger),
	)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Iceberg.Storage {
	case config.StorageS3:
		s3cfg := cfg.Iceberg.S3
		st, err := storage.NewS3StorageFromOptions(ctx, storage.S3Options{
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			AccessKey:    s3cfg.AccessKeyID,
			SecretKey:    s3cfg.SecretAccessKey,
			UsePathStyle: s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 storage: %w", err)
		}
		return st, nil
	case config.StorageMemory:
		return storage.NewMemoryStorage(), nil
	default:
		st, err := storage.NewLocalStorage(cfg.Iceberg.Path)
		if err != nil {
			return nil, fmt.Errorf("creating local storage: %w", err)
		}
		return st, nil
	}
}

func (a *app) newRegistry(ctx context.Context, st storage.Storage) (iceberg.Registry, error) {
	if a.config.Catalog.Registry != config.RegistryPostgres {
		return iceberg.NewBlobRegistry(st, a.config.Iceberg.Warehouse), nil
	}
	registry, err := iceberg.NewPostgresRegistry(ctx, a.config.Catalog.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, registry.Close)
	return registry, nil
}
