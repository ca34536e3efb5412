// Package server wires the ingestion pipeline, read API and background jobs
// into a runnable service.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/aggregate"
	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/decoder"
	"github.com/nicktill/availo/pkg/export"
	"github.com/nicktill/availo/pkg/history"
	"github.com/nicktill/availo/pkg/ingest"
	"github.com/nicktill/availo/pkg/lock"
	"github.com/nicktill/availo/pkg/query"
	"github.com/nicktill/availo/pkg/reconcile"
	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/server/monitor"
	"github.com/nicktill/availo/pkg/status"
	"github.com/nicktill/availo/pkg/storage"
	"github.com/nicktill/availo/pkg/storage/badger"
	"github.com/nicktill/availo/pkg/storage/memory"
	"github.com/nicktill/availo/pkg/storage/postgres"
)

// Monitor names reported by the health endpoint.
const (
	AggregationJob = "aggregation"
	ReconcileJob   = "reconcile"
)

// App is the wired service.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    storage.Storage
	Registry *registry.Registry
	Redis    *redis.Client

	Processor  *ingest.Processor
	Hub        *ingest.StatusHub
	Publisher  *ingest.StreamPublisher
	Subscriber *ingest.Subscriber
	Rebuilder  *reconcile.Rebuilder

	AggregationMonitor *monitor.JobMonitor
	ReconcileMonitor   *monitor.JobMonitor
	Disk               *monitor.DiskMonitor
	Metrics            *prometheus.Registry

	Ingest    *ingest.Handler
	Query     *query.Handler
	Export    *export.Handler
	Reconcile *reconcile.Handler

	Router *mux.Router
}

// InitializeStorage opens the backend selected by cfg.Storage.
func InitializeStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		return memory.New(), nil

	case config.StoragePostgres:
		store, err := postgres.Open(ctx, postgres.Config{DSN: cfg.PostgresDSN}, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres storage initialized")
		return store, nil

	case config.StorageBadger:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err := badger.New(badger.Config{
			Path:        cfg.DataDir,
			MaxMemoryMB: cfg.MaxMemoryMB,
			Logger:      logger.Named("badger"),
		})
		if err != nil {
			return nil, err
		}
		logger.Info("badger storage initialized",
			zap.String("data_dir", cfg.DataDir),
			zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
}

// InitializeRedis connects to Redis when configured. It returns nil, nil
// when cfg.RedisAddr is empty.
func InitializeRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// New opens storage and Redis and builds the App.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	store, err := InitializeStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	rdb, err := InitializeRedis(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize redis: %w", err)
	}
	app, err := Build(cfg, logger, store, rdb)
	if err != nil {
		store.Close()
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}
	return app, nil
}

// Build wires the pipeline around an open store. rdb may be nil, in which
// case locking is in-process and no stream is published.
func Build(cfg config.Config, logger *zap.Logger, store storage.Storage, rdb *redis.Client) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg, err := registry.LoadFile(cfg.DevicesFile)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location()

	app := &App{
		Config:             cfg,
		Logger:             logger,
		Store:              store,
		Registry:           reg,
		Redis:              rdb,
		AggregationMonitor: monitor.NewJobMonitor(AggregationJob, 0),
		// Three missed passes in a row mark the reconciler stale.
		ReconcileMonitor: monitor.NewJobMonitor(ReconcileJob, 3*cfg.ReconcileInterval),
		Metrics:          prometheus.NewRegistry(),
	}
	app.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		query.NewCollector(store, reg, logger.Named("metrics")),
	)

	var locker lock.Locker = lock.NewKeyed(lock.DefaultStripes)
	if rdb != nil {
		locker = lock.NewRedis(rdb, logger)
	}

	app.Hub = ingest.NewStatusHub(logger, cfg.AllowedOrigins)
	notifiers := ingest.Notifiers{app.Hub}
	if rdb != nil {
		app.Publisher = ingest.NewStreamPublisher(rdb, cfg.RedisStream, ingest.DefaultStreamMaxLen, logger)
		notifiers = append(notifiers, app.Publisher)
	}

	engine := aggregate.NewEngine(store, locker, logger)
	app.Processor = ingest.NewProcessor(
		reg,
		decoder.New(reg, nil),
		status.NewStore(store, store, notifiers, logger),
		history.NewRecorder(store, loc, logger),
		engine,
		ingest.WithLogger(logger),
		ingest.WithAggregationMonitor(app.AggregationMonitor),
		ingest.WithAggregationBudget(cfg.AggregationBudget),
		ingest.WithMetrics(ingest.NewMetrics(app.Metrics)),
	)

	if cfg.MQTTBroker != "" {
		app.Subscriber = ingest.NewSubscriber(ingest.SubscriberConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topics:   cfg.MQTTTopics,
			Timeout:  cfg.WebhookTimeout,
		}, app.Processor, logger.Named("mqtt"))
	}

	app.Rebuilder = reconcile.New(store, engine, reg, loc,
		reconcile.WithLag(cfg.ReconcileLag),
		reconcile.WithMonitor(app.ReconcileMonitor),
		reconcile.WithLogger(logger.Named("reconcile")))

	if cfg.Storage == config.StorageBadger {
		app.Disk = monitor.NewDiskMonitor(cfg.DataDir, cfg.MaxStorageGB<<30)
	}

	app.Ingest = ingest.NewHandler(app.Processor, logger, cfg.WebhookTimeout)
	app.Query = query.NewHandler(store, reg, loc, logger)
	app.Export = export.NewHandler(store, app.Rebuilder, logger)
	app.Reconcile = reconcile.NewHandler(app.Rebuilder, logger)

	app.Router = mux.NewRouter()
	SetupRoutes(app.Router, app)

	logger.Info("pipeline ready",
		zap.String("storage", cfg.Storage),
		zap.Strings("devices", reg.IDs()),
		zap.String("timezone", loc.String()),
		zap.Bool("redis", rdb != nil),
		zap.Bool("mqtt", app.Subscriber != nil))
	return app, nil
}

// Close releases the store and the Redis client.
func (a *App) Close() error {
	var errs []error
	if a.Subscriber != nil {
		a.Subscriber.Stop()
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
