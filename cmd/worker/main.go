// Command worker runs the job engine's execution path: a fixed-size pool of
// goroutines leasing tasks off the shared broker queue and running them
// through the ONNX engine, independently deployable from the apiserver
// process that enqueues them (spec.md's API-process/worker-process split).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/modelforge/controlplane/internal/app/metrics"
	"github.com/modelforge/controlplane/internal/app/services/artifact"
	"github.com/modelforge/controlplane/internal/app/services/catalog"
	"github.com/modelforge/controlplane/internal/app/services/engine"
	"github.com/modelforge/controlplane/internal/app/services/jobengine"
	"github.com/modelforge/controlplane/internal/app/services/resultcache"
	"github.com/modelforge/controlplane/internal/app/storage"
	"github.com/modelforge/controlplane/internal/app/storage/postgres"
	"github.com/modelforge/controlplane/internal/app/system"
	"github.com/modelforge/controlplane/internal/app/worker"
	"github.com/modelforge/controlplane/internal/platform/broker"
	"github.com/modelforge/controlplane/internal/platform/database"
	"github.com/modelforge/controlplane/pkg/config"
	"github.com/modelforge/controlplane/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML or JSON config file overlay")
	flag.Parse()

	if *configFile != "" {
		os.Setenv("CONFIG_FILE", *configFile)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	if !cfg.Redis.Enabled {
		log.Error("worker process requires Redis (REDIS_ENABLED, REDIS_URL); refusing to start with an idle broker")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithField("error", err.Error()).Error("open store")
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.WithField("error", err.Error()).Error("parse REDIS_URL")
		os.Exit(1)
	}
	redisClient := redis.NewClient(opts)

	artifactStore, err := artifact.New(cfg.Storage.Path, log, metrics.CatalogHooks())
	if err != nil {
		log.WithField("error", err.Error()).Error("open artifact store")
		os.Exit(1)
	}
	engineAdapter := engine.New(log)
	cache := resultcache.New(redisClient, resultcache.Config{
		KeyPrefix: cfg.Cache.KeyPrefix,
		TTL:       time.Duration(cfg.Cache.PredictionTTL) * time.Second,
		Enabled:   cfg.Cache.PredictionEnabled,
	}, log)
	jobBroker := broker.New(redisClient, broker.Config{
		KeyPrefix: cfg.Cache.KeyPrefix,
		Enabled:   true,
	}, log)

	maxModelSizeBytes := int64(cfg.Storage.MaxModelSizeMB) * 1024 * 1024
	catalogSvc := catalog.New(store, artifactStore, engineAdapter, cache, log, maxModelSizeBytes, metrics.CatalogHooks())
	jobEngineSvc := jobengine.New(store, catalogSvc, artifactStore, engineAdapter, jobBroker, log, jobengine.Config{
		MaxRetries:         cfg.Jobs.MaxRetries,
		ResultPollInterval: 500 * time.Millisecond,
		ResultMaxWait:      30 * time.Second,
	}, metrics.JobEngineHooks())

	pool := worker.New(jobBroker, jobEngineSvc, log, cfg.Jobs.WorkerConcurrency)

	manager := system.NewManager()
	if err := manager.Register(pool); err != nil {
		log.WithField("error", err.Error()).Error("register worker pool")
		os.Exit(1)
	}
	if err := manager.Start(ctx); err != nil {
		log.WithField("error", err.Error()).Error("start worker pool")
		os.Exit(1)
	}
	log.WithField("concurrency", cfg.Jobs.WorkerConcurrency).Info("worker started")

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Error("graceful shutdown")
		os.Exit(1)
	}
}

// openStore mirrors the apiserver entrypoint's store selection; the worker
// never applies migrations, it only ever expects a catalog already committed
// by the API process.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set; using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	return postgres.New(db), nil
}
