// Command apiserver runs the HTTP control plane process: the REST surface
// over the model catalog, prediction orchestrator, and job engine, plus the
// periodic reaper. The companion worker process (cmd/worker) drains the same
// broker queue this process enqueues into; the two are deployed separately,
// the way the teacher splits its appserver and background-runner binaries.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/modelforge/controlplane/internal/app/health"
	"github.com/modelforge/controlplane/internal/app/httpapi"
	"github.com/modelforge/controlplane/internal/app/metrics"
	"github.com/modelforge/controlplane/internal/app/reaper"
	"github.com/modelforge/controlplane/internal/app/services/artifact"
	"github.com/modelforge/controlplane/internal/app/services/catalog"
	"github.com/modelforge/controlplane/internal/app/services/engine"
	"github.com/modelforge/controlplane/internal/app/services/jobengine"
	"github.com/modelforge/controlplane/internal/app/services/orchestrator"
	"github.com/modelforge/controlplane/internal/app/services/resultcache"
	"github.com/modelforge/controlplane/internal/app/storage"
	"github.com/modelforge/controlplane/internal/app/storage/postgres"
	"github.com/modelforge/controlplane/internal/app/system"
	"github.com/modelforge/controlplane/internal/platform/broker"
	"github.com/modelforge/controlplane/internal/platform/database"
	"github.com/modelforge/controlplane/internal/platform/migrations"
	"github.com/modelforge/controlplane/pkg/config"
	"github.com/modelforge/controlplane/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML or JSON config file overlay")
	migrate := flag.Bool("migrate", true, "apply pending Postgres migrations on startup")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, dbPinger, err := openStore(ctx, cfg, *migrate, log)
	if err != nil {
		log.WithField("error", err.Error()).Error("open store")
		os.Exit(1)
	}

	redisClient := openRedis(cfg, log)

	artifactStore, err := artifact.New(cfg.Storage.Path, log, metrics.CatalogHooks())
	if err != nil {
		log.WithField("error", err.Error()).Error("open artifact store")
		os.Exit(1)
	}
	engineAdapter := engine.New(log)
	cache := resultcache.New(redisClient, resultcache.Config{
		KeyPrefix: cfg.Cache.KeyPrefix,
		TTL:       time.Duration(cfg.Cache.PredictionTTL) * time.Second,
		Enabled:   cfg.Cache.PredictionEnabled && cfg.Redis.Enabled,
	}, log)
	jobBroker := broker.New(redisClient, broker.Config{
		KeyPrefix: cfg.Cache.KeyPrefix,
		Enabled:   cfg.Redis.Enabled,
	}, log)

	maxModelSizeBytes := int64(cfg.Storage.MaxModelSizeMB) * 1024 * 1024
	catalogSvc := catalog.New(store, artifactStore, engineAdapter, cache, log, maxModelSizeBytes, metrics.CatalogHooks())
	orchestratorSvc := orchestrator.New(catalogSvc, artifactStore, engineAdapter, cache, store, log, metrics.OrchestratorHooks())
	jobEngineSvc := jobengine.New(store, catalogSvc, artifactStore, engineAdapter, jobBroker, log, jobengine.Config{
		MaxRetries:         cfg.Jobs.MaxRetries,
		ResultPollInterval: 500 * time.Millisecond,
		ResultMaxWait:      30 * time.Second,
	}, metrics.JobEngineHooks())

	healthSvc := health.New(dbPinger, artifactStore, cache, jobBroker, 5*time.Second)

	httpSvc, err := httpapi.NewService(httpapi.Config{
		Addr:              cfg.Server.Addr(),
		CORSOrigins:       cfg.Server.CORSOrigins,
		ModelCacheTTLSecs: cfg.Cache.ModelTTL,
		MaxUploadMemory:   maxModelSizeBytes,
		UploadRatePerSec:  20,
		PredictRatePerSec: 50,
		AuditMax:          1000,
		AuditFilePath:     "",
	}, catalogSvc, orchestratorSvc, jobEngineSvc, store, healthSvc, jobBroker, log)
	if err != nil {
		log.WithField("error", err.Error()).Error("build http service")
		os.Exit(1)
	}

	reaperSvc := reaper.New(store, jobEngineSvc, log, reaper.Config{
		RetentionDays: cfg.Jobs.RetentionDays,
	})

	manager := system.NewManager()
	for _, svc := range []system.Service{httpSvc, reaperSvc} {
		if err := manager.Register(svc); err != nil {
			log.WithField("error", err.Error()).Error("register service")
			os.Exit(1)
		}
	}

	if err := manager.Start(ctx); err != nil {
		log.WithField("error", err.Error()).Error("start services")
		os.Exit(1)
	}
	log.WithField("addr", cfg.Server.Addr()).Info("apiserver started")

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Error("graceful shutdown")
		os.Exit(1)
	}
}

// dbPinger adapts *sql.DB's PingContext to the health package's Pinger shape.
type dbPinger struct{ db *sql.DB }

func (p dbPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// openStore wires the Postgres-backed store when DATABASE_URL is configured,
// falling back to the in-memory store for local runs, the same either/or
// the teacher's appserver entrypoint offers. The in-memory store has no
// liveness probe of its own, so its health.Pinger is nil and the database
// component check is simply skipped.
func openStore(ctx context.Context, cfg *config.Config, migrate bool, log *logger.Logger) (storage.Store, health.Pinger, error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set; using in-memory store")
		return storage.NewMemoryStore(), nil, nil
	}

	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	if migrate {
		if err := migrations.Apply(ctx, db); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	return postgres.New(db), dbPinger{db: db}, nil
}

// openRedis constructs the shared Redis client backing both the result
// cache and the job broker, or nil when Redis is disabled so both
// components degrade gracefully (spec.md's documented no-Redis posture).
func openRedis(cfg *config.Config, log *logger.Logger) *redis.Client {
	if !cfg.Redis.Enabled || cfg.Redis.URL == "" {
		log.Warn("Redis disabled; result cache and job broker running degraded")
		return nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.WithField("error", err.Error()).Warn("parse REDIS_URL; running degraded")
		return nil
	}
	if cfg.Redis.MaxConnections > 0 {
		opts.PoolSize = cfg.Redis.MaxConnections
	}
	if cfg.Redis.SocketTimeout > 0 {
		opts.ReadTimeout = time.Duration(cfg.Redis.SocketTimeout) * time.Second
		opts.WriteTimeout = opts.ReadTimeout
	}
	return redis.NewClient(opts)
}
