// Package config assembles the process configuration from environment
// variables (optionally seeded by a .env file) with a YAML/JSON file overlay,
// mirroring the layered loading used across the rest of this codebase.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig identifies the running process for logs, metrics, and the
// health payload.
type AppConfig struct {
	Name        string `json:"name" env:"APP_NAME"`
	Version     string `json:"version" env:"APP_VERSION"`
	Environment string `json:"environment" env:"APP_ENVIRONMENT"`
	Debug       bool   `json:"debug" env:"APP_DEBUG"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host        string   `json:"host" env:"SERVER_HOST"`
	Port        int      `json:"port" env:"SERVER_PORT"`
	CORSOrigins []string `json:"cors_origins" env:"CORS_ORIGINS"`
}

// DatabaseConfig controls the Postgres catalog/job store.
type DatabaseConfig struct {
	URL             string `json:"url" env:"DATABASE_URL"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// RedisConfig controls the shared Redis instance backing the result cache and
// the job broker.
type RedisConfig struct {
	URL            string `json:"url" env:"REDIS_URL"`
	MaxConnections int    `json:"max_connections" env:"REDIS_MAX_CONNECTIONS"`
	SocketTimeout  int    `json:"socket_timeout" env:"REDIS_SOCKET_TIMEOUT"`
	Enabled        bool   `json:"enabled" env:"REDIS_ENABLED"`
}

// CacheConfig controls the result cache's TTLs and key namespace.
type CacheConfig struct {
	TTL               int    `json:"ttl" env:"CACHE_TTL"`
	KeyPrefix         string `json:"key_prefix" env:"CACHE_KEY_PREFIX"`
	ModelTTL          int    `json:"model_ttl" env:"CACHE_MODEL_TTL"`
	PredictionTTL     int    `json:"prediction_ttl" env:"CACHE_PREDICTION_TTL"`
	PredictionEnabled bool   `json:"prediction_enabled" env:"CACHE_PREDICTION_ENABLED"`
}

// StorageConfig controls the content-addressed artifact store.
type StorageConfig struct {
	Path          string `json:"path" env:"MODEL_STORAGE_PATH"`
	MaxModelSizeMB int   `json:"max_model_size_mb" env:"MAX_MODEL_SIZE_MB"`
}

// JobRuntimeConfig controls the async job broker/worker pool, named after the
// Celery-shaped environment variables the external interface prescribes.
type JobRuntimeConfig struct {
	BrokerURL         string `json:"broker_url" env:"CELERY_BROKER_URL"`
	ResultBackend     string `json:"result_backend" env:"CELERY_RESULT_BACKEND"`
	TaskSoftTimeLimit int    `json:"task_soft_time_limit" env:"CELERY_TASK_SOFT_TIME_LIMIT"`
	TaskTimeLimit     int    `json:"task_time_limit" env:"CELERY_TASK_TIME_LIMIT"`
	ResultExpires     int    `json:"result_expires" env:"CELERY_RESULT_EXPIRES"`
	WorkerConcurrency int    `json:"worker_concurrency" env:"CELERY_WORKER_CONCURRENCY"`
	RetentionDays     int    `json:"retention_days" env:"JOB_RETENTION_DAYS"`
	MaxRetries        int    `json:"max_retries" env:"JOB_MAX_RETRIES"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Config is the top-level configuration structure.
type Config struct {
	App      AppConfig        `json:"app"`
	Server   ServerConfig     `json:"server"`
	Database DatabaseConfig   `json:"database"`
	Redis    RedisConfig      `json:"redis"`
	Cache    CacheConfig      `json:"cache"`
	Storage  StorageConfig    `json:"storage"`
	Jobs     JobRuntimeConfig `json:"jobs"`
	Logging  LoggingConfig    `json:"logging"`
}

// New returns a configuration populated with defaults matching spec.md's
// documented default values (60s prediction TTL, 30-day job retention, etc).
func New() *Config {
	return &Config{
		App: AppConfig{
			Name:        "modelserve-control-plane",
			Version:     "0.1.0",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Redis: RedisConfig{
			URL:            "redis://localhost:6379/0",
			MaxConnections: 10,
			SocketTimeout:  5,
			Enabled:        true,
		},
		Cache: CacheConfig{
			TTL:               60,
			KeyPrefix:         "modelserve",
			ModelTTL:          300,
			PredictionTTL:     60,
			PredictionEnabled: true,
		},
		Storage: StorageConfig{
			Path:           "./data/models",
			MaxModelSizeMB: 512,
		},
		Jobs: JobRuntimeConfig{
			BrokerURL:         "redis://localhost:6379/1",
			ResultBackend:     "redis://localhost:6379/1",
			TaskSoftTimeLimit: 240,
			TaskTimeLimit:     300,
			ResultExpires:     86400,
			WorkerConcurrency: 4,
			RetentionDays:     30,
			MaxRetries:        3,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "controlplane",
		},
	}
}

// Load loads configuration from an optional `.env` file, an optional
// CONFIG_FILE (YAML or JSON), and then environment variable overrides, in
// that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when none of the tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML or JSON file, inferred by
// extension, with JSON as the fallback.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 60
	}
	if c.Cache.PredictionTTL <= 0 {
		c.Cache.PredictionTTL = c.Cache.TTL
	}
	if c.Jobs.MaxRetries < 0 {
		c.Jobs.MaxRetries = 0
	}
	if c.Jobs.WorkerConcurrency <= 0 {
		c.Jobs.WorkerConcurrency = 1
	}
	if c.Storage.MaxModelSizeMB <= 0 {
		c.Storage.MaxModelSizeMB = 512
	}
}

// Addr returns the host:port the HTTP server should bind.
func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}
