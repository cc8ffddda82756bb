// Package config holds all configuration types and loading logic for admitq.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an admitq server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Store     StoreConfig     `yaml:"store"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Admission AdmissionConfig `yaml:"admission"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// NodeConfig holds identity and network settings for this server process.
type NodeConfig struct {
	// WorkerID is a ULID string. Use "auto" to generate and persist one on
	// first start.
	WorkerID string `yaml:"worker_id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
}

// Store backends.
const (
	StoreBolt     = "bolt"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// StoreConfig selects where records, locks and counters live.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Path is the bolt or sqlite file. Relative paths resolve under
	// node.data_dir.
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Capacity backends.
const (
	CapacityStoreBackend = "store"
	CapacityRedis        = "redis"
)

// CapacityConfig selects where capacity counters live.
type CapacityConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// QueueConfig tunes the in-process participation queue.
type QueueConfig struct {
	VisibilityTimeoutMs int `yaml:"visibility_timeout_ms"`
	// MaxReceives is how many deliveries a message gets before it is
	// dead-lettered.
	MaxReceives      int  `yaml:"max_receives"`
	MaxMessageSizeKB int  `yaml:"max_message_size_kb"`
	MaxMessages      int  `yaml:"max_messages"`
	MaxBatchSize     int  `yaml:"max_batch_size"`
	Journal          bool `yaml:"journal"`
}

// WorkerConfig tunes the dispatch loop.
type WorkerConfig struct {
	Concurrency         int `yaml:"concurrency"`
	BatchSize           int `yaml:"batch_size"`
	PollWaitMs          int `yaml:"poll_wait_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	// StrandedAfterMs defaults to the queue visibility timeout when 0.
	StrandedAfterMs int `yaml:"stranded_after_ms"`
	// FinishTimeoutMs bounds the steps after a claim. They outlive shutdown.
	FinishTimeoutMs int `yaml:"finish_timeout_ms"`
}

// AdmissionConfig controls the participation endpoint.
type AdmissionConfig struct {
	// EventKind is "auto" (FIRST_COME when the event has a capacity counter),
	// "FIRST_COME" or "GENERAL".
	EventKind string `yaml:"event_kind"`
	// RatePerRequester is admissions per second per requester. 0 disables
	// the limit.
	RatePerRequester float64 `yaml:"rate_per_requester"`
	Burst            int     `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint. Port 0 serves
// /metrics on the main listener only.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig controls the OpenTelemetry SDK provider.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			WorkerID: "auto",
			Host:     "0.0.0.0",
			Port:     8080,
			DataDir:  "./data",
		},
		Store: StoreConfig{
			Backend: StoreBolt,
			Path:    "admitq.db",
		},
		Capacity: CapacityConfig{
			Backend:     CapacityStoreBackend,
			RedisPrefix: "admitq:capacity",
		},
		Queue: QueueConfig{
			VisibilityTimeoutMs: 30_000,
			MaxReceives:         5,
			MaxMessageSizeKB:    256,
			MaxMessages:         100_000,
			MaxBatchSize:        10,
			Journal:             true,
		},
		Worker: WorkerConfig{
			Concurrency:         4,
			BatchSize:           10,
			PollWaitMs:          20_000,
			HeartbeatIntervalMs: 30_000,
			FinishTimeoutMs:     10_000,
		},
		Admission: AdmissionConfig{
			EventKind:        "auto",
			RatePerRequester: 5,
			Burst:            10,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run admitq with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	ADMITQ_AUTH_API_KEY   sets auth.api_key and enables auth
//	ADMITQ_DATA_DIR       sets node.data_dir
//	ADMITQ_PORT           sets node.port
//	ADMITQ_STORE_BACKEND  sets store.backend
//	ADMITQ_POSTGRES_DSN   sets store.postgres_dsn
//	ADMITQ_REDIS_ADDR     sets capacity.redis_addr and selects the redis backend
//	ADMITQ_WORKER_ID      sets node.worker_id
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ADMITQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("ADMITQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("ADMITQ_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("ADMITQ_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("ADMITQ_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("ADMITQ_REDIS_ADDR"); v != "" {
		cfg.Capacity.RedisAddr = v
		cfg.Capacity.Backend = CapacityRedis
	}
	if v := os.Getenv("ADMITQ_WORKER_ID"); v != "" {
		cfg.Node.WorkerID = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Store.Backend {
	case StoreBolt, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must not be empty for %s", c.Store.Backend)
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn must be set for postgres")
		}
	default:
		return errors.New(`store.backend must be one of "bolt", "sqlite", "postgres"`)
	}
	switch c.Capacity.Backend {
	case CapacityStoreBackend:
	case CapacityRedis:
		if c.Capacity.RedisAddr == "" {
			return errors.New("capacity.redis_addr must be set for redis")
		}
	default:
		return errors.New(`capacity.backend must be one of "store", "redis"`)
	}
	if c.Queue.VisibilityTimeoutMs < 1 {
		return errors.New("queue.visibility_timeout_ms must be at least 1")
	}
	if c.Queue.MaxReceives < 1 {
		return errors.New("queue.max_receives must be at least 1")
	}
	if c.Queue.MaxBatchSize < 1 {
		return errors.New("queue.max_batch_size must be at least 1")
	}
	if c.Queue.MaxMessages < 1 {
		return errors.New("queue.max_messages must be at least 1")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be at least 1")
	}
	if c.Worker.BatchSize < 1 {
		return errors.New("worker.batch_size must be at least 1")
	}
	if c.Worker.BatchSize > c.Queue.MaxBatchSize {
		return errors.New("worker.batch_size must not exceed queue.max_batch_size")
	}
	if c.Worker.PollWaitMs < 0 || c.Worker.HeartbeatIntervalMs < 0 || c.Worker.StrandedAfterMs < 0 || c.Worker.FinishTimeoutMs < 0 {
		return errors.New("worker durations must be >= 0")
	}
	switch c.Admission.EventKind {
	case "auto", "FIRST_COME", "GENERAL":
	default:
		return errors.New(`admission.event_kind must be one of "auto", "FIRST_COME", "GENERAL"`)
	}
	if c.Admission.RatePerRequester < 0 {
		return errors.New("admission.rate_per_requester must be >= 0")
	}
	if c.Admission.RatePerRequester > 0 && c.Admission.Burst < 1 {
		return errors.New("admission.burst must be at least 1 when rate limiting is on")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 0 and 65535")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// StorePath resolves store.path against node.data_dir.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.Node.DataDir, c.Store.Path)
}

// JournalPath is the queue journal file, or "" when journaling is off.
func (c *Config) JournalPath() string {
	if !c.Queue.Journal {
		return ""
	}
	return filepath.Join(c.Node.DataDir, "queue.journal")
}

// VisibilityTimeout returns queue.visibility_timeout_ms as a Duration.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutMs) * time.Millisecond
}

// StrandedAfter falls back to visibility when stranded_after_ms is unset.
func (w WorkerConfig) StrandedAfter(visibility time.Duration) time.Duration {
	if w.StrandedAfterMs == 0 {
		return visibility
	}
	return time.Duration(w.StrandedAfterMs) * time.Millisecond
}

// PollWait returns worker.poll_wait_ms as a Duration.
func (w WorkerConfig) PollWait() time.Duration {
	return time.Duration(w.PollWaitMs) * time.Millisecond
}

// FinishTimeout returns worker.finish_timeout_ms as a Duration.
func (w WorkerConfig) FinishTimeout() time.Duration {
	return time.Duration(w.FinishTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns worker.heartbeat_interval_ms as a Duration.
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMs) * time.Millisecond
}
