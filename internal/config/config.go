// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/media-task-service/internal/pathmap"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Archive and notify backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Store     StoreConfig     `mapstructure:"store"`
	Download  DownloadConfig  `mapstructure:"download"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior. An empty APIKey disables auth.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing. An empty ProjectID keeps spans local.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

// DownloadConfig governs extraction defaults.
type DownloadConfig struct {
	DefaultPath     string         `mapstructure:"default_path"`
	DefaultFormat   string         `mapstructure:"default_format"`
	Binary          string         `mapstructure:"binary"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	PerHostRPS      float64        `mapstructure:"per_host_rps"`
	PerHostBurst    int            `mapstructure:"per_host_burst"`
	RecoverPending  bool           `mapstructure:"recover_pending"`
	PlaylistTimeout time.Duration  `mapstructure:"playlist_timeout"`
	PathRules       []pathmap.Rule `mapstructure:"path_rules"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Size int `mapstructure:"size"`
}

// QueueConfig sets the submission buffer and its backpressure policy.
type QueueConfig struct {
	Depth          int           `mapstructure:"depth"`
	RejectWhenFull bool          `mapstructure:"reject_when_full"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// ArchiveConfig chooses where completed downloads are copied.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// NotifyConfig holds metadata for completion notifications.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize int           `mapstructure:"buffer_size"`
	MaxBatch   int           `mapstructure:"max_batch"`
	MaxWait    time.Duration `mapstructure:"max_wait"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDIATASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "media-task-service")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "tasks.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "tasks")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("download.default_path", "./downloads")
	v.SetDefault("download.default_format", "bestvideo+bestaudio/best")
	v.SetDefault("download.binary", "")
	v.SetDefault("download.timeout", time.Duration(0))
	v.SetDefault("download.per_host_rps", 0.0)
	v.SetDefault("download.per_host_burst", 1)
	v.SetDefault("download.recover_pending", true)
	v.SetDefault("download.playlist_timeout", 60*time.Second)
	v.SetDefault("pool.size", 5)
	v.SetDefault("queue.depth", 100)
	v.SetDefault("queue.reject_when_full", false)
	v.SetDefault("queue.enqueue_timeout", 5*time.Second)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.prefix", "media")
	v.SetDefault("notify.backend", BackendNone)
	v.SetDefault("notify.topic", "media-tasks")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch", 100)
	v.SetDefault("events.max_wait", 500*time.Millisecond)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Queue.EnqueueTimeout < 0 {
		return fmt.Errorf("queue.enqueue_timeout must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if c.Download.Timeout < 0 {
		return fmt.Errorf("download.timeout must not be negative")
	}
	if strings.TrimSpace(c.Download.DefaultPath) == "" {
		return fmt.Errorf("download.default_path must be set")
	}
	for i, rule := range c.Download.PathRules {
		if strings.TrimSpace(rule.Keyword) == "" || strings.TrimSpace(rule.Subdir) == "" {
			return fmt.Errorf("download.path_rules[%d] needs both keyword and subdir", i)
		}
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver)
	}
	switch c.Archive.Backend {
	case "", BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	switch c.Notify.Backend {
	case "", BackendNone:
	case BackendMemory:
		if c.Notify.Topic == "" {
			return fmt.Errorf("notify.topic must be set when notifications are enabled")
		}
	case BackendPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.backend %q is not one of none, memory, pubsub", c.Notify.Backend)
	}
	return nil
}
