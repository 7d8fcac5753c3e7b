// Package config loads the service configuration from JSON files and
// DISCOVERY_* environment variables via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CIRWEL/discovery-graph/internal/lifecycle"
	"github.com/CIRWEL/discovery-graph/internal/ratelimit"
)

// Config holds all configuration for the discovery graph service.
type Config struct {
	General   GeneralConfig    `mapstructure:"general"`
	Server    ServerConfig     `mapstructure:"server"`
	Storage   StorageConfig    `mapstructure:"storage"`
	RateLimit ratelimit.Config `mapstructure:"ratelimit"`
	Search    SearchConfig     `mapstructure:"search"`
	Lifecycle LifecycleConfig  `mapstructure:"lifecycle"`
	Embedding EmbeddingConfig  `mapstructure:"embedding"`
	Worker    WorkerConfig     `mapstructure:"worker"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains the ops HTTP listener settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// Backend names a storage implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendWeaviate Backend = "weaviate"
)

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend  Backend        `mapstructure:"backend"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Weaviate WeaviateConfig `mapstructure:"weaviate"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

func (s StorageConfig) Validate() error {
	switch s.Backend {
	case BackendMemory:
		return nil
	case BackendPostgres:
		return s.Postgres.Validate()
	case BackendWeaviate:
		return s.Weaviate.Validate()
	default:
		return fmt.Errorf("storage.backend must be memory, postgres or weaviate, got %q", s.Backend)
	}
}

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	// Path is the sqlite snapshot file; empty disables persistence.
	Path string `mapstructure:"path"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// MigrationsPath is a golang-migrate source URL.
	MigrationsPath string `mapstructure:"migrations_path"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles the connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// WeaviateConfig contains the graph backend connection settings.
type WeaviateConfig struct {
	Host   string `mapstructure:"host"`
	Scheme string `mapstructure:"scheme"`
}

func (w WeaviateConfig) Validate() error {
	if strings.TrimSpace(w.Host) == "" {
		return fmt.Errorf("storage.weaviate.host required")
	}
	return nil
}

// RedisConfig contains optional Redis settings for distributed rate
// limiting. Empty host means Redis is not used.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// SearchConfig tunes the default ranking parameters.
type SearchConfig struct {
	MinSimilarity      float64 `mapstructure:"min_similarity"`
	ConnectivityWeight float64 `mapstructure:"connectivity_weight"`
	HalfLifeDays       float64 `mapstructure:"half_life_days"`
}

// LifecycleConfig sets the retention windows and the cleanup schedule.
type LifecycleConfig struct {
	// Schedule is a cron expression; empty disables scheduled cleanup.
	Schedule         string        `mapstructure:"schedule"`
	OpenEphemeralAge time.Duration `mapstructure:"open_ephemeral_age"`
	ResolvedAge      time.Duration `mapstructure:"resolved_age"`
	ColdAge          time.Duration `mapstructure:"cold_age"`
}

func (l LifecycleConfig) ManagerConfig() lifecycle.Config {
	return lifecycle.Config{
		OpenEphemeralAge: l.OpenEphemeralAge,
		ResolvedAge:      l.ResolvedAge,
		ColdAge:          l.ColdAge,
	}
}

// EmbeddingConfig configures the embedding provider. An empty API key
// disables semantic search; the engine degrades to full-text.
type EmbeddingConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// WorkerConfig sizes the background worker pool.
type WorkerConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// Load reads the configuration. With an empty path it searches the usual
// locations and falls back to defaults plus environment variables when no
// file exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10020")
	v.SetDefault("storage.backend", string(BackendMemory))
	v.SetDefault("storage.weaviate.scheme", "http")
	v.SetDefault("ratelimit.limit", ratelimit.DefaultLimit)
	v.SetDefault("ratelimit.window", ratelimit.DefaultWindow)
	v.SetDefault("search.min_similarity", 0.25)
	v.SetDefault("search.connectivity_weight", 0.3)
	v.SetDefault("search.half_life_days", 90)
	v.SetDefault("lifecycle.schedule", "0 3 * * *")
	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.queue_size", 128)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DISCOVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
