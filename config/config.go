// Package config loads tutord configuration from a YAML file, a .env file and
// TUTOR_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/creastat/tutoring"
)

// Config is the full runtime configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Queue      QueueConfig      `yaml:"queue"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Completion CompletionConfig `yaml:"completion"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Curriculum CurriculumConfig `yaml:"curriculum"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	EnableCORS     bool     `yaml:"enable_cors"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type QueueConfig struct {
	DrainInterval time.Duration `yaml:"drain_interval"`
	BatchSize     int           `yaml:"batch_size"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
}

type RecoveryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	HistoryLimit int           `yaml:"history_limit"`
}

type LifecycleConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
}

type CompletionConfig struct {
	// Provider is "openai" or "anthropic".
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	MaxRetries  int           `yaml:"max_retries"`
}

type GatewayConfig struct {
	// Driver is "memory", "sqlite" or "supabase".
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

type SnapshotConfig struct {
	// Driver is "memory" or "redis".
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
}

type CurriculumConfig struct {
	QdrantURL      string        `yaml:"qdrant_url"`
	QdrantAPIKey   string        `yaml:"qdrant_api_key"`
	Collection     string        `yaml:"collection"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Limit          int           `yaml:"limit"`
	MinScore       float32       `yaml:"min_score"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Enabled reports whether curriculum retrieval is configured.
func (c CurriculumConfig) Enabled() bool {
	return c.QdrantURL != "" && c.Collection != ""
}

type PipelineConfig struct {
	// PersistPolicy is "deferred" or "strict".
	PersistPolicy string `yaml:"persist_policy"`
	HistoryLimit  int    `yaml:"history_limit"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{Addr: "127.0.0.1:8080", EnableCORS: true, AllowedOrigins: []string{"*"}},
		Cache:  CacheConfig{TTL: 5 * time.Minute},
		Queue: QueueConfig{
			DrainInterval: 2 * time.Second,
			BatchSize:     10,
			OpTimeout:     10 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:  3,
			BaseDelay:    2 * time.Second,
			HistoryLimit: 100,
		},
		Lifecycle: LifecycleConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			SweepBatch:    100,
		},
		Completion: CompletionConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Timeout:     60 * time.Second,
			MaxTokens:   1024,
			Temperature: 0.7,
			MaxRetries:  2,
		},
		Gateway: GatewayConfig{Driver: "memory"},
		Snapshot: SnapshotConfig{
			Driver:   "memory",
			TTL:      24 * time.Hour,
			Capacity: 10,
		},
		Curriculum: CurriculumConfig{
			EmbeddingModel: "text-embedding-3-small",
			Limit:          3,
			MinScore:       0.3,
			Timeout:        3 * time.Second,
		},
		Pipeline: PipelineConfig{
			PersistPolicy: "deferred",
			HistoryLimit:  100,
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, a .env
// file in the working directory and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver names and numeric bounds.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(c.Queue.DrainInterval > 0, "queue.drain_interval must be positive")
	check(c.Queue.BatchSize > 0, "queue.batch_size must be positive")
	check(c.Recovery.MaxAttempts > 0, "recovery.max_attempts must be positive")
	check(c.Recovery.BaseDelay >= 0, "recovery.base_delay must not be negative")
	check(c.Lifecycle.IdleTimeout > 0, "lifecycle.idle_timeout must be positive")
	check(c.Lifecycle.SweepInterval > 0, "lifecycle.sweep_interval must be positive")
	check(c.Completion.Timeout > 0, "completion.timeout must be positive")
	check(c.Completion.Provider == "openai" || c.Completion.Provider == "anthropic",
		"completion.provider must be openai or anthropic")
	check(c.Snapshot.Capacity > 0, "snapshot.capacity must be positive")
	check(c.Pipeline.PersistPolicy == "deferred" || c.Pipeline.PersistPolicy == "strict",
		"pipeline.persist_policy must be deferred or strict")

	switch c.Gateway.Driver {
	case "memory":
	case "sqlite":
		check(c.Gateway.SQLitePath != "", "gateway.sqlite_path is required for sqlite")
	case "supabase":
		check(c.Gateway.SupabaseURL != "" && c.Gateway.SupabaseKey != "",
			"gateway.supabase_url and gateway.supabase_key are required for supabase")
	default:
		problems = append(problems, fmt.Sprintf("unknown gateway.driver %q", c.Gateway.Driver))
	}

	switch c.Snapshot.Driver {
	case "memory":
	case "redis":
		check(c.Snapshot.RedisAddr != "", "snapshot.redis_addr is required for redis")
	default:
		problems = append(problems, fmt.Sprintf("unknown snapshot.driver %q", c.Snapshot.Driver))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", tutoring.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// applyEnvOverrides applies environment variables (highest priority).
func applyEnvOverrides(c *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("TUTOR_LOG_LEVEL", &c.Log.Level)
	str("TUTOR_ADDR", &c.Server.Addr)

	dur("TUTOR_CACHE_TTL", &c.Cache.TTL)
	dur("TUTOR_DRAIN_INTERVAL", &c.Queue.DrainInterval)
	num("TUTOR_DRAIN_BATCH", &c.Queue.BatchSize)
	num("TUTOR_RECOVERY_MAX_ATTEMPTS", &c.Recovery.MaxAttempts)
	dur("TUTOR_RECOVERY_BASE_DELAY", &c.Recovery.BaseDelay)
	dur("TUTOR_IDLE_TIMEOUT", &c.Lifecycle.IdleTimeout)
	dur("TUTOR_SWEEP_INTERVAL", &c.Lifecycle.SweepInterval)

	str("TUTOR_COMPLETION_PROVIDER", &c.Completion.Provider)
	str("TUTOR_MODEL", &c.Completion.Model)
	str("TUTOR_COMPLETION_BASE_URL", &c.Completion.BaseURL)
	dur("TUTOR_COMPLETION_TIMEOUT", &c.Completion.Timeout)
	switch c.Completion.Provider {
	case "anthropic":
		str("ANTHROPIC_API_KEY", &c.Completion.APIKey)
	default:
		str("OPENAI_API_KEY", &c.Completion.APIKey)
	}

	str("TUTOR_GATEWAY_DRIVER", &c.Gateway.Driver)
	str("TUTOR_SQLITE_PATH", &c.Gateway.SQLitePath)
	str("SUPABASE_URL", &c.Gateway.SupabaseURL)
	str("SUPABASE_KEY", &c.Gateway.SupabaseKey)

	str("TUTOR_SNAPSHOT_DRIVER", &c.Snapshot.Driver)
	str("REDIS_ADDR", &c.Snapshot.RedisAddr)
	str("REDIS_PASSWORD", &c.Snapshot.RedisPassword)

	str("QDRANT_URL", &c.Curriculum.QdrantURL)
	str("QDRANT_API_KEY", &c.Curriculum.QdrantAPIKey)
	str("TUTOR_CURRICULUM_COLLECTION", &c.Curriculum.Collection)
	dur("TUTOR_CURRICULUM_TIMEOUT", &c.Curriculum.Timeout)

	str("TUTOR_PERSIST_POLICY", &c.Pipeline.PersistPolicy)

	return errors.Join(errs...)
}
