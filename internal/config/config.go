// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port            int           `yaml:"port"`
	SnapshotMaxAge  time.Duration `yaml:"snapshot_max_age"` // Cache-Control max-age for result reads
	StreamKeepalive time.Duration `yaml:"stream_keepalive"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SubmitPerMinute int           `yaml:"submit_per_minute"` // per client, 0 disables
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AIConfig struct {
	Provider        string  `yaml:"provider"` // openai|gemini|metis|demo
	OpenAIKey       string  `yaml:"openai_key"`
	GeminiKey       string  `yaml:"gemini_key"`
	MetisKey        string  `yaml:"metis_key"`
	MetisBaseURL    string  `yaml:"metis_base_url"`
	DefaultModel    string  `yaml:"default_model"`
	SystemPrompt    string  `yaml:"system_prompt"`
	MaxInputTokens  int     `yaml:"max_input_tokens"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	RequestsPerSec  float64 `yaml:"requests_per_second"`
	Burst           int     `yaml:"burst"`
}

type JobsConfig struct {
	Workers            int           `yaml:"workers"`
	DefaultVariants    int           `yaml:"default_variants"`
	MaxVariants        int           `yaml:"max_variants"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	Timeout            time.Duration `yaml:"timeout"`
	Retention          time.Duration `yaml:"retention"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	ClientLimit        int           `yaml:"client_limit"`
	SalvageCapacity    int           `yaml:"salvage_capacity"`
	ExpectedChars      int           `yaml:"expected_chars"` // progress estimate denominator
	EventPageSize      int           `yaml:"event_page_size"`
	StreamPollInterval time.Duration `yaml:"stream_poll_interval"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Jobs     JobsConfig     `yaml:"jobs"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig parses -config and -dev and loads the file they name.
func LoadConfig() (*Config, error) {
	var configPath string
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()
	return Load(configPath, dev)
}

// Load reads a YAML config, applies secret overrides from the environment and fills
// defaults. In dev mode the database and redis are optional.
func Load(path string, dev bool) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && dev:
		// dev runs on defaults alone
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	applyDefaults(&cfg)

	// Minimal validation
	if cfg.Jobs.DefaultVariants > cfg.Jobs.MaxVariants {
		return nil, errors.New("jobs.default_variants exceeds jobs.max_variants")
	}
	if !dev && cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

// secrets holds the values that may come from the environment. Only non-empty
// variables override the file.
type secrets struct {
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RedisURL      string `envconfig:"REDIS_URL"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	OpenAIKey     string `envconfig:"OPENAI_API_KEY"`
	GeminiKey     string `envconfig:"GEMINI_API_KEY"`
	MetisKey      string `envconfig:"METIS_API_KEY"`
}

func applyEnv(cfg *Config) error {
	var s secrets
	if err := envconfig.Process("", &s); err != nil {
		return err
	}
	override(&cfg.Database.URL, s.DatabaseURL)
	override(&cfg.Redis.URL, s.RedisURL)
	override(&cfg.Redis.Password, s.RedisPassword)
	override(&cfg.AI.OpenAIKey, s.OpenAIKey)
	override(&cfg.AI.GeminiKey, s.GeminiKey)
	override(&cfg.AI.MetisKey, s.MetisKey)
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.SnapshotMaxAge <= 0 {
		cfg.HTTP.SnapshotMaxAge = 2 * time.Second
	}
	if cfg.HTTP.StreamKeepalive <= 0 {
		cfg.HTTP.StreamKeepalive = 15 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}

	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	if cfg.AI.Provider == "" {
		switch {
		case cfg.AI.OpenAIKey != "":
			cfg.AI.Provider = "openai"
		case cfg.AI.GeminiKey != "":
			cfg.AI.Provider = "gemini"
		case cfg.AI.MetisKey != "":
			cfg.AI.Provider = "metis"
		default:
			cfg.AI.Provider = "demo"
		}
	}
	if cfg.AI.DefaultModel == "" {
		if cfg.AI.Provider == "gemini" {
			cfg.AI.DefaultModel = "gemini-2.5-flash"
		} else {
			cfg.AI.DefaultModel = "gpt-4o-mini"
		}
	}
	if cfg.AI.MetisBaseURL == "" {
		cfg.AI.MetisBaseURL = "https://api.metisai.ir/openai/v1"
	}
	if cfg.AI.MaxInputTokens <= 0 {
		cfg.AI.MaxInputTokens = 100_000
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 8_000
	}
	if cfg.AI.RequestsPerSec <= 0 {
		cfg.AI.RequestsPerSec = 2
	}
	if cfg.AI.Burst <= 0 {
		cfg.AI.Burst = 4
	}

	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.MaxVariants <= 0 {
		cfg.Jobs.MaxVariants = 5
	}
	if cfg.Jobs.DefaultVariants <= 0 {
		cfg.Jobs.DefaultVariants = 1
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		cfg.Jobs.MaxAttempts = 3
	}
	if cfg.Jobs.BackoffBase <= 0 {
		cfg.Jobs.BackoffBase = time.Second
	}
	if cfg.Jobs.BackoffMax <= 0 {
		cfg.Jobs.BackoffMax = 30 * time.Second
	}
	if cfg.Jobs.Timeout <= 0 {
		cfg.Jobs.Timeout = 25 * time.Minute
	}
	if cfg.Jobs.Retention <= 0 {
		cfg.Jobs.Retention = 72 * time.Hour
	}
	if cfg.Jobs.CleanupInterval <= 0 {
		cfg.Jobs.CleanupInterval = 30 * time.Minute
	}
	if cfg.Jobs.ClientLimit <= 0 {
		cfg.Jobs.ClientLimit = 2
	}
	if cfg.Jobs.SalvageCapacity <= 0 {
		cfg.Jobs.SalvageCapacity = 200
	}
	if cfg.Jobs.ExpectedChars <= 0 {
		cfg.Jobs.ExpectedChars = 12_000
	}
	if cfg.Jobs.EventPageSize <= 0 {
		cfg.Jobs.EventPageSize = 500
	}
	if cfg.Jobs.StreamPollInterval <= 0 {
		cfg.Jobs.StreamPollInterval = 2 * time.Second
	}
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
