// Package config loads the daemon configuration: a YAML file with
// KEEL_-prefixed environment variable overrides on top, so containerized
// deployments can tune a shared file without editing it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the complete keel configuration.
type Config struct {
	Service ServiceConfig `yaml:"service" envPrefix:"KEEL_"`
	Stream  StreamConfig  `yaml:"stream" envPrefix:"KEEL_STREAM_"`
	API     APIConfig     `yaml:"api" envPrefix:"KEEL_API_"`
}

// ServiceConfig defines core processor settings.
type ServiceConfig struct {
	Partition int           `yaml:"partition" env:"PARTITION"`
	LogLevel  string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string        `yaml:"log_format" env:"LOG_FORMAT"`
	IdleWait  time.Duration `yaml:"idle_wait" env:"IDLE_WAIT"`
}

// StreamConfig defines where the partition stream and projections live.
type StreamConfig struct {
	Path      string `yaml:"path" env:"PATH"`
	ReadBatch int    `yaml:"read_batch" env:"READ_BATCH"`
}

// APIConfig defines the ops HTTP server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Listen  string `yaml:"listen" env:"LISTEN"`
	// Token bearer-protects the /v1 endpoints when set.
	Token string `yaml:"token" env:"TOKEN"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Partition: 1,
			LogLevel:  "info",
			LogFormat: "text",
			IdleWait:  time.Second,
		},
		Stream: StreamConfig{
			Path:      "keel.db",
			ReadBatch: 256,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8640",
		},
	}
}

// Load reads the YAML file at path (optional), applies environment
// overrides, and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path %q: %w", path, err)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", abs, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Service.Partition <= 0 {
		return fmt.Errorf("service.partition must be positive, got %d", c.Service.Partition)
	}
	switch c.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level must be debug, info, warn or error, got %q", c.Service.LogLevel)
	}
	switch c.Service.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("service.log_format must be text or json, got %q", c.Service.LogFormat)
	}
	if c.Service.IdleWait <= 0 {
		return fmt.Errorf("service.idle_wait must be positive, got %s", c.Service.IdleWait)
	}
	if c.Stream.Path == "" {
		return fmt.Errorf("stream.path is required")
	}
	if c.Stream.ReadBatch <= 0 {
		return fmt.Errorf("stream.read_batch must be positive, got %d", c.Stream.ReadBatch)
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return nil
}
