// Package config loads the gateway configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const DefaultConfigPath = "config.yaml"

// Service configures one implementing service of the composed graph.
type Service struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// SchemaFile points to a static SDL document. When set, the schema is
	// read from disk instead of being fetched from the service.
	SchemaFile string `yaml:"schema_file,omitempty"`
	// Headers are sent with every operation request to this service.
	Headers map[string]string `yaml:"headers,omitempty"`
}

type AutomaticPersistedQueries struct {
	Enabled bool `yaml:"enabled" envDefault:"true" env:"APQ_ENABLED"`
	// RegistrySize bounds the per-service hash registry.
	RegistrySize int64 `yaml:"registry_size,omitempty" envDefault:"10000" env:"APQ_REGISTRY_SIZE"`
}

type Traffic struct {
	// RequestTimeout bounds a single downstream fetch.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" envDefault:"60s" env:"REQUEST_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries,omitempty" envDefault:"3" env:"MAX_RETRIES"`
}

type Config struct {
	ListenAddr      string `yaml:"listen_addr" envDefault:"localhost:4000" env:"LISTEN_ADDR"`
	LogLevel        string `yaml:"log_level" envDefault:"info" env:"LOG_LEVEL"`
	JSONLog         bool   `yaml:"json_log" envDefault:"true" env:"JSON_LOG"`
	DevelopmentMode bool   `yaml:"dev_mode" envDefault:"false" env:"DEV_MODE"`

	// PlanCacheSize is the approximate byte budget of plan data the
	// gateway retains per composed schema.
	PlanCacheSize BytesString `yaml:"plan_cache_size,omitempty" envDefault:"30MiB" env:"PLAN_CACHE_SIZE"`

	AutomaticPersistedQueries AutomaticPersistedQueries `yaml:"automatic_persisted_queries"`
	Traffic                   Traffic                   `yaml:"traffic"`

	// IntrospectionHeaders are sent with schema-fetch requests only,
	// separate from per-service operation headers.
	IntrospectionHeaders map[string]string `yaml:"introspection_headers,omitempty"`

	Services []Service `yaml:"services"`
}

type LoadResult struct {
	Config        Config
	DefaultLoaded bool
}

func LoadConfig(configFilePath string, envOverride string) (*LoadResult, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if envOverride != "" {
		_ = godotenv.Overload(envOverride)
	}

	cfg := &LoadResult{
		Config:        Config{},
		DefaultLoaded: true,
	}

	if err := env.Parse(&cfg.Config); err != nil {
		return nil, err
	}

	if configFilePath == "" {
		configFilePath = os.Getenv("CONFIG_PATH")
		if configFilePath == "" {
			configFilePath = DefaultConfigPath
		}
	}

	isDefaultConfigPath := configFilePath == DefaultConfigPath
	configFileBytes, err := os.ReadFile(configFilePath)
	if err != nil {
		if isDefaultConfigPath {
			cfg.DefaultLoaded = false
		} else {
			return nil, fmt.Errorf("could not read config file %s: %w", configFilePath, err)
		}
	}

	if configFileBytes != nil {
		// Environment variables referenced in the file are expanded before
		// unmarshalling.
		configYamlData := os.ExpandEnv(string(configFileBytes))
		if err := yaml.Unmarshal([]byte(configYamlData), &cfg.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gateway config: %w", err)
		}
	}

	if cfg.Config.DevelopmentMode {
		cfg.Config.JSONLog = false
	}

	return cfg, nil
}
