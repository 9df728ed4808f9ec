package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Web      WebConfig      `yaml:"web"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Health   HealthConfig   `yaml:"health"`
	Models   ModelsConfig   `yaml:"models"`
	Vault    VaultConfig    `yaml:"vault"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// PipelineConfig holds run-level defaults applied when a submitted pipeline
// omits them.
type PipelineConfig struct {
	StepTimeout        time.Duration `yaml:"step_timeout"`
	MaxParallel        int           `yaml:"max_parallel"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatThreshold int           `yaml:"heartbeat_threshold"` // missed beats before an agent is unresponsive
	CancelGracePeriod  time.Duration `yaml:"cancel_grace_period"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	CoolDown         time.Duration `yaml:"cool_down"`
}

// HealthConfig configures the background dependency prober.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"` // cron expression; empty falls back to interval
	Interval time.Duration `yaml:"interval"`
}

type ModelsConfig struct {
	Anthropic ModelConfig `yaml:"anthropic"`
	OpenAI    ModelConfig `yaml:"openai"`
}

type ModelConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/plume.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Pipeline: PipelineConfig{
			StepTimeout:        5 * time.Minute,
			MaxParallel:        4,
			MaxRetries:         2,
			RetryBackoff:       2 * time.Second,
			HeartbeatInterval:  5 * time.Second,
			HeartbeatThreshold: 3,
			CancelGracePeriod:  10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    time.Minute,
			CoolDown:         30 * time.Second,
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Models: ModelsConfig{
			Anthropic: ModelConfig{Model: "claude-sonnet-4-20250514", MaxTokens: 4096},
			OpenAI:    ModelConfig{Model: "gpt-4o", MaxTokens: 4096},
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("PLUME_CONFIG")
	if path == "" {
		path = "config/plume.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Models.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Models.OpenAI.APIKey = v
	}
	if v := os.Getenv("PLUME_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("PLUME_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("PLUME_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("PLUME_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PLUME_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
