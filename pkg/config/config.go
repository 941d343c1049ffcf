// Package config loads and validates the runtime configuration from a YAML
// file, with ${VAR} environment substitution for secrets.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"reflector/pkg/gen"
)

// Backend kinds.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendMock      = "mock"
)

// Defaults applied when the file leaves fields unset.
const (
	DefaultMaxRounds   = 10
	DefaultMaxTokens   = 4096
	DefaultProducerID  = "producer"
	DefaultCriticID    = "critic"
	DefaultMetricsAddr = ":9090"
)

// BackendConfig selects and parameterizes a generation backend.
type BackendConfig struct {
	Kind   string `yaml:"kind"`
	APIKey string `yaml:"api_key,omitempty"`
	Model  string `yaml:"model,omitempty"`
	Host   string `yaml:"host,omitempty"` // ollama only
}

// AgentConfig parameterizes one agent. Model overrides the backend default;
// a zero MaxTokens or Temperature takes the role's default.
type AgentConfig struct {
	ID          string  `yaml:"id"`
	Model       string  `yaml:"model,omitempty"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// Config is the full runtime configuration.
type Config struct {
	Backend     BackendConfig `yaml:"backend"`
	Producer    AgentConfig   `yaml:"producer"`
	Critic      AgentConfig   `yaml:"critic"`
	MaxRounds   int           `yaml:"max_rounds"`
	EventLogDir string        `yaml:"event_log_dir,omitempty"`
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads, substitutes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse loads a config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	substituted := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a mock-backed configuration needing no file.
func Default() *Config {
	cfg := &Config{Backend: BackendConfig{Kind: BackendMock}}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Producer.ID == "" {
		cfg.Producer.ID = DefaultProducerID
	}
	if cfg.Critic.ID == "" {
		cfg.Critic.ID = DefaultCriticID
	}
	if cfg.Producer.MaxTokens == 0 {
		cfg.Producer.MaxTokens = DefaultMaxTokens
	}
	if cfg.Critic.MaxTokens == 0 {
		cfg.Critic.MaxTokens = DefaultMaxTokens
	}
	if cfg.Producer.Temperature == 0 {
		cfg.Producer.Temperature = gen.TemperatureDeterministic
	}
	if cfg.Critic.Temperature == 0 {
		cfg.Critic.Temperature = gen.TemperatureDefault
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = DefaultMetricsAddr
	}
}

func validate(cfg *Config) error {
	switch cfg.Backend.Kind {
	case BackendAnthropic, BackendOpenAI:
		if cfg.Backend.APIKey == "" {
			return fmt.Errorf("backend %q requires api_key", cfg.Backend.Kind)
		}
	case BackendOllama:
		if cfg.Backend.Model == "" {
			return fmt.Errorf("backend %q requires model", cfg.Backend.Kind)
		}
	case BackendMock:
	default:
		return fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}

	if cfg.Producer.ID == cfg.Critic.ID {
		return fmt.Errorf("producer and critic must have distinct ids, both are %q", cfg.Producer.ID)
	}
	if cfg.MaxRounds < -1 {
		return fmt.Errorf("max_rounds must be -1 (unbounded) or positive, got %d", cfg.MaxRounds)
	}
	return nil
}

// Unbounded reports whether the review loop has no round cap.
func (c *Config) Unbounded() bool {
	return c.MaxRounds == -1
}
