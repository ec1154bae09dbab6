package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"worknode/internal/lifecycle"
)

// Config models worknode.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Confirmations struct {
		ConsumeRetry RetryConfig `yaml:"consume_retry"`
	} `yaml:"confirmations"`
	Tree struct {
		DisplayDepth int `yaml:"display_depth"`
	} `yaml:"tree"`
	Intent struct {
		Patterns []IntentPattern `yaml:"patterns"`
	} `yaml:"intent"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
		Stdout  bool `yaml:"stdout"`
	} `yaml:"telemetry"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

type IntentPattern struct {
	Status   string   `yaml:"status"`
	Keywords []string `yaml:"keywords"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	Provenance     []string `yaml:"provenance"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wn init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Tree.DisplayDepth < 1 || c.Tree.DisplayDepth > 32 {
		return fmt.Errorf("config.tree.display_depth must be between 1 and 32")
	}
	if c.Confirmations.ConsumeRetry.MaxElapsed < 0 || c.Confirmations.ConsumeRetry.InitialInterval < 0 {
		return fmt.Errorf("config.confirmations.consume_retry durations must not be negative")
	}
	for i, p := range c.Intent.Patterns {
		if !lifecycle.Status(p.Status).Valid() {
			return fmt.Errorf("intent pattern %d: unknown status %q", i, p.Status)
		}
		if len(p.Keywords) == 0 {
			return fmt.Errorf("intent pattern %d (%s) has no keywords", i, p.Status)
		}
		for _, kw := range p.Keywords {
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("intent pattern %d (%s) has an empty keyword", i, p.Status)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
		for _, prov := range hook.Provenance {
			switch prov {
			case "confirmation", "cascade", "direct":
			default:
				return fmt.Errorf("webhook %d: unknown provenance %q", i, prov)
			}
		}
	}
	return nil
}

// Estimator builds the intent estimator, falling back to built-in patterns.
func (c *Config) Estimator() lifecycle.Estimator {
	if c == nil || len(c.Intent.Patterns) == 0 {
		return lifecycle.Estimator{}
	}
	patterns := make([]lifecycle.IntentPattern, 0, len(c.Intent.Patterns))
	for _, p := range c.Intent.Patterns {
		patterns = append(patterns, lifecycle.IntentPattern{Status: lifecycle.Status(p.Status), Keywords: p.Keywords})
	}
	return lifecycle.Estimator{Patterns: patterns}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "worknode.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  allow_legacy_actor_header: true

confirmations:
  consume_retry:
    initial_interval: 50ms
    max_elapsed: 2s

tree:
  display_depth: 5

telemetry:
  enabled: false
  stdout: false

# intent:
#   patterns:
#     - status: done
#       keywords: [done, finished, shipped]
#     - status: waiting_external
#       keywords: [waiting, awaiting]

# webhooks:
#   - url: https://example.invalid/hooks/worknode
#     secret: change-me
#     provenance: [confirmation, cascade]
`
