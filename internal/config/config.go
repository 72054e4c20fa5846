package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml accepts "5s" style values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config models signaline.yml.
type Config struct {
	Runner   RunnerConfig    `yaml:"runner"`
	Fanout   FanoutConfig    `yaml:"fanout"`
	Secrets  SecretsConfig   `yaml:"secrets"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RunnerConfig struct {
	Workers        int           `yaml:"workers"`
	PollInterval   Duration `yaml:"poll_interval"`
	HandlerTimeout Duration `yaml:"handler_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	// MaxAttemptsByName overrides the default per directive name.
	MaxAttemptsByName map[string]int `yaml:"max_attempts_by_name"`
	BackoffBase       Duration       `yaml:"backoff_base"`
	BackoffFactor     float64        `yaml:"backoff_factor"`
	BackoffCap        Duration       `yaml:"backoff_cap"`
	BackoffJitter     float64        `yaml:"backoff_jitter"`
}

type FanoutConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

type SecretsConfig struct {
	// Denylist keys are matched case-insensitively as substrings of map keys
	// anywhere in a payload or metadata document.
	Denylist []string `yaml:"denylist"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
	// Prefixes limits forwarded signals to names under these prefixes.
	// Empty means all signals.
	Prefixes []string `yaml:"prefixes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Runner: RunnerConfig{
			Workers:        4,
			PollInterval:   Duration(500 * time.Millisecond),
			HandlerTimeout: Duration(60 * time.Second),
			MaxAttempts:    3,
			BackoffBase:    Duration(5 * time.Second),
			BackoffFactor:  2,
			BackoffCap:     Duration(time.Hour),
			BackoffJitter:  0.2,
		},
		Fanout: FanoutConfig{
			MaxRetries: 2,
			RetryDelay: Duration(time.Second),
		},
		Secrets: SecretsConfig{
			Denylist: []string{"token", "secret", "password", "authorization", "api_key", "private_key"},
		},
	}
}

// Path returns the config path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signaline.yml")
}

// Load reads config from workspace, falling back to defaults when the file is
// absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config, layering the file over defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Runner.Workers < 1 {
		return fmt.Errorf("config.runner.workers must be >= 1")
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("config.runner.poll_interval must be positive")
	}
	if c.Runner.MaxAttempts < 1 {
		return fmt.Errorf("config.runner.max_attempts must be >= 1")
	}
	for name, n := range c.Runner.MaxAttemptsByName {
		if n < 1 {
			return fmt.Errorf("config.runner.max_attempts_by_name[%s] must be >= 1", name)
		}
	}
	if c.Runner.BackoffBase <= 0 {
		return fmt.Errorf("config.runner.backoff_base must be positive")
	}
	if c.Runner.BackoffFactor < 1 {
		return fmt.Errorf("config.runner.backoff_factor must be >= 1")
	}
	if c.Runner.BackoffJitter < 0 || c.Runner.BackoffJitter > 1 {
		return fmt.Errorf("config.runner.backoff_jitter must be in [0,1]")
	}
	if c.Fanout.MaxRetries < 0 {
		return fmt.Errorf("config.fanout.max_retries must be >= 0")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// MaxAttemptsFor resolves the attempt budget for a directive name.
func (c *Config) MaxAttemptsFor(name string) int {
	if n, ok := c.Runner.MaxAttemptsByName[name]; ok {
		return n
	}
	return c.Runner.MaxAttempts
}

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
