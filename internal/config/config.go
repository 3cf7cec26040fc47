package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models concord.yml. Every deadline, retry budget and threshold the
// engine consults lives here; nothing is hardcoded in the engine itself.
type Config struct {
	Workflow struct {
		MaxRounds            int `yaml:"max_rounds" json:"max_rounds"`
		ConflictTolerance    int `yaml:"conflict_tolerance" json:"conflict_tolerance"`
		RoundDeadlineSeconds int `yaml:"round_deadline_seconds" json:"round_deadline_seconds"`
	} `yaml:"workflow" json:"workflow"`
	Retry struct {
		MaxAttempts  int `yaml:"max_attempts" json:"max_attempts"`
		BackoffMS    int `yaml:"backoff_ms" json:"backoff_ms"`
		MaxBackoffMS int `yaml:"max_backoff_ms" json:"max_backoff_ms"`
	} `yaml:"retry" json:"retry"`
	Timeouts struct {
		DecisionSeconds  int `yaml:"decision_seconds" json:"decision_seconds"`
		MediationSeconds int `yaml:"mediation_seconds" json:"mediation_seconds"`
		ReviewSeconds    int `yaml:"review_seconds" json:"review_seconds"`
		MergeSeconds     int `yaml:"merge_seconds" json:"merge_seconds"`
	} `yaml:"timeouts" json:"timeouts"`
	Review struct {
		ValueThreshold float64  `yaml:"value_threshold" json:"value_threshold"`
		FlagCategories []string `yaml:"flag_categories" json:"flag_categories"`
	} `yaml:"review" json:"review"`
	PolicyProvider struct {
		Weights          map[string]float64 `yaml:"weights" json:"weights"`
		ApproveThreshold float64            `yaml:"approve_threshold" json:"approve_threshold"`
		RejectThreshold  float64            `yaml:"reject_threshold" json:"reject_threshold"`
	} `yaml:"policy_provider" json:"policy_provider"`
	Capabilities struct {
		Mediator string `yaml:"mediator" json:"mediator"`
		Reviewer string `yaml:"reviewer" json:"reviewer"`
		Merger   string `yaml:"merger" json:"merger"`
	} `yaml:"capabilities" json:"capabilities"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Duration accessors so callers never multiply seconds themselves.

func (c *Config) RoundDeadline() time.Duration {
	return time.Duration(c.Workflow.RoundDeadlineSeconds) * time.Second
}

func (c *Config) DecisionTimeout() time.Duration {
	return time.Duration(c.Timeouts.DecisionSeconds) * time.Second
}

func (c *Config) MediationTimeout() time.Duration {
	return time.Duration(c.Timeouts.MediationSeconds) * time.Second
}

func (c *Config) ReviewTimeout() time.Duration {
	return time.Duration(c.Timeouts.ReviewSeconds) * time.Second
}

func (c *Config) MergeTimeout() time.Duration {
	return time.Duration(c.Timeouts.MergeSeconds) * time.Second
}

func (c *Config) Backoff() time.Duration {
	return time.Duration(c.Retry.BackoffMS) * time.Millisecond
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.MaxRounds < 1 {
		return fmt.Errorf("config.workflow.max_rounds must be at least 1")
	}
	if c.Workflow.ConflictTolerance < 0 {
		return fmt.Errorf("config.workflow.conflict_tolerance must not be negative")
	}
	if c.Workflow.RoundDeadlineSeconds < 1 {
		return fmt.Errorf("config.workflow.round_deadline_seconds must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffMS < 0 || c.Retry.MaxBackoffMS < 0 {
		return fmt.Errorf("config.retry backoff values must not be negative")
	}
	for name, secs := range map[string]int{
		"decision_seconds":  c.Timeouts.DecisionSeconds,
		"mediation_seconds": c.Timeouts.MediationSeconds,
		"review_seconds":    c.Timeouts.ReviewSeconds,
		"merge_seconds":     c.Timeouts.MergeSeconds,
	} {
		if secs < 1 {
			return fmt.Errorf("config.timeouts.%s must be at least 1", name)
		}
	}
	if len(c.PolicyProvider.Weights) > 0 {
		var sum float64
		for cat, w := range c.PolicyProvider.Weights {
			if w < 0 {
				return fmt.Errorf("policy_provider weight %s must not be negative", cat)
			}
			sum += w
		}
		if sum == 0 {
			return fmt.Errorf("policy_provider weights must not sum to zero")
		}
	}
	if c.PolicyProvider.ApproveThreshold < c.PolicyProvider.RejectThreshold {
		return fmt.Errorf("policy_provider approve_threshold must be >= reject_threshold")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "concord.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ccd config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  max_rounds: 5
  conflict_tolerance: 0
  round_deadline_seconds: 120

retry:
  max_attempts: 3
  backoff_ms: 250
  max_backoff_ms: 5000

timeouts:
  decision_seconds: 30
  mediation_seconds: 60
  review_seconds: 60
  merge_seconds: 60

review:
  value_threshold: 50000
  flag_categories: [liability, indemnification, termination]

policy_provider:
  weights:
    contract: 0.25
    business: 0.35
    legal: 0.20
    risk: 0.20
  approve_threshold: 7.0
  reject_threshold: 5.0

capabilities:
  mediator: builtin
  reviewer: builtin
  merger: builtin
`
