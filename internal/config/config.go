package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"purchaseflow/internal/workflow"
)

const DefaultMaxAttachmentBytes int64 = 10 << 20

// Config models purchaseflow.yml.
type Config struct {
	Purchases struct {
		DefaultCurrency string `yaml:"default_currency"`
	} `yaml:"purchases"`
	Attachments struct {
		MaxBytes     int64    `yaml:"max_bytes"`
		AllowedTypes []string `yaml:"allowed_types"`
	} `yaml:"attachments"`
	Stages   workflow.Catalog `yaml:"stages"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is an outbound receiver for audit events. An empty Events
// list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	cur := strings.TrimSpace(c.Purchases.DefaultCurrency)
	if len(cur) != 3 {
		return fmt.Errorf("config.purchases.default_currency must be a 3-letter code")
	}
	c.Purchases.DefaultCurrency = strings.ToUpper(cur)
	if c.Attachments.MaxBytes <= 0 {
		return fmt.Errorf("config.attachments.max_bytes must be positive")
	}
	if len(c.Attachments.AllowedTypes) == 0 {
		return fmt.Errorf("config.attachments.allowed_types is required")
	}
	for _, t := range c.Attachments.AllowedTypes {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("config.attachments.allowed_types has an empty entry")
		}
	}
	if err := c.Stages.Validate(); err != nil {
		return fmt.Errorf("config.stages: %w", err)
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "purchaseflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(currency string) string {
	return fmt.Sprintf(defaultTemplate, currency)
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

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Default returns the built-in configuration: JPY purchases and the transport stage.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("JPY"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Attachments.MaxBytes == 0 {
		cfg.Attachments.MaxBytes = DefaultMaxAttachmentBytes
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

const defaultTemplate = `purchases:
  default_currency: %s

attachments:
  max_bytes: 10485760
  allowed_types:
    - application/pdf
    - image/jpeg
    - image/png
    - image/webp

stages:
  - key: transport
    label: Transport
    preconditions:
      - key: yard
        field: yardId
    tasks:
      - key: transportArranged
        label: Transport arranged
        capture:
          amount: required
          attachment: optional
      - key: yardNotified
        label: Yard notified
        after: [transportArranged]
        capture:
          amount: none
          attachment: none
      - key: photosRequested
        label: Photos requested
        after: [yardNotified]
        capture:
          amount: none
          attachment: optional
`
