package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskmarket/internal/calc"
)

// Config models taskmarket.yml. Secrets never live here; they come from the
// environment and are handed to constructors by cmd/tm.
type Config struct {
	Rewards struct {
		RatePerDay   int64       `yaml:"rate_per_day" json:"rate_per_day"`
		FallbackDays int         `yaml:"fallback_days" json:"fallback_days"`
		Days         map[int]int `yaml:"days" json:"days"`
	} `yaml:"rewards" json:"rewards"`
	Claims struct {
		TimeoutBaseHours   int           `yaml:"timeout_base_hours" json:"timeout_base_hours"`
		TimeoutHoursPerDay int           `yaml:"timeout_hours_per_day" json:"timeout_hours_per_day"`
		SignatureTTL       time.Duration `yaml:"signature_ttl" json:"signature_ttl"`
		ReviewTimeout      time.Duration `yaml:"review_timeout" json:"review_timeout"`
	} `yaml:"claims" json:"claims"`
	Chain struct {
		RPCURL          string `yaml:"rpc_url" json:"rpc_url"`
		RegistryAddress string `yaml:"registry_address" json:"registry_address"`
		ChainID         int64  `yaml:"chain_id" json:"chain_id"`
		DomainName      string `yaml:"domain_name" json:"domain_name"`
		DomainVersion   string `yaml:"domain_version" json:"domain_version"`
	} `yaml:"chain" json:"chain"`
	Cache struct {
		TTL       time.Duration `yaml:"ttl" json:"ttl"`
		RedisAddr string        `yaml:"redis_addr" json:"redis_addr"`
		RedisDB   int           `yaml:"redis_db" json:"redis_db"`
	} `yaml:"cache" json:"cache"`
	Kafka struct {
		Brokers []string `yaml:"brokers" json:"brokers"`
		Topic   string   `yaml:"topic" json:"topic"`
	} `yaml:"kafka" json:"kafka"`
	Reconcile struct {
		Interval time.Duration `yaml:"interval" json:"interval"`
		Workers  int           `yaml:"workers" json:"workers"`
	} `yaml:"reconcile" json:"reconcile"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	RBAC     struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Calculator builds the reward/timeout calculator described by the config.
func (c *Config) Calculator() calc.Calculator {
	calculator := calc.Default()
	if c.Rewards.RatePerDay > 0 {
		calculator.RatePerDay = c.Rewards.RatePerDay
	}
	if c.Rewards.FallbackDays > 0 {
		calculator.FallbackDays = c.Rewards.FallbackDays
	}
	for complexity, days := range c.Rewards.Days {
		calculator.Days[complexity] = days
	}
	if c.Claims.TimeoutHoursPerDay > 0 {
		calculator.TimeoutHoursPerDay = c.Claims.TimeoutHoursPerDay
	}
	if c.Claims.TimeoutBaseHours > 0 {
		calculator.TimeoutBaseHours = c.Claims.TimeoutBaseHours
	}
	return calculator
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.Calculator().Validate(); err != nil {
		return fmt.Errorf("config.rewards: %w", err)
	}
	if c.Claims.SignatureTTL <= 0 {
		return fmt.Errorf("config.claims.signature_ttl must be positive")
	}
	if c.Claims.SignatureTTL > 24*time.Hour {
		return fmt.Errorf("config.claims.signature_ttl must not exceed 24h")
	}
	if c.Claims.ReviewTimeout <= 0 {
		return fmt.Errorf("config.claims.review_timeout must be positive")
	}
	if c.Chain.DomainName == "" || c.Chain.DomainVersion == "" {
		return fmt.Errorf("config.chain.domain_name and domain_version are required")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("config.chain.chain_id must be positive")
	}
	if addr := c.Chain.RegistryAddress; addr != "" && !isHexAddress(addr) {
		return fmt.Errorf("config.chain.registry_address %q is not a hex address", addr)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("config.cache.ttl must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config.kafka.topic is required when brokers are set")
	}
	if c.Reconcile.Workers < 0 {
		return fmt.Errorf("config.reconcile.workers must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// RolePermissions flattens the RBAC section.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = append([]string(nil), role.Permissions...)
	}
	return out
}

func isHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskmarket.yml")
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their defaults.
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

const defaultTemplate = `rewards:
  rate_per_day: 50
  fallback_days: 7
  days: {1: 1, 2: 2, 3: 3, 4: 5, 5: 7, 6: 10, 7: 14, 8: 21, 9: 30, 10: 45}

claims:
  timeout_base_hours: 12
  timeout_hours_per_day: 12
  signature_ttl: 1h
  review_timeout: 72h

chain:
  rpc_url: ""
  registry_address: ""
  chain_id: 1
  domain_name: TaskRegistry
  domain_version: "1"

cache:
  ttl: 30s
  redis_addr: ""
  redis_db: 0

kafka:
  brokers: []
  topic: task-lifecycle

reconcile:
  interval: 1m
  workers: 4

rbac:
  roles:
    admin:
      description: "Marketplace operator"
      permissions: [task.create, task.complete, task.reconcile, review.request, review.resolve, rbac.manage]
    validator:
      description: "Reviews evidence and completes tasks"
      permissions: [task.complete, review.request, review.resolve]
    contributor:
      description: "Claims tasks and submits evidence"
      permissions: [task.claim, task.submit]
`
