// Package config handles tether configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Approval modes accepted by policy.approval.
const (
	ApprovalTerminal = "terminal"
	ApprovalLine     = "line"
	ApprovalDeny     = "deny"
	ApprovalAllow    = "allow"
)

// Rate store backends accepted by policy.rate_store.backend.
const (
	RateStoreMemory = "memory"
	RateStoreRedis  = "redis"
	RateStoreSQLite = "sqlite"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./tether.yaml, ~/.config/tether/tether.yaml,
// /etc/tether/tether.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tether.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tether", "tether.yaml"))
	}

	return append(paths, "/etc/tether/tether.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all tether configuration.
type Config struct {
	LogLevel     string             `yaml:"log_level" toml:"log_level"`
	LogFormat    string             `yaml:"log_format" toml:"log_format"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" toml:"anthropic"`
	MCP          MCPConfig          `yaml:"mcp" toml:"mcp"`
	Policy       PolicyConfig       `yaml:"policy" toml:"policy"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Usage        UsageConfig        `yaml:"usage" toml:"usage"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	// APIKey falls back to $ANTHROPIC_API_KEY when empty.
	APIKey    string `yaml:"api_key" toml:"api_key"`
	Model     string `yaml:"model" toml:"model"`
	MaxTokens int    `yaml:"max_tokens" toml:"max_tokens"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
}

// MCPConfig describes the capability server. Exactly one of Command
// (stdio subprocess) or URL (streamable HTTP) must be set.
type MCPConfig struct {
	Name    string            `yaml:"name" toml:"name"`
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     []string          `yaml:"env" toml:"env"`
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`

	// HealthInterval is the background ping interval. Zero disables
	// health watching.
	HealthInterval time.Duration `yaml:"health_interval" toml:"health_interval"`
}

// PolicyRule is one entry of the policy table. A nil RequiresApproval
// or zero MaxCallsPerWindow inherits from the default rule.
type PolicyRule struct {
	RequiresApproval  *bool `yaml:"requires_approval" toml:"requires_approval"`
	MaxCallsPerWindow int   `yaml:"max_calls_per_window" toml:"max_calls_per_window"`
}

// PolicyConfig configures the invocation gate.
type PolicyConfig struct {
	Window    time.Duration         `yaml:"window" toml:"window"`
	Default   PolicyRule            `yaml:"default" toml:"default"`
	Tools     map[string]PolicyRule `yaml:"tools" toml:"tools"`
	Approval  string                `yaml:"approval" toml:"approval"`
	RateStore RateStoreConfig       `yaml:"rate_store" toml:"rate_store"`
}

// RateStoreConfig selects where rate windows are kept. The sqlite
// backend keeps them in Database so they survive restarts.
type RateStoreConfig struct {
	Backend       string `yaml:"backend" toml:"backend"`
	Database      string `yaml:"database" toml:"database"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
}

// ConversationConfig tunes the conversation loop.
type ConversationConfig struct {
	// MaxTurns bounds model turns per conversation. Unset means 25;
	// an explicit zero is unbounded.
	MaxTurns          *int   `yaml:"max_turns" toml:"max_turns"`
	ValidateArguments bool   `yaml:"validate_arguments" toml:"validate_arguments"`
	SystemPrompt      string `yaml:"system_prompt" toml:"system_prompt"`
}

// UsageConfig configures the SQLite usage ledger. An empty Database
// disables recording.
type UsageConfig struct {
	Database string                  `yaml:"database" toml:"database"`
	Pricing  map[string]PricingEntry `yaml:"pricing" toml:"pricing"`
}

// PricingEntry is the per-model token price in USD.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million" toml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" toml:"output_per_million"`
}

// Load reads configuration from a YAML or TOML file (chosen by
// extension). Environment variables are expanded before parsing and
// defaults are applied to anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// capability server configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func boolPtr(b bool) *bool { return &b }

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-3-5-sonnet-latest"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 1024
	}
	if c.MCP.Name == "" {
		c.MCP.Name = "default"
	}

	p := &c.Policy
	if p.Window == 0 {
		p.Window = 60 * time.Second
	}
	if p.Default.RequiresApproval == nil {
		p.Default.RequiresApproval = boolPtr(true)
	}
	if p.Default.MaxCallsPerWindow == 0 {
		p.Default.MaxCallsPerWindow = 10
	}
	if p.Tools == nil {
		p.Tools = map[string]PolicyRule{
			"file-write":      {RequiresApproval: boolPtr(true), MaxCallsPerWindow: 5},
			"execute-command": {RequiresApproval: boolPtr(true), MaxCallsPerWindow: 2},
			"read-data":       {RequiresApproval: boolPtr(false), MaxCallsPerWindow: 20},
		}
	}
	if p.Approval == "" {
		p.Approval = ApprovalTerminal
	}
	if p.RateStore.Backend == "" {
		p.RateStore.Backend = RateStoreMemory
	}

	if c.Conversation.MaxTurns == nil {
		turns := 25
		c.Conversation.MaxTurns = &turns
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if c.MCP.Command == "" && c.MCP.URL == "" {
		errs = append(errs, errors.New("mcp: one of command or url is required"))
	}
	if c.MCP.Command != "" && c.MCP.URL != "" {
		errs = append(errs, errors.New("mcp: command and url are mutually exclusive"))
	}

	if c.Policy.Window <= 0 {
		errs = append(errs, fmt.Errorf("policy.window must be positive, got %s", c.Policy.Window))
	}
	if c.Policy.Default.MaxCallsPerWindow < 0 {
		errs = append(errs, errors.New("policy.default.max_calls_per_window must not be negative"))
	}
	for name, rule := range c.Policy.Tools {
		if rule.MaxCallsPerWindow < 0 {
			errs = append(errs, fmt.Errorf("policy.tools.%s.max_calls_per_window must not be negative", name))
		}
	}

	switch c.Policy.Approval {
	case ApprovalTerminal, ApprovalLine, ApprovalDeny, ApprovalAllow:
	default:
		errs = append(errs, fmt.Errorf("policy.approval %q is not one of terminal, line, deny, allow", c.Policy.Approval))
	}

	switch c.Policy.RateStore.Backend {
	case RateStoreMemory:
	case RateStoreRedis:
		if c.Policy.RateStore.RedisAddr == "" {
			errs = append(errs, errors.New("policy.rate_store.redis_addr is required for the redis backend"))
		}
	case RateStoreSQLite:
		if c.Policy.RateStore.Database == "" {
			errs = append(errs, errors.New("policy.rate_store.database is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("policy.rate_store.backend %q is not one of memory, redis, sqlite", c.Policy.RateStore.Backend))
	}

	if c.Conversation.MaxTurns != nil && *c.Conversation.MaxTurns < 0 {
		errs = append(errs, errors.New("conversation.max_turns must not be negative"))
	}

	return errors.Join(errs...)
}
