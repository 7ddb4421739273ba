// Package config loads the application configuration: a YAML file with
// ${ENV_VAR} expansion, a .env overlay for secrets, the MCP server
// document, and hot reload of the files that support it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/loopcore/logger"
	"github.com/kadirpekel/loopcore/observability"
)

// Config is the root configuration struct. Construction goes through
// Load (file) or Default (code); components receive their section, never
// environment variables.
type Config struct {
	Logger      logger.Config               `yaml:"logger"`
	Agent       AgentConfig                 `yaml:"agent"`
	Permissions PermissionsConfig           `yaml:"permissions"`
	Executor    ExecutorConfig              `yaml:"executor"`
	Stuckness   StucknessConfig             `yaml:"stuckness"`
	Skills      SkillsConfig                `yaml:"skills"`
	Tracing     observability.TracerConfig  `yaml:"tracing"`
	Metrics     observability.MetricsConfig `yaml:"metrics"`
	Server      ServerConfig                `yaml:"server"`

	// MCPConfigFile points at the mcpServers JSON document.
	MCPConfigFile string `yaml:"mcp_config_file"`
}

// AgentConfig bounds one agent run.
type AgentConfig struct {
	MaxIterations        int  `yaml:"max_iterations"`
	MaxConsecutiveErrors int  `yaml:"max_consecutive_errors"`
	MaxRuntime           int  `yaml:"max_runtime"` // seconds
	HistoryWindow        int  `yaml:"history_window"`
	MaxPromptTokens      int  `yaml:"max_prompt_tokens"` // 0 disables token clipping
	EnableThinking       bool `yaml:"enable_thinking"`
	EnablePlanning       bool `yaml:"enable_planning"`
}

// Runtime returns the run budget as a duration.
func (a AgentConfig) Runtime() time.Duration {
	return time.Duration(a.MaxRuntime) * time.Second
}

// PermissionsConfig configures the arbiter.
type PermissionsConfig struct {
	// DefaultClass is the auto-approval threshold, as a class name
	// (read_only .. network).
	DefaultClass string `yaml:"default_class"`

	AcceptAll bool     `yaml:"accept_all"`
	Allowlist []string `yaml:"allowlist"`

	// WaitTimeout bounds how long the driver waits for a decision, in
	// seconds.
	WaitTimeout int `yaml:"wait_timeout"`

	// AllowlistFile, when set, is watched for hot reload.
	AllowlistFile string `yaml:"allowlist_file"`
}

// ExecutorConfig configures timeouts and retry policy. Timeouts are in
// seconds.
type ExecutorConfig struct {
	DefaultTimeout int            `yaml:"default_timeout"`
	Timeouts       map[string]int `yaml:"timeouts"`
	TimeoutCeiling int            `yaml:"timeout_ceiling"`
	MaxRetries     int            `yaml:"max_retries"`
	RetryEnabled   bool           `yaml:"retry_enabled"`
}

// TimeoutDurations converts the per-tool timeout table to durations.
func (e ExecutorConfig) TimeoutDurations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(e.Timeouts))
	for name, secs := range e.Timeouts {
		out[name] = time.Duration(secs) * time.Second
	}
	return out
}

// SkillsConfig configures where skills (SKILL.md directories) are loaded
// from and created. Later directories override earlier ones by name; new
// skills are written to the last entry.
type SkillsConfig struct {
	Dirs []string `yaml:"dirs"`
}

// StucknessConfig selects the response-fingerprint strategy
// ("simple" or "normalized").
type StucknessConfig struct {
	Fingerprint string `yaml:"fingerprint"`
}

// ServerConfig configures the HTTP/WebSocket observation surface.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the stock configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero-valued fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 25
	}
	if c.Agent.MaxConsecutiveErrors == 0 {
		c.Agent.MaxConsecutiveErrors = 3
	}
	if c.Agent.MaxRuntime == 0 {
		c.Agent.MaxRuntime = 300
	}
	if c.Agent.HistoryWindow == 0 {
		c.Agent.HistoryWindow = 40
	}
	if c.Permissions.DefaultClass == "" {
		c.Permissions.DefaultClass = "read_only"
	}
	if c.Permissions.WaitTimeout == 0 {
		c.Permissions.WaitTimeout = 120
	}
	if c.Executor.DefaultTimeout == 0 {
		c.Executor.DefaultTimeout = 30
	}
	if c.Executor.TimeoutCeiling == 0 {
		c.Executor.TimeoutCeiling = 600
	}
	if c.Executor.MaxRetries == 0 {
		c.Executor.MaxRetries = 2
	}
	if len(c.Skills.Dirs) == 0 {
		c.Skills.Dirs = []string{filepath.Join(".loopcore", "skills")}
	}
	if c.Stuckness.Fingerprint == "" {
		c.Stuckness.Fingerprint = "simple"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "loopcore"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8711"
	}
}

// Validate rejects configurations the driver cannot honor.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("config: agent.max_iterations must be >= 1")
	}
	if c.Agent.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("config: agent.max_consecutive_errors must be >= 1")
	}
	if c.Agent.MaxRuntime <= 0 {
		return fmt.Errorf("config: agent.max_runtime must be positive")
	}
	if c.Executor.DefaultTimeout <= 0 {
		return fmt.Errorf("config: executor.default_timeout must be positive")
	}
	if f := c.Stuckness.Fingerprint; f != "simple" && f != "normalized" {
		return fmt.Errorf("config: stuckness.fingerprint must be \"simple\" or \"normalized\", got %q", f)
	}
	return nil
}

// Load reads path, expands ${ENV_VAR} references against the environment
// (after loading a local .env if present), and unmarshals with defaults
// and validation applied.
func Load(path string) (*Config, error) {
	LoadDotEnv()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded, err := expandEnvInYAML(raw)
	if err != nil {
		return nil, fmt.Errorf("config: expand %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
