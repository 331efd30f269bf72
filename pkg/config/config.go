// Package config loads and validates the termgate configuration document.
//
// A single YAML file carries both the server settings and the authorization
// policy (bucket patterns, dangerous patterns, numeric limits). The policy
// section is the unit of hot reload: SIGHUP or a file-change event re-reads
// the document and swaps the active policy atomically.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind             = "127.0.0.1:4455"
	DefaultShell            = "/bin/bash"
	DefaultIdleTimeout      = 30 * time.Second
	DefaultMaxTimeout       = 60 * time.Second
	DefaultMinReasonLength  = 50
	DefaultOverrideCeiling  = 10
	DefaultOverrideWindow   = time.Hour
	DefaultOverrideSpacing  = 60 * time.Second
	DefaultHistoryRetention = 200
	DefaultAuditDir         = "logs"
	DefaultTermRows         = 24
	DefaultTermCols         = 80
)

// Config represents the complete termgate configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Shell  ShellConfig  `yaml:"shell"`
	Audit  AuditConfig  `yaml:"audit"`
	Policy PolicyConfig `yaml:"policy"`

	// Path the document was loaded from; used by reload and by the
	// permanent-approval writeback.
	path string
}

// ServerConfig controls the HTTP boundary.
type ServerConfig struct {
	Bind          string `yaml:"bind"`
	AuthToken     string `yaml:"auth_token"`
	PublicMetrics bool   `yaml:"public_metrics"`
}

// ShellConfig controls the persistent shell session.
type ShellConfig struct {
	Path string `yaml:"path"`
	Rows int    `yaml:"rows"`
	Cols int    `yaml:"cols"`
	Dir  string `yaml:"dir"` // initial working directory; empty = inherit
}

// AuditConfig controls the append-only audit sink.
type AuditConfig struct {
	Dir     string `yaml:"dir"`
	Enabled *bool  `yaml:"enabled"`
}

// PolicyConfig is the declarative authorization policy. Bucket lists are
// ordered; evaluation is always_block, then always_allow, then always_ask,
// first match wins within that flattened order.
type PolicyConfig struct {
	DefaultBucket     string             `yaml:"default_bucket"`
	AlwaysAllow       []string           `yaml:"always_allow"`
	AlwaysAsk         []string           `yaml:"always_ask"`
	AlwaysBlock       []string           `yaml:"always_block"`
	DangerousPatterns []DangerousPattern `yaml:"dangerous_patterns"`
	Limits            LimitsConfig       `yaml:"limits"`
}

// DangerousPattern is a regular expression that blocks a command
// unconditionally, with a human-readable explanation.
type DangerousPattern struct {
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// LimitsConfig carries the numeric policy knobs.
type LimitsConfig struct {
	IdleTimeoutSeconds     int `yaml:"idle_timeout_seconds"`
	MaxTimeoutSeconds      int `yaml:"max_timeout_seconds"`
	MinReasonLength        int `yaml:"min_reason_length"`
	OverrideCeiling        int `yaml:"override_ceiling"`
	OverrideWindowSeconds  int `yaml:"override_window_seconds"`
	OverrideSpacingSeconds int `yaml:"override_spacing_seconds"`
	HistoryRetention       int `yaml:"history_retention"`
}

// IdleTimeout returns the configured idle timeout as a duration.
func (l LimitsConfig) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSeconds) * time.Second
}

// MaxTimeout returns the configured max timeout as a duration.
func (l LimitsConfig) MaxTimeout() time.Duration {
	return time.Duration(l.MaxTimeoutSeconds) * time.Second
}

// OverrideWindow returns the rate-limit window as a duration.
func (l LimitsConfig) OverrideWindow() time.Duration {
	return time.Duration(l.OverrideWindowSeconds) * time.Second
}

// OverrideSpacing returns the minimum spacing between accepted overrides.
func (l LimitsConfig) OverrideSpacing() time.Duration {
	return time.Duration(l.OverrideSpacingSeconds) * time.Second
}

// AuditEnabled reports whether the audit sink should be wired.
func (c *Config) AuditEnabled() bool {
	if c.Audit.Enabled == nil {
		return true
	}
	return *c.Audit.Enabled
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Load reads, defaults, and validates the configuration document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	cfg.path = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the document back to the path it was loaded from. Used by the
// permanent-approval writeback so elevated commands survive restarts.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no backing file")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp, c.path)
}

func (c *Config) applyDefaults() {
	if c.Server.Bind == "" {
		c.Server.Bind = DefaultBind
	}
	if c.Shell.Path == "" {
		if sh := os.Getenv("SHELL"); sh != "" {
			c.Shell.Path = sh
		} else {
			c.Shell.Path = DefaultShell
		}
	}
	if c.Shell.Rows <= 0 {
		c.Shell.Rows = DefaultTermRows
	}
	if c.Shell.Cols <= 0 {
		c.Shell.Cols = DefaultTermCols
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = DefaultAuditDir
	}

	l := &c.Policy.Limits
	if l.IdleTimeoutSeconds <= 0 {
		l.IdleTimeoutSeconds = int(DefaultIdleTimeout / time.Second)
	}
	if l.MaxTimeoutSeconds <= 0 {
		l.MaxTimeoutSeconds = int(DefaultMaxTimeout / time.Second)
	}
	if l.MinReasonLength <= 0 {
		l.MinReasonLength = DefaultMinReasonLength
	}
	if l.OverrideCeiling <= 0 {
		l.OverrideCeiling = DefaultOverrideCeiling
	}
	if l.OverrideWindowSeconds <= 0 {
		l.OverrideWindowSeconds = int(DefaultOverrideWindow / time.Second)
	}
	if l.OverrideSpacingSeconds < 0 {
		l.OverrideSpacingSeconds = int(DefaultOverrideSpacing / time.Second)
	}
	if l.HistoryRetention <= 0 {
		l.HistoryRetention = DefaultHistoryRetention
	}
}

// Validate checks the configuration for structural problems. The policy
// section gets a second, stricter pass in pkg/policy when it is compiled.
func (c *Config) Validate() error {
	switch c.Policy.DefaultBucket {
	case "always_allow", "always_ask", "always_block":
	case "":
		return fmt.Errorf("policy.default_bucket is required (never implicit allow)")
	default:
		return fmt.Errorf("policy.default_bucket: unknown bucket %q", c.Policy.DefaultBucket)
	}

	for i, dp := range c.Policy.DangerousPatterns {
		if dp.Pattern == "" {
			return fmt.Errorf("policy.dangerous_patterns[%d]: empty pattern", i)
		}
		if dp.Message == "" {
			return fmt.Errorf("policy.dangerous_patterns[%d]: message is required", i)
		}
	}

	if c.Policy.Limits.MaxTimeoutSeconds < c.Policy.Limits.IdleTimeoutSeconds {
		return fmt.Errorf("policy.limits: max_timeout_seconds (%d) below idle_timeout_seconds (%d)",
			c.Policy.Limits.MaxTimeoutSeconds, c.Policy.Limits.IdleTimeoutSeconds)
	}

	if c.Audit.Dir != "" && !filepath.IsLocal(c.Audit.Dir) && !filepath.IsAbs(c.Audit.Dir) {
		return fmt.Errorf("audit.dir: invalid path %q", c.Audit.Dir)
	}
	return nil
}
