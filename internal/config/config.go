// Package config holds all metamorph configuration, loaded from a YAML file
// under the state directory with environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	// ProjectRoot is the source tree the agent is allowed to modify.
	// Relative change paths resolve against it.
	ProjectRoot string `yaml:"project_root"`

	// StateDir holds queue.json, applied_changes.json, health.json,
	// audit.db and the backups/ directory. Defaults to
	// <project_root>/.metamorph.
	StateDir string `yaml:"state_dir"`

	// BackupRetentionDays is the default cutoff for backup cleanup.
	BackupRetentionDays int `yaml:"backup_retention_days"`

	// ApplyTimeout is the soft deadline for a single apply. Applies that
	// run longer are logged as slow.
	ApplyTimeout string `yaml:"apply_timeout"`

	// Policy configures automatic dispositions.
	Policy PolicyConfig `yaml:"policy"`

	// Logging configures the injected zap logger.
	Logging LoggingConfig `yaml:"logging"`
}

// PolicyConfig controls automatic handling of freshly submitted changes.
// Everything not matched stays pending for a human.
type PolicyConfig struct {
	// AutoApprove enables policy approval of low-risk, high-score changes.
	AutoApprove bool `yaml:"auto_approve"`
	// AutoApproveMaxRisk is the highest risk level the policy may approve.
	AutoApproveMaxRisk string `yaml:"auto_approve_max_risk"`
	// AutoApproveMinScore is the minimum validator score the policy requires.
	AutoApproveMinScore float64 `yaml:"auto_approve_min_score"`
	// AutoRejectInvalid rejects changes the validator marked invalid.
	AutoRejectInvalid bool `yaml:"auto_reject_invalid"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no config file exists.
func Default(projectRoot string) *Config {
	return &Config{
		ProjectRoot:         projectRoot,
		StateDir:            filepath.Join(projectRoot, ".metamorph"),
		BackupRetentionDays: 30,
		ApplyTimeout:        "5s",
		Policy: PolicyConfig{
			AutoApprove:         false,
			AutoApproveMaxRisk:  "low",
			AutoApproveMinScore: 0.9,
			AutoRejectInvalid:   false,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML config at path, layering it over defaults and then
// applying environment overrides. A missing file yields defaults.
func Load(path, projectRoot string) (*Config, error) {
	cfg := Default(projectRoot)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = projectRoot
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.ProjectRoot, ".metamorph")
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers environment overrides over the loaded values.
func (c *Config) applyEnv() {
	if v := os.Getenv("METAMORPH_PROJECT_ROOT"); v != "" {
		c.ProjectRoot = v
	}
	if v := os.Getenv("METAMORPH_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("METAMORPH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ApplyTimeoutDuration parses ApplyTimeout, falling back to 5s.
func (c *Config) ApplyTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.ApplyTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// State file locations, all under StateDir.

func (c *Config) QueuePath() string  { return filepath.Join(c.StateDir, "queue.json") }
func (c *Config) HealthPath() string { return filepath.Join(c.StateDir, "health.json") }
func (c *Config) AuditPath() string  { return filepath.Join(c.StateDir, "audit.db") }
