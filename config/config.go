// Package config defines the conductor daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/conductor/profile"
)

// Config is the top-level conductor configuration.
type Config struct {
	Server    ServerConfig      `json:"server" yaml:"server"`
	Auth      AuthConfig        `json:"auth" yaml:"auth"`
	TaskBoard TaskBoardConfig   `json:"task_board" yaml:"task_board"`
	Scheduler SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Executor  ExecutorConfig    `json:"executor" yaml:"executor"`
	Audit     AuditConfig       `json:"audit" yaml:"audit"`
	Telemetry TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
	Profiles  []profile.Profile `json:"profiles" yaml:"profiles"`
	DataDir   string            `json:"data_dir" yaml:"data_dir"`
	LogLevel  string            `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// TaskBoardConfig selects the task board store.
type TaskBoardConfig struct {
	Store string `json:"store" yaml:"store"` // "memory" or "sqlite"
	Path  string `json:"path,omitempty" yaml:"path"`
}

// SchedulerConfig controls the scheduler state store and background loops.
type SchedulerConfig struct {
	StateStore        string        `json:"state_store" yaml:"state_store"` // "memory", "file" or "sqlite"
	Path              string        `json:"path,omitempty" yaml:"path"`
	InboxDir          string        `json:"inbox_dir,omitempty" yaml:"inbox_dir"`
	RetryPollInterval time.Duration `json:"retry_poll_interval" yaml:"retry_poll_interval"`
	LedgerLimit       int           `json:"ledger_limit" yaml:"ledger_limit"`
}

// ExecutorConfig points the gateways at a remote executor. With no URLs the
// daemon uses a dry-run executor.
type ExecutorConfig struct {
	AutomationURL string        `json:"automation_url,omitempty" yaml:"automation_url"`
	HeartbeatURL  string        `json:"heartbeat_url,omitempty" yaml:"heartbeat_url"`
	Secret        string        `json:"secret,omitempty" yaml:"secret"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// AuditConfig controls the JSON-lines audit log. An empty path logs audit
// records through slog only.
type AuditConfig struct {
	Path      string `json:"path,omitempty" yaml:"path"`
	MaxSizeMB int    `json:"max_size_mb" yaml:"max_size_mb"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	Metrics     bool   `json:"metrics" yaml:"metrics"`
	Tracing     bool   `json:"tracing" yaml:"tracing"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		TaskBoard: TaskBoardConfig{
			Store: "memory",
		},
		Scheduler: SchedulerConfig{
			StateStore:        "memory",
			RetryPollInterval: 5 * time.Second,
			LedgerLimit:       10_000,
		},
		Executor: ExecutorConfig{
			Timeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			MaxSizeMB: 100,
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			ServiceName: "conductor",
		},
		DataDir:  "./data",
		LogLevel: "info",
		Profiles: []profile.Profile{
			{
				ID:      "default",
				Name:    "Default",
				Role:    "operator",
				Default: true,
			},
		},
	}
}

// Load reads a YAML config file over DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects unknown enum values, negative limits and an invalid
// profile table.
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.LogLevel, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if !oneOf(c.TaskBoard.Store, "memory", "sqlite") {
		errs = append(errs, fmt.Errorf("task_board.store: unknown store %q", c.TaskBoard.Store))
	}
	if !oneOf(c.Scheduler.StateStore, "memory", "file", "sqlite") {
		errs = append(errs, fmt.Errorf("scheduler.state_store: unknown store %q", c.Scheduler.StateStore))
	}
	if c.Scheduler.RetryPollInterval < 0 {
		errs = append(errs, fmt.Errorf("scheduler.retry_poll_interval: must not be negative"))
	}
	if c.Scheduler.LedgerLimit < 0 {
		errs = append(errs, fmt.Errorf("scheduler.ledger_limit: must not be negative"))
	}
	if c.Executor.Timeout < 0 {
		errs = append(errs, fmt.Errorf("executor.timeout: must not be negative"))
	}
	if c.Audit.MaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("audit.max_size_mb: must not be negative"))
	}
	if _, err := profile.NewStaticResolver(c.Profiles); err != nil {
		errs = append(errs, fmt.Errorf("profiles: %w", err))
	}
	return errors.Join(errs...)
}

// TaskBoardPath returns the SQLite path for the task board, defaulting into
// DataDir.
func (c *Config) TaskBoardPath() string {
	if c.TaskBoard.Path != "" {
		return c.TaskBoard.Path
	}
	return filepath.Join(c.DataDir, "tasks.db")
}

// SchedulerPath returns the state store path for the configured store kind.
func (c *Config) SchedulerPath() string {
	if c.Scheduler.Path != "" {
		return c.Scheduler.Path
	}
	if c.Scheduler.StateStore == "file" {
		return filepath.Join(c.DataDir, "scheduler-state.json")
	}
	return filepath.Join(c.DataDir, "scheduler.db")
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
