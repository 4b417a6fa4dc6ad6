// Package config provides configuration types and defaults for the
// coordinator and worker processes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetctl/fleetctl/internal/log"
)

// RedisConfig holds connection and timing settings for the State Store
// when backed by Redis.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	TaskLockTTL  time.Duration `mapstructure:"task_lock_ttl"`
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
}

// StoreConfig selects and configures the State Store backend.
type StoreConfig struct {
	// Backend selects the State Store implementation: "memory" or "redis".
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// QualityGateCheck describes a single required or optional check run
// before a merge is allowed to proceed.
type QualityGateCheck struct {
	Name     string `mapstructure:"name"`
	Command  string `mapstructure:"command"`
	Required bool   `mapstructure:"required"`
}

// QualityGatesConfig lists the checks the merge pipeline runs against a
// worker's branch before integrating it.
type QualityGatesConfig struct {
	Checks  []QualityGateCheck `mapstructure:"checks"`
	Timeout time.Duration      `mapstructure:"timeout"`
}

// AutoMergeConfig controls whether the merge queue worker integrates
// completed branches automatically and how it publishes them.
type AutoMergeConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	PushToRemote  bool `mapstructure:"push_to_remote"`
	MaxRetries    int  `mapstructure:"max_retries"`
	DeleteBranch  bool `mapstructure:"delete_branch"`
}

// GitConfig holds repository settings used by the merge pipeline.
type GitConfig struct {
	ProjectRoot string          `mapstructure:"project_root"`
	MainBranch  string          `mapstructure:"main_branch"`
	AutoMerge   AutoMergeConfig `mapstructure:"auto_merge"`
}

// BacklogConfig locates and describes how the backlog is loaded.
type BacklogConfig struct {
	Path        string   `mapstructure:"path"`
	WatchFile   bool     `mapstructure:"watch_file"`
	RetryFailed bool     `mapstructure:"retry_failed"`
	// EnabledTypes restricts which task types the claim service will
	// hand out, per spec.md §4.4 step 2's "type is enabled by config"
	// filter. Empty means every recognised type is enabled.
	EnabledTypes []string `mapstructure:"enabled_types"`
}

// APIConfig controls the coordinator's HTTP listener.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "none", "stdout", "otlp"
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration for the coordinator and worker
// processes. It is read from defaults, the config file and the
// environment; it is not written to the state store.
type Config struct {
	Store        StoreConfig         `mapstructure:"store"`
	QualityGates QualityGatesConfig  `mapstructure:"quality_gates"`
	Git          GitConfig           `mapstructure:"git"`
	Backlog      BacklogConfig       `mapstructure:"backlog"`
	API          APIConfig           `mapstructure:"api"`
	Tracing      TracingConfig       `mapstructure:"tracing"`
	SweepInterval time.Duration      `mapstructure:"sweep_interval"`
}

// Defaults returns a Config with sensible default values, matching the
// shape the coordinator would otherwise derive project-type heuristics
// for (a concern this system leaves to the operator: the default check
// list is empty and must be supplied by the operator's config file; the
// backlog file carries tasks only).
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				DB:           0,
				TaskLockTTL:  5 * time.Minute,
				AgentTimeout: 3 * time.Minute,
			},
		},
		QualityGates: QualityGatesConfig{
			Timeout: 5 * time.Minute,
		},
		Git: GitConfig{
			MainBranch: "main",
			AutoMerge: AutoMergeConfig{
				Enabled:      true,
				PushToRemote: false,
				MaxRetries:   3,
				DeleteBranch: true,
			},
		},
		Backlog: BacklogConfig{
			Path:         "backlog.yaml",
			WatchFile:    false,
			RetryFailed:  false,
			EnabledTypes: nil,
		},
		API: APIConfig{
			Addr: ":8765",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		SweepInterval: 60 * time.Second,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be \"memory\" or \"redis\", got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required when store.backend is \"redis\"")
	}
	if c.Git.AutoMerge.Enabled && c.Git.AutoMerge.MaxRetries < 0 {
		return fmt.Errorf("git.auto_merge.max_retries must be >= 0")
	}
	if c.Tracing.SampleRate < 0.0 || c.Tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", c.Tracing.SampleRate)
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a commented YAML
// string, used to seed a new operator config file.
func DefaultConfigTemplate() string {
	return `# fleetctl configuration

store:
  backend: memory   # "memory" (single process) or "redis" (multi-host)
  redis:
    addr: localhost:6379
    db: 0
    task_lock_ttl: 5m
    agent_timeout: 3m

quality_gates:
  timeout: 5m
  checks: []
    # - name: test
    #   command: "go test ./..."
    #   required: true

git:
  main_branch: main
  auto_merge:
    enabled: true
    push_to_remote: false
    max_retries: 3
    delete_branch: true

backlog:
  path: backlog.yaml
  watch_file: false
  retry_failed: false
  enabled_types: []   # restrict claimable task types, e.g. [development, testing]; empty allows all

api:
  addr: ":8765"

tracing:
  enabled: false
  exporter: stdout
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

sweep_interval: 60s
`
}

// WriteDefaultConfig creates a config file at the given path with
// default settings and comments. Creates the parent directory if it
// doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
