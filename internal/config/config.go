// Package config loads the immutable runtime settings shared by the
// worker-watcher and orchestrator-listener binaries: env vars over a
// config file over documented defaults, the same precedence the teacher
// repo's viper-backed loader uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// InvalidConfig is returned when a setting is missing or falls outside its
// documented range, or a required directory cannot be created.
type InvalidConfig struct {
	Field  string
	Reason string
}

func (e *InvalidConfig) Error() string {
	return fmt.Sprintf("invalid config %q: %s", e.Field, e.Reason)
}

// Config holds the settings recognized by §4.1 of the specification. A
// single struct serves both binaries; orchestrator-only fields are ignored
// by worker-watcher and vice versa.
type Config struct {
	WorkerName string `mapstructure:"worker_name"`
	SharedRoot string `mapstructure:"shared_root"`

	MaxConcurrentTasks   int           `mapstructure:"max_concurrent_tasks"`
	TaskTimeoutSeconds   int           `mapstructure:"task_timeout_seconds"`
	MaxRetries           int           `mapstructure:"max_retries"`
	InitialRetryDelaySec float64       `mapstructure:"initial_retry_delay_seconds"`
	RetryBackoffMult     float64       `mapstructure:"retry_backoff_multiplier"`
	RetryMaxDelaySec     float64       `mapstructure:"retry_max_delay_seconds"`

	CircuitFailureThreshold int `mapstructure:"circuit_failure_threshold"`
	CircuitOpenDurationSec  int `mapstructure:"circuit_open_duration_seconds"`

	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_seconds"`
	MetricsPort          int `mapstructure:"metrics_port"`

	LogFormat string `mapstructure:"log_format"`
	LogLevel  string `mapstructure:"log_level"`

	LockWaitSeconds int `mapstructure:"lock_wait_seconds"`

	// Orchestrator-only.
	Workers             []string `mapstructure:"workers"`
	HealthTickSeconds    int     `mapstructure:"health_tick_seconds"`
	FleetTaskTimeoutSec  int     `mapstructure:"fleet_task_timeout_seconds"`
	NotifyWebhookURL     string  `mapstructure:"notify_webhook_url"`
}

func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c *Config) InitialRetryDelay() time.Duration {
	return time.Duration(c.InitialRetryDelaySec * float64(time.Second))
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySec * float64(time.Second))
}

func (c *Config) CircuitOpenDuration() time.Duration {
	return time.Duration(c.CircuitOpenDurationSec) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitSeconds) * time.Second
}

func (c *Config) HealthTick() time.Duration {
	return time.Duration(c.HealthTickSeconds) * time.Second
}

func (c *Config) FleetTaskTimeout() time.Duration {
	if c.FleetTaskTimeoutSec > 0 {
		return time.Duration(c.FleetTaskTimeoutSec) * time.Second
	}
	return 2 * c.TaskTimeout()
}

// Paths bundles the per-worker subdirectories derived from SharedRoot and
// WorkerName, per spec.md §6.
type Paths struct {
	Tasks           string
	Results         string
	DLQ             string
	Triggers        string
	HeartbeatFile   string
	TriggersOrch    string
	StateFile       string
}

func (c *Config) WorkerPaths() Paths {
	return Paths{
		Tasks:         filepath.Join(c.SharedRoot, "tasks", c.WorkerName),
		Results:       filepath.Join(c.SharedRoot, "results", c.WorkerName),
		DLQ:           filepath.Join(c.SharedRoot, "dlq", c.WorkerName),
		Triggers:      filepath.Join(c.SharedRoot, "triggers", c.WorkerName),
		HeartbeatFile: filepath.Join(c.SharedRoot, "heartbeats", c.WorkerName+".json"),
	}
}

func (c *Config) OrchestratorPaths() Paths {
	return Paths{
		TriggersOrch: filepath.Join(c.SharedRoot, "triggers", "orchestrator"),
		StateFile:    filepath.Join(c.SharedRoot, "state", "orchestrator.json"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrent_tasks", 3)
	v.SetDefault("task_timeout_seconds", 600)
	v.SetDefault("max_retries", 3)
	v.SetDefault("initial_retry_delay_seconds", 1)
	v.SetDefault("retry_backoff_multiplier", 2.0)
	v.SetDefault("retry_max_delay_seconds", 60)
	v.SetDefault("circuit_failure_threshold", 5)
	v.SetDefault("circuit_open_duration_seconds", 60)
	v.SetDefault("heartbeat_interval_seconds", 10)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("log_format", "text")
	v.SetDefault("log_level", "info")
	v.SetDefault("lock_wait_seconds", 30)
	v.SetDefault("health_tick_seconds", 5)
	v.SetDefault("shared_root", "./shared")
}

// newViper builds a viper instance reading the given config path (if any),
// the current directory, and environment variables under the given prefix.
// Priority: Env Vars > Config File > Defaults.
func newViper(envPrefix, configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadWorker builds the Config for a single worker-watcher process. flags,
// if non-nil, is the command's pflag.FlagSet; any of --max-concurrent,
// --log-level, --log-format it carries outrank the environment and config
// file, per viper's BindPFlag precedence (spec.md §6).
func LoadWorker(workerName, configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper("WATCHER", configPath)
	_ = v.BindEnv("shared_root", "SHARED_ROOT")
	_ = v.BindEnv("max_concurrent_tasks", "MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("task_timeout_seconds", "TASK_TIMEOUT")
	_ = v.BindEnv("max_retries", "MAX_RETRIES")
	_ = v.BindEnv("initial_retry_delay_seconds", "INITIAL_RETRY_DELAY")
	_ = v.BindEnv("retry_backoff_multiplier", "RETRY_BACKOFF")
	_ = v.BindEnv("circuit_failure_threshold", "CIRCUIT_THRESHOLD")
	_ = v.BindEnv("circuit_open_duration_seconds", "CIRCUIT_OPEN_DURATION")
	_ = v.BindEnv("heartbeat_interval_seconds", "HEARTBEAT_INTERVAL")
	_ = v.BindEnv("metrics_port", "METRICS_PORT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("log_format", "LOG_FORMAT")

	if flags != nil {
		_ = v.BindPFlag("max_concurrent_tasks", flags.Lookup("max-concurrent"))
		_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
		_ = v.BindPFlag("log_format", flags.Lookup("log-format"))
	}

	if err := readIfPresent(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &InvalidConfig{Field: "*", Reason: err.Error()}
	}
	if workerName != "" {
		cfg.WorkerName = workerName
	}
	cfg.WorkerName = strings.TrimSpace(cfg.WorkerName)

	if err := validateWorker(&cfg); err != nil {
		return nil, err
	}
	if err := ensureWorkerDirs(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrchestrator builds the Config for the fleet-level listener. flags,
// if non-nil, is the command's pflag.FlagSet; --log-level/--log-format
// outrank the environment and config file, per viper's BindPFlag
// precedence (spec.md §6).
func LoadOrchestrator(workers []string, configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper("ORCHESTRATOR", configPath)
	_ = v.BindEnv("shared_root", "SHARED_ROOT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("log_format", "LOG_FORMAT")
	_ = v.BindEnv("heartbeat_interval_seconds", "HEARTBEAT_INTERVAL")

	if flags != nil {
		_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
		_ = v.BindPFlag("log_format", flags.Lookup("log-format"))
	}

	if err := readIfPresent(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &InvalidConfig{Field: "*", Reason: err.Error()}
	}
	if len(workers) > 0 {
		cfg.Workers = workers
	}
	if err := validateOrchestrator(&cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.SharedRoot, "triggers", "orchestrator"), 0o755); err != nil {
		return nil, &InvalidConfig{Field: "shared_root", Reason: err.Error()}
	}
	if err := os.MkdirAll(filepath.Join(cfg.SharedRoot, "state"), 0o755); err != nil {
		return nil, &InvalidConfig{Field: "shared_root", Reason: err.Error()}
	}
	return &cfg, nil
}

func readIfPresent(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return &InvalidConfig{Field: "config_file", Reason: err.Error()}
		}
	}
	return nil
}

func validateWorker(cfg *Config) error {
	if cfg.WorkerName == "" {
		return &InvalidConfig{Field: "worker_name", Reason: "required"}
	}
	if cfg.SharedRoot == "" {
		return &InvalidConfig{Field: "shared_root", Reason: "required"}
	}
	if cfg.MaxConcurrentTasks < 1 {
		return &InvalidConfig{Field: "max_concurrent_tasks", Reason: "must be >= 1"}
	}
	if cfg.TaskTimeoutSeconds < 1 {
		return &InvalidConfig{Field: "task_timeout_seconds", Reason: "must be >= 1"}
	}
	if cfg.MaxRetries < 0 {
		return &InvalidConfig{Field: "max_retries", Reason: "must be >= 0"}
	}
	if cfg.RetryBackoffMult <= 0 {
		return &InvalidConfig{Field: "retry_backoff_multiplier", Reason: "must be > 0"}
	}
	if cfg.CircuitFailureThreshold < 1 {
		return &InvalidConfig{Field: "circuit_failure_threshold", Reason: "must be >= 1"}
	}
	if cfg.HeartbeatIntervalSec < 1 {
		return &InvalidConfig{Field: "heartbeat_interval_seconds", Reason: "must be >= 1"}
	}
	if cfg.MetricsPort < 1 || cfg.MetricsPort > 65535 {
		return &InvalidConfig{Field: "metrics_port", Reason: "must be a valid TCP port"}
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return &InvalidConfig{Field: "log_format", Reason: "must be 'text' or 'json'"}
	}
	if cfg.LockWaitSeconds < 1 {
		return &InvalidConfig{Field: "lock_wait_seconds", Reason: "must be >= 1"}
	}
	return nil
}

func validateOrchestrator(cfg *Config) error {
	if cfg.SharedRoot == "" {
		return &InvalidConfig{Field: "shared_root", Reason: "required"}
	}
	if len(cfg.Workers) == 0 {
		return &InvalidConfig{Field: "workers", Reason: "at least one worker is required"}
	}
	if cfg.HealthTickSeconds < 1 {
		return &InvalidConfig{Field: "health_tick_seconds", Reason: "must be >= 1"}
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return &InvalidConfig{Field: "log_format", Reason: "must be 'text' or 'json'"}
	}
	return nil
}

func ensureWorkerDirs(cfg *Config) error {
	p := cfg.WorkerPaths()
	for field, dir := range map[string]string{
		"tasks":      p.Tasks,
		"results":    p.Results,
		"dlq":        p.DLQ,
		"triggers":   p.Triggers,
		"heartbeats": filepath.Dir(p.HeartbeatFile),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &InvalidConfig{Field: field, Reason: err.Error()}
		}
	}
	return nil
}
