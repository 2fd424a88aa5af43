// Package config holds the typed beaver-batch configuration and its loading rules.
//
// Precedence (highest first): command-line flags, BEAVER_* environment
// variables, the YAML config file, then Default().
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
)

// EnvPrefix is the environment variable prefix (BEAVER_JOB_THREAD_COUNT, ...)
const EnvPrefix = "BEAVER"

// Config represents the complete job configuration
type Config struct {
	Job        JobConfig         `yaml:"job" mapstructure:"job"`
	Upstream   UpstreamConfig    `yaml:"upstream" mapstructure:"upstream"`
	Loader     LoaderConfig      `yaml:"loader" mapstructure:"loader"`
	Task       TaskConfig        `yaml:"task" mapstructure:"task"`
	Queue      QueueConfig       `yaml:"queue" mapstructure:"queue"`
	Monitor    MonitorConfig     `yaml:"monitor" mapstructure:"monitor"`
	Admin      AdminConfig       `yaml:"admin" mapstructure:"admin"`
	Logging    logging.Config    `yaml:"logging" mapstructure:"logging"`
	Properties map[string]string `yaml:"properties" mapstructure:"properties"`
}

// JobConfig holds dispatch and worker pool settings
type JobConfig struct {
	ThreadCount   int    `yaml:"thread_count" mapstructure:"thread_count"`
	QueueCapacity int    `yaml:"queue_capacity" mapstructure:"queue_capacity"` // 0 means equal to thread_count
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size"`
	FailOnError   bool   `yaml:"fail_on_error" mapstructure:"fail_on_error"`
	SlowLimit     int    `yaml:"slow_limit" mapstructure:"slow_limit"`
	FailedLimit   int    `yaml:"failed_limit" mapstructure:"failed_limit"`
	StatsFile     string `yaml:"stats_file" mapstructure:"stats_file"`
}

// UpstreamConfig holds connection pool settings
type UpstreamConfig struct {
	URIs          []string      `yaml:"uris" mapstructure:"uris"`
	Policy        string        `yaml:"policy" mapstructure:"policy"` // round-robin, random, load
	RetryLimit    int           `yaml:"retry_limit" mapstructure:"retry_limit"`
	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// LoaderConfig selects and configures the work identifier producer
type LoaderConfig struct {
	Type           string   `yaml:"type" mapstructure:"type"` // file, query, sql, static
	File           string   `yaml:"file" mapstructure:"file"`
	Module         string   `yaml:"module" mapstructure:"module"`
	ReplacePattern string   `yaml:"replace_pattern" mapstructure:"replace_pattern"`
	DSN            string   `yaml:"dsn" mapstructure:"dsn"`
	CountQuery     string   `yaml:"count_query" mapstructure:"count_query"`
	IDQuery        string   `yaml:"id_query" mapstructure:"id_query"`
	IDs            []string `yaml:"ids" mapstructure:"ids"` // static loader
}

// TaskConfig selects the work units
type TaskConfig struct {
	Process         string `yaml:"process" mapstructure:"process"`
	ProcessModule   string `yaml:"process_module" mapstructure:"process_module"`
	PreBatch        string `yaml:"pre_batch" mapstructure:"pre_batch"`
	PreBatchModule  string `yaml:"pre_batch_module" mapstructure:"pre_batch_module"`
	PostBatch       string `yaml:"post_batch" mapstructure:"post_batch"`
	PostBatchModule string `yaml:"post_batch_module" mapstructure:"post_batch_module"`
	ExportDir       string `yaml:"export_dir" mapstructure:"export_dir"`
}

// QueueConfig holds spill queue settings
type QueueConfig struct {
	MaxInMemory     int     `yaml:"max_in_memory" mapstructure:"max_in_memory"`
	TempDir         string  `yaml:"temp_dir" mapstructure:"temp_dir"`
	RefillThreshold float64 `yaml:"refill_threshold" mapstructure:"refill_threshold"`
}

// MonitorConfig holds progress monitor settings
type MonitorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval" mapstructure:"progress_interval"`
	TPSWindow        int           `yaml:"tps_window" mapstructure:"tps_window"`
}

// AdminConfig holds the administrative HTTP endpoint settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	return &Config{
		Job: JobConfig{
			ThreadCount: 1,
			BatchSize:   1,
			SlowLimit:   5,
			FailedLimit: 1000,
		},
		Upstream: UpstreamConfig{
			Policy:        "round-robin",
			RetryLimit:    3,
			RetryInterval: 60 * time.Second,
		},
		Loader: LoaderConfig{
			Type: "file",
		},
		Task: TaskConfig{
			Process: "invoke",
		},
		Queue: QueueConfig{
			MaxInMemory:     100000,
			RefillThreshold: 0.75,
		},
		Monitor: MonitorConfig{
			PollInterval:     time.Second,
			ProgressInterval: 60 * time.Second,
			TPSWindow:        10,
		},
		Admin: AdminConfig{
			Addr: ":9080",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Properties: map[string]string{},
	}
}

// SetDefaults registers Default() in v so that env-only keys are visible to Unmarshal
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("job.thread_count", d.Job.ThreadCount)
	v.SetDefault("job.queue_capacity", d.Job.QueueCapacity)
	v.SetDefault("job.batch_size", d.Job.BatchSize)
	v.SetDefault("job.fail_on_error", d.Job.FailOnError)
	v.SetDefault("job.slow_limit", d.Job.SlowLimit)
	v.SetDefault("job.failed_limit", d.Job.FailedLimit)
	v.SetDefault("job.stats_file", d.Job.StatsFile)
	v.SetDefault("upstream.uris", d.Upstream.URIs)
	v.SetDefault("upstream.policy", d.Upstream.Policy)
	v.SetDefault("upstream.retry_limit", d.Upstream.RetryLimit)
	v.SetDefault("upstream.retry_interval", d.Upstream.RetryInterval)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("loader.type", d.Loader.Type)
	v.SetDefault("loader.file", d.Loader.File)
	v.SetDefault("loader.module", d.Loader.Module)
	v.SetDefault("loader.replace_pattern", d.Loader.ReplacePattern)
	v.SetDefault("loader.dsn", d.Loader.DSN)
	v.SetDefault("loader.count_query", d.Loader.CountQuery)
	v.SetDefault("loader.id_query", d.Loader.IDQuery)
	v.SetDefault("loader.ids", d.Loader.IDs)
	v.SetDefault("task.process", d.Task.Process)
	v.SetDefault("task.process_module", d.Task.ProcessModule)
	v.SetDefault("task.pre_batch", d.Task.PreBatch)
	v.SetDefault("task.pre_batch_module", d.Task.PreBatchModule)
	v.SetDefault("task.post_batch", d.Task.PostBatch)
	v.SetDefault("task.post_batch_module", d.Task.PostBatchModule)
	v.SetDefault("task.export_dir", d.Task.ExportDir)
	v.SetDefault("queue.max_in_memory", d.Queue.MaxInMemory)
	v.SetDefault("queue.temp_dir", d.Queue.TempDir)
	v.SetDefault("queue.refill_threshold", d.Queue.RefillThreshold)
	v.SetDefault("monitor.poll_interval", d.Monitor.PollInterval)
	v.SetDefault("monitor.progress_interval", d.Monitor.ProgressInterval)
	v.SetDefault("monitor.tps_window", d.Monitor.TPSWindow)
	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.add_source", d.Logging.AddSource)
	v.SetDefault("logging.time_format", d.Logging.TimeFormat)
	v.SetDefault("logging.no_color", d.Logging.NoColor)
}

// NewViper returns a viper instance wired for BEAVER_* environment overrides.
// When path is non-empty the YAML file is read; a missing file is an error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return v, nil
}

// Load decodes v into a Config and validates it
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Properties == nil {
		cfg.Properties = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is shorthand for NewViper(path) followed by Load
func LoadFile(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return Load(v)
}

// WriteDefault writes Default() as YAML to path, refusing to overwrite
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is usable for a job run
func (c *Config) Validate() error {
	if c.Job.ThreadCount <= 0 {
		return fmt.Errorf("job thread_count must be greater than 0")
	}
	if c.Job.QueueCapacity < 0 {
		return fmt.Errorf("job queue_capacity must not be negative")
	}
	if c.Job.BatchSize <= 0 {
		return fmt.Errorf("job batch_size must be greater than 0")
	}
	if len(c.Upstream.URIs) == 0 {
		return fmt.Errorf("at least one upstream uri is required")
	}
	switch c.Upstream.Policy {
	case "round-robin", "random", "load", "":
	default:
		return fmt.Errorf("invalid upstream policy: %q (must be round-robin, random or load)", c.Upstream.Policy)
	}
	if c.Upstream.RetryLimit < 0 {
		return fmt.Errorf("upstream retry_limit must not be negative")
	}
	if c.Upstream.RetryInterval < 0 {
		return fmt.Errorf("upstream retry_interval must not be negative")
	}
	if c.Loader.Type == "" {
		return fmt.Errorf("loader type is required")
	}
	if c.Task.Process == "" {
		return fmt.Errorf("task process is required")
	}
	if c.Queue.RefillThreshold < 0 || c.Queue.RefillThreshold > 1 {
		return fmt.Errorf("queue refill_threshold must be between 0 and 1")
	}
	if c.Monitor.TPSWindow < 0 {
		return fmt.Errorf("monitor tps_window must not be negative")
	}
	return nil
}

// EffectiveQueueCapacity resolves the zero value of queue_capacity
func (c *Config) EffectiveQueueCapacity() int {
	if c.Job.QueueCapacity > 0 {
		return c.Job.QueueCapacity
	}
	return c.Job.ThreadCount
}
