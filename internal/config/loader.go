package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/pool"
	"github.com/lfedgeai/SPEAR-sub001/internal/store"
)

// Config holds runtime parameters for the node.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Node         NodeConfig     `json:"node" yaml:"node" toml:"node"`
	Log          LogConfig      `json:"log" yaml:"log" toml:"log"`
	HTTP         HTTPConfig     `json:"http" yaml:"http" toml:"http"`
	Manager      ManagerConfig  `json:"manager" yaml:"manager" toml:"manager"`
	Pool         PoolConfig     `json:"pool" yaml:"pool" toml:"pool"`
	Events       EventsConfig   `json:"events" yaml:"events" toml:"events"`
	Store        StoreConfig    `json:"store" yaml:"store" toml:"store"`
	Runtimes     RuntimesConfig `json:"runtimes" yaml:"runtimes" toml:"runtimes"`
	ArtifactsDir string         `json:"artifacts_dir" yaml:"artifacts_dir" toml:"artifacts_dir"`
}

type NodeConfig struct {
	NodeID  string `json:"node_id" yaml:"node_id" toml:"node_id"`
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

type HTTPConfig struct {
	// Empty Addr disables the HTTP gateway.
	Addr         string     `json:"addr" yaml:"addr" toml:"addr"`
	MaxBodyBytes int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORS         CORSConfig `json:"cors" yaml:"cors" toml:"cors"`
}

type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

type ManagerConfig struct {
	MaxConcurrentTasks        int             `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks" toml:"max_concurrent_tasks"`
	MaxArtifacts              int             `json:"max_artifacts" yaml:"max_artifacts" toml:"max_artifacts"`
	MaxTasksPerArtifact       int             `json:"max_tasks_per_artifact" yaml:"max_tasks_per_artifact" toml:"max_tasks_per_artifact"`
	MaxInstancesPerTask       int             `json:"max_instances_per_task" yaml:"max_instances_per_task" toml:"max_instances_per_task"`
	InstanceCreationTimeoutMs int64           `json:"instance_creation_timeout_ms" yaml:"instance_creation_timeout_ms" toml:"instance_creation_timeout_ms"`
	HealthCheckIntervalMs     int64           `json:"health_check_interval_ms" yaml:"health_check_interval_ms" toml:"health_check_interval_ms"`
	CleanupIntervalMs         int64           `json:"cleanup_interval_ms" yaml:"cleanup_interval_ms" toml:"cleanup_interval_ms"`
	TaskIdleTimeoutMs         int64           `json:"task_idle_timeout_ms" yaml:"task_idle_timeout_ms" toml:"task_idle_timeout_ms"`
	DefaultExecutionTimeoutMs int64           `json:"default_execution_timeout_ms" yaml:"default_execution_timeout_ms" toml:"default_execution_timeout_ms"`
	DrainGraceMs              int64           `json:"drain_grace_ms" yaml:"drain_grace_ms" toml:"drain_grace_ms"`
	Retry                     RetryConfig     `json:"retry" yaml:"retry" toml:"retry"`
	Admission                 AdmissionConfig `json:"admission" yaml:"admission" toml:"admission"`
}

type RetryConfig struct {
	Attempts         int   `json:"attempts" yaml:"attempts" toml:"attempts"`
	InitialBackoffMs int64 `json:"initial_backoff_ms" yaml:"initial_backoff_ms" toml:"initial_backoff_ms"`
	MaxBackoffMs     int64 `json:"max_backoff_ms" yaml:"max_backoff_ms" toml:"max_backoff_ms"`
}

type AdmissionConfig struct {
	FailFast bool `json:"fail_fast" yaml:"fail_fast" toml:"fail_fast"`
}

type PoolConfig struct {
	IdleTimeoutMs          int64  `json:"idle_timeout_ms" yaml:"idle_timeout_ms" toml:"idle_timeout_ms"`
	HealthCheckIntervalMs  int64  `json:"health_check_interval_ms" yaml:"health_check_interval_ms" toml:"health_check_interval_ms"`
	HealthFailureThreshold int    `json:"health_failure_threshold" yaml:"health_failure_threshold" toml:"health_failure_threshold"`
	MaxWaiters             int    `json:"max_waiters" yaml:"max_waiters" toml:"max_waiters"`
	SchedulingPolicy       string `json:"scheduling_policy" yaml:"scheduling_policy" toml:"scheduling_policy"`
}

type EventsConfig struct {
	// Empty RedisAddr disables the task event subscriber.
	RedisAddr      string `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword  string `json:"redis_password" yaml:"redis_password" toml:"redis_password"`
	Stream         string `json:"stream" yaml:"stream" toml:"stream"`
	TaskHashPrefix string `json:"task_hash_prefix" yaml:"task_hash_prefix" toml:"task_hash_prefix"`
	RetryMs        int64  `json:"retry_ms" yaml:"retry_ms" toml:"retry_ms"`
	// BlockMs bounds each stream read, and so how quickly shutdown is noticed.
	BlockMs int64 `json:"block_ms" yaml:"block_ms" toml:"block_ms"`
	Prewarm        bool   `json:"prewarm" yaml:"prewarm" toml:"prewarm"`
}

type StoreConfig struct {
	Driver     string `json:"driver" yaml:"driver" toml:"driver"`
	DSN        string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxRecords int    `json:"max_records" yaml:"max_records" toml:"max_records"`
}

type RuntimesConfig struct {
	Process   ProcessRuntime   `json:"process" yaml:"process" toml:"process"`
	Container ContainerRuntime `json:"container" yaml:"container" toml:"container"`
	Wasm      WasmRuntime      `json:"wasm" yaml:"wasm" toml:"wasm"`
}

type ProcessRuntime struct {
	WorkDir     string `json:"work_dir" yaml:"work_dir" toml:"work_dir"`
	StopGraceMs int64  `json:"stop_grace_ms" yaml:"stop_grace_ms" toml:"stop_grace_ms"`
}

type ContainerRuntime struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Network string `json:"network" yaml:"network" toml:"network"`
}

type WasmRuntime struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// Default returns the node defaults.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unspecified field.
func (c *Config) ApplyDefaults() {
	setStr(&c.Node.NodeID, hostname())
	setStr(&c.Node.DataDir, "./data")
	setStr(&c.Log.Level, "info")
	setStr(&c.Log.Format, "console")
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 1 << 20
	}

	m := &c.Manager
	setInt(&m.MaxConcurrentTasks, 1000)
	setInt(&m.MaxArtifacts, 100)
	setInt(&m.MaxTasksPerArtifact, 10)
	setInt(&m.MaxInstancesPerTask, 50)
	setMs(&m.InstanceCreationTimeoutMs, 30_000)
	setMs(&m.HealthCheckIntervalMs, 10_000)
	setMs(&m.CleanupIntervalMs, 60_000)
	setMs(&m.TaskIdleTimeoutMs, 180_000)
	setMs(&m.DefaultExecutionTimeoutMs, 30_000)
	setMs(&m.DrainGraceMs, 10_000)
	setInt(&m.Retry.Attempts, 3)
	setMs(&m.Retry.InitialBackoffMs, 100)
	setMs(&m.Retry.MaxBackoffMs, 2_000)

	p := &c.Pool
	setMs(&p.IdleTimeoutMs, 300_000)
	if p.HealthCheckIntervalMs == 0 {
		p.HealthCheckIntervalMs = m.HealthCheckIntervalMs
	}
	setInt(&p.HealthFailureThreshold, 3)
	setStr(&p.SchedulingPolicy, string(pool.PolicyLeastConnections))

	setStr(&c.Events.Stream, "spear:task_events")
	setStr(&c.Events.TaskHashPrefix, "spear:task:")
	setMs(&c.Events.RetryMs, 1_000)
	setMs(&c.Events.BlockMs, 5_000)

	setStr(&c.Store.Driver, store.DriverMemory)
	setInt(&c.Store.MaxRecords, 10_000)

	setMs(&c.Runtimes.Process.StopGraceMs, 5_000)
}

// Validate rejects non-positive limits and unknown enumerations.
func (c Config) Validate() error {
	m := c.Manager
	limits := map[string]int64{
		"manager.max_concurrent_tasks":         int64(m.MaxConcurrentTasks),
		"manager.max_artifacts":                int64(m.MaxArtifacts),
		"manager.max_tasks_per_artifact":       int64(m.MaxTasksPerArtifact),
		"manager.max_instances_per_task":       int64(m.MaxInstancesPerTask),
		"manager.instance_creation_timeout_ms": m.InstanceCreationTimeoutMs,
		"manager.health_check_interval_ms":     m.HealthCheckIntervalMs,
		"manager.cleanup_interval_ms":          m.CleanupIntervalMs,
		"manager.task_idle_timeout_ms":         m.TaskIdleTimeoutMs,
		"manager.default_execution_timeout_ms": m.DefaultExecutionTimeoutMs,
		"manager.retry.attempts":               int64(m.Retry.Attempts),
		"pool.idle_timeout_ms":                 c.Pool.IdleTimeoutMs,
		"pool.health_failure_threshold":        int64(c.Pool.HealthFailureThreshold),
	}
	for _, k := range slices.Sorted(maps.Keys(limits)) {
		if limits[k] <= 0 {
			return errs.Configuration("%s must be positive, got %d", k, limits[k])
		}
	}
	if m.Retry.MaxBackoffMs < m.Retry.InitialBackoffMs {
		return errs.Configuration("manager.retry.max_backoff_ms (%d) is below initial_backoff_ms (%d)", m.Retry.MaxBackoffMs, m.Retry.InitialBackoffMs)
	}
	if c.Pool.MaxWaiters < 0 {
		return errs.Configuration("pool.max_waiters must not be negative")
	}
	if _, err := pool.ParsePolicy(c.Pool.SchedulingPolicy); err != nil {
		return errs.Wrap(errs.ClassConfiguration, errs.KindValidation, err, "pool.scheduling_policy")
	}
	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return errs.New(errs.ClassConfiguration, errs.KindValidation, "store.dsn is required for the postgres driver")
		}
	default:
		return errs.New(errs.ClassConfiguration, errs.KindValidation, "unknown store driver %q", c.Store.Driver)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errs.New(errs.ClassConfiguration, errs.KindValidation, "unknown log format %q", c.Log.Format)
	}
	return nil
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Ms converts a millisecond setting to a duration.
func Ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func setStr(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func setMs(p *int64, def int64) {
	if *p == 0 {
		*p = def
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "spearlet"
	}
	return h
}
