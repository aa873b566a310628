package types

import "time"

// ResourceLimits are the ceilings an artifact asks its instances to respect.
type ResourceLimits struct {
	// CPU cores per instance; 0 leaves the runtime default.
	// example: 0.5
	CPUCores float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty" toml:"cpu_cores,omitempty" example:"0.5"`
	// Memory ceiling per instance in bytes; 0 leaves the runtime default.
	// example: 134217728
	MemoryBytes int64 `json:"memory_bytes,omitempty" yaml:"memory_bytes,omitempty" toml:"memory_bytes,omitempty" example:"134217728"`
}

// ArtifactSpec describes a deployable unit of code. It is also the on-disk
// manifest format.
type ArtifactSpec struct {
	// Stable identifier, unique per node.
	// example: echo-v1
	ID string `json:"id" yaml:"id" toml:"id" example:"echo-v1"`
	// example: echo
	Name string `json:"name" yaml:"name" toml:"name" example:"echo"`
	// example: 1.0.0
	Version string `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty" example:"1.0.0"`
	// Runtime backend: process, container, kubernetes or wasm.
	// example: process
	RuntimeType string `json:"runtime_type" yaml:"runtime_type" toml:"runtime_type" example:"process"`
	// Binary path, image reference or module path, depending on the runtime.
	// example: /usr/bin/cat
	Location string `json:"location,omitempty" yaml:"location,omitempty" toml:"location,omitempty" example:"/usr/bin/cat"`
	// Optional content checksum ("sha256:<hex>").
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty" toml:"checksum,omitempty"`
	// Opaque runtime-specific configuration (command, image, mode, ...).
	RuntimeConfig map[string]any `json:"runtime_config,omitempty" yaml:"runtime_config,omitempty" toml:"runtime_config,omitempty"`
	// Environment injected into every instance.
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty" toml:"environment,omitempty"`
	ResourceLimits ResourceLimits `json:"resource_limits,omitempty" yaml:"resource_limits,omitempty" toml:"resource_limits,omitempty"`
	// sync, async or stream. Defaults to sync.
	// example: sync
	InvocationType string `json:"invocation_type,omitempty" yaml:"invocation_type,omitempty" toml:"invocation_type,omitempty" example:"sync"`
	// Upper bound for a single execution; 0 uses the node default.
	// example: 30000
	MaxExecutionTimeoutMs int64 `json:"max_execution_timeout_ms,omitempty" yaml:"max_execution_timeout_ms,omitempty" toml:"max_execution_timeout_ms,omitempty" example:"30000"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty" toml:"labels,omitempty"`
}

// ArtifactInfo is a registered artifact as reported by the API.
type ArtifactInfo struct {
	ArtifactSpec
	// registered, active, deprecated or removed.
	// example: active
	Status    string    `json:"status" example:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstanceStatus summarizes one pooled instance.
type InstanceStatus struct {
	// example: echo-v1-task-inst-1
	ID string `json:"id" example:"echo-v1-task-inst-1"`
	// creating, ready, running, terminating, failed or unhealthy.
	// example: ready
	State string `json:"state" example:"ready"`
	// example: 0
	ActiveRequests int `json:"active_requests" example:"0"`
	// Moving average of request latency.
	// example: 12.5
	AvgRequestTimeMs float64 `json:"avg_request_time_ms" example:"12.5"`
	TotalRequests    uint64  `json:"total_requests"`
	FailedRequests   uint64  `json:"failed_requests"`
	HealthFailures   int     `json:"health_failures"`
	Generation       uint64  `json:"generation"`
	// Last time this instance served a request (unix seconds).
	LastUsed int64 `json:"last_used_unix"`
}

// PoolStatus summarizes a task's instance pool.
type PoolStatus struct {
	Generation uint64           `json:"generation"`
	Instances  []InstanceStatus `json:"instances"`
	// Callers currently waiting for an instance.
	Waiting int `json:"waiting"`
	// example: 1
	MinInstances int `json:"min_instances" example:"1"`
	// example: 10
	MaxInstances int `json:"max_instances" example:"10"`
	Draining     bool `json:"draining,omitempty"`
}

// TaskInfo is a task as reported by the API.
type TaskInfo struct {
	// example: echo-v1-task
	ID         string `json:"id" example:"echo-v1-task"`
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name"`
	// pending, active, inactive or terminated.
	// example: active
	Status         string      `json:"status" example:"active"`
	TaskType       string      `json:"task_type"`
	RuntimeType    string      `json:"runtime_type"`
	EntryPoint     string      `json:"entry_point"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	Pool           *PoolStatus `json:"pool,omitempty"`
}

// TaskRecord is the cluster-side description of a task used to hydrate
// local state from the event feed.
type TaskRecord struct {
	TaskID   string            `json:"task_id"`
	NodeID   string            `json:"node_id"`
	Name     string            `json:"name,omitempty"`
	Artifact ArtifactSpec      `json:"artifact"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
