package types

import (
	"encoding/json"
	"time"
)

// Execution modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Execution statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// ExecuteRequest asks the node to run a payload against a task.
type ExecuteRequest struct {
	// Optional caller-chosen id; generated when empty.
	ExecutionID string `json:"execution_id,omitempty"`
	// Id of an already registered artifact.
	// example: echo-v1
	ArtifactID string `json:"artifact_id,omitempty" example:"echo-v1"`
	// Inline artifact, registered idempotently before execution.
	Artifact *ArtifactSpec `json:"artifact,omitempty"`
	// Optional task id. When set without an artifact, the task must exist or be resolvable.
	TaskID string `json:"task_id,omitempty"`
	// Opaque JSON payload delivered to the handler.
	// example: {"msg":"hi"}
	Payload json.RawMessage `json:"payload,omitempty"`
	// sync (default) or async.
	// example: sync
	Mode string `json:"mode,omitempty" example:"sync"`
	// Per-request deadline; 0 uses the artifact or node default.
	// example: 5000
	TimeoutMs int64             `json:"timeout_ms,omitempty" example:"5000"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorInfo carries a classified failure.
type ErrorInfo struct {
	// example: runtime
	Class string `json:"class" example:"runtime"`
	// example: timeout
	Kind    string `json:"kind" example:"timeout"`
	Message string `json:"message"`
}

// ExecutionResponse is the outcome of one execution.
type ExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id,omitempty"`
	ArtifactID  string `json:"artifact_id,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"`
	// pending, running, succeeded, failed or canceled.
	// example: succeeded
	Status string `json:"status" example:"succeeded"`
	// Handler output; non-JSON output is returned as a JSON string.
	Output          json.RawMessage `json:"output,omitempty"`
	ExitCode        int             `json:"exit_code,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Error           *ErrorInfo      `json:"error,omitempty"`
}

// ExecutionRecord is a persisted execution, as returned by status lookups.
type ExecutionRecord struct {
	ExecutionResponse
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the record will no longer change.
func (r ExecutionRecord) Terminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ExecutionStatistics aggregates node-wide execution counters.
type ExecutionStatistics struct {
	// example: 10
	TotalExecutions uint64 `json:"total_executions" example:"10"`
	// example: 9
	SucceededExecutions uint64 `json:"succeeded_executions" example:"9"`
	// example: 1
	FailedExecutions   uint64 `json:"failed_executions" example:"1"`
	CanceledExecutions uint64 `json:"canceled_executions"`
	// example: 12.5
	AvgLatencyMs float64 `json:"avg_latency_ms" example:"12.5"`
	// Instances across all pools that are ready or running.
	ActiveInstances int `json:"active_instances"`
	// Callers waiting for admission or for an instance.
	QueueLength       int   `json:"queue_length"`
	RunningExecutions int   `json:"running_executions"`
	ActiveArtifacts   int   `json:"active_artifacts"`
	ActiveTasks       int   `json:"active_tasks"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Error kind, when classified.
	// example: validation
	Kind string `json:"kind,omitempty" example:"validation"`
}

// ArtifactsResponse wraps GET /v1/artifacts.
type ArtifactsResponse struct {
	Artifacts []ArtifactInfo `json:"artifacts"`
}

// TasksResponse wraps GET /v1/tasks.
type TasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}
