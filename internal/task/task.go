// Package task derives runnable task specifications from artifacts and
// tracks their lifecycle.
package task

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/artifact"
	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// Type is the kind of workload a task runs.
type Type string

const (
	TypeHTTPHandler     Type = "http_handler"
	TypeBackgroundJob   Type = "background_job"
	TypeStreamProcessor Type = "stream_processor"
	TypeEventHandler    Type = "event_handler"
	TypeScheduled       Type = "scheduled_task"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusTerminated Status = "terminated"
)

// Runtime config keys an artifact may set to shape its derived task.
const (
	KeyTaskType          = "task_type"
	KeyEntryPoint        = "entry_point"
	KeyMinInstances      = "min_instances"
	KeyMaxInstances      = "max_instances"
	KeyTargetConcurrency = "target_concurrency"
	KeyHandler           = "handler"
)

// Defaults for derived tasks.
const (
	DefaultEntryPoint        = "main"
	DefaultMinInstances      = 1
	DefaultMaxInstances      = 10
	DefaultTargetConcurrency = 100
	DefaultInitTimeout       = 30 * time.Second
	DefaultExecutionTimeout  = 300 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultHealthInterval    = 30 * time.Second
	DefaultFailureThreshold  = 3
	DefaultSuccessThreshold  = 1
)

// ScalingConfig bounds the instance pool.
type ScalingConfig struct {
	MinInstances      int
	MaxInstances      int
	TargetConcurrency int
}

// HealthConfig controls probing of idle instances.
type HealthConfig struct {
	Interval         time.Duration
	FailureThreshold int
	SuccessThreshold int
}

// TimeoutConfig holds per-phase deadlines.
type TimeoutConfig struct {
	Init      time.Duration
	Execution time.Duration
	Shutdown  time.Duration
}

// Spec is the runnable form of an artifact.
type Spec struct {
	Name           string
	Type           Type
	RuntimeType    runtime.Type
	EntryPoint     string
	HandlerConfig  map[string]any
	Environment    map[string]string
	InvocationType artifact.InvocationType
	Scaling        ScalingConfig
	Health         HealthConfig
	Timeouts       TimeoutConfig
}

// Task binds a Spec to the artifact it was derived from.
type Task struct {
	ID             string
	ArtifactID     string
	Spec           Spec
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Info converts to the API representation.
func (t Task) Info() types.TaskInfo {
	return types.TaskInfo{
		ID:             t.ID,
		ArtifactID:     t.ArtifactID,
		Name:           t.Spec.Name,
		Status:         string(t.Status),
		TaskType:       string(t.Spec.Type),
		RuntimeType:    string(t.Spec.RuntimeType),
		EntryPoint:     t.Spec.EntryPoint,
		CreatedAt:      t.CreatedAt,
		LastActivityAt: t.LastActivityAt,
	}
}

// IsIdle reports whether the task has seen no activity for longer than idle.
func IsIdle(t Task, idle time.Duration, now time.Time) bool {
	return idle > 0 && now.Sub(t.LastActivityAt) > idle
}

// InstanceConfig builds the adapter input for one instance of t.
func InstanceConfig(t Task, a artifact.Artifact, instanceID string) runtime.InstanceConfig {
	env := make(map[string]string, len(t.Spec.Environment)+1)
	for k, v := range t.Spec.Environment {
		env[k] = v
	}
	env["TASK_ID"] = t.ID
	return runtime.InstanceConfig{
		InstanceID:    instanceID,
		TaskID:        t.ID,
		EntryPoint:    t.Spec.EntryPoint,
		Environment:   env,
		RuntimeConfig: a.Spec.RuntimeConfig,
		HandlerConfig: t.Spec.HandlerConfig,
		Limits: runtime.Limits{
			CPUCores:    a.Spec.ResourceLimits.CPUCores,
			MemoryBytes: a.Spec.ResourceLimits.MemoryBytes,
		},
		Snapshot:    a.Snapshot(),
		InitTimeout: t.Spec.Timeouts.Init,
	}
}

// DefaultTaskID is the id used when a caller does not name the task.
func DefaultTaskID(artifactID string) string { return artifactID + "-task" }

// Derive maps an artifact to a task spec, applying defaults for fields the
// artifact does not set.
func Derive(a artifact.Artifact) (Spec, error) {
	rc := a.Spec.RuntimeConfig
	s := Spec{
		Name:           a.Spec.Name,
		Type:           TypeHTTPHandler,
		RuntimeType:    a.Runtime,
		EntryPoint:     DefaultEntryPoint,
		Environment:    a.Spec.Environment,
		InvocationType: artifact.InvocationType(a.Spec.InvocationType),
		Scaling: ScalingConfig{
			MinInstances:      DefaultMinInstances,
			MaxInstances:      DefaultMaxInstances,
			TargetConcurrency: DefaultTargetConcurrency,
		},
		Health: HealthConfig{
			Interval:         DefaultHealthInterval,
			FailureThreshold: DefaultFailureThreshold,
			SuccessThreshold: DefaultSuccessThreshold,
		},
		Timeouts: TimeoutConfig{
			Init:      DefaultInitTimeout,
			Execution: a.MaxExecutionTimeout(),
			Shutdown:  DefaultShutdownTimeout,
		},
	}
	if v, ok := rc[KeyTaskType].(string); ok && v != "" {
		switch Type(v) {
		case TypeHTTPHandler, TypeBackgroundJob, TypeStreamProcessor, TypeEventHandler, TypeScheduled:
			s.Type = Type(v)
		default:
			return Spec{}, errs.Task(errs.KindDerivation, "artifact %s: unknown task type %q", a.ID, v)
		}
	}
	if v, ok := rc[KeyEntryPoint].(string); ok && v != "" {
		s.EntryPoint = v
	}
	if v, ok := rc[KeyHandler].(string); ok && v != "" {
		s.HandlerConfig = map[string]any{KeyHandler: v}
	}
	var err error
	if s.Scaling.MinInstances, err = intKey(rc, KeyMinInstances, s.Scaling.MinInstances); err != nil {
		return Spec{}, errs.Wrap(errs.ClassTask, errs.KindDerivation, err, "artifact %s", a.ID)
	}
	if s.Scaling.MaxInstances, err = intKey(rc, KeyMaxInstances, s.Scaling.MaxInstances); err != nil {
		return Spec{}, errs.Wrap(errs.ClassTask, errs.KindDerivation, err, "artifact %s", a.ID)
	}
	if s.Scaling.TargetConcurrency, err = intKey(rc, KeyTargetConcurrency, s.Scaling.TargetConcurrency); err != nil {
		return Spec{}, errs.Wrap(errs.ClassTask, errs.KindDerivation, err, "artifact %s", a.ID)
	}
	if s.Scaling.MinInstances < 0 || s.Scaling.MaxInstances < 1 || s.Scaling.MinInstances > s.Scaling.MaxInstances {
		return Spec{}, errs.Task(errs.KindDerivation, "artifact %s: invalid instance bounds min=%d max=%d", a.ID, s.Scaling.MinInstances, s.Scaling.MaxInstances)
	}
	if s.Scaling.TargetConcurrency < 1 {
		return Spec{}, errs.Task(errs.KindDerivation, "artifact %s: target concurrency must be positive", a.ID)
	}
	return s, nil
}

// intKey reads an integer that may have been decoded from JSON, YAML or TOML.
func intKey(m map[string]any, key string, def int) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s: %v is not an integer", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%s: unsupported value %T", key, v)
}

// Drainer is asked to drain a task's pool when the task terminates.
type Drainer interface {
	DrainTask(ctx context.Context, taskID string) error
}

// Config tunes a Manager.
type Config struct {
	// MaxTasksPerArtifact caps live tasks per artifact; 0 means unlimited.
	MaxTasksPerArtifact int
	// MaxInstancesPerTask caps derived max_instances; 0 means unlimited.
	MaxInstancesPerTask int
	Logger              zerolog.Logger
	Now                 func() time.Time
}

// Manager tracks tasks. Safe for concurrent use.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	tasks   map[string]*Task
	drainer Drainer
}

func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, tasks: make(map[string]*Task)}
}

// SetDrainer installs the hook Terminate uses to drain pools.
func (m *Manager) SetDrainer(d Drainer) {
	m.mu.Lock()
	m.drainer = d
	m.mu.Unlock()
}

// CreateFromArtifact derives a task from a. It is idempotent per
// (artifact id, task id); an empty taskID selects DefaultTaskID.
func (m *Manager) CreateFromArtifact(a artifact.Artifact, taskID string) (Task, error) {
	if taskID == "" {
		taskID = DefaultTaskID(a.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tasks[taskID]; ok && cur.Status != StatusTerminated {
		if cur.ArtifactID != a.ID {
			return Task{}, errs.Task(errs.KindConflict, "task %s belongs to artifact %s", taskID, cur.ArtifactID)
		}
		return *cur, nil
	}
	switch a.Status {
	case artifact.StatusDeprecated, artifact.StatusRemoved:
		return Task{}, errs.Task(errs.KindDerivation, "artifact %s is %s", a.ID, a.Status)
	}
	spec, err := Derive(a)
	if err != nil {
		return Task{}, err
	}
	if m.cfg.MaxInstancesPerTask > 0 && spec.Scaling.MaxInstances > m.cfg.MaxInstancesPerTask {
		spec.Scaling.MaxInstances = m.cfg.MaxInstancesPerTask
		if spec.Scaling.MinInstances > spec.Scaling.MaxInstances {
			spec.Scaling.MinInstances = spec.Scaling.MaxInstances
		}
	}
	if m.cfg.MaxTasksPerArtifact > 0 && m.countForLocked(a.ID) >= m.cfg.MaxTasksPerArtifact {
		return Task{}, errs.Task(errs.KindDerivation, "artifact %s reached %d tasks", a.ID, m.cfg.MaxTasksPerArtifact)
	}
	now := m.cfg.Now()
	t := &Task{ID: taskID, ArtifactID: a.ID, Spec: spec, Status: StatusPending, CreatedAt: now, LastActivityAt: now}
	m.tasks[taskID] = t
	m.cfg.Logger.Info().Str("task_id", taskID).Str("artifact_id", a.ID).Str("task_type", string(spec.Type)).Msg("task created")
	return *t, nil
}

func (m *Manager) countForLocked(artifactID string) int {
	n := 0
	for _, t := range m.tasks {
		if t.ArtifactID == artifactID && t.Status != StatusTerminated {
			n++
		}
	}
	return n
}

func (m *Manager) Get(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, errs.Task(errs.KindNotFound, "task %s not found", id)
	}
	return *t, nil
}

// List returns tasks, optionally restricted to one artifact, ordered by id.
func (m *Manager) List(artifactID string) []Task {
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if artifactID == "" || t.ArtifactID == artifactID {
			out = append(out, *t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Touch records activity and reactivates a pending or inactive task.
func (m *Manager) Touch(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, errs.Task(errs.KindNotFound, "task %s not found", id)
	}
	if t.Status == StatusTerminated {
		return Task{}, errs.Task(errs.KindTerminated, "task %s is terminated", id)
	}
	t.LastActivityAt = m.cfg.Now()
	t.Status = StatusActive
	return *t, nil
}

// MarkInactive moves an idle active task to inactive.
func (m *Manager) MarkInactive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != StatusActive {
		return false
	}
	t.Status = StatusInactive
	m.cfg.Logger.Debug().Str("task_id", id).Msg("task inactive")
	return true
}

// Terminate transitions the task to terminated and drains its pool.
// Terminating an already terminated task is a no-op.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return errs.Task(errs.KindNotFound, "task %s not found", id)
	}
	if t.Status == StatusTerminated {
		m.mu.Unlock()
		return nil
	}
	t.Status = StatusTerminated
	t.LastActivityAt = m.cfg.Now()
	d := m.drainer
	m.mu.Unlock()
	m.cfg.Logger.Info().Str("task_id", id).Msg("task terminated")
	if d != nil {
		return d.DrainTask(ctx, id)
	}
	return nil
}

// ArtifactInUse reports whether a non-terminated task references artifactID.
func (m *Manager) ArtifactInUse(artifactID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countForLocked(artifactID) > 0
}

// Counts returns the number of tasks per status.
func (m *Manager) Counts() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Status]int, 4)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out
}
