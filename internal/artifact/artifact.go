// Package artifact keeps the node's catalog of deployable code units.
package artifact

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// InvocationType is how callers are expected to invoke an artifact.
type InvocationType string

const (
	InvocationSync   InvocationType = "sync"
	InvocationAsync  InvocationType = "async"
	InvocationStream InvocationType = "stream"
)

// Status is an artifact's lifecycle state.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusRemoved    Status = "removed"
)

// DefaultMaxExecutionTimeout applies when a spec leaves the timeout unset.
const DefaultMaxExecutionTimeout = 30 * time.Second

// Artifact is an immutable spec plus a mutable status.
type Artifact struct {
	ID        string
	Spec      types.ArtifactSpec
	Runtime   runtime.Type
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot pins the content an instance is created from.
func (a Artifact) Snapshot() runtime.Snapshot {
	return runtime.Snapshot{ArtifactID: a.ID, Location: a.Spec.Location, Checksum: a.Spec.Checksum}
}

// MaxExecutionTimeout returns the configured ceiling or the default.
func (a Artifact) MaxExecutionTimeout() time.Duration {
	if a.Spec.MaxExecutionTimeoutMs > 0 {
		return time.Duration(a.Spec.MaxExecutionTimeoutMs) * time.Millisecond
	}
	return DefaultMaxExecutionTimeout
}

// Info converts to the API representation.
func (a Artifact) Info() types.ArtifactInfo {
	return types.ArtifactInfo{ArtifactSpec: a.Spec, Status: string(a.Status), CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt}
}

// Filter selects artifacts in List. Zero fields match everything.
type Filter struct {
	Status  Status
	Runtime runtime.Type
	Name    string
	Labels  map[string]string
}

func (f Filter) match(a *Artifact) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Runtime != "" && a.Runtime != f.Runtime {
		return false
	}
	if f.Name != "" && a.Spec.Name != f.Name {
		return false
	}
	for k, v := range f.Labels {
		if a.Spec.Labels[k] != v {
			return false
		}
	}
	return true
}

// UsageChecker reports whether any non-terminated task still references an artifact.
type UsageChecker interface {
	ArtifactInUse(artifactID string) bool
}

// Config tunes a Manager.
type Config struct {
	// MaxArtifacts caps non-removed artifacts; 0 means unlimited.
	MaxArtifacts int
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Manager is the artifact catalog. Safe for concurrent use.
type Manager struct {
	cfg   Config
	mu    sync.RWMutex
	items map[string]*Artifact
	usage UsageChecker
}

func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, items: make(map[string]*Artifact)}
}

// SetUsageChecker installs the in-use check consulted by Remove.
func (m *Manager) SetUsageChecker(u UsageChecker) {
	m.mu.Lock()
	m.usage = u
	m.mu.Unlock()
}

// Normalize validates spec and fills defaults.
func Normalize(spec types.ArtifactSpec) (types.ArtifactSpec, runtime.Type, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return spec, "", errs.Artifact(errs.KindValidation, "artifact id is required")
	}
	if strings.TrimSpace(spec.Name) == "" {
		spec.Name = spec.ID
	}
	rt, err := runtime.ParseType(spec.RuntimeType)
	if err != nil {
		return spec, "", errs.Wrap(errs.ClassArtifact, errs.KindValidation, err, "artifact %s", spec.ID)
	}
	spec.RuntimeType = string(rt)
	switch InvocationType(strings.ToLower(spec.InvocationType)) {
	case "":
		spec.InvocationType = string(InvocationSync)
	case InvocationSync, InvocationAsync, InvocationStream:
		spec.InvocationType = strings.ToLower(spec.InvocationType)
	default:
		return spec, "", errs.Artifact(errs.KindValidation, "artifact %s: unknown invocation type %q", spec.ID, spec.InvocationType)
	}
	if spec.MaxExecutionTimeoutMs < 0 {
		return spec, "", errs.Artifact(errs.KindValidation, "artifact %s: negative execution timeout", spec.ID)
	}
	if spec.ResourceLimits.CPUCores < 0 || spec.ResourceLimits.MemoryBytes < 0 {
		return spec, "", errs.Artifact(errs.KindValidation, "artifact %s: negative resource limits", spec.ID)
	}
	if len(spec.RuntimeConfig) == 0 {
		spec.RuntimeConfig = nil
	}
	if len(spec.Environment) == 0 {
		spec.Environment = nil
	}
	if len(spec.Labels) == 0 {
		spec.Labels = nil
	}
	return spec, rt, nil
}

// sameSpec compares canonical JSON so decoded numbers and nil/empty maps
// compare equal.
func sameSpec(a, b types.ArtifactSpec) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// CreateOrGet registers spec under spec.ID. Registering an identical spec
// again returns the existing artifact; a differing spec is a conflict.
func (m *Manager) CreateOrGet(spec types.ArtifactSpec) (Artifact, error) {
	spec, rt, err := Normalize(spec)
	if err != nil {
		return Artifact{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.items[spec.ID]; ok && cur.Status != StatusRemoved {
		if !sameSpec(cur.Spec, spec) {
			return Artifact{}, errs.Artifact(errs.KindConflict, "artifact %s already registered with a different spec", spec.ID)
		}
		return *cur, nil
	}
	if m.cfg.MaxArtifacts > 0 && m.liveLocked() >= m.cfg.MaxArtifacts {
		return Artifact{}, errs.Artifact(errs.KindValidation, "artifact limit %d reached", m.cfg.MaxArtifacts)
	}
	now := m.cfg.Now()
	a := &Artifact{ID: spec.ID, Spec: spec, Runtime: rt, Status: StatusRegistered, CreatedAt: now, UpdatedAt: now}
	m.items[spec.ID] = a
	m.cfg.Logger.Info().Str("artifact_id", a.ID).Str("runtime", string(rt)).Msg("artifact registered")
	return *a, nil
}

func (m *Manager) liveLocked() int {
	n := 0
	for _, a := range m.items {
		if a.Status != StatusRemoved {
			n++
		}
	}
	return n
}

func (m *Manager) Get(id string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[id]
	if !ok {
		return Artifact{}, errs.Artifact(errs.KindNotFound, "artifact %s not found", id)
	}
	return *a, nil
}

// List returns matching artifacts ordered by creation time then id.
func (m *Manager) List(f Filter) []Artifact {
	m.mu.RLock()
	out := make([]Artifact, 0, len(m.items))
	for _, a := range m.items {
		if f.match(a) {
			out = append(out, *a)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Activate marks a registered artifact active once a task derives from it.
func (m *Manager) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.Status == StatusRemoved {
		return errs.Artifact(errs.KindNotFound, "artifact %s not found", id)
	}
	if a.Status == StatusRegistered {
		a.Status = StatusActive
		a.UpdatedAt = m.cfg.Now()
	}
	return nil
}

// Deprecate stops new tasks from deriving from the artifact. Existing tasks
// keep running.
func (m *Manager) Deprecate(id string) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.Status == StatusRemoved {
		return Artifact{}, errs.Artifact(errs.KindNotFound, "artifact %s not found", id)
	}
	if a.Status != StatusDeprecated {
		a.Status = StatusDeprecated
		a.UpdatedAt = m.cfg.Now()
		m.cfg.Logger.Info().Str("artifact_id", id).Msg("artifact deprecated")
	}
	return *a, nil
}

// Remove marks the artifact removed. It fails with KindInUse while any
// non-terminated task references it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.Status == StatusRemoved {
		return errs.Artifact(errs.KindNotFound, "artifact %s not found", id)
	}
	if m.usage != nil && m.usage.ArtifactInUse(id) {
		return errs.Artifact(errs.KindInUse, "artifact %s is referenced by active tasks", id)
	}
	a.Status = StatusRemoved
	a.UpdatedAt = m.cfg.Now()
	m.cfg.Logger.Info().Str("artifact_id", id).Msg("artifact removed")
	return nil
}

// Count returns artifacts that are not removed.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveLocked()
}
