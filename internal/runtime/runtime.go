// Package runtime defines the contract between the execution engine and the
// backends that actually host user code.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
)

// Type names a runtime backend.
type Type string

const (
	TypeProcess    Type = "process"
	TypeContainer  Type = "container"
	TypeKubernetes Type = "kubernetes"
	TypeWasm       Type = "wasm"
)

// ParseType accepts the canonical names plus a few common aliases.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "process", "proc":
		return TypeProcess, nil
	case "container", "docker":
		return TypeContainer, nil
	case "kubernetes", "k8s":
		return TypeKubernetes, nil
	case "wasm", "wasi", "webassembly":
		return TypeWasm, nil
	}
	return "", errs.Runtime(errs.KindUnsupported, "unknown runtime type %q", s)
}

// Snapshot pins the artifact content an instance was created from.
type Snapshot struct {
	ArtifactID string
	Location   string
	Checksum   string
}

// Limits are resource ceilings applied by adapters that can enforce them.
type Limits struct {
	CPUCores    float64
	MemoryBytes int64
}

// InstanceConfig is everything an adapter needs to create one instance.
type InstanceConfig struct {
	InstanceID    string
	TaskID        string
	EntryPoint    string
	Environment   map[string]string
	RuntimeConfig map[string]any
	HandlerConfig map[string]any
	Limits        Limits
	Snapshot      Snapshot
	// InitTimeout bounds instance creation on top of the caller's context.
	InitTimeout time.Duration
}

// String looks up key in RuntimeConfig then HandlerConfig and returns it if
// it is a non-empty string.
func (c InstanceConfig) String(key string) string {
	for _, m := range []map[string]any{c.RuntimeConfig, c.HandlerConfig} {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Strings looks up key and accepts either a string slice or a single string.
func (c InstanceConfig) Strings(key string) []string {
	for _, m := range []map[string]any{c.RuntimeConfig, c.HandlerConfig} {
		switch v := m[key].(type) {
		case []string:
			return append([]string(nil), v...)
		case []any:
			out := make([]string, 0, len(v))
			for _, x := range v {
				out = append(out, fmt.Sprint(x))
			}
			return out
		case string:
			if v != "" {
				return strings.Fields(v)
			}
		}
	}
	return nil
}

// Bool looks up key and reports whether it is set to true.
func (c InstanceConfig) Bool(key string) bool {
	for _, m := range []map[string]any{c.RuntimeConfig, c.HandlerConfig} {
		if v, ok := m[key].(bool); ok {
			return v
		}
	}
	return false
}

// Handle is an adapter-owned reference to a live instance.
type Handle interface {
	InstanceID() string
}

// ExecutionResult is what an adapter returns for one invocation.
type ExecutionResult struct {
	Output   []byte
	Logs     []byte
	ExitCode int
	Duration time.Duration
}

// HealthStatus is the result of a single health probe.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	Healthy
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Adapter hosts instances for one runtime type. Execute honors the deadline
// carried by ctx. DestroyInstance must be idempotent.
type Adapter interface {
	Type() Type
	CreateInstance(ctx context.Context, cfg InstanceConfig) (Handle, error)
	Execute(ctx context.Context, h Handle, payload []byte) (ExecutionResult, error)
	HealthCheck(ctx context.Context, h Handle) HealthStatus
	DestroyInstance(ctx context.Context, h Handle) error
}

// MismatchedHandle is returned by adapters handed a handle they did not create.
func MismatchedHandle(t Type, h Handle) error {
	id := ""
	if h != nil {
		id = h.InstanceID()
	}
	return errs.Runtime(errs.KindUnsupported, "%s adapter cannot operate on handle %q (%T)", t, id, h)
}
