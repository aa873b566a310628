package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
)

// Registry maps runtime types to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Type]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register installs a, replacing any adapter of the same type.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Type()] = a
	r.mu.Unlock()
}

// Get returns the adapter for t or an unsupported error.
func (r *Registry) Get(t Type) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	if !ok {
		return nil, errs.Runtime(errs.KindUnsupported, "no adapter registered for runtime %q", t)
	}
	return a, nil
}

// Types lists registered runtime types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// unsupported is registered for runtime types this node cannot host so
// requests fail with a clear error rather than a missing-adapter one.
type unsupported struct {
	t      Type
	reason string
}

// NewUnsupported returns an adapter whose every operation fails with
// KindUnsupported.
func NewUnsupported(t Type, reason string) Adapter {
	return unsupported{t: t, reason: reason}
}

func (u unsupported) Type() Type { return u.t }

func (u unsupported) err() error {
	return errs.Runtime(errs.KindUnsupported, "%s runtime: %s", u.t, u.reason)
}

func (u unsupported) CreateInstance(context.Context, InstanceConfig) (Handle, error) {
	return nil, u.err()
}

func (u unsupported) Execute(context.Context, Handle, []byte) (ExecutionResult, error) {
	return ExecutionResult{}, u.err()
}

func (u unsupported) HealthCheck(context.Context, Handle) HealthStatus { return Unhealthy }

func (u unsupported) DestroyInstance(context.Context, Handle) error { return nil }
