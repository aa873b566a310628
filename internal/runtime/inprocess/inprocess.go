// Package inprocess hosts Go handler functions as runtime instances. It backs
// tests and the CLI's dry-run mode.
package inprocess

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
)

// HandlerFunc processes one payload.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Echo returns the payload unchanged.
func Echo(_ context.Context, payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}

// Runtime is an Adapter that dispatches to registered handlers by name.
// Instances resolve their handler from the "handler" config key, falling
// back to the entry point. The "main" entry point defaults to Echo.
type Runtime struct {
	typ    runtime.Type
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc

	created   atomic.Int64
	destroyed atomic.Int64
}

type handle struct {
	id        string
	fn        HandlerFunc
	destroyed atomic.Bool
	unhealthy atomic.Bool
}

func (h *handle) InstanceID() string { return h.id }

// New returns a Runtime reporting itself as t.
func New(t runtime.Type, logger zerolog.Logger) *Runtime {
	r := &Runtime{typ: t, logger: logger, handlers: make(map[string]HandlerFunc)}
	r.Handle("echo", Echo)
	return r
}

// Handle registers fn under name.
func (r *Runtime) Handle(name string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
}

// Fallback serves any handler name that has no registration.
func (r *Runtime) Fallback(fn HandlerFunc) {
	r.mu.Lock()
	r.fallback = fn
	r.mu.Unlock()
}

func (r *Runtime) Type() runtime.Type { return r.typ }

// Live reports created minus destroyed instances.
func (r *Runtime) Live() int64 { return r.created.Load() - r.destroyed.Load() }

func (r *Runtime) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (runtime.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err, "create %s", cfg.InstanceID)
	}
	name := cfg.String("handler")
	if name == "" {
		name = cfg.EntryPoint
	}
	r.mu.RLock()
	fn, ok := r.handlers[name]
	if !ok && r.fallback != nil {
		fn, ok = r.fallback, true
	}
	r.mu.RUnlock()
	if !ok && (name == "" || name == "main") {
		fn, ok = Echo, true
	}
	if !ok {
		return nil, errs.Instance(errs.KindCreationFailed, "no in-process handler named %q", name)
	}
	r.created.Add(1)
	r.logger.Debug().Str("instance_id", cfg.InstanceID).Str("handler", name).Msg("inprocess instance created")
	return &handle{id: cfg.InstanceID, fn: fn}, nil
}

func (r *Runtime) Execute(ctx context.Context, h runtime.Handle, payload []byte) (runtime.ExecutionResult, error) {
	hh, ok := h.(*handle)
	if !ok {
		return runtime.ExecutionResult{}, runtime.MismatchedHandle(r.typ, h)
	}
	if hh.destroyed.Load() {
		return runtime.ExecutionResult{}, errs.Instance(errs.KindTerminated, "instance %s destroyed", hh.id)
	}
	type res struct {
		out []byte
		err error
	}
	start := time.Now()
	done := make(chan res, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				hh.unhealthy.Store(true)
				done <- res{err: errs.Instance(errs.KindCrashed, "handler panic: %v", p)}
			}
		}()
		out, err := hh.fn(ctx, payload)
		done <- res{out: out, err: err}
	}()
	select {
	case v := <-done:
		if v.err != nil {
			if _, ok := errs.As(v.err); !ok {
				v.err = errs.FromContext(v.err, "handler")
			}
			if _, ok := errs.As(v.err); !ok {
				v.err = errs.Instance(errs.KindCrashed, "handler: %v", v.err)
			}
			return runtime.ExecutionResult{Duration: time.Since(start), ExitCode: 1}, v.err
		}
		return runtime.ExecutionResult{Output: v.out, Duration: time.Since(start)}, nil
	case <-ctx.Done():
		return runtime.ExecutionResult{Duration: time.Since(start)}, errs.FromContext(ctx.Err(), "execute on %s", hh.id)
	}
}

func (r *Runtime) HealthCheck(_ context.Context, h runtime.Handle) runtime.HealthStatus {
	hh, ok := h.(*handle)
	if !ok || hh.destroyed.Load() || hh.unhealthy.Load() {
		return runtime.Unhealthy
	}
	return runtime.Healthy
}

func (r *Runtime) DestroyInstance(_ context.Context, h runtime.Handle) error {
	hh, ok := h.(*handle)
	if !ok {
		return runtime.MismatchedHandle(r.typ, h)
	}
	if hh.destroyed.CompareAndSwap(false, true) {
		r.destroyed.Add(1)
	}
	return nil
}
