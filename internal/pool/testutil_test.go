package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
)

type fakeHandle struct{ id string }

func (h fakeHandle) InstanceID() string { return h.id }

// fakeAdapter is an in-memory adapter for pool tests.
type fakeAdapter struct {
	mu         sync.Mutex
	creates    int
	createErrs []error
	// block, when set, holds the first create until closed.
	block     chan struct{}
	health    runtime.HealthStatus
	live      map[string]bool
	destroyed []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{health: runtime.Healthy, live: make(map[string]bool)}
}

func (f *fakeAdapter) Type() runtime.Type { return runtime.TypeProcess }

func (f *fakeAdapter) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (runtime.Handle, error) {
	f.mu.Lock()
	f.creates++
	n := f.creates
	var err error
	if len(f.createErrs) > 0 {
		err, f.createErrs = f.createErrs[0], f.createErrs[1:]
	}
	blk := f.block
	f.mu.Unlock()
	if blk != nil && n == 1 {
		select {
		case <-blk:
		case <-ctx.Done():
			return nil, errs.FromContext(ctx.Err(), "create")
		}
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.live[cfg.InstanceID] = true
	f.mu.Unlock()
	return fakeHandle{id: cfg.InstanceID}, nil
}

func (f *fakeAdapter) Execute(context.Context, runtime.Handle, []byte) (runtime.ExecutionResult, error) {
	return runtime.ExecutionResult{}, nil
}

func (f *fakeAdapter) HealthCheck(context.Context, runtime.Handle) runtime.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeAdapter) DestroyInstance(_ context.Context, h runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, h.InstanceID())
	f.destroyed = append(f.destroyed, h.InstanceID())
	return nil
}

func (f *fakeAdapter) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeAdapter) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func newTestPool(t *testing.T, a runtime.Adapter, cfg Config) *Pool {
	t.Helper()
	if cfg.TaskID == "" {
		cfg.TaskID = "t1"
	}
	cfg.Logger = zerolog.Nop()
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = time.Millisecond
	}
	p := New(cfg, a, func(id string) runtime.InstanceConfig {
		return runtime.InstanceConfig{InstanceID: id, TaskID: cfg.TaskID}
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Drain(ctx)
	})
	return p
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
