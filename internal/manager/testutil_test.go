package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime/inprocess"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// newTestManager wires an in-process runtime under the process runtime type.
func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *inprocess.Runtime, *MemoryPublisher) {
	t.Helper()
	rt := inprocess.New(runtime.TypeProcess, zerolog.Nop())
	pub := NewMemoryPublisher()
	if cfg.Runtimes == nil {
		cfg.Runtimes = runtime.NewRegistry(rt)
	}
	cfg.Publisher = pub
	cfg.Registerer = prometheus.NewRegistry()
	cfg.Logger = zerolog.Nop()
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = time.Millisecond
	}
	m := NewWithConfig(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = m.DrainAll(ctx)
	})
	return m, rt, pub
}

func echoArtifact(id string) *types.ArtifactSpec {
	return &types.ArtifactSpec{ID: id, RuntimeType: "process", MaxExecutionTimeoutMs: 1000}
}

func handlerArtifact(id, handler string) *types.ArtifactSpec {
	return &types.ArtifactSpec{
		ID:            id,
		RuntimeType:   "process",
		RuntimeConfig: map[string]any{"handler": handler},
	}
}

// gate is a handler that blocks until opened or its context ends.
type gate struct {
	open    chan struct{}
	mu      sync.Mutex
	entered int
}

func newGate() *gate { return &gate{open: make(chan struct{})} }

func (g *gate) handler(ctx context.Context, payload []byte) ([]byte, error) {
	g.mu.Lock()
	g.entered++
	g.mu.Unlock()
	select {
	case <-g.open:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entered
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func statusOf(t *testing.T, m *Manager, id string) string {
	t.Helper()
	rec, err := m.GetExecutionStatus(context.Background(), id)
	if err != nil {
		return ""
	}
	return rec.Status
}

type fakeLookup struct {
	recs map[string]types.TaskRecord
}

func (l fakeLookup) GetTask(_ context.Context, id string) (types.TaskRecord, error) {
	rec, ok := l.recs[id]
	if !ok {
		return types.TaskRecord{}, errs.Task(errs.KindNotFound, "task %s not found", id)
	}
	return rec, nil
}
