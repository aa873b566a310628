package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lfedgeai/SPEAR-sub001/internal/artifact"
	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/pool"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/internal/task"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// TaskLookup fetches the cluster-side record of a task that is not known
// locally.
type TaskLookup interface {
	GetTask(ctx context.Context, taskID string) (types.TaskRecord, error)
}

type taskPool struct {
	pool    *pool.Pool
	adapter runtime.Adapter
}

type Manager struct {
	cfg       ManagerConfig
	logger    zerolog.Logger
	publisher EventPublisher
	metrics   *metrics

	artifacts *artifact.Manager
	tasks     *task.Manager
	admission *semaphore.Weighted

	mu      sync.Mutex
	pools   map[string]*taskPool
	closed  bool
	started bool
	stop    chan struct{}
	loopWG  sync.WaitGroup

	execMu sync.Mutex
	execs  map[string]*execution
	// inflight tracks execution goroutines so DrainAll can wait for them.
	inflight sync.WaitGroup

	statsMu      sync.Mutex
	stats        counters
	admitWaiting int
	admitRunning int
	startTime    time.Time
}

type counters struct {
	total, succeeded, failed, canceled uint64
	latencyMs                          float64
}

// New builds a manager with default limits around the given runtimes.
func New(runtimes *runtime.Registry, logger zerolog.Logger) *Manager {
	return NewWithConfig(ManagerConfig{Runtimes: runtimes, Logger: logger})
}

// Artifacts exposes the artifact catalog.
func (m *Manager) Artifacts() *artifact.Manager { return m.artifacts }

// Tasks exposes the task registry.
func (m *Manager) Tasks() *task.Manager { return m.tasks }

// Start runs the periodic task cleanup loop until DrainAll.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	m.loopWG.Add(1)
	go m.cleanupLoop()
}

// Ready reports whether the manager accepts work.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *Manager) cleanupLoop() {
	defer m.loopWG.Done()
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.Cleanup()
		}
	}
}

// Cleanup marks tasks idle longer than TaskIdleTimeout as inactive and
// refreshes pool gauges. It returns how many tasks were marked.
func (m *Manager) Cleanup() int {
	now := m.cfg.Now()
	n := 0
	for _, t := range m.tasks.List("") {
		if t.Status == task.StatusActive && task.IsIdle(t, m.cfg.TaskIdleTimeout, now) && m.tasks.MarkInactive(t.ID) {
			n++
		}
	}
	for id, tp := range m.poolSnapshot() {
		m.metrics.observePool(id, tp.pool.Counts())
	}
	if n > 0 {
		m.logger.Info().Int("tasks", n).Msg("idle tasks marked inactive")
	}
	return n
}

func (m *Manager) poolSnapshot() map[string]*taskPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*taskPool, len(m.pools))
	for k, v := range m.pools {
		out[k] = v
	}
	return out
}

func (m *Manager) closedErr() error {
	return errs.System(errs.KindTerminated, "execution manager is shutting down")
}

// poolFor returns the task's pool, creating and starting it on first use.
// The artifact is captured by value so instances always see the snapshot
// the pool was built from. The task is re-read under m.mu: Terminate marks
// it before draining, so a terminated task never gets a fresh pool.
func (m *Manager) poolFor(snap task.Task, a artifact.Artifact) (*taskPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.closedErr()
	}
	t, err := m.tasks.Get(snap.ID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusTerminated {
		return nil, errs.Task(errs.KindTerminated, "task %s is terminated", t.ID)
	}
	if tp := m.pools[t.ID]; tp != nil && !tp.pool.Draining() {
		return tp, nil
	}
	adapter, err := m.cfg.Runtimes.Get(a.Runtime)
	if err != nil {
		return nil, err
	}
	threshold := t.Spec.Health.FailureThreshold
	if m.cfg.Pool.FailureThreshold > 0 {
		threshold = m.cfg.Pool.FailureThreshold
	}
	p := pool.New(pool.Config{
		TaskID:            t.ID,
		MinInstances:      t.Spec.Scaling.MinInstances,
		MaxInstances:      t.Spec.Scaling.MaxInstances,
		TargetConcurrency: t.Spec.Scaling.TargetConcurrency,
		MaxWaiters:        m.cfg.Pool.MaxWaiters,
		IdleTimeout:       m.cfg.Pool.IdleTimeout,
		HealthInterval:    m.cfg.Pool.HealthCheckInterval,
		FailureThreshold:  threshold,
		CreateTimeout:     m.cfg.InstanceCreationTimeout,
		DestroyTimeout:    t.Spec.Timeouts.Shutdown,
		DrainGrace:        m.cfg.DrainGrace,
		Retry:             m.cfg.Retry,
		Policy:            m.cfg.Pool.Policy,
		Logger:            m.logger,
		Now:               m.cfg.Now,
		OnEvent:           m.onPoolEvent,
	}, adapter, func(id string) runtime.InstanceConfig {
		return task.InstanceConfig(t, a, id)
	})
	tp := &taskPool{pool: p, adapter: adapter}
	m.pools[t.ID] = tp
	p.Start()
	m.logger.Debug().Str("task_id", t.ID).Str("runtime", string(a.Runtime)).Msg("pool started")
	return tp, nil
}

func (m *Manager) onPoolEvent(e pool.Event) {
	fields := map[string]any{}
	if e.InstanceID != "" {
		fields["instance_id"] = e.InstanceID
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	switch e.Name {
	case pool.EventInstanceCreated:
		m.metrics.creations.WithLabelValues("success").Inc()
		m.publisher.Publish(Event{Name: EventInstanceCreated, TaskID: e.TaskID, Fields: fields})
	case pool.EventCreationFailed:
		m.metrics.creations.WithLabelValues("failure").Inc()
	case pool.EventInstanceDestroyed:
		m.publisher.Publish(Event{Name: EventInstanceDestroyed, TaskID: e.TaskID, Fields: fields})
	case pool.EventPoolDrained:
		m.publisher.Publish(Event{Name: EventPoolDrained, TaskID: e.TaskID, Fields: fields})
	}
}

// DrainTask drains and forgets the task's pool. It implements task.Drainer.
func (m *Manager) DrainTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	tp := m.pools[taskID]
	delete(m.pools, taskID)
	m.mu.Unlock()
	if tp == nil {
		return nil
	}
	m.metrics.forgetPool(taskID)
	return tp.pool.Drain(ctx)
}

// PrewarmTask creates the task's pool if needed and fills it to its minimum.
func (m *Manager) PrewarmTask(ctx context.Context, taskID string) error {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusTerminated {
		return errs.Task(errs.KindTerminated, "task %s is terminated", taskID)
	}
	a, err := m.artifacts.Get(t.ArtifactID)
	if err != nil {
		return err
	}
	tp, err := m.poolFor(t, a)
	if err != nil {
		return err
	}
	return tp.pool.EnsureMin(ctx)
}

// ResetTask bumps the generation of the task's pool, replacing its
// instances. It returns the new generation.
func (m *Manager) ResetTask(taskID string) (uint64, error) {
	m.mu.Lock()
	tp := m.pools[taskID]
	m.mu.Unlock()
	if tp == nil {
		if _, err := m.tasks.Get(taskID); err != nil {
			return 0, err
		}
		return 0, errs.Task(errs.KindNotFound, "task %s has no pool", taskID)
	}
	return tp.pool.Reset(), nil
}

// DrainAll stops accepting work, drains every pool in parallel, then
// cancels and waits for executions still in flight.
func (m *Manager) DrainAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	m.pools = make(map[string]*taskPool)
	close(m.stop)
	m.mu.Unlock()
	m.loopWG.Wait()

	var g errgroup.Group
	for id, tp := range pools {
		g.Go(func() error {
			m.metrics.forgetPool(id)
			return tp.pool.Drain(ctx)
		})
	}
	err := g.Wait()

	m.execMu.Lock()
	for _, e := range m.execs {
		e.cancel()
	}
	m.execMu.Unlock()
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = errs.FromContext(ctx.Err(), "drain executions")
		}
	}
	m.logger.Info().Int("pools", len(pools)).Msg("execution manager drained")
	return err
}
