// Package pool maintains the set of live runtime instances backing one task.
//
// All instance state is guarded by a single pool mutex. Adapter calls
// (create, health check, destroy) run without the lock held; their results
// are applied afterwards only if the pool generation they were started under
// is still current.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// State is an instance's lifecycle state.
type State string

const (
	StateCreating    State = "creating"
	StateReady       State = "ready"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateFailed      State = "failed"
	StateUnhealthy   State = "unhealthy"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxInstances      = 10
	defaultTargetConcurrency = 100
	defaultIdleTimeout       = 300 * time.Second
	defaultHealthInterval    = 15 * time.Second
	defaultHealthTimeout     = 5 * time.Second
	defaultFailureThreshold  = 3
	defaultCreateTimeout     = 30 * time.Second
	defaultDestroyTimeout    = 10 * time.Second
	defaultDrainGrace        = 10 * time.Second
	defaultRetryAttempts     = 3
	defaultInitialBackoff    = 100 * time.Millisecond
	defaultMaxBackoff        = 2 * time.Second

	// Weight of the previous average in the request time moving average.
	latencyDecay = 0.9
)

// Lifecycle event names passed to Config.OnEvent.
const (
	EventInstanceCreated   = "instance_created"
	EventInstanceDestroyed = "instance_destroyed"
	EventCreationFailed    = "instance_creation_failed"
	EventPoolReset         = "pool_reset"
	EventPoolDrained       = "pool_drained"
)

// Event reports an instance or pool transition.
type Event struct {
	Name       string
	TaskID     string
	InstanceID string
	Reason     string
}

// RetryPolicy governs retries of transient instance creation failures.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Config tunes a Pool.
type Config struct {
	TaskID            string
	MinInstances      int
	MaxInstances      int
	TargetConcurrency int
	// MaxWaiters bounds callers blocked in Acquire; 0 means unbounded.
	MaxWaiters int

	IdleTimeout      time.Duration
	ReclaimInterval  time.Duration
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int
	CreateTimeout    time.Duration
	DestroyTimeout   time.Duration
	DrainGrace       time.Duration
	Retry            RetryPolicy
	Policy           Policy

	Logger  zerolog.Logger
	Now     func() time.Time
	OnEvent func(Event)
}

func (c *Config) applyDefaults() {
	if c.MaxInstances <= 0 {
		c.MaxInstances = defaultMaxInstances
	}
	if c.MinInstances < 0 {
		c.MinInstances = 0
	}
	if c.MinInstances > c.MaxInstances {
		c.MinInstances = c.MaxInstances
	}
	if c.TargetConcurrency <= 0 {
		c.TargetConcurrency = defaultTargetConcurrency
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = c.IdleTimeout / 2
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = defaultHealthTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = defaultCreateTimeout
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = defaultDestroyTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = defaultRetryAttempts
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = defaultInitialBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = defaultMaxBackoff
	}
	if c.Policy == "" {
		c.Policy = PolicyLeastConnections
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ConfigFunc builds the adapter input for a new instance id.
type ConfigFunc func(instanceID string) runtime.InstanceConfig

type instance struct {
	id         string
	seq        uint64
	generation uint64
	state      State
	handle     runtime.Handle
	createdAt  time.Time

	active         int
	avgMs          float64
	total          uint64
	failed         uint64
	lastUsed       time.Time
	healthFailures int
	// retire excludes the instance from scheduling; it is destroyed once idle.
	retire bool
	// claimed marks a Creating placeholder an Acquire caller is waiting on.
	claimed bool
}

// Outcome is what the caller reports back on Release.
type Outcome struct {
	Err      error
	Duration time.Duration
}

// Lease is an acquired slot on one instance. Release must be called exactly
// once; extra calls are ignored.
type Lease struct {
	pool     *Pool
	inst     *instance
	id       string
	gen      uint64
	handle   runtime.Handle
	released atomic.Bool
}

func (l *Lease) InstanceID() string { return l.id }
func (l *Lease) Handle() runtime.Handle { return l.handle }
func (l *Lease) Generation() uint64 { return l.gen }
func (l *Lease) Release(o Outcome) { l.pool.Release(l, o) }

// Pool is safe for concurrent use.
type Pool struct {
	cfg       Config
	adapter   runtime.Adapter
	newConfig ConfigFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	instances  map[string]*instance
	generation uint64
	seq        uint64
	rr         uint64
	waiting    int
	draining   bool
	started    bool
	changed    chan struct{}
	loopDone   chan struct{}
	drained    chan struct{}
	bg         sync.WaitGroup

	acquired         atomic.Uint64
	timeouts         atomic.Uint64
	creationFailures atomic.Uint64
	destroyed        atomic.Uint64
}

// New builds a pool. Call Start to begin warm-up and maintenance.
func New(cfg Config, adapter runtime.Adapter, newConfig ConfigFunc) *Pool {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		adapter:    adapter,
		newConfig:  newConfig,
		ctx:        ctx,
		cancel:     cancel,
		instances:  make(map[string]*instance),
		generation: 1,
		changed:    make(chan struct{}),
		drained:    make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

func (p *Pool) emit(name, instanceID, reason string) {
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(Event{Name: name, TaskID: p.cfg.TaskID, InstanceID: instanceID, Reason: reason})
	}
}

// notifyLocked wakes every waiter; each re-evaluates the pool.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// liveLocked counts instances of the current generation that can still serve.
func (p *Pool) liveLocked() int {
	n := 0
	for _, inst := range p.instances {
		if !inst.retire && inst.generation == p.generation {
			n++
		}
	}
	return n
}

// reserveLocked adds a Creating placeholder that counts toward MaxInstances.
// The caller must run fill for it.
func (p *Pool) reserveLocked() *instance {
	p.seq++
	inst := &instance{
		id:         fmt.Sprintf("%s-inst-%d", p.cfg.TaskID, p.seq),
		seq:        p.seq,
		generation: p.generation,
		state:      StateCreating,
		createdAt:  p.cfg.Now(),
	}
	p.instances[inst.id] = inst
	p.bg.Add(1)
	return inst
}

func (p *Pool) leaseLocked(inst *instance) *Lease {
	inst.active++
	inst.state = StateRunning
	inst.lastUsed = p.cfg.Now()
	p.acquired.Add(1)
	return &Lease{pool: p, inst: inst, id: inst.id, gen: inst.generation, handle: inst.handle}
}

func (p *Pool) drainingErr() error {
	return errs.Task(errs.KindTerminated, "pool for task %s is draining", p.cfg.TaskID)
}

// warmupLocked claims a current-generation warm-up placeholder that no
// caller is waiting on yet, or returns nil.
func (p *Pool) warmupLocked() *instance {
	for _, inst := range sortedBySeq(p.instances) {
		if inst.state == StateCreating && !inst.claimed && !inst.retire && inst.generation == p.generation {
			inst.claimed = true
			return inst
		}
	}
	return nil
}

// pendingLocked reports whether inst is still a placeholder in this pool.
func (p *Pool) pendingLocked(inst *instance) bool {
	return inst != nil && p.instances[inst.id] == inst && inst.state == StateCreating && inst.generation == p.generation
}

// Acquire returns a lease on an instance with spare capacity, or waits for
// one. An unclaimed warm-up creation is waited for before a new instance is
// reserved; below MaxInstances a new one is created for the caller.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	var pending *instance
	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, p.drainingErr()
		}
		if inst := p.pickLocked(); inst != nil {
			l := p.leaseLocked(inst)
			p.mu.Unlock()
			return l, nil
		}
		if !p.pendingLocked(pending) {
			pending = p.warmupLocked()
		}
		if pending == nil && len(p.instances) < p.cfg.MaxInstances {
			inst := p.reserveLocked()
			inst.claimed = true
			p.mu.Unlock()
			l, err := p.fill(ctx, inst, true)
			if err != nil {
				return nil, err
			}
			if l != nil {
				return l, nil
			}
			continue
		}
		if pending == nil && p.cfg.MaxWaiters > 0 && p.waiting >= p.cfg.MaxWaiters {
			p.mu.Unlock()
			return nil, errs.Instance(errs.KindBackpressure, "task %s has %d callers waiting", p.cfg.TaskID, p.cfg.MaxWaiters)
		}
		ch := p.changed
		p.waiting++
		p.mu.Unlock()

		select {
		case <-ch:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			if pending != nil {
				pending.claimed = false
			}
			p.mu.Unlock()
			p.timeouts.Add(1)
			if ctx.Err() == context.DeadlineExceeded {
				return nil, errs.Wrap(errs.ClassInstance, errs.KindTimeout, ctx.Err(), "no instance of task %s available", p.cfg.TaskID)
			}
			return nil, errs.FromContext(ctx.Err(), "acquire for task %s", p.cfg.TaskID)
		}
	}
}

// fill creates the adapter instance for a reserved placeholder and applies
// the result. With forCaller set, a successful result is leased directly.
// A nil lease and nil error means the result was discarded as stale.
func (p *Pool) fill(ctx context.Context, inst *instance, forCaller bool) (*Lease, error) {
	defer p.bg.Done()
	h, err := p.create(ctx, inst.id)

	p.mu.Lock()
	if err != nil {
		if p.instances[inst.id] == inst {
			delete(p.instances, inst.id)
		}
		p.notifyLocked()
		p.mu.Unlock()
		p.creationFailures.Add(1)
		p.emit(EventCreationFailed, inst.id, err.Error())
		return nil, err
	}
	if inst.generation != p.generation || p.draining || p.instances[inst.id] != inst {
		if p.instances[inst.id] == inst {
			delete(p.instances, inst.id)
		}
		draining := p.draining
		p.notifyLocked()
		p.mu.Unlock()
		p.cfg.Logger.Debug().Str("task_id", p.cfg.TaskID).Str("instance_id", inst.id).Uint64("generation", inst.generation).Msg("discarding stale instance")
		inst.handle = h
		p.destroy(inst, "stale generation")
		if draining {
			return nil, p.drainingErr()
		}
		return nil, nil
	}
	inst.handle = h
	inst.state = StateReady
	inst.lastUsed = p.cfg.Now()
	var l *Lease
	if forCaller {
		l = p.leaseLocked(inst)
	}
	p.notifyLocked()
	p.mu.Unlock()
	p.cfg.Logger.Info().Str("task_id", p.cfg.TaskID).Str("instance_id", inst.id).Msg("instance created")
	p.emit(EventInstanceCreated, inst.id, "")
	return l, nil
}

// create calls the adapter, retrying transient runtime failures with
// exponential backoff.
func (p *Pool) create(ctx context.Context, id string) (runtime.Handle, error) {
	cfg := p.newConfig(id)
	backoff := p.cfg.Retry.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retry.Attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
		h, err := p.adapter.CreateInstance(cctx, cfg)
		cancel()
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return nil, errs.FromContext(ctx.Err(), "create instance %s", id)
		}
		if _, ok := errs.As(err); !ok {
			err = errs.FromContext(err, "create instance %s", id)
		}
		lastErr = err
		if !errs.IsTransient(err) || attempt == p.cfg.Retry.Attempts {
			break
		}
		p.cfg.Logger.Warn().Err(err).Str("instance_id", id).Int("attempt", attempt).Dur("backoff", backoff).Msg("instance creation failed; retrying")
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, errs.FromContext(ctx.Err(), "create instance %s", id)
		}
		backoff *= 2
		if backoff > p.cfg.Retry.MaxBackoff {
			backoff = p.cfg.Retry.MaxBackoff
		}
	}
	if errs.IsTransient(lastErr) {
		p.cfg.Logger.Error().Err(lastErr).Str("instance_id", id).Int("attempts", p.cfg.Retry.Attempts).Msg("instance creation retries exhausted")
	}
	if _, ok := errs.As(lastErr); !ok {
		lastErr = errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, lastErr, "create instance %s", id)
	}
	return nil, lastErr
}

// destroy tears down inst's adapter instance. It never holds the pool lock.
func (p *Pool) destroy(inst *instance, reason string) {
	if inst.handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DestroyTimeout)
	defer cancel()
	if err := p.adapter.DestroyInstance(ctx, inst.handle); err != nil {
		p.cfg.Logger.Warn().Err(err).Str("task_id", p.cfg.TaskID).Str("instance_id", inst.id).Msg("destroy instance failed")
	}
	p.destroyed.Add(1)
	p.cfg.Logger.Info().Str("task_id", p.cfg.TaskID).Str("instance_id", inst.id).Str("reason", reason).Msg("instance destroyed")
	p.emit(EventInstanceDestroyed, inst.id, reason)
}

// removeLocked takes inst out of the table and schedules its destruction.
// The WaitGroup is incremented under the lock so Drain observes it.
func (p *Pool) removeLocked(inst *instance, state State) {
	delete(p.instances, inst.id)
	inst.state = state
	p.bg.Add(1)
}

func (p *Pool) destroyAsync(inst *instance, reason string) {
	go func() {
		defer p.bg.Done()
		p.destroy(inst, reason)
	}()
}

// topUpLocked reports whether a background EnsureMin should run, and
// registers it with the WaitGroup if so.
func (p *Pool) topUpLocked() bool {
	if p.draining || p.liveLocked() >= p.cfg.MinInstances {
		return false
	}
	p.bg.Add(1)
	return true
}

func (p *Pool) topUpAsync() {
	go func() {
		defer p.bg.Done()
		if err := p.EnsureMin(p.ctx); err != nil && p.ctx.Err() == nil {
			p.cfg.Logger.Warn().Err(err).Str("task_id", p.cfg.TaskID).Msg("warm pool top-up failed")
		}
	}()
}

func isFault(err error) bool {
	return err != nil && !errs.IsCanceled(err)
}

// Release returns a lease, folding the outcome into the instance metrics.
// Failed executions retire the instance. Leases from a superseded
// generation retire their instance without touching its health state.
func (p *Pool) Release(l *Lease, o Outcome) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	inst := l.inst
	if inst.active > 0 {
		inst.active--
	}
	inst.lastUsed = p.cfg.Now()
	ms := float64(o.Duration) / float64(time.Millisecond)
	if inst.total == 0 {
		inst.avgMs = ms
	} else {
		inst.avgMs = latencyDecay*inst.avgMs + (1-latencyDecay)*ms
	}
	inst.total++
	reason := ""
	if l.gen != p.generation {
		inst.retire = true
		reason = "stale generation"
	} else if isFault(o.Err) {
		inst.failed++
		inst.retire = true
		reason = "execution failed"
		if errs.IsTimeout(o.Err) {
			inst.state = StateUnhealthy
		} else {
			inst.state = StateFailed
		}
	}
	var victim *instance
	switch {
	case inst.retire && inst.active == 0 && p.instances[inst.id] == inst:
		st := inst.state
		if st != StateFailed && st != StateUnhealthy {
			st = StateTerminating
		}
		p.removeLocked(inst, st)
		victim = inst
		if reason == "" {
			reason = "retired"
		}
	case !inst.retire && inst.active == 0:
		inst.state = StateReady
	}
	p.notifyLocked()
	top := p.topUpLocked()
	p.mu.Unlock()

	if victim != nil {
		p.destroyAsync(victim, reason)
	}
	if top {
		p.topUpAsync()
	}
}

// Reset bumps the generation. Idle instances are destroyed, busy ones are
// retired once released, and in-flight creations are discarded on arrival.
func (p *Pool) Reset() uint64 {
	p.mu.Lock()
	if p.draining {
		g := p.generation
		p.mu.Unlock()
		return g
	}
	p.generation++
	var victims []*instance
	for _, inst := range p.instances {
		switch {
		case inst.state == StateCreating:
		case inst.active == 0:
			p.removeLocked(inst, StateTerminating)
			victims = append(victims, inst)
		default:
			inst.retire = true
		}
	}
	gen := p.generation
	p.notifyLocked()
	top := p.topUpLocked()
	p.mu.Unlock()

	for _, v := range victims {
		p.destroyAsync(v, "pool reset")
	}
	if top {
		p.topUpAsync()
	}
	p.cfg.Logger.Info().Str("task_id", p.cfg.TaskID).Uint64("generation", gen).Msg("pool reset")
	p.emit(EventPoolReset, "", "")
	return gen
}

// Drain rejects new acquisitions, waits up to DrainGrace for in-flight
// leases, then destroys every instance. Concurrent calls wait for the first.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		done := p.drained
		p.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errs.FromContext(ctx.Err(), "drain task %s", p.cfg.TaskID)
		}
	}
	p.draining = true
	started := p.started
	p.notifyLocked()
	p.mu.Unlock()

	p.cancel()
	if started {
		<-p.loopDone
	}
	if !p.waitIdle(ctx) {
		p.cfg.Logger.Warn().Str("task_id", p.cfg.TaskID).Msg("drain grace expired; terminating busy instances")
	}

	p.mu.Lock()
	victims := make([]*instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.state != StateCreating {
			victims = append(victims, inst)
		}
		delete(p.instances, inst.id)
		inst.state = StateTerminating
	}
	p.notifyLocked()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, v := range victims {
		wg.Add(1)
		go func(v *instance) {
			defer wg.Done()
			p.destroy(v, "drain")
		}(v)
	}
	wg.Wait()
	p.bg.Wait()
	close(p.drained)
	p.cfg.Logger.Info().Str("task_id", p.cfg.TaskID).Int("destroyed", len(victims)).Msg("pool drained")
	p.emit(EventPoolDrained, "", "")
	return nil
}

// waitIdle blocks until no lease is outstanding. It returns false when the
// grace period or ctx ran out first.
func (p *Pool) waitIdle(ctx context.Context) bool {
	grace := time.NewTimer(p.cfg.DrainGrace)
	defer grace.Stop()
	for {
		p.mu.Lock()
		busy := 0
		for _, inst := range p.instances {
			busy += inst.active
		}
		ch := p.changed
		p.mu.Unlock()
		if busy == 0 {
			return true
		}
		select {
		case <-ch:
		case <-grace.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Draining reports whether Drain has been called.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// Generation returns the current generation.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Counts summarizes the pool for node-wide statistics.
type Counts struct {
	Ready     int
	Running   int
	Creating  int
	Active    int
	Waiting   int
	Instances int

	Acquired         uint64
	Timeouts         uint64
	CreationFailures uint64
	Destroyed        uint64
}

func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := Counts{
		Waiting:          p.waiting,
		Instances:        len(p.instances),
		Acquired:         p.acquired.Load(),
		Timeouts:         p.timeouts.Load(),
		CreationFailures: p.creationFailures.Load(),
		Destroyed:        p.destroyed.Load(),
	}
	for _, inst := range p.instances {
		switch inst.state {
		case StateReady:
			c.Ready++
		case StateRunning:
			c.Running++
		case StateCreating:
			c.Creating++
		}
		c.Active += inst.active
	}
	return c
}

// Status reports every instance, ordered by creation.
func (p *Pool) Status() types.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := types.PoolStatus{
		Generation:   p.generation,
		Waiting:      p.waiting,
		MinInstances: p.cfg.MinInstances,
		MaxInstances: p.cfg.MaxInstances,
		Draining:     p.draining,
		Instances:    make([]types.InstanceStatus, 0, len(p.instances)),
	}
	for _, inst := range sortedBySeq(p.instances) {
		is := types.InstanceStatus{
			ID:               inst.id,
			State:            string(inst.state),
			ActiveRequests:   inst.active,
			AvgRequestTimeMs: inst.avgMs,
			TotalRequests:    inst.total,
			FailedRequests:   inst.failed,
			HealthFailures:   inst.healthFailures,
			Generation:       inst.generation,
		}
		if !inst.lastUsed.IsZero() {
			is.LastUsed = inst.lastUsed.Unix()
		}
		st.Instances = append(st.Instances, is)
	}
	return st
}
