package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/lfedgeai/SPEAR-sub001/internal/artifact"
	"github.com/lfedgeai/SPEAR-sub001/internal/pool"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/internal/store"
	"github.com/lfedgeai/SPEAR-sub001/internal/task"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxConcurrentTasks      = 1000
	defaultMaxArtifacts            = 100
	defaultMaxTasksPerArtifact     = 10
	defaultMaxInstancesPerTask     = 50
	defaultInstanceCreationTimeout = 30 * time.Second
	defaultHealthCheckInterval     = 10 * time.Second
	defaultCleanupInterval         = 60 * time.Second
	defaultTaskIdleTimeout         = 180 * time.Second
	defaultExecutionTimeout        = 30 * time.Second
	defaultDrainGrace              = 10 * time.Second
)

// PoolDefaults are node-wide pool settings; task specs supply the bounds.
type PoolDefaults struct {
	IdleTimeout time.Duration
	// HealthCheckInterval overrides ManagerConfig.HealthCheckInterval for pools.
	HealthCheckInterval time.Duration
	// FailureThreshold overrides the task's derived threshold when set.
	FailureThreshold int
	MaxWaiters       int
	Policy           pool.Policy
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	NodeID string

	MaxConcurrentTasks      int
	MaxArtifacts            int
	MaxTasksPerArtifact     int
	MaxInstancesPerTask     int
	InstanceCreationTimeout time.Duration
	HealthCheckInterval     time.Duration
	CleanupInterval         time.Duration
	// TaskIdleTimeout is how long a task may see no requests before the
	// cleanup loop marks it inactive.
	TaskIdleTimeout time.Duration
	// DefaultExecutionTimeout applies to artifacts without their own ceiling.
	DefaultExecutionTimeout time.Duration
	DrainGrace              time.Duration
	// FailFast rejects requests beyond MaxConcurrentTasks instead of queueing.
	FailFast bool
	Retry    pool.RetryPolicy
	Pool     PoolDefaults

	Runtimes   *runtime.Registry
	Store      store.Store
	Lookup     TaskLookup
	Publisher  EventPublisher
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
	Now        func() time.Time
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if c.MaxArtifacts <= 0 {
		c.MaxArtifacts = defaultMaxArtifacts
	}
	if c.MaxTasksPerArtifact <= 0 {
		c.MaxTasksPerArtifact = defaultMaxTasksPerArtifact
	}
	if c.MaxInstancesPerTask <= 0 {
		c.MaxInstancesPerTask = defaultMaxInstancesPerTask
	}
	if c.InstanceCreationTimeout <= 0 {
		c.InstanceCreationTimeout = defaultInstanceCreationTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.TaskIdleTimeout <= 0 {
		c.TaskIdleTimeout = defaultTaskIdleTimeout
	}
	if c.DefaultExecutionTimeout <= 0 {
		c.DefaultExecutionTimeout = defaultExecutionTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	if c.Pool.HealthCheckInterval <= 0 {
		c.Pool.HealthCheckInterval = c.HealthCheckInterval
	}
	if c.Runtimes == nil {
		c.Runtimes = runtime.NewRegistry()
	}
	if c.Store == nil {
		c.Store = store.NewMemory(0)
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// NewWithConfig constructs a Manager from ManagerConfig. Call Start to run
// the cleanup loop.
func NewWithConfig(cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		admission: semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		pools:     make(map[string]*taskPool),
		execs:     make(map[string]*execution),
		metrics:   newMetrics(cfg.Registerer),
		stop:      make(chan struct{}),
		startTime: cfg.Now(),
	}
	m.artifacts = artifact.NewManager(artifact.Config{
		MaxArtifacts: cfg.MaxArtifacts,
		Logger:       cfg.Logger,
		Now:          cfg.Now,
	})
	m.tasks = task.NewManager(task.Config{
		MaxTasksPerArtifact: cfg.MaxTasksPerArtifact,
		MaxInstancesPerTask: cfg.MaxInstancesPerTask,
		Logger:              cfg.Logger,
		Now:                 cfg.Now,
	})
	m.artifacts.SetUsageChecker(m.tasks)
	m.tasks.SetDrainer(m)
	return m
}
