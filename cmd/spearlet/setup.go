package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lfedgeai/SPEAR-sub001/internal/config"
	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/manager"
	"github.com/lfedgeai/SPEAR-sub001/internal/pool"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime/container"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime/process"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime/wasm"
)

// loadConfig reads --config (or SPEARLET_CONFIG) and applies the log flag
// overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("SPEARLET_CONFIG")
	}
	var (
		cfg config.Config
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(path); err != nil {
		return cfg, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f, _ := cmd.Flags().GetString("log-format"); f != "" {
		cfg.Log.Format = f
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), errs.Configuration("log level %q: %v", cfg.Level, err)
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// buildRuntimes registers the adapters enabled in cfg. Kubernetes is always
// present so requests for it fail as unsupported rather than unknown.
func buildRuntimes(cfg config.Config, logger zerolog.Logger) (*runtime.Registry, func(context.Context), error) {
	reg := runtime.NewRegistry(
		process.New(process.Config{
			WorkDir:   cfg.Runtimes.Process.WorkDir,
			StopGrace: config.Ms(cfg.Runtimes.Process.StopGraceMs),
			Logger:    logger.With().Str("runtime", "process").Logger(),
		}),
		runtime.NewUnsupported(runtime.TypeKubernetes, "kubernetes runtime is not available on this node"),
	)
	closeFn := func(context.Context) {}

	if cfg.Runtimes.Container.Enabled {
		a, err := container.New(container.Config{
			Network:     cfg.Runtimes.Container.Network,
			PullMissing: true,
			Logger:      logger.With().Str("runtime", "container").Logger(),
		})
		if err != nil {
			return nil, closeFn, err
		}
		reg.Register(a)
	} else {
		reg.Register(runtime.NewUnsupported(runtime.TypeContainer, "container runtime is disabled"))
	}

	if cfg.Runtimes.Wasm.Enabled {
		a, err := wasm.New(wasm.Config{
			CacheDir: filepath.Join(cfg.Node.DataDir, "wasm-cache"),
			Logger:   logger.With().Str("runtime", "wasm").Logger(),
		})
		if err != nil {
			return nil, closeFn, err
		}
		reg.Register(a)
		closeFn = func(ctx context.Context) { _ = a.Close(ctx) }
	} else {
		reg.Register(runtime.NewUnsupported(runtime.TypeWasm, "wasm runtime is disabled"))
	}
	return reg, closeFn, nil
}

// managerConfig maps the file config onto the manager's tunables.
func managerConfig(cfg config.Config) (manager.ManagerConfig, error) {
	policy, err := pool.ParsePolicy(cfg.Pool.SchedulingPolicy)
	if err != nil {
		return manager.ManagerConfig{}, err
	}
	mc := cfg.Manager
	return manager.ManagerConfig{
		NodeID:                  cfg.Node.NodeID,
		MaxConcurrentTasks:      mc.MaxConcurrentTasks,
		MaxArtifacts:            mc.MaxArtifacts,
		MaxTasksPerArtifact:     mc.MaxTasksPerArtifact,
		MaxInstancesPerTask:     mc.MaxInstancesPerTask,
		InstanceCreationTimeout: config.Ms(mc.InstanceCreationTimeoutMs),
		HealthCheckInterval:     config.Ms(mc.HealthCheckIntervalMs),
		CleanupInterval:         config.Ms(mc.CleanupIntervalMs),
		TaskIdleTimeout:         config.Ms(mc.TaskIdleTimeoutMs),
		DefaultExecutionTimeout: config.Ms(mc.DefaultExecutionTimeoutMs),
		DrainGrace:              config.Ms(mc.DrainGraceMs),
		FailFast:                mc.Admission.FailFast,
		Retry: pool.RetryPolicy{
			Attempts:       mc.Retry.Attempts,
			InitialBackoff: config.Ms(mc.Retry.InitialBackoffMs),
			MaxBackoff:     config.Ms(mc.Retry.MaxBackoffMs),
		},
		Pool: manager.PoolDefaults{
			IdleTimeout:         config.Ms(cfg.Pool.IdleTimeoutMs),
			HealthCheckInterval: config.Ms(cfg.Pool.HealthCheckIntervalMs),
			FailureThreshold:    cfg.Pool.HealthFailureThreshold,
			MaxWaiters:          cfg.Pool.MaxWaiters,
			Policy:              policy,
		},
	}, nil
}

// logPublisher writes manager lifecycle events to the process log.
type logPublisher struct{ logger zerolog.Logger }

func (p logPublisher) Publish(e manager.Event) {
	p.logger.Debug().Str("event", e.Name).Str("task_id", e.TaskID).Fields(e.Fields).Msg("lifecycle")
}
