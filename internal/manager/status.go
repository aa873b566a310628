package manager

import (
	"context"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/store"
	"github.com/lfedgeai/SPEAR-sub001/internal/task"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// GetExecutionStatus returns the stored record of an execution.
func (m *Manager) GetExecutionStatus(ctx context.Context, id string) (types.ExecutionRecord, error) {
	return m.cfg.Store.Get(ctx, id)
}

// ListExecutions returns stored records, newest first.
func (m *Manager) ListExecutions(ctx context.Context, f store.Filter) ([]types.ExecutionRecord, error) {
	return m.cfg.Store.List(ctx, f)
}

// CancelExecution cancels a pending or running execution. The execution
// finishes with status canceled; its instance lease is released normally.
func (m *Manager) CancelExecution(ctx context.Context, id string) error {
	m.execMu.Lock()
	e := m.execs[id]
	m.execMu.Unlock()
	if e != nil {
		e.cancel()
		m.logger.Info().Str("execution_id", id).Msg("execution canceled")
		return nil
	}
	rec, err := m.cfg.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return errs.New(errs.ClassSystem, errs.KindConflict, "execution %s already %s", id, rec.Status)
	}
	return errs.New(errs.ClassSystem, errs.KindNotFound, "execution %s is not running on this node", id)
}

// Statistics aggregates counters across all tasks.
func (m *Manager) Statistics() types.ExecutionStatistics {
	m.statsMu.Lock()
	st := types.ExecutionStatistics{
		TotalExecutions:     m.stats.total,
		SucceededExecutions: m.stats.succeeded,
		FailedExecutions:    m.stats.failed,
		CanceledExecutions:  m.stats.canceled,
		QueueLength:         m.admitWaiting,
		RunningExecutions:   m.admitRunning,
	}
	if m.stats.total > 0 {
		st.AvgLatencyMs = m.stats.latencyMs / float64(m.stats.total)
	}
	m.statsMu.Unlock()

	for id, tp := range m.poolSnapshot() {
		c := tp.pool.Counts()
		m.metrics.observePool(id, c)
		st.ActiveInstances += c.Ready + c.Running
		st.QueueLength += c.Waiting
	}
	st.ActiveArtifacts = m.artifacts.Count()
	st.ActiveTasks = m.tasks.Counts()[task.StatusActive]
	st.UptimeSeconds = int64(m.cfg.Now().Sub(m.startTime).Seconds())
	return st
}

func (m *Manager) taskInfo(t task.Task) types.TaskInfo {
	info := t.Info()
	m.mu.Lock()
	tp := m.pools[t.ID]
	m.mu.Unlock()
	if tp != nil {
		ps := tp.pool.Status()
		info.Pool = &ps
	}
	return info
}
