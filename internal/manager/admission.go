package manager

import (
	"context"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
)

// admit takes one slot of the node-wide concurrency limit. With FailFast
// a full limiter rejects immediately; otherwise the caller waits until a slot
// frees or ctx ends. The returned func releases the slot.
func (m *Manager) admit(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err, "admission")
	}
	if !m.admission.TryAcquire(1) {
		if m.cfg.FailFast {
			m.metrics.rejections.Inc()
			return nil, errs.System(errs.KindBackpressure, "%d executions already running", m.cfg.MaxConcurrentTasks)
		}
		m.statsMu.Lock()
		m.admitWaiting++
		m.statsMu.Unlock()
		err := m.admission.Acquire(ctx, 1)
		m.statsMu.Lock()
		m.admitWaiting--
		m.statsMu.Unlock()
		if err != nil {
			m.metrics.rejections.Inc()
			return nil, errs.FromContext(err, "waiting for admission")
		}
	}
	m.statsMu.Lock()
	m.admitRunning++
	m.statsMu.Unlock()
	m.metrics.inflight.Inc()
	return func() {
		m.statsMu.Lock()
		m.admitRunning--
		m.statsMu.Unlock()
		m.metrics.inflight.Dec()
		m.admission.Release(1)
	}, nil
}
