package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lfedgeai/SPEAR-sub001/internal/artifact"
	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/pool"
	"github.com/lfedgeai/SPEAR-sub001/internal/task"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// execution is an admitted request that can still be canceled.
type execution struct {
	id     string
	cancel context.CancelFunc
}

// Execute runs req against its task. Sync requests block until the
// execution finishes; async requests return a pending response at once.
//
// Request-level failures (unknown artifact, conflict, backpressure) return
// a zero response and the error. Once an execution id is assigned, the
// response always carries it and a status; on failure the classified error
// is returned alongside.
func (m *Manager) Execute(ctx context.Context, req types.ExecuteRequest) (types.ExecutionResponse, error) {
	mode := req.Mode
	switch mode {
	case "":
		mode = types.ModeSync
	case types.ModeSync, types.ModeAsync:
	default:
		return types.ExecutionResponse{}, errs.Task(errs.KindValidation, "unknown execution mode %q", req.Mode)
	}
	if !m.Ready() {
		return types.ExecutionResponse{}, m.closedErr()
	}
	a, t, err := m.resolve(ctx, req)
	if err != nil {
		return types.ExecutionResponse{}, err
	}
	if t, err = m.tasks.Touch(t.ID); err != nil {
		return types.ExecutionResponse{}, err
	}

	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	timeout := m.executionTimeout(a, req.TimeoutMs)
	base := types.ExecutionResponse{ExecutionID: id, TaskID: t.ID, ArtifactID: a.ID}

	if mode == types.ModeAsync {
		return m.submitAsync(ctx, base, a, t, req.Payload, timeout)
	}

	// The deadline covers admission as well as acquire and execute.
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	release, err := m.admit(ectx)
	if err != nil {
		return types.ExecutionResponse{}, err
	}
	defer release()
	if err := m.track(id, cancel); err != nil {
		return types.ExecutionResponse{}, err
	}
	m.inflight.Add(1)
	defer m.inflight.Done()

	created := m.cfg.Now()
	m.record(ctx, base, types.StatusRunning, types.ModeSync, created)
	resp, err := m.run(ectx, base, a, t, req.Payload)
	// Untrack before the terminal record so a cancel never sees a finished
	// execution as still running.
	m.untrack(id)
	return m.finish(resp, err, types.ModeSync, created), err
}

func (m *Manager) submitAsync(ctx context.Context, base types.ExecutionResponse, a artifact.Artifact, t task.Task, payload []byte, timeout time.Duration) (types.ExecutionResponse, error) {
	var release func()
	if m.cfg.FailFast {
		r, err := m.admit(ctx)
		if err != nil {
			return types.ExecutionResponse{}, err
		}
		release = r
	}
	ectx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := m.track(base.ExecutionID, cancel); err != nil {
		cancel()
		if release != nil {
			release()
		}
		return types.ExecutionResponse{}, err
	}
	created := m.cfg.Now()
	pending := base
	pending.Status = types.StatusPending
	m.record(ctx, base, types.StatusPending, types.ModeAsync, created)

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer cancel()
		if release == nil {
			r, err := m.admit(ectx)
			if err != nil {
				m.untrack(base.ExecutionID)
				m.finish(base, err, types.ModeAsync, created)
				return
			}
			release = r
		}
		defer release()
		m.record(ectx, base, types.StatusRunning, types.ModeAsync, created)
		resp, err := m.run(ectx, base, a, t, payload)
		m.untrack(base.ExecutionID)
		m.finish(resp, err, types.ModeAsync, created)
	}()
	return pending, nil
}

// resolve finds or creates the artifact and task a request targets.
func (m *Manager) resolve(ctx context.Context, req types.ExecuteRequest) (artifact.Artifact, task.Task, error) {
	var a artifact.Artifact
	var err error
	switch {
	case req.Artifact != nil:
		if a, err = m.registerArtifact(*req.Artifact); err != nil {
			return a, task.Task{}, err
		}
	case req.ArtifactID != "":
		if a, err = m.artifacts.Get(req.ArtifactID); err != nil {
			return a, task.Task{}, err
		}
	case req.TaskID != "":
		t, err := m.tasks.Get(req.TaskID)
		if errs.IsNotFound(err) && m.cfg.Lookup != nil {
			t, err = m.hydrate(ctx, req.TaskID)
		}
		if err != nil {
			return a, task.Task{}, err
		}
		// A terminated task is reported by Touch rather than re-derived.
		a, err = m.artifacts.Get(t.ArtifactID)
		return a, t, err
	default:
		return a, task.Task{}, errs.Task(errs.KindValidation, "request names no artifact or task")
	}
	t, err := m.createTask(a, req.TaskID)
	return a, t, err
}

func (m *Manager) hydrate(ctx context.Context, taskID string) (task.Task, error) {
	rec, err := m.cfg.Lookup.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if rec.TaskID == "" {
		rec.TaskID = taskID
	}
	return m.MaterializeTask(rec)
}

// MaterializeTask registers the record's artifact and derives its task.
// Both steps are idempotent, so replayed records are harmless.
func (m *Manager) MaterializeTask(rec types.TaskRecord) (task.Task, error) {
	a, err := m.registerArtifact(rec.Artifact)
	if err != nil {
		return task.Task{}, err
	}
	return m.createTask(a, rec.TaskID)
}

func (m *Manager) registerArtifact(spec types.ArtifactSpec) (artifact.Artifact, error) {
	_, getErr := m.artifacts.Get(spec.ID)
	a, err := m.artifacts.CreateOrGet(spec)
	if err != nil {
		return a, err
	}
	if errs.IsNotFound(getErr) {
		m.publisher.Publish(Event{Name: EventArtifactRegistered, Fields: map[string]any{"artifact_id": a.ID, "runtime": string(a.Runtime)}})
	}
	return a, nil
}

func (m *Manager) createTask(a artifact.Artifact, taskID string) (task.Task, error) {
	id := taskID
	if id == "" {
		id = task.DefaultTaskID(a.ID)
	}
	prev, getErr := m.tasks.Get(id)
	t, err := m.tasks.CreateFromArtifact(a, taskID)
	if err != nil {
		return t, err
	}
	if err := m.artifacts.Activate(a.ID); err != nil {
		return t, err
	}
	if errs.IsNotFound(getErr) || prev.Status == task.StatusTerminated {
		m.publisher.Publish(Event{Name: EventTaskCreated, TaskID: t.ID, Fields: map[string]any{"artifact_id": a.ID}})
	}
	return t, nil
}

// executionTimeout is the artifact ceiling, shortened by a smaller
// per-request timeout.
func (m *Manager) executionTimeout(a artifact.Artifact, requestMs int64) time.Duration {
	d := m.cfg.DefaultExecutionTimeout
	if a.Spec.MaxExecutionTimeoutMs > 0 {
		d = a.MaxExecutionTimeout()
	}
	if requestMs > 0 {
		if r := time.Duration(requestMs) * time.Millisecond; r < d {
			d = r
		}
	}
	return d
}

// run acquires an instance, dispatches the payload and always releases the
// lease, whatever the outcome.
func (m *Manager) run(ctx context.Context, base types.ExecutionResponse, a artifact.Artifact, t task.Task, payload []byte) (types.ExecutionResponse, error) {
	resp := base
	tp, err := m.poolFor(t, a)
	if err != nil {
		return resp, err
	}
	lease, err := tp.pool.Acquire(ctx)
	if err != nil {
		return resp, err
	}
	resp.InstanceID = lease.InstanceID()
	start := time.Now()

	var outcome pool.Outcome
	defer func() { lease.Release(outcome) }()

	res, err := tp.adapter.Execute(ctx, lease.Handle(), payload)
	if err != nil {
		err = errs.FromContext(err, "execute on %s", lease.InstanceID())
	}
	outcome = pool.Outcome{Err: err, Duration: time.Since(start)}
	resp.ExitCode = res.ExitCode
	resp.Output = outputJSON(res.Output)
	return resp, err
}

// outputJSON passes valid JSON through and wraps anything else as a string.
func outputJSON(out []byte) json.RawMessage {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return json.RawMessage(out)
	}
	b, _ := json.Marshal(string(out))
	return b
}

func errorInfo(err error) *types.ErrorInfo {
	if e, ok := errs.As(err); ok {
		return &types.ErrorInfo{Class: string(e.Class), Kind: string(e.Kind), Message: err.Error()}
	}
	return &types.ErrorInfo{Class: string(errs.ClassOf(err)), Kind: string(errs.KindOf(err)), Message: err.Error()}
}

func statusFor(err error) string {
	switch {
	case err == nil:
		return types.StatusSucceeded
	case errs.IsCanceled(err):
		return types.StatusCanceled
	default:
		return types.StatusFailed
	}
}

func (m *Manager) track(id string, cancel context.CancelFunc) error {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	if _, ok := m.execs[id]; ok {
		return errs.New(errs.ClassSystem, errs.KindConflict, "execution %s already running", id)
	}
	m.execs[id] = &execution{id: id, cancel: cancel}
	return nil
}

func (m *Manager) untrack(id string) {
	m.execMu.Lock()
	delete(m.execs, id)
	m.execMu.Unlock()
}

func (m *Manager) record(ctx context.Context, base types.ExecutionResponse, status, mode string, created time.Time) {
	rec := types.ExecutionRecord{ExecutionResponse: base, Mode: mode, CreatedAt: created, UpdatedAt: m.cfg.Now()}
	rec.Status = status
	if err := m.cfg.Store.Put(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn().Err(err).Str("execution_id", base.ExecutionID).Msg("store execution record")
	}
}

// finish completes resp from err, stores the terminal record, and updates
// statistics, metrics and events.
func (m *Manager) finish(resp types.ExecutionResponse, err error, mode string, created time.Time) types.ExecutionResponse {
	elapsed := m.cfg.Now().Sub(created)
	resp.Status = statusFor(err)
	resp.ExecutionTimeMs = elapsed.Milliseconds()
	if err != nil {
		resp.Error = errorInfo(err)
	}
	rec := types.ExecutionRecord{ExecutionResponse: resp, Mode: mode, CreatedAt: created, UpdatedAt: m.cfg.Now()}
	if perr := m.cfg.Store.Put(context.Background(), rec); perr != nil {
		m.logger.Warn().Err(perr).Str("execution_id", resp.ExecutionID).Msg("store execution record")
	}

	m.statsMu.Lock()
	m.stats.total++
	switch resp.Status {
	case types.StatusSucceeded:
		m.stats.succeeded++
	case types.StatusCanceled:
		m.stats.canceled++
	default:
		m.stats.failed++
	}
	m.stats.latencyMs += float64(elapsed) / float64(time.Millisecond)
	m.statsMu.Unlock()

	m.metrics.executions.WithLabelValues(resp.Status).Inc()
	m.metrics.duration.Observe(elapsed.Seconds())
	ev := m.logger.Debug()
	if err != nil {
		ev = m.logger.Warn().Err(err)
	}
	ev.Str("execution_id", resp.ExecutionID).Str("task_id", resp.TaskID).Str("status", resp.Status).Int64("ms", resp.ExecutionTimeMs).Msg("execution finished")
	m.publisher.Publish(Event{Name: EventExecutionCompleted, TaskID: resp.TaskID, Fields: map[string]any{
		"execution_id": resp.ExecutionID,
		"status":       resp.Status,
	}})
	return resp
}
