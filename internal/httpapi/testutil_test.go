package httpapi

import (
	"context"
	"sync"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/store"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// mockService answers from canned values and records calls.
type mockService struct {
	mu sync.Mutex

	execResp types.ExecutionResponse
	execErr  error
	lastReq  types.ExecuteRequest
	block    bool

	records  map[string]types.ExecutionRecord
	filter   store.Filter
	canceled []string

	artifacts map[string]types.ArtifactInfo
	tasks     map[string]types.TaskInfo
	removeErr error

	ready bool
}

func newMockService() *mockService {
	return &mockService{
		records:   map[string]types.ExecutionRecord{},
		artifacts: map[string]types.ArtifactInfo{},
		tasks:     map[string]types.TaskInfo{},
		ready:     true,
	}
}

func (m *mockService) Execute(ctx context.Context, req types.ExecuteRequest) (types.ExecutionResponse, error) {
	m.mu.Lock()
	m.lastReq = req
	block := m.block
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return types.ExecutionResponse{ExecutionID: "e-blocked", Status: types.StatusFailed}, errs.FromContext(ctx.Err(), "execute")
	}
	return m.execResp, m.execErr
}

func (m *mockService) GetExecutionStatus(_ context.Context, id string) (types.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return rec, errs.System(errs.KindNotFound, "execution %s not found", id)
	}
	return rec, nil
}

func (m *mockService) ListExecutions(_ context.Context, f store.Filter) ([]types.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
	out := make([]types.ExecutionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockService) CancelExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return errs.System(errs.KindNotFound, "execution %s not found", id)
	}
	m.canceled = append(m.canceled, id)
	return nil
}

func (m *mockService) Statistics() types.ExecutionStatistics {
	return types.ExecutionStatistics{TotalExecutions: 3, SucceededExecutions: 2, FailedExecutions: 1}
}

func (m *mockService) RegisterArtifact(spec types.ArtifactSpec) (types.ArtifactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec.RuntimeType == "" {
		return types.ArtifactInfo{}, errs.Artifact(errs.KindValidation, "runtime_type is required")
	}
	if _, ok := m.artifacts[spec.ID]; ok {
		return types.ArtifactInfo{}, errs.Artifact(errs.KindConflict, "artifact %s exists", spec.ID)
	}
	info := types.ArtifactInfo{ArtifactSpec: spec, Status: "registered"}
	m.artifacts[spec.ID] = info
	return info, nil
}

func (m *mockService) GetArtifact(id string) (types.ArtifactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.artifacts[id]
	if !ok {
		return info, errs.Artifact(errs.KindNotFound, "artifact %s not found", id)
	}
	return info, nil
}

func (m *mockService) ListArtifacts() []types.ArtifactInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ArtifactInfo, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		out = append(out, a)
	}
	return out
}

func (m *mockService) DeprecateArtifact(id string) (types.ArtifactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.artifacts[id]
	if !ok {
		return info, errs.Artifact(errs.KindNotFound, "artifact %s not found", id)
	}
	info.Status = "deprecated"
	m.artifacts[id] = info
	return info, nil
}

func (m *mockService) RemoveArtifact(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeErr
}

func (m *mockService) GetTask(id string) (types.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.tasks[id]
	if !ok {
		return info, errs.Task(errs.KindNotFound, "task %s not found", id)
	}
	return info, nil
}

func (m *mockService) ListTasks() []types.TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

func (m *mockService) TerminateTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errs.Task(errs.KindNotFound, "task %s not found", id)
	}
	t.Status = "terminated"
	m.tasks[id] = t
	return nil
}

func (m *mockService) ResetTask(id string) (uint64, error) {
	if _, err := m.GetTask(id); err != nil {
		return 0, err
	}
	return 2, nil
}

func (m *mockService) Ready() bool { return m.ready }
