package manager

import (
	"context"

	"github.com/lfedgeai/SPEAR-sub001/internal/artifact"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// RegisterArtifact registers spec idempotently.
func (m *Manager) RegisterArtifact(spec types.ArtifactSpec) (types.ArtifactInfo, error) {
	a, err := m.registerArtifact(spec)
	if err != nil {
		return types.ArtifactInfo{}, err
	}
	return a.Info(), nil
}

func (m *Manager) GetArtifact(id string) (types.ArtifactInfo, error) {
	a, err := m.artifacts.Get(id)
	if err != nil {
		return types.ArtifactInfo{}, err
	}
	return a.Info(), nil
}

func (m *Manager) ListArtifacts() []types.ArtifactInfo {
	list := m.artifacts.List(artifact.Filter{})
	out := make([]types.ArtifactInfo, 0, len(list))
	for _, a := range list {
		out = append(out, a.Info())
	}
	return out
}

func (m *Manager) DeprecateArtifact(id string) (types.ArtifactInfo, error) {
	a, err := m.artifacts.Deprecate(id)
	if err != nil {
		return types.ArtifactInfo{}, err
	}
	return a.Info(), nil
}

// RemoveArtifact fails with in_use while a live task references the artifact.
func (m *Manager) RemoveArtifact(id string) error {
	return m.artifacts.Remove(id)
}

func (m *Manager) GetTask(id string) (types.TaskInfo, error) {
	t, err := m.tasks.Get(id)
	if err != nil {
		return types.TaskInfo{}, err
	}
	return m.taskInfo(t), nil
}

func (m *Manager) ListTasks() []types.TaskInfo {
	list := m.tasks.List("")
	out := make([]types.TaskInfo, 0, len(list))
	for _, t := range list {
		out = append(out, m.taskInfo(t))
	}
	return out
}

// TerminateTask terminates the task and drains its pool.
func (m *Manager) TerminateTask(ctx context.Context, id string) error {
	if err := m.tasks.Terminate(ctx, id); err != nil {
		return err
	}
	m.publisher.Publish(Event{Name: EventTaskTerminated, TaskID: id})
	return nil
}
