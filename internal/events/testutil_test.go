package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/task"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

// fakeTarget records what the subscriber asked of the engine.
type fakeTarget struct {
	mu             sync.Mutex
	materialized   []string
	prewarmed      []string
	terminated     []string
	materializeErr error
}

func (f *fakeTarget) MaterializeTask(rec types.TaskRecord) (task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.materializeErr != nil {
		return task.Task{}, f.materializeErr
	}
	f.materialized = append(f.materialized, rec.TaskID)
	return task.Task{ID: rec.TaskID, ArtifactID: rec.Artifact.ID}, nil
}

func (f *fakeTarget) PrewarmTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prewarmed = append(f.prewarmed, id)
	return nil
}

func (f *fakeTarget) TerminateTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.materialized {
		if m == id {
			f.terminated = append(f.terminated, id)
			return nil
		}
	}
	return errs.Task(errs.KindNotFound, "task %s not found", id)
}

func (f *fakeTarget) snapshot() (materialized, prewarmed, terminated []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.materialized...), append([]string(nil), f.prewarmed...), append([]string(nil), f.terminated...)
}

type mapLookup map[string]types.TaskRecord

func (m mapLookup) GetTask(_ context.Context, id string) (types.TaskRecord, error) {
	rec, ok := m[id]
	if !ok {
		return types.TaskRecord{}, errs.Task(errs.KindNotFound, "task %s not found", id)
	}
	return rec, nil
}

func record(taskID string) types.TaskRecord {
	return types.TaskRecord{Artifact: types.ArtifactSpec{ID: taskID + "-art", RuntimeType: "process"}}
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
