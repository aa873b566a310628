package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/events"
	"github.com/lfedgeai/SPEAR-sub001/internal/manager"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

const echoManifest = "id: echo\nruntime_type: process\nmax_execution_timeout_ms: 2000\n"

func TestE2E_PreloadedArtifactExecutes(t *testing.T) {
	dir := createManifestDir(t, map[string]string{"echo.yaml": echoManifest})
	srv, _, _ := newServer(t, dir, manager.ManagerConfig{})

	resp, body := httpPostJSON(t, srv.URL+"/v1/executions", []byte(`{"artifact_id":"echo","payload":{"msg":"hi"}}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status=%d body=%s", resp.StatusCode, body)
	}
	var out types.ExecutionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != types.StatusSucceeded || string(out.Output) != `{"msg":"hi"}` || out.TaskID != "echo-task" {
		t.Fatalf("unexpected response: %+v", out)
	}

	resp, body = httpGet(t, srv.URL+"/v1/executions/"+out.ExecutionID)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"succeeded"`) {
		t.Fatalf("status lookup %d %s", resp.StatusCode, body)
	}

	resp, body = httpGet(t, srv.URL+"/v1/tasks/echo-task")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("task status=%d", resp.StatusCode)
	}
	var task types.TaskInfo
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ArtifactID != "echo" || task.Status != "active" {
		t.Fatalf("unexpected task: %+v", task)
	}

	resp, body = httpGet(t, srv.URL+"/v1/statistics")
	var stats types.ExecutionStatistics
	_ = json.Unmarshal(body, &stats)
	if resp.StatusCode != http.StatusOK || stats.TotalExecutions != 1 || stats.SucceededExecutions != 1 {
		t.Fatalf("stats %d %+v", resp.StatusCode, stats)
	}
}

// TestE2E_Backpressure429 verifies that a full node answers 429 when
// admission is fail-fast.
func TestE2E_Backpressure429(t *testing.T) {
	dir := createManifestDir(t, map[string]string{
		"slow.yaml": "id: slow\nruntime_type: process\nruntime_config:\n  handler: slow\n",
	})
	srv, _, rt := newServer(t, dir, manager.ManagerConfig{MaxConcurrentTasks: 1, FailFast: true})

	release := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	rt.Handle("slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	first := make(chan int, 1)
	go func() {
		resp, _ := httpPostJSON(t, srv.URL+"/v1/executions", []byte(`{"artifact_id":"slow","payload":1}`))
		first <- resp.StatusCode
	}()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("first execution never started")
	}

	resp, body := httpPostJSON(t, srv.URL+"/v1/executions", []byte(`{"artifact_id":"slow","payload":2}`))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", resp.StatusCode, body)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Kind != "backpressure" {
		t.Fatalf("error body %s (%v)", body, err)
	}

	close(release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first execution status=%d", code)
	}
}

func TestE2E_AsyncCancel(t *testing.T) {
	dir := createManifestDir(t, map[string]string{
		"wait.json": `{"id":"wait","runtime_type":"process","runtime_config":{"handler":"wait"}}`,
	})
	srv, _, rt := newServer(t, dir, manager.ManagerConfig{})
	rt.Handle("wait", func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	resp, body := httpPostJSON(t, srv.URL+"/v1/executions", []byte(`{"artifact_id":"wait","mode":"async"}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async status=%d body=%s", resp.StatusCode, body)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/v1/executions/") {
		t.Fatalf("location=%q", loc)
	}

	resp, body = httpDo(t, http.MethodDelete, srv.URL+loc, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status=%d body=%s", resp.StatusCode, body)
	}
	eventually(t, 3*time.Second, func() bool {
		_, body := httpGet(t, srv.URL+loc)
		return strings.Contains(string(body), `"status":"canceled"`)
	})
}

func TestE2E_UnsupportedRuntime(t *testing.T) {
	srv, _, _ := newServer(t, "", manager.ManagerConfig{})
	resp, body := httpPostJSON(t, srv.URL+"/v1/executions",
		[]byte(`{"artifact":{"id":"k8s","runtime_type":"kubernetes"},"payload":1}`))
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d %s", resp.StatusCode, body)
	}
}

type recordLookup map[string]types.TaskRecord

func (l recordLookup) GetTask(_ context.Context, id string) (types.TaskRecord, error) {
	rec, ok := l[id]
	if !ok {
		return rec, errs.Task(errs.KindNotFound, "task %s not found", id)
	}
	return rec, nil
}

func TestE2E_EventFeedDrivesTasks(t *testing.T) {
	srv, mgr, _ := newServer(t, "", manager.ManagerConfig{})
	node := events.NodeUUID("node-a")
	lookup := recordLookup{
		"feed-task": {
			TaskID:   "feed-task",
			NodeID:   node,
			Artifact: types.ArtifactSpec{ID: "feed", RuntimeType: "process", RuntimeConfig: map[string]any{"min_instances": 1}},
		},
	}
	src := events.NewMemorySource()
	sub, err := events.NewSubscriber(events.Config{
		NodeID:  node,
		Source:  src,
		Lookup:  lookup,
		Target:  mgr,
		Prewarm: true,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	src.Append(events.KindCreate, "feed-task", events.NodeUUID("node-b"))
	src.Append(events.KindCreate, "feed-task", node)
	eventually(t, 3*time.Second, func() bool {
		resp, _ := httpGet(t, srv.URL+"/v1/tasks/feed-task")
		return resp.StatusCode == http.StatusOK
	})

	resp, body := httpPostJSON(t, srv.URL+"/v1/executions", []byte(`{"task_id":"feed-task","payload":"ping"}`))
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"output":"ping"`) {
		t.Fatalf("execute by task %d %s", resp.StatusCode, body)
	}

	src.Append(events.KindDelete, "feed-task", node)
	eventually(t, 3*time.Second, func() bool {
		_, body := httpGet(t, srv.URL+"/v1/tasks/feed-task")
		return strings.Contains(string(body), `"status":"terminated"`)
	})
}

func TestE2E_DrainStopsReadiness(t *testing.T) {
	dir := createManifestDir(t, map[string]string{"echo.yaml": echoManifest})
	srv, mgr, _ := newServer(t, dir, manager.ManagerConfig{DrainGrace: 20 * time.Millisecond})

	if resp, _ := httpGet(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz before drain=%d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := mgr.DrainAll(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if resp, _ := httpGet(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz after drain=%d", resp.StatusCode)
	}
	resp, body := httpPostJSON(t, srv.URL+"/v1/executions", []byte(`{"artifact_id":"echo"}`))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("execute after drain %d %s", resp.StatusCode, body)
	}
}
