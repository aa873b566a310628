package manager

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime/inprocess"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime/process"
	"github.com/lfedgeai/SPEAR-sub001/internal/store"
	"github.com/lfedgeai/SPEAR-sub001/internal/task"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

func TestExecute_EchoEndToEnd(t *testing.T) {
	m, _, pub := newTestManager(t, ManagerConfig{})
	ctx := testCtx(t)

	resp, err := m.Execute(ctx, types.ExecuteRequest{
		Artifact: echoArtifact("echo"),
		Payload:  json.RawMessage(`{"msg":"hi"}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != types.StatusSucceeded {
		t.Fatalf("status=%s error=%+v", resp.Status, resp.Error)
	}
	if string(resp.Output) != `{"msg":"hi"}` {
		t.Fatalf("output=%s", resp.Output)
	}
	if resp.ExecutionTimeMs >= 1000 {
		t.Fatalf("execution took %dms", resp.ExecutionTimeMs)
	}
	if resp.TaskID != "echo-task" || resp.ArtifactID != "echo" || resp.InstanceID == "" {
		t.Fatalf("unexpected ids: %+v", resp)
	}
	if st := m.Statistics(); st.SucceededExecutions != 1 || st.TotalExecutions != 1 {
		t.Fatalf("stats: %+v", st)
	}
	rec, err := m.GetExecutionStatus(ctx, resp.ExecutionID)
	if err != nil || rec.Status != types.StatusSucceeded || rec.Mode != types.ModeSync {
		t.Fatalf("record: %+v err=%v", rec, err)
	}
	names := pub.Names()
	for _, want := range []string{EventArtifactRegistered, EventTaskCreated, EventInstanceCreated, EventExecutionCompleted} {
		if !slices.Contains(names, want) {
			t.Fatalf("missing event %s in %v", want, names)
		}
	}
	if got := testutil.ToFloat64(m.metrics.executions.WithLabelValues(types.StatusSucceeded)); got != 1 {
		t.Fatalf("executions_total{succeeded}=%v", got)
	}
}

func TestExecute_ProcessCat(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	reg := runtime.NewRegistry(process.New(process.Config{WorkDir: t.TempDir(), StopGrace: time.Second, Logger: zerolog.Nop()}))
	m, _, _ := newTestManager(t, ManagerConfig{Runtimes: reg})

	resp, err := m.Execute(testCtx(t), types.ExecuteRequest{
		Artifact: &types.ArtifactSpec{ID: "cat", RuntimeType: "process", Location: cat, MaxExecutionTimeoutMs: 2000},
		Payload:  json.RawMessage(`{"msg":"hi"}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != types.StatusSucceeded || string(resp.Output) != `{"msg":"hi"}` {
		t.Fatalf("resp=%+v output=%s", resp, resp.Output)
	}
}

func TestExecute_ByArtifactAndTaskID(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := testCtx(t)
	if _, err := m.RegisterArtifact(*echoArtifact("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, err := m.Execute(ctx, types.ExecuteRequest{ArtifactID: "echo", Payload: json.RawMessage(`1`)})
	if err != nil {
		t.Fatalf("by artifact: %v", err)
	}
	second, err := m.Execute(ctx, types.ExecuteRequest{TaskID: first.TaskID, Payload: json.RawMessage(`2`)})
	if err != nil {
		t.Fatalf("by task: %v", err)
	}
	if second.TaskID != first.TaskID || string(second.Output) != "2" {
		t.Fatalf("second=%+v", second)
	}
	if len(m.ListTasks()) != 1 {
		t.Fatalf("expected one task, got %d", len(m.ListTasks()))
	}
}

func TestExecute_RequestErrors(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := testCtx(t)
	cases := []struct {
		name string
		req  types.ExecuteRequest
		kind errs.Kind
	}{
		{"no target", types.ExecuteRequest{}, errs.KindValidation},
		{"bad mode", types.ExecuteRequest{ArtifactID: "x", Mode: "later"}, errs.KindValidation},
		{"unknown artifact", types.ExecuteRequest{ArtifactID: "missing"}, errs.KindNotFound},
		{"unknown task", types.ExecuteRequest{TaskID: "missing"}, errs.KindNotFound},
		{"unsupported runtime", types.ExecuteRequest{Artifact: &types.ArtifactSpec{ID: "k", RuntimeType: "kubernetes"}}, errs.KindUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := m.Execute(ctx, tc.req)
			if errs.KindOf(err) != tc.kind {
				t.Fatalf("kind=%s err=%v", errs.KindOf(err), err)
			}
			if resp.ExecutionID != "" && tc.kind != errs.KindUnsupported {
				t.Fatalf("request error should not assign an id: %+v", resp)
			}
		})
	}
}

func TestRegisterArtifact_ConflictOnChangedSpec(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	if _, err := m.RegisterArtifact(*echoArtifact("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.RegisterArtifact(*echoArtifact("echo")); err != nil {
		t.Fatalf("re-register identical: %v", err)
	}
	changed := echoArtifact("echo")
	changed.Location = "/bin/other"
	if _, err := m.Execute(testCtx(t), types.ExecuteRequest{Artifact: changed}); !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestExecute_TimeoutFails(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{})
	g := newGate()
	defer close(g.open)
	rt.Handle("block", g.handler)

	resp, err := m.Execute(testCtx(t), types.ExecuteRequest{Artifact: handlerArtifact("slow", "block"), TimeoutMs: 50})
	if !errs.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if resp.Status != types.StatusFailed || resp.Error == nil || resp.Error.Kind != string(errs.KindTimeout) {
		t.Fatalf("resp=%+v", resp)
	}
	if st := m.Statistics(); st.FailedExecutions != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestExecute_HandlerErrorNotRetried(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{})
	var calls atomic.Int32
	rt.Handle("boom", func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("exit status 3")
	})

	resp, err := m.Execute(testCtx(t), types.ExecuteRequest{Artifact: handlerArtifact("boom", "boom")})
	if err == nil || resp.Status != types.StatusFailed {
		t.Fatalf("resp=%+v err=%v", resp, err)
	}
	if resp.Error.Class != string(errs.ClassInstance) || resp.Error.Kind != string(errs.KindCrashed) {
		t.Fatalf("error info: %+v", resp.Error)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler called %d times", calls.Load())
	}
}

func TestExecute_NonJSONOutputWrapped(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{})
	rt.Handle("text", func(context.Context, []byte) ([]byte, error) { return []byte("plain text\n"), nil })

	resp, err := m.Execute(testCtx(t), types.ExecuteRequest{Artifact: handlerArtifact("text", "text")})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(resp.Output) != `"plain text"` {
		t.Fatalf("output=%s", resp.Output)
	}
}

func TestAsync_StatusThenCancel(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{})
	g := newGate()
	defer close(g.open)
	rt.Handle("block", g.handler)
	ctx := testCtx(t)

	resp, err := m.Execute(ctx, types.ExecuteRequest{Artifact: handlerArtifact("slow", "block"), Mode: types.ModeAsync})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != types.StatusPending || resp.ExecutionID == "" {
		t.Fatalf("resp=%+v", resp)
	}
	eventually(t, "running", func() bool { return statusOf(t, m, resp.ExecutionID) == types.StatusRunning && g.count() == 1 })

	if err := m.CancelExecution(ctx, resp.ExecutionID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	eventually(t, "canceled", func() bool { return statusOf(t, m, resp.ExecutionID) == types.StatusCanceled })
	if err := m.CancelExecution(ctx, resp.ExecutionID); !errs.IsConflict(err) {
		t.Fatalf("second cancel: %v", err)
	}
	if err := m.CancelExecution(ctx, "nope"); !errs.IsNotFound(err) {
		t.Fatalf("unknown cancel: %v", err)
	}
	if st := m.Statistics(); st.CanceledExecutions != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestAsync_Completes(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	resp, err := m.Execute(testCtx(t), types.ExecuteRequest{
		Artifact: echoArtifact("echo"), Mode: types.ModeAsync, Payload: json.RawMessage(`"x"`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	eventually(t, "succeeded", func() bool { return statusOf(t, m, resp.ExecutionID) == types.StatusSucceeded })
	recs, err := m.ListExecutions(context.Background(), store.Filter{TaskID: "echo-task"})
	if err != nil || len(recs) != 1 || string(recs[0].Output) != `"x"` {
		t.Fatalf("records=%+v err=%v", recs, err)
	}
}

func TestAdmission_FailFastRejects(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{MaxConcurrentTasks: 1, FailFast: true})
	g := newGate()
	rt.Handle("block", g.handler)
	ctx := testCtx(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Execute(ctx, types.ExecuteRequest{Artifact: handlerArtifact("slow", "block")})
	}()
	eventually(t, "first execution running", func() bool { return g.count() == 1 })

	_, err := m.Execute(ctx, types.ExecuteRequest{ArtifactID: "slow"})
	if !errs.IsBackpressure(err) {
		t.Fatalf("expected backpressure, got %v", err)
	}
	if got := testutil.ToFloat64(m.metrics.rejections); got != 1 {
		t.Fatalf("rejections=%v", got)
	}
	close(g.open)
	wg.Wait()
	if st := m.Statistics(); st.RunningExecutions != 0 || st.SucceededExecutions != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestAdmission_QueuesUntilSlotFrees(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{MaxConcurrentTasks: 1})
	g := newGate()
	rt.Handle("block", g.handler)
	ctx := testCtx(t)

	errc := make(chan error, 2)
	run := func() {
		_, err := m.Execute(ctx, types.ExecuteRequest{Artifact: handlerArtifact("slow", "block")})
		errc <- err
	}
	go run()
	eventually(t, "first running", func() bool { return g.count() == 1 })
	go run()
	eventually(t, "second queued", func() bool { return m.Statistics().QueueLength >= 1 })
	if st := m.Statistics(); st.RunningExecutions != 1 {
		t.Fatalf("running=%d", st.RunningExecutions)
	}
	close(g.open)
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
}

func TestAdmission_WaitBoundedByRequestTimeout(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{MaxConcurrentTasks: 1})
	g := newGate()
	rt.Handle("block", g.handler)
	ctx := testCtx(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Execute(ctx, types.ExecuteRequest{Artifact: handlerArtifact("slow", "block")})
	}()
	eventually(t, "first running", func() bool { return g.count() == 1 })

	start := time.Now()
	resp, err := m.Execute(ctx, types.ExecuteRequest{ArtifactID: "slow", TimeoutMs: 100})
	if !errs.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("queued request outlived its 100ms deadline: %v", d)
	}
	if resp.ExecutionID != "" {
		t.Fatalf("rejected request got an execution id: %+v", resp)
	}
	if g.count() != 1 {
		t.Fatalf("timed out request reached the handler")
	}
	close(g.open)
	<-done
}

func TestPoolFor_RefusesTerminatedTask(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{})
	ctx := testCtx(t)
	resp, err := m.Execute(ctx, types.ExecuteRequest{Artifact: echoArtifact("echo")})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Snapshots taken before terminate, as a request resolved just earlier
	// would hold them.
	snap, err := m.tasks.Get(resp.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	a, err := m.artifacts.Get("echo")
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if err := m.TerminateTask(ctx, resp.TaskID); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	if _, err := m.poolFor(snap, a); !errs.IsTerminated(err) {
		t.Fatalf("expected terminated, got %v", err)
	}
	m.mu.Lock()
	_, rebuilt := m.pools[resp.TaskID]
	m.mu.Unlock()
	if rebuilt {
		t.Fatalf("pool rebuilt for terminated task")
	}
	if _, err := m.run(ctx, types.ExecutionResponse{TaskID: resp.TaskID}, a, snap, []byte(`"x"`)); !errs.IsTerminated(err) {
		t.Fatalf("run on terminated task: %v", err)
	}
	if rt.Live() != 0 {
		t.Fatalf("live instances after terminate: %d", rt.Live())
	}
}

// slowCreate delays instance creation so acquire time is measurable.
type slowCreate struct {
	*inprocess.Runtime
	delay time.Duration
}

func (s slowCreate) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (runtime.Handle, error) {
	time.Sleep(s.delay)
	return s.Runtime.CreateInstance(ctx, cfg)
}

func TestRun_RequestTimeExcludesAcquire(t *testing.T) {
	rt := inprocess.New(runtime.TypeProcess, zerolog.Nop())
	m, _, _ := newTestManager(t, ManagerConfig{Runtimes: runtime.NewRegistry(slowCreate{Runtime: rt, delay: 200 * time.Millisecond})})
	resp, err := m.Execute(testCtx(t), types.ExecuteRequest{Artifact: echoArtifact("echo"), Payload: json.RawMessage(`"x"`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	info, err := m.GetTask(resp.TaskID)
	if err != nil || info.Pool == nil || len(info.Pool.Instances) == 0 {
		t.Fatalf("task=%+v err=%v", info, err)
	}
	for _, inst := range info.Pool.Instances {
		if inst.TotalRequests > 0 && inst.AvgRequestTimeMs >= 100 {
			t.Fatalf("instance %s avg request time %.1fms includes creation", inst.ID, inst.AvgRequestTimeMs)
		}
	}
	if resp.ExecutionTimeMs < 200 {
		t.Fatalf("execution time %dms should still cover acquisition", resp.ExecutionTimeMs)
	}
}

func TestTerminateTask_DrainsAndBlocksExecution(t *testing.T) {
	m, rt, pub := newTestManager(t, ManagerConfig{})
	ctx := testCtx(t)
	resp, err := m.Execute(ctx, types.ExecuteRequest{Artifact: echoArtifact("echo")})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := m.RemoveArtifact("echo"); !errs.IsInUse(err) {
		t.Fatalf("expected in_use, got %v", err)
	}
	if err := m.TerminateTask(ctx, resp.TaskID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if rt.Live() != 0 {
		t.Fatalf("live instances after terminate: %d", rt.Live())
	}
	if _, err := m.Execute(ctx, types.ExecuteRequest{TaskID: resp.TaskID}); !errs.IsTerminated(err) {
		t.Fatalf("expected terminated, got %v", err)
	}
	info, err := m.GetTask(resp.TaskID)
	if err != nil || info.Status != string(task.StatusTerminated) || info.Pool != nil {
		t.Fatalf("task=%+v err=%v", info, err)
	}
	names := pub.Names()
	if !slices.Contains(names, EventTaskTerminated) || !slices.Contains(names, EventPoolDrained) {
		t.Fatalf("events=%v", names)
	}
	if !slices.ContainsFunc(pub.ForTask(resp.TaskID), func(e Event) bool { return e.Name == EventTaskTerminated }) {
		t.Fatalf("task_terminated not recorded for %s", resp.TaskID)
	}
	if got := pub.ForTask("no-such-task"); len(got) != 0 {
		t.Fatalf("unexpected events for unknown task: %+v", got)
	}
	if err := m.RemoveArtifact("echo"); err != nil {
		t.Fatalf("remove after terminate: %v", err)
	}
}

func TestDrainAll_RejectsNewWork(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{})
	m.Start()
	ctx := testCtx(t)
	if _, err := m.Execute(ctx, types.ExecuteRequest{Artifact: echoArtifact("echo")}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := m.DrainAll(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if m.Ready() {
		t.Fatal("manager still ready after drain")
	}
	if rt.Live() != 0 {
		t.Fatalf("live=%d", rt.Live())
	}
	if _, err := m.Execute(ctx, types.ExecuteRequest{ArtifactID: "echo"}); !errs.IsTerminated(err) {
		t.Fatalf("expected terminated, got %v", err)
	}
	if err := m.DrainAll(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
}

func TestDrainAll_CancelsAsyncExecutions(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{DrainGrace: 20 * time.Millisecond})
	g := newGate()
	defer close(g.open)
	rt.Handle("block", g.handler)
	ctx := testCtx(t)

	resp, err := m.Execute(ctx, types.ExecuteRequest{Artifact: handlerArtifact("slow", "block"), Mode: types.ModeAsync})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	eventually(t, "running", func() bool { return g.count() == 1 })
	if err := m.DrainAll(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if s := statusOf(t, m, resp.ExecutionID); s != types.StatusCanceled {
		t.Fatalf("status after drain=%s", s)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCleanup_MarksIdleTasksInactive(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	m, _, _ := newTestManager(t, ManagerConfig{Now: clock.Now})
	ctx := testCtx(t)
	resp, err := m.Execute(ctx, types.ExecuteRequest{Artifact: echoArtifact("echo")})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := m.Cleanup(); n != 0 {
		t.Fatalf("cleanup marked %d fresh tasks", n)
	}
	clock.Advance(defaultTaskIdleTimeout + time.Second)
	if n := m.Cleanup(); n != 1 {
		t.Fatalf("cleanup marked %d, want 1", n)
	}
	info, _ := m.GetTask(resp.TaskID)
	if info.Status != string(task.StatusInactive) {
		t.Fatalf("status=%s", info.Status)
	}
	if _, err := m.Execute(ctx, types.ExecuteRequest{TaskID: resp.TaskID}); err != nil {
		t.Fatalf("execute inactive task: %v", err)
	}
	info, _ = m.GetTask(resp.TaskID)
	if info.Status != string(task.StatusActive) {
		t.Fatalf("status after reuse=%s", info.Status)
	}
}

func TestMaterializeAndPrewarm(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{})
	rec := types.TaskRecord{
		TaskID: "warm",
		Artifact: types.ArtifactSpec{
			ID: "warm-art", RuntimeType: "process",
			RuntimeConfig: map[string]any{"min_instances": 2, "max_instances": 4},
		},
	}
	if _, err := m.MaterializeTask(rec); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if _, err := m.MaterializeTask(rec); err != nil {
		t.Fatalf("replayed materialize: %v", err)
	}
	if err := m.PrewarmTask(testCtx(t), "warm"); err != nil {
		t.Fatalf("prewarm: %v", err)
	}
	info, err := m.GetTask("warm")
	if err != nil || info.Pool == nil || len(info.Pool.Instances) < 2 {
		t.Fatalf("task=%+v err=%v", info, err)
	}
	if rt.Live() < 2 {
		t.Fatalf("live=%d", rt.Live())
	}
	gen, err := m.ResetTask("warm")
	if err != nil || gen == 0 {
		t.Fatalf("reset gen=%d err=%v", gen, err)
	}
	if _, err := m.ResetTask("nope"); !errs.IsNotFound(err) {
		t.Fatalf("reset unknown: %v", err)
	}
}

func TestExecute_HydratesTaskFromLookup(t *testing.T) {
	lookup := fakeLookup{recs: map[string]types.TaskRecord{
		"remote": {Artifact: *echoArtifact("remote-art")},
	}}
	m, _, _ := newTestManager(t, ManagerConfig{Lookup: lookup})
	resp, err := m.Execute(testCtx(t), types.ExecuteRequest{TaskID: "remote", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.TaskID != "remote" || resp.ArtifactID != "remote-art" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestExecute_DuplicateExecutionID(t *testing.T) {
	m, rt, _ := newTestManager(t, ManagerConfig{})
	g := newGate()
	defer close(g.open)
	rt.Handle("block", g.handler)
	ctx := testCtx(t)
	req := types.ExecuteRequest{ExecutionID: "fixed", Artifact: handlerArtifact("slow", "block"), Mode: types.ModeAsync}
	if _, err := m.Execute(ctx, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := m.Execute(ctx, req); !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOutputJSON(t *testing.T) {
	cases := map[string]string{
		"":          "",
		" {\"a\":1}": `{"a":1}`,
		"hello":     `"hello"`,
		"42\n":      "42",
	}
	for in, want := range cases {
		if got := string(outputJSON([]byte(in))); got != want {
			t.Fatalf("outputJSON(%q)=%q want %q", in, got, want)
		}
	}
}
