package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/config"
	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/pool"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("out=%q", out.String())
	}
}

func TestExecCmd_RequiresArtifact(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"exec"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "artifact") {
		t.Fatalf("expected missing flag error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(config.LogConfig{Level: "WARN", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Fatalf("log output=%q", buf.String())
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); errs.ClassOf(err) != errs.ClassConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestManagerConfig_MapsSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Manager.Admission.FailFast = true
	cfg.Manager.DrainGraceMs = 1500
	cfg.Pool.SchedulingPolicy = "round-robin"
	mc, err := managerConfig(cfg)
	if err != nil {
		t.Fatalf("managerConfig: %v", err)
	}
	if !mc.FailFast || mc.DrainGrace != 1500*time.Millisecond {
		t.Fatalf("manager fields not mapped: %+v", mc)
	}
	if mc.Pool.Policy != pool.PolicyRoundRobin {
		t.Fatalf("policy=%q", mc.Pool.Policy)
	}
	if mc.Retry.Attempts != cfg.Manager.Retry.Attempts || mc.Retry.MaxBackoff != config.Ms(cfg.Manager.Retry.MaxBackoffMs) {
		t.Fatalf("retry=%+v", mc.Retry)
	}

	cfg.Pool.SchedulingPolicy = "fastest"
	if _, err := managerConfig(cfg); err == nil {
		t.Fatalf("expected policy error")
	}
}

func TestBuildRuntimes_DisabledAreUnsupported(t *testing.T) {
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	reg, closeFn, err := buildRuntimes(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildRuntimes: %v", err)
	}
	defer closeFn(context.Background())
	for _, typ := range []runtime.Type{runtime.TypeContainer, runtime.TypeWasm, runtime.TypeKubernetes} {
		a, err := reg.Get(typ)
		if err != nil {
			t.Fatalf("get %s: %v", typ, err)
		}
		if _, err := a.CreateInstance(context.Background(), runtime.InstanceConfig{}); !errs.IsUnsupported(err) {
			t.Fatalf("%s: expected unsupported, got %v", typ, err)
		}
	}
	if _, err := reg.Get(runtime.TypeProcess); err != nil {
		t.Fatalf("process adapter missing: %v", err)
	}
}

func TestReadPayload(t *testing.T) {
	if p, err := readPayload(""); err != nil || p != nil {
		t.Fatalf("empty: %v %s", err, p)
	}
	if p, err := readPayload(`{"a":1}`); err != nil || string(p) != `{"a":1}` {
		t.Fatalf("object: %v %s", err, p)
	}
	if _, err := readPayload(`{nope`); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunExec_ProcessCat(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	dir := t.TempDir()
	manifest := filepath.Join(dir, "cat.yaml")
	body := "id: cat\nruntime_type: process\nlocation: " + cat + "\nmax_execution_timeout_ms: 2000\n"
	if err := os.WriteFile(manifest, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	cfg := config.Default()
	cfg.Node.DataDir = dir
	cfg.Runtimes.Process.WorkDir = dir
	reg, closeFn, err := buildRuntimes(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildRuntimes: %v", err)
	}
	defer closeFn(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	opts := execOptions{manifest: manifest, payload: `{"msg":"hi"}`}
	if err := runExec(ctx, cfg, reg, zerolog.Nop(), opts, &out); err != nil {
		t.Fatalf("runExec: %v", err)
	}
	var resp types.ExecutionResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out.String())
	}
	if resp.Status != types.StatusSucceeded || string(resp.Output) != `{"msg":"hi"}` {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestRunExec_MissingManifest(t *testing.T) {
	err := runExec(context.Background(), config.Default(), runtime.NewRegistry(), zerolog.Nop(), execOptions{manifest: filepath.Join(t.TempDir(), "none.yaml")}, &bytes.Buffer{})
	if err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}

func TestRunExec_DryRun(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "fn.toml")
	body := "id = \"fn\"\nruntime_type = \"wasm\"\nlocation = \"/opt/fn.wasm\"\n\n[runtime_config]\nentry_point = \"run\"\n"
	if err := os.WriteFile(manifest, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	var out bytes.Buffer
	opts := execOptions{manifest: manifest, payload: `[1,2]`, dryRun: true}
	if err := runExec(context.Background(), config.Default(), dryRunRuntimes(zerolog.Nop()), zerolog.Nop(), opts, &out); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	var resp types.ExecutionResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TaskID != "fn-task" || string(resp.Output) != `[1,2]` {
		t.Fatalf("resp=%+v", resp)
	}
}
