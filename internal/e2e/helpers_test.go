package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/httpapi"
	"github.com/lfedgeai/SPEAR-sub001/internal/manager"
	"github.com/lfedgeai/SPEAR-sub001/internal/registry"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime/inprocess"
)

// createManifestDir writes artifact manifests keyed by file name.
func createManifestDir(t *testing.T, manifests map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range manifests {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write manifest %s: %v", p, err)
		}
	}
	return dir
}

// newServer wires a manager with an in-process runtime standing in for the
// process runtime, preloads manifests from dir and serves the HTTP API.
func newServer(t *testing.T, dir string, cfg manager.ManagerConfig) (*httptest.Server, *manager.Manager, *inprocess.Runtime) {
	t.Helper()
	rt := inprocess.New(runtime.TypeProcess, zerolog.Nop())
	cfg.Runtimes = runtime.NewRegistry(rt, runtime.NewUnsupported(runtime.TypeKubernetes, "not on this node"))
	cfg.Registerer = prometheus.NewRegistry()
	cfg.Logger = zerolog.Nop()
	mgr := manager.NewWithConfig(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = mgr.DrainAll(ctx)
	})
	if dir != "" {
		if _, err := registry.Preload(mgr, dir, zerolog.Nop()); err != nil {
			t.Fatalf("preload: %v", err)
		}
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(srv.Close)
	return srv, mgr, rt
}

func httpDo(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodGet, url, nil)
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodPost, url, payload)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
