// Package process hosts instances as host OS processes.
//
// Two modes are supported, selected by the "mode" runtime config key:
//
//   - oneshot (default): every Execute spawns the command, writes the
//     payload to stdin and returns stdout.
//   - server: CreateInstance spawns a long-lived process that listens on
//     $PORT; Execute POSTs the payload to it and health checks GET it.
package process

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
)

const (
	ModeOneshot = "oneshot"
	ModeServer  = "server"

	defaultStopGrace    = 2 * time.Second
	defaultReadyTimeout = 10 * time.Second
	defaultHealthPath   = "/healthz"
	defaultInvokePath   = "/invoke"
	maxLogBytes         = 64 << 10
)

// Config tunes the adapter.
type Config struct {
	// WorkDir holds one scratch directory per instance. Defaults to os.TempDir().
	WorkDir string
	// StopGrace is how long a process gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
	// Host is the bind address handed to server-mode processes.
	Host   string
	Logger zerolog.Logger
}

// Adapter implements runtime.Adapter for host processes.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
}

type handle struct {
	id      string
	mode    string
	argv    []string
	env     []string
	dir     string
	baseURL string

	mu        sync.Mutex
	cmd       *exec.Cmd
	exited    chan struct{}
	destroyed bool
	invoke    string
	health    string
}

func (h *handle) InstanceID() string { return h.id }

func New(cfg Config) *Adapter {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	// Timeout stays zero: every request carries a context deadline.
	return &Adapter{cfg: cfg, httpClient: &http.Client{Timeout: 0}}
}

func (a *Adapter) Type() runtime.Type { return runtime.TypeProcess }

// resolveArgv picks the command line: explicit "command" config, else the
// artifact location followed by any "args".
func resolveArgv(cfg runtime.InstanceConfig) ([]string, error) {
	argv := cfg.Strings("command")
	if len(argv) == 0 {
		if cfg.Snapshot.Location == "" {
			return nil, errs.Instance(errs.KindCreationFailed, "process runtime needs a command or artifact location")
		}
		argv = append([]string{cfg.Snapshot.Location}, cfg.Strings("args")...)
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "resolve %q", argv[0])
	}
	argv[0] = bin
	return argv, nil
}

// verifyChecksum compares the sha256 of path with want ("sha256:<hex>" or bare hex).
func verifyChecksum(path, want string) error {
	want = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(want)), "sha256:")
	if want == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "open artifact")
	}
	defer f.Close()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "hash artifact")
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != want {
		return errs.Instance(errs.KindCreationFailed, "checksum mismatch for %s: got %s", path, got)
	}
	return nil
}

// buildEnv merges the host environment with cfg.Environment in stable order.
func buildEnv(cfg runtime.InstanceConfig, extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(cfg.Environment)+len(extra))
	merged := make(map[string]string, len(cfg.Environment)+len(extra))
	for k, v := range cfg.Environment {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func (a *Adapter) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (runtime.Handle, error) {
	argv, err := resolveArgv(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Snapshot.Location != "" && cfg.Snapshot.Checksum != "" {
		if err := verifyChecksum(cfg.Snapshot.Location, cfg.Snapshot.Checksum); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(a.cfg.WorkDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "work dir")
	}
	dir, err := os.MkdirTemp(a.cfg.WorkDir, sanitize(cfg.InstanceID)+"-")
	if err != nil {
		return nil, errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "scratch dir")
	}
	mode := cfg.String("mode")
	if mode == "" {
		mode = ModeOneshot
	}
	h := &handle{id: cfg.InstanceID, mode: mode, argv: argv, dir: dir}
	switch mode {
	case ModeOneshot:
		h.env = buildEnv(cfg, nil)
		return h, nil
	case ModeServer:
		if err := a.startServer(ctx, h, cfg); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		return h, nil
	default:
		_ = os.RemoveAll(dir)
		return nil, errs.Runtime(errs.KindUnsupported, "unknown process mode %q", mode)
	}
}

func (a *Adapter) startServer(ctx context.Context, h *handle, cfg runtime.InstanceConfig) error {
	port, err := pickFreePort(a.cfg.Host)
	if err != nil {
		return errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "pick port")
	}
	h.baseURL = "http://" + net.JoinHostPort(a.cfg.Host, strconv.Itoa(port))
	h.invoke = cfg.String("invoke_path")
	if h.invoke == "" {
		h.invoke = defaultInvokePath
	}
	h.health = cfg.String("health_path")
	if h.health == "" {
		h.health = defaultHealthPath
	}
	h.env = buildEnv(cfg, map[string]string{"PORT": strconv.Itoa(port), "HOST": a.cfg.Host})

	cmd := exec.Command(h.argv[0], h.argv[1:]...)
	cmd.Env = h.env
	cmd.Dir = h.dir
	logs := &tailBuffer{max: maxLogBytes}
	cmd.Stdout = logs
	cmd.Stderr = logs
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "start %s", h.argv[0])
	}
	h.cmd = cmd
	h.exited = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(h.exited)
	}()
	a.cfg.Logger.Info().Str("instance_id", h.id).Int("pid", cmd.Process.Pid).Str("url", h.baseURL).Msg("process instance spawned")

	wait := cfg.InitTimeout
	if wait <= 0 {
		wait = defaultReadyTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if a.probe(rctx, h) {
			return nil
		}
		select {
		case <-h.exited:
			return errs.Instance(errs.KindCreationFailed, "process exited before ready: %s", logs.String())
		case <-rctx.Done():
			a.stop(h)
			return errs.Wrap(errs.ClassRuntime, errs.KindTimeout, rctx.Err(), "waiting for %s", h.baseURL+h.health)
		case <-tick.C:
		}
	}
}

func (a *Adapter) probe(ctx context.Context, h *handle) bool {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, h.baseURL+h.health, nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (a *Adapter) Execute(ctx context.Context, rh runtime.Handle, payload []byte) (runtime.ExecutionResult, error) {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.ExecutionResult{}, runtime.MismatchedHandle(runtime.TypeProcess, rh)
	}
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return runtime.ExecutionResult{}, errs.Instance(errs.KindTerminated, "instance %s destroyed", h.id)
	}
	if h.mode == ModeServer {
		return a.executeServer(ctx, h, payload)
	}
	return a.executeOneshot(ctx, h, payload)
}

func (a *Adapter) executeOneshot(ctx context.Context, h *handle, payload []byte) (runtime.ExecutionResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, h.argv[0], h.argv[1:]...)
	cmd.Env = h.env
	cmd.Dir = h.dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxLogBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = a.cfg.StopGrace
	err := cmd.Run()
	res := runtime.ExecutionResult{Output: stdout.Bytes(), Logs: stderr.Bytes(), Duration: time.Since(start)}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		return res, errs.FromContext(ctx.Err(), "execute %s", h.id)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return res, errs.Instance(errs.KindCrashed, "exit status %d: %s", res.ExitCode, strings.TrimSpace(stderr.String()))
		}
		return res, errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "run %s", h.argv[0])
	}
	return res, nil
}

func (a *Adapter) executeServer(ctx context.Context, h *handle, payload []byte) (runtime.ExecutionResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+h.invoke, bytes.NewReader(payload))
	if err != nil {
		return runtime.ExecutionResult{}, errs.Wrap(errs.ClassSystem, errs.KindInternal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.ExecutionResult{Duration: time.Since(start)}, errs.FromContext(ctx.Err(), "execute %s", h.id)
		}
		return runtime.ExecutionResult{Duration: time.Since(start)}, errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "invoke %s", h.id)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	res := runtime.ExecutionResult{Output: body, Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			return res, errs.FromContext(ctx.Err(), "execute %s", h.id)
		}
		return res, errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.ExitCode = resp.StatusCode
		if len(body) > 4096 {
			body = body[:4096]
		}
		return res, errs.Instance(errs.KindCrashed, "handler http error: %s: %s", resp.Status, string(body))
	}
	return res, nil
}

func (a *Adapter) HealthCheck(ctx context.Context, rh runtime.Handle) runtime.HealthStatus {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.Unhealthy
	}
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return runtime.Unhealthy
	}
	if h.mode == ModeServer {
		select {
		case <-h.exited:
			return runtime.Unhealthy
		default:
		}
		if a.probe(ctx, h) {
			return runtime.Healthy
		}
		return runtime.Unhealthy
	}
	if _, err := os.Stat(h.argv[0]); err != nil {
		return runtime.Unhealthy
	}
	return runtime.Healthy
}

func (a *Adapter) DestroyInstance(_ context.Context, rh runtime.Handle) error {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.MismatchedHandle(runtime.TypeProcess, rh)
	}
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.mu.Unlock()
	if h.cmd != nil {
		a.stop(h)
	}
	if err := os.RemoveAll(h.dir); err != nil {
		return errs.Wrap(errs.ClassSystem, errs.KindInternal, err, "remove %s", h.dir)
	}
	a.cfg.Logger.Debug().Str("instance_id", h.id).Msg("process instance destroyed")
	return nil
}

// stop sends SIGTERM to the process group, waits StopGrace, then kills it.
func (a *Adapter) stop(h *handle) {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	pid := h.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-h.exited:
		return
	case <-time.After(a.cfg.StopGrace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = h.cmd.Process.Kill()
	<-h.exited
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func sanitize(id string) string {
	id = filepath.Base(id)
	if id == "." || id == string(filepath.Separator) || id == "" {
		return "inst"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *tailBuffer) String() string { return string(b.Bytes()) }

var _ runtime.Adapter = (*Adapter)(nil)
