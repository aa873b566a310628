// Package wasm hosts WebAssembly modules on wazero.
//
// Modules exporting alloc(i32)->i32 and handle(i32,i32)->i64 use the reactor
// ABI: one module instance per runtime instance, the payload is written into
// guest memory and handle returns (ptr<<32)|len of the output. Any other
// module is treated as a WASI command: every Execute instantiates it afresh
// with the payload on stdin and returns stdout.
package wasm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/internal/runtime"
)

const (
	abiCommand = "command"
	abiReactor = "reactor"

	wasmPageSize = 64 << 10
	maxPages     = 65536
)

// Config tunes the adapter.
type Config struct {
	// CacheDir, when set, persists compiled modules across restarts.
	CacheDir string
	Logger   zerolog.Logger
}

type Adapter struct {
	cfg   Config
	cache wazero.CompilationCache
}

type handle struct {
	id  string
	abi string
	env map[string]string
	rt  wazero.Runtime
	mod wazero.CompiledModule

	mu     sync.Mutex
	inst   api.Module
	broken bool
	closed bool
}

func (h *handle) InstanceID() string { return h.id }

func New(cfg Config) (*Adapter, error) {
	a := &Adapter{cfg: cfg}
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errs.Wrap(errs.ClassConfiguration, errs.KindInvalidLimits, err, "wasm cache dir %s", cfg.CacheDir)
		}
		a.cache = c
	}
	return a, nil
}

func (a *Adapter) Type() runtime.Type { return runtime.TypeWasm }

func loadModule(cfg runtime.InstanceConfig) ([]byte, error) {
	path := cfg.String("module")
	if path == "" {
		path = cfg.Snapshot.Location
	}
	if path == "" {
		return nil, errs.Instance(errs.KindCreationFailed, "wasm runtime needs a module path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "read module")
	}
	want := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.Snapshot.Checksum)), "sha256:")
	if want != "" {
		sum := sha256.Sum256(b)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, errs.Instance(errs.KindCreationFailed, "checksum mismatch for %s: got %s", path, got)
		}
	}
	return b, nil
}

func (a *Adapter) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (runtime.Handle, error) {
	code, err := loadModule(cfg)
	if err != nil {
		return nil, err
	}
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.Limits.MemoryBytes > 0 {
		pages := cfg.Limits.MemoryBytes / wasmPageSize
		if pages < 1 {
			pages = 1
		}
		if pages > maxPages {
			pages = maxPages
		}
		rc = rc.WithMemoryLimitPages(uint32(pages))
	}
	if a.cache != nil {
		rc = rc.WithCompilationCache(a.cache)
	}
	// The runtime outlives this call; ctx only bounds compilation.
	rt := wazero.NewRuntimeWithConfig(context.Background(), rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(context.Background())
		return nil, errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "instantiate wasi")
	}
	mod, err := rt.CompileModule(ctx, code)
	if err != nil {
		_ = rt.Close(context.Background())
		if ctx.Err() != nil {
			return nil, errs.FromContext(ctx.Err(), "compile module")
		}
		return nil, errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "compile module")
	}
	h := &handle{id: cfg.InstanceID, abi: abiCommand, env: cfg.Environment, rt: rt, mod: mod}
	exports := mod.ExportedFunctions()
	if _, ok := exports["handle"]; ok {
		if _, ok := exports["alloc"]; ok {
			h.abi = abiReactor
		}
	}
	if h.abi == abiReactor {
		inst, err := rt.InstantiateModule(ctx, mod, a.moduleConfig(h, nil, nil, nil))
		if err != nil {
			_ = rt.Close(context.Background())
			return nil, errs.Wrap(errs.ClassInstance, errs.KindCreationFailed, err, "instantiate module")
		}
		h.inst = inst
	}
	a.cfg.Logger.Debug().Str("instance_id", h.id).Str("abi", h.abi).Msg("wasm instance created")
	return h, nil
}

func (a *Adapter) moduleConfig(h *handle, stdin []byte, stdout, stderr *bytes.Buffer) wazero.ModuleConfig {
	mc := wazero.NewModuleConfig().WithName("").WithArgs(h.id)
	if stdin != nil {
		mc = mc.WithStdin(bytes.NewReader(stdin))
	}
	if stdout != nil {
		mc = mc.WithStdout(stdout)
	}
	if stderr != nil {
		mc = mc.WithStderr(stderr)
	}
	keys := make([]string, 0, len(h.env))
	for k := range h.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mc = mc.WithEnv(k, h.env[k])
	}
	return mc
}

func (a *Adapter) Execute(ctx context.Context, rh runtime.Handle, payload []byte) (runtime.ExecutionResult, error) {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.ExecutionResult{}, runtime.MismatchedHandle(runtime.TypeWasm, rh)
	}
	start := time.Now()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return runtime.ExecutionResult{}, errs.Instance(errs.KindTerminated, "instance %s destroyed", h.id)
	}
	var (
		res runtime.ExecutionResult
		err error
	)
	if h.abi == abiReactor {
		// A reactor instance is single-threaded guest state.
		res, err = a.callReactor(ctx, h, payload)
		if err != nil && ctx.Err() != nil {
			// The module was closed with the context; the instance is unusable.
			h.broken = true
		}
		h.mu.Unlock()
	} else {
		h.mu.Unlock()
		res, err = a.runCommand(ctx, h, payload)
	}
	res.Duration = time.Since(start)
	if err != nil && ctx.Err() != nil {
		return res, errs.FromContext(ctx.Err(), "execute %s", h.id)
	}
	return res, err
}

func (a *Adapter) runCommand(ctx context.Context, h *handle, payload []byte) (runtime.ExecutionResult, error) {
	var stdout, stderr bytes.Buffer
	inst, err := h.rt.InstantiateModule(ctx, h.mod, a.moduleConfig(h, payload, &stdout, &stderr))
	if inst != nil {
		_ = inst.Close(context.Background())
	}
	res := runtime.ExecutionResult{Output: stdout.Bytes(), Logs: stderr.Bytes()}
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			res.ExitCode = int(exit.ExitCode())
			if exit.ExitCode() == 0 {
				return res, nil
			}
			return res, errs.Instance(errs.KindCrashed, "module exited with %d: %s", exit.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return res, errs.Wrap(errs.ClassInstance, errs.KindCrashed, err, "run module")
	}
	return res, nil
}

func (a *Adapter) callReactor(ctx context.Context, h *handle, payload []byte) (runtime.ExecutionResult, error) {
	if h.broken || h.inst == nil || h.inst.IsClosed() {
		return runtime.ExecutionResult{}, errs.Instance(errs.KindUnhealthy, "instance %s is not usable", h.id)
	}
	alloc := h.inst.ExportedFunction("alloc")
	call := h.inst.ExportedFunction("handle")
	dealloc := h.inst.ExportedFunction("dealloc")
	mem := h.inst.Memory()
	if mem == nil {
		return runtime.ExecutionResult{}, errs.Instance(errs.KindCrashed, "module has no memory export")
	}
	n := uint64(len(payload))
	out, err := alloc.Call(ctx, n)
	if err != nil {
		return runtime.ExecutionResult{}, errs.Wrap(errs.ClassInstance, errs.KindCrashed, err, "alloc")
	}
	ptr := uint32(out[0])
	if !mem.Write(ptr, payload) {
		return runtime.ExecutionResult{}, errs.Instance(errs.KindCrashed, "payload does not fit guest memory")
	}
	out, err = call.Call(ctx, uint64(ptr), n)
	if err != nil {
		h.broken = ctx.Err() == nil
		return runtime.ExecutionResult{}, errs.Wrap(errs.ClassInstance, errs.KindCrashed, err, "handle")
	}
	optr, olen := uint32(out[0]>>32), uint32(out[0])
	data, ok := mem.Read(optr, olen)
	if !ok {
		return runtime.ExecutionResult{}, errs.Instance(errs.KindCrashed, "output out of bounds")
	}
	res := runtime.ExecutionResult{Output: append([]byte(nil), data...)}
	if dealloc != nil {
		_, _ = dealloc.Call(ctx, uint64(ptr), n)
	}
	return res, nil
}

func (a *Adapter) HealthCheck(_ context.Context, rh runtime.Handle) runtime.HealthStatus {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.Unhealthy
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.broken {
		return runtime.Unhealthy
	}
	if h.abi == abiReactor && (h.inst == nil || h.inst.IsClosed()) {
		return runtime.Unhealthy
	}
	return runtime.Healthy
}

func (a *Adapter) DestroyInstance(ctx context.Context, rh runtime.Handle) error {
	h, ok := rh.(*handle)
	if !ok {
		return runtime.MismatchedHandle(runtime.TypeWasm, rh)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.rt.Close(ctx); err != nil {
		return errs.Wrap(errs.ClassRuntime, errs.KindInternal, err, "close runtime for %s", h.id)
	}
	return nil
}

// Close releases the compilation cache.
func (a *Adapter) Close(ctx context.Context) error {
	if a.cache != nil {
		return a.cache.Close(ctx)
	}
	return nil
}

var _ runtime.Adapter = (*Adapter)(nil)
