package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/materialize"
	"github.com/openfroyo/hermit/pkg/sandbox/nsinit"
)

const (
	// exitTrap is reported when the module traps, like SIGABRT.
	exitTrap = 128 + 6
	// exitCPU is reported when MaxCPUSeconds elapses, like SIGXCPU.
	exitCPU = 128 + 24
	// exitNotExecutable is reported when argv[0] is not a valid module.
	exitNotExecutable = 126

	wasmPageSize = 64 << 10
	maxWasmPages = 65536
)

// WASIOptions configures the wasi backend.
type WASIOptions struct {
	// CacheDir persists compiled modules across processes. Empty keeps the
	// cache in memory.
	CacheDir string

	// Passthrough host directories are mounted read-only at the same guest
	// path.
	Passthrough []string

	// RealClock exposes the host wall clock and monotonic clock. By default
	// modules see a fixed clock.
	RealClock bool

	ScratchDir string
	Strategy   materialize.Strategy
}

// WASIBackend runs WebAssembly modules under wazero. The root is the
// guest's "/" and passthrough paths are the only other preopens, so every
// file access is resolved by the WASI layer inside those trees.
type WASIBackend struct {
	opts    WASIOptions
	cache   wazero.CompilationCache
	scratch scratch
}

// NewWASIBackend creates the backend and its compilation cache.
func NewWASIBackend(opts WASIOptions) (*WASIBackend, error) {
	for _, p := range opts.Passthrough {
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("passthrough path %q must be absolute", p)
		}
	}
	var cache wazero.CompilationCache
	if opts.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(opts.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache: %w", err)
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}
	return &WASIBackend{
		opts:    opts,
		cache:   cache,
		scratch: newScratch(opts.ScratchDir, opts.Strategy),
	}, nil
}

// Close releases the compilation cache.
func (b *WASIBackend) Close(ctx context.Context) error {
	return b.cache.Close(ctx)
}

// Name implements Backend.
func (b *WASIBackend) Name() string { return BackendWASI }

// Prepare implements Backend.
func (b *WASIBackend) Prepare(ctx context.Context, root string) (*Handle, error) {
	return b.scratch.create(ctx, BackendWASI, root, true)
}

// Exec implements Backend. argv[0] names the module by guest path.
func (b *WASIBackend) Exec(ctx context.Context, h *Handle, cmd *Command) (*ExecResult, error) {
	if _, err := workDir(h, cmd.WorkDir); err != nil {
		return nil, err
	}
	if cmd.Limits.MaxOpenFiles != 0 {
		return nil, execerr.NewSandboxSetupError("the wasi backend cannot limit open files", nil)
	}

	stderr := cmd.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	modulePath, err := b.resolve(h, cmd)
	if err != nil {
		fmt.Fprintf(stderr, "hermit: %v\n", err)
		return &ExecResult{ExitCode: nsinit.ExitNotFound}, nil
	}
	bin, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, execerr.NewFilesystemError("failed to read module "+cmd.Argv[0], err)
	}

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(b.cache)
	if m := cmd.Limits.MaxMemoryBytes; m != 0 {
		rc = rc.WithMemoryLimitPages(uint32(min(max(m/wasmPageSize, 1), maxWasmPages)))
	}

	runCtx := ctx
	if s := cmd.Limits.MaxCPUSeconds; s != 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(s)*time.Second)
		defer cancel()
	}

	rt := wazero.NewRuntimeWithConfig(runCtx, rc)
	defer rt.Close(context.WithoutCancel(ctx))
	wasi_snapshot_preview1.MustInstantiate(runCtx, rt)

	compiled, err := rt.CompileModule(runCtx, bin)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fmt.Fprintf(stderr, "hermit: %s: %v\n", cmd.Argv[0], err)
		return &ExecResult{ExitCode: exitNotExecutable}, nil
	}

	fsConfig := wazero.NewFSConfig().WithDirMount(h.OutputRoot, "/")
	for _, p := range b.opts.Passthrough {
		fsConfig = fsConfig.WithReadOnlyDirMount(p, p)
	}
	mc := wazero.NewModuleConfig().
		WithName("").
		WithArgs(cmd.Argv...).
		WithFSConfig(fsConfig).
		WithStdin(strings.NewReader("")).
		WithStderr(stderr).
		WithEnv("PWD", "/"+cmd.WorkDir)
	if cmd.Stdout != nil {
		mc = mc.WithStdout(cmd.Stdout)
	}
	for _, kv := range cmd.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "PWD" {
			mc = mc.WithEnv(k, v)
		}
	}
	if b.opts.RealClock {
		mc = mc.WithSysWalltime().WithSysNanotime()
	}

	start := time.Now()
	mod, err := rt.InstantiateModule(runCtx, compiled, mc)
	wall := time.Since(start)
	if mod != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
	}

	code := 0
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *sys.ExitError
		switch {
		case runCtx.Err() != nil:
			fmt.Fprintf(stderr, "hermit: %s: cpu time limit exceeded\n", cmd.Argv[0])
			code = exitCPU
		case errors.As(err, &exitErr):
			code = int(exitErr.ExitCode())
		default:
			fmt.Fprintf(stderr, "hermit: %s: %v\n", cmd.Argv[0], err)
			code = exitTrap
		}
	}
	return &ExecResult{ExitCode: code, Usage: Usage{WallTime: wall, UserTime: wall}}, nil
}

// Teardown implements Backend.
func (b *WASIBackend) Teardown(_ context.Context, h *Handle) error {
	return b.scratch.remove(h)
}

// resolve maps argv[0] to the host path of the module. Relative names are
// taken from the working directory, bare names are searched in PATH and
// also tried with a .wasm suffix.
func (b *WASIBackend) resolve(h *Handle, cmd *Command) (string, error) {
	name := cmd.Argv[0]
	var candidates []string
	switch {
	case path.IsAbs(name):
		candidates = []string{name}
	case strings.Contains(name, "/"):
		candidates = []string{path.Join("/", cmd.WorkDir, name)}
	default:
		for _, dir := range filepath.SplitList(envValue(cmd.Env, "PATH")) {
			if !path.IsAbs(dir) {
				dir = path.Join("/", cmd.WorkDir, dir)
			}
			candidates = append(candidates, path.Join(dir, name), path.Join(dir, name+".wasm"))
		}
	}
	for _, guest := range candidates {
		host := b.hostPath(h, guest)
		if info, err := os.Stat(host); err == nil && info.Mode().IsRegular() {
			return host, nil
		}
	}
	return "", fmt.Errorf("module %q not found", name)
}

// hostPath maps a clean absolute guest path to the host.
func (b *WASIBackend) hostPath(h *Handle, guest string) string {
	for _, p := range b.opts.Passthrough {
		if guest == p || strings.HasPrefix(guest, strings.TrimSuffix(p, "/")+"/") {
			return guest
		}
	}
	return filepath.Join(h.OutputRoot, filepath.FromSlash(guest))
}
