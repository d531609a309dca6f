package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/sandbox/protocol"
)

// NamespaceBackend runs each action under the hermit-sandbox helper in
// fresh user, mount, pid, ipc, uts and (unless the action opts in to
// networking) network namespaces. The helper pivots into a tmpfs root
// that holds only a private clone of the input root at WorkMount, the
// passthrough paths, /dev, /proc and /tmp.
type NamespaceBackend struct {
	opts    NamespaceOptions
	scratch scratch
	logger  zerolog.Logger
}

// NewNamespaceBackend resolves the helper and creates the backend.
func NewNamespaceBackend(opts NamespaceOptions) (*NamespaceBackend, error) {
	opts.setDefaults()
	if opts.Helper == "" {
		helper, err := findHelper()
		if err != nil {
			return nil, err
		}
		opts.Helper = helper
	}
	for _, p := range opts.Passthrough {
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("passthrough path %q must be absolute", p)
		}
	}
	return &NamespaceBackend{
		opts:    opts,
		scratch: newScratch(opts.ScratchDir, opts.Strategy),
		logger:  opts.Logger.With().Str("backend", BackendNamespace).Logger(),
	}, nil
}

func findHelper() (string, error) {
	if self, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(self), HelperName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	p, err := exec.LookPath(HelperName)
	if err != nil {
		return "", fmt.Errorf("failed to find %s helper: %w", HelperName, err)
	}
	return p, nil
}

// Name implements Backend.
func (b *NamespaceBackend) Name() string { return BackendNamespace }

// Prepare implements Backend.
func (b *NamespaceBackend) Prepare(ctx context.Context, root string) (*Handle, error) {
	h, err := b.scratch.create(ctx, BackendNamespace, root, true)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(filepath.Join(h.Dir, "rootfs"), 0o755); err != nil {
		_ = b.scratch.remove(h)
		return nil, execerr.NewSandboxSetupError("failed to create sandbox rootfs", err)
	}
	return h, nil
}

// Exec implements Backend.
func (b *NamespaceBackend) Exec(ctx context.Context, h *Handle, cmd *Command) (*ExecResult, error) {
	if _, err := workDir(h, cmd.WorkDir); err != nil {
		return nil, err
	}

	params := &protocol.RunParams{
		Rootfs:    filepath.Join(h.Dir, "rootfs"),
		Work:      h.OutputRoot,
		WorkMount: b.opts.WorkMount,
		WorkDir:   cmd.WorkDir,
		Argv:      cmd.Argv,
		Env:       cmd.Env,
		Network:   cmd.Network,
		Hostname:  b.opts.Hostname,
		Limits: protocol.Limits{
			MaxMemoryBytes: cmd.Limits.MaxMemoryBytes,
			MaxCPUSeconds:  cmd.Limits.MaxCPUSeconds,
			MaxOpenFiles:   cmd.Limits.MaxOpenFiles,
		},
	}
	for _, p := range b.opts.Passthrough {
		params.Mounts = append(params.Mounts, protocol.Mount{Source: p, Target: p, ReadOnly: true})
	}

	run, err := b.start(h, cmd)
	if err != nil {
		return nil, err
	}

	if _, err := run.client.WaitReady(ctx, b.opts.ReadyTimeout); err != nil {
		return nil, run.abort(ctx, "sandbox helper did not become ready", err)
	}

	logger := b.logger.With().Str("sandbox", h.ID).Logger()
	res, err := run.client.Run(ctx, params, func(ev *protocol.EventMessage) {
		logger.Debug().Str("level", ev.Level).Msg(ev.Message)
	})
	if err != nil {
		return nil, run.abort(ctx, "sandboxed action failed to run", err)
	}
	if err := run.finish(); err != nil {
		logger.Warn().Err(err).Msg("sandbox helper exited uncleanly")
	}

	return &ExecResult{
		ExitCode: res.ExitCode,
		Usage: Usage{
			WallTime:    time.Duration(res.Duration * float64(time.Second)),
			UserTime:    time.Duration(res.Usage.UserSeconds * float64(time.Second)),
			SystemTime:  time.Duration(res.Usage.SystemSeconds * float64(time.Second)),
			MaxRSSBytes: res.Usage.MaxRSSBytes,
		},
	}, nil
}

// Teardown implements Backend.
func (b *NamespaceBackend) Teardown(_ context.Context, h *Handle) error {
	return b.scratch.remove(h)
}

// helperRun is one running helper process.
type helperRun struct {
	cmd      *exec.Cmd
	client   *protocol.Client
	protoOut *os.File
	stderr   *stream
	copies   sync.WaitGroup
}

func (b *NamespaceBackend) start(h *Handle, cmd *Command) (*helperRun, error) {
	flags := syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	if !cmd.Network {
		flags |= syscall.CLONE_NEWNET
	}

	c := exec.Command(b.opts.Helper, b.opts.HelperArgs...)
	c.Env = b.opts.HelperEnv
	if c.Env == nil {
		c.Env = []string{}
	}
	c.Dir = h.Dir
	c.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:                 uintptr(flags),
		UidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
		GidMappingsEnableSetgroups: false,
		Pdeathsig:                  syscall.SIGKILL,
	}

	run := &helperRun{cmd: c, stderr: newStream(0, 4<<10)}
	c.Stderr = run.stderr

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, execerr.NewSandboxSetupError("failed to create helper stdin", err)
	}
	protoOut, protoIn, err := os.Pipe()
	if err != nil {
		return nil, execerr.NewSandboxSetupError("failed to create helper pipe", err)
	}
	c.Stdout = protoIn

	var readers, writers []*os.File
	for range 2 {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(readers, writers, []*os.File{protoOut, protoIn})
			return nil, execerr.NewSandboxSetupError("failed to create action pipe", err)
		}
		readers = append(readers, r)
		writers = append(writers, w)
	}
	c.ExtraFiles = writers

	if err := c.Start(); err != nil {
		closeAll(readers, writers, []*os.File{protoOut, protoIn})
		return nil, execerr.NewSandboxSetupError("failed to start sandbox helper", err)
	}
	// The helper holds its own copies now.
	closeAll(writers, []*os.File{protoIn})

	for i, dst := range []io.Writer{cmd.Stdout, cmd.Stderr} {
		if dst == nil {
			dst = io.Discard
		}
		r := readers[i]
		run.copies.Add(1)
		go func() {
			defer run.copies.Done()
			defer r.Close()
			_, _ = io.Copy(dst, r)
		}()
	}

	run.protoOut = protoOut
	run.client = protocol.NewClient(stdin, protoOut)
	return run, nil
}

// abort kills the helper, which takes every process in its pid namespace
// with it, and classifies err.
func (r *helperRun) abort(ctx context.Context, msg string, err error) error {
	_ = r.cmd.Process.Kill()
	_ = r.cmd.Wait()
	_ = r.client.Close()
	_ = r.protoOut.Close()
	r.copies.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if tail := strings.TrimSpace(r.stderr.Tail()); tail != "" {
		err = fmt.Errorf("%w: %s", err, tail)
	}
	return execerr.NewSandboxSetupError(msg, err)
}

// finish lets the helper exit after it reported the result.
func (r *helperRun) finish() error {
	_ = r.client.Close()
	err := r.cmd.Wait()
	_ = r.protoOut.Close()
	r.copies.Wait()
	return err
}

func closeAll(groups ...[]*os.File) {
	for _, g := range groups {
		for _, f := range g {
			_ = f.Close()
		}
	}
}
