package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/materialize"
	"github.com/openfroyo/hermit/pkg/sandbox/nsinit"
)

const defaultWaitDelay = 2 * time.Second

// ProcessOptions configures the process backend.
type ProcessOptions struct {
	// ScratchDir holds per-execution copies of the root.
	ScratchDir string

	// Strategy is used to clone the root into the scratch copy.
	Strategy materialize.Strategy

	// WaitDelay bounds how long Exec waits for stdout and stderr to close
	// after the action exits or is killed.
	WaitDelay time.Duration
}

// ProcessBackend runs the action as a plain child process in its own
// process group, inside a private clone of the root.
type ProcessBackend struct {
	scratch   scratch
	waitDelay time.Duration
}

// NewProcessBackend creates a process backend.
func NewProcessBackend(opts ProcessOptions) *ProcessBackend {
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	return &ProcessBackend{
		scratch:   newScratch(opts.ScratchDir, opts.Strategy),
		waitDelay: opts.WaitDelay,
	}
}

// Name implements Backend.
func (b *ProcessBackend) Name() string { return BackendProcess }

// Prepare implements Backend.
func (b *ProcessBackend) Prepare(ctx context.Context, root string) (*Handle, error) {
	return b.scratch.create(ctx, BackendProcess, root, true)
}

// Exec implements Backend.
func (b *ProcessBackend) Exec(ctx context.Context, h *Handle, cmd *Command) (*ExecResult, error) {
	dir, err := workDir(h, cmd.WorkDir)
	if err != nil {
		return nil, err
	}
	if !cmd.Limits.IsZero() && !limitsSupported {
		return nil, execerr.NewSandboxSetupError(
			fmt.Sprintf("resource limits are not supported by the process backend on %s", runtime.GOOS), nil)
	}

	path, err := nsinit.LookPath(cmd.Argv[0], cmd.Env, dir)
	if err != nil {
		if cmd.Stderr != nil {
			fmt.Fprintf(cmd.Stderr, "hermit: %v\n", err)
		}
		return &ExecResult{ExitCode: nsinit.ExitNotFound}, nil
	}

	env := cmd.Env
	if env == nil {
		env = []string{}
	}
	c := exec.CommandContext(ctx, path)
	c.Args = cmd.Argv
	c.Env = env
	c.Dir = dir
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	c.WaitDelay = b.waitDelay
	configureCmd(c)

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, execerr.NewSandboxSetupError("failed to start action", err)
	}
	pid := c.Process.Pid
	// Descendants that outlived the action are killed with the group.
	defer func() { _ = killGroup(pid) }()

	if err := setLimits(pid, cmd.Limits); err != nil {
		_ = killGroup(pid)
		_ = c.Wait()
		return nil, execerr.NewSandboxSetupError("failed to apply resource limits", err)
	}

	err = c.Wait()
	wall := time.Since(start)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return nil, execerr.NewSandboxSetupError("failed to wait for action", err)
	}

	ps := c.ProcessState
	return &ExecResult{
		ExitCode: exitStatus(ps),
		Usage: Usage{
			WallTime:    wall,
			UserTime:    ps.UserTime(),
			SystemTime:  ps.SystemTime(),
			MaxRSSBytes: maxRSS(ps),
		},
	}, nil
}

// Teardown implements Backend.
func (b *ProcessBackend) Teardown(_ context.Context, h *Handle) error {
	return b.scratch.remove(h)
}
