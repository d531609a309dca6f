package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/materialize"
)

// exitRuntimeFailed is what docker and podman return when the container
// could not be created.
const exitRuntimeFailed = 125

// ContainerOptions configures the container backend.
type ContainerOptions struct {
	// Runtime is the OCI runtime CLI, docker or podman.
	Runtime string

	// Image provides the userland the action runs against.
	Image string

	// Passthrough host paths are mounted read-only at the same location.
	Passthrough []string

	// WorkMount is where the root appears inside the container.
	WorkMount string

	// ExtraArgs are appended to "run" before the image.
	ExtraArgs []string

	ScratchDir string
	Strategy   materialize.Strategy

	// WaitDelay bounds how long Exec waits for the runtime after a kill.
	WaitDelay time.Duration
}

// ContainerBackend runs actions with a container runtime CLI. The private
// clone of the root is bind-mounted read-write at WorkMount and networking
// is disabled unless the action opts in.
type ContainerBackend struct {
	opts    ContainerOptions
	scratch scratch
}

// NewContainerBackend validates opts and resolves the runtime.
func NewContainerBackend(opts ContainerOptions) (*ContainerBackend, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("container backend requires an image")
	}
	if opts.Runtime == "" {
		opts.Runtime = "docker"
	}
	rt, err := exec.LookPath(opts.Runtime)
	if err != nil {
		return nil, fmt.Errorf("failed to find container runtime %s: %w", opts.Runtime, err)
	}
	opts.Runtime = rt
	if opts.WorkMount == "" {
		opts.WorkMount = defaultWorkMount
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	for _, p := range opts.Passthrough {
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("passthrough path %q must be absolute", p)
		}
	}
	return &ContainerBackend{opts: opts, scratch: newScratch(opts.ScratchDir, opts.Strategy)}, nil
}

// Name implements Backend.
func (b *ContainerBackend) Name() string { return BackendContainer }

// Prepare implements Backend.
func (b *ContainerBackend) Prepare(ctx context.Context, root string) (*Handle, error) {
	return b.scratch.create(ctx, BackendContainer, root, true)
}

// Exec implements Backend.
func (b *ContainerBackend) Exec(ctx context.Context, h *Handle, cmd *Command) (*ExecResult, error) {
	if _, err := workDir(h, cmd.WorkDir); err != nil {
		return nil, err
	}
	name := containerName(h)

	c := exec.CommandContext(ctx, b.opts.Runtime, containerArgs(name, h, cmd, &b.opts)...)
	c.Env = os.Environ()
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	c.WaitDelay = b.opts.WaitDelay
	c.Cancel = func() error {
		kctx, cancel := context.WithTimeout(context.Background(), b.opts.WaitDelay)
		defer cancel()
		_ = exec.CommandContext(kctx, b.opts.Runtime, "kill", name).Run()
		return c.Process.Kill()
	}

	start := time.Now()
	err := c.Run()
	wall := time.Since(start)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, execerr.NewSandboxSetupError("failed to run container runtime", err)
	}
	code := c.ProcessState.ExitCode()
	if code == exitRuntimeFailed {
		return nil, execerr.NewSandboxSetupError(
			fmt.Sprintf("%s could not start the container (exit %d)", filepath.Base(b.opts.Runtime), code), err)
	}
	return &ExecResult{ExitCode: code, Usage: Usage{WallTime: wall}}, nil
}

// Teardown implements Backend.
func (b *ContainerBackend) Teardown(ctx context.Context, h *Handle) error {
	// The container is started with --rm; this only catches a runtime that
	// was killed before it could clean up.
	_ = exec.CommandContext(ctx, b.opts.Runtime, "rm", "-f", containerName(h)).Run()
	return b.scratch.remove(h)
}

func containerName(h *Handle) string {
	return "hermit-" + h.ID
}

// containerArgs builds the runtime command line.
func containerArgs(name string, h *Handle, cmd *Command, opts *ContainerOptions) []string {
	network := "none"
	if cmd.Network {
		network = "bridge"
	}
	args := []string{
		"run", "--rm", "--name", name,
		"--network", network,
		"-v", h.OutputRoot + ":" + opts.WorkMount,
		"-w", path.Join(opts.WorkMount, cmd.WorkDir),
	}
	if uid, gid := os.Getuid(), os.Getgid(); uid >= 0 {
		args = append(args, "--user", strconv.Itoa(uid)+":"+strconv.Itoa(gid))
	}
	for _, p := range opts.Passthrough {
		args = append(args, "-v", p+":"+p+":ro")
	}
	for _, kv := range cmd.Env {
		args = append(args, "-e", kv)
	}
	if v := cmd.Limits.MaxMemoryBytes; v != 0 {
		args = append(args, "--memory", strconv.FormatUint(v, 10))
	}
	if v := cmd.Limits.MaxCPUSeconds; v != 0 {
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", v, v))
	}
	if v := cmd.Limits.MaxOpenFiles; v != 0 {
		args = append(args, "--ulimit", fmt.Sprintf("nofile=%d:%d", v, v))
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, opts.Image)
	return append(args, cmd.Argv...)
}
