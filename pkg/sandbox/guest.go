package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/transports/ssh"
)

const defaultGuestDir = "/tmp/hermit"

// netIsolators are tried in order on the guest. Plain unshare needs root;
// the user namespace variant works for unprivileged accounts.
var netIsolators = []string{"unshare -n", "unshare -rn"}

// GuestOptions configures the guest backend.
type GuestOptions struct {
	// Client is a connected transport to the guest.
	Client *ssh.Client

	// RemoteDir holds one directory per sandbox on the guest.
	RemoteDir string

	ScratchDir string

	// Offline declares that the guest has no network route. Commands then
	// run without a network namespace of their own.
	Offline bool
}

// GuestBackend delegates execution to a guest machine over SSH. Prepare
// uploads the root, Exec runs the command with a clean environment in the
// uploaded copy and downloads the declared outputs, Teardown removes the
// remote copy.
type GuestBackend struct {
	client    *ssh.Client
	remoteDir string
	scratch   scratch
	offline   bool

	mu        sync.Mutex
	isolators []string
	isolator  string // first working entry of isolators
}

// NewGuestBackend creates a guest backend.
func NewGuestBackend(opts GuestOptions) (*GuestBackend, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("guest backend requires an ssh client")
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = defaultGuestDir
	}
	if !path.IsAbs(opts.RemoteDir) {
		return nil, fmt.Errorf("guest remote directory %q must be absolute", opts.RemoteDir)
	}
	return &GuestBackend{
		client:    opts.Client,
		remoteDir: opts.RemoteDir,
		scratch:   newScratch(opts.ScratchDir, ""),
		offline:   opts.Offline,
		isolators: netIsolators,
	}, nil
}

// Name implements Backend.
func (b *GuestBackend) Name() string { return BackendGuest }

// Prepare implements Backend.
func (b *GuestBackend) Prepare(ctx context.Context, root string) (*Handle, error) {
	h, err := b.scratch.create(ctx, BackendGuest, root, false)
	if err != nil {
		return nil, err
	}
	remote := path.Join(b.remoteDir, h.ID)
	h.state = remote

	if err := b.client.UploadTree(ctx, root, remote); err != nil {
		_ = b.Teardown(context.WithoutCancel(ctx), h)
		return nil, execerr.NewSandboxSetupError("failed to upload root to guest", err)
	}
	return h, nil
}

// Exec implements Backend.
func (b *GuestBackend) Exec(ctx context.Context, h *Handle, cmd *Command) (*ExecResult, error) {
	if err := checkRelative(cmd.WorkDir); err != nil {
		return nil, err
	}
	remote := h.state.(string)

	var isolator string
	if !cmd.Network && !b.offline {
		var err error
		if isolator, err = b.netIsolator(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, execerr.NewSandboxSetupError("guest cannot run the action without network access", err)
		}
	}

	start := time.Now()
	code, err := b.client.Run(ctx, ssh.RunRequest{
		Command: guestScript(path.Join(remote, cmd.WorkDir), cmd, isolator),
		Stdout:  cmd.Stdout,
		Stderr:  cmd.Stderr,
	})
	wall := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, execerr.NewSandboxSetupError("guest execution failed", err)
	}

	if code == 0 {
		if err := b.fetch(ctx, h, remote, cmd.Outputs); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, execerr.NewSandboxSetupError("failed to download outputs from guest", err)
		}
	}
	return &ExecResult{ExitCode: code, Usage: Usage{WallTime: wall}}, nil
}

// netIsolator returns the command prefix that runs a guest command in an
// empty network namespace. The first candidate that works is remembered.
func (b *GuestBackend) netIsolator(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isolator != "" {
		return b.isolator, nil
	}
	for _, candidate := range b.isolators {
		code, err := b.client.Run(ctx, ssh.RunRequest{Command: candidate + " true"})
		if err != nil {
			return "", err
		}
		if code == 0 {
			b.isolator = candidate
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no network namespace support on the guest (tried %s)", strings.Join(b.isolators, ", "))
}

// fetch downloads every output that exists on the guest into the local
// output root. Absent outputs are left for capture to report.
func (b *GuestBackend) fetch(ctx context.Context, h *Handle, remote string, outputs []string) error {
	if len(outputs) == 0 {
		return nil
	}
	sc, err := b.client.SFTP()
	if err != nil {
		return err
	}
	for _, o := range outputs {
		src := path.Join(remote, o)
		if _, err := sc.Lstat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		dst := filepath.Join(h.OutputRoot, filepath.FromSlash(o))
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := b.client.DownloadTree(ctx, src, dst); err != nil {
			return err
		}
	}
	return nil
}

// Teardown implements Backend.
func (b *GuestBackend) Teardown(ctx context.Context, h *Handle) error {
	var errs []error
	if remote, ok := h.state.(string); ok {
		if err := b.client.RemoveAll(ctx, remote); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.scratch.remove(h); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// guestScript builds the remote shell command: enter dir, apply limits and
// exec argv with exactly cmd.Env, behind isolator when one is given.
func guestScript(dir string, cmd *Command, isolator string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s && cd %s && ", ssh.Quote(dir), ssh.Quote(dir))
	if v := cmd.Limits.MaxMemoryBytes; v != 0 {
		fmt.Fprintf(&b, "ulimit -v %d && ", max(v/1024, 1))
	}
	if v := cmd.Limits.MaxCPUSeconds; v != 0 {
		fmt.Fprintf(&b, "ulimit -t %d && ", v)
	}
	if v := cmd.Limits.MaxOpenFiles; v != 0 {
		fmt.Fprintf(&b, "ulimit -n %d && ", v)
	}
	b.WriteString("exec ")
	if isolator != "" {
		b.WriteString(isolator + " ")
	}
	b.WriteString("env -i")
	if len(cmd.Env) > 0 {
		b.WriteString(" ")
		b.WriteString(ssh.QuoteArgs(cmd.Env))
	}
	b.WriteString(" ")
	b.WriteString(ssh.QuoteArgs(cmd.Argv))
	return b.String()
}
