// Package sandbox runs action commands in isolation against a materialized
// root and captures their declared outputs into the content store.
//
// Isolation is provided by a Backend. Every backend implements the same
// three steps: Prepare builds a private, writable view of the root, Exec
// runs one command inside it, and Teardown releases everything Prepare
// acquired. The Executor drives the steps, enforces the deadline, records
// resource usage and turns the files left at the declared output paths
// into an output DepSet.
//
// Available backends:
//
//   - process: a plain child process in a private copy of the root. No
//     isolation beyond a clean environment; intended for development and
//     only built when Config.AllowUnisolated is set.
//   - namespace: Linux user, mount, pid, ipc, uts and network namespaces
//     set up by the hermit-sandbox helper. Only the root and configured
//     read-only passthrough paths are visible.
//   - wasi: WebAssembly modules run under wazero. Every filesystem call
//     goes through the WASI layer, which only resolves paths inside the
//     root.
//   - guest: a remote guest machine reached over SSH. The root is uploaded,
//     the command runs remotely and declared outputs are downloaded. Actions
//     without network access run under unshare on the guest.
//   - container: an OCI runtime CLI (docker or podman) with networking
//     disabled and the root bind-mounted as the working tree.
package sandbox

import (
	"context"
	"io"
	"runtime"
	"time"
)

// Backend names.
const (
	BackendProcess   = "process"
	BackendNamespace = "namespace"
	BackendWASI      = "wasi"
	BackendGuest     = "guest"
	BackendContainer = "container"
)

// DefaultBackend is used when no backend is configured: namespace on Linux,
// container elsewhere.
func DefaultBackend() string {
	if runtime.GOOS == "linux" {
		return BackendNamespace
	}
	return BackendContainer
}

// Backend is one isolation mechanism.
type Backend interface {
	// Name returns the backend name recorded with results.
	Name() string

	// Prepare creates an isolated, writable view of root. root itself is
	// shared and must not be modified.
	Prepare(ctx context.Context, root string) (*Handle, error)

	// Exec runs cmd in the prepared view. A non-zero exit is reported in
	// the result, not as an error. When ctx is done the whole process tree
	// is killed and ctx.Err() is returned.
	Exec(ctx context.Context, h *Handle, cmd *Command) (*ExecResult, error)

	// Teardown releases the handle. It is called exactly once per
	// successful Prepare, including after failures and cancellation.
	Teardown(ctx context.Context, h *Handle) error
}

// Handle is one prepared sandbox.
type Handle struct {
	// ID identifies the sandbox in logs and runtime object names.
	ID string

	// Root is the shared read-only input root.
	Root string

	// Dir is the host directory holding the sandbox's private state.
	Dir string

	// OutputRoot is the host directory where declared outputs are read
	// after Exec returns. Output paths are relative to it.
	OutputRoot string

	// state is backend specific.
	state any
}

// Command is what Exec runs.
type Command struct {
	Argv []string

	// Env is the complete environment as KEY=VALUE pairs. Nothing is
	// inherited from the host.
	Env []string

	// WorkDir is relative to the root.
	WorkDir string

	// Network enables network access for backends that isolate it.
	Network bool

	// Outputs lists root-relative paths the executor will capture. Remote
	// backends use it to fetch results back.
	Outputs []string

	Limits Limits

	Stdout io.Writer
	Stderr io.Writer
}

// Limits are hard resource limits. Zero means not enforced.
type Limits struct {
	MaxMemoryBytes uint64 `yaml:"max_memory_bytes" json:"max_memory_bytes,omitempty"`
	MaxCPUSeconds  uint64 `yaml:"max_cpu_seconds" json:"max_cpu_seconds,omitempty"`
	MaxOpenFiles   uint64 `yaml:"max_open_files" json:"max_open_files,omitempty"`
}

// Usage is the measured resource usage of one execution.
type Usage struct {
	WallTime    time.Duration `json:"wall_time"`
	UserTime    time.Duration `json:"user_time,omitempty"`
	SystemTime  time.Duration `json:"system_time,omitempty"`
	MaxRSSBytes int64         `json:"max_rss_bytes,omitempty"`
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l == Limits{}
}

// ExecResult is the outcome of Exec.
type ExecResult struct {
	ExitCode int
	Usage    Usage
}
