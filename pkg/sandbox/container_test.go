//go:build unix

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

func TestContainerArgs(t *testing.T) {
	h := &Handle{OutputRoot: "/scratch/x/work"}
	opts := &ContainerOptions{
		Image:       "alpine:3.20",
		WorkMount:   "/work",
		Passthrough: []string{"/opt/toolchain"},
		ExtraArgs:   []string{"--pull=never"},
	}
	user := []string{"--user", strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid())}

	tests := []struct {
		name string
		cmd  Command
		want []string
	}{
		{
			name: "isolated",
			cmd:  Command{Argv: []string{"make"}, Env: []string{"A=1"}},
			want: concat(
				[]string{"run", "--rm", "--name", "c1", "--network", "none", "-v", "/scratch/x/work:/work", "-w", "/work"},
				user,
				[]string{"-v", "/opt/toolchain:/opt/toolchain:ro", "-e", "A=1", "--pull=never", "alpine:3.20", "make"},
			),
		},
		{
			name: "network and limits",
			cmd: Command{
				Argv:    []string{"curl", "x"},
				WorkDir: "src",
				Network: true,
				Limits:  Limits{MaxMemoryBytes: 1 << 30, MaxCPUSeconds: 60, MaxOpenFiles: 1024},
			},
			want: concat(
				[]string{"run", "--rm", "--name", "c1", "--network", "bridge", "-v", "/scratch/x/work:/work", "-w", "/work/src"},
				user,
				[]string{
					"-v", "/opt/toolchain:/opt/toolchain:ro",
					"--memory", "1073741824", "--ulimit", "cpu=60:60", "--ulimit", "nofile=1024:1024",
					"--pull=never", "alpine:3.20", "curl", "x",
				},
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := containerArgs("c1", h, &tt.cmd, opts)
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("expected\n  %v\ngot\n  %v", tt.want, got)
			}
		})
	}
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// fakeRuntime writes a runtime CLI stand-in that logs its arguments and
// answers "run" with FAKE_EXIT.
func fakeRuntime(t *testing.T) (runtime, log string) {
	t.Helper()
	dir := t.TempDir()
	runtime = filepath.Join(dir, "fake-docker")
	log = filepath.Join(dir, "calls.log")
	script := `#!/bin/sh
echo "$*" >> "$FAKE_LOG"
if [ "$1" = run ]; then
  echo ran
  exit "${FAKE_EXIT:-0}"
fi
exit 0
`
	if err := os.WriteFile(runtime, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("FAKE_LOG", log)
	return runtime, log
}

func TestContainerExec(t *testing.T) {
	tests := []struct {
		name      string
		exit      string
		wantCode  int
		wantSetup bool
	}{
		{name: "success", exit: "0", wantCode: 0},
		{name: "action failure", exit: "2", wantCode: 2},
		{name: "runtime failure", exit: "125", wantSetup: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runtime, log := fakeRuntime(t)
			t.Setenv("FAKE_EXIT", tt.exit)

			b, err := NewContainerBackend(ContainerOptions{
				Runtime:    runtime,
				Image:      "busybox",
				ScratchDir: filepath.Join(t.TempDir(), "scratch"),
			})
			if err != nil {
				t.Fatalf("NewContainerBackend failed: %v", err)
			}
			e, err := NewExecutor(b, cas.NewMemoryStore(), Options{Logger: zerolog.Nop()})
			if err != nil {
				t.Fatalf("NewExecutor failed: %v", err)
			}

			res, err := e.Run(context.Background(), writeRoot(t, nil), &Request{Argv: []string{"true"}})
			if tt.wantSetup {
				if !execerr.IsSandboxSetup(err) {
					t.Fatalf("expected SandboxSetupError, got %v", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Run failed: %v", err)
				}
				if res.ExitCode != tt.wantCode {
					t.Errorf("expected exit code %d, got %d", tt.wantCode, res.ExitCode)
				}
				if res.Stdout != digest.FromString("ran\n") {
					t.Errorf("expected runtime stdout to be captured, got %s", res.Stdout)
				}
			}

			calls, err := os.ReadFile(log)
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			lines := strings.Split(strings.TrimSpace(string(calls)), "\n")
			if len(lines) != 2 || !strings.HasPrefix(lines[0], "run --rm") || !strings.HasPrefix(lines[1], "rm -f hermit-") {
				t.Errorf("expected run then rm, got %q", lines)
			}
		})
	}
}
