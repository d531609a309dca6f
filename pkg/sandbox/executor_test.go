//go:build unix

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/materialize"
)

var testEnv = []string{"PATH=/usr/bin:/bin"}

// countingBackend wraps a backend and counts lifecycle calls.
type countingBackend struct {
	Backend
	prepared   atomic.Int32
	tornDown   atomic.Int32
	prepareErr error
}

func (b *countingBackend) Prepare(ctx context.Context, root string) (*Handle, error) {
	if b.prepareErr != nil {
		return nil, b.prepareErr
	}
	h, err := b.Backend.Prepare(ctx, root)
	if err == nil {
		b.prepared.Add(1)
	}
	return h, err
}

func (b *countingBackend) Teardown(ctx context.Context, h *Handle) error {
	b.tornDown.Add(1)
	return b.Backend.Teardown(ctx, h)
}

type execFixture struct {
	store   *cas.MemoryStore
	scratch string
	backend *countingBackend
	exec    *Executor
}

func newExecFixture(t *testing.T, opts Options) *execFixture {
	t.Helper()
	scratchDir := filepath.Join(t.TempDir(), "scratch")
	backend := &countingBackend{Backend: NewProcessBackend(ProcessOptions{
		ScratchDir: scratchDir,
		Strategy:   materialize.StrategyCopy,
	})}
	store := cas.NewMemoryStore()
	opts.Logger = zerolog.Nop()
	e, err := NewExecutor(backend, store, opts)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	return &execFixture{store: store, scratch: scratchDir, backend: backend, exec: e}
}

// checkClean verifies every prepared sandbox was torn down and removed.
func (f *execFixture) checkClean(t *testing.T) {
	t.Helper()
	if p, d := f.backend.prepared.Load(), f.backend.tornDown.Load(); p != d {
		t.Errorf("expected %d teardowns, got %d", p, d)
	}
	entries, err := os.ReadDir(f.scratch)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty scratch directory, got %d entries", len(entries))
	}
}

func writeRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		host := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		if err := os.WriteFile(host, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	return root
}

func sh(script string) []string {
	return []string{"sh", "-c", script}
}

func TestExecutorCapturesOutputs(t *testing.T) {
	f := newExecFixture(t, Options{})
	root := writeRoot(t, map[string]string{"src/a.txt": "hello"})

	res, err := f.exec.Run(context.Background(), root, &Request{
		Argv:    sh("mkdir -p out/empty && cat src/a.txt > out/b.txt && ln -s b.txt out/link && echo done"),
		Env:     testEnv,
		Outputs: []Output{{Path: "out"}},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
	if res.Backend != BackendProcess {
		t.Errorf("expected backend %q, got %q", BackendProcess, res.Backend)
	}

	got, ok := res.Outputs.Lookup("out/b.txt")
	if !ok {
		t.Fatalf("expected out/b.txt in outputs, got %v", res.Outputs.Flatten())
	}
	if got.Digest != digest.FromString("hello") {
		t.Errorf("expected digest of %q, got %s", "hello", got.Digest)
	}
	if link, ok := res.Outputs.Lookup("out/link"); !ok || link.Kind != depset.KindSymlink || link.Target != "b.txt" {
		t.Errorf("expected symlink out/link -> b.txt, got %+v", link)
	}
	if dir, ok := res.Outputs.Lookup("out/empty"); !ok || dir.Kind != depset.KindDirectory {
		t.Errorf("expected empty directory out/empty, got %+v", dir)
	}
	if res.Stdout != digest.FromString("done\n") {
		t.Errorf("expected stdout digest of %q, got %s", "done\n", res.Stdout)
	}
	data, err := cas.Get(context.Background(), f.store, got.Digest)
	if err != nil || string(data) != "hello" {
		t.Errorf("expected stored content %q, got %q (%v)", "hello", data, err)
	}

	if _, err := os.Stat(filepath.Join(root, "out")); !os.IsNotExist(err) {
		t.Errorf("expected input root to be untouched, stat err: %v", err)
	}
	f.checkClean(t)
}

func TestExecutorNonZeroExit(t *testing.T) {
	f := newExecFixture(t, Options{})
	root := writeRoot(t, nil)

	res, err := f.exec.Run(context.Background(), root, &Request{
		Argv:    sh("mkdir out && echo partial > out/x && echo boom >&2; exit 3"),
		Env:     testEnv,
		Outputs: []Output{{Path: "out"}},
	})
	if err != nil {
		t.Fatalf("expected no error for a failing command, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if !res.Outputs.IsEmpty() {
		t.Errorf("expected empty outputs, got %v", res.Outputs.Flatten())
	}
	if res.StderrTail != "boom\n" {
		t.Errorf("expected stderr tail %q, got %q", "boom\n", res.StderrTail)
	}
	f.checkClean(t)
}

func TestExecutorOutputs(t *testing.T) {
	tests := []struct {
		name        string
		script      string
		outputs     []Output
		wantMissing bool
		wantPaths   []string
	}{
		{
			name:        "required output absent",
			script:      "true",
			outputs:     []Output{{Path: "missing.txt"}},
			wantMissing: true,
		},
		{
			name:      "optional output absent",
			script:    "echo x > present.txt",
			outputs:   []Output{{Path: "present.txt"}, {Path: "missing.txt", Optional: true}},
			wantPaths: []string{"present.txt"},
		},
		{
			name:      "overlapping outputs deduplicated",
			script:    "mkdir -p d && echo x > d/f",
			outputs:   []Output{{Path: "d"}, {Path: "d/f"}},
			wantPaths: []string{"d/f"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecFixture(t, Options{})
			res, err := f.exec.Run(context.Background(), writeRoot(t, nil), &Request{
				Argv:    sh(tt.script),
				Env:     testEnv,
				Outputs: tt.outputs,
			})
			if tt.wantMissing {
				if !execerr.IsMissingOutput(err) {
					t.Fatalf("expected MissingOutput, got %v", err)
				}
				if res == nil || res.ExitCode != 0 {
					t.Errorf("expected a result with exit code 0 alongside the error, got %+v", res)
				}
				f.checkClean(t)
				return
			}
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			var got []string
			for _, e := range res.Outputs.Flatten() {
				got = append(got, e.Path)
			}
			if strings.Join(got, ",") != strings.Join(tt.wantPaths, ",") {
				t.Errorf("expected outputs %v, got %v", tt.wantPaths, got)
			}
			f.checkClean(t)
		})
	}
}

func TestExecutorTimeout(t *testing.T) {
	f := newExecFixture(t, Options{})
	start := time.Now()
	_, err := f.exec.Run(context.Background(), writeRoot(t, nil), &Request{
		Argv:    sh("sleep 30 & sleep 30"),
		Env:     testEnv,
		Timeout: 200 * time.Millisecond,
	})
	if !execerr.IsTimeout(err) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("expected the process tree to be killed promptly, took %v", elapsed)
	}
	f.checkClean(t)
}

func TestExecutorCanceled(t *testing.T) {
	f := newExecFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := f.exec.Run(ctx, writeRoot(t, nil), &Request{
		Argv: sh("sleep 30"),
		Env:  testEnv,
	})
	if !execerr.IsCanceled(err) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	f.checkClean(t)
}

func TestExecutorTruncatesStreams(t *testing.T) {
	f := newExecFixture(t, Options{MaxCaptureBytes: 10, TailBytes: 4})
	res, err := f.exec.Run(context.Background(), writeRoot(t, nil), &Request{
		Argv: sh("printf 0123456789abcdef; printf 0123456789xyz >&2"),
		Env:  testEnv,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.StdoutTruncated || !res.StderrTruncated {
		t.Errorf("expected both streams truncated, got stdout=%v stderr=%v", res.StdoutTruncated, res.StderrTruncated)
	}
	if res.Stdout != digest.FromString("0123456789") {
		t.Errorf("expected the stored stdout prefix, got %s", res.Stdout)
	}
	if res.StderrTail != "9xyz" {
		t.Errorf("expected stderr tail %q, got %q", "9xyz", res.StderrTail)
	}
}

func TestExecutorEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantOut string
		wantErr string
	}{
		{
			name:    "host environment not inherited",
			req:     Request{Argv: sh(`echo "[$HOME]"`), Env: testEnv},
			wantOut: "[]\n",
		},
		{
			name:    "declared variables visible",
			req:     Request{Argv: sh(`echo "$GREETING"`), Env: append([]string{"GREETING=hi"}, testEnv...)},
			wantOut: "hi\n",
		},
		{
			name:    "working directory",
			req:     Request{Argv: sh(`basename "$(pwd)"`), Env: testEnv, WorkDir: "sub/dir"},
			wantOut: "dir\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecFixture(t, Options{})
			res, err := f.exec.Run(context.Background(), writeRoot(t, nil), &tt.req)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.Stdout != digest.FromString(tt.wantOut) {
				out, _ := cas.Get(context.Background(), f.store, res.Stdout)
				t.Errorf("expected stdout %q, got %q", tt.wantOut, out)
			}
		})
	}
}

func TestExecutorCommandNotFound(t *testing.T) {
	f := newExecFixture(t, Options{})
	res, err := f.exec.Run(context.Background(), writeRoot(t, nil), &Request{
		Argv: []string{"definitely-not-a-command"},
		Env:  testEnv,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 127 {
		t.Errorf("expected exit code 127, got %d", res.ExitCode)
	}
	if !strings.Contains(res.StderrTail, "definitely-not-a-command") {
		t.Errorf("expected stderr to name the command, got %q", res.StderrTail)
	}
}

func TestExecutorPrepareFailure(t *testing.T) {
	f := newExecFixture(t, Options{})
	f.backend.prepareErr = os.ErrPermission

	_, err := f.exec.Run(context.Background(), writeRoot(t, nil), &Request{Argv: []string{"true"}, Env: testEnv})
	if !execerr.IsSandboxSetup(err) {
		t.Fatalf("expected SandboxSetupError, got %v", err)
	}
	if execerr.IsCacheable(err) {
		t.Error("expected setup failures not to be cacheable")
	}
	f.checkClean(t)
}

func TestExecutorRejectsBadRequests(t *testing.T) {
	f := newExecFixture(t, Options{})
	root := writeRoot(t, nil)

	if _, err := f.exec.Run(context.Background(), root, &Request{}); !execerr.IsInvalidEntry(err) {
		t.Errorf("expected InvalidEntry for empty argv, got %v", err)
	}
	_, err := f.exec.Run(context.Background(), root, &Request{Argv: []string{"true"}, WorkDir: "../escape"})
	if !execerr.IsInvalidEntry(err) {
		t.Errorf("expected InvalidEntry for escaping workdir, got %v", err)
	}
	f.checkClean(t)
}

func TestExecutorRecordsUsage(t *testing.T) {
	f := newExecFixture(t, Options{})
	res, err := f.exec.Run(context.Background(), writeRoot(t, nil), &Request{
		Argv: sh("i=0; while [ $i -lt 2000 ]; do i=$((i+1)); done"),
		Env:  testEnv,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Usage.WallTime <= 0 {
		t.Errorf("expected positive wall time, got %v", res.Usage.WallTime)
	}
	if res.Usage.MaxRSSBytes <= 0 {
		t.Errorf("expected positive max RSS, got %d", res.Usage.MaxRSSBytes)
	}
}
