package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/materialize"
)

// Hand-assembled modules. Every section is shorter than 128 bytes so sizes
// fit in one LEB128 byte.

func wasmSection(id byte, parts ...[]byte) []byte {
	body := bytes.Join(parts, nil)
	return append([]byte{id, byte(len(body))}, body...)
}

func wasmName(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func wasmModule(sections ...[]byte) []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, bytes.Join(sections, nil)...)
}

// startOnly exports a _start whose body is code.
func startOnly(code ...byte) []byte {
	body := append([]byte{0x00}, code...)
	return wasmModule(
		wasmSection(0x01, []byte{0x01, 0x60, 0x00, 0x00}),
		wasmSection(0x03, []byte{0x01, 0x00}),
		wasmSection(0x07, []byte{0x01}, wasmName("_start"), []byte{0x00, 0x00}),
		wasmSection(0x0a, []byte{0x01, byte(len(body))}, body),
	)
}

var (
	wasmNop      = startOnly(0x0b)
	wasmTrap     = startOnly(0x00, 0x0b)
	wasmSpin     = startOnly(0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b)
	wasmExit3    = importingModule("proc_exit", []byte{0x60, 0x01, 0x7f, 0x00}, []byte{0x41, 0x03, 0x10, 0x00, 0x0b}, nil)
	wasmHelloOut = importingModule("fd_write",
		[]byte{0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f},
		// fd_write(1, iovs=0, iovs_len=1, nwritten=12); drop errno
		[]byte{0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x0c, 0x10, 0x00, 0x1a, 0x0b},
		// iovec{buf=8, len=3} followed by "hi\n"
		[]byte{0x08, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00, 'h', 'i', '\n'},
	)
)

// importingModule imports one WASI function as function 0 and calls it
// from _start. When data is set it is placed at offset 0 of an exported
// memory.
func importingModule(fn string, importType, code, data []byte) []byte {
	body := append([]byte{0x00}, code...)
	sections := [][]byte{
		wasmSection(0x01, []byte{0x02}, importType, []byte{0x60, 0x00, 0x00}),
		wasmSection(0x02, []byte{0x01}, wasmName("wasi_snapshot_preview1"), wasmName(fn), []byte{0x00, 0x00}),
		wasmSection(0x03, []byte{0x01, 0x01}),
	}
	if data != nil {
		sections = append(sections,
			wasmSection(0x05, []byte{0x01, 0x00, 0x01}),
			wasmSection(0x07, []byte{0x02}, wasmName("memory"), []byte{0x02, 0x00}, wasmName("_start"), []byte{0x00, 0x01}),
		)
	} else {
		sections = append(sections, wasmSection(0x07, []byte{0x01}, wasmName("_start"), []byte{0x00, 0x01}))
	}
	sections = append(sections, wasmSection(0x0a, []byte{0x01, byte(len(body))}, body))
	if data != nil {
		sections = append(sections, wasmSection(0x0b, []byte{0x01, 0x00, 0x41, 0x00, 0x0b, byte(len(data))}, data))
	}
	return wasmModule(sections...)
}

func newWASIExecutor(t *testing.T) (*Executor, *cas.MemoryStore) {
	t.Helper()
	b, err := NewWASIBackend(WASIOptions{
		ScratchDir: filepath.Join(t.TempDir(), "scratch"),
		Strategy:   materialize.StrategyCopy,
	})
	if err != nil {
		t.Fatalf("NewWASIBackend failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	store := cas.NewMemoryStore()
	e, err := NewExecutor(b, store, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	return e, store
}

func wasmRoot(t *testing.T, files map[string][]byte) string {
	t.Helper()
	root := t.TempDir()
	for p, data := range files {
		host := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
		if err := os.WriteFile(host, data, 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	return root
}

func TestWASIExitCodes(t *testing.T) {
	root := wasmRoot(t, map[string][]byte{
		"bin/nop.wasm":   wasmNop,
		"bin/exit3.wasm": wasmExit3,
		"bin/trap.wasm":  wasmTrap,
		"bin/bad.wasm":   []byte("not a module"),
	})

	tests := []struct {
		name       string
		argv       []string
		env        []string
		wantCode   int
		wantStderr string
	}{
		{name: "clean exit", argv: []string{"/bin/nop.wasm"}, wantCode: 0},
		{name: "relative path", argv: []string{"bin/nop.wasm"}, wantCode: 0},
		{name: "PATH lookup with suffix", argv: []string{"nop"}, env: []string{"PATH=/bin"}, wantCode: 0},
		{name: "proc_exit", argv: []string{"/bin/exit3.wasm"}, wantCode: 3},
		{name: "trap", argv: []string{"/bin/trap.wasm"}, wantCode: exitTrap, wantStderr: "trap.wasm"},
		{name: "invalid module", argv: []string{"/bin/bad.wasm"}, wantCode: exitNotExecutable, wantStderr: "bad.wasm"},
		{name: "not found", argv: []string{"missing"}, env: []string{"PATH=/bin"}, wantCode: 127, wantStderr: "missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newWASIExecutor(t)
			res, err := e.Run(context.Background(), root, &Request{Argv: tt.argv, Env: tt.env})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("expected exit code %d, got %d (stderr %q)", tt.wantCode, res.ExitCode, res.StderrTail)
			}
			if tt.wantStderr != "" && !strings.Contains(res.StderrTail, tt.wantStderr) {
				t.Errorf("expected stderr to contain %q, got %q", tt.wantStderr, res.StderrTail)
			}
		})
	}
}

func TestWASICapturesStdout(t *testing.T) {
	e, _ := newWASIExecutor(t)
	root := wasmRoot(t, map[string][]byte{"hello.wasm": wasmHelloOut})

	res, err := e.Run(context.Background(), root, &Request{Argv: []string{"/hello.wasm"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d (stderr %q)", res.ExitCode, res.StderrTail)
	}
	if res.Stdout != digest.FromString("hi\n") {
		t.Errorf("expected stdout %q, got digest %s", "hi\n", res.Stdout)
	}
	if res.Backend != BackendWASI {
		t.Errorf("expected backend %q, got %q", BackendWASI, res.Backend)
	}
}

func TestWASITimeout(t *testing.T) {
	e, _ := newWASIExecutor(t)
	root := wasmRoot(t, map[string][]byte{"spin.wasm": wasmSpin})

	start := time.Now()
	_, err := e.Run(context.Background(), root, &Request{Argv: []string{"/spin.wasm"}, Timeout: 200 * time.Millisecond})
	if !execerr.IsTimeout(err) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("expected the module to be interrupted promptly, took %v", elapsed)
	}
}

func TestWASICPULimit(t *testing.T) {
	e, _ := newWASIExecutor(t)
	root := wasmRoot(t, map[string][]byte{"spin.wasm": wasmSpin})

	res, err := e.Run(context.Background(), root, &Request{
		Argv:   []string{"/spin.wasm"},
		Limits: Limits{MaxCPUSeconds: 1},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != exitCPU {
		t.Errorf("expected exit code %d, got %d", exitCPU, res.ExitCode)
	}
}

func TestWASIRejectsOpenFileLimit(t *testing.T) {
	e, _ := newWASIExecutor(t)
	root := wasmRoot(t, map[string][]byte{"nop.wasm": wasmNop})

	_, err := e.Run(context.Background(), root, &Request{
		Argv:   []string{"/nop.wasm"},
		Limits: Limits{MaxOpenFiles: 10},
	})
	if !execerr.IsSandboxSetup(err) {
		t.Fatalf("expected SandboxSetupError, got %v", err)
	}
}
