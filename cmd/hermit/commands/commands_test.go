//go:build unix

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/hermit/pkg/config"
	"github.com/openfroyo/hermit/pkg/digest"
)

// hermit runs the CLI with args against a fresh root and returns stdout.
func hermit(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	configPath, rootDir, verbose, jsonOutput = "", "", false, false
	t.Setenv(config.EnvRoot, root)

	// Quiet, copy-based defaults for tests.
	cfgFile := filepath.Join(root, "test.yaml")
	if _, err := os.Stat(cfgFile); err != nil {
		data := "root: " + root + "\n" +
			"materialize:\n  strategy: copy\n" +
			"sandbox:\n  strategy: copy\n  backend: process\n  allow_unisolated: true\n" +
			"telemetry:\n  logging:\n    level: disabled\n  metrics:\n    enabled: false\n"
		if err := os.WriteFile(cfgFile, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cmd := newRootCommand("test", "abc123", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgFile}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStorePutGet(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(src, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := hermit(t, root, "store", "put", src)
	if err != nil {
		t.Fatalf("store put: %v\n%s", err, out)
	}
	want := digest.FromString("hello\n").String()
	if !strings.HasPrefix(out, want) {
		t.Fatalf("store put printed %q, want digest %s", out, want)
	}

	out, err = hermit(t, root, "store", "get", want)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("store get = %q", out)
	}

	if _, err := hermit(t, root, "store", "stat", digest.FromString("absent").String()); err == nil {
		t.Error("stat of an absent blob succeeded")
	}
}

func TestRunActionFile(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()
	script := `
src = file("in.txt", content = "payload " + vars["who"])
action(
    name = "copy",
    argv = ["sh", "-c", "cp in.txt out.txt"],
    env = {"PATH": "/usr/bin:/bin"},
    inputs = depset(src),
    outputs = ["out.txt"],
)
`
	star := filepath.Join(dir, "build.star")
	if err := os.WriteFile(star, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "out")

	out, err := hermit(t, root, "--json", "run", star, "--var", "who=world", "--out", outDir)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var rep runReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if rep.Summary.Succeeded != 1 || rep.Items[0].Cached {
		t.Errorf("first run = %+v", rep)
	}
	got, err := os.ReadFile(filepath.Join(outDir, "copy", "out.txt"))
	if err != nil || string(got) != "payload world" {
		t.Errorf("exported output = %q, %v", got, err)
	}

	out, err = hermit(t, root, "--json", "run", star, "--var", "who=world")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.Items[0].Cached {
		t.Errorf("second run not cached: %+v", rep.Items[0])
	}

	out, err = hermit(t, root, "cache", "show", rep.Items[0].Fingerprint)
	if err != nil {
		t.Fatalf("cache show: %v", err)
	}
	if !strings.Contains(out, "out.txt") {
		t.Errorf("cache show output missing out.txt:\n%s", out)
	}

	out, err = hermit(t, root, "cache", "bump")
	if err != nil || !strings.Contains(out, "generation is now 1") {
		t.Errorf("cache bump = %q, %v", out, err)
	}
	if _, err := hermit(t, root, "gc"); err != nil {
		t.Errorf("gc: %v", err)
	}
}

func TestRunFailureExitCode(t *testing.T) {
	root := t.TempDir()
	star := filepath.Join(t.TempDir(), "fail.star")
	script := `action(name = "fail", argv = ["sh", "-c", "exit 3"], env = {"PATH": "/usr/bin:/bin"})` + "\n"
	if err := os.WriteFile(star, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := hermit(t, root, "run", star)
	if err == nil {
		t.Fatal("failing action reported success")
	}
	if code := ExitCode(err); code != 1 {
		t.Errorf("ExitCode = %d, want 1", code)
	}
}

func TestValidate(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.star")
	bad := filepath.Join(dir, "bad.star")
	if err := os.WriteFile(good, []byte(`action(name = "ok", argv = ["true"])`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(`action(name = "ok", argv = ["true"], outputs = ["../up"])`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if out, err := hermit(t, root, "validate", good); err != nil {
		t.Errorf("validate good: %v\n%s", err, out)
	}
	out, err := hermit(t, root, "validate", bad)
	if err == nil {
		t.Errorf("validate accepted an escaping output:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := hermit(t, t.TempDir(), "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "hermit test (commit: abc123") {
		t.Errorf("version = %q", out)
	}
}
