package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/hermit/pkg/sandbox"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvRoot, "/tmp/hermit-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Root != "/tmp/hermit-test" {
		t.Errorf("expected root from environment, got %s", cfg.Root)
	}
	if cfg.Store.Dir != "/tmp/hermit-test/store" {
		t.Errorf("expected derived store dir, got %s", cfg.Store.Dir)
	}
	if cfg.Cache.DBPath != "/tmp/hermit-test/cache.db" {
		t.Errorf("expected derived db path, got %s", cfg.Cache.DBPath)
	}
	if cfg.Sandbox.Backend != sandbox.DefaultBackend() || cfg.Sandbox.Backend == sandbox.BackendProcess {
		t.Errorf("expected an isolating default backend, got %s", cfg.Sandbox.Backend)
	}
	if len(cfg.Policy.Settings.NoCacheExitCodes) == 0 {
		t.Error("expected default nocache exit codes")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "hermit.yaml", `
root: /srv/hermit
materialize:
  strategy: copy
  parallelism: 8
cache:
  max_concurrent: 4
exec:
  default_timeout: 90s
  limits:
    max_memory_bytes: 1073741824
sandbox:
  backend: namespace
  passthrough: [/usr, /lib]
policy:
  settings:
    allow_network: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Materialize.Strategy != "copy" || cfg.Materialize.Parallelism != 8 {
		t.Errorf("unexpected materialize section: %+v", cfg.Materialize)
	}
	if cfg.Materialize.Slots != 4 {
		t.Errorf("expected default slots kept, got %d", cfg.Materialize.Slots)
	}
	if cfg.Exec.DefaultTimeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", cfg.Exec.DefaultTimeout)
	}
	if cfg.Exec.Limits.MaxMemoryBytes != 1<<30 {
		t.Errorf("expected memory limit, got %d", cfg.Exec.Limits.MaxMemoryBytes)
	}
	if cfg.Materialize.Dir != "/srv/hermit/roots" {
		t.Errorf("expected dir derived from root, got %s", cfg.Materialize.Dir)
	}
	if !cfg.Policy.Settings.AllowNetwork {
		t.Error("expected allow_network")
	}
	if len(cfg.Policy.Settings.EnvDenylist) == 0 {
		t.Error("expected default env denylist kept")
	}
	if strings.Join(cfg.Policy.Settings.Passthrough, ",") != "/usr,/lib" {
		t.Errorf("expected policy passthrough from sandbox, got %v", cfg.Policy.Settings.Passthrough)
	}
}

func TestLoadCUE(t *testing.T) {
	path := writeConfig(t, "hermit.cue", `
root: "/srv/hermit"
_tools: ["/usr", "/opt/toolchain"]
sandbox: {
	backend:     "container"
	image:       "debian:bookworm"
	passthrough: _tools
}
policy: settings: {
	restrict_argv: true
	passthrough:   _tools
}
server: shutdown_timeout: "5s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sandbox.Backend != "container" || cfg.Sandbox.Image != "debian:bookworm" {
		t.Errorf("unexpected sandbox section: %+v", cfg.Sandbox)
	}
	if len(cfg.Sandbox.Passthrough) != 2 || cfg.Policy.Settings.Passthrough[1] != "/opt/toolchain" {
		t.Errorf("expected computed passthrough, got %v / %v", cfg.Sandbox.Passthrough, cfg.Policy.Settings.Passthrough)
	}
	if !cfg.Policy.Settings.RestrictArgv {
		t.Error("expected restrict_argv")
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected 5s shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "unknown key",
			file:    "c.yaml",
			content: "cache:\n  max_concurent: 3\n",
			want:    "max_concurent",
		},
		{
			name:    "bad strategy",
			file:    "c.yaml",
			content: "materialize:\n  strategy: symlink\n",
			want:    "strategy",
		},
		{
			name:    "bad duration",
			file:    "c.yaml",
			content: "exec:\n  default_timeout: soon\n",
			want:    "default_timeout",
		},
		{
			name:    "relative passthrough",
			file:    "c.cue",
			content: "sandbox: passthrough: [\"usr\"]\n",
			want:    "passthrough",
		},
		{
			name:    "container without image",
			file:    "c.yaml",
			content: "sandbox:\n  backend: container\n",
			want:    "Image",
		},
		{
			name:    "process without opt-in",
			file:    "c.yaml",
			content: "sandbox:\n  backend: process\n",
			want:    "allow_unisolated",
		},
		{
			name:    "watch without paths",
			file:    "c.yaml",
			content: "policy:\n  watch: true\n",
			want:    "policy.watch",
		},
		{
			name:    "wasi with open file limit",
			file:    "c.yaml",
			content: "sandbox:\n  backend: wasi\nexec:\n  limits:\n    max_open_files: 64\n",
			want:    "max_open_files",
		},
		{
			name:    "cue syntax error",
			file:    "c.cue",
			content: "root: \"x\n",
			want:    "c.cue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSchemaErrorsCarryLocation(t *testing.T) {
	path := writeConfig(t, "hermit.cue", "root: \"/x\"\ncache: max_concurrent: -1\n")

	_, err := Load(path)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	found := false
	for _, ve := range verrs {
		if ve.File == path && ve.Line == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error on line 2 of %s, got %+v", path, verrs)
	}
}
