package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/hermit/pkg/sandbox"
	"github.com/openfroyo/hermit/pkg/transports/ssh"
)

func TestApplyDefaultsDirectories(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.Root = "/var/hermit"
	cfg.ApplyDefaults()

	want := map[string]string{
		"store":   "/var/hermit/store",
		"roots":   "/var/hermit/roots",
		"db":      "/var/hermit/cache.db",
		"scratch": "/var/hermit/scratch",
	}
	got := map[string]string{
		"store":   cfg.Store.Dir,
		"roots":   cfg.Materialize.Dir,
		"db":      cfg.Cache.DBPath,
		"scratch": cfg.Sandbox.ScratchDir,
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("%s = %q, want %q", k, got[k], w)
		}
	}
}

func TestApplyDefaultsSSH(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultExecutorConfig()
	cfg.Root = root
	cfg.Store.Remote = &ssh.Config{Host: "store.internal", User: "hermit"}
	cfg.Sandbox.Guest = &ssh.Config{Host: "vm", User: "build", Port: 2222, Auth: ssh.AuthMethodPassword}

	// No identity yet: the key path stays empty.
	cfg.ApplyDefaults()
	if cfg.Store.Remote.Port != 22 || cfg.Store.Remote.Auth != ssh.AuthMethodKey {
		t.Errorf("remote = %+v", cfg.Store.Remote)
	}
	if cfg.Store.Remote.DialTimeout != 30*time.Second {
		t.Errorf("dial timeout = %v", cfg.Store.Remote.DialTimeout)
	}
	if cfg.Store.Remote.KeyPath != "" {
		t.Errorf("key path = %q before init", cfg.Store.Remote.KeyPath)
	}

	if err := os.MkdirAll(filepath.Join(root, "keys"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.KeyPath(), []byte("key"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.ApplyDefaults()
	if cfg.Store.Remote.KeyPath != cfg.KeyPath() {
		t.Errorf("key path = %q, want %q", cfg.Store.Remote.KeyPath, cfg.KeyPath())
	}
	if cfg.Sandbox.Guest.Port != 2222 || cfg.Sandbox.Guest.KeyPath != "" {
		t.Errorf("guest = %+v", cfg.Sandbox.Guest)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ExecutorConfig)
	}{
		{"relative passthrough", func(c *ExecutorConfig) { c.Sandbox.Passthrough = []string{"usr/bin"} }},
		{"wasi open files", func(c *ExecutorConfig) {
			c.Sandbox.Backend = sandbox.BackendWASI
			c.Exec.Limits.MaxOpenFiles = 64
		}},
		{"watch without paths", func(c *ExecutorConfig) { c.Policy.Watch = true }},
		{"unisolated process", func(c *ExecutorConfig) { c.Sandbox.Backend = sandbox.BackendProcess }},
		{"negative timeout", func(c *ExecutorConfig) { c.Exec.DefaultTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultExecutorConfig()
			cfg.Root = t.TempDir()
			tt.mutate(cfg)
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
