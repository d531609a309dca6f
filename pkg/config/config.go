package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/hermit/pkg/policy"
	"github.com/openfroyo/hermit/pkg/sandbox"
	"github.com/openfroyo/hermit/pkg/telemetry"
	"github.com/openfroyo/hermit/pkg/transports/ssh"
)

// EnvRoot overrides the default root directory.
const EnvRoot = "HERMIT_ROOT"

// DefaultRoot returns $HERMIT_ROOT, or hermit under the user cache
// directory.
func DefaultRoot() string {
	if root := os.Getenv(EnvRoot); root != "" {
		return root
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "hermit")
	}
	return filepath.Join(os.TempDir(), "hermit")
}

// DefaultExecutorConfig returns the configuration used when no file is
// given.
func DefaultExecutorConfig() *ExecutorConfig {
	tel := telemetry.DefaultConfig()

	return &ExecutorConfig{
		Root: DefaultRoot(),
		Materialize: MaterializeConfig{
			Strategy: "auto",
			Slots:    4,
			GCMaxAge: 24 * time.Hour,
			GCRetain: 16,
		},
		Cache: CacheConfig{
			Persist: true,
		},
		Exec: ExecConfig{
			TeardownTimeout: 30 * time.Second,
			MaxCaptureBytes: 4 << 20,
			TailBytes:       4 << 10,
		},
		Sandbox: sandbox.Config{
			Backend:     sandbox.DefaultBackend(),
			Strategy:    "auto",
			Passthrough: []string{},
		},
		Policy: PolicyConfig{
			Enabled:  true,
			Settings: policy.DefaultSettings(),
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:7480",
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: *tel,
	}
}

// ApplyDefaults fills every unset directory from Root and completes SSH
// sections.
func (c *ExecutorConfig) ApplyDefaults() {
	if c.Root == "" {
		c.Root = DefaultRoot()
	}
	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(c.Root, "store")
	}
	if c.Materialize.Dir == "" {
		c.Materialize.Dir = filepath.Join(c.Root, "roots")
	}
	if c.Cache.DBPath == "" {
		c.Cache.DBPath = filepath.Join(c.Root, "cache.db")
	}
	if c.Sandbox.ScratchDir == "" {
		c.Sandbox.ScratchDir = filepath.Join(c.Root, "scratch")
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = sandbox.DefaultBackend()
	}
	if c.Sandbox.Strategy == "" {
		c.Sandbox.Strategy = c.Materialize.Strategy
	}
	if c.Sandbox.Backend == sandbox.BackendWASI && c.Sandbox.WASMCacheDir == "" {
		c.Sandbox.WASMCacheDir = filepath.Join(c.Root, "wasm")
	}
	if c.Policy.Settings.Passthrough == nil {
		c.Policy.Settings.Passthrough = c.Sandbox.Passthrough
	}
	c.sshDefaults(c.Store.Remote)
	c.sshDefaults(c.Sandbox.Guest)
}

// KeyPath is where init writes the executor's own SSH identity.
func (c *ExecutorConfig) KeyPath() string {
	return filepath.Join(c.Root, "keys", "id_ed25519")
}

// sshDefaults completes a partially written connection section. Key
// authentication without a key path uses the executor's identity when
// init has created one.
func (c *ExecutorConfig) sshDefaults(sc *ssh.Config) {
	if sc == nil {
		return
	}
	def := ssh.DefaultConfig(sc.Host, sc.User)
	if sc.Port == 0 {
		sc.Port = def.Port
	}
	if sc.Auth == "" {
		sc.Auth = def.Auth
	}
	if sc.DialTimeout == 0 {
		sc.DialTimeout = def.DialTimeout
	}
	if sc.KeepAliveMisses == 0 {
		sc.KeepAliveMisses = def.KeepAliveMisses
	}
	if sc.Auth == ssh.AuthMethodKey && sc.KeyPath == "" {
		if _, err := os.Stat(c.KeyPath()); err == nil {
			sc.KeyPath = c.KeyPath()
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the relationships between
// sections.
func (c *ExecutorConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid configuration: %s failed %q", fieldPath(fe.Namespace()), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	for _, p := range c.Sandbox.Passthrough {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("passthrough path %s must be absolute", p)
		}
	}
	if c.Sandbox.Backend == sandbox.BackendProcess && !c.Sandbox.AllowUnisolated {
		return fmt.Errorf("sandbox.backend process does not isolate actions and requires sandbox.allow_unisolated")
	}
	if c.Sandbox.Backend == sandbox.BackendWASI && c.Exec.Limits.MaxOpenFiles > 0 {
		return fmt.Errorf("the wasi backend cannot enforce exec.limits.max_open_files")
	}
	if c.Policy.Watch && len(c.Policy.Paths) == 0 {
		return fmt.Errorf("policy.watch requires policy.paths")
	}
	if c.Exec.DefaultTimeout < 0 || c.Exec.TeardownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// fieldPath turns "ExecutorConfig.Cache.MaxConcurrent" into
// "Cache.MaxConcurrent".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
