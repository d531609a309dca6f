package sandbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/materialize"
	"github.com/openfroyo/hermit/pkg/transports/ssh"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string   `yaml:"backend" json:"backend" validate:"omitempty,oneof=process namespace wasi guest container"`
	ScratchDir  string   `yaml:"scratch_dir" json:"scratch_dir,omitempty"`
	Strategy    string   `yaml:"strategy" json:"strategy,omitempty" validate:"omitempty,oneof=auto hardlink reflink copy"`
	Passthrough []string `yaml:"passthrough" json:"passthrough,omitempty" validate:"dive,startswith=/"`

	// AllowUnisolated permits the process backend, which leaves the host
	// filesystem and network reachable.
	AllowUnisolated bool `yaml:"allow_unisolated" json:"allow_unisolated,omitempty"`

	// namespace
	Helper    string `yaml:"helper" json:"helper,omitempty"`
	WorkMount string `yaml:"work_mount" json:"work_mount,omitempty" validate:"omitempty,startswith=/"`
	Hostname  string `yaml:"hostname" json:"hostname,omitempty" validate:"omitempty,hostname"`

	// wasi
	WASMCacheDir string `yaml:"wasm_cache_dir" json:"wasm_cache_dir,omitempty"`
	RealClock    bool   `yaml:"real_clock" json:"real_clock,omitempty"`

	// guest
	Guest    *ssh.Config `yaml:"guest" json:"guest,omitempty" validate:"required_if=Backend guest"`
	GuestDir string      `yaml:"guest_dir" json:"guest_dir,omitempty"`
	// GuestOffline declares that the guest has no network route, so
	// commands are not wrapped in a network namespace.
	GuestOffline bool `yaml:"guest_offline" json:"guest_offline,omitempty"`

	// container
	Runtime   string   `yaml:"runtime" json:"runtime,omitempty"`
	Image     string   `yaml:"image" json:"image,omitempty" validate:"required_if=Backend container"`
	ExtraArgs []string `yaml:"extra_args" json:"extra_args,omitempty"`
}

// NewBackend builds the configured backend. The returned function releases
// what the backend holds open and must be called when it is no longer
// used.
func NewBackend(ctx context.Context, cfg Config, logger zerolog.Logger) (Backend, func(context.Context) error, error) {
	strategy, err := materialize.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, nil, err
	}
	noop := func(context.Context) error { return nil }

	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend()
	}
	switch cfg.Backend {
	case BackendProcess:
		if !cfg.AllowUnisolated {
			return nil, nil, fmt.Errorf("the process backend does not isolate actions; set allow_unisolated to use it")
		}
		return NewProcessBackend(ProcessOptions{ScratchDir: cfg.ScratchDir, Strategy: strategy}), noop, nil

	case BackendNamespace:
		b, err := NewNamespaceBackend(NamespaceOptions{
			Helper:      cfg.Helper,
			Passthrough: cfg.Passthrough,
			WorkMount:   cfg.WorkMount,
			Hostname:    cfg.Hostname,
			ScratchDir:  cfg.ScratchDir,
			Strategy:    strategy,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil

	case BackendWASI:
		b, err := NewWASIBackend(WASIOptions{
			CacheDir:    cfg.WASMCacheDir,
			Passthrough: cfg.Passthrough,
			RealClock:   cfg.RealClock,
			ScratchDir:  cfg.ScratchDir,
			Strategy:    strategy,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil

	case BackendGuest:
		if cfg.Guest == nil {
			return nil, nil, fmt.Errorf("guest backend requires guest connection settings")
		}
		client, err := ssh.NewClient(cfg.Guest)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to guest: %w", err)
		}
		b, err := NewGuestBackend(GuestOptions{
			Client:     client,
			RemoteDir:  cfg.GuestDir,
			ScratchDir: cfg.ScratchDir,
			Offline:    cfg.GuestOffline,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return b, func(context.Context) error { return client.Close() }, nil

	case BackendContainer:
		b, err := NewContainerBackend(ContainerOptions{
			Runtime:     cfg.Runtime,
			Image:       cfg.Image,
			Passthrough: cfg.Passthrough,
			WorkMount:   cfg.WorkMount,
			ExtraArgs:   cfg.ExtraArgs,
			ScratchDir:  cfg.ScratchDir,
			Strategy:    strategy,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
}
