package config

import (
	"strconv"
	"time"

	"github.com/openfroyo/hermit/pkg/policy"
	"github.com/openfroyo/hermit/pkg/sandbox"
	"github.com/openfroyo/hermit/pkg/telemetry"
	"github.com/openfroyo/hermit/pkg/transports/ssh"
)

// ExecutorConfig is the complete executor configuration.
type ExecutorConfig struct {
	// Root is the base directory for every path left unset below.
	Root string `yaml:"root" json:"root" validate:"required"`

	Store       StoreConfig       `yaml:"store" json:"store"`
	Materialize MaterializeConfig `yaml:"materialize" json:"materialize"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Exec        ExecConfig        `yaml:"exec" json:"exec"`
	Sandbox     sandbox.Config    `yaml:"sandbox" json:"sandbox"`
	Policy      PolicyConfig      `yaml:"policy" json:"policy"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Telemetry   telemetry.Config  `yaml:"telemetry" json:"telemetry"`
}

// StoreConfig configures the content store.
type StoreConfig struct {
	// Dir holds the local disk store.
	Dir string `yaml:"dir" json:"dir"`

	// Remote, when set, puts the local store in front of a store on a
	// remote host reached over SSH.
	Remote *ssh.Config `yaml:"remote,omitempty" json:"remote,omitempty"`

	// RemoteDir is the store root on the remote host.
	RemoteDir string `yaml:"remote_dir" json:"remote_dir,omitempty" validate:"required_with=Remote"`
}

// MaterializeConfig configures the filesystem materializer.
type MaterializeConfig struct {
	Dir         string `yaml:"dir" json:"dir"`
	Strategy    string `yaml:"strategy" json:"strategy" validate:"omitempty,oneof=auto hardlink reflink copy"`
	Parallelism int    `yaml:"parallelism" json:"parallelism" validate:"min=0"`

	// Slots is the number of reusable writable roots.
	Slots int `yaml:"slots" json:"slots" validate:"min=0"`

	// GCMaxAge is how long an unreferenced shared realization is kept.
	GCMaxAge time.Duration `yaml:"gc_max_age" json:"gc_max_age"`

	// GCRetain is the number of most recent realizations GC never removes.
	GCRetain int `yaml:"gc_retain" json:"gc_retain" validate:"min=0"`
}

// CacheConfig configures the action cache.
type CacheConfig struct {
	// DBPath is the SQLite database holding cache entries and the
	// execution log.
	DBPath string `yaml:"db_path" json:"db_path"`

	// Persist stores entries in DBPath. When false the cache lives in
	// memory only.
	Persist bool `yaml:"persist" json:"persist"`

	// MaxConcurrent bounds concurrent executions. Zero is unbounded.
	MaxConcurrent int64 `yaml:"max_concurrent" json:"max_concurrent" validate:"min=0"`
}

// ExecConfig configures execution.
type ExecConfig struct {
	// DefaultTimeout applies to actions that set none. Zero means none.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	TeardownTimeout time.Duration `yaml:"teardown_timeout" json:"teardown_timeout"`

	// MaxCaptureBytes bounds the stored stdout and stderr of each action.
	MaxCaptureBytes int64 `yaml:"max_capture_bytes" json:"max_capture_bytes" validate:"min=0"`

	TailBytes int `yaml:"tail_bytes" json:"tail_bytes" validate:"min=0"`

	// Workers bounds how many submitted actions a batch runs at once.
	Workers int `yaml:"workers" json:"workers" validate:"min=0"`

	// Limits are applied to every action.
	Limits sandbox.Limits `yaml:"limits" json:"limits"`
}

// PolicyConfig configures admission and caching policies.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths lists policy files and directories.
	Paths []string `yaml:"paths" json:"paths,omitempty"`

	// Watch reloads Paths when they change.
	Watch bool `yaml:"watch" json:"watch"`

	// Settings are published to policies as data.hermit.config.
	Settings policy.Settings `yaml:"settings" json:"settings"`
}

// ServerConfig configures `hermit serve`.
type ServerConfig struct {
	Listen          string        `yaml:"listen" json:"listen" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path of the error (e.g., "cache.max_concurrent").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// ValidationErrors is returned when a configuration file does not match
// the schema.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "invalid configuration"
	}
	msg := v[0].String()
	if len(v) > 1 {
		msg += " (and more errors)"
	}
	return msg
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		if loc == "" {
			loc = "line"
		}
		loc += ":" + strconv.Itoa(e.Line)
		if e.Column > 0 {
			loc += ":" + strconv.Itoa(e.Column)
		}
	}
	switch {
	case loc != "" && e.Path != "":
		return loc + ": " + e.Path + ": " + e.Message
	case loc != "":
		return loc + ": " + e.Message
	case e.Path != "":
		return e.Path + ": " + e.Message
	}
	return e.Message
}
