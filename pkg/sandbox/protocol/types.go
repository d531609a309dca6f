// Package protocol defines the JSON-over-stdio protocol spoken between the
// namespace backend and the hermit-sandbox init helper.
//
// The helper writes READY, reads one CMD, may stream EVENT messages while
// it sets up the sandbox, then answers with DONE or ERROR and finally EXIT.
// Every message is one JSON object per line.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType tags each line on the wire.
type MessageType string

const (
	MessageTypeReady   MessageType = "READY" // helper -> executor, once
	MessageTypeCommand MessageType = "CMD"   // executor -> helper, once
	MessageTypeEvent   MessageType = "EVENT"
	MessageTypeDone    MessageType = "DONE"
	MessageTypeError   MessageType = "ERROR"
	MessageTypeExit    MessageType = "EXIT"
)

// CommandType names what a CMD asks for. The helper only knows run.
type CommandType string

const CommandTypeRun CommandType = "run"

// Error codes reported in ErrorMessage.Code.
const (
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeSetupFailed    = "SETUP_FAILED"
	CodeStartFailed    = "START_FAILED"
)

// Message is the envelope of every line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces the helper and its capabilities.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage asks the helper to do one thing. Params depend on Type.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage reports setup progress.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates the action ran. A non-zero exit is still DONE.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates the sandbox failed before or while starting the
// action.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// ExitMessage is the last line the helper writes.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// Mount is a host path made visible inside the sandbox.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Limits are applied to the action process with setrlimit. Zero means
// unlimited.
type Limits struct {
	MaxMemoryBytes uint64 `json:"max_memory_bytes,omitempty"`
	MaxCPUSeconds  uint64 `json:"max_cpu_seconds,omitempty"`
	MaxOpenFiles   uint64 `json:"max_open_files,omitempty"`
}

// RunParams describes one sandboxed action.
type RunParams struct {
	// Rootfs is an empty host directory the helper turns into the new root.
	Rootfs string `json:"rootfs"`

	// Work is the action root on the host, mounted writable at WorkMount.
	Work      string `json:"work"`
	WorkMount string `json:"work_mount"`

	// WorkDir is relative to WorkMount.
	WorkDir string `json:"work_dir,omitempty"`

	Argv     []string `json:"argv"`
	Env      []string `json:"env,omitempty"`
	Mounts   []Mount  `json:"mounts,omitempty"`
	Network  bool     `json:"network"`
	Hostname string   `json:"hostname,omitempty"`
	Limits   Limits   `json:"limits"`
}

// Usage is the resource usage of the action process.
type Usage struct {
	UserSeconds   float64 `json:"user_seconds"`
	SystemSeconds float64 `json:"system_seconds"`
	MaxRSSBytes   int64   `json:"max_rss_bytes"`
}

// RunResult is the DONE payload of a run command.
type RunResult struct {
	ExitCode int     `json:"exit_code"`
	Signal   string  `json:"signal,omitempty"`
	Usage    Usage   `json:"usage"`
	Duration float64 `json:"duration"`
}

// Validate rejects types outside the protocol.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	}
	return fmt.Errorf("unknown message type %q", string(mt))
}

// Validate rejects command types the helper cannot run.
func (ct CommandType) Validate() error {
	if ct != CommandTypeRun {
		return fmt.Errorf("unknown command type %q", string(ct))
	}
	return nil
}

// Validate requires an ID, a known type and a payload.
func (cmd *CommandMessage) Validate() error {
	switch {
	case cmd.ID == "":
		return errors.New("command has no id")
	case len(cmd.Params) == 0:
		return fmt.Errorf("command %s has no params", cmd.ID)
	}
	return cmd.Type.Validate()
}

// Validate checks the parameters the helper relies on before it touches
// any mount.
func (p *RunParams) Validate() error {
	switch {
	case p.Rootfs == "":
		return errors.New("rootfs is required")
	case p.Work == "":
		return errors.New("work directory is required")
	case !isAbsBelowRoot(p.WorkMount):
		return fmt.Errorf("work mount %q must be absolute and not /", p.WorkMount)
	case len(p.Argv) == 0 || p.Argv[0] == "":
		return errors.New("argv is required")
	}
	for _, m := range p.Mounts {
		if m.Source == "" || !strings.HasPrefix(m.Target, "/") {
			return fmt.Errorf("bad mount %q -> %q", m.Source, m.Target)
		}
	}
	return nil
}

func isAbsBelowRoot(p string) bool {
	return len(p) > 1 && p[0] == '/'
}

var eventLevels = map[string]bool{"debug": true, "info": true, "warn": true}

// Validate requires a command ID and a known level, defaulting the level
// to info.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return errors.New("event has no command id")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	if !eventLevels[evt.Level] {
		return fmt.Errorf("unknown event level %q", evt.Level)
	}
	return nil
}
