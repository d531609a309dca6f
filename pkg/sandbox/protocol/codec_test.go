package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  "1.0.0",
				Platform: "linux",
				Arch:     "amd64",
				PID:      1,
				Caps:     map[string]bool{"run": true},
			},
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data:    &EventMessage{CommandID: "cmd-1", Level: "debug", Message: "mounted /work"},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{CommandID: "cmd-1", Result: json.RawMessage(`{"exit_code":0}`), Duration: 0.5},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{CommandID: "cmd-1", Code: CodeSetupFailed, Message: "pivot_root: permission denied"},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "completed"},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if !strings.HasSuffix(buf.String(), "\n") {
				t.Error("expected message to end with a newline")
			}
			var msg Message
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("expected type %v, got %v", tt.msgType, msg.Type)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2026-01-01T00:00:00Z","data":{"version":"1.0.0","platform":"linux","arch":"amd64","pid":1,"capabilities":{"run":true}}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode command message",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"cmd-1","type":"run","params":{"argv":["true"]}}}`,
			msgType: MessageTypeCommand,
		},
		{
			name:    "unknown message type",
			input:   `{"type":"HELLO","timestamp":"2026-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("expected type %v, got %v", tt.msgType, msg.Type)
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid run command",
			input: `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"cmd-1","type":"run","params":{"argv":["true"]}}}`,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2026-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing command id",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"type":"run","params":{}}}`,
			wantErr: true,
		},
		{
			name:    "unknown command type",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"cmd-1","type":"exec","params":{}}}`,
			wantErr: true,
		},
		{
			name:    "missing params",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"cmd-1","type":"run"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			cmd, err := dec.DecodeCommand()
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cmd.Type != CommandTypeRun {
				t.Errorf("expected command type %v, got %v", CommandTypeRun, cmd.Type)
			}
		})
	}
}

func TestRunParamsValidate(t *testing.T) {
	valid := func() RunParams {
		return RunParams{Rootfs: "/tmp/r", Work: "/tmp/w", WorkMount: "/work", Argv: []string{"cc"}}
	}

	tests := []struct {
		name    string
		mutate  func(*RunParams)
		wantErr bool
	}{
		{name: "valid", mutate: func(*RunParams) {}},
		{name: "missing rootfs", mutate: func(p *RunParams) { p.Rootfs = "" }, wantErr: true},
		{name: "missing work", mutate: func(p *RunParams) { p.Work = "" }, wantErr: true},
		{name: "relative work mount", mutate: func(p *RunParams) { p.WorkMount = "work" }, wantErr: true},
		{name: "root work mount", mutate: func(p *RunParams) { p.WorkMount = "/" }, wantErr: true},
		{name: "empty argv", mutate: func(p *RunParams) { p.Argv = nil }, wantErr: true},
		{
			name:    "relative mount target",
			mutate:  func(p *RunParams) { p.Mounts = []Mount{{Source: "/usr", Target: "usr"}} },
			wantErr: true,
		},
		{
			name:   "read-only mount",
			mutate: func(p *RunParams) { p.Mounts = []Mount{{Source: "/usr", Target: "/usr", ReadOnly: true}} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
