package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLine bounds one message. A CMD carries the whole argv and env.
const maxLine = 10 << 20

// Encoder writes one message per line. Writes are serialized, so helper
// events and the final reply may come from different goroutines.
type Encoder struct {
	mu  sync.Mutex
	out io.Writer
	buf bytes.Buffer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{out: w}
}

// Encode frames data as a message of type t and writes it with a single
// Write call.
func (e *Encoder) Encode(t MessageType, data any) error {
	if err := t.Validate(); err != nil {
		return err
	}
	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Data = raw
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Reset()
	// json.Encoder terminates each value with '\n', which is the frame
	// delimiter.
	if err := json.NewEncoder(&e.buf).Encode(&msg); err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	if _, err := e.out.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

func (e *Encoder) EncodeReady(m *ReadyMessage) error { return e.Encode(MessageTypeReady, m) }
func (e *Encoder) EncodeDone(m *DoneMessage) error   { return e.Encode(MessageTypeDone, m) }
func (e *Encoder) EncodeError(m *ErrorMessage) error { return e.Encode(MessageTypeError, m) }
func (e *Encoder) EncodeExit(m *ExitMessage) error   { return e.Encode(MessageTypeExit, m) }

// EncodeCommand validates and sends a CMD.
func (e *Encoder) EncodeCommand(m *CommandMessage) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to send command: %w", err)
	}
	return e.Encode(MessageTypeCommand, m)
}

// EncodeEvent validates and sends an EVENT. An empty level becomes info.
func (e *Encoder) EncodeEvent(m *EventMessage) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to send event: %w", err)
	}
	return e.Encode(MessageTypeEvent, m)
}

// Decoder reads messages written by an Encoder.
type Decoder struct {
	lines *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Decoder{lines: s}
}

// Decode returns the next message. It returns io.EOF when the peer closed
// the stream between messages.
func (d *Decoder) Decode() (*Message, error) {
	if !d.lines.Scan() {
		if err := d.lines.Err(); err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		return nil, io.EOF
	}
	line := d.lines.Bytes()
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, errors.New("read message: blank line")
	}

	msg := new(Message)
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeCommand reads the next message and requires it to be a valid CMD.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected %s, got %s", MessageTypeCommand, msg.Type)
	}
	cmd := new(CommandMessage)
	if err := ParseParams(msg.Data, cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ParseParams decodes a message payload into target.
func ParseParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode payload into %T: %w", target, err)
	}
	return nil
}
