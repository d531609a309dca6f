package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RemoteError is an ERROR message received from the helper.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client drives one helper process over its stdin and stdout.
type Client struct {
	encoder *Encoder
	decoder *Decoder
	stdin   io.WriteCloser
	ready   *ReadyMessage
	mu      sync.Mutex
	closed  bool
}

// NewClient wraps the helper's stdin and stdout.
func NewClient(stdin io.WriteCloser, stdout io.Reader) *Client {
	return &Client{
		encoder: NewEncoder(stdin),
		decoder: NewDecoder(stdout),
		stdin:   stdin,
	}
}

// WaitReady blocks until the helper announces READY or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) (*ReadyMessage, error) {
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	readyCh := make(chan *ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		switch msg.Type {
		case MessageTypeReady:
		case MessageTypeError:
			errCh <- parseRemoteError(msg.Data)
			return
		default:
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready ReadyMessage
		if err := ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		return nil, fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.mu.Lock()
		c.ready = ready
		c.mu.Unlock()
		return ready, nil
	}
}

// Run sends a run command and waits for its outcome. Events are passed to
// onEvent when it is non-nil. Run returns when ctx is done even if the
// helper has not answered; the caller is expected to kill the helper.
func (c *Client) Run(ctx context.Context, params *RunParams, onEvent func(*EventMessage)) (*RunResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.mu.Unlock()

	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run params: %w", err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run params: %w", err)
	}
	cmd := &CommandMessage{ID: uuid.NewString(), Type: CommandTypeRun, Params: raw}

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	type outcome struct {
		res *RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.await(cmd.ID, onEvent)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.res, o.err
	}
}

func (c *Client) await(id string, onEvent func(*EventMessage)) (*RunResult, error) {
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case MessageTypeEvent:
			var event EventMessage
			if err := ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if onEvent != nil {
				onEvent(&event)
			}

		case MessageTypeDone:
			var done DoneMessage
			if err := ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != id {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", id, done.CommandID)
			}
			var res RunResult
			if err := ParseParams(done.Result, &res); err != nil {
				return nil, fmt.Errorf("failed to parse run result: %w", err)
			}
			return &res, nil

		case MessageTypeError:
			return nil, parseRemoteError(msg.Data)

		case MessageTypeExit:
			return nil, fmt.Errorf("helper exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

func parseRemoteError(data json.RawMessage) error {
	var errMsg ErrorMessage
	if err := ParseParams(data, &errMsg); err != nil {
		return fmt.Errorf("failed to parse error: %w", err)
	}
	return &RemoteError{Code: errMsg.Code, Message: errMsg.Message}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes the helper's stdin, asking it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.stdin.Close()
}
