package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is a single multiplexed SSH connection with a lazily opened SFTP
// session. It is safe for concurrent use.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

// NewClient creates a client. Call Connect before use.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: log.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. Dialing honors ctx.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.ClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		// A late successful dial must not leak.
		go func() {
			select {
			case client := <-connChan:
				_ = client.Close()
			case <-errChan:
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return &TransportError{Op: "connect", Err: err, IsTemporary: true, IsAuthError: isAuthFailure(err)}
	case client := <-connChan:
		c.client = client
		c.connectedAt = time.Now()
		if c.config.KeepAlive > 0 {
			c.stopKeep = make(chan struct{})
			go c.keepAlive(client, c.stopKeep)
		}
		c.logger.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// Close releases the connection and the SFTP session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the client holds a connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.KeepAliveMisses {
				c.logger.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return c.client, nil
}

// SFTP returns the shared SFTP session, opening it on first use.
func (c *Client) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "sftp", Err: errors.New("not connected")}
	}
	if c.sftp != nil {
		return c.sftp, nil
	}
	s, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	c.sftp = s
	return s, nil
}

// RunRequest describes one remote command.
type RunRequest struct {
	// Command is passed verbatim to the remote shell.
	Command string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes a command in a new session and returns its exit status. A
// non-zero exit is not an error. When ctx is done the remote process is
// sent SIGTERM, then SIGKILL, and ctx.Err() is returned.
func (c *Client) Run(ctx context.Context, req RunRequest) (int, error) {
	client, err := c.sshClient()
	if err != nil {
		return -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, &TransportError{Op: "run", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	session.Stdin = req.Stdin
	session.Stdout = req.Stdout
	session.Stderr = req.Stderr
	if session.Stdout == nil {
		session.Stdout = io.Discard
	}
	if session.Stderr == nil {
		session.Stderr = io.Discard
	}

	startTime := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(req.Command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-doneChan:
		case <-time.After(100 * time.Millisecond):
			_ = session.Signal(ssh.SIGKILL)
		}
		return -1, ctx.Err()
	case runErr = <-doneChan:
	}

	c.logger.Debug().
		Str("command", req.Command).
		Dur("duration", time.Since(startTime)).
		Err(runErr).
		Msg("remote command completed")

	if runErr == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		if exitErr.Signal() != "" {
			return 128 + signalNumber(exitErr.Signal()), nil
		}
		return exitErr.ExitStatus(), nil
	}
	return -1, &TransportError{Op: "run", Err: runErr, IsTemporary: true}
}

func signalNumber(sig string) int {
	switch ssh.Signal(sig) {
	case ssh.SIGHUP:
		return 1
	case ssh.SIGINT:
		return 2
	case ssh.SIGKILL:
		return 9
	case ssh.SIGSEGV:
		return 11
	case ssh.SIGTERM:
		return 15
	}
	return 0
}

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteArgs quotes and joins argv.
func QuoteArgs(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
