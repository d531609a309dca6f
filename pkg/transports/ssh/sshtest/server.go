// Package sshtest runs an in-process SSH server for tests. Commands are
// executed with the local shell and the sftp subsystem serves the local
// filesystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	hssh "github.com/openfroyo/hermit/pkg/transports/ssh"
)

const (
	// User is the accepted login name.
	User = "testuser"

	// Password is the accepted password.
	Password = "testpass"
)

// Server is a minimal SSH server bound to 127.0.0.1.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &Server{listener: listener, config: config, done: make(chan struct{})}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host and port.
func (s *Server) Addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// ClientConfig returns a password-authenticated client configuration for
// this server.
func (s *Server) ClientConfig() *hssh.Config {
	host, port := s.Addr()
	cfg := hssh.DefaultConfig(host, User)
	cfg.Port = port
	cfg.Auth = hssh.AuthMethodPassword
	cfg.Password = Password
	cfg.StrictHostKeys = false
	cfg.DialTimeout = 5 * time.Second
	return cfg
}

// Close stops accepting connections.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleSession(channel, requests)
	}
}

func handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var (
		mu  sync.Mutex
		cmd *exec.Cmd
	)
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			c := exec.Command("sh", "-c", payload.Command)
			c.Stdin = ch
			c.Stdout = ch
			c.Stderr = ch.Stderr()
			if err := c.Start(); err != nil {
				sendExit(ch, 127)
				return
			}
			mu.Lock()
			cmd = c
			mu.Unlock()
			go func() {
				status := 0
				if err := c.Wait(); err != nil {
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) {
						status = exitErr.ExitCode()
						if status < 0 {
							status = 137
						}
					} else {
						status = 1
					}
				}
				sendExit(ch, status)
				ch.Close()
			}()

		case "signal":
			mu.Lock()
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			mu.Unlock()

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			go func() {
				_ = server.Serve()
				server.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
			}
		}
	}
}

func sendExit(ch ssh.Channel, status int) {
	payload := ssh.Marshal(struct{ Status uint32 }{uint32(status)})
	_, _ = ch.SendRequest("exit-status", false, payload)
}
