package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Config describes a connection to a remote store host or guest machine.
type Config struct {
	Host string     `yaml:"host" json:"host" validate:"required"`
	Port int        `yaml:"port" json:"port" validate:"min=1,max=65535"`
	User string     `yaml:"user" json:"user" validate:"required"`
	Auth AuthMethod `yaml:"auth_method" json:"auth_method" validate:"omitempty,oneof=password key"`

	Password      string `yaml:"password,omitempty" json:"-"`
	KeyPath       string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
	KeyPassphrase string `yaml:"private_key_passphrase,omitempty" json:"-"`

	// KnownHosts is consulted only when StrictHostKeys is set; otherwise
	// any host key is accepted.
	KnownHosts     string `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`
	StrictHostKeys bool   `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	DialTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	// KeepAlive of zero disables keep-alive probes. After KeepAliveMisses
	// unanswered probes the connection is considered dead.
	KeepAlive       time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval"`
	KeepAliveMisses int           `yaml:"max_keep_alive_retries" json:"max_keep_alive_retries"`
}

// DefaultKeyNames are tried under ~/.ssh, in order, when key
// authentication is selected without a key path.
var DefaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// DefaultConfig returns key authentication against host:22 with strict
// host key checking.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:            host,
		Port:            22,
		User:            user,
		Auth:            AuthMethodKey,
		KnownHosts:      filepath.Join(homeDir(), ".ssh", "known_hosts"),
		StrictHostKeys:  true,
		DialTimeout:     30 * time.Second,
		KeepAliveMisses: 3,
	}
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.Getenv("HOME")
}

// Validate checks the configuration. With key authentication and no
// KeyPath it fills KeyPath from the first default key that exists.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.User == "":
		return errors.New("user is required")
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.DialTimeout <= 0:
		return errors.New("connection timeout must be positive")
	}

	switch c.Auth {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password authentication needs a password")
		}
	case AuthMethodKey:
		if c.KeyPath == "" {
			c.KeyPath = findDefaultKey()
		}
		if c.KeyPath == "" {
			return errors.New("key authentication needs private_key_path and no default key was found")
		}
		if _, err := os.Stat(c.KeyPath); err != nil {
			return fmt.Errorf("private key %s: %w", c.KeyPath, err)
		}
	default:
		return fmt.Errorf("unsupported auth method %q", c.Auth)
	}
	return nil
}

func findDefaultKey() string {
	dir := filepath.Join(homeDir(), ".ssh")
	for _, name := range DefaultKeyNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ClientConfig builds the x/crypto client configuration.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.DialTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.Auth == AuthMethodPassword {
		// Some servers only offer keyboard-interactive; answer every
		// prompt with the password.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			out := make([]string, len(questions))
			for i := range out {
				out[i] = c.Password
			}
			return out, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil
	}

	pem, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if c.KeyPassphrase == "" {
		signer, err = ssh.ParsePrivateKey(pem)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.KeyPassphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", c.KeyPath, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeys || c.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
