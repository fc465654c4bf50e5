package ssh

import (
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vmpool/vmpool/pkg/config"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Config holds the connection settings of the runner host.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod     AuthMethod
	Password       string
	PrivateKeyPath string

	// KnownHostsPath is the known_hosts file used to verify the host key.
	// When empty the host key is not verified.
	KnownHostsPath string

	// RemoteRoot is the directory on the host that holds one workspace per request.
	RemoteRoot string

	ConnectionTimeout time.Duration

	Logger zerolog.Logger
}

// FromHostConfig builds a transport config from the runner host section.
func FromHostConfig(hc *config.HostConfig, logger zerolog.Logger) *Config {
	cfg := &Config{
		Host:              hc.Address,
		Port:              hc.Port,
		User:              hc.User,
		Password:          hc.Password,
		PrivateKeyPath:    hc.KeyPath,
		KnownHostsPath:    hc.KnownHostsPath,
		RemoteRoot:        hc.RemoteRoot,
		ConnectionTimeout: hc.ConnectTimeout,
		Logger:            logger,
	}
	cfg.AuthMethod = AuthMethodKey
	if hc.KeyPath == "" && hc.Password != "" {
		cfg.AuthMethod = AuthMethodPassword
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.RemoteRoot == "" || !path.IsAbs(c.RemoteRoot) {
		return fmt.Errorf("remote root must be an absolute path, got %q", c.RemoteRoot)
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for passwords.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RemoteDir returns the workspace directory of a request on the host.
func (c *Config) RemoteDir(requestID string) string {
	return path.Join(c.RemoteRoot, requestID)
}
