package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/vmpool/vmpool/pkg/config"
)

// testSSHServer is a minimal SSH server with scripted exec replies and a
// real SFTP subsystem rooted on the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &testSSHServer{
		listener: listener,
		config:   cfg,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
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

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(channel ssh.Channel, code uint32) {
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

			command := payload.Command
			if i := strings.Index(command, " && "); i >= 0 {
				_, _ = channel.Stderr().Write([]byte(command[:i] + "\n"))
				command = command[i+4:]
			}
			switch {
			case command == "echo test":
				_, _ = channel.Write([]byte("test\n"))
				exitStatus(channel, 0)
			case strings.HasPrefix(command, "exit "):
				code, _ := strconv.Atoi(strings.TrimPrefix(command, "exit "))
				exitStatus(channel, uint32(code))
			case command == "sleep":
				continue
			default:
				_, _ = channel.Write([]byte("command: " + command + "\n"))
				exitStatus(channel, 0)
			}
			return

		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) port(t *testing.T) int {
	_, p, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}
	return sshPub, signer, nil
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(privKey, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func newTestClient(t *testing.T, server *testSSHServer, remoteRoot string) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		Host:              "127.0.0.1",
		Port:              server.port(t),
		User:              "testuser",
		AuthMethod:        AuthMethodPassword,
		Password:          "testpass",
		RemoteRoot:        remoteRoot,
		ConnectionTimeout: 5 * time.Second,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	valid := func() *Config {
		return &Config{
			Host:              "runner.example.com",
			Port:              22,
			User:              "terraform",
			AuthMethod:        AuthMethodKey,
			PrivateKeyPath:    keyPath,
			RemoteRoot:        "/srv/vmpool",
			ConnectionTimeout: time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }, wantErr: "host is required"},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "missing user", mutate: func(c *Config) { c.User = "" }, wantErr: "user is required"},
		{name: "relative root", mutate: func(c *Config) { c.RemoteRoot = "srv" }, wantErr: "absolute path"},
		{name: "missing key", mutate: func(c *Config) { c.PrivateKeyPath = "/nonexistent" }, wantErr: "private key file not found"},
		{
			name:    "password without password",
			mutate:  func(c *Config) { c.AuthMethod = AuthMethodPassword },
			wantErr: "password is required",
		},
		{name: "unknown auth", mutate: func(c *Config) { c.AuthMethod = "agent" }, wantErr: "unsupported auth method"},
		{name: "zero timeout", mutate: func(c *Config) { c.ConnectionTimeout = 0 }, wantErr: "connection timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFromHostConfig(t *testing.T) {
	cfg := FromHostConfig(&config.HostConfig{
		Address:    "10.0.0.5",
		User:       "tf",
		Password:   "secret",
		RemoteRoot: "/srv/vmpool",
	}, zerolog.Nop())

	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, AuthMethodPassword, cfg.AuthMethod)
	assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, "10.0.0.5:22", cfg.Address())
	assert.Equal(t, "/srv/vmpool/req-1", cfg.RemoteDir("req-1"))

	cfg = FromHostConfig(&config.HostConfig{Address: "h", User: "u", KeyPath: "/k", Port: 2222}, zerolog.Nop())
	assert.Equal(t, AuthMethodKey, cfg.AuthMethod)
	assert.Equal(t, 2222, cfg.Port)
}

func TestBuildSSHClientConfigKey(t *testing.T) {
	cfg := &Config{User: "tf", AuthMethod: AuthMethodKey, PrivateKeyPath: writeTestKey(t), ConnectionTimeout: time.Second}
	clientConfig, err := cfg.BuildSSHClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "tf", clientConfig.User)
	assert.Len(t, clientConfig.Auth, 1)

	cfg.KnownHostsPath = "/nonexistent/known_hosts"
	_, err = cfg.BuildSSHClientConfig()
	assert.ErrorContains(t, err, "known_hosts")
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server, "/srv/vmpool")
	ctx := context.Background()

	res, err := client.Run(ctx, "/srv/vmpool/req-1", "echo test")
	require.NoError(t, err)
	assert.Equal(t, "test\n", res.Stdout)
	assert.Equal(t, "cd '/srv/vmpool/req-1'\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)

	res, err = client.Run(ctx, "", "exit 2")
	require.NoError(t, err, "a non-zero exit is reported in the result")
	assert.Equal(t, 2, res.ExitCode)

	// The connection is reused across commands.
	res, err = client.Run(ctx, "", "terraform version")
	require.NoError(t, err)
	assert.Equal(t, "command: terraform version\n", res.Stdout)
}

func TestClientRunContextCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server, "/srv/vmpool")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := client.Run(ctx, "", "sleep")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitCode)
}

func TestClientAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	client, err := NewClient(&Config{
		Host:              "127.0.0.1",
		Port:              server.port(t),
		User:              "testuser",
		AuthMethod:        AuthMethodPassword,
		Password:          "wrong",
		RemoteRoot:        "/srv",
		ConnectionTimeout: 5 * time.Second,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)

	err = client.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.IsAuthError)
	assert.False(t, terr.Temporary())
}

func TestClientConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	client, err := NewClient(&Config{
		Host:              "127.0.0.1",
		Port:              port,
		User:              "u",
		AuthMethod:        AuthMethodPassword,
		Password:          "p",
		RemoteRoot:        "/srv",
		ConnectionTimeout: time.Second,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = client.Run(context.Background(), "", "true")
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "connect", terr.Op)
	assert.True(t, terr.Temporary())
}

func TestClientUpload(t *testing.T) {
	server := newTestSSHServer(t)
	remoteRoot := t.TempDir()
	client := newTestClient(t, server, remoteRoot)

	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "terraform.tfvars"), []byte("quantity = 2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "main.tf"), []byte("module \"vm_pool\" {}\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(local, ".vmpool"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, ".vmpool", "sealed"), []byte("abc"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(local, ".terraform", "providers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, ".terraform", "providers", "big"), []byte("x"), 0o644))

	require.NoError(t, client.Upload(context.Background(), local, "req-1"))

	got, err := os.ReadFile(filepath.Join(remoteRoot, "req-1", "terraform.tfvars"))
	require.NoError(t, err)
	assert.Equal(t, "quantity = 2\n", string(got))
	assert.FileExists(t, filepath.Join(remoteRoot, "req-1", "main.tf"))
	assert.FileExists(t, filepath.Join(remoteRoot, "req-1", ".vmpool", "sealed"))
	assert.NoDirExists(t, filepath.Join(remoteRoot, "req-1", ".terraform"))

	// A second upload overwrites shorter content completely.
	require.NoError(t, os.WriteFile(filepath.Join(local, "terraform.tfvars"), []byte("q = 1\n"), 0o644))
	require.NoError(t, client.Upload(context.Background(), local, "req-1"))
	got, err = os.ReadFile(filepath.Join(remoteRoot, "req-1", "terraform.tfvars"))
	require.NoError(t, err)
	assert.Equal(t, "q = 1\n", string(got))
}

func TestClientUploadRejectsBadRequestID(t *testing.T) {
	server := newTestSSHServer(t)
	client := newTestClient(t, server, t.TempDir())

	for _, id := range []string{"", "..", "a/b"} {
		err := client.Upload(context.Background(), t.TempDir(), id)
		assert.Error(t, err, id)
	}
}
