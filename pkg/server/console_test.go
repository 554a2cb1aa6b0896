package server

import (
	"bufio"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const consoleTestPassword = "op-password"

func startConsoleServer(t *testing.T, bridge *recordingBridge) *Server {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "keys", "ssh_host_key")
	return startTestServer(t, bridge, func(c *ServerConfig) {
		c.ConsoleAddr = "127.0.0.1:0"
		c.ConsolePassword = consoleTestPassword
		c.ConsoleHostKeyPath = keyPath
	})
}

func dialConsole(t *testing.T, s *Server, password string) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", s.ConsoleAddr().String(), &ssh.ClientConfig{
		User:            "admin",
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         testTimeout,
	})
}

// consoleExec runs one command over a fresh session
func consoleExec(t *testing.T, sshClient *ssh.Client, command string) string {
	t.Helper()
	session, err := sshClient.NewSession()
	require.NoError(t, err)
	defer session.Close()

	out, err := session.Output(command)
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}

func TestConsoleOverSSH(t *testing.T) {
	bridge := newRecordingBridge()
	s := startConsoleServer(t, bridge)
	require.NotNil(t, s.ConsoleAddr())

	t.Run("wrong password", func(t *testing.T) {
		_, err := dialConsole(t, s, "guess")
		assert.Error(t, err)
	})

	sshClient, err := dialConsole(t, s, consoleTestPassword)
	require.NoError(t, err)
	defer sshClient.Close()

	assert.Equal(t, "no players online", consoleExec(t, sshClient, "list"))

	alice := joinAs(t, s, "Alice")
	require.Eventually(t, func() bool { return bridge.joinCount() == 1 }, testTimeout, time.Millisecond)

	list := consoleExec(t, sshClient, "list")
	assert.Contains(t, list, "Alice")
	assert.Contains(t, list, "1/20 players online")

	assert.Empty(t, consoleExec(t, sshClient, "say maintenance at noon"))
	assert.Equal(t, "[Server] maintenance at noon", readSystemMessage(t, alice).Text)

	assert.Equal(t, "kicked 1 player(s)", consoleExec(t, sshClient, "kick Alice"))
	_, err = alice.ReadPlay()
	assert.Equal(t, "multiplayer.disconnect.generic", requireDisconnect(t, err).Translate)
	require.Eventually(t, func() bool { return bridge.leaveCount() == 1 }, testTimeout, time.Millisecond)
}

func TestConsoleHostKeyPersists(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "ssh_host_key")
	cfg := testConfig()
	cfg.ConsoleHostKeyPath = keyPath

	s, err := NewServer(cfg, newRecordingBridge(), nil)
	require.NoError(t, err)
	defer s.Stop()

	first, err := s.loadOrGenerateHostKey()
	require.NoError(t, err)
	second, err := s.loadOrGenerateHostKey()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())

	s.config.ConsoleHostKeyPath = ""
	_, err = s.loadOrGenerateHostKey()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSubmitConsoleAfterStop(t *testing.T) {
	s := newTestServer(t, newRecordingBridge(), nil)
	require.NoError(t, s.Stop())

	assert.Equal(t, "server is stopping", s.submitConsole("list", "op"))
	assert.Empty(t, s.submitConsole("   ", "op"))
}

func TestStopWithOpenSessions(t *testing.T) {
	bridge := newRecordingBridge()
	cfg := testConfig()
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.ConsoleAddr = "127.0.0.1:0"
	cfg.ConsolePassword = consoleTestPassword
	cfg.ConsoleHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")

	s, err := NewServer(cfg, bridge, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
		s.Stop()
	})

	alice := joinAs(t, s, "Alice")
	require.Eventually(t, func() bool { return bridge.joinCount() == 1 }, testTimeout, time.Millisecond)

	sshClient, err := dialConsole(t, s, consoleTestPassword)
	require.NoError(t, err)
	defer sshClient.Close()
	session, err := sshClient.NewSession()
	require.NoError(t, err)
	defer session.Close()

	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	defer stdin.Close()
	stdout, err := session.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())

	// The banner means the shell is blocked reading operator input
	banner, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, banner, "quectocraft console")

	cancel()
	<-runDone

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.Stop()
	}()
	select {
	case <-stopped:
	case <-time.After(testTimeout):
		t.Fatal("Stop blocked with an open console shell and player")
	}

	assert.Equal(t, 1, bridge.leaveCount())
	requireClosed(t, alice)

	waited := make(chan error, 1)
	go func() { waited <- session.Wait() }()
	select {
	case <-waited:
	case <-time.After(testTimeout):
		t.Fatal("console session still open after Stop")
	}
}
