package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

var ErrConsoleAuth = errors.New("console authentication failed")

const consolePrompt = "quectocraft> "

// startConsole starts the SSH operator console when an address is configured
func (s *Server) startConsole() error {
	if s.config.ConsoleAddr == "" {
		s.logger.Info().Msg("ssh console disabled")
		return nil
	}

	// Load or generate host key
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: s.authenticateConsole,
		ServerVersion:    "SSH-2.0-Quectocraft",
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", s.config.ConsoleAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ConsoleAddr, err)
	}
	s.consoleListener = listener

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("ssh console listening")

	s.wg.Add(1)
	go s.acceptConsoleLoop(listener, config)

	return nil
}

// ConsoleAddr returns the bound console address, or nil when disabled
func (s *Server) ConsoleAddr() net.Addr {
	if s.consoleListener == nil {
		return nil
	}
	return s.consoleListener.Addr()
}

func (s *Server) authenticateConsole(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if subtle.ConstantTimeCompare(password, []byte(s.config.ConsolePassword)) != 1 {
		s.logger.Warn().Str("user", meta.User()).Str("remote", meta.RemoteAddr().String()).Msg("console login refused")
		return nil, ErrConsoleAuth
	}
	return &ssh.Permissions{Extensions: map[string]string{"operator": meta.User()}}, nil
}

// acceptConsoleLoop accepts incoming SSH connections
func (s *Server) acceptConsoleLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("console accept error")
			continue
		}

		if !s.trackConsoleConn(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConsoleConnection(conn, config)
	}
}

// trackConsoleConn registers a live console socket so Stop can close it.
// It reports false once the server is stopping.
func (s *Server) trackConsoleConn(conn net.Conn) bool {
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	if s.consoleConns == nil {
		return false
	}
	s.consoleConns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConsoleConn(conn net.Conn) {
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	delete(s.consoleConns, conn)
}

// closeConsoleConns hangs up every operator session and refuses new ones
func (s *Server) closeConsoleConns() {
	s.consoleMu.Lock()
	conns := s.consoleConns
	s.consoleConns = nil
	s.consoleMu.Unlock()

	for conn := range conns {
		conn.Close()
	}
}

// handleConsoleConnection handles a single SSH connection
func (s *Server) handleConsoleConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer s.untrackConsoleConn(conn)
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.logger.Debug().Err(err).Msg("console handshake failed")
		return
	}
	defer sshConn.Close()

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	operator := sshConn.Permissions.Extensions["operator"]
	logger := s.logger.With().Str("operator", operator).Logger()
	logger.Info().Msg("console session opened")

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.Debug().Err(err).Msg("could not accept channel")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConsoleSession(channel, requests, operator)
		}()
	}
}

// handleConsoleSession serves one session channel: an exec request runs a
// single command, a shell request starts the interactive prompt
func (s *Server) handleConsoleSession(channel ssh.Channel, requests <-chan *ssh.Request, operator string) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go discardChannelRequests(requests)

			out := s.submitConsole(payload.Command, operator)
			if out != "" {
				io.WriteString(channel, strings.TrimRight(out, "\n")+"\n")
			}
			sendExitStatus(channel, 0)
			return
		case "shell":
			req.Reply(true, nil)
			go discardChannelRequests(requests)

			s.consoleShell(channel, operator)
			sendExitStatus(channel, 0)
			return
		case "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// consoleShell reads commands line by line until exit or hang-up
func (s *Server) consoleShell(channel ssh.Channel, operator string) {
	t := term.NewTerminal(channel, consolePrompt)
	fmt.Fprintln(t, "quectocraft console, type help for commands")

	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		select {
		case <-s.shutdown:
			fmt.Fprintln(t, "server is stopping")
			return
		default:
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return
		}
		if out := s.submitConsole(line, operator); out != "" {
			fmt.Fprintln(t, strings.TrimRight(out, "\n"))
		}
	}
}

func discardChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if req.WantReply {
			req.Reply(req.Type == "window-change", nil)
		}
	}
}

func sendExitStatus(channel ssh.Channel, status uint32) {
	channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

// loadOrGenerateHostKey loads the console host key, creating an RSA key on
// first start
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandHome(s.config.ConsoleHostKeyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("%w: console host_key_path is empty", ErrInvalidConfig)
	}

	// Try to load existing key
	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		s.logger.Info().Str("path", keyPath).Msg("loaded ssh host key")
		return key, nil
	}

	// Generate new key if file doesn't exist
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	s.logger.Info().Str("path", keyPath).Msg("generating ssh host key")

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(pem.EncodeToMemory(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}
	return key, nil
}
