package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/quectocraft/pkg/client"
	"github.com/aeolun/quectocraft/pkg/plugin"
	"github.com/aeolun/quectocraft/pkg/protocol"
)

const testTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Fake socket for loop tests that never touch the network
// ---------------------------------------------------------------------------

type fakeConn struct {
	mu         sync.Mutex
	written    bytes.Buffer
	failWrites bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	<-f.closed
	return 0, net.ErrClosed
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return 0, errors.New("broken pipe")
	}
	return f.written.Write(p)
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 25565}
}

func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) setFailWrites(fail bool) {
	f.mu.Lock()
	f.failWrites = fail
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// frames decodes everything written so far
func (f *fakeConn) frames(t *testing.T) []*protocol.Frame {
	t.Helper()
	f.mu.Lock()
	data := append([]byte(nil), f.written.Bytes()...)
	f.mu.Unlock()

	r := bytes.NewReader(data)
	var out []*protocol.Frame
	for r.Len() > 0 {
		frame, err := protocol.DecodeFrame(r)
		require.NoError(t, err)
		out = append(out, frame)
	}
	return out
}

// framesWithID returns the written frames carrying id
func (f *fakeConn) framesWithID(t *testing.T, id int32) []*protocol.Frame {
	t.Helper()
	var out []*protocol.Frame
	for _, frame := range f.frames(t) {
		if frame.ID == id {
			out = append(out, frame)
		}
	}
	return out
}

// systemMessages decodes the SystemChatMessage contents written so far
func (f *fakeConn) systemMessages(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, frame := range f.framesWithID(t, protocol.IDSystemChatMessage) {
		var m protocol.SystemChatMessage
		require.NoError(t, m.Decode(frame.Payload))
		out = append(out, m.Content)
	}
	return out
}

// ---------------------------------------------------------------------------
// Bridge that records every callback
// ---------------------------------------------------------------------------

type recordingBridge struct {
	mu       sync.Mutex
	commands []string
	inits    int
	joins    []plugin.Player
	leaves   []plugin.Player
	chats    []string
	invoked  []string
	messages []string
	queue    *plugin.Queue
}

func newRecordingBridge(commands ...string) *recordingBridge {
	return &recordingBridge{commands: commands, queue: plugin.NewQueue()}
}

func (b *recordingBridge) Init() {
	b.mu.Lock()
	b.inits++
	b.mu.Unlock()
}

func (b *recordingBridge) RegisterCommands(r plugin.CommandRegistrar) {
	for _, name := range b.commands {
		r.CreateSimpleCommand(name)
	}
}

func (b *recordingBridge) PlayerJoin(p plugin.Player) {
	b.mu.Lock()
	b.joins = append(b.joins, p)
	b.mu.Unlock()
}

func (b *recordingBridge) PlayerLeave(p plugin.Player) {
	b.mu.Lock()
	b.leaves = append(b.leaves, p)
	b.mu.Unlock()
}

func (b *recordingBridge) ChatMessage(p plugin.Player, message string) {
	b.mu.Lock()
	b.chats = append(b.chats, p.Name+": "+message)
	b.mu.Unlock()
}

func (b *recordingBridge) OwnsCommand(name string) bool {
	for _, c := range b.commands {
		if c == name {
			return true
		}
	}
	return false
}

func (b *recordingBridge) Command(p plugin.Player, name, args string) {
	b.mu.Lock()
	b.invoked = append(b.invoked, p.Name+" "+name+" "+args)
	b.mu.Unlock()
}

func (b *recordingBridge) PluginMessage(p plugin.Player, channel string, data []byte) {
	b.mu.Lock()
	b.messages = append(b.messages, channel+"="+string(data))
	b.mu.Unlock()
}

func (b *recordingBridge) Responses() []plugin.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Drain()
}

// enqueue lets a test act as a module between ticks
func (b *recordingBridge) enqueue(fn func(q *plugin.Queue)) {
	b.mu.Lock()
	fn(b.queue)
	b.mu.Unlock()
}

func (b *recordingBridge) joinCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.joins)
}

func (b *recordingBridge) leaveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.leaves)
}

func (b *recordingBridge) snapshot() (chats, invoked, messages []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.chats...),
		append([]string(nil), b.invoked...),
		append([]string(nil), b.messages...)
}

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	cfg.AdminAddr = ""
	cfg.TickInterval = time.Millisecond
	return cfg
}

// newTestServer builds a server without binding any sockets. Tests drive it
// with Tick.
func newTestServer(t *testing.T, bridge plugin.Bridge, mutate func(*ServerConfig)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg, bridge, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

// addFakePlayer inserts a logged-in connection directly into the live set
func addFakePlayer(t *testing.T, s *Server, name string) (*Connection, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	c := newConnection(s.nextConnID.Add(1), fc, s.config.InboundQueue, 0, s.logger)
	c.State = protocol.StatePlay
	c.Verified = true
	c.Player = &plugin.Player{Name: name, UUID: OfflineUUID(name)}
	require.NoError(t, s.players.Add(c))
	s.connections = append(s.connections, c)
	return c, fc
}

// startTestServer binds loopback listeners and runs the loop until the test
// ends
func startTestServer(t *testing.T, bridge plugin.Bridge, mutate func(*ServerConfig)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
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
	return s
}

func dial(t *testing.T, s *Server) *client.Connection {
	t.Helper()
	conn, err := client.Dial(s.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// bootstrap is what a client reads between LoginSuccess and control
type bootstrap struct {
	play      *protocol.LoginPlay
	brand     *protocol.PluginMessage
	commands  *protocol.Commands
	chunk     *protocol.ChunkData
	spawn     *protocol.SetDefaultSpawnPosition
	position  *protocol.SyncPlayerPosition
	abilities *protocol.PlayerAbilities
}

// readBootstrap requires the play bootstrap in order
func readBootstrap(t *testing.T, conn *client.Connection) bootstrap {
	t.Helper()
	var b bootstrap
	var err error

	b.play, err = client.Expect[*protocol.LoginPlay](conn)
	require.NoError(t, err, "login play")
	b.brand, err = client.Expect[*protocol.PluginMessage](conn)
	require.NoError(t, err, "brand")
	b.commands, err = client.Expect[*protocol.Commands](conn)
	require.NoError(t, err, "commands")
	b.chunk, err = client.Expect[*protocol.ChunkData](conn)
	require.NoError(t, err, "chunk")
	b.spawn, err = client.Expect[*protocol.SetDefaultSpawnPosition](conn)
	require.NoError(t, err, "spawn position")
	b.position, err = client.Expect[*protocol.SyncPlayerPosition](conn)
	require.NoError(t, err, "position")
	b.abilities, err = client.Expect[*protocol.PlayerAbilities](conn)
	require.NoError(t, err, "abilities")
	return b
}

// joinAs logs in with the given name and consumes the bootstrap
func joinAs(t *testing.T, s *Server, name string) *client.Connection {
	t.Helper()
	conn := dial(t, s)
	_, err := conn.Login(name, nil, nil)
	require.NoError(t, err)
	readBootstrap(t, conn)
	return conn
}

// readSystemMessage returns the next system chat component
func readSystemMessage(t *testing.T, conn *client.Connection) protocol.Component {
	t.Helper()
	for {
		p, err := conn.ReadPlay()
		require.NoError(t, err)
		if m, ok := p.(*protocol.SystemChatMessage); ok {
			return decodeComponent(t, m.Content)
		}
	}
}

func decodeComponent(t *testing.T, raw string) protocol.Component {
	t.Helper()
	var c protocol.Component
	require.NoError(t, json.Unmarshal([]byte(raw), &c), raw)
	return c
}
