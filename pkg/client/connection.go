// Package client is a small protocol client for status pings, logins and
// basic play traffic. The journey tests and the load tester drive the
// server through it.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

var ErrUnexpectedPacket = errors.New("unexpected packet")

// DisconnectError is returned when the server ends the session with a reason
type DisconnectError struct {
	Reason string
}

func (e *DisconnectError) Error() string {
	return "disconnected: " + e.Reason
}

type packetKey struct {
	state protocol.State
	id    int32
}

// clientbound decodes what the server sends, per state
var clientbound = map[packetKey]func() protocol.Packet{
	{protocol.StateStatus, protocol.IDStatusResponse}:        func() protocol.Packet { return &protocol.StatusResponse{} },
	{protocol.StateStatus, protocol.IDPingResponse}:          func() protocol.Packet { return &protocol.PingResponse{} },
	{protocol.StateLogin, protocol.IDLoginDisconnect}:        func() protocol.Packet { return &protocol.LoginDisconnect{} },
	{protocol.StateLogin, protocol.IDLoginSuccess}:           func() protocol.Packet { return &protocol.LoginSuccess{} },
	{protocol.StateLogin, protocol.IDLoginPluginRequest}:     func() protocol.Packet { return &protocol.LoginPluginRequest{} },
	{protocol.StatePlay, protocol.IDCommands}:                func() protocol.Packet { return &protocol.Commands{} },
	{protocol.StatePlay, protocol.IDPluginMessage}:           func() protocol.Packet { return &protocol.PluginMessage{} },
	{protocol.StatePlay, protocol.IDDisconnect}:              func() protocol.Packet { return &protocol.Disconnect{} },
	{protocol.StatePlay, protocol.IDKeepAlive}:               func() protocol.Packet { return &protocol.KeepAlive{} },
	{protocol.StatePlay, protocol.IDChunkData}:               func() protocol.Packet { return &protocol.ChunkData{} },
	{protocol.StatePlay, protocol.IDLoginPlay}:               func() protocol.Packet { return &protocol.LoginPlay{} },
	{protocol.StatePlay, protocol.IDPlayerAbilities}:         func() protocol.Packet { return &protocol.PlayerAbilities{} },
	{protocol.StatePlay, protocol.IDSyncPlayerPosition}:      func() protocol.Packet { return &protocol.SyncPlayerPosition{} },
	{protocol.StatePlay, protocol.IDSetDefaultSpawnPosition}: func() protocol.Packet { return &protocol.SetDefaultSpawnPosition{} },
	{protocol.StatePlay, protocol.IDSystemChatMessage}:       func() protocol.Packet { return &protocol.SystemChatMessage{} },
}

// PluginResponder answers a login plugin request. Returning ok=false
// reports the channel as not understood.
type PluginResponder func(req *protocol.LoginPluginRequest) (data []byte, ok bool)

// Connection is one client session. Reads are not safe for concurrent use;
// writes are serialized.
type Connection struct {
	conn    net.Conn
	reader  *bufio.Reader
	state   protocol.State
	timeout time.Duration
	writeMu sync.Mutex

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// Dial opens a TCP connection. timeout bounds the dial and every
// subsequent read; zero means no deadline.
func Dial(addr string, timeout time.Duration) (*Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewConnection(conn, timeout), nil
}

// NewConnection wraps an established socket
func NewConnection(conn net.Conn, timeout time.Duration) *Connection {
	c := &Connection{
		conn:    conn,
		state:   protocol.StateHandshake,
		timeout: timeout,
	}
	c.reader = bufio.NewReader(&countingReader{r: conn, counter: &c.bytesReceived})
	return c
}

// State returns the state the client believes it is in
func (c *Connection) State() protocol.State {
	return c.state
}

// Send writes one packet and follows the handshake state switch
func (c *Connection) Send(p protocol.Packet) error {
	data, err := protocol.EncodeMessage(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.conn.Write(data)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return err
	}

	if hs, ok := p.(*protocol.Handshake); ok {
		c.state = protocol.NextState(c.state, hs)
	}
	return nil
}

// Receive reads the next packet. IDs without a decoder come back as
// *protocol.Unknown.
func (c *Connection) Receive() (protocol.Packet, error) {
	if c.timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	frame, err := protocol.DecodeFrame(c.reader)
	if err != nil {
		return nil, err
	}

	newPacket, ok := clientbound[packetKey{c.state, frame.ID}]
	if !ok {
		return &protocol.Unknown{State: c.state, PacketID: frame.ID, Payload: frame.Payload}, nil
	}
	p := newPacket()
	if err := p.Decode(frame.Payload); err != nil {
		return nil, fmt.Errorf("decode %s packet 0x%02X: %w", c.state, frame.ID, err)
	}

	if _, ok := p.(*protocol.LoginSuccess); ok {
		c.state = protocol.StatePlay
	}
	return p, nil
}

// Expect reads one packet and requires it to be a T
func Expect[T protocol.Packet](c *Connection) (T, error) {
	var zero T
	p, err := c.Receive()
	if err != nil {
		return zero, err
	}
	t, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedPacket, p, zero)
	}
	return t, nil
}

// handshake announces the next state using the address the socket is
// connected to
func (c *Connection) handshake(next int32) error {
	host, portStr, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		host, portStr = "localhost", "25565"
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return c.Send(&protocol.Handshake{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerAddress:   host,
		ServerPort:      uint16(port),
		NextState:       next,
	})
}

// Status performs the server list query
func (c *Connection) Status() (*protocol.StatusDocument, error) {
	if err := c.handshake(protocol.NextStateStatus); err != nil {
		return nil, err
	}
	if err := c.Send(&protocol.StatusRequest{}); err != nil {
		return nil, err
	}
	resp, err := Expect[*protocol.StatusResponse](c)
	if err != nil {
		return nil, err
	}
	var doc protocol.StatusDocument
	if err := json.Unmarshal([]byte(resp.JSON), &doc); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &doc, nil
}

// Ping measures one status ping round trip. The server closes the
// connection afterwards.
func (c *Connection) Ping(payload int64) (time.Duration, error) {
	start := time.Now()
	if err := c.Send(&protocol.PingRequest{Payload: payload}); err != nil {
		return 0, err
	}
	resp, err := Expect[*protocol.PingResponse](c)
	if err != nil {
		return 0, err
	}
	if resp.Payload != payload {
		return 0, fmt.Errorf("ping payload %d, want %d", resp.Payload, payload)
	}
	return time.Since(start), nil
}

// Login runs the login exchange up to LoginSuccess. A nil id sends no UUID.
// respond answers plugin requests; nil acknowledges every request with an
// empty payload.
func (c *Connection) Login(name string, id *uuid.UUID, respond PluginResponder) (*protocol.LoginSuccess, error) {
	if err := c.handshake(protocol.NextStateLogin); err != nil {
		return nil, err
	}
	start := &protocol.LoginStart{Name: name}
	if id != nil {
		start.HasUUID = true
		start.UUID = *id
	}
	if err := c.Send(start); err != nil {
		return nil, err
	}

	for {
		p, err := c.Receive()
		if err != nil {
			return nil, err
		}
		switch p := p.(type) {
		case *protocol.LoginPluginRequest:
			data, ok := []byte(nil), true
			if respond != nil {
				data, ok = respond(p)
			}
			if err := c.Send(&protocol.LoginPluginResponse{MessageID: p.MessageID, Successful: ok, Data: data}); err != nil {
				return nil, err
			}
		case *protocol.LoginDisconnect:
			return nil, &DisconnectError{Reason: p.Reason}
		case *protocol.LoginSuccess:
			return p, nil
		default:
			return nil, fmt.Errorf("%w during login: %T", ErrUnexpectedPacket, p)
		}
	}
}

// ReadPlay returns the next Play packet that is not a keep-alive, answering
// keep-alives on the way. A server Disconnect is returned as a
// *DisconnectError.
func (c *Connection) ReadPlay() (protocol.Packet, error) {
	for {
		p, err := c.Receive()
		if err != nil {
			return nil, err
		}
		switch p := p.(type) {
		case *protocol.KeepAlive:
			if err := c.Send(&protocol.KeepAliveResponse{KeepAliveID: p.KeepAliveID}); err != nil {
				return nil, err
			}
		case *protocol.Disconnect:
			return nil, &DisconnectError{Reason: p.Reason}
		default:
			return p, nil
		}
	}
}

// Chat sends an unsigned chat message
func (c *Connection) Chat(message string) error {
	return c.Send(&protocol.ChatMessage{Message: message, Timestamp: time.Now().UnixMilli()})
}

// Command sends an unsigned command, without the leading slash
func (c *Connection) Command(command string) error {
	return c.Send(&protocol.ChatCommand{Command: command, Timestamp: time.Now().UnixMilli()})
}

// Close closes the socket
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}
