package server

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/quectocraft/pkg/plugin"
	"github.com/aeolun/quectocraft/pkg/protocol"
)

// noRequest marks that no login plugin request is outstanding
const noRequest int32 = -1

// inbound is one item from a reader goroutine: a decoded packet or the
// error that stopped the reader
type inbound struct {
	packet protocol.Packet
	err    error
}

// Connection is one accepted socket. Every field except inbound and done is
// owned by the server loop; the reader goroutine only reads the socket and
// sends into inbound.
type Connection struct {
	ID       uint64
	State    protocol.State
	Verified bool
	Player   *plugin.Player

	conn    *SafeConn
	inbound chan inbound
	done    chan struct{}

	closed      bool
	closeCause  string
	released    bool
	connectedAt time.Time
	remote      string
	logger      zerolog.Logger

	// login progress
	loginStarted   bool
	claimed        plugin.Player
	properties     []protocol.Property
	pendingRequest int32

	// keep-alive round trip
	keepAliveID     int64
	keepAliveSentAt time.Time

	shutdownOnce sync.Once
}

func newConnection(id uint64, conn net.Conn, queue int, writeTimeout time.Duration, logger zerolog.Logger) *Connection {
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Connection{
		ID:             id,
		State:          protocol.StateHandshake,
		conn:           NewSafeConn(conn, writeTimeout),
		inbound:        make(chan inbound, queue),
		done:           make(chan struct{}),
		connectedAt:    time.Now(),
		remote:         remote,
		logger:         logger.With().Uint64("conn", id).Str("remote", remote).Logger(),
		pendingRequest: noRequest,
	}
}

// readLoop decodes frames until the socket fails or the server closes the
// connection. It tracks its own copy of the protocol state so each frame is
// decoded in the state the client sent it in.
func (c *Connection) readLoop(registry *protocol.Registry) {
	defer close(c.inbound)

	state := protocol.StateHandshake
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			c.push(inbound{err: err})
			c.conn.Close()
			return
		}

		p, err := registry.Decode(state, frame)
		if err != nil {
			c.push(inbound{err: err})
			c.conn.Close()
			return
		}
		state = protocol.NextState(state, p)

		if !c.push(inbound{packet: p}) {
			return
		}
	}
}

// push blocks while the queue is full so a slow loop applies backpressure
// to the socket instead of dropping packets
func (c *Connection) push(item inbound) bool {
	select {
	case c.inbound <- item:
		return true
	case <-c.done:
		return false
	}
}

// send writes one packet
func (c *Connection) send(p protocol.Packet) error {
	return c.conn.WritePacket(p)
}

// markClosed flags the connection for removal at the end of the tick.
// The first cause wins.
func (c *Connection) markClosed(cause string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCause = cause
}

// shutdown releases the socket and unblocks the reader
func (c *Connection) shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// inPlay reports whether the connection is a live, logged-in player
func (c *Connection) inPlay() bool {
	return !c.closed && c.State == protocol.StatePlay && c.Player != nil
}
