package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tnze/go-mc/nbt"
	"github.com/rs/zerolog"

	"github.com/aeolun/quectocraft/pkg/plugin"
	"github.com/aeolun/quectocraft/pkg/protocol"
)

// newConnBacklog bounds accepted connections waiting for the next tick
const newConnBacklog = 64

// Server owns the listener and the single loop that mutates every
// connection, the player registry and the plugin bridge
type Server struct {
	config  ServerConfig
	logger  zerolog.Logger
	bridge  plugin.Bridge
	metrics *Metrics
	events  *EventHub

	registry      *protocol.Registry
	registryCodec nbt.RawMessage
	commands      []byte // encoded Commands frame, identical for every player

	listener        net.Listener
	adminServer     *http.Server
	adminAddr       net.Addr
	consoleListener net.Listener
	consoleMu       sync.Mutex
	consoleConns    map[net.Conn]struct{}

	newConns        chan *Connection
	consoleRequests chan consoleRequest

	// Loop-owned state
	connections  []*Connection
	players      *PlayerRegistry
	tick         int64
	nextEntityID int32

	// Snapshots for the admin endpoints
	nextConnID  atomic.Uint64
	connCount   atomic.Int64
	playerCount atomic.Int64
	tickCount   atomic.Int64

	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewServer prepares a server: it loads the registry codec, initializes the
// bridge and lets modules register their commands. A nil metrics creates a
// fresh set.
func NewServer(config ServerConfig, bridge plugin.Bridge, metrics *Metrics) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	codec, err := protocol.LoadRegistryCodec(config.RegistryCodecPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry codec: %w", err)
	}

	s := &Server{
		config:          config,
		logger:          ComponentLogger("server"),
		bridge:          bridge,
		metrics:         metrics,
		events:          NewEventHub(ComponentLogger("events")),
		registry:        protocol.NewRegistry(config.IgnoredPlayPackets),
		registryCodec:   codec,
		newConns:        make(chan *Connection, newConnBacklog),
		consoleRequests: make(chan consoleRequest),
		consoleConns:    make(map[net.Conn]struct{}),
		players:         NewPlayerRegistry(),
		startTime:       time.Now(),
		shutdown:        make(chan struct{}),
	}

	s.logger.Info().Msg("initializing plugins")
	bridge.Init()

	graph := protocol.NewCommandGraph()
	bridge.RegisterCommands(graph)
	s.commands, err = protocol.EncodeMessage(graph.Packet())
	if err != nil {
		return nil, fmt.Errorf("failed to encode command graph: %w", err)
	}
	s.logger.Debug().Int("nodes", graph.Len()).Msg("command graph built")

	return s, nil
}

// Start binds the game listener and the optional admin and console
// surfaces. The loop itself runs in Run.
func (s *Server) Start() error {
	addr := s.config.ListenAddr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Str("trust", string(s.config.TrustMode)).Msg("listening")

	if err := s.startAdmin(); err != nil {
		listener.Close()
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	if err := s.startConsole(); err != nil {
		listener.Close()
		s.stopAdmin()
		return fmt.Errorf("failed to start console: %w", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound game address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		select {
		case s.newConns <- s.accept(conn):
		case <-s.shutdown:
			conn.Close()
			return
		}
	}
}

// accept wraps a socket and starts its reader. The connection joins the
// live set at the start of the next tick.
func (s *Server) accept(conn net.Conn) *Connection {
	id := s.nextConnID.Add(1)
	c := newConnection(id, conn, s.config.InboundQueue, s.config.WriteTimeout, s.logger)
	c.logger.Debug().Msg("connection accepted")
	go c.readLoop(s.registry)
	return c
}

// Run ticks until ctx is cancelled or Stop is called
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return nil
		default:
		}
		s.Tick()
		time.Sleep(s.config.TickInterval)
	}
}

// Tick runs one iteration of the server loop. Connections are processed by
// index; closed ones are only removed in reap, after every other step.
func (s *Server) Tick() {
	start := time.Now()
	s.tick++
	s.tickCount.Store(s.tick)

	s.acceptNew()

	for i := 0; i < len(s.connections); i++ {
		s.drainInbound(s.connections[i])
	}

	if s.tick%s.config.KeepAliveTicks == 0 {
		s.sendKeepAlives()
	}

	s.routeResponses(s.bridge.Responses())
	s.drainConsole()
	s.reap()

	s.metrics.ObserveTick(time.Since(start))
}

func (s *Server) acceptNew() {
	for {
		select {
		case c := <-s.newConns:
			s.connections = append(s.connections, c)
			s.metrics.ConnectionOpened()
		default:
			s.connCount.Store(int64(len(s.connections)))
			return
		}
	}
}

// drainInbound dispatches everything the reader has queued, stopping at the
// first error or once the connection is marked closed
func (s *Server) drainInbound(c *Connection) {
	for !c.closed {
		select {
		case item, ok := <-c.inbound:
			if !ok {
				c.markClosed("reader stopped")
				return
			}
			if item.err != nil {
				if errors.Is(item.err, io.EOF) || errors.Is(item.err, net.ErrClosed) {
					c.markClosed("client disconnected")
				} else {
					c.logger.Debug().Err(item.err).Msg("read failed")
					c.markClosed(item.err.Error())
				}
				return
			}
			if err := s.dispatch(c, item.packet); err != nil {
				c.logger.Debug().Err(err).Msg("dispatch failed")
				c.markClosed(err.Error())
			}
		default:
			return
		}
	}
}

// sendKeepAlives pings every player; the id is the current tick
func (s *Server) sendKeepAlives() {
	now := time.Now()
	for _, c := range s.connections {
		if !c.inPlay() {
			continue
		}
		if err := c.send(&protocol.KeepAlive{KeepAliveID: s.tick}); err != nil {
			c.logger.Debug().Err(err).Msg("keep-alive write failed")
			c.markClosed("keep-alive write failed")
			continue
		}
		c.keepAliveID = s.tick
		c.keepAliveSentAt = now
	}
}

// reap removes closed connections from the live set, releasing sockets and
// players
func (s *Server) reap() {
	live := s.connections[:0]
	for _, c := range s.connections {
		if !c.closed {
			live = append(live, c)
			continue
		}
		c.shutdown()
		s.releasePlayer(c)
		s.metrics.ConnectionClosed()
		c.logger.Debug().
			Str("cause", c.closeCause).
			Dur("duration", time.Since(c.connectedAt)).
			Msg("connection closed")
	}
	for i := len(live); i < len(s.connections); i++ {
		s.connections[i] = nil
	}
	s.connections = live
	s.connCount.Store(int64(len(live)))
}

// releasePlayer unbinds a connection's player and emits the leave exactly
// once per admitted player
func (s *Server) releasePlayer(c *Connection) {
	if c.Player == nil || c.released {
		return
	}
	c.released = true
	s.players.Remove(c)

	p := *c.Player
	c.logger.Info().Str("uuid", p.UUID.String()).Msg("player left")
	s.bridge.PlayerLeave(p)
	s.events.Publish(Event{Type: EventLeave, Player: p.Name, UUID: p.UUID.String()})

	s.metrics.SetPlayersOnline(s.players.Len())
	s.playerCount.Store(int64(s.players.Len()))
}

// Stop closes the listeners and every connection. Call it after Run has
// returned; connections are owned by the loop.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("shutting down")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.consoleListener != nil {
			s.consoleListener.Close()
		}
		s.closeConsoleConns()
		s.stopAdmin()
		s.events.Close()
		s.wg.Wait()

		s.acceptNew()
		for _, c := range s.connections {
			c.markClosed("server stopping")
		}
		s.reap()
	})
	return nil
}

// Uptime returns the time since the server was created
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Metrics returns the collectors this server records into
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Events returns the live event hub
func (s *Server) Events() *EventHub {
	return s.events
}
