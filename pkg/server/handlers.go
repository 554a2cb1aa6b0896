package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/quectocraft/pkg/plugin"
	"github.com/aeolun/quectocraft/pkg/protocol"
)

var (
	ErrUnexpectedPacket         = errors.New("unexpected packet")
	ErrUnexpectedPluginResponse = errors.New("unexpected login plugin response")
)

// maxStatusSample bounds the player sample in the status response
const maxStatusSample = 12

// dispatch routes one decoded packet. A returned error is fatal for the
// connection only.
func (s *Server) dispatch(c *Connection, p protocol.Packet) error {
	s.metrics.RecordPacket(c.State, p)

	switch p := p.(type) {
	case *protocol.Handshake:
		return s.handleHandshake(c, p)
	case *protocol.StatusRequest:
		return s.handleStatusRequest(c)
	case *protocol.PingRequest:
		return s.handlePingRequest(c, p)
	case *protocol.LoginStart:
		return s.handleLoginStart(c, p)
	case *protocol.LoginPluginResponse:
		return s.handlePluginResponse(c, p)
	case *protocol.ChatMessage:
		return s.handleChatMessage(c, p)
	case *protocol.ChatCommand:
		return s.handleChatCommand(c, p)
	case *protocol.ServerPluginMessage:
		return s.handlePluginMessage(c, p)
	case *protocol.KeepAliveResponse:
		return s.handleKeepAliveResponse(c, p)
	case *protocol.Unknown:
		c.logger.Warn().
			Str("state", p.State.String()).
			Str("id", fmt.Sprintf("0x%02X", p.PacketID)).
			Int("len", len(p.Payload)).
			Msg("unknown packet")
		return nil
	case *protocol.Ignored:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedPacket, p)
	}
}

func (s *Server) handleHandshake(c *Connection, p *protocol.Handshake) error {
	if c.State != protocol.StateHandshake {
		return fmt.Errorf("%w: handshake in %s", ErrUnexpectedPacket, c.State)
	}
	c.State = protocol.NextState(c.State, p)

	if c.State == protocol.StateLogin && p.ProtocolVersion != protocol.ProtocolVersion {
		key := "multiplayer.disconnect.outdated_client"
		if p.ProtocolVersion > protocol.ProtocolVersion {
			key = "multiplayer.disconnect.outdated_server"
		}
		s.metrics.RecordLogin("outdated")
		return s.rejectLogin(c, protocol.Translate(key, protocol.Text(protocol.GameVersion)),
			fmt.Sprintf("protocol %d", p.ProtocolVersion))
	}
	return nil
}

// statusDocument describes the server for the multiplayer list
func (s *Server) statusDocument() protocol.StatusDocument {
	doc := protocol.StatusDocument{
		Version: protocol.StatusVersion{
			Name:     protocol.GameVersion,
			Protocol: protocol.ProtocolVersion,
		},
		Players: protocol.StatusPlayers{
			Max:    s.config.MaxPlayers,
			Online: s.players.Len(),
		},
		Description: protocol.Text(s.config.MOTD),
	}
	for _, p := range s.players.List() {
		if len(doc.Players.Sample) == maxStatusSample {
			break
		}
		doc.Players.Sample = append(doc.Players.Sample, protocol.StatusPlayerID{Name: p.Name, ID: p.UUID.String()})
	}
	return doc
}

func (s *Server) handleStatusRequest(c *Connection) error {
	data, err := json.Marshal(s.statusDocument())
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return c.send(&protocol.StatusResponse{JSON: string(data)})
}

// handlePingRequest echoes the payload and ends the status exchange
func (s *Server) handlePingRequest(c *Connection, p *protocol.PingRequest) error {
	if err := c.send(&protocol.PingResponse{Payload: p.Payload}); err != nil {
		return err
	}
	c.markClosed("status ping complete")
	return nil
}

func (s *Server) handleChatMessage(c *Connection, p *protocol.ChatMessage) error {
	if !c.inPlay() {
		return ErrNotVerified
	}
	c.logger.Info().Str("player", c.Player.Name).Str("message", p.Message).Msg("chat")
	s.bridge.ChatMessage(*c.Player, p.Message)
	s.events.Publish(Event{Type: EventChat, Player: c.Player.Name, UUID: c.Player.UUID.String(), Message: p.Message})
	return nil
}

// handleChatCommand splits "name args" and hands it to the module that
// registered name
func (s *Server) handleChatCommand(c *Connection, p *protocol.ChatCommand) error {
	if !c.inPlay() {
		return ErrNotVerified
	}
	name, args, _ := strings.Cut(p.Command, " ")
	s.events.Publish(Event{Type: EventCommand, Player: c.Player.Name, UUID: c.Player.UUID.String(), Message: p.Command})

	if !s.bridge.OwnsCommand(name) {
		reply := protocol.Component{Text: "Unknown command: " + name, Color: "red"}
		return c.send(&protocol.SystemChatMessage{Content: reply.String()})
	}
	s.bridge.Command(*c.Player, name, args)
	return nil
}

func (s *Server) handlePluginMessage(c *Connection, p *protocol.ServerPluginMessage) error {
	if !c.inPlay() {
		return ErrNotVerified
	}
	s.bridge.PluginMessage(*c.Player, p.Channel, p.Data)
	return nil
}

// handleKeepAliveResponse records the round trip when the id matches the
// last keep-alive sent. Stale answers are accepted silently.
func (s *Server) handleKeepAliveResponse(c *Connection, p *protocol.KeepAliveResponse) error {
	if c.keepAliveSentAt.IsZero() || p.KeepAliveID != c.keepAliveID {
		return nil
	}
	s.metrics.ObserveKeepAlive(time.Since(c.keepAliveSentAt))
	c.keepAliveID = 0
	c.keepAliveSentAt = time.Time{}
	return nil
}

// routeResponses applies everything the bridge queued this tick
func (s *Server) routeResponses(responses []plugin.Response) {
	for _, r := range responses {
		s.metrics.RecordResponse(r.Kind.String())

		switch r.Kind {
		case plugin.ResponseBroadcast:
			s.broadcast(string(r.Message))
		case plugin.ResponseMessage:
			for _, c := range s.players.Find(r.Player) {
				if !c.inPlay() {
					continue
				}
				if err := c.send(&protocol.SystemChatMessage{Content: string(r.Message)}); err != nil {
					c.markClosed("write failed")
				}
			}
		case plugin.ResponseDisconnect:
			for _, c := range s.players.Find(r.Player) {
				s.kick(c, string(r.Message))
			}
		}
	}
}

// broadcast sends one system message to every player, encoding it once
func (s *Server) broadcast(content string) {
	data, err := protocol.EncodeMessage(&protocol.SystemChatMessage{Content: content})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode broadcast")
		return
	}
	for _, c := range s.connections {
		if !c.inPlay() {
			continue
		}
		if err := c.conn.WriteBytes(data); err != nil {
			c.markClosed("write failed")
		}
	}
}

// kick sends a Play disconnect with the given JSON reason and closes the
// connection at the end of the tick
func (s *Server) kick(c *Connection, reason string) {
	if c.closed {
		return
	}
	if err := c.send(&protocol.Disconnect{Reason: reason}); err != nil {
		c.logger.Debug().Err(err).Msg("disconnect write failed")
	}
	c.markClosed("kicked")
}
