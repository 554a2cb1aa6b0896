package server

import (
	"fmt"

	"github.com/aeolun/quectocraft/pkg/plugin"
	"github.com/aeolun/quectocraft/pkg/protocol"
)

// Disconnect reasons shown to clients during login
var (
	reasonDuplicateLogin = protocol.Translate("multiplayer.disconnect.duplicate_login")
	reasonServerFull     = protocol.Translate("multiplayer.disconnect.server_full")
	reasonProxyRequired  = protocol.Text("This server requires you to connect through a proxy.")
	reasonBadForwarding  = protocol.Text("Unable to verify player details.")
	reasonNotVerified    = protocol.Text("Login was not verified.")
)

// handleLoginStart records the claimed identity and starts the plugin
// round trip selected by the trust mode
func (s *Server) handleLoginStart(c *Connection, p *protocol.LoginStart) error {
	if c.State != protocol.StateLogin || c.loginStarted {
		return fmt.Errorf("%w: login start", ErrUnexpectedPacket)
	}
	c.loginStarted = true

	id := p.UUID
	if !p.HasUUID {
		id = OfflineUUID(p.Name)
	}
	c.claimed = plugin.Player{Name: p.Name, UUID: id}
	c.logger = c.logger.With().Str("player", p.Name).Logger()
	c.logger.Debug().Str("uuid", id.String()).Msg("login start")

	if s.config.DuplicatePolicy == DuplicateReject {
		if _, ok := s.players.Get(id); ok {
			s.metrics.RecordLogin("duplicate")
			return s.rejectLogin(c, reasonDuplicateLogin, "duplicate login")
		}
	}

	switch s.config.TrustMode {
	case TrustProxyVerified:
		c.pendingRequest = ForwardingMessageID
		return c.send(&protocol.LoginPluginRequest{
			MessageID: ForwardingMessageID,
			Channel:   ForwardingChannel,
			Data:      []byte{ForwardingVersion},
		})
	default:
		// Self-asserted identity; the barrier only orders the login
		c.Verified = true
		c.pendingRequest = BarrierMessageID
		return c.send(&protocol.LoginPluginRequest{
			MessageID: BarrierMessageID,
			Channel:   BarrierChannel,
		})
	}
}

func (s *Server) handlePluginResponse(c *Connection, p *protocol.LoginPluginResponse) error {
	if c.State != protocol.StateLogin || c.pendingRequest == noRequest || p.MessageID != c.pendingRequest {
		return fmt.Errorf("%w: id %d", ErrUnexpectedPluginResponse, p.MessageID)
	}
	c.pendingRequest = noRequest

	if p.MessageID == ForwardingMessageID {
		if !p.Successful || len(p.Data) == 0 {
			s.metrics.RecordLogin("unforwarded")
			return s.rejectLogin(c, reasonProxyRequired, ErrMissingForwardingData.Error())
		}
		fwd, err := VerifyForwarding(s.config.Secret, p.Data)
		if err != nil {
			s.metrics.RecordLogin("bad_signature")
			return s.rejectLogin(c, reasonBadForwarding, err.Error())
		}
		c.claimed = plugin.Player{Name: fwd.Name, UUID: fwd.UUID}
		c.properties = fwd.Properties
		c.Verified = true
		c.logger = c.logger.With().Str("player", fwd.Name).Str("forwarded_for", fwd.Address).Logger()
	}

	return s.finalizeLogin(c)
}

// finalizeLogin admits a verified connection as a player and sends the
// play bootstrap
func (s *Server) finalizeLogin(c *Connection) error {
	if !c.Verified {
		s.metrics.RecordLogin("unverified")
		if err := s.rejectLogin(c, reasonNotVerified, ErrNotVerified.Error()); err != nil {
			return err
		}
		return ErrNotVerified
	}

	if reason, ok := s.admitIdentity(c.claimed); !ok {
		s.metrics.RecordLogin("rejected")
		return s.rejectLogin(c, reason, "admission refused")
	}

	player := c.claimed
	c.Player = &player
	if err := s.players.Add(c); err != nil {
		c.Player = nil
		s.metrics.RecordLogin("duplicate")
		return s.rejectLogin(c, reasonDuplicateLogin, err.Error())
	}
	c.State = protocol.StatePlay

	s.metrics.RecordLogin("ok")
	s.metrics.SetPlayersOnline(s.players.Len())
	s.playerCount.Store(int64(s.players.Len()))
	c.logger.Info().Str("uuid", player.UUID.String()).Msg("player joined")

	s.bridge.PlayerJoin(player)
	s.events.Publish(Event{Type: EventJoin, Player: player.Name, UUID: player.UUID.String()})

	return s.sendBootstrap(c)
}

// admitIdentity applies the duplicate policy and the player limit. Under
// kick-existing the previous session is released here so the newcomer can
// take its identity.
func (s *Server) admitIdentity(p plugin.Player) (protocol.Component, bool) {
	if existing, ok := s.players.Get(p.UUID); ok {
		if s.config.DuplicatePolicy != DuplicateKickExisting {
			return reasonDuplicateLogin, false
		}
		existing.logger.Info().Msg("replaced by a new login")
		s.kick(existing, reasonDuplicateLogin.String())
		s.releasePlayer(existing)
	}

	if s.config.MaxPlayers > 0 && s.players.Len() >= s.config.MaxPlayers {
		return reasonServerFull, false
	}
	return protocol.Component{}, true
}

// rejectLogin sends a login disconnect and closes the connection at the end
// of the tick. Only a failed write is returned.
func (s *Server) rejectLogin(c *Connection, reason protocol.Component, cause string) error {
	c.logger.Info().Str("cause", cause).Msg("login rejected")
	c.markClosed(cause)
	if err := c.send(&protocol.LoginDisconnect{Reason: reason.String()}); err != nil {
		return fmt.Errorf("send login disconnect: %w", err)
	}
	return nil
}

// abilityFlags grants flight to creative and spectator players
func abilityFlags(gameMode uint8) int8 {
	switch gameMode {
	case 1:
		return protocol.AbilityInvulnerable | protocol.AbilityAllowFlying | protocol.AbilityInstantBreak
	case 3:
		return protocol.AbilityInvulnerable | protocol.AbilityFlying | protocol.AbilityAllowFlying
	default:
		return 0
	}
}

// sendBootstrap writes the packets a client needs to leave the loading
// screen, in order
func (s *Server) sendBootstrap(c *Connection) error {
	s.nextEntityID++
	spawn := s.config.Spawn

	first := []protocol.Packet{
		&protocol.LoginSuccess{
			UUID:       c.Player.UUID,
			Username:   c.Player.Name,
			Properties: c.properties,
		},
		&protocol.LoginPlay{
			EntityID:            s.nextEntityID,
			GameMode:            s.config.GameMode,
			PreviousGameMode:    -1,
			DimensionNames:      []string{protocol.DefaultDimension},
			RegistryCodec:       s.registryCodec,
			DimensionType:       protocol.DefaultDimension,
			DimensionName:       protocol.DefaultDimension,
			MaxPlayers:          int32(s.config.MaxPlayers),
			ViewDistance:        s.config.ViewDistance,
			SimulationDistance:  s.config.SimulationDistance,
			EnableRespawnScreen: true,
			IsFlat:              true,
		},
		&protocol.PluginMessage{
			Channel: "minecraft:brand",
			Data:    protocol.BrandPayload(s.config.Brand),
		},
	}
	for _, p := range first {
		if err := c.send(p); err != nil {
			return err
		}
	}

	if err := c.conn.WriteBytes(s.commands); err != nil {
		return err
	}

	rest := []protocol.Packet{
		protocol.EmptyChunk(0, 0),
		&protocol.SetDefaultSpawnPosition{Location: spawn},
		&protocol.SyncPlayerPosition{
			X:          float64(spawn.X) + 0.5,
			Y:          float64(spawn.Y),
			Z:          float64(spawn.Z) + 0.5,
			TeleportID: 1,
		},
		&protocol.PlayerAbilities{
			Flags:       abilityFlags(s.config.GameMode),
			FlyingSpeed: 0.05,
			FOVModifier: 0.1,
		},
	}
	for _, p := range rest {
		if err := c.send(p); err != nil {
			return err
		}
	}
	return nil
}
