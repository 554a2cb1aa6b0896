package server

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/quectocraft/pkg/plugin"
	"github.com/aeolun/quectocraft/pkg/protocol"
)

func keepAliveIDs(t *testing.T, fc *fakeConn) []int64 {
	t.Helper()
	var ids []int64
	for _, frame := range fc.framesWithID(t, protocol.IDKeepAlive) {
		var ka protocol.KeepAlive
		require.NoError(t, ka.Decode(frame.Payload))
		ids = append(ids, ka.KeepAliveID)
	}
	return ids
}

func TestKeepAliveCadence(t *testing.T) {
	s := newTestServer(t, newRecordingBridge(), func(c *ServerConfig) { c.KeepAliveTicks = 4 })
	_, fc := addFakePlayer(t, s, "Alice")

	for i := 0; i < 10; i++ {
		s.Tick()
	}
	assert.Equal(t, []int64{4, 8}, keepAliveIDs(t, fc))
}

func TestKeepAliveCountProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		every := rapid.Int64Range(1, 8).Draw(rt, "keepAliveTicks")
		ticks := rapid.Int64Range(0, 40).Draw(rt, "ticks")

		cfg := testConfig()
		cfg.KeepAliveTicks = every
		s, err := NewServer(cfg, newRecordingBridge(), nil)
		if err != nil {
			rt.Fatalf("new server: %v", err)
		}
		defer s.Stop()
		_, fc := addFakePlayer(t, s, "Alice")

		for i := int64(0); i < ticks; i++ {
			s.Tick()
		}
		if got := int64(len(fc.framesWithID(t, protocol.IDKeepAlive))); got != ticks/every {
			rt.Fatalf("%d keep-alives after %d ticks every %d, want %d", got, ticks, every, ticks/every)
		}
	})
}

func TestKeepAliveSkipsConnectionsNotInPlay(t *testing.T) {
	s := newTestServer(t, newRecordingBridge(), func(c *ServerConfig) { c.KeepAliveTicks = 1 })

	fc := newFakeConn()
	c := newConnection(1, fc, 4, 0, s.logger)
	c.State = protocol.StateLogin
	s.connections = append(s.connections, c)

	s.Tick()
	s.Tick()
	assert.Empty(t, fc.frames(t))
}

func TestKeepAliveResponseClearsPending(t *testing.T) {
	s := newTestServer(t, newRecordingBridge(), func(c *ServerConfig) { c.KeepAliveTicks = 3 })
	c, _ := addFakePlayer(t, s, "Alice")

	for i := 0; i < 3; i++ {
		s.Tick()
	}
	require.Equal(t, int64(3), c.keepAliveID)
	require.False(t, c.keepAliveSentAt.IsZero())

	// Tick 4: a stale id is accepted without clearing the pending keep-alive
	c.inbound <- inbound{packet: &protocol.KeepAliveResponse{KeepAliveID: 1}}
	s.Tick()
	assert.False(t, c.closed)
	assert.Equal(t, int64(3), c.keepAliveID)
	assert.False(t, c.keepAliveSentAt.IsZero())

	// Tick 5 sends no new keep-alive, so the match is observable
	c.inbound <- inbound{packet: &protocol.KeepAliveResponse{KeepAliveID: 3}}
	s.Tick()
	assert.False(t, c.closed)
	assert.Zero(t, c.keepAliveID)
	assert.True(t, c.keepAliveSentAt.IsZero())

	// Tick 6 sends a keep-alive again with the new tick number
	s.Tick()
	assert.Equal(t, int64(6), c.keepAliveID)
	assert.False(t, c.keepAliveSentAt.IsZero())
}

func TestFailedKeepAliveWriteLeavesOnce(t *testing.T) {
	bridge := newRecordingBridge()
	s := newTestServer(t, bridge, func(c *ServerConfig) { c.KeepAliveTicks = 1 })
	c, fc := addFakePlayer(t, s, "Alice")
	fc.setFailWrites(true)

	s.Tick()
	assert.True(t, c.closed)
	assert.True(t, fc.isClosed())
	assert.Empty(t, s.connections)
	assert.Equal(t, 0, s.players.Len())
	assert.Equal(t, 1, bridge.leaveCount())

	// Nothing else fires for the removed connection
	s.Tick()
	s.Tick()
	assert.Equal(t, 1, bridge.leaveCount())
}

func TestReaderErrorClosesConnection(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		cause string
	}{
		{"eof", io.EOF, "client disconnected"},
		{"decode failure", errors.New("bad frame"), "bad frame"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newRecordingBridge()
			s := newTestServer(t, bridge, nil)
			c, _ := addFakePlayer(t, s, "Alice")

			c.inbound <- inbound{err: tt.err}
			s.Tick()

			assert.Equal(t, tt.cause, c.closeCause)
			assert.Empty(t, s.connections)
			assert.Equal(t, 1, bridge.leaveCount())
		})
	}
}

func TestClosedReaderClosesConnection(t *testing.T) {
	s := newTestServer(t, newRecordingBridge(), nil)
	c, _ := addFakePlayer(t, s, "Alice")

	close(c.inbound)
	s.Tick()
	assert.Equal(t, "reader stopped", c.closeCause)
	assert.Empty(t, s.connections)
}

func TestUnknownAndIgnoredPacketsKeepConnection(t *testing.T) {
	s := newTestServer(t, newRecordingBridge(), nil)
	c, _ := addFakePlayer(t, s, "Alice")

	c.inbound <- inbound{packet: &protocol.Unknown{State: protocol.StatePlay, PacketID: 0x7E, Payload: []byte{1, 2}}}
	c.inbound <- inbound{packet: &protocol.Ignored{State: protocol.StatePlay, PacketID: 0x14}}
	s.Tick()

	assert.False(t, c.closed)
	assert.Len(t, s.connections, 1)
}

func TestPlayPacketsBeforeLoginClose(t *testing.T) {
	bridge := newRecordingBridge()
	s := newTestServer(t, bridge, nil)

	c := newConnection(1, newFakeConn(), 4, 0, s.logger)
	c.State = protocol.StateLogin
	s.connections = append(s.connections, c)

	c.inbound <- inbound{packet: &protocol.ChatMessage{Message: "hi"}}
	s.Tick()

	assert.Equal(t, ErrNotVerified.Error(), c.closeCause)
	chats, _, _ := bridge.snapshot()
	assert.Empty(t, chats)
	assert.Equal(t, 0, bridge.leaveCount())
}

func TestInboundDispatchedBeforeResponses(t *testing.T) {
	bridge := newRecordingBridge()
	s := newTestServer(t, bridge, nil)
	c, _ := addFakePlayer(t, s, "Alice")

	bridge.enqueue(func(q *plugin.Queue) { q.Disconnect("Alice", nil) })
	c.inbound <- inbound{packet: &protocol.ChatMessage{Message: "first"}}
	s.Tick()
	assert.True(t, c.closed)

	chats, _, _ := bridge.snapshot()
	assert.Equal(t, []string{"Alice: first"}, chats)
}

func TestRouteResponses(t *testing.T) {
	bridge := newRecordingBridge()
	s := newTestServer(t, bridge, nil)
	alice, aliceConn := addFakePlayer(t, s, "Alice")
	bob, bobConn := addFakePlayer(t, s, "Bob")

	hello := plugin.ComponentJSON(protocol.Text("hello everyone"))
	private := plugin.ComponentJSON(protocol.Text("just you"))
	bridge.enqueue(func(q *plugin.Queue) {
		q.Broadcast(hello)
		q.SendMessage("alice", private)
		q.SendMessage("nobody", private)
		q.Disconnect(bob.Player.UUID.String(), plugin.ComponentJSON(protocol.Text("bye")))
	})
	s.Tick()

	assert.Equal(t, []string{string(hello), string(private)}, aliceConn.systemMessages(t))
	assert.Equal(t, []string{string(hello)}, bobConn.systemMessages(t))

	disconnects := bobConn.framesWithID(t, protocol.IDDisconnect)
	require.Len(t, disconnects, 1)
	var d protocol.Disconnect
	require.NoError(t, d.Decode(disconnects[0].Payload))
	assert.Equal(t, "bye", decodeComponent(t, d.Reason).Text)

	assert.False(t, alice.closed)
	assert.Equal(t, []*Connection{alice}, s.connections)
	assert.Equal(t, 1, bridge.leaveCount())
}

func TestUnknownCommandReply(t *testing.T) {
	bridge := newRecordingBridge("hello")
	s := newTestServer(t, bridge, nil)
	c, fc := addFakePlayer(t, s, "Alice")

	c.inbound <- inbound{packet: &protocol.ChatCommand{Command: "nope arg"}}
	c.inbound <- inbound{packet: &protocol.ChatCommand{Command: "hello big world"}}
	s.Tick()

	msgs := fc.systemMessages(t)
	require.Len(t, msgs, 1)
	reply := decodeComponent(t, msgs[0])
	assert.Equal(t, "Unknown command: nope", reply.Text)
	assert.Equal(t, "red", reply.Color)

	_, invoked, _ := bridge.snapshot()
	assert.Equal(t, []string{"Alice hello big world"}, invoked)
}

func TestPluginMessageForwarded(t *testing.T) {
	bridge := newRecordingBridge()
	s := newTestServer(t, bridge, nil)
	c, _ := addFakePlayer(t, s, "Alice")

	c.inbound <- inbound{packet: &protocol.ServerPluginMessage{Channel: "example:ping", Data: []byte("pong")}}
	s.Tick()

	_, _, messages := bridge.snapshot()
	assert.Equal(t, []string{"example:ping=pong"}, messages)
}

func TestConsoleCommands(t *testing.T) {
	bridge := newRecordingBridge()
	s := newTestServer(t, bridge, nil)

	assert.Equal(t, "no players online", s.runConsoleCommand("list", "op"))

	_, aliceConn := addFakePlayer(t, s, "Alice")
	_, bobConn := addFakePlayer(t, s, "Bob")

	list := s.runConsoleCommand("list", "op")
	assert.Contains(t, list, "Alice")
	assert.Contains(t, list, OfflineUUID("Bob").String())
	assert.True(t, strings.HasSuffix(list, "2/20 players online"), list)

	assert.Empty(t, s.runConsoleCommand("say hello there", "op"))
	for _, fc := range []*fakeConn{aliceConn, bobConn} {
		msgs := fc.systemMessages(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, "[Server] hello there", decodeComponent(t, msgs[0]).Text)
	}

	assert.Empty(t, s.runConsoleCommand("msg bob psst", "op"))
	bobMsgs := bobConn.systemMessages(t)
	require.Len(t, bobMsgs, 2)
	assert.Equal(t, "[Server -> you] psst", decodeComponent(t, bobMsgs[1]).Text)
	assert.Len(t, aliceConn.systemMessages(t), 1)

	assert.Equal(t, `no player "carol" online`, s.runConsoleCommand("msg carol hi", "op"))
	assert.Equal(t, "usage: say <text>", s.runConsoleCommand("say", "op"))
	assert.Equal(t, `unknown command "fly", try help`, s.runConsoleCommand("fly", "op"))
	assert.Equal(t, consoleHelp, s.runConsoleCommand("HELP", "op"))

	assert.Equal(t, "kicked 1 player(s)", s.runConsoleCommand("kick alice griefing", "op"))
	disconnects := aliceConn.framesWithID(t, protocol.IDDisconnect)
	require.Len(t, disconnects, 1)
	var d protocol.Disconnect
	require.NoError(t, d.Decode(disconnects[0].Payload))
	assert.Equal(t, "griefing", decodeComponent(t, d.Reason).Text)

	s.Tick()
	assert.Equal(t, 1, bridge.leaveCount())
	assert.Equal(t, 1, s.players.Len())
}

func TestStatusDocument(t *testing.T) {
	s := newTestServer(t, newRecordingBridge(), func(c *ServerConfig) {
		c.MOTD = "welcome"
		c.MaxPlayers = 50
	})
	for i := 0; i < maxStatusSample+3; i++ {
		addFakePlayer(t, s, "player"+strings.Repeat("x", i))
	}

	doc := s.statusDocument()
	assert.Equal(t, protocol.GameVersion, doc.Version.Name)
	assert.Equal(t, int32(protocol.ProtocolVersion), doc.Version.Protocol)
	assert.Equal(t, 50, doc.Players.Max)
	assert.Equal(t, maxStatusSample+3, doc.Players.Online)
	assert.Len(t, doc.Players.Sample, maxStatusSample)
	assert.Equal(t, "welcome", doc.Description.Text)

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"description":{"text":"welcome"}`)
}

func TestAbilityFlags(t *testing.T) {
	assert.Equal(t, int8(0), abilityFlags(0))
	assert.Equal(t, int8(0x0D), abilityFlags(1))
	assert.Equal(t, int8(0), abilityFlags(2))
	assert.Equal(t, int8(0x07), abilityFlags(3))
}

func TestStopReleasesPlayers(t *testing.T) {
	bridge := newRecordingBridge()
	s := newTestServer(t, bridge, nil)
	_, fc := addFakePlayer(t, s, "Alice")
	addFakePlayer(t, s, "Bob")

	require.NoError(t, s.Stop())
	assert.True(t, fc.isClosed())
	assert.Equal(t, 2, bridge.leaveCount())
	assert.Empty(t, s.connections)

	// A second Stop is a no-op
	require.NoError(t, s.Stop())
	assert.Equal(t, 2, bridge.leaveCount())
}
