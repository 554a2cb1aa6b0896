package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAdminServer(t *testing.T, bridge *recordingBridge) *Server {
	t.Helper()
	return startTestServer(t, bridge, func(c *ServerConfig) { c.AdminAddr = "127.0.0.1:0" })
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, newRecordingBridge(), nil)
	addFakePlayer(t, s, "Alice")
	s.Tick()

	rec := httptest.NewRecorder()
	s.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "1.19.3", status.Version)
	assert.Equal(t, int32(761), status.Protocol)
	assert.Equal(t, int64(1), status.Tick)
	assert.Equal(t, int64(1), status.Connections)
	assert.Equal(t, 0, status.Subscribers)
}

func TestAdminEndpoints(t *testing.T) {
	bridge := newRecordingBridge()
	s := startAdminServer(t, bridge)
	require.NotNil(t, s.AdminAddr())
	base := fmt.Sprintf("http://%s", s.AdminAddr())

	joinAs(t, s, "Alice")
	require.Eventually(t, func() bool { return bridge.joinCount() == 1 }, testTimeout, time.Millisecond)

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(base + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		var status HealthStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		assert.Equal(t, "ok", status.Status)
		assert.Equal(t, int64(1), status.Players)
		assert.Positive(t, status.Tick)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		text := string(body)
		assert.Contains(t, text, "quectocraft_connections_total 1")
		assert.Contains(t, text, "quectocraft_players_online 1")
		assert.Contains(t, text, `quectocraft_logins_total{result="ok"} 1`)
		assert.Contains(t, text, `quectocraft_packets_received_total{packet="LoginStart",state="login"} 1`)
		assert.Contains(t, text, "quectocraft_tick_duration_seconds_count")
	})
}

func TestEventFeed(t *testing.T) {
	bridge := newRecordingBridge()
	s := startAdminServer(t, bridge)

	url := fmt.Sprintf("ws://%s/events", s.AdminAddr())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.Events().Len() == 1 }, testTimeout, time.Millisecond)

	conn := joinAs(t, s, "Alice")
	require.NoError(t, conn.Chat("hi feed"))

	readEvent := func() Event {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(testTimeout))
		var e Event
		require.NoError(t, ws.ReadJSON(&e))
		return e
	}

	join := readEvent()
	assert.Equal(t, EventJoin, join.Type)
	assert.Equal(t, "Alice", join.Player)
	assert.Equal(t, OfflineUUID("Alice").String(), join.UUID)
	assert.False(t, join.Time.IsZero())

	chat := readEvent()
	assert.Equal(t, EventChat, chat.Type)
	assert.Equal(t, "hi feed", chat.Message)

	require.NoError(t, conn.Close())
	leave := readEvent()
	assert.Equal(t, EventLeave, leave.Type)
	assert.Equal(t, "Alice", leave.Player)
}

func TestEventHubSubscribe(t *testing.T) {
	hub := NewEventHub(ComponentLogger("events"))
	events, cancel := hub.Subscribe()
	assert.Equal(t, 1, hub.Len())

	hub.Publish(Event{Type: EventConsole, Message: "one"})
	e := <-events
	assert.Equal(t, "one", e.Message)
	assert.False(t, e.Time.IsZero())

	// A full buffer drops instead of blocking
	for i := 0; i < eventBuffer+10; i++ {
		hub.Publish(Event{Type: EventChat})
	}
	assert.Len(t, events, eventBuffer)

	cancel()
	assert.Equal(t, 0, hub.Len())

	hub.Close()
	_, cancelLate := hub.Subscribe()
	defer cancelLate()
	assert.Equal(t, 0, hub.Len())
}
