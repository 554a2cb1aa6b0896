package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	eventBuffer    = 64
	eventWriteWait = 5 * time.Second
)

type EventType string

const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventChat    EventType = "chat"
	EventCommand EventType = "command"
	EventConsole EventType = "console"
)

// Event is one entry of the live feed served at /events
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Player  string    `json:"player,omitempty"`
	UUID    string    `json:"uuid,omitempty"`
	Message string    `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// EventHub fans events out to websocket subscribers. Publish never blocks
// the server loop: a subscriber whose buffer is full misses the event.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
	logger      zerolog.Logger
}

type subscriber struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func NewEventHub(logger zerolog.Logger) *EventHub {
	return &EventHub{
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger,
	}
}

// Publish stamps and queues an event for every subscriber
func (h *EventHub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.events <- e:
		default:
			h.logger.Debug().Str("type", string(e.Type)).Msg("subscriber lagging, event dropped")
		}
	}
}

// Subscribe registers a listener. The returned cancel func unregisters it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	sub := h.subscribe()
	return sub.events, func() { h.remove(sub) }
}

func (h *EventHub) subscribe() *subscriber {
	sub := &subscriber{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		sub.stop()
	} else {
		h.subscribers[sub] = struct{}{}
	}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.stop()
}

// Len returns the number of subscribers
func (h *EventHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		sub.stop()
	}
}

// ServeHTTP upgrades the request and streams events as JSON text messages
// until either side goes away
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.subscribe()
	defer h.remove(sub)

	// The feed is one-way; reading only detects the peer closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-sub.events:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-gone:
			return
		case <-sub.done:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"))
			return
		}
	}
}
