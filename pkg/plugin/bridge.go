// Package plugin connects externally authored modules to the server loop.
//
// The server calls a Bridge at fixed lifecycle points and drains its
// response queue once per tick. All Bridge methods are called from the
// server loop goroutine only.
package plugin

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

// Player identifies a logged-in session. Modules refer to players by name
// or UUID string, never by connection.
type Player struct {
	Name string
	UUID uuid.UUID
}

// ResponseKind selects how the server routes a Response
type ResponseKind uint8

const (
	ResponseMessage ResponseKind = iota
	ResponseBroadcast
	ResponseDisconnect
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseMessage:
		return "message"
	case ResponseBroadcast:
		return "broadcast"
	case ResponseDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Response is an outbound intent produced by a module. Player matches a
// session by name or UUID string and is empty for broadcasts. Message is a
// JSON chat component (the disconnect reason for ResponseDisconnect).
type Response struct {
	Kind    ResponseKind
	Player  string
	Message json.RawMessage
}

// CommandRegistrar lets modules add root commands to the command graph
type CommandRegistrar interface {
	CreateSimpleCommand(name string) (int32, error)
}

// Bridge is the boundary between the server loop and plugin logic
type Bridge interface {
	Init()
	RegisterCommands(r CommandRegistrar)
	PlayerJoin(p Player)
	PlayerLeave(p Player)
	ChatMessage(p Player, message string)
	OwnsCommand(name string) bool
	Command(p Player, name, args string)
	PluginMessage(p Player, channel string, data []byte)
	// Responses returns and clears everything queued since the last call
	Responses() []Response
}

// Responder is the outbound half of the module API
type Responder interface {
	SendMessage(player string, message json.RawMessage)
	Broadcast(message json.RawMessage)
	Disconnect(player string, reason json.RawMessage)
}

// Queue collects responses between drains. It is not safe for concurrent use.
type Queue struct {
	responses []Response
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) SendMessage(player string, message json.RawMessage) {
	q.responses = append(q.responses, Response{Kind: ResponseMessage, Player: player, Message: message})
}

func (q *Queue) Broadcast(message json.RawMessage) {
	q.responses = append(q.responses, Response{Kind: ResponseBroadcast, Message: message})
}

// Disconnect queues a kick; a nil reason uses the generic disconnect message
func (q *Queue) Disconnect(player string, reason json.RawMessage) {
	if reason == nil {
		reason = ComponentJSON(protocol.GenericDisconnect)
	}
	q.responses = append(q.responses, Response{Kind: ResponseDisconnect, Player: player, Message: reason})
}

// Len returns the number of queued responses
func (q *Queue) Len() int {
	return len(q.responses)
}

// Drain returns the queued responses in order and empties the queue
func (q *Queue) Drain() []Response {
	out := q.responses
	q.responses = nil
	return out
}

// ComponentJSON encodes a chat component for a Response
func ComponentJSON(c protocol.Component) json.RawMessage {
	return json.RawMessage(c.String())
}
