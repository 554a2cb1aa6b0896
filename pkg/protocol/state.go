package protocol

import (
	"fmt"
)

// State is the connection state that scopes packet IDs
type State uint8

const (
	StateHandshake State = iota
	StateStatus
	StateLogin
	StatePlay
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StatePlay:
		return "play"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type packetKey struct {
	state State
	id    int32
}

// Registry maps (state, packet ID) to a serverbound packet constructor.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	decoders map[packetKey]func() Packet
	ignored  map[packetKey]struct{}
}

// NewRegistry builds the serverbound dispatch table. ignoredPlay lists Play
// packet IDs that decode to Ignored instead of Unknown; IDs with a decoder
// are never ignored.
func NewRegistry(ignoredPlay []int32) *Registry {
	r := &Registry{
		decoders: map[packetKey]func() Packet{
			{StateHandshake, IDHandshake}:       func() Packet { return &Handshake{} },
			{StateStatus, IDStatusRequest}:      func() Packet { return &StatusRequest{} },
			{StateStatus, IDPingRequest}:        func() Packet { return &PingRequest{} },
			{StateLogin, IDLoginStart}:          func() Packet { return &LoginStart{} },
			{StateLogin, IDLoginPluginResponse}: func() Packet { return &LoginPluginResponse{} },
			{StatePlay, IDChatCommand}:          func() Packet { return &ChatCommand{} },
			{StatePlay, IDChatMessage}:          func() Packet { return &ChatMessage{} },
			{StatePlay, IDServerPluginMessage}:  func() Packet { return &ServerPluginMessage{} },
			{StatePlay, IDKeepAliveResponse}:    func() Packet { return &KeepAliveResponse{} },
		},
		ignored: make(map[packetKey]struct{}),
	}
	for _, id := range ignoredPlay {
		key := packetKey{StatePlay, id}
		if _, ok := r.decoders[key]; ok {
			continue
		}
		r.ignored[key] = struct{}{}
	}
	return r
}

// Decode classifies a frame read in the given state. Unrecognized IDs yield
// Unknown, configured ones yield Ignored; only a malformed body is an error.
func (r *Registry) Decode(state State, f *Frame) (Packet, error) {
	key := packetKey{state, f.ID}
	if newPacket, ok := r.decoders[key]; ok {
		p := newPacket()
		if err := p.Decode(f.Payload); err != nil {
			return nil, fmt.Errorf("decode %s packet 0x%02X: %w", state, f.ID, err)
		}
		return p, nil
	}
	if _, ok := r.ignored[key]; ok {
		return &Ignored{State: state, PacketID: f.ID}, nil
	}
	return &Unknown{State: state, PacketID: f.ID, Payload: f.Payload}, nil
}

// IsIgnored reports whether id is in the ignored Play set
func (r *Registry) IsIgnored(id int32) bool {
	_, ok := r.ignored[packetKey{StatePlay, id}]
	return ok
}

// NextState returns the state a reader moves to after decoding p in s.
// Handshake selects Status or Login, and a LoginPluginResponse completes
// login. Everything else leaves the state unchanged.
func NextState(s State, p Packet) State {
	switch p := p.(type) {
	case *Handshake:
		if s != StateHandshake {
			return s
		}
		switch p.NextState {
		case NextStateStatus:
			return StateStatus
		case NextStateLogin:
			return StateLogin
		}
	case *LoginPluginResponse:
		if s == StateLogin {
			return StatePlay
		}
	}
	return s
}
