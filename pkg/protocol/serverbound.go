package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	// NextStateStatus and NextStateLogin are the only valid handshake intents
	NextStateStatus = 1
	NextStateLogin  = 2

	// MessageSignatureLen is the fixed size of a chat signature
	MessageSignatureLen = 256

	// AcknowledgedLen is the byte width of the last-seen-messages bit set
	AcknowledgedLen = 3

	maxArgumentSignatures = 8
)

// Handshake opens every connection and selects the next state
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       int32
}

func (m *Handshake) ID() int32 { return IDHandshake }

func (m *Handshake) EncodeTo(w io.Writer) error {
	if err := WriteVarInt(w, m.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteString(w, m.ServerAddress, 255); err != nil {
		return err
	}
	if err := WriteUint16(w, m.ServerPort); err != nil {
		return err
	}
	return WriteVarInt(w, m.NextState)
}

func (m *Handshake) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.ProtocolVersion, err = ReadVarInt(r); err != nil {
		return err
	}
	if m.ServerAddress, err = ReadString(r, 255); err != nil {
		return err
	}
	if m.ServerPort, err = ReadUint16(r); err != nil {
		return err
	}
	if m.NextState, err = ReadVarInt(r); err != nil {
		return err
	}
	if m.NextState != NextStateStatus && m.NextState != NextStateLogin {
		return fmt.Errorf("%w: %d", ErrInvalidNextState, m.NextState)
	}
	return nil
}

// StatusRequest asks for the server list ping response
type StatusRequest struct{}

func (m *StatusRequest) ID() int32                   { return IDStatusRequest }
func (m *StatusRequest) EncodeTo(w io.Writer) error  { return nil }
func (m *StatusRequest) Decode(payload []byte) error { return nil }

// PingRequest carries an opaque value the server echoes back
type PingRequest struct {
	Payload int64
}

func (m *PingRequest) ID() int32 { return IDPingRequest }

func (m *PingRequest) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Payload)
}

func (m *PingRequest) Decode(payload []byte) error {
	var err error
	m.Payload, err = ReadInt64(bytes.NewReader(payload))
	return err
}

// LoginStart names the player attempting to join
type LoginStart struct {
	Name    string
	HasUUID bool
	UUID    uuid.UUID
}

func (m *LoginStart) ID() int32 { return IDLoginStart }

func (m *LoginStart) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Name, MaxUsernameLen); err != nil {
		return err
	}
	if err := WriteBool(w, m.HasUUID); err != nil {
		return err
	}
	if m.HasUUID {
		return WriteUUID(w, m.UUID)
	}
	return nil
}

func (m *LoginStart) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.Name, err = ReadString(r, MaxUsernameLen); err != nil {
		return err
	}
	if m.HasUUID, err = ReadBool(r); err != nil {
		return err
	}
	if m.HasUUID {
		if m.UUID, err = ReadUUID(r); err != nil {
			return err
		}
	}
	return nil
}

// LoginPluginResponse answers a LoginPluginRequest with the same message ID
type LoginPluginResponse struct {
	MessageID  int32
	Successful bool
	Data       []byte
}

func (m *LoginPluginResponse) ID() int32 { return IDLoginPluginResponse }

func (m *LoginPluginResponse) EncodeTo(w io.Writer) error {
	if err := WriteVarInt(w, m.MessageID); err != nil {
		return err
	}
	if err := WriteBool(w, m.Successful); err != nil {
		return err
	}
	_, err := w.Write(m.Data)
	return err
}

func (m *LoginPluginResponse) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.MessageID, err = ReadVarInt(r); err != nil {
		return err
	}
	if m.Successful, err = ReadBool(r); err != nil {
		return err
	}
	m.Data, err = ReadRemaining(r)
	return err
}

// ChatMessage is a line of player chat
type ChatMessage struct {
	Message      string
	Timestamp    int64
	Salt         int64
	Signature    []byte // nil when unsigned, otherwise MessageSignatureLen bytes
	MessageCount int32
	Acknowledged [AcknowledgedLen]byte
}

func (m *ChatMessage) ID() int32 { return IDChatMessage }

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Message, MaxChatInputLen); err != nil {
		return err
	}
	if err := WriteInt64(w, m.Timestamp); err != nil {
		return err
	}
	if err := WriteInt64(w, m.Salt); err != nil {
		return err
	}
	if err := writeOptionalSignature(w, m.Signature); err != nil {
		return err
	}
	if err := WriteVarInt(w, m.MessageCount); err != nil {
		return err
	}
	_, err := w.Write(m.Acknowledged[:])
	return err
}

func (m *ChatMessage) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.Message, err = ReadString(r, MaxChatInputLen); err != nil {
		return err
	}
	if m.Timestamp, err = ReadInt64(r); err != nil {
		return err
	}
	if m.Salt, err = ReadInt64(r); err != nil {
		return err
	}
	if m.Signature, err = readOptionalSignature(r); err != nil {
		return err
	}
	if m.MessageCount, err = ReadVarInt(r); err != nil {
		return err
	}
	return readFull(r, m.Acknowledged[:])
}

// ArgumentSignature signs one argument of a chat command
type ArgumentSignature struct {
	Name      string
	Signature []byte
}

// ChatCommand is a slash command typed by the player, without the leading slash
type ChatCommand struct {
	Command            string
	Timestamp          int64
	Salt               int64
	ArgumentSignatures []ArgumentSignature
	MessageCount       int32
	Acknowledged       [AcknowledgedLen]byte
}

func (m *ChatCommand) ID() int32 { return IDChatCommand }

func (m *ChatCommand) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Command, MaxChatInputLen); err != nil {
		return err
	}
	if err := WriteInt64(w, m.Timestamp); err != nil {
		return err
	}
	if err := WriteInt64(w, m.Salt); err != nil {
		return err
	}
	if err := WriteVarInt(w, int32(len(m.ArgumentSignatures))); err != nil {
		return err
	}
	for _, sig := range m.ArgumentSignatures {
		if err := WriteString(w, sig.Name, MaxUsernameLen); err != nil {
			return err
		}
		if len(sig.Signature) != MessageSignatureLen {
			return ErrSignatureLength
		}
		if _, err := w.Write(sig.Signature); err != nil {
			return err
		}
	}
	if err := WriteVarInt(w, m.MessageCount); err != nil {
		return err
	}
	_, err := w.Write(m.Acknowledged[:])
	return err
}

func (m *ChatCommand) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.Command, err = ReadString(r, MaxChatInputLen); err != nil {
		return err
	}
	if m.Timestamp, err = ReadInt64(r); err != nil {
		return err
	}
	if m.Salt, err = ReadInt64(r); err != nil {
		return err
	}
	count, err := readCount(r, maxArgumentSignatures)
	if err != nil {
		return err
	}
	m.ArgumentSignatures = nil
	for i := 0; i < count; i++ {
		var sig ArgumentSignature
		if sig.Name, err = ReadString(r, MaxUsernameLen); err != nil {
			return err
		}
		if sig.Signature, err = ReadBytes(r, MessageSignatureLen); err != nil {
			return err
		}
		m.ArgumentSignatures = append(m.ArgumentSignatures, sig)
	}
	if m.MessageCount, err = ReadVarInt(r); err != nil {
		return err
	}
	return readFull(r, m.Acknowledged[:])
}

// ServerPluginMessage is a custom-channel payload sent by the client during Play
type ServerPluginMessage struct {
	Channel string
	Data    []byte
}

func (m *ServerPluginMessage) ID() int32 { return IDServerPluginMessage }

func (m *ServerPluginMessage) EncodeTo(w io.Writer) error {
	return writePluginMessage(w, m.Channel, m.Data)
}

func (m *ServerPluginMessage) Decode(payload []byte) error {
	var err error
	m.Channel, m.Data, err = readPluginMessage(payload)
	return err
}

// KeepAliveResponse echoes the ID of a clientbound KeepAlive
type KeepAliveResponse struct {
	KeepAliveID int64
}

func (m *KeepAliveResponse) ID() int32 { return IDKeepAliveResponse }

func (m *KeepAliveResponse) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.KeepAliveID)
}

func (m *KeepAliveResponse) Decode(payload []byte) error {
	var err error
	m.KeepAliveID, err = ReadInt64(bytes.NewReader(payload))
	return err
}

// Unknown is a packet ID with no decoder in the current state
type Unknown struct {
	State    State
	PacketID int32
	Payload  []byte
}

func (m *Unknown) ID() int32 { return m.PacketID }

func (m *Unknown) EncodeTo(w io.Writer) error { return ErrUnencodablePacket }

func (m *Unknown) Decode(payload []byte) error {
	m.Payload = payload
	return nil
}

// Ignored is a packet ID listed as expected-but-uninteresting for its state
type Ignored struct {
	State    State
	PacketID int32
}

func (m *Ignored) ID() int32 { return m.PacketID }

func (m *Ignored) EncodeTo(w io.Writer) error { return ErrUnencodablePacket }

func (m *Ignored) Decode(payload []byte) error { return nil }

func writeOptionalSignature(w io.Writer, sig []byte) error {
	if sig == nil {
		return WriteBool(w, false)
	}
	if len(sig) != MessageSignatureLen {
		return ErrSignatureLength
	}
	if err := WriteBool(w, true); err != nil {
		return err
	}
	_, err := w.Write(sig)
	return err
}

func readOptionalSignature(r io.Reader) ([]byte, error) {
	present, err := ReadBool(r)
	if err != nil || !present {
		return nil, err
	}
	return ReadBytes(r, MessageSignatureLen)
}

func writePluginMessage(w io.Writer, channel string, data []byte) error {
	if err := WriteString(w, channel, MaxIdentifierLen); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readPluginMessage(payload []byte) (string, []byte, error) {
	r := bytes.NewReader(payload)
	channel, err := ReadString(r, MaxIdentifierLen)
	if err != nil {
		return "", nil, err
	}
	data, err := ReadRemaining(r)
	return channel, data, err
}
