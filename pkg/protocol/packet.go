package protocol

import (
	"errors"
	"io"
)

// Packet is implemented by every message the server reads or writes
type Packet interface {
	// ID returns the packet ID within its connection state
	ID() int32
	// EncodeTo serializes the packet body (without ID) to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the packet body from bytes
	Decode(payload []byte) error
}

// Serverbound packet IDs
const (
	// Handshake
	IDHandshake = 0x00

	// Status
	IDStatusRequest = 0x00
	IDPingRequest   = 0x01

	// Login
	IDLoginStart          = 0x00
	IDLoginPluginResponse = 0x02

	// Play
	IDChatCommand         = 0x04
	IDChatMessage         = 0x05
	IDServerPluginMessage = 0x0C
	IDKeepAliveResponse   = 0x11
)

// Clientbound packet IDs
const (
	// Status
	IDStatusResponse = 0x00
	IDPingResponse   = 0x01

	// Login
	IDLoginDisconnect    = 0x00
	IDLoginSuccess       = 0x02
	IDLoginPluginRequest = 0x04

	// Play
	IDCommands                = 0x0E
	IDPluginMessage           = 0x15
	IDDisconnect              = 0x17
	IDKeepAlive               = 0x1F
	IDChunkData               = 0x20
	IDLoginPlay               = 0x24
	IDPlayerAbilities         = 0x30
	IDSyncPlayerPosition      = 0x38
	IDSetDefaultSpawnPosition = 0x4C
	IDSystemChatMessage       = 0x60
)

// DefaultIgnoredPlayPackets are serverbound Play IDs a vanilla client sends
// routinely which the server drops without logging.
var DefaultIgnoredPlayPackets = []int32{0x00, 0x03, 0x07, 0x13, 0x14, 0x15, 0x16, 0x20}

var (
	ErrInvalidNextState  = errors.New("invalid handshake next state")
	ErrUnsupportedParser = errors.New("unsupported argument parser")
	ErrNodeOutOfRange    = errors.New("node index out of range")
	ErrRootNode          = errors.New("cannot create another root node")
	ErrUnsupportedField  = errors.New("unsupported packet field")
	ErrSignatureLength   = errors.New("invalid message signature length")
	ErrTooManyElements   = errors.New("element count exceeds limit")
	ErrUnencodablePacket = errors.New("packet has no wire encoding")
)

// readCount reads a varint element count and bounds it
func readCount(r io.Reader, max int) (int, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrNegativeLength
	}
	if int(n) > max {
		return 0, ErrTooManyElements
	}
	return int(n), nil
}
