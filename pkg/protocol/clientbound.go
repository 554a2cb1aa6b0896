package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/Tnze/go-mc/nbt"
	"github.com/google/uuid"
)

const (
	maxProperties      = 16
	maxDimensionNames  = 64
	maxLightArrays     = ChunkSections + 2
	maxLightMaskLongs  = 4
	lightArrayLen      = 2048
	maxChunkDataLength = MaxFrameSize
)

// StatusResponse carries the server list JSON document
type StatusResponse struct {
	JSON string
}

func (m *StatusResponse) ID() int32 { return IDStatusResponse }

func (m *StatusResponse) EncodeTo(w io.Writer) error {
	return WriteString(w, m.JSON, MaxIdentifierLen)
}

func (m *StatusResponse) Decode(payload []byte) error {
	var err error
	m.JSON, err = ReadString(bytes.NewReader(payload), MaxIdentifierLen)
	return err
}

// PingResponse echoes PingRequest.Payload
type PingResponse struct {
	Payload int64
}

func (m *PingResponse) ID() int32 { return IDPingResponse }

func (m *PingResponse) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Payload)
}

func (m *PingResponse) Decode(payload []byte) error {
	var err error
	m.Payload, err = ReadInt64(bytes.NewReader(payload))
	return err
}

// LoginDisconnect rejects a login with a JSON chat reason
type LoginDisconnect struct {
	Reason string
}

func (m *LoginDisconnect) ID() int32 { return IDLoginDisconnect }

func (m *LoginDisconnect) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Reason, MaxChatLen)
}

func (m *LoginDisconnect) Decode(payload []byte) error {
	var err error
	m.Reason, err = ReadString(bytes.NewReader(payload), MaxChatLen)
	return err
}

// Property is a signed profile property (e.g. textures)
type Property struct {
	Name      string
	Value     string
	Signature string
	Signed    bool
}

// WriteProperties writes a varint-counted property list
func WriteProperties(w io.Writer, props []Property) error {
	if err := WriteVarInt(w, int32(len(props))); err != nil {
		return err
	}
	for _, p := range props {
		if err := WriteString(w, p.Name, MaxIdentifierLen); err != nil {
			return err
		}
		if err := WriteString(w, p.Value, MaxIdentifierLen); err != nil {
			return err
		}
		if err := WriteBool(w, p.Signed); err != nil {
			return err
		}
		if p.Signed {
			if err := WriteString(w, p.Signature, MaxIdentifierLen); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadProperties reads a varint-counted property list
func ReadProperties(r io.Reader) ([]Property, error) {
	n, err := readCount(r, maxProperties)
	if err != nil {
		return nil, err
	}
	props := make([]Property, 0, n)
	for i := 0; i < n; i++ {
		var p Property
		if p.Name, err = ReadString(r, MaxIdentifierLen); err != nil {
			return nil, err
		}
		if p.Value, err = ReadString(r, MaxIdentifierLen); err != nil {
			return nil, err
		}
		if p.Signed, err = ReadBool(r); err != nil {
			return nil, err
		}
		if p.Signed {
			if p.Signature, err = ReadString(r, MaxIdentifierLen); err != nil {
				return nil, err
			}
		}
		props = append(props, p)
	}
	return props, nil
}

// LoginSuccess completes login and switches the client to Play
type LoginSuccess struct {
	UUID       uuid.UUID
	Username   string
	Properties []Property
}

func (m *LoginSuccess) ID() int32 { return IDLoginSuccess }

func (m *LoginSuccess) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.UUID); err != nil {
		return err
	}
	if err := WriteString(w, m.Username, MaxUsernameLen); err != nil {
		return err
	}
	return WriteProperties(w, m.Properties)
}

func (m *LoginSuccess) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.UUID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.Username, err = ReadString(r, MaxUsernameLen); err != nil {
		return err
	}
	m.Properties, err = ReadProperties(r)
	return err
}

// LoginPluginRequest asks the client (or proxy) a custom-channel question
type LoginPluginRequest struct {
	MessageID int32
	Channel   string
	Data      []byte
}

func (m *LoginPluginRequest) ID() int32 { return IDLoginPluginRequest }

func (m *LoginPluginRequest) EncodeTo(w io.Writer) error {
	if err := WriteVarInt(w, m.MessageID); err != nil {
		return err
	}
	return writePluginMessage(w, m.Channel, m.Data)
}

func (m *LoginPluginRequest) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.MessageID, err = ReadVarInt(r); err != nil {
		return err
	}
	m.Channel, m.Data, err = readPluginMessage(payload[len(payload)-r.Len():])
	return err
}

// DeathLocation is the optional last-death position in LoginPlay
type DeathLocation struct {
	Dimension string
	Location  Position
}

// LoginPlay places the player into a world
type LoginPlay struct {
	EntityID            int32
	Hardcore            bool
	GameMode            uint8
	PreviousGameMode    int8
	DimensionNames      []string
	RegistryCodec       nbt.RawMessage
	DimensionType       string
	DimensionName       string
	HashedSeed          int64
	MaxPlayers          int32
	ViewDistance        int32
	SimulationDistance  int32
	ReducedDebugInfo    bool
	EnableRespawnScreen bool
	IsDebug             bool
	IsFlat              bool
	DeathLocation       *DeathLocation
}

func (m *LoginPlay) ID() int32 { return IDLoginPlay }

func (m *LoginPlay) EncodeTo(w io.Writer) error {
	if err := WriteInt32(w, m.EntityID); err != nil {
		return err
	}
	if err := WriteBool(w, m.Hardcore); err != nil {
		return err
	}
	if err := WriteUint8(w, m.GameMode); err != nil {
		return err
	}
	if err := WriteInt8(w, m.PreviousGameMode); err != nil {
		return err
	}
	if err := WriteVarInt(w, int32(len(m.DimensionNames))); err != nil {
		return err
	}
	for _, name := range m.DimensionNames {
		if err := WriteString(w, name, MaxIdentifierLen); err != nil {
			return err
		}
	}
	if err := writeNBT(w, m.RegistryCodec); err != nil {
		return fmt.Errorf("registry codec: %w", err)
	}
	if err := WriteString(w, m.DimensionType, MaxIdentifierLen); err != nil {
		return err
	}
	if err := WriteString(w, m.DimensionName, MaxIdentifierLen); err != nil {
		return err
	}
	if err := WriteInt64(w, m.HashedSeed); err != nil {
		return err
	}
	if err := WriteVarInt(w, m.MaxPlayers); err != nil {
		return err
	}
	if err := WriteVarInt(w, m.ViewDistance); err != nil {
		return err
	}
	if err := WriteVarInt(w, m.SimulationDistance); err != nil {
		return err
	}
	for _, flag := range []bool{m.ReducedDebugInfo, m.EnableRespawnScreen, m.IsDebug, m.IsFlat} {
		if err := WriteBool(w, flag); err != nil {
			return err
		}
	}
	if err := WriteBool(w, m.DeathLocation != nil); err != nil {
		return err
	}
	if m.DeathLocation != nil {
		if err := WriteString(w, m.DeathLocation.Dimension, MaxIdentifierLen); err != nil {
			return err
		}
		return WritePosition(w, m.DeathLocation.Location)
	}
	return nil
}

func (m *LoginPlay) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.EntityID, err = ReadInt32(r); err != nil {
		return err
	}
	if m.Hardcore, err = ReadBool(r); err != nil {
		return err
	}
	if m.GameMode, err = ReadUint8(r); err != nil {
		return err
	}
	if m.PreviousGameMode, err = ReadInt8(r); err != nil {
		return err
	}
	n, err := readCount(r, maxDimensionNames)
	if err != nil {
		return err
	}
	m.DimensionNames = make([]string, n)
	for i := range m.DimensionNames {
		if m.DimensionNames[i], err = ReadString(r, MaxIdentifierLen); err != nil {
			return err
		}
	}
	if err := readNBT(r, &m.RegistryCodec); err != nil {
		return fmt.Errorf("registry codec: %w", err)
	}
	if m.DimensionType, err = ReadString(r, MaxIdentifierLen); err != nil {
		return err
	}
	if m.DimensionName, err = ReadString(r, MaxIdentifierLen); err != nil {
		return err
	}
	if m.HashedSeed, err = ReadInt64(r); err != nil {
		return err
	}
	if m.MaxPlayers, err = ReadVarInt(r); err != nil {
		return err
	}
	if m.ViewDistance, err = ReadVarInt(r); err != nil {
		return err
	}
	if m.SimulationDistance, err = ReadVarInt(r); err != nil {
		return err
	}
	for _, flag := range []*bool{&m.ReducedDebugInfo, &m.EnableRespawnScreen, &m.IsDebug, &m.IsFlat} {
		if *flag, err = ReadBool(r); err != nil {
			return err
		}
	}
	hasDeath, err := ReadBool(r)
	if err != nil {
		return err
	}
	m.DeathLocation = nil
	if hasDeath {
		loc := &DeathLocation{}
		if loc.Dimension, err = ReadString(r, MaxIdentifierLen); err != nil {
			return err
		}
		if loc.Location, err = ReadPosition(r); err != nil {
			return err
		}
		m.DeathLocation = loc
	}
	return nil
}

// PluginMessage is a custom-channel payload sent to the client during Play
type PluginMessage struct {
	Channel string
	Data    []byte
}

func (m *PluginMessage) ID() int32 { return IDPluginMessage }

func (m *PluginMessage) EncodeTo(w io.Writer) error {
	return writePluginMessage(w, m.Channel, m.Data)
}

func (m *PluginMessage) Decode(payload []byte) error {
	var err error
	m.Channel, m.Data, err = readPluginMessage(payload)
	return err
}

// BrandPayload encodes a server brand for the minecraft:brand channel
func BrandPayload(brand string) []byte {
	buf := new(bytes.Buffer)
	_ = WriteString(buf, brand, MaxIdentifierLen)
	return buf.Bytes()
}

// Disconnect kicks a player in Play with a JSON chat reason
type Disconnect struct {
	Reason string
}

func (m *Disconnect) ID() int32 { return IDDisconnect }

func (m *Disconnect) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Reason, MaxChatLen)
}

func (m *Disconnect) Decode(payload []byte) error {
	var err error
	m.Reason, err = ReadString(bytes.NewReader(payload), MaxChatLen)
	return err
}

// KeepAlive checks the client is alive; it must answer with the same ID
type KeepAlive struct {
	KeepAliveID int64
}

func (m *KeepAlive) ID() int32 { return IDKeepAlive }

func (m *KeepAlive) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.KeepAliveID)
}

func (m *KeepAlive) Decode(payload []byte) error {
	var err error
	m.KeepAliveID, err = ReadInt64(bytes.NewReader(payload))
	return err
}

// ChunkData sends one chunk column with its light data
type ChunkData struct {
	X                   int32
	Z                   int32
	Heightmaps          Heightmaps
	Data                []byte
	TrustEdges          bool
	SkyLightMask        []int64
	BlockLightMask      []int64
	EmptySkyLightMask   []int64
	EmptyBlockLightMask []int64
	SkyLight            [][]byte
	BlockLight          [][]byte
}

// EmptyChunk returns an all-air column at the given chunk coordinates
func EmptyChunk(x, z int32) *ChunkData {
	return &ChunkData{
		X:                   x,
		Z:                   z,
		Heightmaps:          EmptyHeightmaps(),
		Data:                EmptyChunkSections(ChunkSections),
		TrustEdges:          true,
		SkyLightMask:        []int64{},
		BlockLightMask:      []int64{},
		EmptySkyLightMask:   []int64{},
		EmptyBlockLightMask: []int64{},
		SkyLight:            [][]byte{},
		BlockLight:          [][]byte{},
	}
}

func (m *ChunkData) ID() int32 { return IDChunkData }

func (m *ChunkData) EncodeTo(w io.Writer) error {
	if err := WriteInt32(w, m.X); err != nil {
		return err
	}
	if err := WriteInt32(w, m.Z); err != nil {
		return err
	}
	if err := writeNBT(w, m.Heightmaps); err != nil {
		return fmt.Errorf("heightmaps: %w", err)
	}
	if err := WriteByteArray(w, m.Data); err != nil {
		return err
	}
	// Block entities
	if err := WriteVarInt(w, 0); err != nil {
		return err
	}
	if err := WriteBool(w, m.TrustEdges); err != nil {
		return err
	}
	for _, mask := range [][]int64{m.SkyLightMask, m.BlockLightMask, m.EmptySkyLightMask, m.EmptyBlockLightMask} {
		if err := WriteLongArray(w, mask); err != nil {
			return err
		}
	}
	for _, arrays := range [][][]byte{m.SkyLight, m.BlockLight} {
		if err := WriteVarInt(w, int32(len(arrays))); err != nil {
			return err
		}
		for _, a := range arrays {
			if len(a) != lightArrayLen {
				return fmt.Errorf("%w: light array of %d bytes", ErrUnsupportedField, len(a))
			}
			if err := WriteByteArray(w, a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *ChunkData) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.X, err = ReadInt32(r); err != nil {
		return err
	}
	if m.Z, err = ReadInt32(r); err != nil {
		return err
	}
	if err := readNBT(r, &m.Heightmaps); err != nil {
		return fmt.Errorf("heightmaps: %w", err)
	}
	if m.Data, err = ReadByteArray(r, maxChunkDataLength); err != nil {
		return err
	}
	blockEntities, err := ReadVarInt(r)
	if err != nil {
		return err
	}
	if blockEntities != 0 {
		return fmt.Errorf("%w: %d block entities", ErrUnsupportedField, blockEntities)
	}
	if m.TrustEdges, err = ReadBool(r); err != nil {
		return err
	}
	for _, mask := range []*[]int64{&m.SkyLightMask, &m.BlockLightMask, &m.EmptySkyLightMask, &m.EmptyBlockLightMask} {
		if *mask, err = ReadLongArray(r, maxLightMaskLongs); err != nil {
			return err
		}
	}
	for _, arrays := range []*[][]byte{&m.SkyLight, &m.BlockLight} {
		n, err := readCount(r, maxLightArrays)
		if err != nil {
			return err
		}
		*arrays = make([][]byte, n)
		for i := range *arrays {
			if (*arrays)[i], err = ReadByteArray(r, lightArrayLen); err != nil {
				return err
			}
		}
	}
	return nil
}

// PlayerAbilities flags
const (
	AbilityInvulnerable = 0x01
	AbilityFlying       = 0x02
	AbilityAllowFlying  = 0x04
	AbilityInstantBreak = 0x08
)

// PlayerAbilities sets flight and invulnerability
type PlayerAbilities struct {
	Flags       int8
	FlyingSpeed float32
	FOVModifier float32
}

func (m *PlayerAbilities) ID() int32 { return IDPlayerAbilities }

func (m *PlayerAbilities) EncodeTo(w io.Writer) error {
	if err := WriteInt8(w, m.Flags); err != nil {
		return err
	}
	if err := WriteFloat32(w, m.FlyingSpeed); err != nil {
		return err
	}
	return WriteFloat32(w, m.FOVModifier)
}

func (m *PlayerAbilities) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.Flags, err = ReadInt8(r); err != nil {
		return err
	}
	if m.FlyingSpeed, err = ReadFloat32(r); err != nil {
		return err
	}
	m.FOVModifier, err = ReadFloat32(r)
	return err
}

// SyncPlayerPosition teleports the player
type SyncPlayerPosition struct {
	X, Y, Z         float64
	Yaw, Pitch      float32
	Flags           int8
	TeleportID      int32
	DismountVehicle bool
}

func (m *SyncPlayerPosition) ID() int32 { return IDSyncPlayerPosition }

func (m *SyncPlayerPosition) EncodeTo(w io.Writer) error {
	for _, v := range []float64{m.X, m.Y, m.Z} {
		if err := WriteFloat64(w, v); err != nil {
			return err
		}
	}
	if err := WriteFloat32(w, m.Yaw); err != nil {
		return err
	}
	if err := WriteFloat32(w, m.Pitch); err != nil {
		return err
	}
	if err := WriteInt8(w, m.Flags); err != nil {
		return err
	}
	if err := WriteVarInt(w, m.TeleportID); err != nil {
		return err
	}
	return WriteBool(w, m.DismountVehicle)
}

func (m *SyncPlayerPosition) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	for _, v := range []*float64{&m.X, &m.Y, &m.Z} {
		if *v, err = ReadFloat64(r); err != nil {
			return err
		}
	}
	if m.Yaw, err = ReadFloat32(r); err != nil {
		return err
	}
	if m.Pitch, err = ReadFloat32(r); err != nil {
		return err
	}
	if m.Flags, err = ReadInt8(r); err != nil {
		return err
	}
	if m.TeleportID, err = ReadVarInt(r); err != nil {
		return err
	}
	m.DismountVehicle, err = ReadBool(r)
	return err
}

// SetDefaultSpawnPosition sets the compass target and respawn point
type SetDefaultSpawnPosition struct {
	Location Position
	Angle    float32
}

func (m *SetDefaultSpawnPosition) ID() int32 { return IDSetDefaultSpawnPosition }

func (m *SetDefaultSpawnPosition) EncodeTo(w io.Writer) error {
	if err := WritePosition(w, m.Location); err != nil {
		return err
	}
	return WriteFloat32(w, m.Angle)
}

func (m *SetDefaultSpawnPosition) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.Location, err = ReadPosition(r); err != nil {
		return err
	}
	m.Angle, err = ReadFloat32(r)
	return err
}

// SystemChatMessage shows a server message in chat or above the hotbar
type SystemChatMessage struct {
	Content string
	Overlay bool
}

func (m *SystemChatMessage) ID() int32 { return IDSystemChatMessage }

func (m *SystemChatMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Content, MaxChatLen); err != nil {
		return err
	}
	return WriteBool(w, m.Overlay)
}

func (m *SystemChatMessage) Decode(payload []byte) error {
	r := bytes.NewReader(payload)

	var err error
	if m.Content, err = ReadString(r, MaxChatLen); err != nil {
		return err
	}
	m.Overlay, err = ReadBool(r)
	return err
}
