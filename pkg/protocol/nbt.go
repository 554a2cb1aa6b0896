package protocol

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/Tnze/go-mc/nbt"
)

const (
	// ChunkSections is the number of 16-block sections in an overworld column (-64..320)
	ChunkSections = 24

	// heightmapLongs is 256 nine-bit entries packed seven per long
	heightmapLongs = 37

	// DefaultDimension names the single dimension the server advertises
	DefaultDimension = "minecraft:overworld"
)

// Heightmaps is the compound sent with every chunk column
type Heightmaps struct {
	MotionBlocking []int64 `nbt:"MOTION_BLOCKING"`
}

// EmptyHeightmaps returns an all-zero MOTION_BLOCKING heightmap
func EmptyHeightmaps() Heightmaps {
	return Heightmaps{MotionBlocking: make([]int64, heightmapLongs)}
}

// EmptyChunkSections encodes n air-only sections with a single plains biome.
// Each section is a zero block count, a single-valued block palette (air)
// and a single-valued biome palette (registry id 0).
func EmptyChunkSections(n int) []byte {
	buf := new(bytes.Buffer)
	for i := 0; i < n; i++ {
		_ = WriteInt16(buf, 0) // non-air block count
		_ = WriteUint8(buf, 0) // block states: bits per entry
		_ = WriteVarInt(buf, 0)
		_ = WriteVarInt(buf, 0) // data array length
		_ = WriteUint8(buf, 0) // biomes: bits per entry
		_ = WriteVarInt(buf, 0)
		_ = WriteVarInt(buf, 0)
	}
	return buf.Bytes()
}

// RegistryCodec is the subset of the vanilla registry a 1.19.3 client needs
// to enter a world: one dimension type, the plains biome and the chat type.
type RegistryCodec struct {
	DimensionTypes DimensionTypeRegistry `nbt:"minecraft:dimension_type"`
	Biomes         BiomeRegistry         `nbt:"minecraft:worldgen/biome"`
	ChatTypes      ChatTypeRegistry      `nbt:"minecraft:chat_type"`
}

type DimensionTypeRegistry struct {
	Type  string               `nbt:"type"`
	Value []DimensionTypeEntry `nbt:"value"`
}

type DimensionTypeEntry struct {
	Name    string        `nbt:"name"`
	ID      int32         `nbt:"id"`
	Element DimensionType `nbt:"element"`
}

// DimensionType flags are bytes on the wire (0 or 1)
type DimensionType struct {
	PiglinSafe                  int8    `nbt:"piglin_safe"`
	Natural                     int8    `nbt:"natural"`
	AmbientLight                float32 `nbt:"ambient_light"`
	MonsterSpawnBlockLightLimit int32   `nbt:"monster_spawn_block_light_limit"`
	MonsterSpawnLightLevel      int32   `nbt:"monster_spawn_light_level"`
	Infiniburn                  string  `nbt:"infiniburn"`
	RespawnAnchorWorks          int8    `nbt:"respawn_anchor_works"`
	HasSkylight                 int8    `nbt:"has_skylight"`
	BedWorks                    int8    `nbt:"bed_works"`
	Effects                     string  `nbt:"effects"`
	HasRaids                    int8    `nbt:"has_raids"`
	LogicalHeight               int32   `nbt:"logical_height"`
	CoordinateScale             float64 `nbt:"coordinate_scale"`
	MinY                        int32   `nbt:"min_y"`
	Height                      int32   `nbt:"height"`
	Ultrawarm                   int8    `nbt:"ultrawarm"`
	HasCeiling                  int8    `nbt:"has_ceiling"`
}

type BiomeRegistry struct {
	Type  string       `nbt:"type"`
	Value []BiomeEntry `nbt:"value"`
}

type BiomeEntry struct {
	Name    string `nbt:"name"`
	ID      int32  `nbt:"id"`
	Element Biome  `nbt:"element"`
}

type Biome struct {
	Precipitation string       `nbt:"precipitation"`
	Temperature   float32      `nbt:"temperature"`
	Downfall      float32      `nbt:"downfall"`
	Effects       BiomeEffects `nbt:"effects"`
}

type BiomeEffects struct {
	SkyColor      int32     `nbt:"sky_color"`
	WaterFogColor int32     `nbt:"water_fog_color"`
	FogColor      int32     `nbt:"fog_color"`
	WaterColor    int32     `nbt:"water_color"`
	MoodSound     MoodSound `nbt:"mood_sound"`
}

type MoodSound struct {
	TickDelay         int32   `nbt:"tick_delay"`
	Offset            float64 `nbt:"offset"`
	Sound             string  `nbt:"sound"`
	BlockSearchExtent int32   `nbt:"block_search_extent"`
}

type ChatTypeRegistry struct {
	Type  string          `nbt:"type"`
	Value []ChatTypeEntry `nbt:"value"`
}

type ChatTypeEntry struct {
	Name    string   `nbt:"name"`
	ID      int32    `nbt:"id"`
	Element ChatType `nbt:"element"`
}

type ChatType struct {
	Chat      ChatDecoration `nbt:"chat"`
	Narration ChatDecoration `nbt:"narration"`
}

type ChatDecoration struct {
	TranslationKey string   `nbt:"translation_key"`
	Parameters     []string `nbt:"parameters"`
}

// DefaultRegistry builds the built-in registry contents
func DefaultRegistry() RegistryCodec {
	return RegistryCodec{
		DimensionTypes: DimensionTypeRegistry{
			Type: "minecraft:dimension_type",
			Value: []DimensionTypeEntry{{
				Name: DefaultDimension,
				ID:   0,
				Element: DimensionType{
					Natural:                1,
					MonsterSpawnLightLevel: 0,
					Infiniburn:             "#minecraft:infiniburn_overworld",
					HasSkylight:            1,
					BedWorks:               1,
					Effects:                "minecraft:overworld",
					HasRaids:               1,
					LogicalHeight:          384,
					CoordinateScale:        1,
					MinY:                   -64,
					Height:                 384,
				},
			}},
		},
		Biomes: BiomeRegistry{
			Type: "minecraft:worldgen/biome",
			Value: []BiomeEntry{{
				Name: "minecraft:plains",
				ID:   0,
				Element: Biome{
					Precipitation: "rain",
					Temperature:   0.8,
					Downfall:      0.4,
					Effects: BiomeEffects{
						SkyColor:      7907327,
						WaterFogColor: 329011,
						FogColor:      12638463,
						WaterColor:    4159204,
						MoodSound: MoodSound{
							TickDelay:         6000,
							Offset:            2,
							Sound:             "minecraft:ambient.cave",
							BlockSearchExtent: 8,
						},
					},
				},
			}},
		},
		ChatTypes: ChatTypeRegistry{
			Type: "minecraft:chat_type",
			Value: []ChatTypeEntry{{
				Name: "minecraft:chat",
				ID:   0,
				Element: ChatType{
					Chat: ChatDecoration{
						TranslationKey: "chat.type.text",
						Parameters:     []string{"sender", "content"},
					},
					Narration: ChatDecoration{
						TranslationKey: "chat.type.text.narrate",
						Parameters:     []string{"sender", "content"},
					},
				},
			}},
		},
	}
}

// DefaultRegistryCodec encodes DefaultRegistry as a raw NBT compound
func DefaultRegistryCodec() (nbt.RawMessage, error) {
	data, err := nbt.Marshal(DefaultRegistry())
	if err != nil {
		return nbt.RawMessage{}, fmt.Errorf("encode registry codec: %w", err)
	}
	return ParseRegistryCodec(data)
}

// ParseRegistryCodec wraps an uncompressed, named NBT compound
func ParseRegistryCodec(data []byte) (nbt.RawMessage, error) {
	var raw nbt.RawMessage
	if err := nbt.Unmarshal(data, &raw); err != nil {
		return nbt.RawMessage{}, fmt.Errorf("decode registry codec: %w", err)
	}
	return raw, nil
}

// LoadRegistryCodec reads a registry codec dump from disk.
// An empty path returns the built-in registry.
func LoadRegistryCodec(path string) (nbt.RawMessage, error) {
	if path == "" {
		return DefaultRegistryCodec()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nbt.RawMessage{}, fmt.Errorf("read registry codec: %w", err)
	}
	return ParseRegistryCodec(data)
}

// writeNBT writes v as a root compound with an empty name
func writeNBT(w io.Writer, v any) error {
	return nbt.NewEncoder(w).Encode(v, "")
}

// readNBT reads one named root tag into v
func readNBT(r io.Reader, v any) error {
	_, err := nbt.NewDecoder(r).Decode(v)
	return err
}
