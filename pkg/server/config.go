package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

// ErrInvalidConfig wraps every configuration problem that prevents startup
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is prepended to every environment override,
// e.g. QUECTOCRAFT_AUTH_SECRET or QUECTOCRAFT_SERVER_PORT
const EnvPrefix = "QUECTOCRAFT_"

// TrustMode selects how a client's identity is established
type TrustMode string

const (
	TrustDirect        TrustMode = "direct"
	TrustProxyVerified TrustMode = "proxy-verified"
)

// DuplicatePolicy decides what happens when a second session claims an
// identity that is already connected
type DuplicatePolicy string

const (
	DuplicateReject       DuplicatePolicy = "reject"
	DuplicateKickExisting DuplicatePolicy = "kick-existing"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server" envPrefix:"SERVER_"`
	Auth    AuthSection    `toml:"auth" envPrefix:"AUTH_"`
	Network NetworkSection `toml:"network" envPrefix:"NETWORK_"`
	World   WorldSection   `toml:"world" envPrefix:"WORLD_"`
	Plugins PluginsSection `toml:"plugins" envPrefix:"PLUGINS_"`
	Admin   AdminSection   `toml:"admin" envPrefix:"ADMIN_"`
	Console ConsoleSection `toml:"console" envPrefix:"CONSOLE_"`
	Log     LogSection     `toml:"log" envPrefix:"LOG_"`
}

type ServerSection struct {
	Address    string `toml:"address" env:"ADDRESS"`
	Port       int    `toml:"port" env:"PORT"`
	MOTD       string `toml:"motd" env:"MOTD"`
	MaxPlayers int    `toml:"max_players" env:"MAX_PLAYERS"`
	Brand      string `toml:"brand" env:"BRAND"`
}

type AuthSection struct {
	Mode            string `toml:"mode" env:"MODE"`
	Secret          string `toml:"secret" env:"SECRET"`
	SecretFile      string `toml:"secret_file" env:"SECRET_FILE"`
	DuplicatePolicy string `toml:"duplicate_policy" env:"DUPLICATE_POLICY"`
}

type NetworkSection struct {
	TickIntervalMS     int     `toml:"tick_interval_ms" env:"TICK_INTERVAL_MS"`
	KeepAliveTicks     int     `toml:"keep_alive_ticks" env:"KEEP_ALIVE_TICKS"`
	InboundQueue       int     `toml:"inbound_queue" env:"INBOUND_QUEUE"`
	WriteTimeoutMS     int     `toml:"write_timeout_ms" env:"WRITE_TIMEOUT_MS"`
	IgnoredPlayPackets []int32 `toml:"ignored_play_packets" env:"IGNORED_PLAY_PACKETS" envSeparator:","`
}

type WorldSection struct {
	RegistryCodecPath  string `toml:"registry_codec_path" env:"REGISTRY_CODEC_PATH"`
	ViewDistance       int    `toml:"view_distance" env:"VIEW_DISTANCE"`
	SimulationDistance int    `toml:"simulation_distance" env:"SIMULATION_DISTANCE"`
	GameMode           int    `toml:"gamemode" env:"GAMEMODE"`
	SpawnX             int    `toml:"spawn_x" env:"SPAWN_X"`
	SpawnY             int    `toml:"spawn_y" env:"SPAWN_Y"`
	SpawnZ             int    `toml:"spawn_z" env:"SPAWN_Z"`
}

type PluginsSection struct {
	Scripts []string `toml:"scripts" env:"SCRIPTS" envSeparator:","`
}

type AdminSection struct {
	HTTPAddr string `toml:"http_addr" env:"HTTP_ADDR"`
}

type ConsoleSection struct {
	SSHAddr     string `toml:"ssh_addr" env:"SSH_ADDR"`
	Password    string `toml:"password" env:"PASSWORD"`
	HostKeyPath string `toml:"host_key_path" env:"HOST_KEY_PATH"`
}

type LogSection struct {
	Level string `toml:"level" env:"LEVEL"`
	JSON  bool   `toml:"json" env:"JSON"`
	File  string `toml:"file" env:"FILE"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Address:    "0.0.0.0",
			Port:       25565,
			MOTD:       "A Quectocraft server",
			MaxPlayers: 20,
			Brand:      "quectocraft",
		},
		Auth: AuthSection{
			Mode:            string(TrustDirect),
			DuplicatePolicy: string(DuplicateReject),
		},
		Network: NetworkSection{
			TickIntervalMS:     5,
			KeepAliveTicks:     1024,
			InboundQueue:       64,
			WriteTimeoutMS:     5000,
			IgnoredPlayPackets: append([]int32(nil), protocol.DefaultIgnoredPlayPackets...),
		},
		World: WorldSection{
			ViewDistance:       8,
			SimulationDistance: 8,
			GameMode:           1,
			SpawnY:             64,
		},
		Admin: AdminSection{
			HTTPAddr: "127.0.0.1:9090",
		},
		Console: ConsoleSection{
			HostKeyPath: "~/.quectocraft/ssh_host_key",
		},
		Log: LogSection{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// A read-only location still runs with defaults
		_ = writeDefaultConfig(path)
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

// applyEnvOverrides overlays QUECTOCRAFT_SECTION_KEY variables onto config.
// Unset variables leave the file value in place.
func applyEnvOverrides(config *TOMLConfig) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Quectocraft Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# QUECTOCRAFT_SECTION_KEY (e.g., QUECTOCRAFT_SERVER_PORT=25566)

[server]
address = "0.0.0.0"
port = 25565
motd = "A Quectocraft server"
max_players = 20

# Sent to clients on the minecraft:brand channel
brand = "quectocraft"

[auth]
# "direct" trusts the name and UUID sent by the client.
# "proxy-verified" requires identity forwarded by a proxy and signed with secret.
mode = "direct"

# Shared forwarding secret (or read it from secret_file)
# secret = ""
# secret_file = "forwarding.secret"

# What to do when a player logs in while already connected:
# "reject" refuses the new login, "kick-existing" replaces the old session
duplicate_policy = "reject"

[network]
tick_interval_ms = 5

# A keep-alive is sent to every player every keep_alive_ticks ticks
keep_alive_ticks = 1024

# Packets buffered per connection between ticks
inbound_queue = 64

write_timeout_ms = 5000

# Play packet ids that are recognized but dropped without logging
ignored_play_packets = [0, 3, 7, 19, 20, 21, 22, 32]

[world]
# NBT file replacing the built-in dimension and biome registry
# registry_codec_path = "registry.nbt"
view_distance = 8
simulation_distance = 8
gamemode = 1
spawn_x = 0
spawn_y = 64
spawn_z = 0

[plugins]
# Lua scripts, loaded in order
# scripts = ["plugins/greeter.lua"]

[admin]
# /metrics, /health and /events. Empty disables. Keep this internal.
http_addr = "127.0.0.1:9090"

[console]
# SSH operator console. Empty ssh_addr disables it.
# ssh_addr = "127.0.0.1:25575"
# password = ""
host_key_path = "~/.quectocraft/ssh_host_key"

[log]
level = "info"
json = false
# file = "quectocraft.log"
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ServerConfig is the validated runtime configuration
type ServerConfig struct {
	Address    string
	Port       int
	MOTD       string
	MaxPlayers int
	Brand      string

	TrustMode       TrustMode
	Secret          []byte
	DuplicatePolicy DuplicatePolicy

	TickInterval       time.Duration
	KeepAliveTicks     int64
	InboundQueue       int
	WriteTimeout       time.Duration
	IgnoredPlayPackets []int32

	RegistryCodecPath  string
	ViewDistance       int32
	SimulationDistance int32
	GameMode           uint8
	Spawn              protocol.Position

	PluginScripts []string

	AdminAddr string

	ConsoleAddr        string
	ConsolePassword    string
	ConsoleHostKeyPath string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	def := DefaultTOMLConfig()
	cfg, err := def.ToServerConfig()
	if err != nil {
		panic(err)
	}
	return cfg
}

// ToServerConfig converts TOMLConfig to ServerConfig and validates it
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	secret := []byte(c.Auth.Secret)
	if c.Auth.SecretFile != "" {
		path, err := expandHome(c.Auth.SecretFile)
		if err != nil {
			return ServerConfig{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("%w: read secret_file: %v", ErrInvalidConfig, err)
		}
		secret = []byte(strings.TrimSpace(string(data)))
	}

	hostKey, err := expandHome(c.Console.HostKeyPath)
	if err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		Address:            c.Server.Address,
		Port:               c.Server.Port,
		MOTD:               c.Server.MOTD,
		MaxPlayers:         c.Server.MaxPlayers,
		Brand:              c.Server.Brand,
		TrustMode:          TrustMode(c.Auth.Mode),
		Secret:             secret,
		DuplicatePolicy:    DuplicatePolicy(c.Auth.DuplicatePolicy),
		TickInterval:       time.Duration(c.Network.TickIntervalMS) * time.Millisecond,
		KeepAliveTicks:     int64(c.Network.KeepAliveTicks),
		InboundQueue:       c.Network.InboundQueue,
		WriteTimeout:       time.Duration(c.Network.WriteTimeoutMS) * time.Millisecond,
		IgnoredPlayPackets: c.Network.IgnoredPlayPackets,
		RegistryCodecPath:  c.World.RegistryCodecPath,
		ViewDistance:       int32(c.World.ViewDistance),
		SimulationDistance: int32(c.World.SimulationDistance),
		GameMode:           uint8(c.World.GameMode),
		Spawn:              protocol.Position{X: int32(c.World.SpawnX), Y: int32(c.World.SpawnY), Z: int32(c.World.SpawnZ)},
		PluginScripts:      c.Plugins.Scripts,
		AdminAddr:          c.Admin.HTTPAddr,
		ConsoleAddr:        c.Console.SSHAddr,
		ConsolePassword:    c.Console.Password,
		ConsoleHostKeyPath: hostKey,
	}
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = DuplicateReject
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first problem that would make the server misbehave
func (c *ServerConfig) Validate() error {
	switch c.TrustMode {
	case TrustDirect:
	case TrustProxyVerified:
		if len(c.Secret) == 0 {
			return fmt.Errorf("%w: auth.mode %q requires auth.secret or auth.secret_file", ErrInvalidConfig, c.TrustMode)
		}
	default:
		return fmt.Errorf("%w: unknown auth.mode %q", ErrInvalidConfig, c.TrustMode)
	}

	switch c.DuplicatePolicy {
	case DuplicateReject, DuplicateKickExisting:
	default:
		return fmt.Errorf("%w: unknown auth.duplicate_policy %q", ErrInvalidConfig, c.DuplicatePolicy)
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.MaxPlayers < 0 {
		return fmt.Errorf("%w: server.max_players must not be negative", ErrInvalidConfig)
	}
	if c.KeepAliveTicks < 1 {
		return fmt.Errorf("%w: network.keep_alive_ticks must be at least 1", ErrInvalidConfig)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: network.tick_interval_ms must be positive", ErrInvalidConfig)
	}
	if c.InboundQueue < 1 {
		return fmt.Errorf("%w: network.inbound_queue must be at least 1", ErrInvalidConfig)
	}
	if c.GameMode > 3 {
		return fmt.Errorf("%w: world.gamemode %d out of range", ErrInvalidConfig, c.GameMode)
	}
	if !c.Spawn.Valid() {
		return fmt.Errorf("%w: world spawn %v out of range", ErrInvalidConfig, c.Spawn)
	}
	if c.RegistryCodecPath != "" {
		if _, err := protocol.LoadRegistryCodec(c.RegistryCodecPath); err != nil {
			return fmt.Errorf("%w: world.registry_codec_path: %v", ErrInvalidConfig, err)
		}
	}
	if c.ConsoleAddr != "" && c.ConsolePassword == "" {
		return fmt.Errorf("%w: console.ssh_addr requires console.password", ErrInvalidConfig)
	}
	return nil
}

// ListenAddr returns the game listener address
func (c *ServerConfig) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}
