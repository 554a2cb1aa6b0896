package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/Shopify/go-lua"
	"github.com/rs/zerolog"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

const (
	moduleGlobal  = "__module"
	maxTableDepth = 16
)

var (
	ErrNotAModule     = errors.New("plugin script must return a table")
	ErrMissingID      = errors.New("plugin table has no id")
	ErrUnsupportedLua = errors.New("unsupported lua value")
)

// LuaModule runs one Lua script in its own interpreter. The script returns a
// table with id, optional name and version, and any of the hook functions
// init, registerCommands, playerJoin, playerLeave, chatMessage, command and
// pluginMessage.
//
// The script sees a global server table with players (uuid -> name),
// sendMessage(player, msg), broadcast(msg), disconnect(player, reason?) and
// initLogger(plugin).
type LuaModule struct {
	path   string
	state  *lua.State
	info   Info
	out    Responder
	logger zerolog.Logger
}

// LoadLuaModule evaluates the script at path and reads its module table
func LoadLuaModule(path string, out Responder, logger zerolog.Logger) (*LuaModule, error) {
	m := &LuaModule{
		path:   path,
		state:  lua.NewState(),
		out:    out,
		logger: logger,
	}
	l := m.state
	lua.OpenLibraries(l)
	m.registerServerAPI()

	if err := lua.LoadFile(l, path, ""); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("run %s: %w", path, err)
	}
	if l.TypeOf(-1) != lua.TypeTable {
		l.Pop(1)
		return nil, fmt.Errorf("%s: %w", path, ErrNotAModule)
	}

	id, ok := stringField(l, -1, "id")
	if !ok || id == "" {
		l.Pop(1)
		return nil, fmt.Errorf("%s: %w", path, ErrMissingID)
	}
	m.info.ID = id
	m.info.Name = id
	if name, ok := stringField(l, -1, "name"); ok {
		m.info.Name = name
	}
	m.info.Version = "?"
	if version, ok := stringField(l, -1, "version"); ok {
		m.info.Version = version
	}
	l.SetGlobal(moduleGlobal)

	return m, nil
}

func stringField(l *lua.State, index int, key string) (string, bool) {
	l.Field(index, key)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeString {
		return "", false
	}
	return l.ToString(-1)
}

func (m *LuaModule) Info() Info {
	return m.info
}

// Path returns the script the module was loaded from
func (m *LuaModule) Path() string {
	return m.path
}

// pusher pushes exactly one value
type pusher func(l *lua.State)

// callHook calls the module's hook with args if the hook is defined
func (m *LuaModule) callHook(hook string, args ...pusher) error {
	l := m.state
	top := l.Top()
	defer l.SetTop(top)

	l.Global(moduleGlobal)
	l.Field(-1, hook)
	if !l.IsFunction(-1) {
		return nil
	}
	for _, push := range args {
		push(l)
	}
	if err := l.ProtectedCall(len(args), 0, 0); err != nil {
		return fmt.Errorf("%s: %w", hook, err)
	}
	return nil
}

func str(s string) pusher {
	return func(l *lua.State) { l.PushString(s) }
}

func (m *LuaModule) Init() error {
	return m.callHook("init")
}

func (m *LuaModule) RegisterCommands(r CommandRegistrar) error {
	registry := func(l *lua.State) {
		l.NewTable()
		l.PushGoFunction(func(l *lua.State) int {
			// Accept both commands.createSimpleCmd(name) and commands:createSimpleCmd(name)
			arg := 1
			if l.TypeOf(1) == lua.TypeTable {
				arg = 2
			}
			name := lua.CheckString(l, arg)
			if _, err := r.CreateSimpleCommand(name); err != nil {
				lua.Errorf(l, "%s", err.Error())
			}
			return 0
		})
		l.SetField(-2, "createSimpleCmd")
	}
	return m.callHook("registerCommands", registry)
}

// setPlayer updates server.players; an empty name removes the entry
func (m *LuaModule) setPlayer(p Player, present bool) {
	l := m.state
	top := l.Top()
	defer l.SetTop(top)

	l.Global("server")
	l.Field(-1, "players")
	l.PushString(p.UUID.String())
	if present {
		l.PushString(p.Name)
	} else {
		l.PushNil()
	}
	l.SetTable(-3)
}

func (m *LuaModule) PlayerJoin(p Player) error {
	m.setPlayer(p, true)
	return m.callHook("playerJoin", str(p.Name), str(p.UUID.String()))
}

func (m *LuaModule) PlayerLeave(p Player) error {
	m.setPlayer(p, false)
	return m.callHook("playerLeave", str(p.Name), str(p.UUID.String()))
}

func (m *LuaModule) ChatMessage(p Player, message string) error {
	return m.callHook("chatMessage", str(message), str(p.Name), str(p.UUID.String()))
}

func (m *LuaModule) Command(p Player, name, args string) error {
	return m.callHook("command", str(name), str(args), str(p.Name), str(p.UUID.String()))
}

func (m *LuaModule) PluginMessage(p Player, channel string, data []byte) error {
	return m.callHook("pluginMessage", str(channel), str(string(data)), str(p.Name), str(p.UUID.String()))
}

// registerServerAPI installs the global server table
func (m *LuaModule) registerServerAPI() {
	l := m.state
	l.NewTable()
	l.NewTable()
	l.SetField(-2, "players")
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "sendMessage", Function: m.luaSendMessage},
		{Name: "broadcast", Function: m.luaBroadcast},
		{Name: "disconnect", Function: m.luaDisconnect},
		{Name: "initLogger", Function: m.luaInitLogger},
	}, 0)
	l.SetGlobal("server")
}

func (m *LuaModule) luaSendMessage(l *lua.State) int {
	player := lua.CheckString(l, 1)
	m.out.SendMessage(player, chatArgument(l, 2, nil))
	return 0
}

func (m *LuaModule) luaBroadcast(l *lua.State) int {
	m.out.Broadcast(chatArgument(l, 1, nil))
	return 0
}

func (m *LuaModule) luaDisconnect(l *lua.State) int {
	player := lua.CheckString(l, 1)
	m.out.Disconnect(player, chatArgument(l, 2, ComponentJSON(protocol.GenericDisconnect)))
	return 0
}

// luaInitLogger returns a table of level functions tagged with plugin.id
func (m *LuaModule) luaInitLogger(l *lua.State) int {
	lua.CheckType(l, 1, lua.TypeTable)
	l.Field(1, "id")
	id, ok := l.ToString(-1)
	if !ok || id == "" {
		lua.Errorf(l, "initLogger: plugin table has no id")
	}
	l.Pop(1)

	logger := m.logger.With().Str("plugin", id).Logger()
	level := func(lvl zerolog.Level) lua.Function {
		return func(l *lua.State) int {
			msg := lua.CheckString(l, 1)
			logger.WithLevel(lvl).Msg(msg)
			return 0
		}
	}

	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "trace", Function: level(zerolog.TraceLevel)},
		{Name: "debug", Function: level(zerolog.DebugLevel)},
		{Name: "info", Function: level(zerolog.InfoLevel)},
		{Name: "warn", Function: level(zerolog.WarnLevel)},
		{Name: "error", Function: level(zerolog.ErrorLevel)},
	}, 0)
	return 1
}

// chatArgument converts a string or table argument into a chat component.
// nil uses def, or raises an error when def is nil.
func chatArgument(l *lua.State, index int, def []byte) json.RawMessage {
	switch l.TypeOf(index) {
	case lua.TypeString:
		s, _ := l.ToString(index)
		return ComponentJSON(protocol.Text(s))
	case lua.TypeTable:
		v, err := luaToGo(l, index, 0)
		if err != nil {
			lua.Errorf(l, "message: %s", err.Error())
		}
		data, err := json.Marshal(v)
		if err != nil {
			lua.Errorf(l, "message: %s", err.Error())
		}
		return data
	case lua.TypeNil, lua.TypeNone:
		if def != nil {
			return def
		}
		lua.Errorf(l, "message must be a string or table")
	default:
		lua.Errorf(l, "message must be a string, table, or nil for the default message")
	}
	return nil
}

// luaToGo converts a Lua value into JSON-encodable Go data. Tables whose keys
// are exactly 1..n become slices; any other table becomes a map.
func luaToGo(l *lua.State, index, depth int) (any, error) {
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), nil
		}
		return n, nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeTable:
		if depth >= maxTableDepth {
			return nil, fmt.Errorf("%w: table nested deeper than %d", ErrUnsupportedLua, maxTableDepth)
		}
		return luaTableToGo(l, l.AbsIndex(index), depth+1)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLua, lua.TypeNameOf(l, index))
	}
}

func luaTableToGo(l *lua.State, index, depth int) (any, error) {
	fields := make(map[string]any)
	items := make(map[int64]any)

	l.PushNil()
	for l.Next(index) {
		value, err := luaToGo(l, -1, depth)
		if err != nil {
			l.Pop(2)
			return nil, err
		}
		// Keys are read without ToString on numbers, which would break Next
		switch l.TypeOf(-2) {
		case lua.TypeNumber:
			k, _ := l.ToNumber(-2)
			if k == math.Trunc(k) {
				items[int64(k)] = value
			} else {
				fields[strconv.FormatFloat(k, 'g', -1, 64)] = value
			}
		case lua.TypeString:
			k, _ := l.ToString(-2)
			fields[k] = value
		default:
			l.Pop(2)
			return nil, fmt.Errorf("%w: %s table key", ErrUnsupportedLua, lua.TypeNameOf(l, -2))
		}
		l.Pop(1)
	}

	if len(fields) == 0 && len(items) > 0 {
		list := make([]any, len(items))
		sequence := true
		for k, v := range items {
			if k < 1 || k > int64(len(items)) {
				sequence = false
				break
			}
			list[k-1] = v
		}
		if sequence {
			return list, nil
		}
	}

	keys := make([]int64, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fields[strconv.FormatInt(k, 10)] = items[k]
	}
	return fields, nil
}

var _ Module = (*LuaModule)(nil)
