package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

func writeScript(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.lua")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

const greeterScript = `
local plugin = { id = "greeter", name = "Greeter", version = "1.2.0" }
local log

function plugin.init()
	log = server.initLogger(plugin)
	log.info("greeter ready")
end

function plugin.registerCommands(commands)
	commands.createSimpleCmd("hello")
	commands:createSimpleCmd("spawn")
end

function plugin.playerJoin(name, uuid)
	server.broadcast(name .. " joined as " .. tostring(server.players[uuid]))
end

function plugin.playerLeave(name, uuid)
	if server.players[uuid] == nil then
		server.broadcast(name .. " left")
	end
end

function plugin.chatMessage(message, name, uuid)
	server.sendMessage(name, { text = message, color = "gray", extra = { { text = "!" } } })
end

function plugin.command(command, args, name, uuid)
	if command == "hello" then
		server.sendMessage(uuid, "hello " .. args)
	end
end

function plugin.pluginMessage(channel, data, name, uuid)
	if channel == "greeter:kick" then
		server.disconnect(name)
	elseif channel == "greeter:ban" then
		server.disconnect(name, data)
	end
end

return plugin
`

func TestLoadLuaModuleMetadata(t *testing.T) {
	m, err := LoadLuaModule(writeScript(t, greeterScript), NewQueue(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Info{ID: "greeter", Name: "Greeter", Version: "1.2.0"}, m.Info())

	m, err = LoadLuaModule(writeScript(t, `return { id = "bare" }`), NewQueue(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Info{ID: "bare", Name: "bare", Version: "?"}, m.Info())
}

func TestLoadLuaModuleErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		target error
	}{
		{"returns nothing", `local x = 1`, ErrNotAModule},
		{"returns a string", `return "plugin"`, ErrNotAModule},
		{"missing id", `return { name = "nameless" }`, ErrMissingID},
		{"syntax error", `return {`, nil},
		{"runtime error", `error("broken")`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadLuaModule(writeScript(t, tt.source), NewQueue(), zerolog.Nop())
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}

	_, err := LoadLuaModule(filepath.Join(t.TempDir(), "missing.lua"), NewQueue(), zerolog.Nop())
	assert.Error(t, err)
}

func TestLuaModuleHooks(t *testing.T) {
	q := NewQueue()
	m, err := LoadLuaModule(writeScript(t, greeterScript), q, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, m.Init())

	graph := protocol.NewCommandGraph()
	require.NoError(t, m.RegisterCommands(graph))
	// root, hello, shared args, spawn
	assert.Equal(t, 4, graph.Len())

	require.NoError(t, m.PlayerJoin(alice))
	require.NoError(t, m.ChatMessage(alice, "hi there"))
	require.NoError(t, m.Command(alice, "hello", "world"))
	require.NoError(t, m.Command(alice, "spawn", ""))
	require.NoError(t, m.PluginMessage(alice, "greeter:kick", nil))
	require.NoError(t, m.PluginMessage(alice, "greeter:ban", []byte("banned")))
	require.NoError(t, m.PlayerLeave(alice))

	responses := q.Drain()
	require.Len(t, responses, 6)

	assert.Equal(t, ResponseBroadcast, responses[0].Kind)
	assert.JSONEq(t, `{"text":"Alice joined as Alice"}`, string(responses[0].Message))

	assert.Equal(t, ResponseMessage, responses[1].Kind)
	assert.Equal(t, "Alice", responses[1].Player)
	assert.JSONEq(t, `{"text":"hi there","color":"gray","extra":[{"text":"!"}]}`, string(responses[1].Message))

	assert.Equal(t, ResponseMessage, responses[2].Kind)
	assert.Equal(t, alice.UUID.String(), responses[2].Player)
	assert.JSONEq(t, `{"text":"hello world"}`, string(responses[2].Message))

	assert.Equal(t, ResponseDisconnect, responses[3].Kind)
	assert.JSONEq(t, `{"translate":"multiplayer.disconnect.generic"}`, string(responses[3].Message))

	assert.Equal(t, ResponseDisconnect, responses[4].Kind)
	assert.JSONEq(t, `{"text":"banned"}`, string(responses[4].Message))

	assert.Equal(t, ResponseBroadcast, responses[5].Kind)
	assert.JSONEq(t, `{"text":"Alice left"}`, string(responses[5].Message))
}

func TestLuaModuleMissingHooksAreNoops(t *testing.T) {
	q := NewQueue()
	m, err := LoadLuaModule(writeScript(t, `return { id = "quiet" }`), q, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, m.Init())
	assert.NoError(t, m.RegisterCommands(protocol.NewCommandGraph()))
	assert.NoError(t, m.PlayerJoin(alice))
	assert.NoError(t, m.ChatMessage(alice, "hi"))
	assert.NoError(t, m.Command(alice, "x", ""))
	assert.NoError(t, m.PluginMessage(alice, "a:b", nil))
	assert.NoError(t, m.PlayerLeave(alice))
	assert.Equal(t, 0, q.Len())
}

func TestLuaModuleHookErrors(t *testing.T) {
	source := `
local plugin = { id = "faulty" }
function plugin.chatMessage(message) error("cannot handle " .. message) end
function plugin.playerJoin(name) server.sendMessage(name, 42) end
function plugin.playerLeave(name) server.sendMessage(name, { handler = function() end }) end
return plugin
`
	q := NewQueue()
	m, err := LoadLuaModule(writeScript(t, source), q, zerolog.Nop())
	require.NoError(t, err)

	err = m.ChatMessage(alice, "this")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot handle this")

	assert.Error(t, m.PlayerJoin(alice), "numbers are not chat messages")
	assert.Error(t, m.PlayerLeave(alice), "functions cannot be encoded")
	assert.Equal(t, 0, q.Len())

	// A failing Lua hook is isolated by the host like any other module
	host := NewHost(q, zerolog.Nop())
	host.Add(m)
	var failures []string
	host.OnError = func(moduleID, hook string) { failures = append(failures, moduleID+"/"+hook) }
	host.ChatMessage(alice, "again")
	assert.Equal(t, []string{"faulty/chatMessage"}, failures)
}

func TestLuaCommandConflictRaisesInScript(t *testing.T) {
	source := `
local plugin = { id = "second" }
function plugin.registerCommands(commands)
	commands.createSimpleCmd("hello")
end
return plugin
`
	q := NewQueue()
	host := NewHost(q, zerolog.Nop())
	host.Add(newRecordingModule("first", "hello"))

	m, err := LoadLuaModule(writeScript(t, source), q, zerolog.Nop())
	require.NoError(t, err)
	host.Add(m)

	var failures []string
	host.OnError = func(moduleID, hook string) { failures = append(failures, moduleID+"/"+hook) }
	host.RegisterCommands(protocol.NewCommandGraph())

	assert.Equal(t, []string{"second/registerCommands"}, failures)
}

func TestLuaTableConversion(t *testing.T) {
	source := `
local plugin = { id = "tables" }
function plugin.init()
	server.broadcast({ "a", "b", "c" })
	server.broadcast({ [1] = "x", [3] = "z" })
	server.broadcast({ text = "n", bold = true, n = 1.5, list = {} })
end
return plugin
`
	q := NewQueue()
	m, err := LoadLuaModule(writeScript(t, source), q, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Init())

	responses := q.Drain()
	require.Len(t, responses, 3)
	assert.JSONEq(t, `["a","b","c"]`, string(responses[0].Message))
	assert.JSONEq(t, `{"1":"x","3":"z"}`, string(responses[1].Message))
	assert.JSONEq(t, `{"text":"n","bold":true,"n":1.5,"list":{}}`, string(responses[2].Message))
}
