package plugin

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	ErrModulePanic  = errors.New("plugin panicked")
	ErrCommandTaken = errors.New("command already registered by another plugin")
)

// Info identifies a module
type Info struct {
	ID      string
	Name    string
	Version string
}

// Module is one plugin. A returned error is logged against the module and
// never stops other modules or the server loop.
type Module interface {
	Info() Info
	Init() error
	RegisterCommands(r CommandRegistrar) error
	PlayerJoin(p Player) error
	PlayerLeave(p Player) error
	ChatMessage(p Player, message string) error
	Command(p Player, name, args string) error
	PluginMessage(p Player, channel string, data []byte) error
}

// BaseModule implements every hook as a no-op so Go modules only override
// what they need.
type BaseModule struct {
	Meta Info
}

func (b BaseModule) Info() Info                               { return b.Meta }
func (BaseModule) Init() error                                { return nil }
func (BaseModule) RegisterCommands(CommandRegistrar) error    { return nil }
func (BaseModule) PlayerJoin(Player) error                    { return nil }
func (BaseModule) PlayerLeave(Player) error                   { return nil }
func (BaseModule) ChatMessage(Player, string) error           { return nil }
func (BaseModule) Command(Player, string, string) error       { return nil }
func (BaseModule) PluginMessage(Player, string, []byte) error { return nil }

// Host fans bridge calls out to its modules in load order
type Host struct {
	modules []Module
	owners  map[string]Module
	queue   *Queue
	logger  zerolog.Logger

	// OnError, if set, is called after a hook fails
	OnError func(moduleID, hook string)
}

// NewHost creates a host that drains the given queue
func NewHost(queue *Queue, logger zerolog.Logger) *Host {
	return &Host{
		owners: make(map[string]Module),
		queue:  queue,
		logger: logger.With().Str("component", "plugin").Logger(),
	}
}

// Add appends a module. Must be called before Init.
func (h *Host) Add(m Module) {
	h.modules = append(h.modules, m)
	info := m.Info()
	h.logger.Info().Str("plugin", info.ID).Str("name", info.Name).Str("version", info.Version).Msg("Loaded plugin")
}

// Modules returns the loaded modules in order
func (h *Host) Modules() []Module {
	return h.modules
}

// call runs one hook, converting panics to errors and logging failures
func (h *Host) call(m Module, hook string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrModulePanic, r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}

	id := m.Info().ID
	h.logger.Warn().Err(err).Str("plugin", id).Str("hook", hook).Msg("Plugin hook failed")
	if h.OnError != nil {
		h.OnError(id, hook)
	}
}

func (h *Host) Init() {
	for _, m := range h.modules {
		h.call(m, "init", m.Init)
	}
}

// ownedRegistrar records which module created each root command
type ownedRegistrar struct {
	host   *Host
	module Module
	next   CommandRegistrar
}

func (r *ownedRegistrar) CreateSimpleCommand(name string) (int32, error) {
	if owner, ok := r.host.owners[name]; ok {
		return 0, fmt.Errorf("%w: %q owned by %s", ErrCommandTaken, name, owner.Info().ID)
	}
	index, err := r.next.CreateSimpleCommand(name)
	if err != nil {
		return 0, err
	}
	r.host.owners[name] = r.module
	return index, nil
}

func (h *Host) RegisterCommands(r CommandRegistrar) {
	for _, m := range h.modules {
		h.call(m, "registerCommands", func() error {
			return m.RegisterCommands(&ownedRegistrar{host: h, module: m, next: r})
		})
	}
}

func (h *Host) PlayerJoin(p Player) {
	for _, m := range h.modules {
		h.call(m, "playerJoin", func() error { return m.PlayerJoin(p) })
	}
}

func (h *Host) PlayerLeave(p Player) {
	for _, m := range h.modules {
		h.call(m, "playerLeave", func() error { return m.PlayerLeave(p) })
	}
}

func (h *Host) ChatMessage(p Player, message string) {
	for _, m := range h.modules {
		h.call(m, "chatMessage", func() error { return m.ChatMessage(p, message) })
	}
}

// OwnsCommand reports whether any module registered name
func (h *Host) OwnsCommand(name string) bool {
	_, ok := h.owners[name]
	return ok
}

// Command dispatches to the owning module only
func (h *Host) Command(p Player, name, args string) {
	m, ok := h.owners[name]
	if !ok {
		return
	}
	h.call(m, "command", func() error { return m.Command(p, name, args) })
}

func (h *Host) PluginMessage(p Player, channel string, data []byte) {
	for _, m := range h.modules {
		h.call(m, "pluginMessage", func() error { return m.PluginMessage(p, channel, data) })
	}
}

func (h *Host) Responses() []Response {
	return h.queue.Drain()
}

var _ Bridge = (*Host)(nil)
