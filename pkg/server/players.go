package server

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/aeolun/quectocraft/pkg/plugin"
)

var ErrDuplicatePlayer = errors.New("player already connected")

// PlayerRegistry maps each logged-in identity to its connection. It holds
// at most one connection per UUID and is only used from the server loop.
type PlayerRegistry struct {
	byUUID map[uuid.UUID]*Connection
}

func NewPlayerRegistry() *PlayerRegistry {
	return &PlayerRegistry{byUUID: make(map[uuid.UUID]*Connection)}
}

// Add binds c's player. It fails if the UUID is already bound.
func (r *PlayerRegistry) Add(c *Connection) error {
	if c.Player == nil {
		return ErrNotVerified
	}
	if _, ok := r.byUUID[c.Player.UUID]; ok {
		return ErrDuplicatePlayer
	}
	r.byUUID[c.Player.UUID] = c
	return nil
}

// Remove unbinds c's player if c is the connection holding it
func (r *PlayerRegistry) Remove(c *Connection) bool {
	if c.Player == nil {
		return false
	}
	if held, ok := r.byUUID[c.Player.UUID]; !ok || held != c {
		return false
	}
	delete(r.byUUID, c.Player.UUID)
	return true
}

func (r *PlayerRegistry) Get(id uuid.UUID) (*Connection, bool) {
	c, ok := r.byUUID[id]
	return c, ok
}

// Find resolves a plugin or console target, which is either a UUID string
// or a player name (case-insensitive)
func (r *PlayerRegistry) Find(target string) []*Connection {
	if id, err := uuid.Parse(target); err == nil {
		if c, ok := r.byUUID[id]; ok {
			return []*Connection{c}
		}
		return nil
	}

	var out []*Connection
	for _, c := range r.byUUID {
		if strings.EqualFold(c.Player.Name, target) {
			out = append(out, c)
		}
	}
	return out
}

func (r *PlayerRegistry) Len() int {
	return len(r.byUUID)
}

// List returns the online players sorted by name
func (r *PlayerRegistry) List() []plugin.Player {
	out := make([]plugin.Player, 0, len(r.byUUID))
	for _, c := range r.byUUID {
		out = append(out, *c.Player)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}
