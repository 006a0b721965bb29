package relay

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sethfduke/roomrelay/messages"
)

// MaxRoomLen is the maximum length of a room name, in characters.
const MaxRoomLen = 64

// NormalizeRoom trims and lowercases a room name.
func NormalizeRoom(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

type room struct {
	name string

	mu      sync.RWMutex
	members map[*Conn]struct{}

	// dispatchMu serializes fan-out so every member observes the room's
	// broadcasts in the same order.
	dispatchMu sync.Mutex
}

func (r *room) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	return out
}

// Membership records which connections have joined which rooms. The set of
// rooms is fixed at construction, so each room is locked independently and
// traffic in one room never waits on another.
type Membership struct {
	rooms   map[string]*room
	allowed []string
}

// NewMembership builds a table for the allowed rooms. Names are normalized;
// blank and duplicate entries are dropped.
func NewMembership(allowed []string) *Membership {
	m := &Membership{rooms: make(map[string]*room, len(allowed))}
	for _, raw := range allowed {
		name := NormalizeRoom(raw)
		if name == "" || utf8.RuneCountInString(name) > MaxRoomLen {
			continue
		}
		if _, ok := m.rooms[name]; ok {
			continue
		}
		m.rooms[name] = &room{name: name, members: make(map[*Conn]struct{})}
		m.allowed = append(m.allowed, name)
	}
	sort.Strings(m.allowed)
	return m
}

// Rooms returns the allowed rooms, sorted.
func (m *Membership) Rooms() []string {
	out := make([]string, len(m.allowed))
	copy(out, m.allowed)
	return out
}

// Join adds c to the room named by raw. Joining a room twice succeeds
// without side effects. Every refusal carries the allowed rooms.
func (m *Membership) Join(c *Conn, raw string) messages.JoinAck {
	name := NormalizeRoom(raw)
	if name == "" || utf8.RuneCountInString(name) > MaxRoomLen {
		return messages.JoinAck{Room: name, Reason: messages.ReasonInvalidRoom, AllowedRooms: m.Rooms()}
	}

	r, ok := m.rooms[name]
	if !ok {
		return messages.JoinAck{Room: name, Reason: messages.ReasonRoomNotAllowed, AllowedRooms: m.Rooms()}
	}

	// Lock order is room then conn; Leave never holds both.
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return messages.JoinAck{Room: name, Reason: messages.ReasonDisconnected, AllowedRooms: m.Rooms()}
	}
	c.rooms[name] = struct{}{}
	r.members[c] = struct{}{}
	return messages.JoinAck{Room: name, OK: true}
}

// IsMember reports whether c has joined room.
func (m *Membership) IsMember(c *Conn, room string) bool {
	return c.inRoom(NormalizeRoom(room))
}

// Leave closes c and removes it from every room it joined. It returns
// false if c was already closed.
func (m *Membership) Leave(c *Conn) bool {
	rooms, ok := c.close()
	for _, name := range rooms {
		r, ok := m.rooms[name]
		if !ok {
			continue
		}
		r.mu.Lock()
		delete(r.members, c)
		r.mu.Unlock()
	}
	return ok
}

// Members returns a snapshot of the connections in room.
func (m *Membership) Members(name string) []*Conn {
	r, ok := m.rooms[NormalizeRoom(name)]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Count returns the number of connections in room.
func (m *Membership) Count(name string) int {
	r, ok := m.rooms[NormalizeRoom(name)]
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (m *Membership) room(name string) *room {
	return m.rooms[name]
}
