package relay

import (
	"errors"
	"sort"
	"sync"
)

// ErrClosed is returned by sinks that no longer accept frames.
var ErrClosed = errors.New("connection closed")

// Sink receives encoded frames destined for one connection. Deliver must
// not block; a sink that cannot accept a frame returns an error.
type Sink interface {
	Deliver(frame []byte) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(frame []byte) error

// Deliver calls f(frame).
func (f SinkFunc) Deliver(frame []byte) error { return f(frame) }

// Conn is the relay-side view of one admitted client channel. Its room set
// only grows while connected and is discarded on disconnect.
type Conn struct {
	id   string
	sink Sink

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func newConn(id string, sink Sink) *Conn {
	return &Conn{id: id, sink: sink, rooms: make(map[string]struct{})}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Rooms returns the joined rooms, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// close marks the connection closed and returns the rooms it had joined.
// ok is false if it was already closed.
func (c *Conn) close() (rooms []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	c.rooms = nil
	return out, true
}

func (c *Conn) deliver(frame []byte) error {
	if c.sink == nil {
		return ErrClosed
	}
	return c.sink.Deliver(frame)
}
