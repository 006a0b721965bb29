// Package relay implements room membership, envelope validation,
// deduplication and broadcast for the chat relay. It knows nothing about
// sockets: connections are represented by a Sink that accepts encoded frames.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sethfduke/roomrelay/messages"
)

// Peer forwards freshly accepted envelopes to other relay instances.
// Publish must not block.
type Peer interface {
	Publish(env messages.Envelope)
}

// Config holds the relay settings that shape its state.
type Config struct {
	Rooms         []string
	DedupCapacity int
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithClock sets the clock used for dedup first-seen times.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithPeer forwards accepted envelopes to p.
func WithPeer(p Peer) Option {
	return func(r *Relay) { r.peer = p }
}

// Relay owns the state shared by all connections: the membership table and
// the dedup cache. Connection handlers call into it; it holds no reference
// to the transport.
type Relay struct {
	members *Membership
	dedup   *DedupCache
	metrics Metrics

	log  *slog.Logger
	now  func() time.Time
	peer Peer
}

// New builds a relay for cfg.
func New(cfg Config, opts ...Option) *Relay {
	r := &Relay{
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.members = NewMembership(cfg.Rooms)
	r.dedup = NewDedupCache(cfg.DedupCapacity, r.now)
	return r
}

// SetPeer sets the peer after construction, for peers that need the relay
// to exist first. It must be called before any traffic is processed.
func (r *Relay) SetPeer(p Peer) { r.peer = p }

// Rooms returns the allowed rooms, sorted.
func (r *Relay) Rooms() []string { return r.members.Rooms() }

// Membership returns the membership table.
func (r *Relay) Membership() *Membership { return r.members }

// Dedup returns the dedup cache.
func (r *Relay) Dedup() *DedupCache { return r.dedup }

// Metrics returns a snapshot of the relay counters.
func (r *Relay) Metrics() Snapshot { return r.metrics.snapshot(r.dedup.Len()) }

// Connect registers a new connection with no rooms.
func (r *Relay) Connect(id string, sink Sink) *Conn {
	r.metrics.connections.Add(1)
	return newConn(id, sink)
}

// Disconnect removes c from every room. Broadcasts already holding a
// snapshot that includes c may still call its sink.
func (r *Relay) Disconnect(c *Conn) {
	if r.members.Leave(c) {
		r.metrics.connections.Add(-1)
	}
}

// Join adds c to a room.
func (r *Relay) Join(c *Conn, rawRoom string) messages.JoinAck {
	ack := r.members.Join(c, rawRoom)
	if ack.OK {
		r.metrics.joinAccepted.Add(1)
		r.log.Debug("room joined", "conn", c.ID(), "room", ack.Room)
	} else {
		r.metrics.joinRejected.Add(1)
		r.log.Debug("join rejected", "conn", c.ID(), "room", ack.Room, "reason", ack.Reason)
	}
	return ack
}

// Submit processes one chat payload from c and returns the acknowledgment
// for the sender. Accepted envelopes are delivered to every member of the
// room, c included, before Submit returns. An id that was already accepted
// is acknowledged without being delivered again.
func (r *Relay) Submit(c *Conn, raw json.RawMessage) messages.ChatAck {
	env, err := ValidateEnvelope(raw)
	if err != nil {
		r.metrics.dropInvalid.Add(1)
		var ve *ValidationError
		if errors.As(err, &ve) {
			r.log.Debug("invalid envelope", "conn", c.ID(), "id", ve.ID, "detail", ve.Detail)
			return ve.Ack()
		}
		return messages.ChatAck{Reason: messages.ReasonInvalidMessage, Detail: err.Error()}
	}

	if !r.members.IsMember(c, env.Room) {
		r.metrics.dropNotInRoom.Add(1)
		r.log.Debug("sender not in room", "conn", c.ID(), "id", env.ID, "room", env.Room)
		return messages.ChatAck{ID: env.ID, Reason: messages.ReasonNotInRoom}
	}

	if !r.dedup.CheckAndMark(env.ID) {
		r.metrics.dropDuplicate.Add(1)
		r.log.Debug("duplicate envelope", "conn", c.ID(), "id", env.ID, "room", env.Room)
		return messages.ChatAck{ID: env.ID, OK: true}
	}

	r.broadcast(env)
	if r.peer != nil {
		r.peer.Publish(env)
	}
	return messages.ChatAck{ID: env.ID, OK: true}
}

// DeliverRemote broadcasts an envelope accepted by another relay instance to
// local members of its room. It returns the number of local deliveries.
func (r *Relay) DeliverRemote(env messages.Envelope) int {
	env.Room = NormalizeRoom(env.Room)
	if env.ID == "" || r.members.room(env.Room) == nil {
		return 0
	}
	if !r.dedup.CheckAndMark(env.ID) {
		r.metrics.dropDuplicate.Add(1)
		return 0
	}
	r.metrics.remoteBroadcast.Add(1)
	return r.broadcast(env)
}

// broadcast encodes env once and hands it to every current member of its
// room. Members are read as a snapshot under the room's dispatch lock.
func (r *Relay) broadcast(env messages.Envelope) int {
	rm := r.members.room(env.Room)
	if rm == nil {
		return 0
	}
	frame, err := messages.Encode(messages.MessageType, "", env)
	if err != nil {
		r.log.Error("encode broadcast failed", "id", env.ID, "err", err)
		return 0
	}

	rm.dispatchMu.Lock()
	defer rm.dispatchMu.Unlock()

	delivered := 0
	for _, c := range rm.snapshot() {
		if err := c.deliver(frame); err != nil {
			r.metrics.deliveryFailed.Add(1)
			r.log.Warn("delivery failed", "conn", c.ID(), "id", env.ID, "room", env.Room, "err", err)
			continue
		}
		delivered++
	}
	r.metrics.broadcast.Add(1)
	r.metrics.delivered.Add(uint64(delivered))
	r.log.Debug("broadcast", "id", env.ID, "room", env.Room, "delivered", delivered)
	return delivered
}
