package relay

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of the relay counters.
type Snapshot struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Connections int64       `json:"connections"`
	Join        JoinMetrics `json:"join"`
	Chat        ChatMetrics `json:"chat"`
	DedupSize   int         `json:"dedup_size"`
}

type JoinMetrics struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

type ChatMetrics struct {
	Broadcast       uint64 `json:"broadcast"`
	Delivered       uint64 `json:"delivered"`
	DropDuplicate   uint64 `json:"drop_duplicate"`
	DropNotInRoom   uint64 `json:"drop_not_in_room"`
	DropInvalid     uint64 `json:"drop_invalid"`
	DeliveryFailed  uint64 `json:"delivery_failed"`
	RemoteBroadcast uint64 `json:"remote_broadcast"`
}

// Metrics holds the relay counters.
type Metrics struct {
	connections     atomic.Int64
	joinAccepted    atomic.Uint64
	joinRejected    atomic.Uint64
	broadcast       atomic.Uint64
	delivered       atomic.Uint64
	dropDuplicate   atomic.Uint64
	dropNotInRoom   atomic.Uint64
	dropInvalid     atomic.Uint64
	deliveryFailed  atomic.Uint64
	remoteBroadcast atomic.Uint64
}

func (m *Metrics) snapshot(dedupSize int) Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Connections: m.connections.Load(),
		Join: JoinMetrics{
			Accepted: m.joinAccepted.Load(),
			Rejected: m.joinRejected.Load(),
		},
		Chat: ChatMetrics{
			Broadcast:       m.broadcast.Load(),
			Delivered:       m.delivered.Load(),
			DropDuplicate:   m.dropDuplicate.Load(),
			DropNotInRoom:   m.dropNotInRoom.Load(),
			DropInvalid:     m.dropInvalid.Load(),
			DeliveryFailed:  m.deliveryFailed.Load(),
			RemoteBroadcast: m.remoteBroadcast.Load(),
		},
		DedupSize: dedupSize,
	}
}
