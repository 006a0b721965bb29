// Package bridge fans accepted envelopes out to other relay instances over
// Redis pub/sub. Every instance publishes what its own clients submit and
// delivers what the others publish to its local room members. The relay's
// dedup cache keeps a message from being delivered twice on one instance.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethfduke/roomrelay/messages"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChannel is the pub/sub channel shared by relay instances.
	DefaultChannel = "roomrelay:broadcast"

	defaultQueueSize  = 1024
	publishTimeout    = 5 * time.Second
	receiveRetryDelay = time.Second
)

// Transport is the pub/sub service the bridge runs on.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription yields payloads published to one channel.
type Subscription interface {
	// Next blocks until a payload arrives or ctx is done.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Deliverer receives envelopes published by other instances. *relay.Relay
// implements it.
type Deliverer interface {
	DeliverRemote(env messages.Envelope) int
}

// wireMessage is what travels on the channel.
type wireMessage struct {
	Origin   string            `json:"origin"`
	Envelope messages.Envelope `json:"envelope"`
}

// Stats counts bridge traffic.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Received  uint64 `json:"received"`
	Ignored   uint64 `json:"ignored"`
	Delivered uint64 `json:"delivered"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithChannel sets the pub/sub channel. The default is DefaultChannel.
func WithChannel(name string) Option {
	return func(b *Bridge) {
		if name != "" {
			b.channel = name
		}
	}
}

// WithQueueSize bounds the number of envelopes waiting to be published.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithOrigin sets the instance id stamped on published envelopes. The
// default is a random UUID.
func WithOrigin(id string) Option {
	return func(b *Bridge) { b.origin = id }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// Bridge connects one relay instance to the shared channel. It implements
// relay.Peer.
type Bridge struct {
	transport Transport
	target    Deliverer
	channel   string
	origin    string
	queueSize int
	queue     chan messages.Envelope
	log       *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	received  atomic.Uint64
	ignored   atomic.Uint64
	delivered atomic.Uint64
}

// New returns a bridge delivering remote envelopes to target. Register it
// with the relay through relay.WithPeer or Relay.SetPeer, then call Run.
func New(t Transport, target Deliverer, opts ...Option) *Bridge {
	b := &Bridge{
		transport: t,
		target:    target,
		channel:   DefaultChannel,
		origin:    uuid.NewString(),
		queueSize: defaultQueueSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = make(chan messages.Envelope, b.queueSize)
	return b
}

// Origin returns the instance id.
func (b *Bridge) Origin() string { return b.origin }

// Channel returns the pub/sub channel name.
func (b *Bridge) Channel() string { return b.channel }

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
		Received:  b.received.Load(),
		Ignored:   b.ignored.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Publish queues env for the other instances. It never blocks; when the
// queue is full the envelope is dropped and counted.
func (b *Bridge) Publish(env messages.Envelope) {
	select {
	case b.queue <- env:
	default:
		b.dropped.Add(1)
		b.log.Warn("bridge queue full, envelope not forwarded", "id", env.ID, "room", env.Room)
	}
}

// Run subscribes to the channel and forwards traffic in both directions
// until ctx is done. It returns an error only if the subscription cannot be
// established.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.transport.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	defer sub.Close()
	b.log.Info("bridge running", "channel", b.channel, "origin", b.origin)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.publishLoop(gctx) })
	g.Go(func() error { return b.receiveLoop(gctx, sub) })
	return g.Wait()
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.queue:
			b.send(ctx, env)
		}
	}
}

func (b *Bridge) send(ctx context.Context, env messages.Envelope) {
	payload, err := json.Marshal(wireMessage{Origin: b.origin, Envelope: env})
	if err != nil {
		b.failed.Add(1)
		b.log.Error("encode bridge message failed", "id", env.ID, "err", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.transport.Publish(pctx, b.channel, payload); err != nil {
		b.failed.Add(1)
		b.log.Warn("bridge publish failed", "id", env.ID, "err", err)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) receiveLoop(ctx context.Context, sub Subscription) error {
	for {
		payload, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn("bridge receive failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveRetryDelay):
			}
			continue
		}
		b.handle(payload)
	}
}

// handle delivers one payload from the channel. Payloads from this
// instance and ones that do not decode are ignored.
func (b *Bridge) handle(payload []byte) {
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.ignored.Add(1)
		b.log.Warn("undecodable bridge message", "err", err)
		return
	}
	if msg.Origin == b.origin {
		b.ignored.Add(1)
		return
	}
	b.received.Add(1)
	n := b.target.DeliverRemote(msg.Envelope)
	b.delivered.Add(uint64(n))
	b.log.Debug("remote envelope", "id", msg.Envelope.ID, "room", msg.Envelope.Room, "origin", msg.Origin, "delivered", n)
}
