package messages

import (
	"context"
)

// RegEntry holds the factory function and handler for a registered frame type.
type RegEntry struct {
	New     Factory
	Handler Handler
	// Limited frames count against the per-connection rate limit.
	Limited bool
}

// MessageSpec describes one frame type registration.
type MessageSpec struct {
	Type string
	Reg  RegEntry
}

// MessageOption is a function type used to configure a registration.
type MessageOption func(*RegEntry)

// WithRateLimit makes frames of this type count against the connection's
// rate limit.
func WithRateLimit() MessageOption {
	return func(entry *RegEntry) {
		entry.Limited = true
	}
}

// Message registers a frame type with its handler function and optional configuration.
// The typeName should match the type field of the frame.
func Message[T any](typeName string, h func(context.Context, *T) error, opts ...MessageOption) MessageSpec {
	entry := RegEntry{
		New: func() Payload { return new(T) },
		Handler: func(ctx context.Context, msg Payload) error {
			return h(ctx, msg.(*T))
		},
	}

	for _, opt := range opts {
		opt(&entry)
	}

	return MessageSpec{
		Type: typeName,
		Reg:  entry,
	}
}
