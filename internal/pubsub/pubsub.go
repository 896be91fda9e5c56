// Package pubsub carries ephemeral events between nodes. Nothing published
// here is stored: a message with no listener is gone.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned once a Bus has been closed.
var ErrClosed = errors.New("pubsub: closed")

// Message is one published payload.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages for the channels it was opened with.
type Subscription interface {
	// C is closed when the subscription ends.
	C() <-chan Message
	Close() error
}

// Bus is a fire-and-forget publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active; messages published
	// after that point are delivered.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}
