// Package pubsub is a synchronous in-process publish/subscribe bus.
//
// Publish delivers to every subscriber of a topic, in subscription order,
// before it returns. Lifecycle notifications (plugins, services, the
// application) travel over it so that observers never need a reference to
// the component emitting them.
package pubsub

import (
	"context"
	"errors"
)

// PubSub defines the interface for a publish/subscribe system.
type PubSub interface {
	// Publish delivers payload to every subscriber of topic and returns the
	// joined errors of the handlers that failed. Delivery stops early if ctx
	// is canceled.
	Publish(ctx context.Context, topic string, payload any) error

	// Subscribe registers handler for topic. The handler can be a channel
	// (chan<- T) or a function (func(), func(T), func(T) error).
	// Returns a unique subscription ID.
	Subscribe(topic string, handler any, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given ID. Unknown IDs are
	// ignored.
	Unsubscribe(id string) error

	// Close drops every subscription. Publishing or subscribing afterwards
	// fails with ErrClosed.
	Close() error
}

// Predefined errors.
var (
	ErrClosed           = errors.New("pubsub: bus is closed")
	ErrInvalidHandler   = errors.New("pubsub: handler must be a function or a sendable channel")
	ErrHandlerArgs      = errors.New("pubsub: handler function signature mismatch")
	ErrChanTypeMismatch = errors.New("pubsub: channel type mismatch")
	ErrHandlerPanic     = errors.New("pubsub: handler panicked")
)
