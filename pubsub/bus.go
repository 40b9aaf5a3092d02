package pubsub

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus implements PubSub with in-memory data structures. Handlers run in the
// publishing goroutine; the bus lock is never held while they do, so a
// handler may subscribe, unsubscribe or publish.
type Bus struct {
	mu     sync.RWMutex
	closed bool
	topics map[string][]*Subscription // topic -> subscriptions in subscription order
	subs   map[string]*Subscription   // subID -> Subscription (for fast unsubscribe)
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string][]*Subscription),
		subs:   make(map[string]*Subscription),
	}
}

// Ensure Bus implements PubSub interface
var _ PubSub = (*Bus)(nil)

// Publish delivers payload to every subscriber of topic, in subscription
// order. A failing handler does not stop delivery to the others; all errors
// are joined. If ctx is canceled the remaining subscribers are skipped.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := slices.Clone(b.topics[topic])
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			log.Warn().Str("topic", topic).Msg("publish context canceled before all subscribers finished")
			errs = append(errs, err)
			break
		}
		if err := sub.deliver(ctx, payload); err != nil {
			log.Debug().Err(err).Str("subscription_id", sub.ID).Str("topic", topic).Msg("failed to deliver message")
			errs = append(errs, err)
			continue
		}
		if sub.options.Once {
			_ = b.Unsubscribe(sub.ID)
		}
	}
	return errors.Join(errs...)
}

// Subscribe creates a new subscription.
func (b *Bus) Subscribe(topic string, handler any, opts ...Option) (string, error) {
	sub, err := newSubscription(topic, handler, opts...)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	b.topics[topic] = append(b.topics[topic], sub)
	b.subs[sub.ID] = sub

	log.Debug().Str("subscription_id", sub.ID).Str("topic", topic).Msg("new subscription created")
	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return nil // Subscription already gone
	}
	delete(b.subs, id)

	subs := slices.DeleteFunc(b.topics[sub.Topic], func(s *Subscription) bool { return s.ID == id })
	if len(subs) == 0 {
		delete(b.topics, sub.Topic)
	} else {
		b.topics[sub.Topic] = subs
	}
	b.mu.Unlock()

	return sub.Close()
}

// Subscribers returns the number of subscriptions to topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close shuts down the bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil // Already closed
	}
	b.closed = true
	subsToClose := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subsToClose = append(subsToClose, sub)
	}
	b.topics = make(map[string][]*Subscription)
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subsToClose {
		errs = append(errs, sub.Close())
	}
	log.Debug().Int("subscriptions", len(subsToClose)).Msg("bus closed")
	return errors.Join(errs...)
}
