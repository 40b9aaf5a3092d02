// Package service provides the service registry: runtime registration and
// lookup of services by protocol, with property-based queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolink/weave/pubsub"
)

// Custom errors
var (
	ErrServiceNotFound  = errors.New("service: no service with that id")
	ErrNoSuchService    = errors.New("service: no service matches")
	ErrFactory          = errors.New("service: factory failed")
	ErrInvalidQuery     = errors.New("service: invalid query")
	ErrProtocolMismatch = errors.New("service: service does not implement its protocol")
)

// Topics the registry publishes on, with an Event payload.
const (
	TopicRegistered   = "service.registered"
	TopicUnregistered = "service.unregistered"
)

// Event is published when a service is registered or unregistered.
type Event struct {
	ID       int
	Protocol Protocol
}

// registration is one registered service.
type registration struct {
	id       int
	protocol Protocol
	props    Properties // guarded by Registry.mu

	mu      sync.Mutex // serializes factory resolution
	obj     any
	factory Factory // nil once resolved
}

// Registry holds registered services. Lookups scan registrations in id order.
//
// Factories run outside the registry lock, so a factory may itself look up
// or register services.
type Registry struct {
	mu       sync.RWMutex
	services []*registration // ascending ids
	nextID   int
	bus      pubsub.PubSub
	pick     func(n int) int
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus publishes registration events on bus.
func WithBus(bus pubsub.PubSub) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithPicker replaces the random choice GetService makes among several
// matches. pick must return a value in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(r *Registry) { r.pick = pick }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{pick: rand.IntN}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterService registers obj under protocol and returns its id. Ids start
// at 1, increase monotonically and are never reused.
//
// If obj is a Factory (or a func(Properties) (any, error)) it is called on
// first lookup and its result replaces it. props is copied.
func (r *Registry) RegisterService(protocol Protocol, obj any, props Properties) int {
	reg := &registration{protocol: protocol, props: props.Clone()}
	switch f := obj.(type) {
	case Factory:
		reg.factory = f
	case func(Properties) (any, error):
		reg.factory = f
	default:
		reg.obj = obj
	}

	r.mu.Lock()
	r.nextID++
	reg.id = r.nextID
	r.services = append(r.services, reg)
	r.mu.Unlock()

	log.Debug().Int("service_id", reg.id).Str("protocol", string(protocol)).Bool("factory", reg.factory != nil).Msg("service registered")
	r.publish(TopicRegistered, Event{ID: reg.id, Protocol: protocol})
	return reg.id
}

// UnregisterService removes the service with the given id.
func (r *Registry) UnregisterService(id int) error {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrServiceNotFound, id)
	}
	reg := r.services[i]
	r.services = slices.Delete(r.services, i, i+1)
	r.mu.Unlock()

	log.Debug().Int("service_id", id).Str("protocol", string(reg.protocol)).Msg("service unregistered")
	r.publish(TopicUnregistered, Event{ID: id, Protocol: reg.protocol})
	return nil
}

// GetServices returns every service registered under protocol that matches
// the lookup options, in registration order unless Minimize or Maximize is
// given. Factories of matching registrations are resolved on the way; a
// failing factory aborts the lookup.
func (r *Registry) GetServices(protocol Protocol, opts ...LookupOption) ([]any, error) {
	ms, err := r.find(protocol, opts)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(ms))
	for i, m := range ms {
		out[i] = m.service
	}
	return out, nil
}

// GetService returns one service matching the lookup options, chosen at
// random among all matches so that callers cannot come to depend on
// registration order. With Minimize or Maximize the best match is returned.
func (r *Registry) GetService(protocol Protocol, opts ...LookupOption) (any, bool, error) {
	l := newLookup(opts)
	ms, err := r.find(protocol, opts)
	if err != nil || len(ms) == 0 {
		return nil, false, err
	}
	if l.orderKey != "" {
		return ms[0].service, true, nil
	}
	return ms[r.pick(len(ms))].service, true, nil
}

// GetRequiredService is like GetService but fails with ErrNoSuchService when
// nothing matches.
func (r *Registry) GetRequiredService(protocol Protocol, opts ...LookupOption) (any, error) {
	svc, ok, err := r.GetService(protocol, opts...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchService, protocol)
	}
	return svc, nil
}

// GetServiceFromID returns the service with the given id, resolving its
// factory if needed.
func (r *Registry) GetServiceFromID(id int) (any, error) {
	r.mu.RLock()
	i := r.indexLocked(id)
	var reg *registration
	if i >= 0 {
		reg = r.services[i]
	}
	r.mu.RUnlock()

	if reg == nil {
		return nil, fmt.Errorf("%w: %d", ErrServiceNotFound, id)
	}
	return r.resolve(reg)
}

// GetServiceProperties returns the live properties of a service: changes
// made to the returned map are seen by later queries. Callers mutating it
// concurrently with lookups must synchronize themselves.
func (r *Registry) GetServiceProperties(id int) (Properties, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrServiceNotFound, id)
	}
	return r.services[i].props, nil
}

// SetServiceProperties replaces the properties of a service with a copy of props.
func (r *Registry) SetServiceProperties(id int, props Properties) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrServiceNotFound, id)
	}
	r.services[i].props = props.Clone()
	return nil
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

func newLookup(opts []LookupOption) *lookup {
	l := &lookup{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (r *Registry) find(protocol Protocol, opts []LookupOption) ([]match, error) {
	l := newLookup(opts)

	type candidate struct {
		reg   *registration
		props Properties
	}
	r.mu.RLock()
	var cands []candidate
	for _, reg := range r.services {
		if reg.protocol == protocol {
			cands = append(cands, candidate{reg: reg, props: reg.props})
		}
	}
	r.mu.RUnlock()

	var ms []match
	for _, c := range cands {
		svc, err := r.resolve(c.reg)
		if err != nil {
			return nil, err
		}
		ns := namespaceOf(svc, c.props)
		if matches(l.query, ns) {
			ms = append(ms, match{service: svc, ns: ns})
		}
	}
	l.sortMatches(ms)
	return ms, nil
}

// resolve returns the service of reg, running its factory the first time.
func (r *Registry) resolve(reg *registration) (any, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.factory == nil {
		return reg.obj, nil
	}

	r.mu.RLock()
	props := reg.props.Clone()
	r.mu.RUnlock()

	obj, err := reg.factory(props)
	if err != nil {
		log.Error().Err(err).Int("service_id", reg.id).Str("protocol", string(reg.protocol)).Msg("service factory failed")
		return nil, fmt.Errorf("%w: service %d (%s): %w", ErrFactory, reg.id, reg.protocol, err)
	}
	reg.obj, reg.factory = obj, nil
	log.Debug().Int("service_id", reg.id).Str("protocol", string(reg.protocol)).Msg("service factory resolved")
	return obj, nil
}

func (r *Registry) indexLocked(id int) int {
	i, ok := slices.BinarySearchFunc(r.services, id, func(reg *registration, id int) int { return reg.id - id })
	if !ok {
		return -1
	}
	return i
}

func (r *Registry) publish(topic string, ev Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), topic, ev); err != nil {
		log.Warn().Err(err).Str("topic", topic).Int("service_id", ev.ID).Msg("service event handler failed")
	}
}

// Register registers svc under the protocol of T.
func Register[T any](r *Registry, svc T, props Properties) int {
	return r.RegisterService(ProtocolOf[T](), svc, props)
}

// RegisterFactory registers a factory producing a T under the protocol of T.
func RegisterFactory[T any](r *Registry, factory func(Properties) (T, error), props Properties) int {
	return r.RegisterService(ProtocolOf[T](), Factory(func(p Properties) (any, error) {
		return factory(p)
	}), props)
}

// Get looks up one service registered under the protocol of T.
func Get[T any](r *Registry, opts ...LookupOption) (T, bool, error) {
	var zero T
	svc, ok, err := r.GetService(ProtocolOf[T](), opts...)
	if err != nil || !ok {
		return zero, ok, err
	}
	t, ok := svc.(T)
	if !ok {
		return zero, false, fmt.Errorf("%w: %T is not %s", ErrProtocolMismatch, svc, ProtocolOf[T]())
	}
	return t, true, nil
}

// GetAll looks up every service registered under the protocol of T.
func GetAll[T any](r *Registry, opts ...LookupOption) ([]T, error) {
	svcs, err := r.GetServices(ProtocolOf[T](), opts...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(svcs))
	for _, svc := range svcs {
		t, ok := svc.(T)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not %s", ErrProtocolMismatch, svc, ProtocolOf[T]())
		}
		out = append(out, t)
	}
	return out, nil
}
