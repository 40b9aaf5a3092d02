// Package meta carries lifecycle metadata in a context.Context: which
// application and plugin a Start or Stop call belongs to, plus any values
// the host wants to hand to plugins.
package meta

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog/log"
)

// Well-known keys set by the framework.
const (
	KeyApplicationID = "weave.application_id"
	KeyPluginID      = "weave.plugin_id"
)

// metadataKey is the private key type used for context.WithValue.
type metadataKey struct{}

// Metadata holds the key-value pairs.
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates a new, empty Metadata store.
func New() *Metadata {
	return &Metadata{
		data: make(map[string]any),
	}
}

// Set adds or updates a key-value pair in the metadata store.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		log.Error().Str("key", key).Msg("attempted to set metadata on nil *metadata instance")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}

// Get retrieves a value by key from the metadata store.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	return value, ok
}

// Clone returns an independent copy of m.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return New()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := maps.Clone(m.data)
	if c == nil {
		c = make(map[string]any)
	}
	return &Metadata{data: c}
}

// WithContext returns a new context derived from ctx that carries the metadata 'm'.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext extracts the *Metadata store from ctx. If there is none, an
// empty store is returned so callers never deal with nil.
func FromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return New()
	}
	if md, ok := ctx.Value(metadataKey{}).(*Metadata); ok {
		return md
	}
	return New()
}

// With returns a context carrying a copy of ctx's metadata with key set to
// value. The metadata of ctx itself is left untouched.
func With(ctx context.Context, key string, value any) context.Context {
	md := FromContext(ctx).Clone()
	md.Set(key, value)
	return md.WithContext(ctx)
}

// Get retrieves a value associated with the key from the metadata stored in the context.
// It performs a type assertion to the requested type T.
func Get[T any](ctx context.Context, key string) (t T, err error) {
	rawValue, ok := FromContext(ctx).Get(key)
	if !ok {
		err = fmt.Errorf("meta: key '%s' not found in context metadata", key)
		return
	}

	typedValue, ok := rawValue.(T)
	if !ok {
		err = fmt.Errorf("meta: value for key '%s' has type %T, but type %T was requested", key, rawValue, *new(T))
		return
	}
	return typedValue, nil
}

// MustGet is like Get but panics if the key is missing or has another type.
func MustGet[T any](ctx context.Context, key string) T {
	t, err := Get[T](ctx, key)
	if err != nil {
		panic(err)
	}
	return t
}

// PluginID returns the id of the plugin a lifecycle call is made for, or ""
// outside of one.
func PluginID(ctx context.Context) string {
	id, _ := Get[string](ctx, KeyPluginID)
	return id
}

// ApplicationID returns the id of the application a lifecycle call belongs
// to, or "".
func ApplicationID(ctx context.Context) string {
	id, _ := Get[string](ctx, KeyApplicationID)
	return id
}
