package plugin

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolink/weave/extension"
)

// Base is an embeddable plugin implementation. It declares extension points,
// holds the plugin's contributions and announces every change to them as a
// splice, which makes it an extension.ObservableProvider. Start and Stop do
// nothing; plugins embedding *Base override them as needed.
//
// Mutations and their announcements are serialized. A registry listener
// reacting to a change must therefore not mutate the same plugin's
// contributions synchronously.
type Base struct {
	id     string
	points []string

	emitMu sync.Mutex // serializes mutation + announcement

	mu            sync.RWMutex
	app           Application
	contributions map[string][]any
	watchers      []*watcher
}

type watcher struct {
	handler extension.ChangeHandler
}

// NewBase creates a Base for a plugin with the given id, declaring points.
func NewBase(id string, points ...string) *Base {
	return &Base{
		id:            id,
		points:        slices.Clone(points),
		contributions: make(map[string][]any),
	}
}

var _ Plugin = (*Base)(nil)
var _ extension.ObservableProvider = (*Base)(nil)

// ID returns the plugin id.
func (b *Base) ID() string { return b.id }

// Start does nothing.
func (b *Base) Start(context.Context) error { return nil }

// Stop does nothing.
func (b *Base) Stop(context.Context) error { return nil }

// SetApplication records the owning application.
func (b *Base) SetApplication(app Application) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.app = app
}

// Application returns the owning application, or nil.
func (b *Base) Application() Application {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.app
}

// GetExtensionPoints returns the points this plugin declares.
func (b *Base) GetExtensionPoints() []string {
	return slices.Clone(b.points)
}

// GetExtensions returns a copy of the plugin's contributions to id.
func (b *Base) GetExtensions(id string) []any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.contributions[id])
}

// WatchExtensions registers handler for contribution changes.
func (b *Base) WatchExtensions(handler extension.ChangeHandler) func() {
	w := &watcher{handler: handler}
	b.mu.Lock()
	b.watchers = append(b.watchers, w)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.watchers = slices.DeleteFunc(b.watchers, func(x *watcher) bool { return x == w })
	}
}

// Contribute appends extensions to the plugin's contributions to id.
func (b *Base) Contribute(id string, extensions ...any) error {
	return b.mutate(id, func(cur []any) extension.Splice {
		return extension.Insert(len(cur), extensions...)
	})
}

// InsertExtensions inserts extensions at index of the plugin's contributions to id.
func (b *Base) InsertExtensions(id string, index int, extensions ...any) error {
	return b.apply(id, extension.Insert(index, extensions...))
}

// RemoveExtensions removes count contributions to id starting at index.
func (b *Base) RemoveExtensions(id string, index, count int) error {
	return b.apply(id, extension.Remove(index, count))
}

// ReplaceExtensions replaces count contributions to id starting at index.
func (b *Base) ReplaceExtensions(id string, index, count int, extensions ...any) error {
	return b.apply(id, extension.Replace(index, count, extensions...))
}

// SetContributions replaces all contributions to id.
func (b *Base) SetContributions(id string, extensions []any) error {
	return b.mutate(id, func(cur []any) extension.Splice {
		return extension.Reset(len(cur), extensions...)
	})
}

// SortExtensions sorts the contributions to id with cmp. A sort has no
// positional meaning, so it is announced as a reset of the whole list.
func (b *Base) SortExtensions(id string, cmp func(a, c any) int) error {
	return b.mutate(id, func(cur []any) extension.Splice {
		sorted := slices.Clone(cur)
		slices.SortStableFunc(sorted, cmp)
		return extension.Reset(len(cur), sorted...)
	})
}

func (b *Base) apply(id string, s extension.Splice) error {
	return b.mutate(id, func([]any) extension.Splice { return s })
}

// mutate computes a splice from the current contributions, applies it and
// announces it to every watcher. Errors reported by watchers are joined; the
// change itself stays applied.
func (b *Base) mutate(id string, build func(cur []any) extension.Splice) error {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	s := build(b.contributions[id])
	updated, _, err := s.Apply(b.contributions[id])
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.contributions[id] = updated
	watchers := slices.Clone(b.watchers)
	b.mu.Unlock()

	if s.IsNoop() {
		return nil
	}

	var errs []error
	for _, w := range watchers {
		if err := w.handler(extension.ProviderChange{Provider: b, ExtensionPointID: id, Splice: s}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Error().Str("plugin", b.id).Str("extension_point", id).Errs("errors", errs).Msg("contribution change rejected")
	}
	return errors.Join(errs...)
}
