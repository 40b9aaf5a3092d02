package extension

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// MutableRegistry is an extension registry whose extensions are edited
// directly by callers.
//
// All mutations are serialized by one mutex. Listeners run synchronously in
// the mutating goroutine after the mutex is released, so a listener that reads
// the registry sees its state at the time of the read, which may already
// include later mutations made by other goroutines.
type MutableRegistry struct {
	mu         sync.Mutex
	points     []string         // registration order
	extensions map[string][]any // point id -> extensions
	listeners  listenerTable
}

// NewRegistry creates an empty MutableRegistry.
func NewRegistry() *MutableRegistry {
	return &MutableRegistry{
		extensions: make(map[string][]any),
	}
}

var _ Registry = (*MutableRegistry)(nil)

// AddExtensionPoint ensures id exists. Existing extensions are kept.
func (r *MutableRegistry) AddExtensionPoint(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensurePointLocked(id)
}

func (r *MutableRegistry) ensurePointLocked(id string) {
	if _, ok := r.extensions[id]; ok {
		return
	}
	r.extensions[id] = []any{}
	r.points = append(r.points, id)
	log.Debug().Str("extension_point", id).Msg("extension point added")
}

// GetExtensionPoints returns the known extension point ids in registration order.
func (r *MutableRegistry) GetExtensionPoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.points)
}

// GetExtensions returns a copy of the extensions of id, or an empty list if
// id is unknown.
func (r *MutableRegistry) GetExtensions(id string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	exts := r.extensions[id]
	out := make([]any, len(exts))
	copy(out, exts)
	return out
}

// AddExtension appends one extension to id, creating the point if needed.
func (r *MutableRegistry) AddExtension(id string, extension any) {
	r.AddExtensions(id, extension)
}

// AddExtensions appends extensions to id, creating the point if needed.
func (r *MutableRegistry) AddExtensions(id string, extensions ...any) {
	if len(extensions) == 0 {
		r.AddExtensionPoint(id)
		return
	}

	r.mu.Lock()
	r.ensurePointLocked(id)
	index := len(r.extensions[id])
	r.extensions[id] = append(r.extensions[id], extensions...)
	pe := pendingEvent{
		listeners: r.listeners.snapshot(id),
		event: ChangeEvent{
			ExtensionPointID: id,
			Added:            slices.Clone(extensions),
			Index:            index,
		},
	}
	r.mu.Unlock()

	log.Debug().Str("extension_point", id).Int("added", len(extensions)).Msg("extensions added")
	dispatch(r, []pendingEvent{pe})
}

// RemoveExtension removes one extension from id.
func (r *MutableRegistry) RemoveExtension(id string, extension any) error {
	return r.RemoveExtensions(id, extension)
}

// RemoveExtensions removes extensions from id by value. Either all of them
// are removed or, if any is missing, none is and ErrExtensionNotFound is
// returned. Listeners get one event per removed extension, in removal order,
// each indexed at the extension's position when it was taken out.
func (r *MutableRegistry) RemoveExtensions(id string, extensions ...any) error {
	r.mu.Lock()
	current, ok := r.extensions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownExtensionPoint, id)
	}

	remaining := slices.Clone(current)
	events := make([]pendingEvent, 0, len(extensions))
	for _, ext := range extensions {
		i := slices.IndexFunc(remaining, func(e any) bool { return sameExtension(e, ext) })
		if i < 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: %v in point %q", ErrExtensionNotFound, ext, id)
		}
		events = append(events, pendingEvent{
			event: ChangeEvent{
				ExtensionPointID: id,
				Removed:          []any{remaining[i]},
				Index:            i,
			},
		})
		remaining = slices.Delete(remaining, i, i+1)
	}
	if len(events) == 0 {
		r.mu.Unlock()
		return nil
	}

	r.extensions[id] = remaining
	listeners := r.listeners.snapshot(id)
	for i := range events {
		events[i].listeners = listeners
	}
	r.mu.Unlock()

	log.Debug().Str("extension_point", id).Int("removed", len(extensions)).Msg("extensions removed")
	dispatch(r, events)
	return nil
}

// SetExtensions overwrites the extensions of id, creating the point if
// needed. No diff is computed: the event reports every old extension as
// removed and every new one as added, at index 0.
func (r *MutableRegistry) SetExtensions(id string, extensions []any) error {
	r.mu.Lock()
	r.ensurePointLocked(id)
	old := r.extensions[id]
	r.extensions[id] = slices.Clone(extensions)
	if r.extensions[id] == nil {
		r.extensions[id] = []any{}
	}
	pe := pendingEvent{
		listeners: r.listeners.snapshot(id),
		event: ChangeEvent{
			ExtensionPointID: id,
			Added:            slices.Clone(extensions),
			Removed:          old,
			Index:            0,
		},
	}
	r.mu.Unlock()

	dispatch(r, []pendingEvent{pe})
	return nil
}

// RemoveExtensionPoint forgets id and its extensions. Listeners are told that
// every extension was removed.
func (r *MutableRegistry) RemoveExtensionPoint(id string) error {
	r.mu.Lock()
	old, ok := r.extensions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownExtensionPoint, id)
	}
	delete(r.extensions, id)
	r.points = slices.DeleteFunc(r.points, func(p string) bool { return p == id })

	var events []pendingEvent
	if len(old) > 0 {
		events = append(events, pendingEvent{
			listeners: r.listeners.snapshot(id),
			event:     ChangeEvent{ExtensionPointID: id, Removed: old},
		})
	}
	r.mu.Unlock()

	log.Debug().Str("extension_point", id).Msg("extension point removed")
	dispatch(r, events)
	return nil
}

// AddListener registers l for changes to id, or to every point when id is
// AnyExtensionPoint.
func (r *MutableRegistry) AddListener(l Listener, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners.add(l, id)
}

// RemoveListener unregisters l from id.
func (r *MutableRegistry) RemoveListener(l Listener, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners.remove(l, id)
}

// sameExtension compares extensions by value, falling back to deep equality
// for values that are not comparable with ==.
func sameExtension(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Comparable() && vb.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
