package extension

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// ProviderRegistry is an extension registry whose extensions are contributed
// by providers.
//
// For every extension point that has been read at least once the registry
// keeps one inner list per provider, in provider registration order. The
// extensions of a point are the concatenation of these lists. Points that were
// never read are not materialized, so adding and removing providers only
// touches point bookkeeping for them.
//
// Providers are compared with ==, so they should be pointers. The registry
// never calls a provider while holding its own lock; an epoch counter detects
// changes that raced with a provider call and makes the operation retry.
type ProviderRegistry struct {
	mu        sync.Mutex
	providers []*providerEntry
	pending   map[Provider]bool // providers being added

	points   []string        // known points, in the order they became known
	explicit map[string]bool // points added with AddExtensionPoint

	materialized map[string][][]any // point id -> one list per provider
	order        []string           // materialized point ids, oldest first
	epoch        uint64
	listeners    listenerTable
}

type providerEntry struct {
	provider Provider
	points   []string
	cancel   func()
}

// NewProviderRegistry creates a registry without providers.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		pending:      make(map[Provider]bool),
		explicit:     make(map[string]bool),
		materialized: make(map[string][][]any),
	}
}

var _ Registry = (*ProviderRegistry)(nil)

// AddProvider appends p to the providers. For every materialized point, p's
// contributions become a new trailing inner list and listeners receive one
// insertion event at the absolute index where they start.
//
// If p is an ObservableProvider the registry follows its changes until p is
// removed.
func (r *ProviderRegistry) AddProvider(p Provider) error {
	r.mu.Lock()
	if r.indexLocked(p) >= 0 || r.pending[p] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProviderAlreadyRegistered, p)
	}
	r.pending[p] = true
	r.mu.Unlock()

	// Watch before reading contributions so that no change is lost; changes
	// arriving while p is pending bump the epoch and force a re-read.
	cancel := func() {}
	if op, ok := p.(ObservableProvider); ok {
		// Bind the registered value: an embedded provider may report
		// itself rather than the value that was added.
		cancel = op.WatchExtensions(func(c ProviderChange) error {
			c.Provider = p
			return r.onProviderChange(c)
		})
	}
	declared := slices.Clone(p.GetExtensionPoints())

	for {
		r.mu.Lock()
		ids := slices.Clone(r.order)
		epoch := r.epoch
		r.mu.Unlock()

		contributions := make(map[string][]any, len(ids))
		for _, id := range ids {
			contributions[id] = slices.Clone(p.GetExtensions(id))
		}

		r.mu.Lock()
		if r.epoch != epoch {
			r.mu.Unlock()
			continue
		}

		var events []pendingEvent
		for _, id := range r.order {
			agg := r.materialized[id]
			added := contributions[id]
			if len(added) > 0 {
				events = append(events, pendingEvent{
					listeners: r.listeners.snapshot(id),
					event: ChangeEvent{
						ExtensionPointID: id,
						Added:            slices.Clone(added),
						Index:            totalLen(agg),
					},
				})
			}
			r.materialized[id] = append(agg, added)
		}
		for _, id := range declared {
			r.addPointLocked(id)
		}
		r.providers = append(r.providers, &providerEntry{provider: p, points: declared, cancel: cancel})
		delete(r.pending, p)
		r.epoch++
		r.mu.Unlock()

		log.Debug().Int("points", len(declared)).Int("events", len(events)).Msg("extension provider added")
		dispatch(r, events)
		return nil
	}
}

// RemoveProvider removes p and its contributions. For every materialized
// point listeners receive one removal event at the absolute index where p's
// contributions started. Removing a provider that is not registered is a
// no-op and reports false.
func (r *ProviderRegistry) RemoveProvider(p Provider) bool {
	r.mu.Lock()
	idx := r.indexLocked(p)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	entry := r.providers[idx]

	var events []pendingEvent
	for _, id := range r.order {
		agg := r.materialized[id]
		old := agg[idx]
		if len(old) > 0 {
			events = append(events, pendingEvent{
				listeners: r.listeners.snapshot(id),
				event: ChangeEvent{
					ExtensionPointID: id,
					Removed:          slices.Clone(old),
					Index:            totalLen(agg[:idx]),
				},
			})
		}
		r.materialized[id] = slices.Delete(agg, idx, idx+1)
	}
	r.providers = slices.Delete(r.providers, idx, idx+1)
	for _, id := range entry.points {
		if !r.explicit[id] && !r.declaredLocked(id) {
			r.points = slices.DeleteFunc(r.points, func(p string) bool { return p == id })
		}
	}
	r.epoch++
	r.mu.Unlock()

	entry.cancel()
	log.Debug().Int("events", len(events)).Msg("extension provider removed")
	dispatch(r, events)
	return true
}

// GetProviders returns the registered providers in registration order.
func (r *ProviderRegistry) GetProviders() []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Provider, len(r.providers))
	for i, e := range r.providers {
		out[i] = e.provider
	}
	return out
}

// AddExtensionPoint makes id known even if no provider declares it.
func (r *ProviderRegistry) AddExtensionPoint(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.explicit[id] = true
	r.addPointLocked(id)
}

// GetExtensionPoints returns the points added explicitly or declared by a
// registered provider.
func (r *ProviderRegistry) GetExtensionPoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.points)
}

// GetExtensions returns the concatenation of every provider's contributions
// to id, materializing the point on first use. A point nobody declared is
// materialized only once some provider contributes to it; until then reading
// it returns an empty list and records nothing.
func (r *ProviderRegistry) GetExtensions(id string) []any {
	for {
		r.mu.Lock()
		if agg, ok := r.materialized[id]; ok {
			out := concat(agg)
			r.mu.Unlock()
			return out
		}
		providers := make([]Provider, len(r.providers))
		for i, e := range r.providers {
			providers[i] = e.provider
		}
		epoch := r.epoch
		r.mu.Unlock()

		agg := make([][]any, len(providers))
		for i, p := range providers {
			agg[i] = slices.Clone(p.GetExtensions(id))
		}

		out := concat(agg)
		r.mu.Lock()
		if len(out) == 0 && !slices.Contains(r.points, id) {
			r.mu.Unlock()
			return out
		}
		if r.epoch != epoch {
			r.mu.Unlock()
			continue
		}
		r.materialized[id] = agg
		r.order = append(r.order, id)
		r.epoch++
		r.mu.Unlock()

		log.Debug().Str("extension_point", id).Int("extensions", len(out)).Msg("extension point materialized")
		return out
	}
}

// SetExtensions always fails: extensions of a provider registry belong to
// their providers.
func (r *ProviderRegistry) SetExtensions(id string, _ []any) error {
	return fmt.Errorf("%w: %q", ErrReadOnlyRegistry, id)
}

// RemoveExtensionPoint forgets id and its materialized extensions. Listeners
// are told that every extension was removed. Providers keep their
// contributions; reading id again materializes it anew.
func (r *ProviderRegistry) RemoveExtensionPoint(id string) error {
	r.mu.Lock()
	if !slices.Contains(r.points, id) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownExtensionPoint, id)
	}
	r.points = slices.DeleteFunc(r.points, func(p string) bool { return p == id })
	delete(r.explicit, id)

	var events []pendingEvent
	if agg, ok := r.materialized[id]; ok {
		if old := concat(agg); len(old) > 0 {
			events = append(events, pendingEvent{
				listeners: r.listeners.snapshot(id),
				event:     ChangeEvent{ExtensionPointID: id, Removed: old},
			})
		}
		delete(r.materialized, id)
		r.order = slices.DeleteFunc(r.order, func(p string) bool { return p == id })
		r.epoch++
	}
	r.mu.Unlock()

	log.Debug().Str("extension_point", id).Msg("extension point removed")
	dispatch(r, events)
	return nil
}

// AddListener registers l for changes to id, or to every point when id is
// AnyExtensionPoint.
func (r *ProviderRegistry) AddListener(l Listener, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners.add(l, id)
}

// RemoveListener unregisters l from id.
func (r *ProviderRegistry) RemoveListener(l Listener, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners.remove(l, id)
}

// onProviderChange translates a provider-relative splice into an absolute one
// and re-emits it to the registry's listeners.
func (r *ProviderRegistry) onProviderChange(c ProviderChange) error {
	if c.Splice.IsNoop() {
		return nil
	}
	id := c.ExtensionPointID
	current := slices.Clone(c.Provider.GetExtensions(id))

	r.mu.Lock()
	idx := r.indexLocked(c.Provider)
	if idx < 0 {
		if r.pending[c.Provider] {
			r.epoch++
		}
		r.mu.Unlock()
		return nil
	}
	agg, ok := r.materialized[id]
	if !ok {
		// Nothing recorded yet, but a materialization may be reading the
		// provider right now.
		r.epoch++
		r.mu.Unlock()
		return nil
	}

	recorded := agg[idx]
	if slices.EqualFunc(recorded, current, sameExtension) {
		// Already read after the change, by materialization or AddProvider.
		r.mu.Unlock()
		return nil
	}
	updated, removed, err := c.Splice.Apply(recorded)
	if err != nil || len(updated) != len(current) {
		r.mu.Unlock()
		return &InconsistentProviderStateError{
			ExtensionPointID: id,
			ProviderIndex:    idx,
			Recorded:         len(recorded),
			Current:          len(current),
			Splice:           c.Splice,
			Err:              err,
		}
	}

	abs := c.Splice.Offset(totalLen(agg[:idx]))
	agg[idx] = current
	r.epoch++
	pe := pendingEvent{
		listeners: r.listeners.snapshot(id),
		event: ChangeEvent{
			ExtensionPointID: id,
			Added:            slices.Clone(c.Splice.Items),
			Removed:          removed,
			Index:            abs.Index,
		},
	}
	r.mu.Unlock()

	log.Debug().
		Str("extension_point", id).
		Stringer("kind", c.Splice.Kind()).
		Int("index", abs.Index).
		Msg("provider extensions changed")
	dispatch(r, []pendingEvent{pe})
	return nil
}

func (r *ProviderRegistry) indexLocked(p Provider) int {
	return slices.IndexFunc(r.providers, func(e *providerEntry) bool { return e.provider == p })
}

func (r *ProviderRegistry) addPointLocked(id string) {
	if !slices.Contains(r.points, id) {
		r.points = append(r.points, id)
	}
}

func (r *ProviderRegistry) declaredLocked(id string) bool {
	for _, e := range r.providers {
		if slices.Contains(e.points, id) {
			return true
		}
	}
	return false
}

func totalLen(lists [][]any) int {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	return n
}

func concat(lists [][]any) []any {
	out := make([]any, 0, totalLen(lists))
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
