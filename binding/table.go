package binding

import (
	"errors"
	"runtime"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/rs/zerolog/log"

	"github.com/toolink/weave/extension"
	"github.com/toolink/weave/weakref"
)

// Table tracks bindings per owner. Owners are held weakly: once an owner is
// garbage collected its bindings are closed and dropped.
type Table struct {
	mu      sync.Mutex
	byOwner map[any][]entry // weak.Pointer[O] -> bindings
}

type entry interface {
	matches(name, id string) bool
	detach()
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{byOwner: make(map[any][]entry)}
}

// Len returns the number of live bindings.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, es := range t.byOwner {
		n += len(es)
	}
	return n
}

// add records e for key and returns any binding it replaces. first reports
// whether key had no bindings yet.
func (t *Table) add(key any, name, id string, e entry) (replaced entry, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	es, ok := t.byOwner[key]
	if i := slices.IndexFunc(es, func(x entry) bool { return x.matches(name, id) }); i >= 0 {
		replaced = es[i]
		es = slices.Delete(es, i, i+1)
	}
	t.byOwner[key] = append(es, e)
	return replaced, !ok
}

func (t *Table) remove(key any, e entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	es := slices.DeleteFunc(t.byOwner[key], func(x entry) bool { return x == e })
	if len(es) == 0 {
		delete(t.byOwner, key)
	} else {
		t.byOwner[key] = es
	}
}

func (t *Table) find(key any, name, id string) entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.IndexFunc(t.byOwner[key], func(x entry) bool { return x.matches(name, id) })
	if i < 0 {
		return nil
	}
	return t.byOwner[key][i]
}

// dropOwner runs after an owner has been collected.
func (t *Table) dropOwner(key any) {
	t.mu.Lock()
	es := t.byOwner[key]
	delete(t.byOwner, key)
	t.mu.Unlock()

	for _, e := range es {
		e.detach()
	}
	if len(es) > 0 {
		log.Debug().Int("bindings", len(es)).Msg("dropped bindings of collected owner")
	}
}

// BindOption configures a Binding.
type BindOption[E any] func(*bindConfig[E])

type bindConfig[E any] struct {
	onUpdate func(values []E, ev extension.ChangeEvent) []E
}

// OnUpdate calls fn when a registry change reaches the binding. The slice fn
// returns is stored in the field; it is not written back to the registry.
// fn runs outside the binding's lock, so it may call Set, but its result is
// dropped if a newer change or write lands on the field while it runs.
// Changes made by the binding's own Set do not call fn. fn must not capture
// the owner, or the owner is never collected.
func OnUpdate[E any](fn func(values []E, ev extension.ChangeEvent) []E) BindOption[E] {
	return func(c *bindConfig[E]) { c.onUpdate = fn }
}

// Binding keeps the field selected by name on an owner synchronized with an
// extension point. Writes made with Set go to the registry and the field is
// then re-read from it; registry changes are written to the field. Field
// writes are serialized per binding, and the last one always reflects the
// registry or an OnUpdate result computed from its latest state.
type Binding[O, E any] struct {
	table    *Table
	owner    weak.Pointer[O]
	name     string
	point    *ExtensionPoint[E]
	field    func(*O) *[]E
	onUpdate func([]E, extension.ChangeEvent) []E
	listener extension.Listener

	mu      sync.Mutex
	seq     uint64 // bumped on every field write
	pending []*[]E // values Set is writing to the registry
	closed  atomic.Bool
}

// Bind binds the slice returned by field to point and records the binding
// in t under (owner, name, point id). The field is initialized from the
// registry. Binding the same triple again replaces the earlier binding.
func Bind[O, E any](t *Table, owner *O, name string, point *ExtensionPoint[E], field func(*O) *[]E, opts ...BindOption[E]) (*Binding[O, E], error) {
	if owner == nil || field == nil {
		return nil, errors.New("binding: Bind needs an owner and a field")
	}
	var cfg bindConfig[E]
	for _, opt := range opts {
		opt(&cfg)
	}

	values, err := point.Get()
	if err != nil {
		return nil, err
	}
	*field(owner) = values

	b := &Binding[O, E]{
		table:    t,
		owner:    weak.Make(owner),
		name:     name,
		point:    point,
		field:    field,
		onUpdate: cfg.onUpdate,
	}
	b.listener = weakref.Method(b, "onChange", func(b *Binding[O, E]) extension.ListenerFunc { return b.onChange })
	point.Registry().AddListener(b.listener, point.ID())

	key := any(b.owner)
	replaced, first := t.add(key, name, point.ID(), b)
	if replaced != nil {
		replaced.detach()
	}
	if first {
		runtime.AddCleanup(owner, t.dropOwner, key)
	}
	log.Debug().Str("binding", name).Str("extension_point", point.ID()).Msg("extension point bound")
	return b, nil
}

// Unbind closes the binding recorded under (owner, name, id). It reports
// whether such a binding existed.
func Unbind[O any](t *Table, owner *O, name, id string) bool {
	e := t.find(any(weak.Make(owner)), name, id)
	if e == nil {
		return false
	}
	e.detach()
	t.remove(any(weak.Make(owner)), e)
	return true
}

// Name returns the bound field name.
func (b *Binding[O, E]) Name() string { return b.name }

// ID returns the bound extension point id.
func (b *Binding[O, E]) ID() string { return b.point.ID() }

// Value returns a copy of the field. It reports false once the owner has
// been collected.
func (b *Binding[O, E]) Value() ([]E, bool) {
	owner := b.owner.Value()
	if owner == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(*b.field(owner)), true
}

// Set writes values to the registry, then re-reads the field from it, so a
// change made by another goroutine in between is not lost. If the registry
// refuses, the field is left unchanged.
func (b *Binding[O, E]) Set(values []E) error {
	if b.closed.Load() {
		return ErrBindingClosed
	}
	if b.owner.Value() == nil {
		return ErrOwnerCollected
	}
	values = slices.Clone(values)
	token := &values
	b.mu.Lock()
	b.pending = append(b.pending, token)
	b.mu.Unlock()

	err := b.point.Set(values)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = slices.DeleteFunc(b.pending, func(p *[]E) bool { return p == token })
	if err != nil {
		return err
	}
	return b.syncLocked()
}

// Sync re-reads the extension point into the field.
func (b *Binding[O, E]) Sync() error {
	if b.closed.Load() {
		return ErrBindingClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncLocked()
}

func (b *Binding[O, E]) syncLocked() error {
	owner := b.owner.Value()
	if owner == nil {
		return ErrOwnerCollected
	}
	values, err := b.point.Get()
	if err != nil {
		return err
	}
	b.seq++
	*b.field(owner) = values
	return nil
}

// Close stops synchronizing and removes the binding from its table.
func (b *Binding[O, E]) Close() {
	if b.closed.Load() {
		return
	}
	b.detach()
	b.table.remove(any(b.owner), b)
}

func (b *Binding[O, E]) matches(name, id string) bool {
	return b.name == name && b.point.ID() == id
}

func (b *Binding[O, E]) detach() {
	if b.closed.Swap(true) {
		return
	}
	_ = b.point.Registry().RemoveListener(b.listener, b.point.ID())
}

func (b *Binding[O, E]) onChange(_ extension.Registry, ev extension.ChangeEvent) {
	if b.closed.Load() {
		return
	}
	b.mu.Lock()
	owner := b.owner.Value()
	if owner == nil {
		b.mu.Unlock()
		return
	}
	values, err := b.point.Get()
	if err != nil {
		b.mu.Unlock()
		log.Warn().Err(err).Str("binding", b.name).Msg("extension point no longer matches binding")
		return
	}
	b.seq++
	*b.field(owner) = values
	if b.onUpdate == nil || b.ownWriteLocked(values) {
		b.mu.Unlock()
		return
	}
	seq := b.seq
	b.mu.Unlock()

	kept := b.onUpdate(slices.Clone(values), ev)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seq == seq && !b.closed.Load() {
		*b.field(owner) = kept
	}
}

// ownWriteLocked reports whether values is what a running Set is writing.
func (b *Binding[O, E]) ownWriteLocked(values []E) bool {
	return slices.ContainsFunc(b.pending, func(p *[]E) bool {
		return len(*p) == len(values) && (len(values) == 0 || reflect.DeepEqual(*p, values))
	})
}
