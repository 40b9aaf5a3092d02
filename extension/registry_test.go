package extension

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/weave/weakref"
)

// recorder collects change events.
type recorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (r *recorder) OnChange(_ Registry, ev ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeEvent(nil), r.events...)
}

func onChangeOf(r *recorder) ListenerFunc { return r.OnChange }

func listen(r *recorder) Listener {
	return weakref.Method(r, "OnChange", onChangeOf)
}

func TestGetExtensionsUnknownPoint(t *testing.T) {
	reg := NewRegistry()
	exts := reg.GetExtensions("nope")
	assert.NotNil(t, exts)
	assert.Empty(t, exts)
}

func TestAddExtensionPointIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	reg.AddExtensions("x", "e1")
	reg.AddExtensionPoint("x")
	reg.AddExtensionPoint("y")

	assert.Equal(t, []any{"e1"}, reg.GetExtensions("x"))
	assert.Equal(t, []string{"x", "y"}, reg.GetExtensionPoints())
}

func TestGetExtensionsReturnsCopy(t *testing.T) {
	reg := NewRegistry()
	reg.AddExtensions("x", "a", "b")

	got := reg.GetExtensions("x")
	got[0] = "mutated"
	assert.Equal(t, []any{"a", "b"}, reg.GetExtensions("x"))
}

func TestListenerAddAndRemove(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	l := listen(rec)

	reg.AddListener(l, "X")
	reg.AddExtension("X", "e1")

	require.Len(t, rec.Events(), 1)
	assert.Equal(t, ChangeEvent{ExtensionPointID: "X", Added: []any{"e1"}, Index: 0}, rec.Events()[0])
	assert.Empty(t, rec.Events()[0].Removed)

	require.NoError(t, reg.RemoveListener(l, "X"))
	reg.AddExtension("X", "e2")
	assert.Len(t, rec.Events(), 1)

	err := reg.RemoveListener(l, "X")
	assert.ErrorIs(t, err, ErrListenerNotFound)
}

func TestListenerOrderPointBeforeGlobal(t *testing.T) {
	reg := NewRegistry()
	var order []string
	global := func(Registry, ChangeEvent) { order = append(order, "global") }
	point := func(Registry, ChangeEvent) { order = append(order, "point") }

	reg.AddListener(weakref.Strong[ListenerFunc](global), AnyExtensionPoint)
	reg.AddListener(weakref.Strong[ListenerFunc](point), "X")

	reg.AddExtension("X", 1)
	assert.Equal(t, []string{"point", "global"}, order)

	order = nil
	reg.AddExtension("Y", 1)
	assert.Equal(t, []string{"global"}, order)
}

func TestAddExtensionsIndex(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	reg.AddListener(listen(rec), "X")

	reg.AddExtensions("X", "a", "b")
	reg.AddExtensions("X", "c")

	evs := rec.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, 0, evs[0].Index)
	assert.Equal(t, 2, evs[1].Index)
	assert.Equal(t, []any{"c"}, evs[1].Added)
}

func TestRemoveExtensions(t *testing.T) {
	reg := NewRegistry()
	reg.AddExtensions("X", "a", "b", "c", "d")
	rec := &recorder{}
	reg.AddListener(listen(rec), "X")

	require.NoError(t, reg.RemoveExtensions("X", "d", "b"))
	assert.Equal(t, []any{"a", "c"}, reg.GetExtensions("X"))

	evs := rec.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, []any{"d"}, evs[0].Removed)
	assert.Equal(t, 3, evs[0].Index)
	assert.Equal(t, []any{"b"}, evs[1].Removed)
	assert.Equal(t, 1, evs[1].Index)
}

// mirror replays change events by position onto its own copy of a point.
type mirror struct {
	mu   sync.Mutex
	list []any
	err  error
}

func (m *mirror) OnChange(_ Registry, ev ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, _, err := Replace(ev.Index, len(ev.Removed), ev.Added...).Apply(m.list)
	if err != nil {
		m.err = err
		return
	}
	m.list = updated
}

func onChangeOfMirror(m *mirror) ListenerFunc { return m.OnChange }

func TestRemoveScatteredExtensionsReplaysByPosition(t *testing.T) {
	reg := NewRegistry()
	m := &mirror{list: []any{}}
	reg.AddListener(weakref.Method(m, "OnChange", onChangeOfMirror), "X")

	reg.AddExtensions("X", "a", "b", "c", "d", "e")
	require.NoError(t, reg.RemoveExtensions("X", "a", "c"))
	require.NoError(t, reg.RemoveExtensions("X", "e", "b"))
	reg.AddExtension("X", "f")

	m.mu.Lock()
	defer m.mu.Unlock()
	require.NoError(t, m.err)
	assert.Equal(t, reg.GetExtensions("X"), m.list)
	assert.Equal(t, []any{"d", "f"}, m.list)
}

func TestRemoveExtensionsAllOrNothing(t *testing.T) {
	reg := NewRegistry()
	reg.AddExtensions("X", "a", "b")

	err := reg.RemoveExtensions("X", "a", "missing")
	assert.ErrorIs(t, err, ErrExtensionNotFound)
	assert.Equal(t, []any{"a", "b"}, reg.GetExtensions("X"))

	err = reg.RemoveExtension("nope", "a")
	assert.ErrorIs(t, err, ErrUnknownExtensionPoint)
}

func TestRemoveExtensionsDuplicates(t *testing.T) {
	reg := NewRegistry()
	reg.AddExtensions("X", "a", "a", "b")

	require.NoError(t, reg.RemoveExtensions("X", "a", "a"))
	assert.Equal(t, []any{"b"}, reg.GetExtensions("X"))

	err := reg.RemoveExtension("X", "a")
	assert.ErrorIs(t, err, ErrExtensionNotFound)
}

func TestRemoveNonComparableExtension(t *testing.T) {
	reg := NewRegistry()
	reg.AddExtensions("X", []string{"a"}, map[string]int{"k": 1})

	require.NoError(t, reg.RemoveExtension("X", map[string]int{"k": 1}))
	assert.Equal(t, []any{[]string{"a"}}, reg.GetExtensions("X"))
}

func TestSetExtensionsRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.AddExtensions("X", "old")
	rec := &recorder{}
	reg.AddListener(listen(rec), "X")

	want := []any{"n1", 2, "n3"}
	require.NoError(t, reg.SetExtensions("X", want))
	assert.Equal(t, want, reg.GetExtensions("X"))

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, want, evs[0].Added)
	assert.Equal(t, []any{"old"}, evs[0].Removed)
	assert.Equal(t, 0, evs[0].Index)

	require.NoError(t, reg.SetExtensions("Y", nil))
	assert.Empty(t, reg.GetExtensions("Y"))
	assert.Contains(t, reg.GetExtensionPoints(), "Y")
}

func TestRemoveExtensionPoint(t *testing.T) {
	reg := NewRegistry()
	reg.AddExtensions("X", "a")
	rec := &recorder{}
	reg.AddListener(listen(rec), AnyExtensionPoint)

	require.NoError(t, reg.RemoveExtensionPoint("X"))
	assert.Empty(t, reg.GetExtensionPoints())
	assert.Empty(t, reg.GetExtensions("X"))

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, []any{"a"}, evs[0].Removed)

	err := reg.RemoveExtensionPoint("X")
	assert.ErrorIs(t, err, ErrUnknownExtensionPoint)
}

func TestListenerMayReenterRegistry(t *testing.T) {
	reg := NewRegistry()
	var seen []any
	fn := ListenerFunc(func(r Registry, ev ChangeEvent) {
		seen = r.GetExtensions(ev.ExtensionPointID)
	})
	reg.AddListener(weakref.Func(&fn), "X")

	reg.AddExtension("X", "a")
	assert.Equal(t, []any{"a"}, seen)
	runtime.KeepAlive(&fn)
}

//go:noinline
func registerTransient(reg Registry, calls *atomic.Int32) Listener {
	obj := &countingListener{calls: calls}
	l := weakref.Method(obj, "OnChange", func(c *countingListener) ListenerFunc { return c.OnChange })
	reg.AddListener(l, "X")
	return l
}

type countingListener struct {
	calls *atomic.Int32
}

func (c *countingListener) OnChange(Registry, ChangeEvent) { c.calls.Add(1) }

func TestWeakListenerIsCollected(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	l := registerTransient(reg, &calls)

	reg.AddExtension("X", "while alive")
	assert.Equal(t, int32(1), calls.Load())

	assert.Eventually(t, func() bool {
		runtime.GC()
		_, ok := l.Get()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() { reg.AddExtension("X", "after collection") })
	assert.Equal(t, int32(1), calls.Load())

	assert.ErrorIs(t, reg.RemoveListener(l, "X"), ErrListenerNotFound, "dead handles are pruned")
}

func TestMutableRegistryConcurrentAdds(t *testing.T) {
	reg := NewRegistry()
	var events atomic.Int32
	fn := ListenerFunc(func(Registry, ChangeEvent) { events.Add(1) })
	reg.AddListener(weakref.Func(&fn), AnyExtensionPoint)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				reg.AddExtension("X", w*1000+i)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, reg.GetExtensions("X"), 400)
	assert.Equal(t, int32(400), events.Load())
	runtime.KeepAlive(&fn)
}
