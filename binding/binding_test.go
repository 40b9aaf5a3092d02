package binding

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/weave/extension"
	"github.com/toolink/weave/service"
)

type editor struct {
	Formatters []string
	Keymaps    []string
}

func formattersOf(e *editor) *[]string { return &e.Formatters }
func keymapsOf(e *editor) *[]string    { return &e.Keymaps }

func TestExtensionPointGetValidatesShape(t *testing.T) {
	reg := extension.NewRegistry()
	p := NewExtensionPoint[string](reg, "editor.formatters", MinLen(1), MaxLen(2))

	_, err := p.Get()
	assert.ErrorIs(t, err, ErrShapeMismatch, "too short")

	reg.AddExtensions("editor.formatters", "gofmt", "prettier")
	got, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"gofmt", "prettier"}, got)

	reg.AddExtensions("editor.formatters", "black")
	_, err = p.Get()
	assert.ErrorIs(t, err, ErrShapeMismatch, "too long")

	require.NoError(t, reg.SetExtensions("editor.formatters", []any{"gofmt", 42}))
	_, err = p.Get()
	assert.ErrorIs(t, err, ErrShapeMismatch, "wrong element type")
}

func TestExtensionPointSet(t *testing.T) {
	reg := extension.NewRegistry()
	p := NewExtensionPoint[int](reg, "numbers", MaxLen(3))

	require.NoError(t, p.Set([]int{1, 2}))
	assert.Equal(t, []any{1, 2}, reg.GetExtensions("numbers"))

	assert.ErrorIs(t, p.Set([]int{1, 2, 3, 4}), ErrShapeMismatch)
	assert.Equal(t, []any{1, 2}, reg.GetExtensions("numbers"))

	ro := NewExtensionPoint[int](extension.NewProviderRegistry(), "numbers")
	assert.ErrorIs(t, ro.Set([]int{1}), extension.ErrReadOnlyRegistry)
}

type Greeter interface{ Greet() string }

type english struct{}

func (english) Greet() string { return "hello" }

func TestServiceBinding(t *testing.T) {
	reg := service.NewRegistry()
	s := NewService[Greeter](reg)

	_, ok, err := s.Get()
	require.NoError(t, err)
	assert.False(t, ok)

	service.Register[Greeter](reg, english{}, nil)
	g, ok, err := s.Get()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", g.Greet())

	assert.ErrorIs(t, s.Set(english{}), ErrReadOnly)
}

func TestServiceBindingByPath(t *testing.T) {
	reg := service.NewRegistry()
	service.Register[Greeter](reg, english{}, nil)

	lookups := 0
	symbols := map[string]any{
		"greet.Greeter":  reflect.TypeFor[Greeter](),
		"greet.Protocol": service.ProtocolOf[Greeter](),
		"greet.Bogus":    42,
	}
	resolver := ResolverFunc(func(path string) (any, error) {
		lookups++
		if v, ok := symbols[path]; ok {
			return v, nil
		}
		return nil, errors.New("no such symbol")
	})

	byType := NewServiceByPath[Greeter](reg, resolver, "greet.Greeter")
	assert.Zero(t, lookups, "resolution is lazy")
	g, ok, err := byType.Get()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", g.Greet())
	_, _, _ = byType.Get()
	assert.Equal(t, 1, lookups)

	byName := NewServiceByPath[Greeter](reg, resolver, "greet.Protocol")
	_, ok, err = byName.Get()
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = NewServiceByPath[Greeter](reg, resolver, "greet.Bogus").Get()
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	_, _, err = NewServiceByPath[Greeter](reg, resolver, "greet.Missing").Get()
	assert.Error(t, err)
}

func TestServiceBindingTypeMismatch(t *testing.T) {
	reg := service.NewRegistry()
	reg.RegisterService(service.ProtocolOf[Greeter](), "not a greeter", nil)

	_, _, err := NewService[Greeter](reg).Get()
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBindSynchronizesBothWays(t *testing.T) {
	reg := extension.NewRegistry()
	reg.AddExtensions("editor.formatters", "gofmt")
	table := NewTable()
	ed := &editor{}

	b, err := Bind(table, ed, "Formatters", NewExtensionPoint[string](reg, "editor.formatters"), formattersOf)
	require.NoError(t, err)
	assert.Equal(t, []string{"gofmt"}, ed.Formatters, "initialized from the registry")

	reg.AddExtensions("editor.formatters", "prettier")
	assert.Equal(t, []string{"gofmt", "prettier"}, ed.Formatters)

	require.NoError(t, b.Set([]string{"black"}))
	assert.Equal(t, []string{"black"}, ed.Formatters)
	assert.Equal(t, []any{"black"}, reg.GetExtensions("editor.formatters"))

	v, ok := b.Value()
	require.True(t, ok)
	assert.Equal(t, []string{"black"}, v)
	runtime.KeepAlive(ed)
}

func TestBindingDoesNotBounce(t *testing.T) {
	reg := &countingRegistry{MutableRegistry: extension.NewRegistry()}
	table := NewTable()
	ed := &editor{}

	var updates int
	b, err := Bind(table, ed, "Keymaps", NewExtensionPoint[string](reg, "editor.keymaps"), keymapsOf,
		OnUpdate(func(values []string, _ extension.ChangeEvent) []string {
			updates++
			// The returned values stay local.
			return append(values, "local")
		}))
	require.NoError(t, err)

	reg.AddExtensions("editor.keymaps", "emacs")
	assert.Equal(t, 1, updates)
	assert.Equal(t, []string{"emacs", "local"}, ed.Keymaps)
	assert.Equal(t, []any{"emacs"}, reg.GetExtensions("editor.keymaps"))
	assert.Zero(t, reg.sets)

	// Our own write does not come back as an update.
	require.NoError(t, b.Set([]string{"vim"}))
	assert.Equal(t, 1, updates)
	assert.Equal(t, 1, reg.sets)
	assert.Equal(t, []string{"vim"}, ed.Keymaps)
	runtime.KeepAlive(ed)
}

func TestSetFromUpdateHookWritesThroughOnce(t *testing.T) {
	reg := &countingRegistry{MutableRegistry: extension.NewRegistry()}
	ed := &editor{}

	var updates int
	var b *Binding[editor, string]
	b, err := Bind(NewTable(), ed, "Keymaps", NewExtensionPoint[string](reg, "editor.keymaps"), keymapsOf,
		OnUpdate(func(values []string, _ extension.ChangeEvent) []string {
			updates++
			require.NoError(t, b.Set(append(values, "normalized")))
			return values
		}))
	require.NoError(t, err)

	reg.AddExtensions("editor.keymaps", "emacs")
	assert.Equal(t, 1, updates)
	assert.Equal(t, 1, reg.sets)
	assert.Equal(t, []any{"emacs", "normalized"}, reg.GetExtensions("editor.keymaps"))
	assert.Equal(t, []string{"emacs", "normalized"}, ed.Keymaps, "the stale hook result is dropped")
	runtime.KeepAlive(ed)
}

func TestSetIsNotLostWhileAChangeIsApplied(t *testing.T) {
	reg := extension.NewRegistry()
	ed := &editor{}

	entered := make(chan struct{})
	release := make(chan struct{})
	b, err := Bind(NewTable(), ed, "Formatters", NewExtensionPoint[string](reg, "editor.formatters"), formattersOf,
		OnUpdate(func(values []string, _ extension.ChangeEvent) []string {
			if slices.Contains(values, "from-registry") {
				close(entered)
				<-release
			}
			return values
		}))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.AddExtension("editor.formatters", "from-registry")
	}()
	<-entered
	require.NoError(t, b.Set([]string{"from-set"}))
	close(release)
	<-done

	assert.Equal(t, []any{"from-set"}, reg.GetExtensions("editor.formatters"))
	v, ok := b.Value()
	require.True(t, ok)
	assert.Equal(t, []string{"from-set"}, v)
	runtime.KeepAlive(ed)
}

func TestConcurrentSetsAndChangesConverge(t *testing.T) {
	reg := extension.NewRegistry()
	ed := &editor{}
	b, err := Bind(NewTable(), ed, "Formatters", NewExtensionPoint[string](reg, "editor.formatters"), formattersOf)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 50 {
				assert.NoError(t, b.Set([]string{fmt.Sprintf("set-%d-%d", i, j)}))
			}
		}()
		go func() {
			defer wg.Done()
			for j := range 50 {
				reg.AddExtension("editor.formatters", fmt.Sprintf("add-%d-%d", i, j))
			}
		}()
	}
	wg.Wait()

	v, ok := b.Value()
	require.True(t, ok)
	want := make([]string, 0, len(v))
	for _, ext := range reg.GetExtensions("editor.formatters") {
		want = append(want, ext.(string))
	}
	assert.Equal(t, want, v)
	runtime.KeepAlive(ed)
}

type countingRegistry struct {
	*extension.MutableRegistry
	sets int
}

func (r *countingRegistry) SetExtensions(id string, extensions []any) error {
	r.sets++
	return r.MutableRegistry.SetExtensions(id, extensions)
}

func TestBindingSetOnReadOnlyRegistry(t *testing.T) {
	reg := extension.NewProviderRegistry()
	ed := &editor{}
	b, err := Bind(NewTable(), ed, "Formatters", NewExtensionPoint[string](reg, "editor.formatters"), formattersOf)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Set([]string{"x"}), extension.ErrReadOnlyRegistry)
	assert.Empty(t, ed.Formatters)
	runtime.KeepAlive(ed)
}

func TestBindRejectsBadShape(t *testing.T) {
	reg := extension.NewRegistry()
	reg.AddExtensions("editor.formatters", 1)
	table := NewTable()

	_, err := Bind(table, &editor{}, "Formatters", NewExtensionPoint[string](reg, "editor.formatters"), formattersOf)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Zero(t, table.Len())
}

func TestRebindReplaces(t *testing.T) {
	reg := extension.NewRegistry()
	table := NewTable()
	ed := &editor{}
	point := NewExtensionPoint[string](reg, "editor.formatters")

	first, err := Bind(table, ed, "Formatters", point, formattersOf)
	require.NoError(t, err)
	_, err = Bind(table, ed, "Formatters", point, formattersOf)
	require.NoError(t, err)
	_, err = Bind(table, ed, "Keymaps", NewExtensionPoint[string](reg, "editor.keymaps"), keymapsOf)
	require.NoError(t, err)

	assert.Equal(t, 2, table.Len())
	assert.ErrorIs(t, first.Sync(), ErrBindingClosed)
	runtime.KeepAlive(ed)
}

func TestUnbindAndClose(t *testing.T) {
	reg := extension.NewRegistry()
	table := NewTable()
	ed := &editor{}

	b, err := Bind(table, ed, "Formatters", NewExtensionPoint[string](reg, "editor.formatters"), formattersOf)
	require.NoError(t, err)
	k, err := Bind(table, ed, "Keymaps", NewExtensionPoint[string](reg, "editor.keymaps"), keymapsOf)
	require.NoError(t, err)

	assert.True(t, Unbind(table, ed, "Formatters", "editor.formatters"))
	assert.False(t, Unbind(table, ed, "Formatters", "editor.formatters"))
	assert.ErrorIs(t, b.Set(nil), ErrBindingClosed)

	reg.AddExtensions("editor.formatters", "gofmt")
	assert.Empty(t, ed.Formatters, "closed bindings stop syncing")

	k.Close()
	k.Close()
	assert.Zero(t, table.Len())
	runtime.KeepAlive(ed)
}

func TestBindingsOfCollectedOwnersAreDropped(t *testing.T) {
	reg := extension.NewRegistry()
	table := NewTable()
	point := NewExtensionPoint[string](reg, "editor.formatters")

	func() {
		_, err := Bind(table, &editor{}, "Formatters", point, formattersOf)
		require.NoError(t, err)
	}()
	require.Equal(t, 1, table.Len())

	assert.Eventually(t, func() bool {
		runtime.GC()
		return table.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotPanics(t, func() { reg.AddExtensions("editor.formatters", "gofmt") })
}
