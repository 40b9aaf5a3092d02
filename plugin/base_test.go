package plugin

import (
	"cmp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/weave/extension"
	"github.com/toolink/weave/weakref"
)

type embedding struct {
	*Base
}

func TestBaseMutationsReachRegistry(t *testing.T) {
	reg := extension.NewProviderRegistry()
	a := &embedding{Base: NewBase("a", "editor.formatters")}
	b := NewBase("b")
	require.NoError(t, a.Contribute("X", "a1", "a2"))
	require.NoError(t, b.Contribute("X", "b1"))
	require.NoError(t, reg.AddProvider(a))
	require.NoError(t, reg.AddProvider(b))
	assert.Equal(t, []string{"editor.formatters"}, reg.GetExtensionPoints())
	require.Equal(t, []any{"a1", "a2", "b1"}, reg.GetExtensions("X"))

	var events []extension.ChangeEvent
	fn := extension.ListenerFunc(func(_ extension.Registry, ev extension.ChangeEvent) {
		events = append(events, ev)
	})
	reg.AddListener(weakref.Func(&fn), "X")

	require.NoError(t, a.InsertExtensions("X", 0, "a0"))
	require.NoError(t, b.Contribute("X", "b2"))
	require.NoError(t, a.RemoveExtensions("X", 1, 1))
	require.NoError(t, a.ReplaceExtensions("X", 0, 1, "z"))

	assert.Equal(t, []any{"z", "a2", "b1", "b2"}, reg.GetExtensions("X"))
	require.Len(t, events, 4)
	assert.Equal(t, 0, events[0].Index)
	assert.Equal(t, 4, events[1].Index)
	assert.Equal(t, extension.ChangeEvent{ExtensionPointID: "X", Removed: []any{"a1"}, Index: 1}, events[2])
	assert.Equal(t, []any{"a0"}, events[3].Removed)
	assert.Equal(t, []any{"z"}, events[3].Added)
	runtime.KeepAlive(&fn)
}

func TestBaseSortIsAnnouncedAsReset(t *testing.T) {
	reg := extension.NewProviderRegistry()
	first := NewBase("first")
	require.NoError(t, first.Contribute("X", "f"))
	p := NewBase("p")
	require.NoError(t, p.Contribute("X", "c", "a", "b"))
	require.NoError(t, reg.AddProvider(first))
	require.NoError(t, reg.AddProvider(p))
	reg.GetExtensions("X")

	var events []extension.ChangeEvent
	fn := extension.ListenerFunc(func(_ extension.Registry, ev extension.ChangeEvent) {
		events = append(events, ev)
	})
	reg.AddListener(weakref.Func(&fn), extension.AnyExtensionPoint)

	require.NoError(t, p.SortExtensions("X", func(x, y any) int { return cmp.Compare(x.(string), y.(string)) }))
	assert.Equal(t, []any{"f", "a", "b", "c"}, reg.GetExtensions("X"))

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Index)
	assert.Equal(t, []any{"c", "a", "b"}, events[0].Removed)
	assert.Equal(t, []any{"a", "b", "c"}, events[0].Added)

	require.NoError(t, p.SetContributions("X", []any{"only"}))
	assert.Equal(t, []any{"f", "only"}, reg.GetExtensions("X"))
	runtime.KeepAlive(&fn)
}

func TestBaseRejectsOutOfRangeSplices(t *testing.T) {
	p := NewBase("p")
	require.NoError(t, p.Contribute("X", "a"))
	assert.ErrorIs(t, p.RemoveExtensions("X", 0, 2), extension.ErrSpliceOutOfRange)
	assert.ErrorIs(t, p.InsertExtensions("X", 5, "b"), extension.ErrSpliceOutOfRange)
	assert.Equal(t, []any{"a"}, p.GetExtensions("X"))
}

func TestBaseWatchCancel(t *testing.T) {
	p := NewBase("p")
	calls := 0
	cancel := p.WatchExtensions(func(extension.ProviderChange) error { calls++; return nil })

	require.NoError(t, p.Contribute("X", 1))
	cancel()
	require.NoError(t, p.Contribute("X", 2))
	assert.Equal(t, 1, calls)
}

func TestBaseNoopIsNotAnnounced(t *testing.T) {
	p := NewBase("p")
	calls := 0
	p.WatchExtensions(func(extension.ProviderChange) error { calls++; return nil })

	require.NoError(t, p.Contribute("X"))
	assert.Zero(t, calls)
}
