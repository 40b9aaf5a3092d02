package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/weave/extension"
)

type prettier struct{ width int }

type symbols map[string]any

func (s symbols) ImportSymbol(path string) (any, error) {
	if v, ok := s[path]; ok {
		return v, nil
	}
	return nil, errors.New("not found")
}

const editorManifest = `
id: acme.editor
extensionPoints:
  - editor.formatters
contributions:
  - point: editor.formatters
    extensions:
      - gofmt
      - symbol: acme.formatters.Prettier
  - point: editor.keymaps
    extensions: [emacs]
`

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	pr := &prettier{width: 80}
	p, err := Load(writeManifest(t, t.TempDir(), editorManifest), symbols{"acme.formatters.Prettier": pr})
	require.NoError(t, err)

	assert.Equal(t, "acme.editor", p.ID())
	assert.Equal(t, []string{"editor.formatters"}, p.GetExtensionPoints())
	assert.Equal(t, []any{"gofmt", pr}, p.GetExtensions("editor.formatters"))
	assert.Equal(t, []any{"emacs"}, p.GetExtensions("editor.keymaps"))
	assert.Empty(t, p.GetExtensions("unknown"))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"missing id", "extensionPoints: [x]\n", ErrInvalidManifest},
		{"contribution without point", "id: m\ncontributions:\n  - extensions: [a]\n", ErrInvalidManifest},
		{"extensions not a list", "id: m\ncontributions:\n  - point: x\n    extensions: a\n", ErrInvalidManifest},
		{"unknown symbol", "id: m\ncontributions:\n  - point: x\n    extensions:\n      - symbol: nope\n", ErrUnknownSymbol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeManifest(t, dir, tt.content), symbols{})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestSymbolsNeedResolver(t *testing.T) {
	_, err := Load(writeManifest(t, t.TempDir(), editorManifest), nil)
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestReloadAnnouncesResets(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "id: m\ncontributions:\n  - point: a\n    extensions: [a1, a2]\n  - point: b\n    extensions: [b1]\n")
	p, err := Load(path, nil)
	require.NoError(t, err)

	var changes []extension.ProviderChange
	p.WatchExtensions(func(c extension.ProviderChange) error {
		changes = append(changes, c)
		return nil
	})

	writeManifest(t, dir, "id: m\ncontributions:\n  - point: a\n    extensions: [a1, a2]\n  - point: c\n    extensions: [c1, c2]\n")
	require.NoError(t, p.Reload())

	require.Len(t, changes, 2)
	assert.Equal(t, "b", changes[0].ExtensionPointID)
	assert.Equal(t, extension.Reset(1), changes[0].Splice)
	assert.Equal(t, "c", changes[1].ExtensionPointID)
	assert.Equal(t, extension.Reset(0, "c1", "c2"), changes[1].Splice)
	assert.Same(t, p, changes[1].Provider)

	assert.Empty(t, p.GetExtensions("b"))
	assert.Equal(t, []any{"c1", "c2"}, p.GetExtensions("c"))
}

func TestReloadFailureKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "id: m\ncontributions:\n  - point: a\n    extensions: [a1]\n")
	p, err := Load(path, nil)
	require.NoError(t, err)

	writeManifest(t, dir, "contributions: []\n")
	assert.ErrorIs(t, p.Reload(), ErrInvalidManifest)
	assert.Equal(t, []any{"a1"}, p.GetExtensions("a"))
}

func TestReloadFlowsThroughProviderRegistry(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "id: m\ncontributions:\n  - point: x\n    extensions: [m1, m2]\n")
	p, err := Load(path, nil)
	require.NoError(t, err)

	other := &staticProvider{exts: []any{"o1"}}
	reg := extension.NewProviderRegistry()
	require.NoError(t, reg.AddProvider(other))
	require.NoError(t, reg.AddProvider(p))
	require.Equal(t, []any{"o1", "m1", "m2"}, reg.GetExtensions("x"))

	writeManifest(t, dir, "id: m\ncontributions:\n  - point: x\n    extensions: [m3]\n")
	require.NoError(t, p.Reload())
	assert.Equal(t, []any{"o1", "m3"}, reg.GetExtensions("x"))

	assert.True(t, reg.RemoveProvider(p))
	writeManifest(t, dir, "id: m\ncontributions:\n  - point: x\n    extensions: [m4]\n")
	require.NoError(t, p.Reload())
	assert.Equal(t, []any{"o1"}, reg.GetExtensions("x"))
}

type staticProvider struct{ exts []any }

func (s *staticProvider) GetExtensionPoints() []string { return nil }
func (s *staticProvider) GetExtensions(string) []any   { return s.exts }

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "id: m\ncontributions:\n  - point: x\n    extensions: [v1]\n")
	p, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, p.Watch())
	t.Cleanup(func() { _ = p.Close() })

	writeManifest(t, dir, "id: m\ncontributions:\n  - point: x\n    extensions: [v2]\n")
	assert.Eventually(t, func() bool {
		exts := p.GetExtensions("x")
		return len(exts) == 1 && exts[0] == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}
