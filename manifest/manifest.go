// Package manifest provides an extension provider backed by a YAML file.
//
// A manifest declares extension points and contributes extensions to them
// without any code:
//
//	id: acme.editor
//	extensionPoints:
//	  - editor.formatters
//	contributions:
//	  - point: editor.formatters
//	    extensions:
//	      - gofmt
//	      - symbol: acme.formatters.Prettier
//
// An extension of the form {symbol: path} is replaced by the value the
// Resolver returns for path.
package manifest

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"

	"github.com/toolink/weave/extension"
)

// Predefined errors.
var (
	ErrInvalidManifest = errors.New("manifest: invalid manifest")
	ErrUnknownSymbol   = errors.New("manifest: cannot resolve symbol")
)

// Resolver turns a symbol path into a live value.
type Resolver interface {
	ImportSymbol(path string) (any, error)
}

// Provider is an extension provider whose points and contributions come from
// a manifest file. Reload re-reads the file and announces what changed.
//
// The declared extension points are read by a registry when the provider is
// added; a reload only changes contributions as far as registries are
// concerned.
type Provider struct {
	path     string
	resolver Resolver
	fp       *file.File
	watching atomic.Bool

	emitMu sync.Mutex // serializes reload + announcement

	mu            sync.RWMutex
	id            string
	points        []string
	contributions map[string][]any
	watchers      []*watcher
}

type watcher struct {
	handler extension.ChangeHandler
}

var _ extension.ObservableProvider = (*Provider)(nil)

// document is one parsed manifest.
type document struct {
	id            string
	points        []string
	contributions map[string][]any
}

// Load reads the manifest at path. resolver may be nil if the manifest uses
// no symbols.
func Load(path string, resolver Resolver) (*Provider, error) {
	p := &Provider{path: path, resolver: resolver, fp: file.Provider(path)}
	doc, err := p.read()
	if err != nil {
		return nil, err
	}
	p.id, p.points, p.contributions = doc.id, doc.points, doc.contributions
	log.Debug().Str("manifest", doc.id).Str("path", path).Int("points", len(doc.points)).Msg("manifest loaded")
	return p, nil
}

// ID returns the manifest id.
func (p *Provider) ID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// Path returns the manifest file path.
func (p *Provider) Path() string { return p.path }

// GetExtensionPoints returns the declared extension points.
func (p *Provider) GetExtensionPoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.points)
}

// GetExtensions returns the contributions to id.
func (p *Provider) GetExtensions(id string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.contributions[id])
}

// WatchExtensions registers handler for contribution changes.
func (p *Provider) WatchExtensions(handler extension.ChangeHandler) func() {
	w := &watcher{handler: handler}
	p.mu.Lock()
	p.watchers = append(p.watchers, w)
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.watchers = slices.DeleteFunc(p.watchers, func(x *watcher) bool { return x == w })
	}
}

// Reload re-reads the manifest. Every point whose contributions changed is
// announced as a reset. If the file cannot be read the provider keeps its
// current state.
func (p *Provider) Reload() error {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	doc, err := p.read()
	if err != nil {
		return err
	}

	p.mu.Lock()
	var changes []extension.ProviderChange
	for _, id := range changedPoints(p.contributions, doc.contributions) {
		old := p.contributions[id]
		changes = append(changes, extension.ProviderChange{
			Provider:         p,
			ExtensionPointID: id,
			Splice:           extension.Reset(len(old), doc.contributions[id]...),
		})
	}
	p.id, p.points, p.contributions = doc.id, doc.points, doc.contributions
	watchers := slices.Clone(p.watchers)
	p.mu.Unlock()

	log.Debug().Str("manifest", doc.id).Int("changed_points", len(changes)).Msg("manifest reloaded")

	var errs []error
	for _, c := range changes {
		for _, w := range watchers {
			if err := w.handler(c); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Watch reloads the manifest whenever the file changes, until Close.
func (p *Provider) Watch() error {
	if p.watching.Swap(true) {
		return nil
	}
	return p.fp.Watch(func(_ any, err error) {
		if err != nil {
			log.Error().Err(err).Str("path", p.path).Msg("manifest watch failed")
			return
		}
		if err := p.Reload(); err != nil {
			log.Error().Err(err).Str("path", p.path).Msg("manifest reload failed")
		}
	})
}

// Close stops watching the file.
func (p *Provider) Close() error {
	if !p.watching.Swap(false) {
		return nil
	}
	return p.fp.Unwatch()
}

func (p *Provider) read() (*document, error) {
	k := koanf.New(".")
	if err := k.Load(p.fp, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading manifest %q: %w", p.path, err)
	}

	doc := &document{
		id:            k.String("id"),
		points:        k.Strings("extensionPoints"),
		contributions: make(map[string][]any),
	}
	if doc.id == "" {
		return nil, fmt.Errorf("%w: %s: missing id", ErrInvalidManifest, p.path)
	}

	for i, c := range k.Slices("contributions") {
		point := c.String("point")
		if point == "" {
			return nil, fmt.Errorf("%w: %s: contribution #%d has no point", ErrInvalidManifest, p.path, i)
		}
		raw, ok := c.Get("extensions").([]any)
		if !ok && c.Exists("extensions") {
			return nil, fmt.Errorf("%w: %s: extensions of %q must be a list", ErrInvalidManifest, p.path, point)
		}
		for _, v := range raw {
			ext, err := p.resolve(v)
			if err != nil {
				return nil, err
			}
			doc.contributions[point] = append(doc.contributions[point], ext)
		}
	}
	return doc, nil
}

// resolve replaces {symbol: path} entries with the resolved value.
func (p *Provider) resolve(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v, nil
	}
	sym, ok := m["symbol"].(string)
	if !ok {
		return v, nil
	}
	if p.resolver == nil {
		return nil, fmt.Errorf("%w: %s: no resolver", ErrUnknownSymbol, sym)
	}
	obj, err := p.resolver.ImportSymbol(sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknownSymbol, sym, err)
	}
	return obj, nil
}

// changedPoints returns the points whose contributions differ, in sorted
// order.
func changedPoints(old, updated map[string][]any) []string {
	var ids []string
	for id, exts := range updated {
		if !reflect.DeepEqual(old[id], exts) {
			ids = append(ids, id)
		}
	}
	for id := range old {
		if _, ok := updated[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
