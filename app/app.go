// Package app assembles the extension registry, the plugin manager and the
// service registry into an Application.
//
// Plugins added to an application become extension providers of its
// registry for as long as they are managed and not hidden by the include or
// exclude patterns. Starting the application starts its plugins; either
// transition can be vetoed by a subscriber of TopicStarting or TopicStopping.
package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/weave/binding"
	"github.com/toolink/weave/extension"
	"github.com/toolink/weave/manifest"
	"github.com/toolink/weave/meta"
	"github.com/toolink/weave/plugin"
	"github.com/toolink/weave/pubsub"
	"github.com/toolink/weave/service"
)

// Topics the application publishes on, with an *Event payload.
const (
	TopicStarting = "application.starting"
	TopicStarted  = "application.started"
	TopicStopping = "application.stopping"
	TopicStopped  = "application.stopped"
)

// Predefined errors.
var (
	ErrUnknownSymbol = errors.New("app: unknown symbol")
	ErrSymbolExists  = errors.New("app: symbol already registered")
	ErrStartVetoed   = errors.New("app: start vetoed")
	ErrStopVetoed    = errors.New("app: stop vetoed")
)

// Event is published on the application topics. Subscribers of
// TopicStarting and TopicStopping may veto the transition.
type Event struct {
	Application *Application
	vetoed      atomic.Bool
}

// Veto cancels the transition announced by a starting or stopping event.
func (e *Event) Veto() { e.vetoed.Store(true) }

// Vetoed reports whether any subscriber vetoed the event.
func (e *Event) Vetoed() bool { return e.vetoed.Load() }

// Application is the composition root.
type Application struct {
	id       string
	instance string

	bus        *pubsub.Bus
	extensions *extension.ProviderRegistry
	plugins    *plugin.Manager
	services   *service.Registry
	bindings   *binding.Table

	mu        sync.RWMutex
	symbols   map[string]any
	manifests []*manifest.Provider
	providing map[string]bool // ids of plugins added as providers
}

var _ plugin.Application = (*Application)(nil)
var _ binding.Resolver = (*Application)(nil)

// New creates an application. An empty id may be supplied by FromConfig.
func New(id string, opts ...Option) (*Application, error) {
	o := &options{id: id}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		return nil, errors.New("app: application id must not be empty")
	}

	bus := pubsub.New()
	a := &Application{
		id:         o.id,
		instance:   uuid.NewString(),
		bus:        bus,
		extensions: extension.NewProviderRegistry(),
		services:   service.NewRegistry(service.WithBus(bus)),
		bindings:   binding.NewTable(),
		symbols:    make(map[string]any),
		providing:  make(map[string]bool),
	}
	maps.Copy(a.symbols, o.symbols)
	a.plugins = plugin.NewManager(
		plugin.WithBus(bus),
		plugin.WithInclude(o.include...),
		plugin.WithExclude(o.exclude...),
	)

	if _, err := bus.Subscribe(plugin.TopicAdded, a.onPluginAdded); err != nil {
		return nil, err
	}
	if _, err := bus.Subscribe(plugin.TopicRemoved, a.onPluginRemoved); err != nil {
		return nil, err
	}
	a.plugins.SetApplication(a)

	for _, step := range o.steps {
		if err := step(a); err != nil {
			return nil, err
		}
	}
	log.Debug().Str("application", a.id).Str("instance", a.instance).Int("plugins", len(a.plugins.Plugins())).Msg("application created")
	return a, nil
}

// ID returns the application id.
func (a *Application) ID() string { return a.id }

// InstanceID returns an id unique to this application value.
func (a *Application) InstanceID() string { return a.instance }

// Bus returns the bus the application and its registries publish on.
func (a *Application) Bus() *pubsub.Bus { return a.bus }

// ExtensionRegistry returns the application's extension registry.
func (a *Application) ExtensionRegistry() extension.Registry { return a.extensions }

// ProviderRegistry returns the extension registry with its provider API.
func (a *Application) ProviderRegistry() *extension.ProviderRegistry { return a.extensions }

// PluginManager returns the application's plugin manager.
func (a *Application) PluginManager() *plugin.Manager { return a.plugins }

// ServiceRegistry returns the application's service registry.
func (a *Application) ServiceRegistry() *service.Registry { return a.services }

// Bindings returns the table of bindings created with Bind.
func (a *Application) Bindings() *binding.Table { return a.bindings }

// Start publishes TopicStarting and, unless a subscriber vetoes, starts all
// plugins and publishes TopicStarted. It reports whether the application
// started.
func (a *Application) Start(ctx context.Context) (bool, error) {
	ctx = meta.With(ctx, meta.KeyApplicationID, a.id)
	ev := &Event{Application: a}
	if err := a.bus.Publish(ctx, TopicStarting, ev); err != nil {
		return false, fmt.Errorf("application starting: %w", err)
	}
	if ev.Vetoed() {
		log.Info().Str("application", a.id).Msg("application start vetoed")
		return false, nil
	}

	log.Info().Str("application", a.id).Msg("starting application...")
	if err := a.plugins.Start(ctx); err != nil {
		return false, err
	}
	a.publish(ctx, TopicStarted)
	log.Info().Str("application", a.id).Msg("application started")
	return true, nil
}

// Stop publishes TopicStopping and, unless a subscriber vetoes, stops all
// plugins. TopicStopped is published only if every plugin stopped cleanly.
// It reports whether the application stopped.
func (a *Application) Stop(ctx context.Context) (bool, error) {
	ctx = meta.With(ctx, meta.KeyApplicationID, a.id)
	ev := &Event{Application: a}
	if err := a.bus.Publish(ctx, TopicStopping, ev); err != nil {
		return false, fmt.Errorf("application stopping: %w", err)
	}
	if ev.Vetoed() {
		log.Info().Str("application", a.id).Msg("application stop vetoed")
		return false, nil
	}

	log.Info().Str("application", a.id).Msg("stopping application...")
	if err := a.plugins.Stop(ctx); err != nil {
		return false, err
	}
	a.publish(ctx, TopicStopped)
	log.Info().Str("application", a.id).Msg("application stopped")
	return true, nil
}

// Run starts the application, waits until ctx is done and stops it.
func (a *Application) Run(ctx context.Context) error {
	started, err := a.Start(ctx)
	if err != nil {
		return err
	}
	if !started {
		return ErrStartVetoed
	}

	<-ctx.Done()

	stopped, err := a.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if !stopped {
		return ErrStopVetoed
	}
	return nil
}

// Close stops watching manifests and closes the bus. It does not stop
// plugins.
func (a *Application) Close() error {
	a.mu.RLock()
	manifests := a.manifests
	a.mu.RUnlock()

	var errs []error
	for _, m := range manifests {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WatchManifests reloads every manifest when its file changes.
func (a *Application) WatchManifests() error {
	a.mu.RLock()
	manifests := a.manifests
	a.mu.RUnlock()

	for _, m := range manifests {
		if err := m.Watch(); err != nil {
			return fmt.Errorf("watching manifest %s: %w", m.Path(), err)
		}
	}
	return nil
}

// RegisterSymbol makes v importable under path.
func (a *Application) RegisterSymbol(path string, v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.symbols[path]; exists {
		return fmt.Errorf("%w: %s", ErrSymbolExists, path)
	}
	a.symbols[path] = v
	return nil
}

// ImportSymbol returns the value registered under path.
func (a *Application) ImportSymbol(path string) (any, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.symbols[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, path)
	}
	return v, nil
}

func (a *Application) onPluginAdded(ev plugin.Event) error {
	id := ev.Plugin.ID()
	if _, visible := a.plugins.GetPlugin(id); !visible {
		return nil
	}
	if err := a.extensions.AddProvider(ev.Plugin); err != nil {
		return err
	}
	a.mu.Lock()
	a.providing[id] = true
	a.mu.Unlock()
	return nil
}

// onPluginRemoved only removes providers onPluginAdded added, so a failed
// add never takes away a provider registered through AddProvider.
func (a *Application) onPluginRemoved(ev plugin.Event) {
	id := ev.Plugin.ID()
	a.mu.Lock()
	providing := a.providing[id]
	delete(a.providing, id)
	a.mu.Unlock()

	if providing {
		a.extensions.RemoveProvider(ev.Plugin)
	}
}

func (a *Application) publish(ctx context.Context, topic string) {
	if err := a.bus.Publish(ctx, topic, &Event{Application: a}); err != nil {
		log.Warn().Err(err).Str("application", a.id).Str("topic", topic).Msg("application event handler failed")
	}
}
