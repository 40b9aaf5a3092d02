package plugin

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/weave/meta"
	"github.com/toolink/weave/pubsub"
)

// Manager manages the registration and lifecycle of plugins.
//
// Start starts plugins in the order they were added; Stop stops them in
// exactly the reverse order. A failing Start aborts startup without stopping
// the plugins already started: the caller decides how to recover.
type Manager struct {
	mu      sync.RWMutex
	plugins []Plugin         // registration order
	states  map[string]State // plugin id -> state
	app     Application
	bus     pubsub.PubSub
	include []string
	exclude []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes plugin events on bus.
func WithBus(bus pubsub.PubSub) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithInclude restricts the manager to plugins whose id matches one of the
// glob patterns (path.Match syntax). Without include patterns every plugin
// is included.
func WithInclude(patterns ...string) Option {
	return func(m *Manager) { m.include = append(m.include, patterns...) }
}

// WithExclude hides plugins whose id matches one of the glob patterns.
func WithExclude(patterns ...string) Option {
	return func(m *Manager) { m.exclude = append(m.exclude, patterns...) }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{states: make(map[string]State)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetApplication sets the application handed to ApplicationAware plugins,
// including those already added.
func (m *Manager) SetApplication(app Application) {
	m.mu.Lock()
	m.app = app
	plugins := slices.Clone(m.plugins)
	m.mu.Unlock()

	for _, p := range plugins {
		if aware, ok := p.(ApplicationAware); ok {
			aware.SetApplication(app)
		}
	}
}

// AddPlugin appends p to the managed plugins. Plugins hidden by include or
// exclude patterns are still managed, just never listed or started. If a
// TopicAdded subscriber fails, p is removed again, TopicRemoved is published
// so other subscribers can undo their work, and the error is returned.
func (m *Manager) AddPlugin(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrPluginNotFound)
	}
	id := p.ID()

	m.mu.Lock()
	if _, exists := m.states[id]; exists {
		m.mu.Unlock()
		log.Error().Str("plugin", id).Msg("attempted to add duplicate plugin")
		return fmt.Errorf("%w: %s", ErrPluginAlreadyRegistered, id)
	}
	m.plugins = append(m.plugins, p)
	m.states[id] = StateUnstarted
	app := m.app
	m.mu.Unlock()

	if aware, ok := p.(ApplicationAware); ok {
		aware.SetApplication(app)
	}
	if err := m.announce(TopicAdded, p); err != nil {
		m.mu.Lock()
		m.plugins = slices.DeleteFunc(m.plugins, func(x Plugin) bool { return x.ID() == id })
		delete(m.states, id)
		m.mu.Unlock()

		if aware, ok := p.(ApplicationAware); ok {
			aware.SetApplication(nil)
		}
		m.publish(TopicRemoved, p)
		log.Error().Str("plugin", id).Err(err).Msg("failed to add plugin")
		return fmt.Errorf("plugin: adding %s: %w", id, err)
	}
	log.Debug().Str("plugin", id).Msg("plugin added")
	return nil
}

// RemovePlugin removes p from the managed plugins and clears its
// application. It does not stop p.
func (m *Manager) RemovePlugin(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrPluginNotFound)
	}
	m.mu.Lock()
	i := slices.IndexFunc(m.plugins, func(x Plugin) bool { return x.ID() == p.ID() })
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, p.ID())
	}
	removed := m.plugins[i]
	m.plugins = slices.Delete(m.plugins, i, i+1)
	delete(m.states, removed.ID())
	m.mu.Unlock()

	if aware, ok := removed.(ApplicationAware); ok {
		aware.SetApplication(nil)
	}
	log.Debug().Str("plugin", removed.ID()).Msg("plugin removed")
	m.publish(TopicRemoved, removed)
	return nil
}

// GetPlugin returns the plugin with the given id, unless it is hidden by the
// include or exclude patterns.
func (m *Manager) GetPlugin(id string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.includedLocked(id) {
		return nil, false
	}
	i := slices.IndexFunc(m.plugins, func(p Plugin) bool { return p.ID() == id })
	if i < 0 {
		return nil, false
	}
	return m.plugins[i], true
}

// Plugins returns the visible plugins in registration order.
func (m *Manager) Plugins() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		if m.includedLocked(p.ID()) {
			out = append(out, p)
		}
	}
	return out
}

// State returns the lifecycle state of the plugin with the given id.
func (m *Manager) State(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	return s, ok
}

// Start starts every visible plugin that is not started yet, in registration
// order. The first failure aborts startup and is returned; plugins started
// before it stay started.
func (m *Manager) Start(ctx context.Context) error {
	for _, p := range m.Plugins() {
		if s, _ := m.State(p.ID()); !s.CanStart() {
			continue
		}
		if err := m.StartPlugin(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every started plugin in reverse registration order. A failing
// plugin does not prevent the others from stopping; all errors are joined.
func (m *Manager) Stop(ctx context.Context) error {
	plugins := m.Plugins()
	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if s, _ := m.State(p.ID()); s != StateStarted {
			continue
		}
		if err := m.StopPlugin(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Warn().Int("error_count", len(errs)).Msg("plugin shutdown completed with errors")
	}
	return errors.Join(errs...)
}

// StartPlugin starts one managed plugin. It must be unstarted or stopped.
// Errors returned by the plugin are returned wrapped.
func (m *Manager) StartPlugin(ctx context.Context, p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrPluginNotFound)
	}
	id := p.ID()
	prev, err := m.transition(id, State.CanStart, StateStarting)
	if err != nil {
		return err
	}

	m.publish(TopicStarting, p)
	log.Debug().Str("plugin", id).Msg("starting plugin...")
	startTime := time.Now()
	if err := p.Start(m.lifecycleContext(ctx, id)); err != nil {
		m.setState(id, prev)
		log.Error().Str("plugin", id).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to start plugin")
		return fmt.Errorf("failed to start plugin %s: %w", id, err)
	}
	m.setState(id, StateStarted)
	log.Info().Str("plugin", id).Dur("duration", time.Since(startTime)).Msg("plugin started")
	m.publish(TopicStarted, p)
	return nil
}

// StartPluginByID starts the managed plugin with the given id.
func (m *Manager) StartPluginByID(ctx context.Context, id string) error {
	p, ok := m.GetPlugin(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return m.StartPlugin(ctx, p)
}

// StopPlugin stops one started plugin. If the plugin fails to stop it stays
// in the started state.
func (m *Manager) StopPlugin(ctx context.Context, p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrPluginNotFound)
	}
	id := p.ID()
	isStarted := func(s State) bool { return s == StateStarted }
	if _, err := m.transition(id, isStarted, StateStopping); err != nil {
		return err
	}

	m.publish(TopicStopping, p)
	log.Debug().Str("plugin", id).Msg("stopping plugin...")
	startTime := time.Now()
	if err := p.Stop(m.lifecycleContext(ctx, id)); err != nil {
		m.setState(id, StateStarted)
		log.Error().Str("plugin", id).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to stop plugin")
		return fmt.Errorf("failed to stop plugin %s: %w", id, err)
	}
	m.setState(id, StateStopped)
	log.Info().Str("plugin", id).Dur("duration", time.Since(startTime)).Msg("plugin stopped")
	m.publish(TopicStopped, p)
	return nil
}

// StopPluginByID stops the managed plugin with the given id.
func (m *Manager) StopPluginByID(ctx context.Context, id string) error {
	p, ok := m.GetPlugin(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return m.StopPlugin(ctx, p)
}

// transition moves plugin id to next if allowed(current) holds, returning
// the previous state.
func (m *Manager) transition(id string, allowed func(State) bool, next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[id]
	if !ok {
		return cur, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if !allowed(cur) {
		return cur, fmt.Errorf("%w: plugin %s is %s, cannot move to %s", ErrInvalidState, id, cur, next)
	}
	m.states[id] = next
	return cur, nil
}

func (m *Manager) setState(id string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; ok {
		m.states[id] = s
	}
}

func (m *Manager) lifecycleContext(ctx context.Context, id string) context.Context {
	return meta.With(ctx, meta.KeyPluginID, id)
}

func (m *Manager) includedLocked(id string) bool {
	if len(m.include) > 0 && !matchAny(m.include, id) {
		return false
	}
	return !matchAny(m.exclude, id)
}

func matchAny(patterns []string, id string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}

func (m *Manager) publish(topic string, p Plugin) {
	if err := m.announce(topic, p); err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("plugin", p.ID()).Msg("plugin event handler failed")
	}
}

func (m *Manager) announce(topic string, p Plugin) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.Publish(context.Background(), topic, Event{Plugin: p})
}
