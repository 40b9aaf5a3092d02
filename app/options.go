package app

import (
	"maps"

	"github.com/toolink/weave/config"
	"github.com/toolink/weave/extension"
	"github.com/toolink/weave/logging"
	"github.com/toolink/weave/manifest"
	"github.com/toolink/weave/plugin"
)

// Option configures an Application.
type Option func(*options)

type options struct {
	id      string
	include []string
	exclude []string
	symbols map[string]any
	// steps run in option order once the application is assembled, so
	// providers are registered in the order they were given.
	steps []func(*Application) error
}

// WithPlugins adds plugins to the application.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(o *options) {
		o.steps = append(o.steps, func(a *Application) error {
			for _, p := range plugins {
				if err := a.AddPlugin(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

// WithProviders adds extension providers that are not plugins.
func WithProviders(providers ...extension.Provider) Option {
	return func(o *options) {
		o.steps = append(o.steps, func(a *Application) error {
			for _, p := range providers {
				if err := a.AddProvider(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

// WithManifests loads manifest files and adds them as providers. Symbols in
// the manifests are resolved with the application's symbol table.
func WithManifests(paths ...string) Option {
	return func(o *options) {
		o.steps = append(o.steps, func(a *Application) error {
			for _, path := range paths {
				m, err := manifest.Load(path, a)
				if err != nil {
					return err
				}
				if err := a.AddProvider(m); err != nil {
					return err
				}
				a.mu.Lock()
				a.manifests = append(a.manifests, m)
				a.mu.Unlock()
			}
			return nil
		})
	}
}

// WithInclude restricts the application to plugins whose id matches one of
// the glob patterns.
func WithInclude(patterns ...string) Option {
	return func(o *options) { o.include = append(o.include, patterns...) }
}

// WithExclude hides plugins whose id matches one of the glob patterns.
func WithExclude(patterns ...string) Option {
	return func(o *options) { o.exclude = append(o.exclude, patterns...) }
}

// WithSymbols registers symbols before any manifest is loaded.
func WithSymbols(symbols map[string]any) Option {
	return func(o *options) {
		if o.symbols == nil {
			o.symbols = make(map[string]any, len(symbols))
		}
		maps.Copy(o.symbols, symbols)
	}
}

// FromConfig applies cfg: it sets up logging, supplies the id when New was
// given none, applies the plugin filters and loads the manifests.
func FromConfig(cfg *config.Config) Option {
	return func(o *options) {
		if o.id == "" {
			o.id = cfg.ID
		}
		o.include = append(o.include, cfg.Plugins.Include...)
		o.exclude = append(o.exclude, cfg.Plugins.Exclude...)
		o.steps = append(o.steps, func(*Application) error {
			return logging.Setup(cfg.Log)
		})
		WithManifests(cfg.Manifests...)(o)
	}
}
