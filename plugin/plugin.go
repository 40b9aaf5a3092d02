// Package plugin defines plugins and the manager that drives their
// lifecycle.
//
// A plugin is an extension provider with an id and a start/stop lifecycle.
// The manager starts plugins in the order they were added and stops them in
// reverse. It performs no dependency resolution: ordering plugins is the
// caller's job.
package plugin

import (
	"context"
	"errors"

	"github.com/toolink/weave/extension"
	"github.com/toolink/weave/service"
)

// Plugin is a named extension provider with a lifecycle.
type Plugin interface {
	extension.Provider

	// ID returns the plugin's globally unique id.
	ID() string
	// Start is called at most once per run, before any plugin added later
	// is started.
	Start(ctx context.Context) error
	// Stop is called in reverse start order during shutdown.
	Stop(ctx context.Context) error
}

// Application is what plugins see of the application that manages them.
type Application interface {
	ID() string
	ExtensionRegistry() extension.Registry
	ServiceRegistry() *service.Registry
	ImportSymbol(path string) (any, error)
}

// ApplicationAware plugins are handed the owning application when they are
// added to a manager, and nil when they are removed.
type ApplicationAware interface {
	SetApplication(app Application)
}

// Predefined errors for plugin management.
var (
	ErrPluginNotFound          = errors.New("plugin: no such plugin")
	ErrPluginAlreadyRegistered = errors.New("plugin: plugin already registered")
	ErrInvalidState            = errors.New("plugin: invalid state for operation")
)

// Topics the manager publishes on, with an Event payload.
const (
	TopicAdded    = "plugin.added"
	TopicRemoved  = "plugin.removed"
	TopicStarting = "plugin.starting"
	TopicStarted  = "plugin.started"
	TopicStopping = "plugin.stopping"
	TopicStopped  = "plugin.stopped"
)

// Event is published on every plugin topic.
type Event struct {
	Plugin Plugin
}
