package app

import (
	"context"

	"github.com/toolink/weave/extension"
	"github.com/toolink/weave/plugin"
	"github.com/toolink/weave/service"
)

// Extension registry.

// AddProvider adds an extension provider that is not a plugin.
func (a *Application) AddProvider(p extension.Provider) error {
	return a.extensions.AddProvider(p)
}

// RemoveProvider removes a provider added with AddProvider.
func (a *Application) RemoveProvider(p extension.Provider) bool {
	return a.extensions.RemoveProvider(p)
}

func (a *Application) AddExtensionPoint(id string) {
	a.extensions.AddExtensionPoint(id)
}

func (a *Application) GetExtensionPoints() []string {
	return a.extensions.GetExtensionPoints()
}

func (a *Application) GetExtensions(id string) []any {
	return a.extensions.GetExtensions(id)
}

func (a *Application) RemoveExtensionPoint(id string) error {
	return a.extensions.RemoveExtensionPoint(id)
}

func (a *Application) AddExtensionPointListener(l extension.Listener, id string) {
	a.extensions.AddListener(l, id)
}

func (a *Application) RemoveExtensionPointListener(l extension.Listener, id string) error {
	return a.extensions.RemoveListener(l, id)
}

// Plugins.

func (a *Application) AddPlugin(p plugin.Plugin) error {
	return a.plugins.AddPlugin(p)
}

func (a *Application) RemovePlugin(p plugin.Plugin) error {
	return a.plugins.RemovePlugin(p)
}

func (a *Application) GetPlugin(id string) (plugin.Plugin, bool) {
	return a.plugins.GetPlugin(id)
}

// Plugins returns the visible plugins in the order they were added.
func (a *Application) Plugins() []plugin.Plugin {
	return a.plugins.Plugins()
}

func (a *Application) StartPlugin(ctx context.Context, id string) error {
	return a.plugins.StartPluginByID(ctx, id)
}

func (a *Application) StopPlugin(ctx context.Context, id string) error {
	return a.plugins.StopPluginByID(ctx, id)
}

// Services.

func (a *Application) RegisterService(protocol service.Protocol, obj any, props service.Properties) int {
	return a.services.RegisterService(protocol, obj, props)
}

func (a *Application) UnregisterService(id int) error {
	return a.services.UnregisterService(id)
}

func (a *Application) GetService(protocol service.Protocol, opts ...service.LookupOption) (any, bool, error) {
	return a.services.GetService(protocol, opts...)
}

func (a *Application) GetServices(protocol service.Protocol, opts ...service.LookupOption) ([]any, error) {
	return a.services.GetServices(protocol, opts...)
}

func (a *Application) GetRequiredService(protocol service.Protocol, opts ...service.LookupOption) (any, error) {
	return a.services.GetRequiredService(protocol, opts...)
}

func (a *Application) GetServiceFromID(id int) (any, error) {
	return a.services.GetServiceFromID(id)
}

func (a *Application) GetServiceProperties(id int) (service.Properties, error) {
	return a.services.GetServiceProperties(id)
}

func (a *Application) SetServiceProperties(id int, props service.Properties) error {
	return a.services.SetServiceProperties(id, props)
}
