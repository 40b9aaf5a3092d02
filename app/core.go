package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolink/weave/extension"
	"github.com/toolink/weave/plugin"
	"github.com/toolink/weave/service"
	"github.com/toolink/weave/weakref"
)

// Core plugin ids.
const (
	CorePluginID       = "weave.core"
	ServiceOffersPoint = "weave.service_offers"
)

// CorePlugin registers the services offered through ServiceOffersPoint.
// Every extension of that point must be a *service.Offer. Offers are
// registered when the plugin starts and followed while it runs: added offers
// are registered, removed ones unregistered. Stopping the plugin unregisters
// all of them.
type CorePlugin struct {
	*plugin.Base

	mu       sync.Mutex
	services *service.Registry
	reg      extension.Registry
	ids      map[*service.Offer][]int
	listener extension.Listener
}

// NewCorePlugin creates the core plugin.
func NewCorePlugin() *CorePlugin {
	return &CorePlugin{
		Base: plugin.NewBase(CorePluginID, ServiceOffersPoint),
		ids:  make(map[*service.Offer][]int),
	}
}

func (c *CorePlugin) Start(ctx context.Context) error {
	app := c.Application()
	if app == nil {
		return errors.New("core plugin started without an application")
	}

	c.mu.Lock()
	c.reg, c.services = app.ExtensionRegistry(), app.ServiceRegistry()
	if c.listener == nil {
		c.listener = weakref.Method(c, "onOffersChanged", func(c *CorePlugin) extension.ListenerFunc { return c.onOffersChanged })
	}
	c.mu.Unlock()

	for _, ext := range c.reg.GetExtensions(ServiceOffersPoint) {
		c.register(ext)
	}
	c.reg.AddListener(c.listener, ServiceOffersPoint)
	return nil
}

func (c *CorePlugin) Stop(ctx context.Context) error {
	c.mu.Lock()
	reg, services := c.reg, c.services
	ids := c.ids
	c.ids = make(map[*service.Offer][]int)
	c.mu.Unlock()

	if reg == nil {
		return nil
	}
	_ = reg.RemoveListener(c.listener, ServiceOffersPoint)

	var errs []error
	for _, id := range slices.Sorted(flatten(ids)) {
		if err := services.UnregisterService(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServiceIDs returns the ids of the services registered from offers.
func (c *CorePlugin) ServiceIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(flatten(c.ids))
}

func (c *CorePlugin) onOffersChanged(_ extension.Registry, ev extension.ChangeEvent) {
	for _, ext := range ev.Removed {
		c.unregister(ext)
	}
	for _, ext := range ev.Added {
		c.register(ext)
	}
}

func (c *CorePlugin) register(ext any) {
	offer, ok := ext.(*service.Offer)
	if !ok {
		log.Warn().Str("plugin", CorePluginID).Str("type", fmt.Sprintf("%T", ext)).Msg("ignoring service offer of unexpected type")
		return
	}
	c.mu.Lock()
	services := c.services
	c.mu.Unlock()

	id := services.RegisterService(offer.Protocol, offer.Object, offer.Properties)
	c.mu.Lock()
	c.ids[offer] = append(c.ids[offer], id)
	c.mu.Unlock()
}

func (c *CorePlugin) unregister(ext any) {
	offer, ok := ext.(*service.Offer)
	if !ok {
		return
	}
	c.mu.Lock()
	ids := c.ids[offer]
	if len(ids) == 0 {
		c.mu.Unlock()
		return
	}
	id := ids[len(ids)-1]
	if len(ids) == 1 {
		delete(c.ids, offer)
	} else {
		c.ids[offer] = ids[:len(ids)-1]
	}
	services := c.services
	c.mu.Unlock()

	if err := services.UnregisterService(id); err != nil {
		log.Warn().Err(err).Int("service_id", id).Msg("failed to unregister retracted service offer")
	}
}

func flatten(ids map[*service.Offer][]int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for _, list := range ids {
			for _, id := range list {
				if !yield(id) {
					return
				}
			}
		}
	}
}
