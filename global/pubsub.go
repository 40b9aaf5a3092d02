package global

import (
	"sync/atomic"

	"github.com/toolink/weave/pubsub"
)

func defaultBus() *atomic.Value {
	v := &atomic.Value{}
	v.Store(pubsub.New())
	return v
}

var globalBus = defaultBus()

// SetBus sets the global bus instance.
func SetBus(b *pubsub.Bus) {
	globalBus.Store(b)
}

// GetBus retrieves the current global bus instance.
func GetBus() *pubsub.Bus {
	return globalBus.Load().(*pubsub.Bus)
}
