package extension

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
)

// listenerTable stores listener handles keyed by extension point id, with
// AnyExtensionPoint holding the global ones. It is not safe for concurrent use;
// registries guard it with their own mutex.
type listenerTable struct {
	byPoint map[string][]Listener
}

func (t *listenerTable) add(l Listener, id string) {
	if t.byPoint == nil {
		t.byPoint = make(map[string][]Listener)
	}
	t.byPoint[id] = append(t.byPoint[id], l)
}

func (t *listenerTable) remove(l Listener, id string) error {
	ls := t.byPoint[id]
	i := slices.Index(ls, l)
	if i < 0 {
		return fmt.Errorf("%w: point %q", ErrListenerNotFound, id)
	}
	ls = slices.Delete(ls, i, i+1)
	if len(ls) == 0 {
		delete(t.byPoint, id)
	} else {
		t.byPoint[id] = ls
	}
	return nil
}

// snapshot returns the listeners interested in id: point-specific ones first,
// then global ones. Handles whose owner has been collected are pruned.
func (t *listenerTable) snapshot(id string) []Listener {
	t.prune(id)
	if id != AnyExtensionPoint {
		t.prune(AnyExtensionPoint)
	}

	var out []Listener
	if id != AnyExtensionPoint {
		out = append(out, t.byPoint[id]...)
	}
	out = append(out, t.byPoint[AnyExtensionPoint]...)
	return out
}

func (t *listenerTable) prune(id string) {
	ls, ok := t.byPoint[id]
	if !ok {
		return
	}
	live := slices.DeleteFunc(ls, func(l Listener) bool {
		_, ok := l.Get()
		return !ok
	})
	if n := len(ls) - len(live); n > 0 {
		log.Debug().Str("extension_point", id).Int("pruned", n).Msg("dropped collected extension listeners")
	}
	if len(live) == 0 {
		delete(t.byPoint, id)
	} else {
		t.byPoint[id] = live
	}
}

// pendingEvent is an event computed under a registry lock and delivered after
// the lock has been released.
type pendingEvent struct {
	listeners []Listener
	event     ChangeEvent
}

// dispatch invokes listeners synchronously, in order. Must be called without
// holding the registry lock: listeners may call back into the registry, and
// then observe its state at the time of the call rather than at the time of
// the event.
func dispatch(reg Registry, events []pendingEvent) {
	for _, pe := range events {
		for _, l := range pe.listeners {
			fn, ok := l.Get()
			if !ok {
				continue
			}
			fn(reg, pe.event)
		}
	}
}
