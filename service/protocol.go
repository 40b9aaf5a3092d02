package service

import (
	"maps"
	"reflect"
)

// Protocol names the interface a service is registered under. Services
// declare their protocol explicitly at registration; the registry never
// probes objects to find out what they implement.
type Protocol string

// ProtocolOf returns the protocol name for T: its package path and type
// name, e.g. "github.com/acme/editor.Formatter". Unnamed types use their
// type string.
func ProtocolOf[T any]() Protocol {
	return ProtocolFor(reflect.TypeFor[T]())
}

// ProtocolFor is ProtocolOf for a type known only at run time.
func ProtocolFor(t reflect.Type) Protocol {
	if t.Name() == "" || t.PkgPath() == "" {
		return Protocol(t.String())
	}
	return Protocol(t.PkgPath() + "." + t.Name())
}

// Properties are the attributes attached to one registration.
type Properties map[string]any

// Clone returns a shallow copy. Cloning nil yields an empty map.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	return maps.Clone(p)
}

// Factory lazily creates a service. It is called at most once successfully,
// with a copy of the registration's properties, on first lookup.
type Factory func(props Properties) (any, error)

// Offer describes a service contributed declaratively, through the core
// plugin's service offers extension point, instead of registered in code.
type Offer struct {
	Protocol   Protocol
	Object     any // a service or a Factory
	Properties Properties
}
