// Package binding provides typed, declarative access to registries.
//
// An ExtensionPoint reads and writes the extensions of one point through an
// extension.Registry, checking them against a declared shape on every
// access. A Service looks up a service through a service.Registry. Neither
// caches anything: every read goes to the registry.
//
// Bind keeps a slice field of some owner object synchronized with an
// extension point in both directions. Bindings are tracked in a Table keyed
// weakly by owner, so binding an object never keeps it alive.
//
// Registries are always passed explicitly; this package has no defaults.
package binding

import (
	"errors"
	"fmt"
)

// Predefined errors.
var (
	ErrShapeMismatch   = errors.New("binding: value does not match the declared shape")
	ErrReadOnly        = errors.New("binding: service bindings are read-only")
	ErrOwnerCollected  = errors.New("binding: owner has been garbage collected")
	ErrBindingClosed   = errors.New("binding: binding is closed")
	ErrUnknownProtocol = errors.New("binding: symbol does not name a protocol")
)

// Resolver turns a dotted symbol path into a live value. The application
// implements it with its symbol table.
type Resolver interface {
	ImportSymbol(path string) (any, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(path string) (any, error)

func (f ResolverFunc) ImportSymbol(path string) (any, error) { return f(path) }

func shapeError(id string, format string, args ...any) error {
	return fmt.Errorf("%w: extension point %q: %s", ErrShapeMismatch, id, fmt.Sprintf(format, args...))
}
