// Package extension implements the extension registry: a mapping from
// extension point ids to ordered lists of contributed extensions, with
// per-point and global change listeners.
//
// Two implementations are provided. MutableRegistry stores flat lists that
// callers edit directly. ProviderRegistry aggregates the contributions of
// many providers (usually plugins), keeping the externally visible order equal
// to provider registration order, then each provider's own order.
package extension

import (
	"errors"
	"fmt"
)

// AnyExtensionPoint registers a listener for changes to every extension point.
const AnyExtensionPoint = ""

// ChangeEvent describes a change to the extensions of one extension point.
// Index is the absolute position in the point's extension list at which
// Removed were taken out and Added were put in.
type ChangeEvent struct {
	ExtensionPointID string
	Added            []any
	Removed          []any
	Index            int
}

// ListenerFunc is called after the extensions of a point changed.
type ListenerFunc func(reg Registry, ev ChangeEvent)

// Listener is a handle to a ListenerFunc. Registries compare handles with ==
// and only hold the handle, never the callback, so a handle created with
// weakref.Method or weakref.Func does not keep its owner alive.
type Listener interface {
	Get() (ListenerFunc, bool)
}

// Registry is the interface shared by both registry implementations.
type Registry interface {
	// AddExtensionPoint makes an extension point known. Idempotent.
	AddExtensionPoint(id string)

	// GetExtensionPoints returns the ids of all known extension points.
	GetExtensionPoints() []string

	// GetExtensions returns a copy of the extensions contributed to a point.
	// Unknown points have no extensions.
	GetExtensions(id string) []any

	// SetExtensions replaces all extensions of a point.
	SetExtensions(id string, extensions []any) error

	// RemoveExtensionPoint forgets an extension point and its extensions.
	RemoveExtensionPoint(id string) error

	// AddListener registers l for changes to the given point, or to every
	// point when id is AnyExtensionPoint.
	AddListener(l Listener, id string)

	// RemoveListener undoes AddListener.
	RemoveListener(l Listener, id string) error
}

// Predefined errors for registry operations.
var (
	ErrUnknownExtensionPoint     = errors.New("extension: unknown extension point")
	ErrExtensionNotFound         = errors.New("extension: extension not found")
	ErrListenerNotFound          = errors.New("extension: listener not registered")
	ErrReadOnlyRegistry          = errors.New("extension: extensions of a provider registry cannot be set")
	ErrProviderAlreadyRegistered = errors.New("extension: provider is already registered")
	ErrInconsistentProviderState = errors.New("extension: provider state is inconsistent with the registry")
	ErrSpliceOutOfRange          = errors.New("extension: splice out of range")
)

// InconsistentProviderStateError reports a provider change that does not
// match what the registry recorded for that provider.
type InconsistentProviderStateError struct {
	ExtensionPointID string
	ProviderIndex    int
	Recorded         int // length of the recorded contributions
	Current          int // length of the provider's current contributions, -1 if not consulted
	Splice           Splice
	Err              error
}

func (e *InconsistentProviderStateError) Error() string {
	msg := fmt.Sprintf("%v: point %q, provider #%d, recorded %d extensions, splice at %d removing %d adding %d",
		ErrInconsistentProviderState, e.ExtensionPointID, e.ProviderIndex, e.Recorded,
		e.Splice.Index, e.Splice.RemoveCount, len(e.Splice.Items))
	if e.Current >= 0 {
		msg += fmt.Sprintf(", provider reports %d", e.Current)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap lets errors.Is match both ErrInconsistentProviderState and the cause.
func (e *InconsistentProviderStateError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInconsistentProviderState}
	}
	return []error{ErrInconsistentProviderState, e.Err}
}
