package extension

// Provider contributes extensions to extension points. Plugins are the usual
// providers, but anything implementing this interface can be added to a
// ProviderRegistry (a static manifest, code-based registration, ...).
type Provider interface {
	// GetExtensionPoints returns the ids of the extension points the
	// provider declares.
	GetExtensionPoints() []string

	// GetExtensions returns the provider's current contributions to a point.
	GetExtensions(id string) []any
}

// ProviderChange is announced by a provider after it changed its own
// contributions to one extension point. Splice is relative to the provider's
// own contribution list.
type ProviderChange struct {
	Provider         Provider
	ExtensionPointID string
	Splice           Splice
}

// ChangeHandler receives provider changes. A non-nil error means the change
// could not be reconciled and is reported back to the mutating provider.
type ChangeHandler func(ProviderChange) error

// ObservableProvider is a Provider whose contributions change at runtime.
//
// Implementations must announce changes in the order they were made, after
// the change is visible through GetExtensions, and must not hold locks that
// GetExtensions needs while announcing.
type ObservableProvider interface {
	Provider

	// WatchExtensions registers handler and returns a function that
	// unregisters it.
	WatchExtensions(handler ChangeHandler) (cancel func())
}
