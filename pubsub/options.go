package pubsub

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// RecoverPanics turns a panicking handler into an ErrHandlerPanic error
	// instead of unwinding through Publish.
	RecoverPanics bool
	// Once removes the subscription after its first successful delivery.
	Once bool
}

// Option is a function type used to configure subscriptions.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{}
}

// WithPanicRecovery makes Publish report handler panics as errors.
func WithPanicRecovery() Option {
	return func(o *SubscriptionOptions) {
		o.RecoverPanics = true
	}
}

// WithOnce removes the subscription after it has handled one message.
func WithOnce() Option {
	return func(o *SubscriptionOptions) {
		o.Once = true
	}
}

// Apply applies the options to the SubscriptionOptions struct.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
