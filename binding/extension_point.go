package binding

import (
	"reflect"

	"github.com/toolink/weave/extension"
)

// ShapeOption constrains the extensions an ExtensionPoint accepts.
type ShapeOption func(*shape)

type shape struct {
	minLen int
	maxLen int // < 0 means unbounded
}

// MinLen requires at least n extensions.
func MinLen(n int) ShapeOption {
	return func(s *shape) { s.minLen = n }
}

// MaxLen allows at most n extensions.
func MaxLen(n int) ShapeOption {
	return func(s *shape) { s.maxLen = n }
}

// ExtensionPoint is a typed view of one extension point. Every extension
// must be a T.
type ExtensionPoint[T any] struct {
	reg   extension.Registry
	id    string
	shape shape
}

// NewExtensionPoint binds the point id of reg to element type T.
func NewExtensionPoint[T any](reg extension.Registry, id string, opts ...ShapeOption) *ExtensionPoint[T] {
	if reg == nil {
		panic("binding: NewExtensionPoint called with nil registry")
	}
	p := &ExtensionPoint[T]{reg: reg, id: id, shape: shape{maxLen: -1}}
	for _, opt := range opts {
		opt(&p.shape)
	}
	return p
}

// ID returns the extension point id.
func (p *ExtensionPoint[T]) ID() string { return p.id }

// Registry returns the registry the point reads from.
func (p *ExtensionPoint[T]) Registry() extension.Registry { return p.reg }

// Get returns the current extensions, validated against the point's shape.
func (p *ExtensionPoint[T]) Get() ([]T, error) {
	raw := p.reg.GetExtensions(p.id)
	if err := p.checkLen(len(raw)); err != nil {
		return nil, err
	}
	out := make([]T, len(raw))
	for i, v := range raw {
		t, ok := v.(T)
		if !ok {
			return nil, shapeError(p.id, "extension #%d is %T, want %v", i, v, reflect.TypeFor[T]())
		}
		out[i] = t
	}
	return out, nil
}

// Set replaces the extensions of the point. The registry may refuse: a
// provider registry is read-only.
func (p *ExtensionPoint[T]) Set(extensions []T) error {
	if err := p.checkLen(len(extensions)); err != nil {
		return err
	}
	raw := make([]any, len(extensions))
	for i, e := range extensions {
		raw[i] = e
	}
	return p.reg.SetExtensions(p.id, raw)
}

func (p *ExtensionPoint[T]) checkLen(n int) error {
	if n < p.shape.minLen {
		return shapeError(p.id, "%d extensions, want at least %d", n, p.shape.minLen)
	}
	if p.shape.maxLen >= 0 && n > p.shape.maxLen {
		return shapeError(p.id, "%d extensions, want at most %d", n, p.shape.maxLen)
	}
	return nil
}
