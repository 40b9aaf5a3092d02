package app

import (
	"github.com/toolink/weave/binding"
	"github.com/toolink/weave/service"
)

// ExtensionPoint returns a typed view of an extension point of a.
func ExtensionPoint[T any](a *Application, id string, opts ...binding.ShapeOption) *binding.ExtensionPoint[T] {
	return binding.NewExtensionPoint[T](a.extensions, id, opts...)
}

// Service returns a binding to services of a registered under T's protocol.
func Service[T any](a *Application, opts ...service.LookupOption) *binding.Service[T] {
	return binding.NewService[T](a.services, opts...)
}

// ServiceByPath returns a binding to services of a registered under the
// protocol named by the symbol at path.
func ServiceByPath[T any](a *Application, path string, opts ...service.LookupOption) *binding.Service[T] {
	return binding.NewServiceByPath[T](a.services, a, path, opts...)
}

// Bind binds a field of owner to point and records the binding in a's
// binding table.
func Bind[O, E any](a *Application, owner *O, name string, point *binding.ExtensionPoint[E], field func(*O) *[]E, opts ...binding.BindOption[E]) (*binding.Binding[O, E], error) {
	return binding.Bind(a.bindings, owner, name, point, field, opts...)
}
