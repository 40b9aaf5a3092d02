package binding

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/toolink/weave/service"
)

// Service is a typed, read-only view of a service lookup.
type Service[T any] struct {
	reg  *service.Registry
	opts []service.LookupOption

	once     sync.Once
	resolve  func() (service.Protocol, error)
	protocol service.Protocol
	err      error
}

// NewService looks up services registered under T's protocol.
func NewService[T any](reg *service.Registry, opts ...service.LookupOption) *Service[T] {
	p := service.ProtocolOf[T]()
	return newService[T](reg, func() (service.Protocol, error) { return p, nil }, opts)
}

// NewServiceByPath looks up services registered under the protocol named by
// the symbol at path. The symbol is resolved on first use and may be a
// service.Protocol, a string or a reflect.Type.
func NewServiceByPath[T any](reg *service.Registry, resolver Resolver, path string, opts ...service.LookupOption) *Service[T] {
	return newService[T](reg, func() (service.Protocol, error) {
		sym, err := resolver.ImportSymbol(path)
		if err != nil {
			return "", err
		}
		return protocolOfSymbol(path, sym)
	}, opts)
}

func newService[T any](reg *service.Registry, resolve func() (service.Protocol, error), opts []service.LookupOption) *Service[T] {
	if reg == nil {
		panic("binding: service binding created with nil registry")
	}
	return &Service[T]{reg: reg, opts: opts, resolve: resolve}
}

// Protocol returns the protocol the binding looks up, resolving it if needed.
// A failed resolution is not retried.
func (s *Service[T]) Protocol() (service.Protocol, error) {
	s.once.Do(func() {
		s.protocol, s.err = s.resolve()
	})
	return s.protocol, s.err
}

// Get returns one matching service, or false if none matches.
func (s *Service[T]) Get() (T, bool, error) {
	var zero T
	p, err := s.Protocol()
	if err != nil {
		return zero, false, err
	}
	svc, ok, err := s.reg.GetService(p, s.opts...)
	if err != nil || !ok {
		return zero, false, err
	}
	t, ok := svc.(T)
	if !ok {
		return zero, false, fmt.Errorf("%w: service for %s is %T, want %v", ErrShapeMismatch, p, svc, reflect.TypeFor[T]())
	}
	return t, true, nil
}

// Set always fails.
func (s *Service[T]) Set(T) error {
	return ErrReadOnly
}

func protocolOfSymbol(path string, sym any) (service.Protocol, error) {
	switch v := sym.(type) {
	case service.Protocol:
		return v, nil
	case string:
		return service.Protocol(v), nil
	case reflect.Type:
		return service.ProtocolFor(v), nil
	default:
		return "", fmt.Errorf("%w: %s is %T", ErrUnknownProtocol, path, sym)
	}
}
