// Package weakref provides weak handles to callbacks.
//
// A handle observes the object that owns a callback without extending its
// lifetime. Once the owner has been garbage collected the handle resolves to
// nothing, so registries holding handles never keep listeners alive.
//
// Handles to the same bound method (or the same function variable) are cached
// and therefore identical: they compare equal with == and can be used as map
// keys, which is what registries rely on to remove a listener later.
package weakref

import (
	"runtime"
	"sync"
	"weak"

	"github.com/rs/zerolog/log"
)

// Ref is a handle to a callback of type F.
type Ref[F any] struct {
	resolve func() (F, bool)
	name    string
}

// Get returns the callback while its owner is alive. After the owner has
// been collected it returns the zero value and false.
func (r *Ref[F]) Get() (F, bool) {
	if r == nil {
		var zero F
		return zero, false
	}
	return r.resolve()
}

// Alive reports whether the callback can still be resolved.
func (r *Ref[F]) Alive() bool {
	_, ok := r.Get()
	return ok
}

// String returns the method name the handle was created for, if any.
func (r *Ref[F]) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.name
}

// cache holds one *Ref per (owner, method name, callback type). Keys only hold
// weak pointers, and entries are dropped when their owner is collected.
var cache sync.Map

type methodKey[T, F any] struct {
	owner weak.Pointer[T]
	name  string
}

type funcKey[F any] struct {
	fn weak.Pointer[F]
}

// Method returns a weak handle to the method called name on obj. bind turns
// the live object into the callback when the handle is resolved, typically
// a method expression such as func(l *Listener) F { return l.OnChange }.
//
// Repeated calls with the same obj and name return the same handle.
func Method[T, F any](obj *T, name string, bind func(*T) F) *Ref[F] {
	if obj == nil {
		panic("weakref: Method called with nil object")
	}

	key := methodKey[T, F]{owner: weak.Make(obj), name: name}
	if r, ok := cache.Load(key); ok {
		return r.(*Ref[F])
	}

	wp := key.owner
	ref := &Ref[F]{
		name: name,
		resolve: func() (F, bool) {
			target := wp.Value()
			if target == nil {
				var zero F
				return zero, false
			}
			return bind(target), true
		},
	}

	actual, loaded := cache.LoadOrStore(key, ref)
	if !loaded {
		runtime.AddCleanup(obj, dropKey, any(key))
		log.Debug().Str("method", name).Msg("weak method handle created")
	}
	return actual.(*Ref[F])
}

// Func returns a weak handle to the function stored in *fn. The caller must
// keep fn reachable for as long as the callback should stay registered.
//
// Repeated calls with the same fn return the same handle.
func Func[F any](fn *F) *Ref[F] {
	if fn == nil {
		panic("weakref: Func called with nil function pointer")
	}

	key := funcKey[F]{fn: weak.Make(fn)}
	if r, ok := cache.Load(key); ok {
		return r.(*Ref[F])
	}

	wp := key.fn
	ref := &Ref[F]{
		name: "func",
		resolve: func() (F, bool) {
			p := wp.Value()
			if p == nil {
				var zero F
				return zero, false
			}
			return *p, true
		},
	}

	actual, loaded := cache.LoadOrStore(key, ref)
	if !loaded {
		runtime.AddCleanup(fn, dropKey, any(key))
	}
	return actual.(*Ref[F])
}

// Strong returns a handle that always resolves to fn. Strong handles are not
// cached: every call yields a distinct handle.
func Strong[F any](fn F) *Ref[F] {
	return &Ref[F]{
		name:    "strong",
		resolve: func() (F, bool) { return fn, true },
	}
}

func dropKey(key any) {
	cache.Delete(key)
}
