package pubsub

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// handlerType identifies the type of the subscription handler.
type handlerType int

const (
	handlerTypeInvalid handlerType = iota
	handlerTypeFunc
	handlerTypeChan
)

var errorType = reflect.TypeFor[error]()

// Subscription represents a single subscription to a topic.
type Subscription struct {
	ID      string
	Topic   string
	options *SubscriptionOptions
	mu      sync.RWMutex
	closed  bool

	handlerType handlerType
	handlerFunc reflect.Value // for function handlers
	argType     reflect.Type  // nil for func()
	returnsErr  bool
	handlerChan reflect.Value // for channel handlers
	chanType    reflect.Type  // element type of the channel
}

// newSubscription validates the handler and prepares it for delivery.
func newSubscription(topic string, handler any, opts ...Option) (*Subscription, error) {
	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	s := &Subscription{
		ID:      uuid.NewString(),
		Topic:   topic,
		options: options,
	}

	if handler == nil {
		return nil, ErrInvalidHandler
	}
	handlerVal := reflect.ValueOf(handler)
	handlerTyp := handlerVal.Type()

	switch handlerTyp.Kind() {
	case reflect.Func:
		if handlerVal.IsNil() {
			return nil, ErrInvalidHandler
		}
		if handlerTyp.NumIn() > 1 || handlerTyp.IsVariadic() {
			return nil, fmt.Errorf("%w: %s takes more than one argument", ErrHandlerArgs, handlerTyp)
		}
		switch {
		case handlerTyp.NumOut() == 0:
		case handlerTyp.NumOut() == 1 && handlerTyp.Out(0) == errorType:
			s.returnsErr = true
		default:
			return nil, fmt.Errorf("%w: %s must return nothing or an error", ErrHandlerArgs, handlerTyp)
		}
		s.handlerType = handlerTypeFunc
		s.handlerFunc = handlerVal
		if handlerTyp.NumIn() == 1 {
			s.argType = handlerTyp.In(0)
		}

	case reflect.Chan:
		if handlerTyp.ChanDir()&reflect.SendDir == 0 {
			return nil, fmt.Errorf("%w: channel must be sendable (chan<- T or chan T)", ErrInvalidHandler)
		}
		if handlerVal.IsNil() {
			return nil, ErrInvalidHandler
		}
		s.handlerType = handlerTypeChan
		s.handlerChan = handlerVal
		s.chanType = handlerTyp.Elem()

	default:
		return nil, ErrInvalidHandler
	}

	return s, nil
}

// deliver hands payload to the subscription's handler and waits for it.
func (s *Subscription) deliver(ctx context.Context, payload any) (err error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	htype := s.handlerType
	s.mu.RUnlock()

	if s.options.RecoverPanics {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("subscription_id", s.ID).Str("topic", s.Topic).Interface("panic", r).Msg("handler panicked")
				err = fmt.Errorf("%w: topic %q: %v", ErrHandlerPanic, s.Topic, r)
			}
		}()
	}

	switch htype {
	case handlerTypeFunc:
		return s.invokeFuncHandler(payload)
	case handlerTypeChan:
		return s.sendToChanHandler(ctx, payload)
	default:
		return ErrInvalidHandler
	}
}

// payloadValue converts payload to a value assignable to typ. A nil payload
// becomes the zero value of typ.
func payloadValue(payload any, typ reflect.Type) (reflect.Value, bool) {
	if payload == nil {
		return reflect.Zero(typ), true
	}
	v := reflect.ValueOf(payload)
	if !v.Type().AssignableTo(typ) {
		return reflect.Value{}, false
	}
	return v, true
}

// invokeFuncHandler calls the function handler with payload.
func (s *Subscription) invokeFuncHandler(payload any) error {
	s.mu.RLock()
	fn := s.handlerFunc
	argType := s.argType
	s.mu.RUnlock()

	if !fn.IsValid() {
		return nil // cleared during close
	}

	var args []reflect.Value
	if argType != nil {
		v, ok := payloadValue(payload, argType)
		if !ok {
			log.Error().Str("subscription_id", s.ID).Str("topic", s.Topic).Str("expected", argType.String()).Str("got", fmt.Sprintf("%T", payload)).Msg("handler argument type mismatch")
			return fmt.Errorf("%w: topic %q expects %s, got %T", ErrHandlerArgs, s.Topic, argType, payload)
		}
		args = []reflect.Value{v}
	}

	out := fn.Call(args)
	if s.returnsErr && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

// sendToChanHandler sends payload to the channel handler, blocking until the
// receiver takes it or ctx is done.
func (s *Subscription) sendToChanHandler(ctx context.Context, payload any) error {
	s.mu.RLock()
	ch := s.handlerChan
	chType := s.chanType
	s.mu.RUnlock()

	if !ch.IsValid() {
		return nil
	}

	v, ok := payloadValue(payload, chType)
	if !ok {
		log.Error().Str("subscription_id", s.ID).Str("topic", s.Topic).Str("expected", chType.String()).Str("got", fmt.Sprintf("%T", payload)).Msg("channel type mismatch")
		return fmt.Errorf("%w: topic %q expects %s, got %T", ErrChanTypeMismatch, s.Topic, chType, payload)
	}

	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		{Dir: reflect.SelectSend, Chan: ch, Send: v},
	}
	if chosen, _, _ := reflect.Select(cases); chosen == 0 {
		return ctx.Err()
	}
	return nil
}

// Close releases the handler. Deliveries after Close are dropped silently.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handlerFunc = reflect.Value{}
	s.handlerChan = reflect.Value{}
	s.mu.Unlock()

	log.Debug().Str("subscription_id", s.ID).Str("topic", s.Topic).Msg("subscription closed")
	return nil
}
