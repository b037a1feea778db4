// Package relay defines the publish/subscribe transport consumed by the
// connection client and an in-process Hub implementation of it.
//
// A relay multiplexes named channels (one per scope, "scope-<id>"). Each
// message carries an event type and an opaque body; the sync layer uses the
// event's action as the type and its JSON encoding as the body.
package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnavailable is returned when the relay cannot be reached.
	ErrUnavailable = errors.New("relay unavailable")
	// ErrClosed is returned by operations on a closed relay or subscription.
	ErrClosed = errors.New("relay closed")
	// ErrStale ends a subscription that stopped receiving broker heartbeats.
	ErrStale = errors.New("relay subscription stale")
)

// Listener receives one message for a bound event type.
type Listener func(eventType string, data []byte)

// Subscription is a live attachment to one channel.
type Subscription interface {
	Channel() string
	// Bind routes messages of eventType to fn, replacing any prior binding.
	Bind(eventType string, fn Listener)
	// BindAll routes every message to fn in addition to typed bindings.
	BindAll(fn Listener)
	// Unbind removes the binding for eventType; "" removes all bindings.
	Unbind(eventType string)
	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a clean Unsubscribe.
	Err() error
	Unsubscribe() error
}

// Relay is the transport contract.
type Relay interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel, eventType string, data []byte) error
	Ping(ctx context.Context) error
}

// Bindings is the listener table shared by Subscription implementations.
type Bindings struct {
	mu    sync.RWMutex
	typed map[string]Listener
	all   []Listener
}

// NewBindings returns an empty table.
func NewBindings() *Bindings {
	return &Bindings{typed: make(map[string]Listener)}
}

func (b *Bindings) Bind(eventType string, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typed[eventType] = fn
}

func (b *Bindings) BindAll(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, fn)
}

func (b *Bindings) Unbind(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		b.typed = make(map[string]Listener)
		b.all = nil
		return
	}
	delete(b.typed, eventType)
}

// Dispatch invokes the typed binding, then every catch-all binding.
func (b *Bindings) Dispatch(eventType string, data []byte) {
	b.mu.RLock()
	fn := b.typed[eventType]
	all := append([]Listener(nil), b.all...)
	b.mu.RUnlock()
	if fn != nil {
		fn(eventType, data)
	}
	for _, l := range all {
		l(eventType, data)
	}
}

// Ender closes a Done channel exactly once and records the cause.
type Ender struct {
	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

// NewEnder returns an open Ender.
func NewEnder() *Ender { return &Ender{done: make(chan struct{})} }

// End closes Done with err; later calls are no-ops.
func (e *Ender) End(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *Ender) Done() <-chan struct{} { return e.done }

func (e *Ender) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Ended reports whether End has been called.
func (e *Ender) Ended() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
