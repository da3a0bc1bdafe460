// Package event provides a small synchronous pub-sub bus used for every
// callback registration in collabtext (document updates, awareness changes,
// transport status, published user lists).
//
// Handlers run on the publishing goroutine, in registration order. A
// panicking handler is logged and recovered so it cannot stop delivery to
// the remaining handlers. The zero value is ready to use.
package event

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

type subscription[T any] struct {
	id      uint64
	handler func(T)
}

// Bus dispatches values of type T to registered handlers.
// It is safe for concurrent use.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   []subscription[T]
	nextID uint64
	name   string
	log    *zap.Logger
}

// NewBus creates a named bus. The name only appears in panic logs.
func NewBus[T any](name string, log *zap.Logger) *Bus[T] {
	return &Bus[T]{name: name, log: log}
}

// Subscribe registers handler and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus[T]) Subscribe(handler func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish calls every handler registered at the time of the call.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub.handler, v)
	}
}

func (b *Bus[T]) safeCall(handler func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log := b.log
			if log == nil {
				log = zap.L()
			}
			log.Error("event handler panicked",
				zap.String("bus", b.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	handler(v)
}

// Clear removes all handlers.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// Len returns the number of registered handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
