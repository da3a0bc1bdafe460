// Package broker fans relay traffic out across server instances. Each room
// maps to one channel; every instance subscribed to a room receives what any
// other instance publishes for it, its own messages included.
package broker

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Broker is a per-room pub/sub channel.
type Broker interface {
	Publish(ctx context.Context, room string, msg []byte) error
	// Subscribe delivers every message published for room to fn until the
	// returned function is called.
	Subscribe(ctx context.Context, room string, fn func([]byte)) (unsubscribe func(), err error)
	Close() error
}

// Local delivers messages within one process. It is what a single relay
// instance runs with.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func([]byte)
	nextID int
	closed bool
}

var _ Broker = (*Local)(nil)

// NewLocal returns an in-process broker.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]func([]byte))}
}

func (l *Local) Publish(_ context.Context, room string, msg []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]func([]byte), 0, len(l.subs[room]))
	for _, fn := range l.subs[room] {
		handlers = append(handlers, fn)
	}
	l.mu.RUnlock()

	for _, fn := range handlers {
		fn(append([]byte(nil), msg...))
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, room string, fn func([]byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.subs[room] == nil {
		l.subs[room] = make(map[int]func([]byte))
	}
	l.nextID++
	id := l.nextID
	l.subs[room][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[room], id)
			if len(l.subs[room]) == 0 {
				delete(l.subs, room)
			}
			l.mu.Unlock()
		})
	}, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.subs = make(map[string]map[int]func([]byte))
	l.mu.Unlock()
	return nil
}
