package store

import (
	"context"
	"sync"
)

// Memory keeps logs in process memory. Updates for late joiners survive as
// long as the process does.
type Memory struct {
	mu     sync.RWMutex
	logs   map[string][][]byte
	closed bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{logs: make(map[string][][]byte)}
}

func (m *Memory) Append(_ context.Context, doc string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.logs[doc] = append(m.logs[doc], append([]byte(nil), update...))
	return nil
}

func (m *Memory) Load(_ context.Context, doc string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	// Return a copy to avoid races with later appends
	out := make([][]byte, len(m.logs[doc]))
	copy(out, m.logs[doc])
	return out, nil
}

func (m *Memory) Compact(_ context.Context, doc string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.logs[doc] = [][]byte{append([]byte(nil), snapshot...)}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.logs = nil
	m.mu.Unlock()
	return nil
}
