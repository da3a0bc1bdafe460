// Package store persists document update logs. A document is the ordered
// list of updates appended to it; loading replays them into a replica.
// Because replicas merge updates idempotently, a log may contain overlapping
// updates and Compact may replace it with a single full-state snapshot.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is an append-only update log per document.
type Store interface {
	// Append adds update to the log of doc.
	Append(ctx context.Context, doc string, update []byte) error
	// Load returns the log of doc in append order. Unknown documents have an
	// empty log.
	Load(ctx context.Context, doc string) ([][]byte, error)
	// Compact replaces the log of doc with snapshot.
	Compact(ctx context.Context, doc string, snapshot []byte) error
	Close() error
}
