package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt keeps one bucket per document in a bbolt file; keys are big-endian
// sequence numbers so iteration follows append order.
type Bolt struct {
	db *bolt.DB
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens (creating if needed) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Append(_ context.Context, doc string, update []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(doc))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), update)
	})
	return b.wrap("append", doc, err)
}

func (b *Bolt) Load(_ context.Context, doc string) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(doc))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			// values are only valid inside the transaction
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return nil, b.wrap("load", doc, err)
	}
	return out, nil
}

func (b *Bolt) Compact(_ context.Context, doc string, snapshot []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(doc)) != nil {
			if err := tx.DeleteBucket([]byte(doc)); err != nil {
				return err
			}
		}
		bucket, err := tx.CreateBucket([]byte(doc))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), snapshot)
	})
	return b.wrap("compact", doc, err)
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) wrap(op, doc string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return fmt.Errorf("store: %s %q: %w", op, doc, err)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
