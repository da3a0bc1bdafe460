// Package replica owns the mergeable document state of a collaboration
// session and the Fragment handle the editor binds to.
//
// Edits made through the Fragment are applied as local operations; updates
// received from the network are merged with ApplyUpdate. Every integrated
// change is announced through OnUpdate together with its origin, which is
// how transports learn what to forward (and what not to echo back).
//
// Merge semantics come from internal/crdt: the visible text depends only on
// the set of operations received, never on their delivery order.
package replica

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabtext/internal/crdt"
	"collabtext/internal/event"
)

// ErrDisposed is returned by operations on a disposed replica.
var ErrDisposed = errors.New("replica: disposed")

// Update is an encoded batch of operations integrated into the replica.
// Origin is nil for local edits and whatever the caller passed to
// ApplyUpdate otherwise.
type Update struct {
	Data   []byte
	Origin any
}

// Local reports whether the update was produced by a local edit.
func (u Update) Local() bool { return u.Origin == nil }

// Option configures a Replica.
type Option func(*Replica)

// WithPeerID sets the identity local edits are attributed to. It must be
// unique among all replicas of the document; the default is a random UUID.
func WithPeerID(id string) Option {
	return func(r *Replica) { r.peerID = id }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Replica) { r.log = l }
}

// Replica is one copy of the shared document.
type Replica struct {
	peerID string
	log    *zap.Logger

	mu       sync.Mutex
	doc      *crdt.Doc
	disposed bool

	updates  *event.Bus[Update]
	fragment *Fragment
}

// New creates an empty replica.
func New(opts ...Option) *Replica {
	r := &Replica{peerID: uuid.NewString(), log: zap.L()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("replica").With(zap.String("peer", r.peerID))
	r.doc = crdt.NewDoc(r.peerID)
	r.updates = event.NewBus[Update]("replica.update", r.log)
	r.fragment = &Fragment{r: r, changes: event.NewBus[struct{}]("replica.fragment", r.log)}
	return r
}

// PeerID returns the identity local edits are attributed to.
func (r *Replica) PeerID() string { return r.peerID }

// Fragment returns the content handle editors bind to.
func (r *Replica) Fragment() *Fragment { return r.fragment }

// OnUpdate registers fn for every integrated update, local or remote.
func (r *Replica) OnUpdate(fn func(Update)) (unsubscribe func()) {
	return r.updates.Subscribe(fn)
}

// ApplyUpdate merges an encoded update received from origin. Operations
// already known are ignored; operations whose dependencies are missing are
// kept until those arrive.
func (r *Replica) ApplyUpdate(data []byte, origin any) error {
	ops, err := crdt.DecodeOps(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	applied := r.doc.Apply(ops)
	pending := r.doc.Pending()
	r.mu.Unlock()

	if pending > 0 {
		r.log.Debug("operations waiting for dependencies", zap.Int("pending", pending))
	}
	if len(applied) == 0 {
		return nil
	}
	return r.emit(applied, origin)
}

// StateVector returns the encoded state vector, the first step of a sync.
func (r *Replica) StateVector() ([]byte, error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, ErrDisposed
	}
	sv := r.doc.StateVector()
	r.mu.Unlock()
	return crdt.EncodeStateVector(sv)
}

// EncodeStateAsUpdate returns every operation the remote side, described by
// its encoded state vector, is missing. A nil vector yields the full state.
func (r *Replica) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, ErrDisposed
	}
	ops := r.doc.Diff(sv)
	r.mu.Unlock()
	return crdt.EncodeOps(ops)
}

// Dispose releases the document state and all listeners. It is safe to call
// more than once and on a replica that was never connected.
func (r *Replica) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.doc = nil
	r.mu.Unlock()

	r.updates.Clear()
	r.fragment.changes.Clear()
	r.log.Debug("replica disposed")
}

// Disposed reports whether Dispose has been called.
func (r *Replica) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

func (r *Replica) emit(ops []crdt.Op, origin any) error {
	data, err := crdt.EncodeOps(ops)
	if err != nil {
		return fmt.Errorf("replica: %w", err)
	}
	r.updates.Publish(Update{Data: data, Origin: origin})
	r.fragment.changes.Publish(struct{}{})
	return nil
}
