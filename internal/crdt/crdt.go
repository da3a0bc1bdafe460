// Package crdt is the sequence CRDT engine behind replica.Replica.
//
// It is a replicated growable array (RGA). Every character carries a
// globally unique ID made of the creating peer and that peer's sequence
// number, plus a Lamport clock used to order concurrent inserts at the same
// position. Deleted characters stay in the sequence as tombstones so that
// later operations can still refer to them.
//
// Operations can arrive in any order. An operation whose causal dependencies
// (the previous operation of the same peer, the insert origin or the delete
// target) are not yet known is parked until they are, so two documents that
// received the same set of operations always read the same.
//
// Doc is not safe for concurrent use; replica.Replica serializes access.
package crdt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfRange is returned for local edits outside the visible text.
var ErrOutOfRange = errors.New("crdt: position out of range")

// CharID is a globally unique identifier for a character, combining the ID of
// the peer that created it and that peer's sequence number.
type CharID struct {
	Peer string `cbor:"p"`
	Seq  uint64 `cbor:"s"`
}

// IsZero reports whether id is unset. The zero ID stands for the document head.
func (id CharID) IsZero() bool { return id.Peer == "" && id.Seq == 0 }

func (id CharID) String() string { return fmt.Sprintf("%s:%d", id.Peer, id.Seq) }

// Char represents a single character in the CRDT sequence.
type Char struct {
	ID      CharID
	Lamport uint64
	Value   string
	Deleted bool
}

// Action is the kind of an Op.
type Action uint8

const (
	ActionInsert Action = iota + 1
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is the unit exchanged between replicas. Inserts carry the character and
// its left neighbour at creation time (Origin, zero for the head); deletes
// carry the Target they tombstone. Both consume a sequence number of their
// peer so that state vectors cover them.
type Op struct {
	Action  Action `cbor:"a"`
	ID      CharID `cbor:"i"`
	Lamport uint64 `cbor:"l"`
	Origin  CharID `cbor:"o,omitempty"`
	Target  CharID `cbor:"t,omitempty"`
	Value   string `cbor:"v,omitempty"`
}

// StateVector records, per peer, the highest sequence number integrated.
// Sequence numbers are integrated contiguously, so the vector describes the
// full set of known operations.
type StateVector map[string]uint64

// Doc is one replica of the sequence.
type Doc struct {
	peer    string
	lamport uint64

	chars []*Char
	byID  map[CharID]*Char

	sv      StateVector
	log     map[string][]Op
	pending []Op
}

// NewDoc returns an empty document whose local edits are attributed to peer.
func NewDoc(peer string) *Doc {
	return &Doc{
		peer: peer,
		byID: make(map[CharID]*Char),
		sv:   make(StateVector),
		log:  make(map[string][]Op),
	}
}

// Peer returns the local peer ID.
func (d *Doc) Peer() string { return d.peer }

// Insert inserts text before the visible position pos and returns the
// generated operations, one per rune.
func (d *Doc) Insert(pos int, text string) ([]Op, error) {
	if pos < 0 || pos > d.Len() {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, d.Len())
	}
	var origin CharID
	if pos > 0 {
		origin = d.visibleAt(pos - 1).ID
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		op := Op{
			Action:  ActionInsert,
			ID:      d.nextID(),
			Lamport: d.tick(),
			Origin:  origin,
			Value:   string(r),
		}
		d.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}
	return ops, nil
}

// Delete removes n visible characters starting at pos and returns the
// generated operations.
func (d *Doc) Delete(pos, n int) ([]Op, error) {
	if pos < 0 || n < 0 || pos+n > d.Len() {
		return nil, fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, n, pos, d.Len())
	}
	targets := make([]CharID, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, d.visibleAt(pos+i).ID)
	}

	ops := make([]Op, 0, n)
	for _, target := range targets {
		op := Op{
			Action:  ActionDelete,
			ID:      d.nextID(),
			Lamport: d.tick(),
			Target:  target,
		}
		d.integrate(op)
		ops = append(ops, op)
	}
	return ops, nil
}

// Apply merges remote operations. Duplicates are ignored and operations with
// missing dependencies are parked. It returns the operations integrated by
// this call, including parked ones that became ready, in integration order.
func (d *Doc) Apply(ops []Op) []Op {
	d.pending = append(d.pending, ops...)

	var applied []Op
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			switch {
			case d.known(op):
				// duplicate
			case d.ready(op):
				d.integrate(op)
				applied = append(applied, op)
				progress = true
			default:
				rest = append(rest, op)
			}
		}
		d.pending = rest
	}
	return applied
}

// Pending returns the number of parked operations.
func (d *Doc) Pending() int { return len(d.pending) }

// StateVector returns a copy of the document's state vector.
func (d *Doc) StateVector() StateVector {
	out := make(StateVector, len(d.sv))
	for k, v := range d.sv {
		out[k] = v
	}
	return out
}

// Diff returns every integrated operation not covered by sv, grouped by peer
// in sequence order. A nil sv yields the whole history.
func (d *Doc) Diff(sv StateVector) []Op {
	var out []Op
	for peer, ops := range d.log {
		from := sv[peer]
		if from >= uint64(len(ops)) {
			continue
		}
		out = append(out, ops[from:]...)
	}
	return out
}

// String returns the visible text.
func (d *Doc) String() string {
	var b strings.Builder
	for _, c := range d.chars {
		if !c.Deleted {
			b.WriteString(c.Value)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	n := 0
	for _, c := range d.chars {
		if !c.Deleted {
			n++
		}
	}
	return n
}

func (d *Doc) nextID() CharID {
	return CharID{Peer: d.peer, Seq: d.sv[d.peer] + 1}
}

func (d *Doc) tick() uint64 {
	d.lamport++
	return d.lamport
}

func (d *Doc) known(op Op) bool {
	return op.ID.Seq <= d.sv[op.ID.Peer]
}

func (d *Doc) ready(op Op) bool {
	if op.ID.Seq != d.sv[op.ID.Peer]+1 {
		return false
	}
	switch op.Action {
	case ActionInsert:
		if op.Origin.IsZero() {
			return true
		}
		_, ok := d.byID[op.Origin]
		return ok
	case ActionDelete:
		_, ok := d.byID[op.Target]
		return ok
	default:
		return false
	}
}

func (d *Doc) integrate(op Op) {
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	d.sv[op.ID.Peer] = op.ID.Seq
	d.log[op.ID.Peer] = append(d.log[op.ID.Peer], op)

	switch op.Action {
	case ActionInsert:
		d.integrateInsert(op)
	case ActionDelete:
		if c, ok := d.byID[op.Target]; ok {
			c.Deleted = true
		}
	}
}

// integrateInsert places op right after its origin, skipping every character
// that outranks it. Characters inserted concurrently at the same origin end
// up ordered by descending (Lamport, Peer); their descendants always outrank
// op too, so they are skipped with their subtree.
func (d *Doc) integrateInsert(op Op) {
	idx := 0
	if !op.Origin.IsZero() {
		idx = d.indexOf(op.Origin) + 1
	}
	for idx < len(d.chars) && outranks(d.chars[idx], op) {
		idx++
	}

	c := &Char{ID: op.ID, Lamport: op.Lamport, Value: op.Value}
	d.chars = append(d.chars, nil)
	copy(d.chars[idx+1:], d.chars[idx:])
	d.chars[idx] = c
	d.byID[c.ID] = c
}

func outranks(c *Char, op Op) bool {
	if c.Lamport != op.Lamport {
		return c.Lamport > op.Lamport
	}
	return c.ID.Peer > op.ID.Peer
}

func (d *Doc) indexOf(id CharID) int {
	for i, c := range d.chars {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (d *Doc) visibleAt(pos int) *Char {
	i := 0
	for _, c := range d.chars {
		if c.Deleted {
			continue
		}
		if i == pos {
			return c
		}
		i++
	}
	return nil
}
