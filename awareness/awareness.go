// Package awareness keeps the ephemeral, per-connection state that peers
// broadcast to each other (who they are, where their cursor is). It is not
// part of the document and is never persisted.
//
// Every connection owns one ClientID and may only write its own entry. Each
// entry carries a clock; an incoming entry replaces the local copy only when
// its clock is newer, so stale or reordered updates are harmless. Entries
// not refreshed within OutdatedTimeout are dropped, which is why live
// transports call Heartbeat periodically.
package awareness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/internal/event"
)

const (
	// OutdatedTimeout is how long a remote entry survives without renewal.
	OutdatedTimeout = 30 * time.Second
	// RenewInterval is how often the local entry is re-broadcast.
	RenewInterval = OutdatedTimeout / 2
)

// ClientID identifies one connection. It is not stable across reconnects.
type ClientID uint64

// State is the ephemeral state of one client, keyed by field name.
type State map[string]json.RawMessage

// Decode unmarshals field key into v. It reports false when the field is
// absent or does not decode.
func (s State) Decode(key string, v any) bool {
	raw, ok := s[key]
	if !ok || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (s State) clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (s State) equal(o State) bool {
	if len(s) != len(o) || (s == nil) != (o == nil) {
		return false
	}
	for k, v := range s {
		w, ok := o[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}

// Change describes which entries an update touched.
type Change struct {
	Added   []ClientID
	Updated []ClientID
	Removed []ClientID
	Origin  any
}

// Empty reports whether no entry was touched.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// entry is the wire representation of one client's state. A nil State marks
// the client as gone.
type entry struct {
	ClientID ClientID `json:"clientId"`
	Clock    uint64   `json:"clock"`
	State    State    `json:"state"`
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Awareness) { a.log = l }
}

// Awareness is the shared map of client states as seen by one connection.
type Awareness struct {
	now func() time.Time
	log *zap.Logger

	mu       sync.Mutex
	clientID ClientID
	states   map[ClientID]State
	meta     map[ClientID]meta

	changes *event.Bus[Change]
	updates *event.Bus[Change]
}

// New returns an Awareness with a random client ID and no local state.
func New(opts ...Option) *Awareness {
	a := &Awareness{
		now:      time.Now,
		log:      zap.L(),
		clientID: newClientID(),
		states:   make(map[ClientID]State),
		meta:     make(map[ClientID]meta),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("awareness")
	a.changes = event.NewBus[Change]("awareness.change", a.log)
	a.updates = event.NewBus[Change]("awareness.update", a.log)
	return a
}

func newClientID() ClientID {
	// keep ids within the exact integer range of JSON consumers
	return ClientID(rand.Uint64() >> 11)
}

// ClientID returns the local client ID.
func (a *Awareness) ClientID() ClientID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientID
}

// OnChange registers fn for updates that added, removed or altered an entry.
func (a *Awareness) OnChange(fn func(Change)) (unsubscribe func()) {
	return a.changes.Subscribe(fn)
}

// OnUpdate registers fn for every update, including renewals that leave the
// content unchanged.
func (a *Awareness) OnUpdate(fn func(Change)) (unsubscribe func()) {
	return a.updates.Subscribe(fn)
}

// LocalState returns a copy of the local entry, nil when offline.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID].clone()
}

// States returns a copy of all known entries, local one included.
func (a *Awareness) States() map[ClientID]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[ClientID]State, len(a.states))
	for id, s := range a.states {
		out[id] = s.clone()
	}
	return out
}

// SetLocalState replaces the local entry. A nil state marks this client as
// offline.
func (a *Awareness) SetLocalState(s State) {
	a.mu.Lock()
	ch, changed := a.setLocalLocked(s.clone())
	a.mu.Unlock()
	a.publish(ch, changed)
}

// SetLocalStateField marshals value into field key of the local entry,
// keeping the other fields.
func (a *Awareness) SetLocalStateField(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("awareness: marshal %q: %w", key, err)
	}
	a.mu.Lock()
	next := a.states[a.clientID].clone()
	if next == nil {
		next = make(State)
	}
	next[key] = raw
	ch, changed := a.setLocalLocked(next)
	a.mu.Unlock()
	a.publish(ch, changed)
	return nil
}

func (a *Awareness) setLocalLocked(s State) (ch Change, changed bool) {
	id := a.clientID
	prev, existed := a.states[id]
	a.meta[id] = meta{clock: a.meta[id].clock + 1, lastUpdated: a.now()}

	switch {
	case s == nil:
		delete(a.states, id)
		if !existed {
			return Change{}, false
		}
		return Change{Removed: []ClientID{id}}, true
	case !existed:
		a.states[id] = s
		return Change{Added: []ClientID{id}}, true
	default:
		a.states[id] = s
		return Change{Updated: []ClientID{id}}, !prev.equal(s)
	}
}

// Rotate gives this connection a fresh client ID. The old entry is removed
// and the local state, if any, moves to the new ID. Transports call it on
// every connect.
func (a *Awareness) Rotate() ClientID {
	a.mu.Lock()
	old := a.clientID
	local := a.states[old]
	delete(a.states, old)
	delete(a.meta, old)
	a.clientID = newClientID()
	ch := Change{}
	if local != nil {
		ch.Removed = []ClientID{old}
		a.states[a.clientID] = local
		a.meta[a.clientID] = meta{clock: 1, lastUpdated: a.now()}
		ch.Added = []ClientID{a.clientID}
	}
	id := a.clientID
	a.mu.Unlock()
	a.publish(ch, true)
	return id
}

// EncodeUpdate serializes the entries of ids (all entries when ids is empty).
// Unknown ids are encoded as removals.
func (a *Awareness) EncodeUpdate(ids ...ClientID) ([]byte, error) {
	a.mu.Lock()
	if len(ids) == 0 {
		for id := range a.meta {
			ids = append(ids, id)
		}
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, entry{ClientID: id, Clock: a.meta[id].clock, State: a.states[id]})
	}
	b, err := json.Marshal(entries)
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("awareness: encode update: %w", err)
	}
	return b, nil
}

// EncodeOffline encodes a removal of the local entry without changing the
// local state. Transports send it when closing a connection cleanly.
func (a *Awareness) EncodeOffline() ([]byte, error) {
	a.mu.Lock()
	id := a.clientID
	m := a.meta[id]
	m.clock++
	a.meta[id] = m
	a.mu.Unlock()

	b, err := json.Marshal([]entry{{ClientID: id, Clock: m.clock}})
	if err != nil {
		return nil, fmt.Errorf("awareness: encode offline: %w", err)
	}
	return b, nil
}

// ApplyUpdate merges an encoded update from origin. Entries for the local
// client are ignored except for removals, which are answered by bumping the
// local clock so the next broadcast wins.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("awareness: decode update: %w", err)
	}

	now := a.now()
	ch := Change{Origin: origin}
	touched := false

	a.mu.Lock()
	for _, e := range entries {
		cur, known := a.meta[e.ClientID]
		prev, existed := a.states[e.ClientID]
		if e.ClientID == a.clientID {
			if e.State == nil && existed && e.Clock >= cur.clock {
				a.meta[e.ClientID] = meta{clock: e.Clock + 1, lastUpdated: now}
			}
			continue
		}
		newer := !known || cur.clock < e.Clock || (cur.clock == e.Clock && e.State == nil && existed)
		if !newer {
			continue
		}
		touched = true
		a.meta[e.ClientID] = meta{clock: e.Clock, lastUpdated: now}
		switch {
		case e.State == nil:
			if existed {
				delete(a.states, e.ClientID)
				ch.Removed = append(ch.Removed, e.ClientID)
			}
		case !existed:
			a.states[e.ClientID] = e.State
			ch.Added = append(ch.Added, e.ClientID)
		default:
			a.states[e.ClientID] = e.State
			if !prev.equal(e.State) {
				ch.Updated = append(ch.Updated, e.ClientID)
			}
		}
	}
	a.mu.Unlock()

	if touched {
		a.publish(ch, !ch.Empty())
	}
	return nil
}

// RemoveStates drops the given remote entries, e.g. when the connection that
// carried them closes. The local entry is never removed this way.
func (a *Awareness) RemoveStates(ids []ClientID, origin any) {
	ch := Change{Origin: origin}
	a.mu.Lock()
	for _, id := range ids {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			ch.Removed = append(ch.Removed, id)
		}
		if m, ok := a.meta[id]; ok {
			a.meta[id] = meta{clock: m.clock + 1, lastUpdated: a.now()}
		}
	}
	a.mu.Unlock()
	if !ch.Empty() {
		a.publish(ch, true)
	}
}

// RemoteIDs returns the IDs of every entry but the local one.
func (a *Awareness) RemoteIDs() []ClientID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]ClientID, 0, len(a.states))
	for id := range a.states {
		if id != a.clientID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Heartbeat renews the local entry when it is due and expires remote entries
// older than OutdatedTimeout. It reports whether the local entry was renewed,
// in which case the caller should broadcast it.
func (a *Awareness) Heartbeat() (renewed bool) {
	now := a.now()
	var renewal Change
	expired := Change{Origin: "timeout"}

	a.mu.Lock()
	local := a.states[a.clientID]
	if local != nil && now.Sub(a.meta[a.clientID].lastUpdated) >= RenewInterval {
		renewal, _ = a.setLocalLocked(local)
		renewed = true
	}
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= OutdatedTimeout {
			delete(a.states, id)
			expired.Removed = append(expired.Removed, id)
		}
	}
	a.mu.Unlock()

	if renewed {
		a.publish(renewal, false)
	}
	if !expired.Empty() {
		a.publish(expired, true)
	}
	return renewed
}

// Destroy marks the local client offline and drops all listeners.
func (a *Awareness) Destroy() {
	a.SetLocalState(nil)
	a.changes.Clear()
	a.updates.Clear()
}

func (a *Awareness) publish(ch Change, changed bool) {
	if ch.Empty() {
		return
	}
	if changed {
		a.changes.Publish(ch)
	}
	a.updates.Publish(ch)
}
