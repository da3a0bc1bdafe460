// Package presence turns the raw awareness map of a transport into the list
// of connected users the host UI renders.
//
// Awareness is noisy: every heartbeat and every cursor move produces a
// notification. The Tracker coalesces notifications with a leading and
// trailing throttle and drops recomputed lists that equal the last published
// one, so subscribers only hear about real membership or identity changes.
// It never writes to the transport.
package presence

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/awareness"
	"collabtext/identity"
	"collabtext/internal/event"
)

// DefaultWindow is the throttle window between two published lists.
const DefaultWindow = 100 * time.Millisecond

// UserField is the awareness field carrying a participant's identity.
const UserField = "user"

// User is a participant as surfaced to consumers: the identity it
// broadcasts plus the ephemeral ID of its connection.
type User struct {
	identity.User
	ID awareness.ClientID `json:"id"`
}

// Source is the read side of a transport's awareness.
type Source interface {
	GetAwarenessStates() map[awareness.ClientID]awareness.State
	OnAwarenessChange(fn func(awareness.Change)) (unsubscribe func())
}

// Snapshot projects raw states to users. Entries without a decodable user
// payload are skipped; the result is ordered by ID.
func Snapshot(states map[awareness.ClientID]awareness.State) []User {
	users := make([]User, 0, len(states))
	for id, s := range states {
		var u identity.User
		if !s.Decode(UserField, &u) {
			continue
		}
		users = append(users, User{User: u, ID: id})
	}
	slices.SortFunc(users, func(a, b User) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return users
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) { t.window = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Tracker publishes the deduplicated, rate-limited user list of a Source.
type Tracker struct {
	src    Source
	window time.Duration
	log    *zap.Logger

	mu        sync.Mutex
	users     []User
	published int
	closed    bool

	subs     *event.Bus[[]User]
	throttle *throttle
	unsub    func()
}

// NewTracker starts tracking src. The initial list is computed right away,
// which also opens the first throttle window.
func NewTracker(src Source, opts ...Option) *Tracker {
	t := &Tracker{src: src, window: DefaultWindow, log: zap.L()}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("presence")
	t.subs = event.NewBus[[]User]("presence.users", t.log)
	t.throttle = newThrottle(t.window, t.recompute)
	t.unsub = src.OnAwarenessChange(func(awareness.Change) { t.throttle.Trigger() })
	t.throttle.Trigger()
	return t
}

// Users returns the last published list.
func (t *Tracker) Users() []User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.users)
}

// Published returns how many distinct lists have been published.
func (t *Tracker) Published() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published
}

// Subscribe registers fn for every published list.
func (t *Tracker) Subscribe(fn func([]User)) (unsubscribe func()) {
	return t.subs.Subscribe(fn)
}

// Refresh schedules a recomputation as if the source had changed.
func (t *Tracker) Refresh() { t.throttle.Trigger() }

// Close stops tracking. Pending trailing runs are cancelled.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.unsub()
	t.throttle.Stop()
	t.subs.Clear()
}

func (t *Tracker) recompute() {
	next := Snapshot(t.src.GetAwarenessStates())

	t.mu.Lock()
	if t.closed || slices.Equal(next, t.users) {
		t.mu.Unlock()
		return
	}
	t.users = next
	t.published++
	t.mu.Unlock()

	t.log.Debug("connected users changed", zap.Int("count", len(next)))
	t.subs.Publish(slices.Clone(next))
}
