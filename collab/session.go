// Package collab is the collaboration session: it owns the document replica
// and one transport, derives the list of connected users, and exposes the
// small reactive contract an editor host binds to.
//
// A session is created with New and torn down with Destroy. Backend
// construction happens on a background goroutine so New never blocks; until
// it completes Ready reports false. Failures never escape to the host: they
// are logged, recorded in Err and leave the session disconnected.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/identity"
	"collabtext/internal/event"
	"collabtext/internal/store"
	"collabtext/presence"
	"collabtext/replica"
	"collabtext/transport"
	"collabtext/transport/disabled"
)

// compactAfter is the local log length above which persistence is replaced
// by a snapshot on open.
const compactAfter = 200

// persisted tags updates replayed from local persistence.
type persisted struct{}

// Option configures a Session.
type Option func(*Session)

// WithRegistry selects the registry backends are opened from. The default
// is DefaultRegistry().
func WithRegistry(r *transport.Registry) Option {
	return func(s *Session) { s.registry = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithPresenceWindow sets the throttle window of the connected-users list.
func WithPresenceWindow(d time.Duration) Option {
	return func(s *Session) { s.window = d }
}

// State is a snapshot of everything the host binds to.
type State struct {
	Enabled bool
	Ready   bool
	Status  Status
	Users   []presence.User
	Err     error
}

// Connected reports whether the session counts as connected.
func (st State) Connected() bool { return st.Status.connected() }

// Session is one participant's view of one shared document.
type Session struct {
	cfg      Config
	backend  transport.Kind
	log      *zap.Logger
	registry *transport.Registry
	window   time.Duration
	replica  *replica.Replica
	changes  *event.Bus[State]

	cancel   context.CancelFunc
	readyCh  chan struct{}
	initDone chan struct{}

	mu          sync.Mutex
	status      Status
	ready       bool
	err         error
	user        identity.User
	users       []presence.User
	provider    transport.Provider
	tracker     *presence.Tracker
	store       store.Store
	extensions  []Extension
	unsubscribe []func()
	destroyed   bool
}

// New creates a session for cfg. A configuration without a usable backend
// yields a disabled session that is ready at once and allocates neither a
// replica nor a transport.
func New(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		backend:  cfg.Backend(),
		log:      zap.L(),
		window:   presence.DefaultWindow,
		readyCh:  make(chan struct{}),
		initDone: make(chan struct{}),
		user:     identity.OrRandom(cfg.User),
		users:    []presence.User{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("collab").With(zap.Stringer("backend", s.backend))
	s.changes = event.NewBus[State]("collab.state", s.log)

	if s.backend == transport.KindDisabled {
		s.status = StatusDisabled
		s.ready = true
		s.extensions = []Extension{}
		close(s.readyCh)
		close(s.initDone)
		s.log.Debug("collaboration disabled")
		return s
	}

	if s.registry == nil {
		s.registry = DefaultRegistry()
	}
	s.status = StatusInitializing
	s.replica = replica.New(replica.WithLogger(s.log))
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.init(ctx)
	return s
}

// init is the asynchronous backend load.
func (s *Session) init(ctx context.Context) {
	defer close(s.initDone)
	s.setStatus(StatusConnecting)

	if s.cfg.PersistPath != "" {
		if err := s.openStore(ctx); err != nil {
			s.log.Warn("local persistence unavailable", zap.String("path", s.cfg.PersistPath), zap.Error(err))
		}
	}

	prov, err := s.registry.Open(ctx, s.backend, transport.Params{
		Replica:          s.replica,
		Room:             s.cfg.Room,
		Host:             s.cfg.Host,
		DocumentName:     s.cfg.DocumentName,
		SignalingServers: s.cfg.SignalingServers,
		ListenAddr:       s.cfg.ListenAddr,
		Logger:           s.log,
	})
	if err != nil {
		s.fail(fmt.Errorf("collab: backend: %w", err))
		return
	}

	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	if err := prov.SetLocalAwarenessField(presence.UserField, user); err != nil {
		s.log.Warn("publishing local user", zap.Error(err))
	}

	tracker := presence.NewTracker(prov, presence.WithWindow(s.window), presence.WithLogger(s.log))
	unsubscribe := []func(){
		prov.OnStatus(s.onStatus),
		prov.OnSynced(s.onSynced),
		tracker.Subscribe(s.onUsers),
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		for _, unsub := range unsubscribe {
			unsub()
		}
		tracker.Close()
		s.teardown("provider", prov.Destroy)
		return
	}
	s.provider = prov
	s.tracker = tracker
	s.unsubscribe = append(s.unsubscribe, unsubscribe...)
	s.users = tracker.Users()
	s.extensions = []Extension{
		Collaboration{Fragment: s.replica.Fragment()},
		&CollaborationCaret{provider: prov, user: user},
	}
	s.ready = true
	s.mu.Unlock()
	close(s.readyCh)
	s.notify()

	if err := prov.Connect(ctx); err != nil {
		s.fail(fmt.Errorf("collab: connect: %w", err))
	}
}

// openStore replays local persistence into the replica and keeps it up to
// date from then on.
func (s *Session) openStore(ctx context.Context) error {
	st, err := store.OpenBolt(s.cfg.PersistPath)
	if err != nil {
		return err
	}
	key := s.cfg.documentKey()
	updates, err := st.Load(ctx, key)
	if err != nil {
		_ = st.Close()
		return err
	}
	for _, u := range updates {
		if err := s.replica.ApplyUpdate(u, persisted{}); err != nil {
			s.log.Warn("skipping corrupt local update", zap.Error(err))
		}
	}
	if len(updates) > compactAfter {
		if snap, err := s.replica.EncodeStateAsUpdate(nil); err == nil {
			if err := st.Compact(ctx, key, snap); err != nil {
				s.log.Warn("compacting local persistence", zap.Error(err))
			}
		}
	}
	s.log.Debug("local document restored", zap.Int("updates", len(updates)))

	unsub := s.replica.OnUpdate(func(u replica.Update) {
		if err := st.Append(context.Background(), key, u.Data); err != nil {
			s.log.Warn("persisting update", zap.Error(err))
		}
	})
	s.mu.Lock()
	s.store = st
	s.unsubscribe = append(s.unsubscribe, unsub)
	s.mu.Unlock()
	return nil
}

func (s *Session) fail(err error) {
	s.log.Error("collaboration unavailable", zap.Error(err))
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.status = StatusDisconnected
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onStatus(ev transport.StatusEvent) {
	switch ev.Status {
	case transport.StatusConnecting:
		s.setStatus(StatusConnecting)
	case transport.StatusConnected:
		s.setStatus(StatusConnected)
	case transport.StatusDisconnected:
		if ev.Err != nil {
			s.log.Info("transport disconnected", zap.Error(ev.Err))
		}
		s.setStatus(StatusDisconnected)
	}
}

func (s *Session) onSynced(synced bool) {
	s.mu.Lock()
	switch {
	case synced && s.status == StatusConnected:
		s.status = StatusSynced
	case !synced && s.status == StatusSynced:
		s.status = StatusConnected
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onUsers(users []presence.User) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.users = users
	s.mu.Unlock()
	s.notify()
}

// setStatus records st unless the session reached a terminal status.
func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st || s.status == StatusDisabled || s.status == StatusDestroyed {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()
	s.log.Debug("session status", zap.Stringer("status", st))
	s.notify()
}

func (s *Session) notify() {
	s.changes.Publish(s.State())
}

// Enabled reports whether the configuration selected a real backend.
func (s *Session) Enabled() bool { return s.backend != transport.KindDisabled }

// Backend returns the selected backend.
func (s *Session) Backend() transport.Kind { return s.backend }

// Ready reports whether the editor can mount: always for a disabled
// session, after backend construction otherwise.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsConnected reports whether the transport is connected in its own
// meaning: relay-confirmed for the relay, locally up for the mesh.
func (s *Session) IsConnected() bool { return s.Status().connected() }

// Err returns the failure that stopped backend construction or connection,
// if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ConnectedUsers returns the latest published user list, the local user
// included. It is never nil.
func (s *Session) ConnectedUsers() []presence.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]presence.User{}, s.users...)
}

// Extensions returns the editor bindings; empty until ready and for disabled
// sessions.
func (s *Session) Extensions() []Extension {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Extension{}, s.extensions...)
}

// LocalUser returns the identity this session broadcasts.
func (s *Session) LocalUser() identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Replica returns the document replica, nil for a disabled session.
func (s *Session) Replica() *replica.Replica { return s.replica }

// Provider returns the transport, a disabled.Provider until one exists.
func (s *Session) Provider() transport.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil {
		return disabled.Provider{}
	}
	return s.provider
}

// State returns a snapshot of the reactive outputs.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Enabled: s.backend != transport.KindDisabled,
		Ready:   s.ready,
		Status:  s.status,
		Users:   append([]presence.User{}, s.users...),
		Err:     s.err,
	}
}

// Watch registers fn for every state change.
func (s *Session) Watch(fn func(State)) (unsubscribe func()) {
	return s.changes.Subscribe(fn)
}

// WaitReady blocks until the session is ready, backend construction failed,
// or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.initDone:
		select {
		case <-s.readyCh:
			return nil
		default:
		}
		if err := s.Err(); err != nil {
			return err
		}
		return transport.ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateUser merges patch into the local user and republishes it. It does
// nothing while the session is disabled or not connected.
func (s *Session) UpdateUser(patch UserPatch) {
	s.mu.Lock()
	prov := s.provider
	if prov == nil || !s.status.connected() {
		s.mu.Unlock()
		return
	}
	current := s.user
	s.mu.Unlock()

	if local := prov.LocalAwarenessState(); local != nil {
		var u identity.User
		if local.Decode(presence.UserField, &u) {
			current = u
		}
	}
	next := patch.apply(current)
	if err := prov.SetLocalAwarenessField(presence.UserField, next); err != nil {
		s.log.Warn("updating local user", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.user = next
	s.mu.Unlock()
}

// Destroy tears the session down: listeners first, then the transport, then
// the replica. It is idempotent and never fails; teardown errors are logged.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	<-s.initDone

	s.mu.Lock()
	unsubscribe := s.unsubscribe
	tracker, prov, st := s.tracker, s.provider, s.store
	s.unsubscribe, s.tracker, s.provider, s.store = nil, nil, nil, nil
	s.status = StatusDestroyed
	s.ready = s.backend == transport.KindDisabled
	s.extensions = []Extension{}
	s.users = []presence.User{}
	s.mu.Unlock()

	for _, unsub := range unsubscribe {
		unsub()
	}
	if tracker != nil {
		tracker.Close()
	}
	if prov != nil {
		s.teardown("provider", prov.Destroy)
	}
	if s.replica != nil {
		s.teardown("replica", func() error {
			s.replica.Dispose()
			return nil
		})
	}
	if st != nil {
		s.teardown("store", st.Close)
	}

	s.notify()
	s.changes.Clear()
	s.log.Debug("session destroyed")
}

// teardown runs fn, logging and swallowing errors and panics.
func (s *Session) teardown(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("teardown panicked", zap.String("resource", what), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("teardown failed", zap.String("resource", what), zap.Error(err))
	}
}
