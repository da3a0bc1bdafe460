package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabtext/identity"
	relayserver "collabtext/internal/relay"
	"collabtext/presence"
	"collabtext/transport"
	"collabtext/transport/transporttest"
)

const waitFor = 5 * time.Second

func ptr[T any](v T) *T { return &v }

func newFakeSession(t *testing.T, kind transport.Kind, cfg Config, opts ...Option) (*Session, *transporttest.Provider) {
	t.Helper()
	fake := transporttest.New(kind)
	opts = append([]Option{WithRegistry(fake.Registry()), WithLogger(zap.NewNop())}, opts...)
	s := New(cfg, opts...)
	t.Cleanup(s.Destroy)
	require.NoError(t, s.WaitReady(t.Context()))
	require.Eventually(t, func() bool { return fake.Connects() > 0 }, waitFor, time.Millisecond)
	return s, fake
}

func relayConfig(user *identity.User) Config {
	return Config{User: user, Room: "notes", Host: "relay.test"}
}

// userTransitions records each distinct user list a session publishes.
type userTransitions struct {
	mu    sync.Mutex
	lists [][]presence.User
}

func (u *userTransitions) record(st State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if n := len(u.lists); n > 0 && slices.Equal(u.lists[n-1], st.Users) {
		return
	}
	u.lists = append(u.lists, st.Users)
}

func (u *userTransitions) snapshot() [][]presence.User {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.lists)
}

func TestBackendSelection(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want transport.Kind
	}{
		{"empty", Config{}, transport.KindDisabled},
		{"room without host", Config{Room: "r"}, transport.KindDisabled},
		{"host without room", Config{Host: "h"}, transport.KindDisabled},
		{"relay", Config{Room: "r", Host: "h"}, transport.KindRelay},
		{"mesh", Config{DocumentName: "d"}, transport.KindMesh},
		{"relay wins", Config{Room: "r", Host: "h", DocumentName: "d"}, transport.KindRelay},
		{"explicitly disabled", Config{Room: "r", Host: "h", Enabled: ptr(false)}, transport.KindDisabled},
		{"explicitly enabled", Config{DocumentName: "d", Enabled: ptr(true)}, transport.KindMesh},
		{"blank fields", Config{Room: " ", Host: "h"}, transport.KindDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Backend())
		})
	}
}

func TestDisabledSession(t *testing.T) {
	s := New(Config{User: &identity.User{Name: "Fox", Color: "#ffffff"}}, WithLogger(zap.NewNop()))

	assert.False(t, s.Enabled())
	assert.True(t, s.Ready(), "a disabled session is ready at once")
	assert.Equal(t, StatusDisabled, s.Status())
	assert.False(t, s.IsConnected())
	assert.NotNil(t, s.ConnectedUsers())
	assert.Empty(t, s.ConnectedUsers())
	assert.NotNil(t, s.Extensions())
	assert.Empty(t, s.Extensions())
	assert.Nil(t, s.Replica(), "no replica is allocated")
	assert.Equal(t, transport.KindDisabled, s.Provider().Kind())
	require.NoError(t, s.WaitReady(t.Context()))

	s.UpdateUser(UserPatch{Name: ptr("Owl")})
	assert.Equal(t, "Fox", s.LocalUser().Name)

	s.Destroy()
	s.Destroy()
	assert.Equal(t, StatusDestroyed, s.Status())
}

func TestGeneratedIdentity(t *testing.T) {
	s := New(Config{}, WithLogger(zap.NewNop()))
	u := s.LocalUser()
	assert.Contains(t, identity.Colors, u.Color)
	name := strings.Fields(u.Name)
	require.Len(t, name, 2)
	assert.Contains(t, identity.Adjectives, name[0])
	assert.Contains(t, identity.Animals, name[1])
}

func TestRelaySessionConnectsOnlyAfterAcknowledgement(t *testing.T) {
	s, fake := newFakeSession(t, transport.KindRelay, relayConfig(nil))

	assert.True(t, s.Enabled())
	assert.True(t, s.Ready())
	assert.Equal(t, StatusConnecting, s.Status())
	assert.False(t, s.IsConnected())
	assert.Equal(t, 1, fake.Connects())
	assert.Equal(t, "notes", fake.Params().Room)
	assert.Same(t, s.Replica(), fake.Params().Replica)

	fake.Acknowledge()
	assert.True(t, s.IsConnected())
	assert.Equal(t, StatusConnected, s.Status())

	fake.Sync()
	assert.Equal(t, StatusSynced, s.Status())
	assert.True(t, s.IsConnected())

	fake.Drop(errors.New("network down"))
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.False(t, s.IsConnected())
}

func TestMeshSessionConnectedWithoutPeers(t *testing.T) {
	s := New(Config{DocumentName: "notes"}, WithLogger(zap.NewNop()))
	t.Cleanup(s.Destroy)
	require.NoError(t, s.WaitReady(t.Context()))

	require.Eventually(t, s.IsConnected, waitFor, 5*time.Millisecond)
	assert.Equal(t, StatusConnected, s.Status(), "synced needs a peer")
	assert.Equal(t, transport.KindMesh, s.Provider().Kind())
}

func TestInitialState(t *testing.T) {
	s, _ := newFakeSession(t, transport.KindRelay, relayConfig(&identity.User{Name: "Fox", Color: "#ffffff"}))

	exts := s.Extensions()
	require.Len(t, exts, 2)
	content, ok := exts[0].(Collaboration)
	require.True(t, ok)
	assert.Same(t, s.Replica().Fragment(), content.Fragment)
	caret, ok := exts[1].(*CollaborationCaret)
	require.True(t, ok)
	assert.Equal(t, "Fox", caret.User().Name)

	users := s.ConnectedUsers()
	require.Len(t, users, 1, "the local user is published before connecting")
	assert.Equal(t, "Fox", users[0].Name)
}

func TestUpdateUserMergesFields(t *testing.T) {
	s, fake := newFakeSession(t, transport.KindRelay, relayConfig(&identity.User{Name: "Fox", Color: "#ffffff"}))
	fake.Acknowledge()

	s.UpdateUser(UserPatch{Color: ptr("#000000")})

	var got identity.User
	require.True(t, fake.LocalAwarenessState().Decode(presence.UserField, &got))
	assert.Equal(t, identity.User{Name: "Fox", Color: "#000000"}, got)
	assert.Equal(t, got, s.LocalUser())
}

func TestUpdateUserIgnoredUntilConnected(t *testing.T) {
	s, fake := newFakeSession(t, transport.KindRelay, relayConfig(&identity.User{Name: "Fox", Color: "#ffffff"}))

	s.UpdateUser(UserPatch{Name: ptr("Owl")})

	var got identity.User
	require.True(t, fake.LocalAwarenessState().Decode(presence.UserField, &got))
	assert.Equal(t, "Fox", got.Name)
	assert.Equal(t, "Fox", s.LocalUser().Name)
}

func TestBackendFailureIsContained(t *testing.T) {
	boom := errors.New("module unavailable")
	r := transport.NewRegistry()
	r.Register(transport.KindRelay, transporttest.FailingFactory(boom))

	s := New(relayConfig(nil), WithRegistry(r), WithLogger(zap.NewNop()))
	t.Cleanup(s.Destroy)

	err := s.WaitReady(t.Context())
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Err(), boom)
	assert.False(t, s.Ready())
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.Empty(t, s.Extensions())
	assert.Empty(t, s.ConnectedUsers())
}

func TestUnregisteredBackend(t *testing.T) {
	s := New(Config{DocumentName: "notes"}, WithRegistry(transport.NewRegistry()), WithLogger(zap.NewNop()))
	t.Cleanup(s.Destroy)

	assert.ErrorIs(t, s.WaitReady(t.Context()), transport.ErrBackendUnavailable)
	assert.False(t, s.Ready())
}

func TestConnectFailureKeepsSessionReady(t *testing.T) {
	fake := transporttest.New(transport.KindRelay)
	fake.ConnectErr = errors.New("refused")
	s := New(relayConfig(nil), WithRegistry(fake.Registry()), WithLogger(zap.NewNop()))
	t.Cleanup(s.Destroy)
	require.NoError(t, s.WaitReady(t.Context()))

	require.Eventually(t, func() bool { return s.Err() != nil }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.True(t, s.Ready())
}

func TestConnectedUsersAreThrottled(t *testing.T) {
	s, fake := newFakeSession(t, transport.KindRelay, relayConfig(&identity.User{Name: "Local", Color: "#ffffff"}),
		WithPresenceWindow(300*time.Millisecond))
	var seen userTransitions
	seen.record(s.State())
	s.Watch(seen.record)

	for i := range 10 {
		fake.Join(identity.User{Name: fmt.Sprintf("User %d", i), Color: "#000000"})
	}

	require.Eventually(t, func() bool { return len(s.ConnectedUsers()) == 11 }, waitFor, 5*time.Millisecond)
	lists := seen.snapshot()
	require.Len(t, lists, 2, "the burst is published once")
	names := make([]string, 0, 11)
	for _, u := range lists[1] {
		names = append(names, u.Name)
	}
	assert.Contains(t, names, "User 9")
}

func TestIdenticalPresenceIsNotRepublished(t *testing.T) {
	s, fake := newFakeSession(t, transport.KindRelay, relayConfig(&identity.User{Name: "Local", Color: "#ffffff"}),
		WithPresenceWindow(10*time.Millisecond))

	remote := fake.Join(identity.User{Name: "Owl", Color: "#000000"})
	require.Eventually(t, func() bool { return len(s.ConnectedUsers()) == 2 }, waitFor, 5*time.Millisecond)

	var published atomic.Int32
	s.Watch(func(State) { published.Add(1) })
	remote.SetUser(identity.User{Name: "Owl", Color: "#000000"})
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, published.Load(), "an unchanged list produces no update")
}

func TestRemoteLeaveUpdatesUsers(t *testing.T) {
	s, fake := newFakeSession(t, transport.KindRelay, relayConfig(nil), WithPresenceWindow(10*time.Millisecond))
	remote := fake.Join(identity.User{Name: "Owl"})
	require.Eventually(t, func() bool { return len(s.ConnectedUsers()) == 2 }, waitFor, 5*time.Millisecond)

	remote.Leave()
	require.Eventually(t, func() bool { return len(s.ConnectedUsers()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestCaretSharesCursors(t *testing.T) {
	s, fake := newFakeSession(t, transport.KindRelay, relayConfig(&identity.User{Name: "Fox"}))
	caret := s.Extensions()[1].(*CollaborationCaret)

	require.NoError(t, caret.SetCursor(2, 5))
	remote := fake.Join(identity.User{Name: "Owl"})
	remote.SetField(CursorField, Cursor{Anchor: 7, Head: 7})
	fake.Join(identity.User{Name: "Idle"})

	cursors := caret.Cursors()
	require.Len(t, cursors, 2)
	byName := map[string]Cursor{}
	for _, c := range cursors {
		byName[c.Name] = c.Cursor
	}
	assert.Equal(t, Cursor{Anchor: 2, Head: 5}, byName["Fox"])
	assert.Equal(t, Cursor{Anchor: 7, Head: 7}, byName["Owl"])

	require.NoError(t, caret.ClearCursor())
	assert.Len(t, caret.Cursors(), 1)
}

func TestDestroyOrderAndIdempotence(t *testing.T) {
	s, fake := newFakeSession(t, transport.KindRelay, relayConfig(nil))
	fake.Acknowledge()

	var replicaDisposedFirst bool
	fake.OnStatus(func(ev transport.StatusEvent) {
		if ev.Status == transport.StatusDisconnected {
			replicaDisposedFirst = s.Replica().Disposed()
		}
	})
	var states []Status
	s.Watch(func(st State) { states = append(states, st.Status) })

	s.Destroy()
	s.Destroy()

	assert.False(t, replicaDisposedFirst, "transport is destroyed before the replica")
	assert.True(t, s.Replica().Disposed())
	assert.Equal(t, 1, fake.Destroys())
	assert.Equal(t, StatusDestroyed, s.Status())
	require.NotEmpty(t, states)
	assert.Equal(t, StatusDestroyed, states[len(states)-1])
	assert.NotContains(t, states, StatusDisconnected, "listeners are gone before the transport")
	assert.Empty(t, s.Extensions())
	assert.Empty(t, s.ConnectedUsers())

	fake.Acknowledge()
	assert.Equal(t, StatusDestroyed, s.Status())
}

func TestDestroySwallowsTeardownPanics(t *testing.T) {
	fake := transporttest.New(transport.KindRelay)
	fake.PanicOnDestroy = true
	s := New(relayConfig(nil), WithRegistry(fake.Registry()), WithLogger(zap.NewNop()))
	require.NoError(t, s.WaitReady(t.Context()))

	assert.NotPanics(t, s.Destroy)
	assert.True(t, s.Replica().Disposed())
}

func TestDestroyDuringInitialization(t *testing.T) {
	entered := make(chan struct{})
	r := transport.NewRegistry()
	r.Register(transport.KindRelay, func(ctx context.Context, _ transport.Params) (transport.Provider, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := New(relayConfig(nil), WithRegistry(r), WithLogger(zap.NewNop()))
	<-entered

	s.Destroy()
	assert.Equal(t, StatusDestroyed, s.Status())
	assert.NoError(t, s.Err())
	assert.True(t, s.Replica().Disposed())
}

func TestLocalPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.db")
	cfg := relayConfig(nil)
	cfg.PersistPath = path

	first, _ := newFakeSession(t, transport.KindRelay, cfg)
	require.NoError(t, first.Replica().Fragment().Insert(0, "offline edit"))
	first.Destroy()

	second, _ := newFakeSession(t, transport.KindRelay, cfg)
	assert.Equal(t, "offline edit", second.Replica().Fragment().String())
}

func TestSessionsAreIndependent(t *testing.T) {
	a, fa := newFakeSession(t, transport.KindRelay, relayConfig(nil))
	b, fb := newFakeSession(t, transport.KindRelay, relayConfig(nil))

	fa.Acknowledge()
	assert.True(t, a.IsConnected())
	assert.False(t, b.IsConnected())

	a.Destroy()
	assert.Zero(t, fb.Destroys())
	assert.False(t, b.Replica().Disposed())
}

func TestSessionsConvergeOverRelay(t *testing.T) {
	srv := relayserver.NewServer(relayserver.Options{Logger: zap.NewNop()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	open := func(name string) *Session {
		s := New(Config{User: &identity.User{Name: name}, Room: "notes", Host: ts.URL},
			WithLogger(zap.NewNop()), WithPresenceWindow(10*time.Millisecond))
		t.Cleanup(s.Destroy)
		require.NoError(t, s.WaitReady(t.Context()))
		return s
	}
	a := open("Ada")
	b := open("Bob")

	require.Eventually(t, func() bool {
		return a.Status() == StatusSynced && b.Status() == StatusSynced
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, a.Replica().Fragment().Insert(0, "hi"))
	require.Eventually(t, func() bool { return b.Replica().Fragment().String() == "hi" }, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(a.ConnectedUsers()) == 2 && len(b.ConnectedUsers()) == 2
	}, waitFor, 10*time.Millisecond)

	b.UpdateUser(UserPatch{Name: ptr("Bea")})
	require.Eventually(t, func() bool {
		for _, u := range a.ConnectedUsers() {
			if u.Name == "Bea" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}
