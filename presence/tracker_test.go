package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/awareness"
	"collabtext/identity"
)

// awarenessSource exposes an awareness.Awareness the way transports do.
type awarenessSource struct {
	a *awareness.Awareness
}

func (s awarenessSource) GetAwarenessStates() map[awareness.ClientID]awareness.State {
	return s.a.States()
}

func (s awarenessSource) OnAwarenessChange(fn func(awareness.Change)) func() {
	return s.a.OnUpdate(fn)
}

// remotePeer produces awareness updates for one remote client.
type remotePeer struct {
	a *awareness.Awareness
}

func newRemotePeer() *remotePeer { return &remotePeer{a: awareness.New()} }

func (p *remotePeer) announce(t *testing.T, dst *awareness.Awareness, u identity.User) {
	t.Helper()
	require.NoError(t, p.a.SetLocalStateField(UserField, u))
	update, err := p.a.EncodeUpdate(p.a.ClientID())
	require.NoError(t, err)
	require.NoError(t, dst.ApplyUpdate(update, "test"))
}

type recorder struct {
	mu    sync.Mutex
	lists [][]User
}

func (r *recorder) record(users []User) {
	r.mu.Lock()
	r.lists = append(r.lists, users)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lists)
}

func (r *recorder) last() []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lists) == 0 {
		return nil
	}
	return r.lists[len(r.lists)-1]
}

func TestSnapshot_FiltersEntriesWithoutUser(t *testing.T) {
	user, err := json.Marshal(identity.User{Name: "Fox", Color: "#ffffff"})
	require.NoError(t, err)
	states := map[awareness.ClientID]awareness.State{
		7: {UserField: user},
		3: {"cursor": json.RawMessage(`{"anchor":1}`)},
		5: {UserField: json.RawMessage(`null`)},
		1: {UserField: user, "cursor": json.RawMessage(`{}`)},
	}

	got := Snapshot(states)
	require.Len(t, got, 2)
	assert.Equal(t, awareness.ClientID(1), got[0].ID)
	assert.Equal(t, awareness.ClientID(7), got[1].ID)
	assert.Equal(t, "Fox", got[1].Name)
}

func TestTracker_PublishesMembership(t *testing.T) {
	local := awareness.New()
	tr := NewTracker(awarenessSource{local}, WithWindow(20*time.Millisecond))
	defer tr.Close()
	rec := &recorder{}
	tr.Subscribe(rec.record)

	newRemotePeer().announce(t, local, identity.User{Name: "Fox", Color: "#ffffff"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, rec.last(), 1)
	assert.Equal(t, "Fox", rec.last()[0].Name)
	assert.Equal(t, rec.last(), tr.Users())
}

func TestTracker_ThrottlesBurstToLastState(t *testing.T) {
	const window = 300 * time.Millisecond
	local := awareness.New()
	tr := NewTracker(awarenessSource{local}, WithWindow(window))
	defer tr.Close()
	rec := &recorder{}
	tr.Subscribe(rec.record)

	peer := newRemotePeer()
	for i := 0; i < 10; i++ {
		peer.announce(t, local, identity.User{Name: fmt.Sprintf("User %d", i), Color: "#000000"})
	}
	assert.Equal(t, 0, rec.count(), "burst inside the open window publishes nothing yet")

	require.Eventually(t, func() bool { return rec.count() == 1 }, 3*window, 10*time.Millisecond)
	time.Sleep(2 * window)
	require.Equal(t, 1, rec.count())
	require.Len(t, rec.last(), 1)
	assert.Equal(t, "User 9", rec.last()[0].Name)
}

func TestTracker_DedupsIdenticalSnapshots(t *testing.T) {
	const window = 20 * time.Millisecond
	local := awareness.New()
	tr := NewTracker(awarenessSource{local}, WithWindow(window))
	defer tr.Close()
	rec := &recorder{}
	tr.Subscribe(rec.record)

	peer := newRemotePeer()
	fox := identity.User{Name: "Fox", Color: "#ffffff"}
	peer.announce(t, local, fox)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	// same membership again, delivered after the window closed
	time.Sleep(3 * window)
	peer.announce(t, local, fox)
	tr.Refresh()
	time.Sleep(3 * window)

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, tr.Published())
}

func TestTracker_CloseStopsPublishing(t *testing.T) {
	local := awareness.New()
	tr := NewTracker(awarenessSource{local}, WithWindow(10*time.Millisecond))
	rec := &recorder{}
	tr.Subscribe(rec.record)
	tr.Close()
	tr.Close()

	newRemotePeer().announce(t, local, identity.User{Name: "Fox"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestThrottle_LeadingAndTrailing(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	th := newThrottle(50*time.Millisecond, func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})
	defer th.Stop()

	th.Trigger()
	mu.Lock()
	assert.Equal(t, 1, runs, "leading edge runs synchronously")
	mu.Unlock()

	th.Trigger()
	th.Trigger()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2
	}, time.Second, 5*time.Millisecond)
}
