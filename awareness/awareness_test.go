package awareness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type named struct {
	Name string `json:"name"`
}

func TestSetLocalStateField_KeepsOtherFields(t *testing.T) {
	a := New()
	require.NoError(t, a.SetLocalStateField("user", named{Name: "Fox"}))
	require.NoError(t, a.SetLocalStateField("cursor", map[string]int{"anchor": 1}))

	local := a.LocalState()
	var u named
	require.True(t, local.Decode("user", &u))
	assert.Equal(t, "Fox", u.Name)
	assert.Contains(t, local, "cursor")
}

func TestSetLocalStateField_ChangeVersusUpdate(t *testing.T) {
	a := New()
	var changes, updates int
	a.OnChange(func(Change) { changes++ })
	a.OnUpdate(func(Change) { updates++ })

	require.NoError(t, a.SetLocalStateField("user", named{Name: "Fox"}))
	require.NoError(t, a.SetLocalStateField("user", named{Name: "Fox"}))

	assert.Equal(t, 1, changes, "identical content is not a change")
	assert.Equal(t, 2, updates)
}

func TestApplyUpdate_PropagatesBetweenPeers(t *testing.T) {
	alice := New()
	bob := New()
	require.NoError(t, alice.SetLocalStateField("user", named{Name: "Alice"}))

	var got Change
	bob.OnChange(func(c Change) { got = c })

	update, err := alice.EncodeUpdate(alice.ClientID())
	require.NoError(t, err)
	require.NoError(t, bob.ApplyUpdate(update, "conn-1"))

	assert.Equal(t, []ClientID{alice.ClientID()}, got.Added)
	assert.Equal(t, "conn-1", got.Origin)

	var u named
	require.True(t, bob.States()[alice.ClientID()].Decode("user", &u))
	assert.Equal(t, "Alice", u.Name)
}

func TestApplyUpdate_IgnoresStaleClock(t *testing.T) {
	alice := New()
	bob := New()
	require.NoError(t, alice.SetLocalStateField("user", named{Name: "old"}))
	stale, err := alice.EncodeUpdate(alice.ClientID())
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalStateField("user", named{Name: "new"}))
	fresh, err := alice.EncodeUpdate(alice.ClientID())
	require.NoError(t, err)

	require.NoError(t, bob.ApplyUpdate(fresh, nil))
	require.NoError(t, bob.ApplyUpdate(stale, nil))

	var u named
	require.True(t, bob.States()[alice.ClientID()].Decode("user", &u))
	assert.Equal(t, "new", u.Name)
}

func TestApplyUpdate_Removal(t *testing.T) {
	alice := New()
	bob := New()
	require.NoError(t, alice.SetLocalStateField("user", named{Name: "Alice"}))
	join, err := alice.EncodeUpdate()
	require.NoError(t, err)
	require.NoError(t, bob.ApplyUpdate(join, nil))

	alice.SetLocalState(nil)
	leave, err := alice.EncodeUpdate(alice.ClientID())
	require.NoError(t, err)
	require.NoError(t, bob.ApplyUpdate(leave, nil))

	assert.NotContains(t, bob.States(), alice.ClientID())
}

func TestEncodeOffline_KeepsLocalState(t *testing.T) {
	alice := New()
	bob := New()
	require.NoError(t, alice.SetLocalStateField("user", named{Name: "Alice"}))
	join, err := alice.EncodeUpdate()
	require.NoError(t, err)
	require.NoError(t, bob.ApplyUpdate(join, nil))

	leave, err := alice.EncodeOffline()
	require.NoError(t, err)
	require.NoError(t, bob.ApplyUpdate(leave, nil))

	assert.NotContains(t, bob.States(), alice.ClientID())
	assert.NotNil(t, alice.LocalState())
}

func TestApplyUpdate_Garbage(t *testing.T) {
	assert.Error(t, New().ApplyUpdate([]byte("{"), nil))
}

func TestRemoveStates_NeverRemovesLocal(t *testing.T) {
	a := New()
	require.NoError(t, a.SetLocalStateField("user", named{Name: "me"}))
	a.RemoveStates([]ClientID{a.ClientID()}, nil)
	assert.NotNil(t, a.LocalState())
}

func TestRotate_MovesLocalState(t *testing.T) {
	a := New()
	require.NoError(t, a.SetLocalStateField("user", named{Name: "me"}))
	old := a.ClientID()

	id := a.Rotate()
	assert.NotEqual(t, old, id)
	states := a.States()
	assert.NotContains(t, states, old)
	assert.Contains(t, states, id)
}

func TestHeartbeat_RenewsAndExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	alice := New(WithClock(clock.Now))
	bob := New(WithClock(clock.Now))
	require.NoError(t, alice.SetLocalStateField("user", named{Name: "Alice"}))
	require.NoError(t, bob.SetLocalStateField("user", named{Name: "Bob"}))
	update, err := bob.EncodeUpdate(bob.ClientID())
	require.NoError(t, err)
	require.NoError(t, alice.ApplyUpdate(update, nil))

	var changes, updates int
	alice.OnChange(func(Change) { changes++ })
	alice.OnUpdate(func(Change) { updates++ })

	assert.False(t, alice.Heartbeat(), "nothing due yet")

	clock.Advance(RenewInterval)
	assert.True(t, alice.Heartbeat())
	assert.Equal(t, 0, changes, "renewal is not a change")
	assert.Equal(t, 1, updates)

	clock.Advance(OutdatedTimeout)
	alice.Heartbeat()
	assert.NotContains(t, alice.States(), bob.ClientID())
	assert.Equal(t, 1, changes)
}

func TestDestroy(t *testing.T) {
	a := New()
	require.NoError(t, a.SetLocalStateField("user", named{Name: "me"}))
	a.Destroy()
	assert.Nil(t, a.LocalState())
}
