package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabtext/awareness"
	"collabtext/identity"
	"collabtext/internal/broker"
	"collabtext/internal/protocol"
	"collabtext/internal/store"
	"collabtext/replica"
)

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, base, room string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/rooms/"+room, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	// the first frame proves the room has registered us
	readType(t, conn, protocol.TypeSyncStep1)
	return conn
}

func readType(t *testing.T, conn *websocket.Conn, typ protocol.Type) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		msg, err := protocol.Decode(raw)
		require.NoError(t, err)
		if msg.Type == typ {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(msg)))
}

// localEdit inserts text into r and returns the resulting update.
func localEdit(t *testing.T, r *replica.Replica, pos int, text string) []byte {
	t.Helper()
	var data []byte
	unsub := r.OnUpdate(func(u replica.Update) { data = u.Data })
	defer unsub()
	require.NoError(t, r.Fragment().Insert(pos, text))
	require.NotNil(t, data)
	return data
}

func TestUpdatesFanOutAndPersist(t *testing.T) {
	st := store.NewMemory()
	srv := NewServer(Options{Store: st, Logger: zap.NewNop()})
	t.Cleanup(func() { srv.Close() })
	base := startServer(t, srv)

	a := dial(t, base, "doc")
	b := dial(t, base, "doc")

	ra := replica.New(replica.WithPeerID("a"))
	send(t, a, protocol.Message{Type: protocol.TypeUpdate, Payload: localEdit(t, ra, 0, "hello")})

	msg := readType(t, b, protocol.TypeUpdate)
	rb := replica.New(replica.WithPeerID("b"))
	require.NoError(t, rb.ApplyUpdate(msg.Payload, "relay"))
	assert.Equal(t, "hello", rb.Fragment().String())

	text, ok := srv.Text("doc")
	require.True(t, ok)
	assert.Equal(t, "hello", text)

	persisted, err := st.Load(t.Context(), "doc")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestLateJoinerSyncs(t *testing.T) {
	srv := NewServer(Options{Logger: zap.NewNop()})
	t.Cleanup(func() { srv.Close() })
	base := startServer(t, srv)

	a := dial(t, base, "doc")
	ra := replica.New(replica.WithPeerID("a"))
	send(t, a, protocol.Message{Type: protocol.TypeUpdate, Payload: localEdit(t, ra, 0, "abc")})
	require.Eventually(t, func() bool {
		text, _ := srv.Text("doc")
		return text == "abc"
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Close())

	c := dial(t, base, "doc")
	rc := replica.New(replica.WithPeerID("c"))
	sv, err := rc.StateVector()
	require.NoError(t, err)
	send(t, c, protocol.Message{Type: protocol.TypeSyncStep1, Payload: sv})

	msg := readType(t, c, protocol.TypeSyncStep2)
	require.NoError(t, rc.ApplyUpdate(msg.Payload, "relay"))
	assert.Equal(t, "abc", rc.Fragment().String())
}

func TestAwarenessRemovedWhenClientLeaves(t *testing.T) {
	srv := NewServer(Options{Logger: zap.NewNop()})
	t.Cleanup(func() { srv.Close() })
	base := startServer(t, srv)

	a := dial(t, base, "doc")
	b := dial(t, base, "doc")

	awA := awareness.New()
	require.NoError(t, awA.SetLocalStateField("user", identity.User{Name: "Ada", Color: "#ff0000"}))
	update, err := awA.EncodeUpdate()
	require.NoError(t, err)
	send(t, a, protocol.Message{Type: protocol.TypeAwareness, Payload: update})

	awB := awareness.New()
	msg := readType(t, b, protocol.TypeAwareness)
	require.NoError(t, awB.ApplyUpdate(msg.Payload, "relay"))
	require.Contains(t, awB.States(), awA.ClientID())

	require.NoError(t, a.Close())
	msg = readType(t, b, protocol.TypeAwareness)
	require.NoError(t, awB.ApplyUpdate(msg.Payload, "relay"))
	assert.NotContains(t, awB.States(), awA.ClientID())
}

func TestBrokerBridgesInstances(t *testing.T) {
	shared := broker.NewLocal()
	st := store.NewMemory()
	one := NewServer(Options{Store: st, Broker: shared, Logger: zap.NewNop()})
	two := NewServer(Options{Store: st, Broker: shared, Logger: zap.NewNop()})
	t.Cleanup(func() {
		one.Close()
		two.Close()
	})

	a := dial(t, startServer(t, one), "doc")
	b := dial(t, startServer(t, two), "doc")

	ra := replica.New(replica.WithPeerID("a"))
	send(t, a, protocol.Message{Type: protocol.TypeUpdate, Payload: localEdit(t, ra, 0, "x")})

	msg := readType(t, b, protocol.TypeUpdate)
	rb := replica.New(replica.WithPeerID("b"))
	require.NoError(t, rb.ApplyUpdate(msg.Payload, "relay"))
	assert.Equal(t, "x", rb.Fragment().String())

	text, _ := two.Text("doc")
	assert.Equal(t, "x", text)
	persisted, err := st.Load(t.Context(), "doc")
	require.NoError(t, err)
	assert.Len(t, persisted, 1, "only the receiving instance persists")
}

func TestCompactOnLoad(t *testing.T) {
	st := store.NewMemory()
	src := replica.New(replica.WithPeerID("a"))
	for i := range 5 {
		require.NoError(t, st.Append(t.Context(), "doc", localEdit(t, src, i, "x")))
	}

	srv := NewServer(Options{Store: st, CompactAfter: 3, Logger: zap.NewNop()})
	t.Cleanup(func() { srv.Close() })
	dial(t, startServer(t, srv), "doc")

	persisted, err := st.Load(t.Context(), "doc")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
	text, _ := srv.Text("doc")
	assert.Equal(t, "xxxxx", text)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.compactions))
}

func TestMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer(Options{Registerer: reg, Logger: zap.NewNop()})
	t.Cleanup(func() { srv.Close() })
	base := startServer(t, srv)

	dial(t, base, "one")
	dial(t, base, "two")
	assert.Equal(t, 2.0, testutil.ToFloat64(srv.metrics.clients))
	assert.Equal(t, 2.0, testutil.ToFloat64(srv.metrics.rooms))

	resp, err := http.Get("http" + strings.TrimPrefix(base, "ws") + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
