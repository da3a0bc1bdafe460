package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collabtext/awareness"
	"collabtext/internal/protocol"
)

// client is one websocket connection attached to a room.
type client struct {
	id      string
	room    *room
	conn    *websocket.Conn
	limiter *rate.Limiter

	// send is closed by the room, under room.mu, exactly once.
	send   chan []byte
	closed bool

	awMu  sync.Mutex
	awIDs map[awareness.ClientID]struct{}
}

func newClient(rm *room, conn *websocket.Conn, limiter *rate.Limiter) *client {
	return &client{
		id:      uuid.NewString(),
		room:    rm,
		conn:    conn,
		limiter: limiter,
		send:    make(chan []byte, sendBuffer),
		awIDs:   make(map[awareness.ClientID]struct{}),
	}
}

// queue must be called with room.mu held.
func (c *client) queue(b []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// closeSend must be called with room.mu held.
func (c *client) closeSend() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) trackAwareness(ids ...awareness.ClientID) {
	c.awMu.Lock()
	defer c.awMu.Unlock()
	for _, id := range ids {
		c.awIDs[id] = struct{}{}
	}
}

func (c *client) awarenessIDs() []awareness.ClientID {
	c.awMu.Lock()
	defer c.awMu.Unlock()
	ids := make([]awareness.ClientID, 0, len(c.awIDs))
	for id := range c.awIDs {
		ids = append(ids, id)
	}
	return ids
}

// readPump reads frames until the connection fails. It returns when the
// client is gone.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := c.room.log.With(zap.String("client", c.id))
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.room.srv.metrics.throttled.Inc()
			// Updates are never dropped, only delayed.
			if err := c.limiter.Wait(context.Background()); err != nil {
				return
			}
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			log.Warn("bad frame", zap.Error(err))
			continue
		}
		c.room.handle(c, msg)
	}
}

// writePump drains send onto the connection and keeps it alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
