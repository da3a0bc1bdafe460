// Package signaling is a topic-based websocket hub. Mesh peers subscribe to
// the topic of their document and publish announcements on it; the hub
// relays each published message to every subscriber of the topic, sender
// included. It never looks at the payload.
package signaling

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Client is one connected peer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
}

type inbound struct {
	from *Client
	msg  protocol.Message
	raw  []byte
}

// Hub maintains the connected clients and their topic subscriptions. All
// state is owned by the Run goroutine.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*Client]struct{}
	topics     map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	queries    chan func()
	done       chan struct{}
}

// NewHub returns a hub; call Run before serving connections.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.L()
	}
	return &Hub{
		log: log.Named("signaling"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		queries:    make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.log.Debug("client registered", zap.Int("clients", len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.log.Debug("client unregistered", zap.Int("clients", len(h.clients)))
			}
		case in := <-h.inbound:
			if _, ok := h.clients[in.from]; ok {
				h.dispatch(in)
			}
		case q := <-h.queries:
			q()
		}
	}
}

func (h *Hub) dispatch(in inbound) {
	c := in.from
	switch in.msg.Type {
	case protocol.TypeSubscribe:
		for _, t := range in.msg.Topics {
			if h.topics[t] == nil {
				h.topics[t] = make(map[*Client]struct{})
			}
			h.topics[t][c] = struct{}{}
			c.topics[t] = struct{}{}
		}
	case protocol.TypeUnsubscribe:
		for _, t := range in.msg.Topics {
			h.leave(c, t)
		}
	case protocol.TypePublish:
		for sub := range h.topics[in.msg.Topic] {
			h.queue(sub, in.raw)
		}
	case protocol.TypePing:
		h.queue(c, protocol.MustEncode(protocol.Message{Type: protocol.TypePong}))
	default:
		h.log.Debug("ignoring message", zap.String("type", string(in.msg.Type)))
	}
}

func (h *Hub) queue(c *Client, b []byte) {
	select {
	case c.send <- b:
	default:
		h.log.Warn("dropping slow client")
		h.drop(c)
	}
}

func (h *Hub) leave(c *Client, topic string) {
	delete(c.topics, topic)
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) drop(c *Client) {
	for t := range c.topics {
		h.leave(c, t)
	}
	delete(h.clients, c)
	close(c.send)
}

// Subscribers returns how many clients subscribe to topic.
func (h *Hub) Subscribers(topic string) int {
	n := make(chan int, 1)
	select {
	case h.queries <- func() { n <- len(h.topics[topic]) }:
		return <-n
	case <-h.done:
		return 0
	}
}

// Routes registers the websocket endpoint on r.
func (h *Hub) Routes(r *mux.Router) {
	r.HandleFunc("/signal", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), topics: make(map[string]struct{})}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			c.hub.log.Debug("bad frame", zap.Error(err))
			continue
		}
		select {
		case c.hub.inbound <- inbound{from: c, msg: msg, raw: raw}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
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
