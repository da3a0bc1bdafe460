// Package relay is the central backend of the hosted-relay transport. Each
// room holds an authoritative replica; clients sync against it, and every
// update or awareness message a client sends is fanned out to the other
// clients of the room, persisted, and published to the broker so that other
// relay instances serving the same room see it too.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"collabtext/internal/broker"
	"collabtext/internal/store"
)

const (
	// DefaultCompactAfter is the log length above which a room's log is
	// replaced by a snapshot when the room is loaded.
	DefaultCompactAfter = 500

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 256
)

// Options configures a Server. Zero values select in-memory persistence, a
// local broker and no rate limit.
type Options struct {
	Store  store.Store
	Broker broker.Broker
	Logger *zap.Logger
	// Registerer receives the server metrics; nil uses a private registry.
	Registerer prometheus.Registerer
	// MessagesPerSecond limits inbound messages per connection; zero
	// disables limiting.
	MessagesPerSecond float64
	Burst             int
	CompactAfter      int
}

// Server serves rooms over websockets.
type Server struct {
	opts       Options
	log        *zap.Logger
	instanceID string
	metrics    *metrics
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// NewServer returns a Server with no rooms.
func NewServer(opts Options) *Server {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Broker == nil {
		opts.Broker = broker.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.CompactAfter <= 0 {
		opts.CompactAfter = DefaultCompactAfter
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Server{
		opts:       opts,
		log:        opts.Logger.Named("relay"),
		instanceID: uuid.NewString(),
		metrics:    newMetrics(opts.Registerer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Routes registers the relay endpoints on r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/rooms/{room}", s.ServeRoom).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
}

// Handler returns a router serving Routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Routes(r)
	return r
}

// ServeRoom upgrades the request and attaches the socket to its room.
func (s *Server) ServeRoom(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	if name == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	rm, err := s.acquire(r.Context(), name)
	if err != nil {
		s.log.Error("opening room", zap.String("room", name), zap.Error(err))
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("room", name), zap.Error(err))
		s.release(rm)
		return
	}

	c := newClient(rm, conn, s.limiter())
	s.metrics.clients.Inc()
	rm.join(c)
	s.log.Debug("client joined", zap.String("room", name), zap.String("client", c.id))

	go c.writePump()
	c.readPump()

	rm.leave(c)
	s.metrics.clients.Dec()
	s.release(rm)
	s.log.Debug("client left", zap.String("room", name), zap.String("client", c.id))
}

func (s *Server) limiter() *rate.Limiter {
	if s.opts.MessagesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
}

// acquire returns the named room, loading it on first use, and counts one
// more reference to it.
func (s *Server) acquire(ctx context.Context, name string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errServerClosed
	}
	if rm, ok := s.rooms[name]; ok {
		rm.refs++
		return rm, nil
	}
	rm, err := openRoom(ctx, s, name)
	if err != nil {
		return nil, err
	}
	rm.refs = 1
	s.rooms[name] = rm
	s.metrics.rooms.Inc()
	return rm, nil
}

// release drops one reference and closes the room when none remain.
func (s *Server) release(rm *room) {
	s.mu.Lock()
	rm.refs--
	last := rm.refs == 0 && s.rooms[rm.name] == rm
	if last {
		delete(s.rooms, rm.name)
		s.metrics.rooms.Dec()
	}
	s.mu.Unlock()
	if last {
		rm.close()
	}
}

// Text returns the current text of a loaded room.
func (s *Server) Text(name string) (string, bool) {
	s.mu.Lock()
	rm, ok := s.rooms[name]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return rm.replica.Fragment().String(), true
}

// Close disconnects every client and releases the store and broker.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()

	for _, rm := range rooms {
		rm.disconnectAll()
	}
	brokerErr := s.opts.Broker.Close()
	storeErr := s.opts.Store.Close()
	if brokerErr != nil {
		return brokerErr
	}
	return storeErr
}
