// Package relay is the hosted-relay backend: one websocket to a central
// relay server per session. The relay accepting the socket is what makes the
// session connected, and since the relay holds the authoritative document the
// session counts as synced from that moment on.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/awareness"
	"collabtext/internal/protocol"
	"collabtext/replica"
	"collabtext/transport"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 5 * time.Second
)

// Option configures a Provider.
type Option func(*Provider)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(p *Provider) { p.dialer = d }
}

// WithRetryInterval sets the first reconnect delay. Later delays grow
// exponentially.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Provider) { p.retryInterval = d }
}

// Provider syncs a replica through a relay server.
type Provider struct {
	*transport.Base

	replica       *replica.Replica
	url           string
	dialer        *websocket.Dialer
	retryInterval time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool

	// writeMu serializes writes to conn, which is nil while offline.
	writeMu sync.Mutex
	conn    *websocket.Conn

	unsubscribe []func()
}

var _ transport.Provider = (*Provider)(nil)

// Factory opens a relay provider for p.Room on p.Host.
func Factory(_ context.Context, p transport.Params) (transport.Provider, error) {
	return New(p)
}

// New returns a disconnected provider for p.Room on p.Host.
func New(p transport.Params, opts ...Option) (*Provider, error) {
	if p.Replica == nil {
		return nil, errors.New("relay: replica is required")
	}
	if p.Room == "" {
		return nil, errors.New("relay: room is required")
	}
	u, err := RoomURL(p.Host, p.Room)
	if err != nil {
		return nil, err
	}
	log := p.Logger
	if log == nil {
		log = zap.L()
	}
	log = log.Named("relay").With(zap.String("room", p.Room))

	prov := &Provider{
		Base:          transport.NewBase(log),
		replica:       p.Replica,
		url:           u,
		dialer:        websocket.DefaultDialer,
		retryInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(prov)
	}
	prov.unsubscribe = []func(){
		p.Replica.OnUpdate(prov.onReplicaUpdate),
		prov.Awareness.OnUpdate(prov.onAwarenessUpdate),
	}
	return prov, nil
}

// RoomURL builds the websocket URL of room on host. host may be a bare
// host:port or carry a ws, wss, http or https scheme.
func RoomURL(host, room string) (string, error) {
	if host == "" {
		return "", errors.New("relay: host is required")
	}
	if !strings.Contains(host, "://") {
		host = "ws://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("relay: host %q: %w", host, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + url.PathEscape(room)
	return u.String(), nil
}

func (p *Provider) Kind() transport.Kind { return transport.KindRelay }

// Connect starts dialing the relay in the background. Status changes report
// progress; the provider keeps reconnecting until Disconnect.
func (p *Provider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return transport.ErrDestroyed
	}
	if p.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, p.done)
	return nil
}

// Disconnect closes the socket and stops reconnecting.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	p.SetStatus(transport.StatusDisconnected, nil)
	return nil
}

// Destroy disconnects and drops every listener. The replica is left to its
// owner.
func (p *Provider) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.mu.Unlock()

	err := p.Disconnect()
	for _, unsub := range p.unsubscribe {
		unsub()
	}
	p.Base.Close()
	return err
}

func (p *Provider) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	go p.RunHeartbeat(ctx, heartbeatInterval)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		p.SetStatus(transport.StatusConnecting, nil)
		conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
		if err == nil {
			bo.Reset()
			err = p.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		p.Log.Debug("relay connection lost", zap.Error(err))
		p.SetStatus(transport.StatusDisconnected, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// serve runs one accepted connection until it fails or ctx is done.
func (p *Provider) serve(ctx context.Context, conn *websocket.Conn) error {
	p.Awareness.Rotate()
	p.writeMu.Lock()
	p.conn = conn
	p.writeMu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		p.writeMu.Lock()
		p.conn = nil
		p.writeMu.Unlock()
		_ = conn.Close()
		p.Awareness.RemoveStates(p.Awareness.RemoteIDs(), p)
	}()
	go func() {
		select {
		case <-ctx.Done():
			if b, err := p.Awareness.EncodeOffline(); err == nil {
				p.send(protocol.Message{Type: protocol.TypeAwareness, Payload: b})
			}
			_ = conn.Close()
		case <-stop:
		}
	}()

	p.SetStatus(transport.StatusConnected, nil)
	p.SetSynced(true)

	sv, err := p.replica.StateVector()
	if err != nil {
		return err
	}
	p.send(protocol.Message{Type: protocol.TypeSyncStep1, Payload: sv})
	if p.Awareness.LocalState() != nil {
		p.sendAwareness(p.Awareness.ClientID())
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			p.Log.Warn("bad frame", zap.Error(err))
			continue
		}
		p.handle(msg)
	}
}

func (p *Provider) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSyncStep1:
		update, err := p.replica.EncodeStateAsUpdate(msg.Payload)
		if err != nil {
			p.Log.Warn("bad state vector", zap.Error(err))
			return
		}
		p.send(protocol.Message{Type: protocol.TypeSyncStep2, Payload: update})
	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		if err := p.replica.ApplyUpdate(msg.Payload, p); err != nil {
			p.Log.Warn("bad update", zap.Error(err))
		}
	case protocol.TypeAwareness:
		if err := p.Awareness.ApplyUpdate(msg.Payload, p); err != nil {
			p.Log.Warn("bad awareness update", zap.Error(err))
		}
	}
}

func (p *Provider) onReplicaUpdate(u replica.Update) {
	if u.Origin == p {
		return
	}
	p.send(protocol.Message{Type: protocol.TypeUpdate, Payload: u.Data})
}

func (p *Provider) onAwarenessUpdate(ch awareness.Change) {
	if ch.Origin != nil {
		return
	}
	ids := append(append(append([]awareness.ClientID(nil), ch.Added...), ch.Updated...), ch.Removed...)
	p.sendAwareness(ids...)
}

func (p *Provider) sendAwareness(ids ...awareness.ClientID) {
	b, err := p.Awareness.EncodeUpdate(ids...)
	if err != nil {
		p.Log.Warn("encoding awareness", zap.Error(err))
		return
	}
	p.send(protocol.Message{Type: protocol.TypeAwareness, Payload: b})
}

// send writes msg when a socket is open and drops it otherwise; the sync
// handshake on the next connect recovers anything missed.
func (p *Provider) send(msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.conn == nil {
		return
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		p.Log.Debug("write failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}
