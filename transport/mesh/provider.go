// Package mesh is the peer-mesh backend. Every participant listens for
// websocket connections from other participants of the same document and
// finds them through signaling servers or mDNS. There is no central party to
// confirm connectivity, so the provider reports connected as soon as its own
// listener is up; the synced signal is the only evidence that content was
// actually exchanged with a peer.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/awareness"
	"collabtext/internal/protocol"
	"collabtext/replica"
	"collabtext/transport"
)

const (
	// DefaultListenAddr only accepts local peers. Use ":0" to be reachable
	// by mDNS peers on the network.
	DefaultListenAddr = "127.0.0.1:0"

	peerPath          = "/peer"
	helloWait         = 5 * time.Second
	writeWait         = 10 * time.Second
	heartbeatInterval = 5 * time.Second
)

// Option configures a Provider.
type Option func(*Provider)

// WithRetryInterval sets the first reconnect delay for signaling servers.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Provider) { p.retryInterval = d }
}

// WithDialer replaces the websocket dialer used for peers and signaling.
func WithDialer(d *websocket.Dialer) Option {
	return func(p *Provider) { p.dialer = d }
}

// Provider syncs a replica with every peer that joins the same document.
type Provider struct {
	*transport.Base

	replica       *replica.Replica
	peerID        string
	document      string
	servers       []string
	listenAddr    string
	retryInterval time.Duration
	dialer        *websocket.Dialer
	upgrader      websocket.Upgrader

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	srv       *http.Server
	addr      string
	conns     map[*websocket.Conn]struct{}
	peers     map[string]*peer
	dialing   map[string]struct{}
	destroyed bool
	wg        sync.WaitGroup

	unsubscribe []func()
}

var _ transport.Provider = (*Provider)(nil)

// Factory opens a mesh provider for p.DocumentName.
func Factory(_ context.Context, p transport.Params) (transport.Provider, error) {
	return New(p)
}

// New returns a stopped provider. The replica's peer ID doubles as the mesh
// peer ID.
func New(p transport.Params, opts ...Option) (*Provider, error) {
	if p.Replica == nil {
		return nil, errors.New("mesh: replica is required")
	}
	if p.DocumentName == "" {
		return nil, errors.New("mesh: document name is required")
	}
	log := p.Logger
	if log == nil {
		log = zap.L()
	}
	log = log.Named("mesh").With(zap.String("document", p.DocumentName))

	prov := &Provider{
		Base:          transport.NewBase(log),
		replica:       p.Replica,
		peerID:        p.Replica.PeerID(),
		document:      p.DocumentName,
		servers:       slices.Clone(p.SignalingServers),
		listenAddr:    p.ListenAddr,
		retryInterval: 500 * time.Millisecond,
		dialer:        websocket.DefaultDialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:   make(map[*websocket.Conn]struct{}),
		peers:   make(map[string]*peer),
		dialing: make(map[string]struct{}),
	}
	if prov.listenAddr == "" {
		prov.listenAddr = DefaultListenAddr
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

func (p *Provider) Kind() transport.Kind { return transport.KindMesh }

// PeerID returns the ID this provider announces.
func (p *Provider) PeerID() string { return p.peerID }

// Addr returns the listener address while connected.
func (p *Provider) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Peers returns the IDs of the connected peers, sorted.
func (p *Provider) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Connect starts the listener and discovery. The provider is connected when
// Connect returns, whether or not any peer exists.
func (p *Provider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return transport.ErrDestroyed
	}
	running := p.cancel != nil
	p.mu.Unlock()
	if running {
		return nil
	}
	p.Awareness.Rotate()

	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		p.mu.Unlock()
		p.SetStatus(transport.StatusDisconnected, err)
		return fmt.Errorf("mesh: listen %s: %w", p.listenAddr, err)
	}
	r := mux.NewRouter()
	r.HandleFunc(peerPath, p.servePeer).Methods(http.MethodGet)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: helloWait}
	addr := ln.Addr().String()
	p.srv, p.addr = srv, addr
	p.ctx, p.cancel = context.WithCancel(context.Background())
	runCtx := p.ctx

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.Log.Warn("peer listener stopped", zap.Error(err))
		}
	}()
	go func() {
		defer p.wg.Done()
		p.RunHeartbeat(runCtx, heartbeatInterval)
	}()
	for _, s := range p.servers {
		p.startDiscovery(runCtx, s)
	}
	p.mu.Unlock()

	p.Log.Info("mesh listening", zap.String("addr", addr), zap.String("peer", p.peerID))
	p.SetStatus(transport.StatusConnected, nil)
	return nil
}

// startDiscovery must be called with p.mu held.
func (p *Provider) startDiscovery(ctx context.Context, server string) {
	var run func(context.Context)
	switch {
	case strings.HasPrefix(server, "mdns:"):
		run = p.runMDNS
	case strings.HasPrefix(server, "ws://"), strings.HasPrefix(server, "wss://"):
		url := signalingURL(server)
		run = func(ctx context.Context) { p.runSignaling(ctx, url) }
	default:
		p.Log.Warn("ignoring signaling server", zap.String("server", server))
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		run(ctx)
	}()
}

// Disconnect closes every peer connection, stops discovery and the listener.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	cancel, srv := p.cancel, p.srv
	if cancel == nil {
		p.mu.Unlock()
		return nil
	}
	p.cancel, p.srv, p.addr = nil, nil, ""
	peers := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	conns := make([]*websocket.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	if offline, err := p.Awareness.EncodeOffline(); err == nil {
		for _, pr := range peers {
			_ = pr.send(protocol.Message{Type: protocol.TypeAwareness, Payload: offline})
		}
	}
	cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	err := srv.Close()
	p.wg.Wait()

	p.Awareness.RemoveStates(p.Awareness.RemoteIDs(), p)
	p.SetStatus(transport.StatusDisconnected, nil)
	return err
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

// discovered is called by every discovery mechanism for each sighting of a
// peer. Of each pair, the peer with the smaller ID dials.
func (p *Provider) discovered(id, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil || id == p.peerID || p.peerID > id {
		return
	}
	if _, ok := p.peers[id]; ok {
		return
	}
	if _, ok := p.dialing[id]; ok {
		return
	}
	p.dialing[id] = struct{}{}
	ctx := p.ctx
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.dialing, id)
			p.mu.Unlock()
		}()
		conn, _, err := p.dialer.DialContext(ctx, "ws://"+addr+peerPath, nil)
		if err != nil {
			p.Log.Debug("dialing peer failed", zap.String("peer", id), zap.Error(err))
			return
		}
		p.runPeer(conn)
	}()
}

func (p *Provider) servePeer(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.Log.Debug("peer upgrade failed", zap.Error(err))
		return
	}
	p.runPeer(conn)
}

func (p *Provider) onReplicaUpdate(u replica.Update) {
	if _, ok := u.Origin.(*peer); ok {
		return
	}
	p.broadcast(protocol.Message{Type: protocol.TypeUpdate, Payload: u.Data})
}

func (p *Provider) onAwarenessUpdate(ch awareness.Change) {
	switch o := ch.Origin.(type) {
	case nil:
		ids := append(append(append([]awareness.ClientID(nil), ch.Added...), ch.Updated...), ch.Removed...)
		b, err := p.Awareness.EncodeUpdate(ids...)
		if err != nil {
			p.Log.Warn("encoding awareness", zap.Error(err))
			return
		}
		p.broadcast(protocol.Message{Type: protocol.TypeAwareness, Payload: b})
	case *peer:
		o.track(ch.Added...)
		o.track(ch.Updated...)
	}
}

func (p *Provider) broadcast(msg protocol.Message) {
	p.mu.Lock()
	peers := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()
	for _, pr := range peers {
		if err := pr.send(msg); err != nil {
			p.Log.Debug("send to peer failed", zap.String("peer", pr.id), zap.Error(err))
		}
	}
}
