// Package transporttest provides a scriptable Provider for tests of code
// that drives transports.
package transporttest

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"collabtext/awareness"
	"collabtext/identity"
	"collabtext/transport"
)

// Provider is a transport.Provider whose connectivity is driven by the test.
// Connect only moves it to connecting; Acknowledge plays the backend
// confirming the connection.
type Provider struct {
	*transport.Base
	kind transport.Kind

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// PanicOnDestroy makes Destroy panic after recording the call.
	PanicOnDestroy bool

	mu          sync.Mutex
	params      transport.Params
	connects    int
	disconnects int
	destroys    int
}

var _ transport.Provider = (*Provider)(nil)

// New returns a disconnected fake of the given kind.
func New(kind transport.Kind) *Provider {
	return &Provider{Base: transport.NewBase(zap.NewNop()), kind: kind}
}

// Factory returns a factory that always yields p and records the params.
func (p *Provider) Factory() transport.Factory {
	return func(_ context.Context, params transport.Params) (transport.Provider, error) {
		p.mu.Lock()
		p.params = params
		p.mu.Unlock()
		return p, nil
	}
}

// FailingFactory returns a factory that always fails with err.
func FailingFactory(err error) transport.Factory {
	return func(context.Context, transport.Params) (transport.Provider, error) {
		return nil, err
	}
}

// Registry returns a registry serving p for its kind.
func (p *Provider) Registry() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(p.kind, p.Factory())
	return r
}

func (p *Provider) Kind() transport.Kind { return p.kind }

func (p *Provider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	destroyed := p.destroys > 0
	err := p.ConnectErr
	p.mu.Unlock()
	// counted last so a test seeing the count also sees the status
	defer func() {
		p.mu.Lock()
		p.connects++
		p.mu.Unlock()
	}()
	if destroyed {
		return transport.ErrDestroyed
	}
	if err != nil {
		return err
	}
	p.Awareness.Rotate()
	p.SetStatus(transport.StatusConnecting, nil)
	return nil
}

func (p *Provider) Disconnect() error {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	p.SetStatus(transport.StatusDisconnected, nil)
	return nil
}

func (p *Provider) Destroy() error {
	p.mu.Lock()
	p.destroys++
	first := p.destroys == 1
	p.mu.Unlock()
	if first {
		p.SetStatus(transport.StatusDisconnected, nil)
		p.Base.Close()
	}
	if p.PanicOnDestroy {
		panic("transporttest: destroy")
	}
	return nil
}

// Acknowledge reports the backend accepting the connection.
func (p *Provider) Acknowledge() { p.SetStatus(transport.StatusConnected, nil) }

// Sync reports the first content reconciliation.
func (p *Provider) Sync() { p.SetSynced(true) }

// Drop reports the connection failing with err.
func (p *Provider) Drop(err error) { p.SetStatus(transport.StatusDisconnected, err) }

// Params returns the params the factory was called with.
func (p *Provider) Params() transport.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// Connects returns how often Connect was called.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Destroys returns how often Destroy was called.
func (p *Provider) Destroys() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroys
}

// Remote is a simulated remote participant whose awareness entry the
// provider receives.
type Remote struct {
	p  *Provider
	aw *awareness.Awareness
}

// Join makes a remote participant announce u.
func (p *Provider) Join(u identity.User) *Remote {
	r := &Remote{p: p, aw: awareness.New(awareness.WithLogger(zap.NewNop()))}
	r.SetUser(u)
	return r
}

// ID returns the remote's client ID.
func (r *Remote) ID() awareness.ClientID { return r.aw.ClientID() }

// SetUser publishes a new user entry for the remote.
func (r *Remote) SetUser(u identity.User) {
	_ = r.aw.SetLocalStateField("user", u)
	r.deliver(r.aw.EncodeUpdate(r.aw.ClientID()))
}

// SetField publishes an arbitrary field for the remote.
func (r *Remote) SetField(key string, value any) {
	_ = r.aw.SetLocalStateField(key, value)
	r.deliver(r.aw.EncodeUpdate(r.aw.ClientID()))
}

// Leave announces the remote going offline.
func (r *Remote) Leave() {
	r.deliver(r.aw.EncodeOffline())
}

func (r *Remote) deliver(b []byte, err error) {
	if err != nil {
		panic(err)
	}
	if err := r.p.Awareness.ApplyUpdate(b, r); err != nil {
		panic(err)
	}
}
