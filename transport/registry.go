package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"collabtext/replica"
)

// Params carries everything a backend may need. Each backend reads only the
// fields it understands.
type Params struct {
	Replica *replica.Replica

	// relay
	Room string
	Host string

	// mesh
	DocumentName     string
	SignalingServers []string
	ListenAddr       string

	Logger *zap.Logger
}

// Factory constructs a provider bound to p.Replica.
type Factory func(ctx context.Context, p Params) (Provider, error)

// Registry maps kinds to factories. Backends are constructed lazily through
// Open, which is the asynchronous load step of a session.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// Register installs f for kind, replacing any previous factory.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds lists the registered kinds in ascending order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Open constructs a provider of the given kind.
func (r *Registry) Open(ctx context.Context, kind Kind, p Params) (Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, kind)
	}
	if p.Logger == nil {
		p.Logger = zap.L()
	}
	prov, err := f(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", kind, err)
	}
	return prov, nil
}
