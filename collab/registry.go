package collab

import (
	"collabtext/transport"
	"collabtext/transport/mesh"
	"collabtext/transport/relay"
)

// DefaultRegistry returns a registry with the relay and mesh backends.
func DefaultRegistry() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(transport.KindRelay, relay.Factory)
	r.Register(transport.KindMesh, mesh.Factory)
	return r
}
