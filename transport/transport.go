// Package transport defines the contract every collaboration backend
// satisfies and the registry used to construct backends on demand.
//
// Three backends exist: transport/disabled (no-op), transport/relay (a
// central relay confirms connectivity) and transport/mesh (peers find each
// other through signaling and talk directly). They differ in what
// "connected" means:
//
//   - relay: connected exactly while the relay has accepted the socket;
//     synced follows immediately because the relay is the source of truth.
//   - mesh: connected as soon as the local peer is up, with nobody to
//     confirm it; synced only after content was reconciled with a peer.
//
// Callers must keep the two signals apart.
package transport

import (
	"context"
	"errors"

	"collabtext/awareness"
)

var (
	// ErrBackendUnavailable is returned by Registry.Open for a kind with no
	// registered factory.
	ErrBackendUnavailable = errors.New("transport: backend unavailable")
	// ErrDestroyed is returned by Connect on a destroyed provider.
	ErrDestroyed = errors.New("transport: provider destroyed")
)

// Kind identifies a backend.
type Kind int

const (
	KindDisabled Kind = iota
	KindRelay
	KindMesh
)

func (k Kind) String() string {
	switch k {
	case KindDisabled:
		return "disabled"
	case KindRelay:
		return "relay"
	case KindMesh:
		return "mesh"
	default:
		return "unknown"
	}
}

// Status is the connection status token a provider emits.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// StatusEvent is emitted on every status transition.
type StatusEvent struct {
	Status Status
	// Err is the cause of a disconnect, if any.
	Err error
}

// Provider is the capability set shared by every backend.
type Provider interface {
	Kind() Kind

	// Connect starts the backend. Relay connection progress is reported
	// through OnStatus; Connect itself does not wait for the relay.
	Connect(ctx context.Context) error
	// Disconnect stops the backend; Connect may be called again later.
	Disconnect() error
	// Destroy disconnects and releases everything. It is idempotent.
	Destroy() error

	// Connected reports the current meaning of "connected" for this backend.
	Connected() bool

	OnStatus(fn func(StatusEvent)) (unsubscribe func())
	OnSynced(fn func(bool)) (unsubscribe func())
	OnAwarenessChange(fn func(awareness.Change)) (unsubscribe func())

	GetAwarenessStates() map[awareness.ClientID]awareness.State
	LocalAwarenessState() awareness.State
	// SetLocalAwarenessField writes one field of the local entry. Only the
	// local entry is ever writable.
	SetLocalAwarenessField(key string, value any) error
}
