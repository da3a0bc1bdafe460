// Package disabled is the backend used when a session lacks the
// configuration for a real one. Every operation is a no-op and the provider
// never connects. It holds no state, so constructing one allocates nothing.
package disabled

import (
	"context"

	"collabtext/awareness"
	"collabtext/transport"
)

// Provider is the no-op backend. The zero value is ready to use.
type Provider struct{}

var _ transport.Provider = Provider{}

func noop() {}

func (Provider) Kind() transport.Kind                                       { return transport.KindDisabled }
func (Provider) Connect(context.Context) error                              { return nil }
func (Provider) Disconnect() error                                          { return nil }
func (Provider) Destroy() error                                             { return nil }
func (Provider) Connected() bool                                            { return false }
func (Provider) OnStatus(func(transport.StatusEvent)) func()                { return noop }
func (Provider) OnSynced(func(bool)) func()                                 { return noop }
func (Provider) OnAwarenessChange(func(awareness.Change)) func()            { return noop }
func (Provider) GetAwarenessStates() map[awareness.ClientID]awareness.State { return nil }
func (Provider) LocalAwarenessState() awareness.State                       { return nil }
func (Provider) SetLocalAwarenessField(string, any) error                   { return nil }
