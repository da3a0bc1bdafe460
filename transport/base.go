package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/awareness"
	"collabtext/internal/event"
)

// Base holds the bookkeeping shared by live providers: the awareness map,
// status and sync signals and their listeners. Providers embed it.
type Base struct {
	Awareness *awareness.Awareness
	Log       *zap.Logger

	status *event.Bus[StatusEvent]
	synced *event.Bus[bool]

	mu       sync.Mutex
	current  Status
	isSynced bool
}

// NewBase returns a Base in the disconnected state.
func NewBase(log *zap.Logger) *Base {
	return &Base{
		Awareness: awareness.New(awareness.WithLogger(log)),
		Log:       log,
		status:    event.NewBus[StatusEvent]("transport.status", log),
		synced:    event.NewBus[bool]("transport.synced", log),
		current:   StatusDisconnected,
	}
}

func (b *Base) OnStatus(fn func(StatusEvent)) func() { return b.status.Subscribe(fn) }
func (b *Base) OnSynced(fn func(bool)) func()        { return b.synced.Subscribe(fn) }

// OnAwarenessChange reports every awareness update, renewals included.
func (b *Base) OnAwarenessChange(fn func(awareness.Change)) func() {
	return b.Awareness.OnUpdate(fn)
}

func (b *Base) GetAwarenessStates() map[awareness.ClientID]awareness.State {
	return b.Awareness.States()
}

func (b *Base) LocalAwarenessState() awareness.State { return b.Awareness.LocalState() }

func (b *Base) SetLocalAwarenessField(key string, value any) error {
	return b.Awareness.SetLocalStateField(key, value)
}

// Status returns the last status set.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Connected reports whether the status is StatusConnected.
func (b *Base) Connected() bool { return b.Status() == StatusConnected }

// Synced reports the last sync signal.
func (b *Base) Synced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isSynced
}

// SetStatus records st and notifies listeners when it changed. Leaving
// StatusConnected also clears the sync signal.
func (b *Base) SetStatus(st Status, err error) {
	b.mu.Lock()
	if b.current == st {
		b.mu.Unlock()
		return
	}
	b.current = st
	b.mu.Unlock()

	b.Log.Debug("transport status", zap.String("status", string(st)), zap.Error(err))
	b.status.Publish(StatusEvent{Status: st, Err: err})
	if st != StatusConnected {
		b.SetSynced(false)
	}
}

// SetSynced records the sync signal and notifies listeners when it changed.
func (b *Base) SetSynced(v bool) {
	b.mu.Lock()
	if b.isSynced == v {
		b.mu.Unlock()
		return
	}
	b.isSynced = v
	b.mu.Unlock()
	b.synced.Publish(v)
}

// RunHeartbeat renews the local awareness entry and expires silent peers
// until ctx is done. Renewals surface as local awareness updates, which the
// provider forwards like any other local change.
func (b *Base) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Awareness.Heartbeat()
		}
	}
}

// Close drops all status, sync and awareness listeners and marks the local
// awareness entry offline.
func (b *Base) Close() {
	b.status.Clear()
	b.synced.Clear()
	b.Awareness.Destroy()
}
