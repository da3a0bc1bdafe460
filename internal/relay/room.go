package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/awareness"
	"collabtext/internal/protocol"
	"collabtext/replica"
)

var errServerClosed = errors.New("relay: server closed")

// origins tag replica and awareness updates that did not come from a client
// of this instance.
type origin string

const (
	originStore  origin = "store"
	originBroker origin = "broker"
)

type room struct {
	srv     *Server
	name    string
	log     *zap.Logger
	replica *replica.Replica
	aw      *awareness.Awareness

	// refs is guarded by srv.mu.
	refs int

	mu      sync.RWMutex
	clients map[*client]struct{}

	unsubscribe []func()
	cancel      context.CancelFunc
	done        chan struct{}
}

func openRoom(ctx context.Context, srv *Server, name string) (*room, error) {
	log := srv.log.With(zap.String("room", name))
	rm := &room{
		srv:     srv,
		name:    name,
		log:     log,
		replica: replica.New(replica.WithPeerID("relay-"+srv.instanceID), replica.WithLogger(log)),
		aw:      awareness.New(awareness.WithLogger(log)),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}

	if err := rm.load(ctx); err != nil {
		rm.replica.Dispose()
		return nil, err
	}

	unsub, err := srv.opts.Broker.Subscribe(ctx, name, rm.onBroker)
	if err != nil {
		rm.replica.Dispose()
		return nil, fmt.Errorf("relay: subscribe %s: %w", name, err)
	}
	rm.unsubscribe = append(rm.unsubscribe,
		unsub,
		rm.replica.OnUpdate(rm.onReplicaUpdate),
		rm.aw.OnUpdate(rm.onAwarenessUpdate),
	)

	hbCtx, cancel := context.WithCancel(context.Background())
	rm.cancel = cancel
	go rm.heartbeat(hbCtx)
	return rm, nil
}

// load replays the persisted log, compacting it when it has grown past the
// configured length.
func (rm *room) load(ctx context.Context) error {
	st := rm.srv.opts.Store
	log, err := st.Load(ctx, rm.name)
	if err != nil {
		return fmt.Errorf("relay: load %s: %w", rm.name, err)
	}
	for i, u := range log {
		if err := rm.replica.ApplyUpdate(u, originStore); err != nil {
			rm.log.Warn("skipping corrupt update", zap.Int("index", i), zap.Error(err))
		}
	}
	rm.log.Info("room loaded", zap.Int("updates", len(log)), zap.Int("length", rm.replica.Fragment().Len()))

	if len(log) <= rm.srv.opts.CompactAfter {
		return nil
	}
	snapshot, err := rm.replica.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("relay: snapshot %s: %w", rm.name, err)
	}
	if err := st.Compact(ctx, rm.name, snapshot); err != nil {
		rm.log.Warn("compaction failed", zap.Error(err))
		return nil
	}
	rm.srv.metrics.compactions.Inc()
	rm.log.Info("room compacted", zap.Int("updates", len(log)))
	return nil
}

func (rm *room) join(c *client) {
	rm.mu.Lock()
	rm.clients[c] = struct{}{}
	rm.mu.Unlock()

	if sv, err := rm.replica.StateVector(); err == nil {
		rm.sendTo(c, protocol.Message{Type: protocol.TypeSyncStep1, Payload: sv})
	}
	if len(rm.aw.States()) > 0 {
		if b, err := rm.aw.EncodeUpdate(); err == nil {
			rm.sendTo(c, protocol.Message{Type: protocol.TypeAwareness, Payload: b})
		}
	}
}

// leave detaches c and retracts the awareness entries it carried.
func (rm *room) leave(c *client) {
	rm.mu.Lock()
	if _, ok := rm.clients[c]; ok {
		delete(rm.clients, c)
		c.closeSend()
	}
	rm.mu.Unlock()

	ids := c.awarenessIDs()
	if len(ids) == 0 {
		return
	}
	rm.aw.RemoveStates(ids, c)
	b, err := rm.aw.EncodeUpdate(ids...)
	if err != nil {
		rm.log.Warn("encoding awareness removal", zap.Error(err))
		return
	}
	msg := protocol.Message{Type: protocol.TypeAwareness, Payload: b}
	rm.broadcast(msg, nil)
	rm.publish(msg)
}

// handle processes one frame from c. It runs on c's read goroutine.
func (rm *room) handle(c *client, msg protocol.Message) {
	rm.srv.metrics.messages.WithLabelValues(string(msg.Type)).Inc()
	switch msg.Type {
	case protocol.TypeSyncStep1:
		update, err := rm.replica.EncodeStateAsUpdate(msg.Payload)
		if err != nil {
			rm.log.Warn("bad state vector", zap.String("client", c.id), zap.Error(err))
			return
		}
		rm.sendTo(c, protocol.Message{Type: protocol.TypeSyncStep2, Payload: update})
	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		// fan-out happens in onReplicaUpdate for the operations that were new
		if err := rm.replica.ApplyUpdate(msg.Payload, c); err != nil {
			rm.log.Warn("bad update", zap.String("client", c.id), zap.Error(err))
		}
	case protocol.TypeAwareness:
		if err := rm.aw.ApplyUpdate(msg.Payload, c); err != nil {
			rm.log.Warn("bad awareness update", zap.String("client", c.id), zap.Error(err))
			return
		}
		rm.broadcast(msg, c)
		rm.publish(msg)
	default:
		rm.log.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

func (rm *room) onReplicaUpdate(u replica.Update) {
	c, ok := u.Origin.(*client)
	if !ok {
		return
	}
	msg := protocol.Message{Type: protocol.TypeUpdate, Payload: u.Data}
	rm.broadcast(msg, c)

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := rm.srv.opts.Store.Append(ctx, rm.name, u.Data); err != nil {
		rm.log.Error("persisting update", zap.Error(err))
	}
	rm.publish(msg)
}

func (rm *room) onAwarenessUpdate(ch awareness.Change) {
	switch o := ch.Origin.(type) {
	case *client:
		o.trackAwareness(ch.Added...)
		o.trackAwareness(ch.Updated...)
	case string:
		if o != "timeout" || len(ch.Removed) == 0 {
			return
		}
		b, err := rm.aw.EncodeUpdate(ch.Removed...)
		if err != nil {
			return
		}
		rm.broadcast(protocol.Message{Type: protocol.TypeAwareness, Payload: b}, nil)
	}
}

// onBroker applies a message published by another relay instance and hands
// it to every local client.
func (rm *room) onBroker(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		rm.log.Warn("bad brokered message", zap.Error(err))
		return
	}
	if msg.Origin == rm.srv.instanceID {
		return
	}
	msg.Origin = ""
	switch msg.Type {
	case protocol.TypeUpdate:
		if err := rm.replica.ApplyUpdate(msg.Payload, originBroker); err != nil {
			rm.log.Warn("bad brokered update", zap.Error(err))
			return
		}
	case protocol.TypeAwareness:
		if err := rm.aw.ApplyUpdate(msg.Payload, originBroker); err != nil {
			rm.log.Warn("bad brokered awareness", zap.Error(err))
			return
		}
	default:
		return
	}
	rm.broadcast(msg, nil)
}

func (rm *room) publish(msg protocol.Message) {
	msg.Origin = rm.srv.instanceID
	msg.Topic = rm.name
	b, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := rm.srv.opts.Broker.Publish(ctx, rm.name, b); err != nil {
		rm.log.Warn("publishing to broker", zap.Error(err))
	}
}

// broadcast queues msg for every client but except. Clients whose queue is
// full are dropped.
func (rm *room) broadcast(msg protocol.Message, except *client) {
	b, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for c := range rm.clients {
		if c == except {
			continue
		}
		if !c.queue(b) {
			rm.log.Warn("dropping slow client", zap.String("client", c.id))
			delete(rm.clients, c)
			c.closeSend()
		}
	}
}

func (rm *room) sendTo(c *client, msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.clients[c]; ok && !c.queue(b) {
		delete(rm.clients, c)
		c.closeSend()
	}
}

func (rm *room) heartbeat(ctx context.Context) {
	defer close(rm.done)
	ticker := time.NewTicker(awareness.RenewInterval / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.aw.Heartbeat()
		}
	}
}

func (rm *room) disconnectAll() {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	for c := range rm.clients {
		_ = c.conn.Close()
	}
}

func (rm *room) close() {
	rm.cancel()
	<-rm.done
	for _, unsub := range rm.unsubscribe {
		unsub()
	}
	rm.aw.Destroy()
	rm.replica.Dispose()
	rm.log.Debug("room closed")
}
