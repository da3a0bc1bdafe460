package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/awareness"
	"collabtext/internal/protocol"
)

var errDuplicatePeer = errors.New("mesh: peer already connected")

// peer is an established connection to another participant.
type peer struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	awMu  sync.Mutex
	awIDs map[awareness.ClientID]struct{}
}

func (pr *peer) send(msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	pr.writeMu.Lock()
	defer pr.writeMu.Unlock()
	_ = pr.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return pr.conn.WriteMessage(websocket.TextMessage, b)
}

func (pr *peer) track(ids ...awareness.ClientID) {
	pr.awMu.Lock()
	defer pr.awMu.Unlock()
	for _, id := range ids {
		pr.awIDs[id] = struct{}{}
	}
}

func (pr *peer) awarenessIDs() []awareness.ClientID {
	pr.awMu.Lock()
	defer pr.awMu.Unlock()
	ids := make([]awareness.ClientID, 0, len(pr.awIDs))
	for id := range pr.awIDs {
		ids = append(ids, id)
	}
	return ids
}

// runPeer drives one connection, dialed or accepted, until it fails.
func (p *Provider) runPeer(conn *websocket.Conn) {
	defer conn.Close()
	if !p.trackConn(conn) {
		return
	}
	defer p.untrackConn(conn)

	pr := &peer{conn: conn, awIDs: make(map[awareness.ClientID]struct{})}
	if err := pr.send(protocol.Message{Type: protocol.TypeHello, PeerID: p.peerID}); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	hello, err := protocol.Decode(raw)
	if err != nil || hello.Type != protocol.TypeHello || hello.PeerID == "" {
		p.Log.Debug("peer skipped hello", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	pr.id = hello.PeerID

	log := p.Log.With(zap.String("peer", pr.id))
	if err := p.addPeer(pr); err != nil {
		log.Debug("closing connection", zap.Error(err))
		return
	}
	defer p.removePeer(pr)
	log.Info("peer connected")

	sv, err := p.replica.StateVector()
	if err != nil {
		return
	}
	if err := pr.send(protocol.Message{Type: protocol.TypeSyncStep1, Payload: sv}); err != nil {
		return
	}
	if p.Awareness.LocalState() != nil {
		if b, err := p.Awareness.EncodeUpdate(p.Awareness.ClientID()); err == nil {
			_ = pr.send(protocol.Message{Type: protocol.TypeAwareness, Payload: b})
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Info("peer disconnected", zap.Error(err))
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			log.Warn("bad frame", zap.Error(err))
			continue
		}
		p.handlePeer(pr, msg)
	}
}

func (p *Provider) handlePeer(pr *peer, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSyncStep1:
		update, err := p.replica.EncodeStateAsUpdate(msg.Payload)
		if err != nil {
			p.Log.Warn("bad state vector", zap.String("peer", pr.id), zap.Error(err))
			return
		}
		_ = pr.send(protocol.Message{Type: protocol.TypeSyncStep2, Payload: update})
	case protocol.TypeSyncStep2:
		if err := p.replica.ApplyUpdate(msg.Payload, pr); err != nil {
			p.Log.Warn("bad sync reply", zap.String("peer", pr.id), zap.Error(err))
			return
		}
		p.SetSynced(true)
	case protocol.TypeUpdate:
		if err := p.replica.ApplyUpdate(msg.Payload, pr); err != nil {
			p.Log.Warn("bad update", zap.String("peer", pr.id), zap.Error(err))
		}
	case protocol.TypeAwareness:
		if err := p.Awareness.ApplyUpdate(msg.Payload, pr); err != nil {
			p.Log.Warn("bad awareness update", zap.String("peer", pr.id), zap.Error(err))
		}
	}
}

func (p *Provider) trackConn(conn *websocket.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return false
	}
	p.conns[conn] = struct{}{}
	p.wg.Add(1)
	return true
}

func (p *Provider) untrackConn(conn *websocket.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Provider) addPeer(pr *peer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[pr.id]; ok {
		return errDuplicatePeer
	}
	p.peers[pr.id] = pr
	return nil
}

func (p *Provider) removePeer(pr *peer) {
	p.mu.Lock()
	if p.peers[pr.id] == pr {
		delete(p.peers, pr.id)
	}
	p.mu.Unlock()
	p.Awareness.RemoveStates(pr.awarenessIDs(), pr)
}
