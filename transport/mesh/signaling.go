package mesh

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/internal/protocol"
)

// signalingURL appends the hub's default path to a server given without one.
func signalingURL(server string) string {
	u, err := url.Parse(server)
	if err != nil || (u.Path != "" && u.Path != "/") {
		return server
	}
	u.Path = "/signal"
	return u.String()
}

// runSignaling keeps a connection to one signaling hub until ctx is done,
// reconnecting with exponential backoff.
func (p *Provider) runSignaling(ctx context.Context, server string) {
	log := p.Log.With(zap.String("signaling", server))
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		conn, _, err := p.dialer.DialContext(ctx, server, nil)
		if err == nil {
			bo.Reset()
			err = p.signal(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		log.Debug("signaling connection lost", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// signal subscribes to the document topic, announces this peer and reacts
// to announcements from others. Every newly seen peer gets one more
// announcement in return so that peers which subscribed later learn about
// us too.
func (p *Provider) signal(ctx context.Context, conn *websocket.Conn) error {
	var writeMu sync.Mutex
	write := func(msg protocol.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(msg))
	}
	announce := func() error {
		return write(protocol.Message{
			Type:   protocol.TypePublish,
			Topic:  p.document,
			PeerID: p.peerID,
			Addr:   p.Addr(),
		})
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = write(protocol.Message{Type: protocol.TypeUnsubscribe, Topics: []string{p.document}})
			_ = conn.Close()
		case <-stop:
			_ = conn.Close()
		}
	}()

	if err := write(protocol.Message{Type: protocol.TypeSubscribe, Topics: []string{p.document}}); err != nil {
		return err
	}
	if err := announce(); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(raw)
		if err != nil || msg.Type != protocol.TypePublish || msg.Topic != p.document {
			continue
		}
		if msg.PeerID == "" || msg.PeerID == p.peerID || msg.Addr == "" {
			continue
		}
		p.discovered(msg.PeerID, msg.Addr)
		if _, ok := seen[msg.PeerID]; !ok {
			seen[msg.PeerID] = struct{}{}
			if err := announce(); err != nil {
				return err
			}
		}
	}
}
