package mesh

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	mdnsService = "_collabtext-peer._tcp"
	mdnsDomain  = "local."
)

// runMDNS advertises this peer on the local network and browses for others
// editing the same document until ctx is done.
func (p *Provider) runMDNS(ctx context.Context) {
	_, portStr, err := net.SplitHostPort(p.Addr())
	if err != nil {
		p.Log.Warn("mdns: bad listener address", zap.Error(err))
		return
	}
	port, _ := strconv.Atoi(portStr)

	server, err := zeroconf.Register(p.peerID, mdnsService, mdnsDomain, port,
		[]string{"doc=" + p.document, "peer=" + p.peerID}, nil)
	if err != nil {
		p.Log.Warn("mdns: register failed", zap.Error(err))
		return
	}
	defer server.Shutdown()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		p.Log.Warn("mdns: resolver failed", zap.Error(err))
		return
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		p.Log.Warn("mdns: browse failed", zap.Error(err))
		return
	}
	p.Log.Info("mdns discovery started", zap.Int("port", port))

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if id, addr, ok := p.mdnsPeer(entry); ok {
				p.discovered(id, addr)
			}
		}
	}
}

// mdnsPeer extracts a peer of this document from a service entry.
func (p *Provider) mdnsPeer(entry *zeroconf.ServiceEntry) (id, addr string, ok bool) {
	var doc string
	for _, txt := range entry.Text {
		k, v, _ := strings.Cut(txt, "=")
		switch k {
		case "doc":
			doc = v
		case "peer":
			id = v
		}
	}
	if doc != p.document || id == "" || id == p.peerID {
		return "", "", false
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", "", false
	}
	return id, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
