package auth

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPResolver derives the caller address of a request. Forwarding headers
// are read only when the direct peer is a trusted proxy, so a client cannot
// pick its own address. The zero value and a nil *IPResolver trust nobody.
type IPResolver struct {
	trusted []netip.Prefix
}

func NewIPResolver(trusted []netip.Prefix) *IPResolver {
	return &IPResolver{trusted: trusted}
}

func (p *IPResolver) isTrusted(a netip.Addr) bool {
	if p == nil {
		return false
	}
	for _, pfx := range p.trusted {
		if pfx.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. X-Real-IP and CF-Connecting-IP are used when
// the chain has no such hop.
func (p *IPResolver) ClientIP(r *http.Request) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !p.isTrusted(peer) {
		return peer.String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		hop = hop.Unmap()
		if !p.isTrusted(hop) {
			return hop.String()
		}
	}
	for _, h := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get(h))); err == nil {
			return a.Unmap().String()
		}
	}
	return peer.String()
}

func peerAddr(remote string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
