package http

import (
	"net"
	"net/http"
	"strings"
)

// IPConfig lists the reverse proxies whose forwarding headers are trusted,
// as CIDR ranges. Empty means the direct peer address is always used.
type IPConfig struct {
	TrustedProxies []string
}

// ExtractClientIP resolves the client address for rate limiting and session
// binding. Forwarded headers are honored only when the immediate transport
// peer is a configured trusted proxy; otherwise they could be spoofed to
// dodge the lockout or hijack an address-bound session.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	peer := peerAddr(r)

	if config == nil || !isTrustedProxy(peer, config.TrustedProxies) {
		return peer
	}

	// X-Forwarded-For may hold a chain; the first entry is the origin client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, ip := range strings.Split(xff, ",") {
			ip = strings.TrimSpace(ip)
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	return peer
}

// peerAddr strips the port from RemoteAddr.
func peerAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	peer := net.ParseIP(ip)
	if peer == nil {
		return false
	}

	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			// A bare IP is accepted as a /32-style entry.
			if single := net.ParseIP(strings.TrimSpace(cidr)); single != nil && single.Equal(peer) {
				return true
			}
			continue
		}
		if ipNet.Contains(peer) {
			return true
		}
	}

	return false
}
