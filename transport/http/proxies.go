package http

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

// trustedProxies are the peers allowed to speak for the client through
// X-Forwarded-* headers.
type trustedProxies []*net.IPNet

func parseTrustedProxies(entries []string) (trustedProxies, error) {
	nets := make(trustedProxies, 0, len(entries))
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: entry}
			}
			if ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		nets = append(nets, cidr)
	}
	return nets, nil
}

// trusts reports whether the request came directly from a trusted proxy.
func (t trustedProxies) trusts(c *gin.Context) bool {
	ip := net.ParseIP(c.RemoteIP())
	if ip == nil {
		return false
	}
	for _, cidr := range t {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// strings returns the list in CIDR form; an empty list yields nil, which
// gin reads as trusting no proxy.
func (t trustedProxies) strings() []string {
	if len(t) == 0 {
		return nil
	}
	out := make([]string, len(t))
	for i, cidr := range t {
		out[i] = cidr.String()
	}
	return out
}
