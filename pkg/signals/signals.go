// Package signals derives the identity signals the meter counts against from
// an inbound HTTP request. Raw client IPs never leave this package: callers
// only see a salted HMAC of the address.
package signals

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// ipv6PrefixBits is the network prefix an IPv6 client is identified by.
// Hosts commonly rotate addresses within their /64.
const ipv6PrefixBits = 64

// Hasher turns client IPs into stable, salted hashes
type Hasher struct {
	salt              []byte
	trustProxyHeaders bool
}

// NewHasher creates a Hasher. trustProxyHeaders enables CF-Connecting-IP,
// DO-Connecting-IP, X-Forwarded-For and X-Real-IP; leave it off unless the
// service only receives traffic through a proxy that overwrites them.
func NewHasher(salt string, trustProxyHeaders bool) *Hasher {
	return &Hasher{salt: []byte(salt), trustProxyHeaders: trustProxyHeaders}
}

// HashIP returns the hex HMAC-SHA256 of the normalized ip, or "" when ip is not an address
func (h *Hasher) HashIP(ip string) string {
	normalized := normalizeIP(ip)
	if normalized == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// FromRequest returns the hashed client IP of r
func (h *Hasher) FromRequest(r *http.Request) string {
	return h.HashIP(ClientIP(r, h.trustProxyHeaders))
}

// ClientIP returns the client's IP address from r. Forwarding headers are
// consulted only when trustProxyHeaders is set, in this order:
// CF-Connecting-IP, DO-Connecting-IP, X-Forwarded-For (first valid), X-Real-IP.
// RemoteAddr is the fallback.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, header := range []string{"CF-Connecting-IP", "DO-Connecting-IP"} {
			if ip := parseIP(r.Header.Get(header)); ip != "" {
				return ip
			}
		}

		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			for _, ip := range strings.Split(forwarded, ",") {
				if parsed := parseIP(ip); parsed != "" {
					return parsed
				}
			}
		}

		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

// parseIP validates and normalizes an IP address string.
// Returns empty string if the IP is invalid.
func parseIP(ipStr string) string {
	ipStr = strings.TrimSpace(ipStr)
	if ipStr == "" {
		return ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// normalizeIP maps an address to the form it is hashed in: IPv4 as is, IPv6 as its /64 network
func normalizeIP(ipStr string) string {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	network := ip.Mask(net.CIDRMask(ipv6PrefixBits, 128))
	return network.String() + "/64"
}
