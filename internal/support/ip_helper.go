package support

import (
	"net"
	"net/http"
	"strings"
)

const ForwardedForHeader = "X-Forwarded-For"

// ClientIP returns the address the request claims to originate from: the first
// entry of X-Forwarded-For when trustForwarded is set, else the transport peer.
// The header is client controlled, so it is only meaningful behind a reverse
// proxy that overwrites it.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if forwarded := r.Header.Get(ForwardedForHeader); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return NormalizeIP(first)
			}
		}
	}
	return RemoteIP(r)
}

// RemoteIP returns the transport-level peer address without the port.
func RemoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return NormalizeIP(addr)
}

// NormalizeIP canonicalises a textual IP (IPv4-mapped IPv6 collapses to IPv4).
// Values that do not parse are returned trimmed but otherwise untouched.
func NormalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	parsed := net.ParseIP(raw)
	if parsed == nil {
		return raw
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.String()
}
