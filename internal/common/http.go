package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller address, preferring the first valid entry of
// X-Forwarded-For, then X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for _, part := range strings.Split(forwarded, ",") {
			if candidate := strings.TrimSpace(part); net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
