package observability

import (
	"net"
	"net/http"
	"strings"
)

// Identity is what a request tells us about the device behind it.
type Identity struct {
	DeviceID  string `json:"device_id,omitempty"`
	IP        string `json:"ip"`
	RequestID string `json:"-"`
}

func IdentityFromRequest(r *http.Request) Identity {
	return Identity{
		DeviceID:  r.Header.Get("X-Device-Id"),
		IP:        clientIP(r),
		RequestID: r.Header.Get("X-Request-Id"),
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
