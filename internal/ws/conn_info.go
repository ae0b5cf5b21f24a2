package ws

import (
	"net"
	"net/http"
	"strings"
	"time"

	"realtime-service/internal/models"
)

// ConnInfo describes one live connection for lifecycle events and logs.
type ConnInfo struct {
	ConnID      string
	Identity    models.Identity
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func deviceIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Device-Id")
}

func requestIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}

func ipFromRequest(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
