package ws

import (
	"time"

	"pairchat/internal/observability"
)

// ConnInfo describes one socket for logs and lifecycle events.
type ConnInfo struct {
	ConnID      string
	Username    string
	Identity    observability.Identity
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) envelope(event, reason string) observability.EventEnvelope {
	return observability.NewEnvelope("ws_events", event, map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     i.ConnID,
			"duration_ms": time.Since(i.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"username":  i.Username,
			"device_id": i.Identity.DeviceID,
			"ip":        i.Identity.IP,
		},
	})
}

func (i ConnInfo) headers() map[string]string {
	return observability.BuildHeaders(i.Identity.RequestID, i.TraceID)
}
