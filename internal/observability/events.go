package observability

import "time"

// Routing keys of the domain events published to AMQP.
const (
	RoutingWSEvents       = "ws_events.realtime"
	RoutingPresenceOnline = "presence_events.online"
	RoutingPresenceOff    = "presence_events.offline"
	RoutingMessageEvents  = "message_events"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{EventType: eventType, EventName: eventName, OccurredAt: time.Now().UTC(), Payload: payload}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
