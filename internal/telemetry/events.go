package telemetry

// EventEnvelope frames platform events published to the topic exchange
// (chat.message_sent, call.completed, ws lifecycle).
type EventEnvelope struct {
	EventType string `json:"event_type"`
	EventName string `json:"event_name"`
	Payload   any    `json:"payload"`
}
