package events

import (
	"encoding/json"

	"realtime-service/internal/models"
)

// Event names multiplexed over the per-client channel. Inbound events not
// matching one of these are dropped at the gateway.
const (
	ChatSend            = "chat:send"
	ChatSent            = "chat:sent"
	ChatNew             = "chat:new"
	ChatRead            = "chat:read"
	ChatReadReceipt     = "chat:read-receipt"
	ChatReact           = "chat:react"
	ChatReactionUpdated = "chat:reaction-updated"

	CallInitiate     = "call:initiate"
	CallRinging      = "call:ringing"
	CallIncoming     = "call:incoming"
	CallAnswer       = "call:answer"
	CallAnswered     = "call:answered"
	CallReject       = "call:reject"
	CallRejected     = "call:rejected"
	CallCancel       = "call:cancel"
	CallCancelled    = "call:cancelled"
	CallEnd          = "call:end"
	CallEnded        = "call:ended"
	CallTimeout      = "call:timeout"
	CallICECandidate = "call:ice-candidate"

	PresenceOnline  = "presence:online"
	PresenceOffline = "presence:offline"

	Error = "error"
)

// Envelope frames every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal frames an event for the wire.
func Marshal(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Inbound payloads.

type SendPayload struct {
	ConversationID int                    `json:"conversation_id,omitempty"`
	RecipientID    string                 `json:"recipient_id,omitempty"`
	RecipientType  models.ParticipantType `json:"recipient_type,omitempty"`
	Type           models.MessageType     `json:"message_type,omitempty"`
	Body           string                 `json:"body,omitempty"`
	FileURL        string                 `json:"file_url,omitempty"`
	FileType       string                 `json:"file_type,omitempty"`
	Nonce          string                 `json:"nonce,omitempty"`
}

type ReadPayload struct {
	ConversationID int `json:"conversation_id"`
}

type ReactPayload struct {
	MessageID int    `json:"message_id"`
	Reaction  string `json:"reaction,omitempty"`
}

type InitiatePayload struct {
	CalleeID   string `json:"callee_id"`
	CalleeType string `json:"callee_type,omitempty"`
	Offer      string `json:"offer"`
}

type AnswerPayload struct {
	CallID string `json:"call_id"`
	Answer string `json:"answer"`
}

type CallRefPayload struct {
	CallID string `json:"call_id"`
}

type ICEPayload struct {
	CallID    string `json:"call_id"`
	Candidate string `json:"candidate"`
}

// Outbound payloads.

type SentPayload struct {
	Nonce   string         `json:"nonce,omitempty"`
	Message models.Message `json:"message"`
}

type ReadReceiptPayload struct {
	ConversationID int    `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
}

type ReactionUpdatedPayload struct {
	MessageID      int               `json:"message_id"`
	ConversationID int               `json:"conversation_id"`
	Reactions      map[string]string `json:"reactions"`
}

type IncomingCallPayload struct {
	CallID string          `json:"call_id"`
	Caller models.Identity `json:"caller"`
	Offer  string          `json:"offer"`
}

type CallStatePayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type PresencePayload struct {
	Identity models.Identity `json:"identity"`
}

type ErrorPayload struct {
	Event  string `json:"event"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}
