package models

import "time"

// MessageType distinguishes plain text from uploaded attachments.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Message is one persisted entry in a conversation's ordered log. Immutable
// once created except for the read flag and reactions.
type Message struct {
	ID             int               `db:"id" json:"id"`
	ConversationID int               `db:"conversation_id" json:"conversation_id"`
	SenderID       string            `db:"sender_id" json:"sender_id"`
	SenderType     ParticipantType   `db:"sender_type" json:"sender_type"`
	Type           MessageType       `db:"message_type" json:"message_type"`
	Body           string            `db:"body" json:"body,omitempty"`
	FileURL        string            `db:"file_url" json:"file_url,omitempty"`
	FileType       string            `db:"file_type" json:"file_type,omitempty"`
	IsRead         bool              `db:"is_read" json:"is_read"`
	Reactions      map[string]string `db:"-" json:"reactions,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
}

// Reaction is one identity's reaction to a message; at most one per identity
// per message, last write wins.
type Reaction struct {
	MessageID int    `db:"message_id" json:"message_id"`
	UserID    string `db:"user_id" json:"user_id"`
	Reaction  string `db:"reaction" json:"reaction"`
}
