package models

import (
	"database/sql"
	"time"
)

// ConversationType discriminates two-party and group threads.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation is a direct or group message thread with cached summary fields.
type Conversation struct {
	ID            int              `db:"id" json:"id"`
	Type          ConversationType `db:"type" json:"type"`
	Title         string           `db:"title" json:"title,omitempty"`
	DirectKey     sql.NullString   `db:"direct_key" json:"-"`
	LastMessage   sql.NullString   `db:"last_message" json:"last_message,omitempty"`
	LastMessageAt sql.NullTime     `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
}

// Participant is one identity's membership row, including its unread counter.
type Participant struct {
	ConversationID int             `db:"conversation_id" json:"conversation_id"`
	UserID         string          `db:"user_id" json:"user_id"`
	UserType       ParticipantType `db:"user_type" json:"user_type"`
	UnreadCount    int             `db:"unread_count" json:"unread_count"`
	LastReadAt     sql.NullTime    `db:"last_read_at" json:"last_read_at,omitempty"`
}

// Identity rebuilds the typed identity from a membership row.
func (p Participant) Identity() Identity {
	return Identity{UserID: p.UserID, Type: p.UserType}
}

// ConversationSummary is the API-friendly view of a conversation for one user.
type ConversationSummary struct {
	ConversationID int              `json:"conversation_id"`
	Type           ConversationType `json:"type"`
	Title          string           `json:"title,omitempty"`
	Participants   []Identity       `json:"participants"`
	LastMessage    string           `json:"last_message,omitempty"`
	LastMessageAt  *time.Time       `json:"last_message_at,omitempty"`
	UnreadCount    int              `json:"unread_count"`
	CreatedAt      time.Time        `json:"created_at"`
}
