package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"realtime-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGetDirect(ctx context.Context, a, b models.Identity) (models.Conversation, error)
	CreateGroup(ctx context.Context, title string, members []models.Identity) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	Participants(ctx context.Context, conversationID int) ([]models.Participant, error)
	IsParticipant(ctx context.Context, conversationID int, userID string) (bool, error)
	ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	ResetUnread(ctx context.Context, conversationID int, userID string) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// DirectKey builds the unique key for a two-party conversation. Participant
// order does not matter.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// CreateOrGetDirect finds the direct conversation for the pair or creates it,
// including both membership rows, in one transaction.
func (r *ConversationRepo) CreateOrGetDirect(ctx context.Context, a, b models.Identity) (models.Conversation, error) {
	if a.UserID == b.UserID {
		return models.Conversation{}, errors.New("cannot start conversation with self")
	}
	key := DirectKey(a.UserID, b.UserID)

	var conv models.Conversation
	query := `SELECT id, type, title, direct_key, last_message, last_message_at, created_at FROM conversations WHERE direct_key=$1`
	err := r.db.GetContext(ctx, &conv, query, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (type, direct_key) VALUES ('direct', $1)
        ON CONFLICT (direct_key) DO UPDATE SET direct_key = EXCLUDED.direct_key
        RETURNING id, type, title, direct_key, last_message, last_message_at, created_at`, key).
		StructScan(&conv)
	if err != nil {
		return models.Conversation{}, err
	}

	for _, member := range []models.Identity{a, b} {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id, user_type)
            VALUES ($1, $2, $3) ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conv.ID, member.UserID, member.Type); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// CreateGroup creates a group conversation and its membership rows atomically.
// Used at company/group provisioning time.
func (r *ConversationRepo) CreateGroup(ctx context.Context, title string, members []models.Identity) (models.Conversation, error) {
	if len(members) < 2 {
		return models.Conversation{}, errors.New("group needs at least two members")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv models.Conversation
	if err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (type, title) VALUES ('group', $1)
        RETURNING id, type, title, direct_key, last_message, last_message_at, created_at`, title).
		StructScan(&conv); err != nil {
		return models.Conversation{}, err
	}

	seen := map[string]struct{}{}
	for _, member := range members {
		if _, ok := seen[member.UserID]; ok {
			continue
		}
		seen[member.UserID] = struct{}{}
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id, user_type) VALUES ($1, $2, $3)`,
			conv.ID, member.UserID, member.Type); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, type, title, direct_key, last_message, last_message_at, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// Participants returns every membership row of the conversation.
func (r *ConversationRepo) Participants(ctx context.Context, conversationID int) ([]models.Participant, error) {
	var parts []models.Participant
	err := r.db.SelectContext(ctx, &parts, `SELECT conversation_id, user_id, user_type, unread_count, last_read_at
        FROM conversation_participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID)
	return parts, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`, conversationID, userID)
	return exists, err
}

// ListForUser returns conversation summaries for the user, most recent
// activity first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.type, c.title, c.direct_key, c.last_message, c.last_message_at, c.created_at,
            cp.unread_count
        FROM conversations c
        INNER JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id=$1
        ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ConversationSummary
	for rows.Next() {
		var row struct {
			models.Conversation
			UnreadCount int `db:"unread_count"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		summary := models.ConversationSummary{
			ConversationID: row.ID,
			Type:           row.Conversation.Type,
			Title:          row.Title,
			LastMessage:    row.LastMessage.String,
			UnreadCount:    row.UnreadCount,
			CreatedAt:      row.CreatedAt,
		}
		if row.LastMessageAt.Valid {
			at := row.LastMessageAt.Time
			summary.LastMessageAt = &at
		}
		parts, err := r.Participants(ctx, row.ID)
		if err != nil {
			return nil, fmt.Errorf("load participants: %w", err)
		}
		for _, p := range parts {
			summary.Participants = append(summary.Participants, p.Identity())
		}
		result = append(result, summary)
	}
	return result, rows.Err()
}

// ResetUnread zeroes the unread counter and stamps the read time for one
// participant. Safe to repeat.
func (r *ConversationRepo) ResetUnread(ctx context.Context, conversationID int, userID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversation_participants SET unread_count = 0, last_read_at = NOW()
        WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	return err
}
