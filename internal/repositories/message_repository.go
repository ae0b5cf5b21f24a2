package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"realtime-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, conversationID int, sender models.Identity, msgType models.MessageType, body, fileURL, fileType string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int, limit, offset int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	MarkRead(ctx context.Context, conversationID int, readerID string) error
	UpsertReaction(ctx context.Context, messageID int, userID, reaction string) error
	ClearReaction(ctx context.Context, messageID int, userID string) error
	ReactionsFor(ctx context.Context, messageID int) (map[string]string, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage inserts the message and maintains the conversation's cached
// summary fields in the same transaction: last_message/last_message_at are
// replaced and every participant except the sender gets an in-store
// unread_count increment, so concurrent senders cannot lose updates.
func (r *MessageRepo) AppendMessage(ctx context.Context, conversationID int, sender models.Identity, msgType models.MessageType, body, fileURL, fileType string) (msg models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, sender_type, message_type, body, file_url, file_type)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, conversation_id, sender_id, sender_type, message_type, body, file_url, file_type, is_read, created_at`,
		conversationID, sender.UserID, sender.Type, msgType, body, fileURL, fileType).
		StructScan(&msg)
	if err != nil {
		return models.Message{}, err
	}

	preview := body
	if msgType != models.MessageText {
		preview = string(msgType)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET last_message=$1, last_message_at=$2 WHERE id=$3`,
		preview, msg.CreatedAt, conversationID); err != nil {
		return models.Message{}, err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE conversation_participants SET unread_count = unread_count + 1
        WHERE conversation_id=$1 AND user_id<>$2`, conversationID, sender.UserID); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns one page of the conversation log in persisted order:
// created_at ascending, ties broken by id.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, conversation_id, sender_id, sender_type, message_type, body, file_url, file_type, is_read, created_at
        FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	query, args, err := sqlx.In(`SELECT message_id, user_id, reaction FROM message_reactions WHERE message_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var reactions []models.Reaction
	if err := r.db.SelectContext(ctx, &reactions, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	byMessage := map[int]map[string]string{}
	for _, reaction := range reactions {
		if byMessage[reaction.MessageID] == nil {
			byMessage[reaction.MessageID] = map[string]string{}
		}
		byMessage[reaction.MessageID][reaction.UserID] = reaction.Reaction
	}
	for i := range msgs {
		msgs[i].Reactions = byMessage[msgs[i].ID]
	}
	return msgs, nil
}

// GetMessage retrieves a single message without its reactions.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT id, conversation_id, sender_id, sender_type, message_type, body, file_url, file_type, is_read, created_at
        FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkRead flips the read flag on every unread message the reader did not
// send. Idempotent.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID int, readerID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = TRUE
        WHERE conversation_id=$1 AND sender_id<>$2 AND is_read = FALSE`, conversationID, readerID)
	return err
}

// UpsertReaction records the identity's reaction, replacing any previous one.
func (r *MessageRepo) UpsertReaction(ctx context.Context, messageID int, userID, reaction string) error {
	res, err := r.db.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, reaction) VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id) DO UPDATE SET reaction = EXCLUDED.reaction`, messageID, userID, reaction)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ClearReaction removes the identity's reaction if present.
func (r *MessageRepo) ClearReaction(ctx context.Context, messageID int, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2`, messageID, userID)
	return err
}

// ReactionsFor returns the message's reaction map keyed by user id.
func (r *MessageRepo) ReactionsFor(ctx context.Context, messageID int) (map[string]string, error) {
	var reactions []models.Reaction
	if err := r.db.SelectContext(ctx, &reactions, `SELECT message_id, user_id, reaction FROM message_reactions WHERE message_id=$1`, messageID); err != nil {
		return nil, err
	}
	result := make(map[string]string, len(reactions))
	for _, reaction := range reactions {
		result[reaction.UserID] = reaction.Reaction
	}
	return result, nil
}
