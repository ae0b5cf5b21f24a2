package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"realtime-service/internal/events"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/presence"
	"realtime-service/internal/repositories"
	"realtime-service/internal/telemetry"
)

var (
	ErrNotParticipant = errors.New("not a conversation participant")
	ErrInvalidMessage = errors.New("invalid message payload")
)

// dedupCapacity bounds the nonce cache used to absorb duplicate transport
// deliveries of chat:send.
const dedupCapacity = 1024

// SendRequest carries one inbound chat:send. Either ConversationID or
// Recipient must be set; a recipient resolves to the pair's direct
// conversation, creating it on first contact.
type SendRequest struct {
	ConversationID int
	Recipient      models.Identity
	Type           models.MessageType
	Body           string
	FileURL        string
	FileType       string
	Nonce          string
}

// Dispatcher routes chat operations to the persisted stores and fans live
// updates out to connected participants. Persistence is authoritative: a
// store failure aborts the operation before any fan-out, and a missed live
// push is recovered by the recipient's next fetch.
type Dispatcher struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	registry      *presence.Registry
	publisher     telemetry.Publisher

	mu         sync.Mutex
	dedup      map[string]models.Message
	dedupOrder []string
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(conversations repositories.ConversationRepository, messages repositories.MessageRepository, registry *presence.Registry, publisher telemetry.Publisher) *Dispatcher {
	return &Dispatcher{
		conversations: conversations,
		messages:      messages,
		registry:      registry,
		publisher:     publisher,
		dedup:         make(map[string]models.Message),
	}
}

// SendMessage resolves the conversation, persists the message atomically
// with the conversation's summary fields, and fans the persisted message out
// to every online participant. The persisted message is returned so the
// sender's optimistic UI can reconcile against the assigned id.
func (d *Dispatcher) SendMessage(ctx context.Context, sender models.Identity, req SendRequest) (models.Message, error) {
	ctx, span := otel.Tracer("realtime-service/chat").Start(ctx, "chat.send")
	defer span.End()
	start := time.Now()

	if req.Type == "" {
		req.Type = models.MessageText
	}
	switch req.Type {
	case models.MessageText:
		if req.Body == "" {
			return models.Message{}, ErrInvalidMessage
		}
	case models.MessageImage, models.MessageFile:
		if req.FileURL == "" {
			return models.Message{}, ErrInvalidMessage
		}
	default:
		return models.Message{}, ErrInvalidMessage
	}

	if req.Nonce != "" {
		if msg, ok := d.recallNonce(sender.UserID, req.Nonce); ok {
			return msg, nil
		}
	}

	conv, err := d.resolveConversation(ctx, sender, req)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := d.messages.AppendMessage(ctx, conv.ID, sender, req.Type, req.Body, req.FileURL, req.FileType)
	if err != nil {
		return models.Message{}, fmt.Errorf("persist message: %w", err)
	}
	if req.Nonce != "" {
		d.rememberNonce(sender.UserID, req.Nonce, msg)
	}

	d.fanOut(ctx, conv.ID, events.ChatNew, msg, "")

	if d.publisher != nil {
		_ = d.publisher.Publish(ctx, "chat.message_sent", telemetry.EventEnvelope{
			EventType: "chat_events",
			EventName: "message_sent",
			Payload: map[string]any{
				"conversation_id": conv.ID,
				"message_id":      msg.ID,
				"sender_id":       sender.UserID,
				"sender_type":     sender.Type,
				"message_type":    msg.Type,
			},
		})
	}

	observability.ObserveChatSend(time.Since(start))
	return msg, nil
}

// MarkRead resets the caller's unread counter, flips read flags, and notifies
// other online participants for read-receipt UI. Idempotent; the receipt push
// is best effort.
func (d *Dispatcher) MarkRead(ctx context.Context, identity models.Identity, conversationID int) error {
	member, err := d.conversations.IsParticipant(ctx, conversationID, identity.UserID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !member {
		return ErrNotParticipant
	}

	if err := d.conversations.ResetUnread(ctx, conversationID, identity.UserID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	if err := d.messages.MarkRead(ctx, conversationID, identity.UserID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	d.fanOut(ctx, conversationID, events.ChatReadReceipt, events.ReadReceiptPayload{
		ConversationID: conversationID,
		ReaderID:       identity.UserID,
	}, identity.UserID)
	return nil
}

// React upserts the identity's reaction on a message, or removes it when
// reaction is empty, then fans the full updated map out to online
// participants. Last write per identity wins.
func (d *Dispatcher) React(ctx context.Context, identity models.Identity, messageID int, reaction string) (map[string]string, error) {
	msg, err := d.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	member, err := d.conversations.IsParticipant(ctx, msg.ConversationID, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("membership check: %w", err)
	}
	if !member {
		return nil, ErrNotParticipant
	}

	if reaction == "" {
		err = d.messages.ClearReaction(ctx, messageID, identity.UserID)
	} else {
		err = d.messages.UpsertReaction(ctx, messageID, identity.UserID, reaction)
	}
	if err != nil {
		return nil, fmt.Errorf("store reaction: %w", err)
	}

	reactions, err := d.messages.ReactionsFor(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load reactions: %w", err)
	}

	d.fanOut(ctx, msg.ConversationID, events.ChatReactionUpdated, events.ReactionUpdatedPayload{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
		Reactions:      reactions,
	}, "")
	return reactions, nil
}

// ListConversations returns the caller's conversation summaries.
func (d *Dispatcher) ListConversations(ctx context.Context, identity models.Identity) ([]models.ConversationSummary, error) {
	return d.conversations.ListForUser(ctx, identity.UserID)
}

// ListMessages returns one page of a conversation the caller belongs to.
func (d *Dispatcher) ListMessages(ctx context.Context, identity models.Identity, conversationID, limit, offset int) ([]models.Message, error) {
	member, err := d.conversations.IsParticipant(ctx, conversationID, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("membership check: %w", err)
	}
	if !member {
		return nil, ErrNotParticipant
	}
	return d.messages.ListMessages(ctx, conversationID, limit, offset)
}

// StartDirect finds or creates the direct conversation between the caller
// and a recipient.
func (d *Dispatcher) StartDirect(ctx context.Context, caller, recipient models.Identity) (models.Conversation, error) {
	return d.conversations.CreateOrGetDirect(ctx, caller, recipient)
}

// CreateGroup provisions a group conversation. The creator is always a
// member.
func (d *Dispatcher) CreateGroup(ctx context.Context, creator models.Identity, title string, members []models.Identity) (models.Conversation, error) {
	withCreator := append([]models.Identity{creator}, members...)
	return d.conversations.CreateGroup(ctx, title, withCreator)
}

func (d *Dispatcher) resolveConversation(ctx context.Context, sender models.Identity, req SendRequest) (models.Conversation, error) {
	if req.ConversationID != 0 {
		conv, err := d.conversations.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return models.Conversation{}, err
		}
		member, err := d.conversations.IsParticipant(ctx, conv.ID, sender.UserID)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("membership check: %w", err)
		}
		if !member {
			return models.Conversation{}, ErrNotParticipant
		}
		return conv, nil
	}
	if req.Recipient.UserID != "" {
		return d.conversations.CreateOrGetDirect(ctx, sender, req.Recipient)
	}
	return models.Conversation{}, ErrInvalidMessage
}

// fanOut pushes an event to every online participant of the conversation,
// skipping exceptUserID when set. Push failures are dropped; the persisted
// log remains the authoritative record.
func (d *Dispatcher) fanOut(ctx context.Context, conversationID int, event string, data any, exceptUserID string) {
	participants, err := d.conversations.Participants(ctx, conversationID)
	if err != nil {
		log.Printf("fan-out skipped, cannot load participants conversation=%d: %v", conversationID, err)
		return
	}
	payload, err := events.Marshal(event, data)
	if err != nil {
		log.Printf("fan-out skipped, cannot marshal %s: %v", event, err)
		return
	}
	for _, p := range participants {
		if p.UserID == exceptUserID {
			continue
		}
		d.registry.Push(p.UserID, payload)
	}
}

func (d *Dispatcher) recallNonce(userID, nonce string) (models.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, ok := d.dedup[userID+"\x00"+nonce]
	return msg, ok
}

func (d *Dispatcher) rememberNonce(userID, nonce string, msg models.Message) {
	key := userID + "\x00" + nonce
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dedup[key]; ok {
		return
	}
	d.dedup[key] = msg
	d.dedupOrder = append(d.dedupOrder, key)
	if len(d.dedupOrder) > dedupCapacity {
		oldest := d.dedupOrder[0]
		d.dedupOrder = d.dedupOrder[1:]
		delete(d.dedup, oldest)
	}
}
