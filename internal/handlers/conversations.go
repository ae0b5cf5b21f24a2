package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/chat"
	"realtime-service/internal/models"
	"realtime-service/internal/repositories"
	"realtime-service/internal/telemetry"
)

// chatService is the slice of the chat dispatcher the REST surface consumes.
type chatService interface {
	ListConversations(ctx context.Context, identity models.Identity) ([]models.ConversationSummary, error)
	ListMessages(ctx context.Context, identity models.Identity, conversationID, limit, offset int) ([]models.Message, error)
	StartDirect(ctx context.Context, caller, recipient models.Identity) (models.Conversation, error)
	CreateGroup(ctx context.Context, creator models.Identity, title string, members []models.Identity) (models.Conversation, error)
}

// ConversationHandler serves the read/bootstrap REST surface over the same
// store the dispatcher writes to.
type ConversationHandler struct {
	chats chatService
	audit *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(chats chatService, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{chats: chats, audit: audit}
}

// ListConversations returns the caller's conversation summaries with unread
// counters.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	conversations, err := h.chats.ListConversations(c.Request.Context(), identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// ListMessages returns one page of a conversation the caller belongs to,
// oldest first.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	msgs, err := h.chats.ListMessages(c.Request.Context(), identity, conversationID, limit, offset)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, chat.ErrNotParticipant):
			status = http.StatusForbidden
		case errors.Is(err, repositories.ErrConversationNotFound):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// StartDirect finds or creates the direct conversation with a recipient.
func (h *ConversationHandler) StartDirect(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req struct {
		RecipientID   string                 `json:"recipient_id" binding:"required"`
		RecipientType models.ParticipantType `json:"recipient_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RecipientID == identity.UserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start conversation with yourself"})
		return
	}
	if !req.RecipientType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown recipient type"})
		return
	}

	conv, err := h.chats.StartDirect(c.Request.Context(), identity, models.Identity{UserID: req.RecipientID, Type: req.RecipientType})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conv.ID})
}

// CreateGroup provisions a group conversation, e.g. a company-wide room. The
// creator is always included as a member.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req struct {
		Title   string `json:"title" binding:"required"`
		Members []struct {
			UserID          string                 `json:"user_id" binding:"required"`
			ParticipantType models.ParticipantType `json:"participant_type" binding:"required"`
		} `json:"members" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	members := make([]models.Identity, 0, len(req.Members))
	for _, m := range req.Members {
		if !m.ParticipantType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown participant type"})
			return
		}
		members = append(members, models.Identity{UserID: m.UserID, Type: m.ParticipantType})
	}

	conv, err := h.chats.CreateGroup(c.Request.Context(), identity, req.Title, members)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create group"})
		return
	}

	h.emitAudit(c, "INFO", "Group conversation provisioned")
	c.JSON(http.StatusCreated, gin.H{"conversation_id": conv.ID})
}

func (h *ConversationHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	userID := ""
	if identity, ok := identityFromContext(c); ok {
		userID = identity.UserID
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userID)
}
