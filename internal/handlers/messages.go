package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/novachat/internal/delivery"
	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/presence"
	"github.com/4xmen/novachat/internal/receipts"
	"github.com/4xmen/novachat/internal/store"
)

type MessageHandler struct {
	router   *delivery.Router
	receipts *receipts.Processor
	store    *store.Store
	presence *presence.Tracker
}

func NewMessageHandler(router *delivery.Router, processor *receipts.Processor, st *store.Store, tracker *presence.Tracker) *MessageHandler {
	return &MessageHandler{router: router, receipts: processor, store: st, presence: tracker}
}

// GetConversation returns one page of history with another user. Fetching
// history also counts as delivery of any pending inbound messages.
func (h *MessageHandler) GetConversation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	otherUserIDStr := c.Query("user_id")
	if otherUserIDStr == "" {
		abortWithError(c, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	otherUserID, err := strconv.Atoi(otherUserIDStr)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid user_id")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(store.DefaultPageSize)))
	beforeID, _ := strconv.Atoi(c.Query("before_id"))

	page, err := h.router.History(c.Request.Context(), userID, otherUserID, store.Page{Limit: limit, BeforeID: beforeID})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

type ConversationPreview struct {
	store.Conversation
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// GetConversations lists everyone the user has exchanged visible messages
// with, newest first, with presence as the user may see it.
func (h *MessageHandler) GetConversations(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversations, err := h.store.Conversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	previews := make([]ConversationPreview, 0, len(conversations))
	for _, conv := range conversations {
		preview := ConversationPreview{Conversation: conv}
		if p, err := h.presence.Snapshot(c.Request.Context(), userID, conv.UserID); err == nil {
			preview.Online = p.Online
			preview.LastSeen = p.LastSeen
		}
		previews = append(previews, preview)
	}

	c.JSON(http.StatusOK, gin.H{"conversations": previews})
}

type SendMessageRequest struct {
	RecipientID     int     `json:"recipient_id" binding:"required"`
	Content         string  `json:"content"`
	MediaURL        *string `json:"media_url"`
	ClientMessageID string  `json:"client_message_id"`
}

// SendMessage is the REST twin of the send_message socket event.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	msg, err := h.router.Send(c.Request.Context(), delivery.SendRequest{
		SenderID:         userID,
		RecipientID:      req.RecipientID,
		Content:          req.Content,
		MediaURL:         req.MediaURL,
		CorrelationToken: req.ClientMessageID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.SentAckPayload{ClientMessageID: req.ClientMessageID, Message: msg})
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *MessageHandler) EditMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	messageID, ok := idParam(c, "id", "invalid message id")
	if !ok {
		return
	}

	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	msg, err := h.router.Edit(c.Request.Context(), userID, messageID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *MessageHandler) GetEdits(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	messageID, ok := idParam(c, "id", "invalid message id")
	if !ok {
		return
	}

	edits, err := h.store.Edits(c.Request.Context(), messageID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"edits": edits})
}

// DeleteMessage hides a message for the caller (?scope=self, the default)
// or removes it for both participants (?scope=everyone, sender only).
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	messageID, ok := idParam(c, "id", "invalid message id")
	if !ok {
		return
	}

	scope := models.DeleteScope(c.DefaultQuery("scope", string(models.DeleteForSelf)))
	if err := h.router.Delete(c.Request.Context(), userID, messageID, scope); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.DeletedPayload{MessageID: messageID, Scope: scope})
}

func (h *MessageHandler) MarkAsRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	messageID, ok := idParam(c, "id", "invalid message id")
	if !ok {
		return
	}

	if err := h.receipts.MarkRead(c.Request.Context(), userID, messageID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) MarkAsDelivered(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	messageID, ok := idParam(c, "id", "invalid message id")
	if !ok {
		return
	}

	if err := h.receipts.MarkDelivered(c.Request.Context(), userID, []int{messageID}); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type MarkReadBatchRequest struct {
	MessageIDs []int `json:"message_ids" binding:"required"`
}

// MarkReadBatch applies read receipts for many messages at once. Senders get
// one coalesced notice each.
func (h *MessageHandler) MarkReadBatch(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req MarkReadBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.MessageIDs) == 0 || len(req.MessageIDs) > receipts.MaxBatch {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.receipts.MarkReadBatch(c.Request.Context(), userID, req.MessageIDs); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
