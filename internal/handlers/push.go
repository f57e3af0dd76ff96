package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/push"
)

// PushHandler manages Web Push subscriptions. A nil notifier means push is
// not configured.
type PushHandler struct {
	notifier *push.Notifier
}

func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

func (h *PushHandler) GetVAPIDKey(c *gin.Context) {
	if !h.notifier.Enabled() {
		abortWithError(c, http.StatusNotFound, "push notifications are disabled")
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.notifier.VAPIDPublicKey()})
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Subscribe accepts the browser's PushSubscription JSON as is.
func (h *PushHandler) Subscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if !h.notifier.Enabled() {
		abortWithError(c, http.StatusNotFound, "push notifications are disabled")
		return
	}

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	err := h.notifier.Subscribe(c.Request.Context(), userID, models.PushSubscription{
		Endpoint:  req.Endpoint,
		KeyP256dh: req.Keys.P256dh,
		KeyAuth:   req.Keys.Auth,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *PushHandler) Unsubscribe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.notifier.Unsubscribe(c.Request.Context(), userID, req.Endpoint); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
