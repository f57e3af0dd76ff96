package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/novachat/internal/directory"
	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/presence"
)

type UserHandler struct {
	dir      *directory.Directory
	presence *presence.Tracker
}

func NewUserHandler(dir *directory.Directory, tracker *presence.Tracker) *UserHandler {
	return &UserHandler{dir: dir, presence: tracker}
}

// view prepares u for viewerID: presence follows u's privacy settings and
// the settings themselves are only shown to their owner.
func (h *UserHandler) view(ctx context.Context, viewerID int, u *models.User) *models.User {
	out := *u
	out.Online = false
	out.LastSeen = nil
	if viewerID != u.ID {
		out.Privacy = models.Privacy{}
	}
	if p, err := h.presence.Snapshot(ctx, viewerID, u.ID); err == nil {
		out.Online = p.Online
		out.LastSeen = p.LastSeen
	}
	return &out
}

func (h *UserHandler) viewAll(ctx context.Context, viewerID int, users []*models.User) []*models.User {
	out := make([]*models.User, 0, len(users))
	for _, u := range users {
		out = append(out, h.view(ctx, viewerID, u))
	}
	return out
}

// GetUsers searches users by username or display name.
func (h *UserHandler) GetUsers(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	users, err := h.dir.Search(c.Request.Context(), userID, c.Query("q"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"users": h.viewAll(c.Request.Context(), userID, users)})
}

func (h *UserHandler) GetUserProfile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	u, err := h.dir.UserByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		respondError(c, err)
		return
	}

	blocked, err := h.dir.IsBlockedEither(c.Request.Context(), userID, u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if blocked {
		abortWithError(c, http.StatusNotFound, directory.ErrUserNotFound.Error())
		return
	}

	c.JSON(http.StatusOK, h.view(c.Request.Context(), userID, u))
}

func (h *UserHandler) GetMyProfile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	u, err := h.dir.User(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.view(c.Request.Context(), userID, u))
}

type UpdateProfileRequest struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

func (h *UserHandler) UpdateProfile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.dir.UpdateProfile(c.Request.Context(), userID, req.DisplayName, req.AvatarURL); err != nil {
		c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "failed to update profile")
		return
	}

	h.GetMyProfile(c)
}

func (h *UserHandler) GetPrivacy(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	p, err := h.dir.Privacy(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type UpdatePrivacyRequest struct {
	LastSeen     *models.Visibility `json:"last_seen"`
	ReadReceipts *bool              `json:"read_receipts"`
}

// UpdatePrivacy changes the fields present in the body and keeps the rest.
func (h *UserHandler) UpdatePrivacy(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req UpdatePrivacyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	p, err := h.dir.Privacy(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.LastSeen != nil {
		p.LastSeen = *req.LastSeen
	}
	if req.ReadReceipts != nil {
		p.ReadReceipts = *req.ReadReceipts
	}

	if err := h.dir.SetPrivacy(c.Request.Context(), userID, p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type UserIDRequest struct {
	UserID int `json:"user_id" binding:"required"`
}

func (h *UserHandler) GetContacts(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	contacts, err := h.dir.ContactList(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": h.viewAll(c.Request.Context(), userID, contacts)})
}

func (h *UserHandler) AddContact(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req UserIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.dir.AddContact(c.Request.Context(), userID, req.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *UserHandler) RemoveContact(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	contactID, ok := idParam(c, "id", "invalid user_id")
	if !ok {
		return
	}

	if err := h.dir.RemoveContact(c.Request.Context(), userID, contactID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *UserHandler) GetBlocked(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	blocked, err := h.dir.Blocked(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": blocked})
}

func (h *UserHandler) Block(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req UserIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.dir.Block(c.Request.Context(), userID, req.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *UserHandler) Unblock(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	blockedID, ok := idParam(c, "id", "invalid user_id")
	if !ok {
		return
	}

	if err := h.dir.Unblock(c.Request.Context(), userID, blockedID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
