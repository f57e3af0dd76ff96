package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/novachat/internal/auth"
)

type AuthHandler struct {
	authSvc *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token    string `json:"token"`
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
}

// Register creates a new user account
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	username := strings.TrimSpace(req.Username)
	userID, err := h.authSvc.Register(c.Request.Context(), username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		respondError(c, err)
		return
	}

	token, err := h.authSvc.GenerateToken(userID, username)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to generate token")
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{
		Token:    token,
		UserID:   userID,
		Username: username,
	})
}

// Login authenticates a user and returns a token
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request")
		return
	}

	token, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		abortWithError(c, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	claims, err := h.authSvc.ValidateToken(token)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		Token:    token,
		UserID:   claims.UserID,
		Username: claims.Username,
	})
}

// AuthMiddleware resolves the bearer token to a user. The token may also be
// passed as ?token= because browsers cannot set headers on websocket
// upgrades.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			abortWithError(c, http.StatusUnauthorized, "missing authorization token")
			return
		}

		userID, err := h.authSvc.Authenticate(c.Request.Context(), token)
		if errors.Is(err, auth.ErrInvalidToken) {
			abortWithError(c, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
			return
		}
		if err != nil {
			c.Error(err)
			abortWithError(c, http.StatusInternalServerError, "failed to validate user")
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}
