package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/novachat/internal/directory"
	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/pkg/i18n"
)

func language(c *gin.Context) string {
	return i18n.FromAcceptLanguage(c.GetHeader("Accept-Language"))
}

// abortWithError writes {"error": message} translated for the caller.
func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": i18n.Translate(language(c), message)})
}

// respondError maps a service error to a status code and client-safe message.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, directory.ErrUserNotFound) {
		abortWithError(c, http.StatusNotFound, directory.ErrUserNotFound.Error())
		return
	}

	code, message := models.PublicError(err)
	status := http.StatusInternalServerError
	switch code {
	case models.CodeInvalid:
		status = http.StatusBadRequest
	case models.CodeForbidden:
		status = http.StatusForbidden
	case models.CodeSendFailed:
		status = http.StatusUnprocessableEntity
		if errors.Is(err, models.ErrTransientStore) {
			status = http.StatusServiceUnavailable
		}
	}
	if status >= http.StatusInternalServerError {
		c.Error(err)
	}
	abortWithError(c, status, message)
}

func currentUserID(c *gin.Context) (int, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		abortWithError(c, http.StatusUnauthorized, "unauthorized")
		return 0, false
	}
	return userID.(int), true
}

func idParam(c *gin.Context, name, message string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		abortWithError(c, http.StatusBadRequest, message)
		return 0, false
	}
	return id, true
}
