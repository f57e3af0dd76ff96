package models

import (
	"errors"
	"strings"
)

var (
	ErrValidation     = errors.New("invalid request")
	ErrUnauthorized   = errors.New("operation not permitted")
	ErrNotFound       = errors.New("message not found")
	ErrBlocked        = errors.New("peer blocked")
	ErrTransientStore = errors.New("store unavailable")
	ErrSendFailed     = errors.New("failed to send message")
)

// Public error codes sent to clients.
const (
	CodeInvalid    = "invalid_request"
	CodeForbidden  = "forbidden"
	CodeSendFailed = "send_failed"
	CodeInternal   = "internal"
)

// PublicError maps an internal error to what the originating client may see.
// Not-found and unauthorized collapse into one answer so callers cannot probe
// for message existence, and blocks are reported as a plain send failure.
func PublicError(err error) (code, message string) {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeInvalid, validationDetail(err)
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotFound):
		return CodeForbidden, ErrUnauthorized.Error()
	case errors.Is(err, ErrBlocked), errors.Is(err, ErrSendFailed), errors.Is(err, ErrTransientStore):
		return CodeSendFailed, ErrSendFailed.Error()
	}
	return CodeInternal, "internal server error"
}

func validationDetail(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ErrValidation.Error()+": "); i >= 0 {
		return msg[i+len(ErrValidation.Error())+2:]
	}
	return ErrValidation.Error()
}
