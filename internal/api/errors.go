// Package api maps plugin host errors onto HTTP responses.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skydeck-app/skydeck/internal/pluginhost"
)

// Stable error codes carried in API error responses.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeNotFound        = "not_found"
	CodeDuplicateID     = "duplicate_id"
	CodeSandboxDenied   = "sandbox_denied"
	CodeConsentRejected = "consent_rejected"
	CodePluginDisabled  = "plugin_disabled"
	CodeRollbackFailed  = "rollback_failed"
	CodeIconUnreadable  = "icon_unreadable"
	CodeInternal        = "internal_error"
)

// ErrorResponse is the envelope for every API error.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   ErrorDetails `json:"error"`
}

// ErrorDetails pairs a machine-readable code with the error message.
type ErrorDetails struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusForError maps a plugin host error onto an HTTP status and error
// code. Errors outside the host's taxonomy are internal errors.
func StatusForError(err error) (int, string) {
	var sandboxErr *pluginhost.SandboxDeniedError
	var rollbackErr *pluginhost.RollbackError
	switch {
	case pluginhost.IsValidation(err):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, pluginhost.ErrPluginNotFound):
		return http.StatusNotFound, CodeNotFound
	case pluginhost.IsDuplicateID(err):
		return http.StatusConflict, CodeDuplicateID
	case errors.As(err, &sandboxErr):
		return http.StatusForbidden, CodeSandboxDenied
	case errors.Is(err, pluginhost.ErrConsentRejected):
		return http.StatusForbidden, CodeConsentRejected
	case errors.Is(err, pluginhost.ErrPluginDisabled):
		return http.StatusConflict, CodePluginDisabled
	case errors.As(err, &rollbackErr):
		return http.StatusInternalServerError, CodeRollbackFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes the standard error envelope for err.
func RespondWithError(c *gin.Context, err error) {
	status, code := StatusForError(err)
	c.JSON(status, ErrorResponse{
		Success: false,
		Error:   ErrorDetails{Code: code, Message: err.Error()},
	})
}

// RespondNotFound writes a not-found envelope with a custom message for
// lookups that miss on something other than a plugin id.
func RespondNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Success: false,
		Error:   ErrorDetails{Code: CodeNotFound, Message: message},
	})
}
