// Response helpers. Every error is written as an
// ErrorResponse with a stable code; serviceError maps service errors onto
// statuses so individual handlers never switch on them.
//
//	HTTP/1.1 400 Bad Request
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "validation_failed",
//	  "field": "subject",
//	  "message": "invalid subject: required"
//	}

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/support-chat/internal/http/middleware"
	"github.com/tbourn/support-chat/internal/services"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors.
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go).
	Code string `json:"code"`
	// Field names the offending input for validation errors.
	Field string `json:"field,omitempty"`
	// Human-readable message, safe to show to users.
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, resp ErrorResponse) {
	resp.RequestID = c.Writer.Header().Get("X-Request-ID")
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", resp.Code).
			Str("message", resp.Message).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

// fail aborts the request with a structured error. 5xx responses are
// logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	abort(c, status, ErrorResponse{Code: code, Message: msg})
}

// Fail is the exported variant of fail for the router.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// serviceError translates a ChatService error into a response.
func serviceError(c *gin.Context, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		abort(c, http.StatusBadRequest, ErrorResponse{Code: ErrCodeValidation, Field: verr.Field, Message: verr.Error()})
	case errors.Is(err, services.ErrRoomNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "room not found")
	case errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
	case errors.Is(err, services.ErrRoomClosed):
		fail(c, http.StatusConflict, ErrCodeRoomClosed, "room is closed")
	case errors.Is(err, services.ErrConcurrency):
		fail(c, http.StatusConflict, ErrCodeConflict, "room was modified concurrently, retry")
	case errors.Is(err, services.ErrUnauthorized):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, ErrCodeTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the body.
		c.AbortWithStatus(499)
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
