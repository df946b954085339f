// Typing indicator handlers. Indicators are ephemeral; clients re-send
// POST while the user keeps typing and the server expires silent ones.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/support-chat/internal/domain"
)

// TypingResponse lists the live indicators of a room.
type TypingResponse struct {
	Typing []domain.TypingIndicator `json:"typing"`
}

// StartTyping marks the caller as typing.
func (h *Handlers) StartTyping(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	ind, err := h.svc.StartTyping(c.Request.Context(), id, c.Param("id"))
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, ind)
}

// StopTyping clears the caller's indicator.
func (h *Handlers) StopTyping(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	if err := h.svc.StopTyping(c.Request.Context(), id, c.Param("id")); err != nil {
		serviceError(c, err)
		return
	}
	noContent(c)
}

// ListTyping returns who is typing right now.
func (h *Handlers) ListTyping(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	list, err := h.svc.ListTyping(c.Request.Context(), id, c.Param("id"))
	if err != nil {
		serviceError(c, err)
		return
	}
	if list == nil {
		list = []domain.TypingIndicator{}
	}
	ok(c, http.StatusOK, TypingResponse{Typing: list})
}
