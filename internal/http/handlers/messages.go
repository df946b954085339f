// Message HTTP handlers.
//
// Sends honor Idempotency-Key: a repeated key from the same caller in the
// same room returns the first message with 200 and
// Idempotency-Replayed: true instead of appending again.

package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/http/middleware"
	"github.com/tbourn/support-chat/internal/services"
	"github.com/tbourn/support-chat/internal/utils"
)

// SendMessageResponse carries the stored message and the room after it.
type SendMessageResponse struct {
	Message *domain.Message `json:"message"`
	Room    *domain.Room    `json:"room"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *domain.Message `json:"message"`
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent converts CRLF and CR to LF, collapses blank-line runs
// and trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// SendMessage appends the caller's message to the room.
func (h *Handlers) SendMessage(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	var req services.SendMessageRequest
	if !bindJSON(c, &req, false) {
		return
	}
	req.Content = sanitizeContent(req.Content)
	if key, found := middleware.GetIdempotencyKey(c); found {
		req.IdempotencyKey = key
	}

	m, room, err := h.svc.SendMessage(c.Request.Context(), id, c.Param("id"), req)
	if err != nil {
		serviceError(c, err)
		return
	}
	if middleware.IsReplay(c) {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, SendMessageResponse{Message: m, Room: room})
		return
	}
	ok(c, http.StatusCreated, SendMessageResponse{Message: m, Room: room})
}

// PostSystemMessage records an automated notice; allowed on closed rooms.
func (h *Handlers) PostSystemMessage(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	var req services.SystemMessageRequest
	if !bindJSON(c, &req, false) {
		return
	}
	req.Content = sanitizeContent(req.Content)

	m, err := h.svc.PostSystemMessage(c.Request.Context(), id, c.Param("id"), req)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusCreated, MessageResponse{Message: m})
}

// ListMessages pages through the room's log in send order. The weak ETag
// changes on every append and every read receipt.
func (h *Handlers) ListMessages(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	ctx := c.Request.Context()
	roomID := c.Param("id")

	count, lastSeq, read, err := h.svc.MessagesStats(ctx, id, roomID)
	if err != nil {
		serviceError(c, err)
		return
	}
	if writeETag(c, fmt.Sprintf(`W/"messages:%s:%d:%d:%d"`, roomID, count, lastSeq, read)) {
		return
	}

	page, pageSize := utils.PageParams(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
	res, err := h.svc.ListMessages(ctx, id, roomID, page, pageSize)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// GetMessage returns one message of the room.
func (h *Handlers) GetMessage(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	m, err := h.svc.GetMessage(c.Request.Context(), id, c.Param("id"), c.Param("mid"))
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: m})
}
