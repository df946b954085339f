// Package handlers exposes the support chat over REST:
//
//	POST   /rooms                    open a room (customer)
//	GET    /rooms                    list rooms (filters, sort, paging, ETag)
//	GET    /rooms/{id}               room snapshot
//	POST   /rooms/{id}/assign        assign an agent
//	POST   /rooms/{id}/close         close the room
//	PUT    /rooms/{id}/tags          replace tags (agent)
//	PUT    /rooms/{id}/priority      change priority (agent)
//	GET    /rooms/{id}/messages      page through the log (ETag)
//	POST   /rooms/{id}/messages      send a message (Idempotency-Key)
//	GET    /rooms/{id}/messages/{mid}
//	POST   /rooms/{id}/read          mark the counterpart's messages read
//	POST   /rooms/{id}/system        post a system notice (agent)
//	POST   /rooms/{id}/typing        start typing
//	DELETE /rooms/{id}/typing        stop typing
//	GET    /rooms/{id}/typing        who is typing
//
// Handlers are transport-thin: they decode input, resolve the caller set
// by middleware.Identity, call ChatService and translate the result.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/http/middleware"
	"github.com/tbourn/support-chat/internal/services"
)

// ChatService is the subset of *services.ChatService the handlers use.
type ChatService interface {
	CreateRoom(ctx context.Context, caller domain.Identity, req services.CreateRoomRequest) (*domain.Room, error)
	GetRoom(ctx context.Context, caller domain.Identity, roomID string) (*domain.Room, error)
	ListRooms(ctx context.Context, caller domain.Identity, req services.ListRoomsRequest) (domain.Page[domain.Room], error)
	RoomsStats(ctx context.Context, caller domain.Identity, f domain.RoomFilter) (int64, *time.Time, error)
	AssignAgent(ctx context.Context, caller domain.Identity, roomID string, req services.AssignRequest) (*domain.Room, error)
	CloseRoom(ctx context.Context, caller domain.Identity, roomID string) (*domain.Room, error)
	SetTags(ctx context.Context, caller domain.Identity, roomID string, tags []string) (*domain.Room, error)
	SetPriority(ctx context.Context, caller domain.Identity, roomID, priority string) (*domain.Room, error)

	SendMessage(ctx context.Context, caller domain.Identity, roomID string, req services.SendMessageRequest) (*domain.Message, *domain.Room, error)
	PostSystemMessage(ctx context.Context, caller domain.Identity, roomID string, req services.SystemMessageRequest) (*domain.Message, error)
	ListMessages(ctx context.Context, caller domain.Identity, roomID string, page, pageSize int) (domain.Page[domain.Message], error)
	MessagesStats(ctx context.Context, caller domain.Identity, roomID string) (count, lastSeq, read int64, err error)
	GetMessage(ctx context.Context, caller domain.Identity, roomID, messageID string) (*domain.Message, error)
	MarkAllRead(ctx context.Context, caller domain.Identity, roomID string) (*domain.Room, error)

	StartTyping(ctx context.Context, caller domain.Identity, roomID string) (domain.TypingIndicator, error)
	StopTyping(ctx context.Context, caller domain.Identity, roomID string) error
	ListTyping(ctx context.Context, caller domain.Identity, roomID string) ([]domain.TypingIndicator, error)
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	svc ChatService
}

// New binds the handlers to svc.
func New(svc ChatService) *Handlers {
	return &Handlers{svc: svc}
}

// caller returns the identity set by middleware.Identity, aborting with 401
// when it is missing.
func caller(c *gin.Context) (domain.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing caller identity")
	}
	return id, ok
}

// bindJSON decodes the body into dst. An empty body leaves dst untouched
// when optional is set.
func bindJSON(c *gin.Context, dst any, optional bool) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
	return false
}

// queryBool accepts the strconv.ParseBool forms; anything else is false.
func queryBool(c *gin.Context, name string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(c.Query(name)))
	return b
}

// writeETag sets etag and reports whether the client already has it.
func writeETag(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
