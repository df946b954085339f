// Room HTTP handlers.

package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/services"
	"github.com/tbourn/support-chat/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateRoomResponse wraps the new room.
type CreateRoomResponse struct {
	Room *domain.Room `json:"room"`
}

// SetTagsRequest replaces a room's tag set.
type SetTagsRequest struct {
	Tags []string `json:"tags"`
}

// SetPriorityRequest changes a room's priority.
type SetPriorityRequest struct {
	Priority string `json:"priority"`
}

// CreateRoom opens a room for the calling customer.
func (h *Handlers) CreateRoom(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	var req services.CreateRoomRequest
	if !bindJSON(c, &req, false) {
		return
	}
	req.InitialMessage = sanitizeContent(req.InitialMessage)

	room, err := h.svc.CreateRoom(c.Request.Context(), id, req)
	if err != nil {
		serviceError(c, err)
		return
	}
	c.Header("Location", c.FullPath()+"/"+room.ID)
	ok(c, http.StatusCreated, CreateRoomResponse{Room: room})
}

// roomsQuery reads the listing filters:
//
//	status, priority, agent, customer, order, q, unread, sort,
//	page, page_size
//
// sort is a field name with an optional ":asc" or ":desc" suffix.
func roomsQuery(c *gin.Context) services.ListRoomsRequest {
	f := domain.RoomFilter{
		Status:          domain.RoomStatus(strings.ToLower(strings.TrimSpace(c.Query("status")))),
		Priority:        domain.Priority(strings.ToLower(strings.TrimSpace(c.Query("priority")))),
		AssignedAgentID: strings.TrimSpace(c.Query("agent")),
		CustomerID:      strings.TrimSpace(c.Query("customer")),
		OrderID:         strings.TrimSpace(c.Query("order")),
		Text:            strings.TrimSpace(c.Query("q")),
		UnreadOnly:      queryBool(c, "unread"),
	}
	var sort domain.RoomSort
	if raw := strings.TrimSpace(c.Query("sort")); raw != "" {
		field, dir, _ := strings.Cut(raw, ":")
		sort.Field = domain.SortField(strings.ToLower(field))
		sort.Asc = strings.EqualFold(dir, "asc")
	}
	page, pageSize := utils.PageParams(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
	return services.ListRoomsRequest{Filter: f, Sort: sort, Page: page, PageSize: pageSize}
}

// ListRooms pages through the rooms the caller can see. The weak ETag
// covers row count and newest update of the filtered set.
func (h *Handlers) ListRooms(c *gin.Context) {
	id, authed := caller(c)
	if !authed {
		return
	}
	ctx := c.Request.Context()
	req := roomsQuery(c)

	// Best effort: a stats failure only skips the conditional response.
	if count, maxTS, err := h.svc.RoomsStats(ctx, id, req.Filter); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		if writeETag(c, fmt.Sprintf(`W/"rooms:%d:%d"`, count, ts)) {
			return
		}
	}

	page, err := h.svc.ListRooms(ctx, id, req)
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, page)
}

// GetRoom returns a room snapshot.
func (h *Handlers) GetRoom(c *gin.Context) {
	h.roomOp(c, func(id domain.Identity, roomID string) (*domain.Room, error) {
		return h.svc.GetRoom(c.Request.Context(), id, roomID)
	})
}

// AssignAgent assigns the agent named in the body, or the caller when the
// body is empty.
func (h *Handlers) AssignAgent(c *gin.Context) {
	var req services.AssignRequest
	if !bindJSON(c, &req, true) {
		return
	}
	h.roomOp(c, func(id domain.Identity, roomID string) (*domain.Room, error) {
		return h.svc.AssignAgent(c.Request.Context(), id, roomID, req)
	})
}

// CloseRoom moves the room to its terminal state.
func (h *Handlers) CloseRoom(c *gin.Context) {
	h.roomOp(c, func(id domain.Identity, roomID string) (*domain.Room, error) {
		return h.svc.CloseRoom(c.Request.Context(), id, roomID)
	})
}

// SetTags replaces the room's tags.
func (h *Handlers) SetTags(c *gin.Context) {
	var req SetTagsRequest
	if !bindJSON(c, &req, false) {
		return
	}
	h.roomOp(c, func(id domain.Identity, roomID string) (*domain.Room, error) {
		return h.svc.SetTags(c.Request.Context(), id, roomID, req.Tags)
	})
}

// SetPriority changes the room's priority.
func (h *Handlers) SetPriority(c *gin.Context) {
	var req SetPriorityRequest
	if !bindJSON(c, &req, false) {
		return
	}
	h.roomOp(c, func(id domain.Identity, roomID string) (*domain.Room, error) {
		return h.svc.SetPriority(c.Request.Context(), id, roomID, req.Priority)
	})
}

// MarkRead marks the counterpart's messages read for the caller's side.
func (h *Handlers) MarkRead(c *gin.Context) {
	h.roomOp(c, func(id domain.Identity, roomID string) (*domain.Room, error) {
		return h.svc.MarkAllRead(c.Request.Context(), id, roomID)
	})
}

// roomOp runs a room-returning operation and writes the room as 200.
func (h *Handlers) roomOp(c *gin.Context, op func(id domain.Identity, roomID string) (*domain.Room, error)) {
	id, authed := caller(c)
	if !authed {
		return
	}
	room, err := op(id, c.Param("id"))
	if err != nil {
		serviceError(c, err)
		return
	}
	ok(c, http.StatusOK, room)
}
