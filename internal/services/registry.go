// Package services – RoomRegistry
//
// This file implements the RoomRegistry, which owns Room entities and the
// room state machine:
//
//	waiting --assign / first agent reply--> active
//	waiting, active --close--> closed (terminal)
//
// Every mutation runs under the room's lock inside a single transaction, so
// a transition and its side effects (unread counters, initial message) are
// observed together or not at all.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/observability"
	"github.com/tbourn/support-chat/internal/repo"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// RoomGuard is evaluated under the room lock before a mutation is applied.
// Returning an error aborts the mutation with no effect.
type RoomGuard func(r *domain.Room) error

// NewRoom carries the inputs of RoomRegistry.Create.
type NewRoom struct {
	CustomerID     string
	CustomerName   string
	CustomerEmail  string
	Subject        string
	Priority       domain.Priority
	OrderID        string
	Tags           []string
	InitialMessage string
}

// RoomRegistry owns Room entities and enforces the room state machine.
type RoomRegistry struct {
	roomCore

	// MaxContentRunes caps InitialMessage length; 0 means unlimited.
	MaxContentRunes int
}

// NewRoomRegistry constructs a RoomRegistry. A nil publisher drops events.
func NewRoomRegistry(db *gorm.DB, locks *RoomLocks, events Publisher) *RoomRegistry {
	if locks == nil {
		locks = NewRoomLocks()
	}
	return &RoomRegistry{
		roomCore:        roomCore{DB: db, Locks: locks, Events: events},
		MaxContentRunes: 4000,
	}
}

// Create opens a room in the waiting state. When InitialMessage is set it
// becomes the first customer message and the room starts with one unread
// message.
func (s *RoomRegistry) Create(ctx context.Context, in NewRoom) (*domain.Room, error) {
	tr := otel.Tracer("services/RoomRegistry")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(attribute.String("customer.id", in.CustomerID)),
	)
	defer span.End()

	if strings.TrimSpace(in.CustomerID) == "" {
		return nil, invalid("customer_id", "required")
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, invalid("subject", "required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, invalid("priority", "must be one of low, medium, high, urgent")
	}
	text := strings.TrimSpace(in.InitialMessage)
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(text) > s.MaxContentRunes {
		return nil, invalid("initial_message", "too long")
	}

	now := s.now()
	room := &domain.Room{
		ID:            uuid.NewString(),
		CustomerID:    in.CustomerID,
		CustomerName:  in.CustomerName,
		CustomerEmail: in.CustomerEmail,
		OrderID:       in.OrderID,
		Status:        domain.StatusWaiting,
		Priority:      in.Priority,
		Subject:       strings.TrimSpace(in.Subject),
		Tags:          domain.NormalizeTags(in.Tags),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var first *domain.Message
	if text != "" {
		first = &domain.Message{
			ID:         uuid.NewString(),
			RoomID:     room.ID,
			Seq:        1,
			SenderID:   in.CustomerID,
			SenderName: in.CustomerName,
			SenderRole: domain.RoleCustomer,
			Content:    text,
			Kind:       domain.KindText,
			CreatedAt:  now,
		}
		room.LastSeq = 1
		room.LastMessageAt = &now
		room.UnreadCount = 1
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateRoom(ctx, tx, room); err != nil {
			return err
		}
		if first != nil {
			return repo.InsertMessage(ctx, tx, first)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.RoomsCreated.Inc()
	events := []domain.Event{{Type: domain.EventRoomCreated}}
	if first != nil {
		observability.MessagesAppended.WithLabelValues(string(domain.RoleCustomer)).Inc()
		events = append(events, domain.Event{Type: domain.EventMessageSent, Msg: first})
	}
	s.publish(room, now, events)
	return room, nil
}

// Get returns the room or ErrRoomNotFound.
func (s *RoomRegistry) Get(ctx context.Context, roomID string) (*domain.Room, error) {
	tr := otel.Tracer("services/RoomRegistry")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	r, err := repo.GetRoom(ctx, s.DB, roomID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return r, err
}

// Assign puts agentID on the room. A waiting room becomes active; an active
// room is handed over to the new agent. Assigning the current agent again
// changes nothing.
func (s *RoomRegistry) Assign(ctx context.Context, roomID, agentID, agentName string) (*domain.Room, error) {
	tr := otel.Tracer("services/RoomRegistry")
	ctx, span := tr.Start(ctx, "Assign",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.String("agent.id", agentID),
		),
	)
	defer span.End()

	if strings.TrimSpace(agentID) == "" {
		return nil, invalid("agent_id", "required")
	}

	var from domain.RoomStatus
	r, err := s.mutate(ctx, roomID, func(t *roomTx, r *domain.Room) error {
		from = r.Status
		if r.IsClosed() {
			return ErrRoomClosed
		}
		if r.Status == domain.StatusActive && r.AssignedAgentID == agentID && r.AssignedAgentName == agentName {
			return nil
		}
		if err := r.Assign(agentID, agentName, t.now); err != nil {
			return ErrRoomClosed
		}
		t.save = true
		t.emit(domain.Event{Type: domain.EventRoomAssigned})
		return nil
	})
	if err != nil {
		return nil, err
	}
	countTransition(from, r.Status)
	return r, nil
}

// Close moves the room to its terminal state. Closing a closed room fails
// with ErrRoomClosed.
func (s *RoomRegistry) Close(ctx context.Context, roomID string, guard RoomGuard) (*domain.Room, error) {
	tr := otel.Tracer("services/RoomRegistry")
	ctx, span := tr.Start(ctx, "Close", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	var from domain.RoomStatus
	r, err := s.mutate(ctx, roomID, func(t *roomTx, r *domain.Room) error {
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		from = r.Status
		if err := r.Close(t.now); err != nil {
			return ErrRoomClosed
		}
		t.save = true
		t.emit(domain.Event{Type: domain.EventRoomClosed})
		return nil
	})
	if err != nil {
		return nil, err
	}
	countTransition(from, r.Status)
	return r, nil
}

// SetTags replaces the room's tag set with the normalized form of tags.
func (s *RoomRegistry) SetTags(ctx context.Context, roomID string, tags []string) (*domain.Room, error) {
	tr := otel.Tracer("services/RoomRegistry")
	ctx, span := tr.Start(ctx, "SetTags", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	norm := domain.NormalizeTags(tags)
	return s.mutate(ctx, roomID, func(t *roomTx, r *domain.Room) error {
		if r.IsClosed() {
			return ErrRoomClosed
		}
		if equalTags(r.Tags, norm) {
			return nil
		}
		r.Tags = norm
		r.UpdatedAt = t.now
		t.save = true
		t.emit(domain.Event{Type: domain.EventRoomUpdated})
		return nil
	})
}

// SetPriority changes the room's triage level.
func (s *RoomRegistry) SetPriority(ctx context.Context, roomID string, p domain.Priority) (*domain.Room, error) {
	tr := otel.Tracer("services/RoomRegistry")
	ctx, span := tr.Start(ctx, "SetPriority",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.String("priority", string(p)),
		),
	)
	defer span.End()

	if !p.Valid() {
		return nil, invalid("priority", "must be one of low, medium, high, urgent")
	}
	return s.mutate(ctx, roomID, func(t *roomTx, r *domain.Room) error {
		if r.IsClosed() {
			return ErrRoomClosed
		}
		if r.Priority == p {
			return nil
		}
		r.Priority = p
		r.UpdatedAt = t.now
		t.save = true
		t.emit(domain.Event{Type: domain.EventRoomUpdated})
		return nil
	})
}

// List returns one page of rooms. page is 1-based; pageSize defaults to 20
// and is capped at 100. Listing never takes room locks.
func (s *RoomRegistry) List(ctx context.Context, f domain.RoomFilter, sort domain.RoomSort, page, pageSize int) (domain.Page[domain.Room], error) {
	tr := otel.Tracer("services/RoomRegistry")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
			attribute.String("sort", string(sort.Field)),
		),
	)
	defer span.End()

	if sort.Field == "" {
		sort.Field = domain.SortUpdatedAt
	}
	if !sort.Field.Valid() {
		return domain.Page[domain.Room]{}, invalid("sort", "unknown sort key")
	}
	if f.Status != "" && !f.Status.Valid() {
		return domain.Page[domain.Room]{}, invalid("status", "unknown status")
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return domain.Page[domain.Room]{}, invalid("priority", "unknown priority")
	}
	page, pageSize = normalizePage(page, pageSize)

	items, total, err := repo.ListRoomsPage(ctx, s.DB, f, sort, (page-1)*pageSize, pageSize)
	if err != nil {
		return domain.Page[domain.Room]{}, err
	}
	return domain.NewPage(items, page, pageSize, total), nil
}

// OnAgentReply activates a waiting room when an agent posts in it. An
// unassigned room is assigned to the replying agent. It runs inside the
// append's lock and transaction and reports whether the status changed.
func (s *RoomRegistry) OnAgentReply(r *domain.Room, agentID, agentName string, now time.Time) (bool, error) {
	if r.Status != domain.StatusWaiting {
		return false, nil
	}
	if r.AssignedAgentID == "" {
		if err := r.Assign(agentID, agentName, now); err != nil {
			return false, ErrRoomClosed
		}
		return true, nil
	}
	changed, err := r.Activate(now)
	if err != nil {
		return false, ErrRoomClosed
	}
	return changed, nil
}

func countTransition(from, to domain.RoomStatus) {
	if from != "" && from != to {
		observability.RoomTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
