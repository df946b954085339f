// Package services – MessageStore
//
// This file implements the MessageStore: an append-only, per-room ordered
// log with read/unread bookkeeping. Appends are serialized by the room lock;
// the sequence number, the store-assigned timestamp and the unread counter
// change in the same transaction as the inserted row.
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

// RoomLifecycle receives the room transitions implied by a message. It is
// called under the room lock, inside the append transaction.
type RoomLifecycle interface {
	OnAgentReply(r *domain.Room, agentID, agentName string, now time.Time) (bool, error)
}

// NewMessage carries the inputs of MessageStore.Append.
type NewMessage struct {
	SenderID   string
	SenderName string
	SenderRole domain.Role
	Content    string
	Kind       domain.MessageKind
	Metadata   *domain.MessageMetadata
}

// MessageStore owns every room's message log.
type MessageStore struct {
	roomCore

	// Lifecycle is told about agent replies so a waiting room can be
	// activated atomically with the append. Nil disables the hook.
	Lifecycle RoomLifecycle

	// MaxContentRunes caps message length; 0 means unlimited.
	MaxContentRunes int
}

// NewMessageStore constructs a MessageStore sharing locks and events with
// the registry.
func NewMessageStore(db *gorm.DB, locks *RoomLocks, events Publisher, lifecycle RoomLifecycle) *MessageStore {
	if locks == nil {
		locks = NewRoomLocks()
	}
	return &MessageStore{
		roomCore:        roomCore{DB: db, Locks: locks, Events: events},
		Lifecycle:       lifecycle,
		MaxContentRunes: 4000,
	}
}

// Append adds a message to the end of the room's log.
//
// Non-system messages require an open room. Customer messages raise the
// agent-facing unread counter, agent messages raise the customer-facing
// one, and the first agent message in a waiting room activates it. guard,
// when set, runs under the lock before anything is written.
func (s *MessageStore) Append(ctx context.Context, roomID string, in NewMessage, guard RoomGuard) (*domain.Message, *domain.Room, error) {
	return s.append(ctx, roomID, in, guard, nil)
}

func (s *MessageStore) append(ctx context.Context, roomID string, in NewMessage, guard RoomGuard, after func(tx *gorm.DB, m *domain.Message) error) (*domain.Message, *domain.Room, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "Append",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.String("sender.role", string(in.SenderRole)),
		),
	)
	defer span.End()

	if err := s.validate(&in); err != nil {
		return nil, nil, err
	}

	var (
		msg  *domain.Message
		from domain.RoomStatus
	)
	room, err := s.mutate(ctx, roomID, func(t *roomTx, r *domain.Room) error {
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		if r.IsClosed() && in.SenderRole != domain.RoleSystem {
			return ErrRoomClosed
		}
		from = r.Status

		at := r.NextMessageTime(t.now)
		m := &domain.Message{
			ID:         uuid.NewString(),
			RoomID:     r.ID,
			Seq:        r.LastSeq + 1,
			SenderID:   in.SenderID,
			SenderName: in.SenderName,
			SenderRole: in.SenderRole,
			Content:    in.Content,
			Kind:       in.Kind,
			Metadata:   in.Metadata,
			CreatedAt:  at,
		}
		if err := repo.InsertMessage(ctx, t.tx, m); err != nil {
			return err
		}
		if after != nil {
			if err := after(t.tx, m); err != nil {
				return err
			}
		}

		r.LastSeq = m.Seq
		r.LastMessageAt = &at
		r.UpdatedAt = at
		switch in.SenderRole {
		case domain.RoleCustomer:
			r.UnreadCount++
		case domain.RoleAgent:
			r.CustomerUnreadCount++
		}

		assigned := false
		if in.SenderRole == domain.RoleAgent && s.Lifecycle != nil {
			changed, err := s.Lifecycle.OnAgentReply(r, in.SenderID, in.SenderName, at)
			if err != nil {
				return err
			}
			assigned = changed
		}

		t.save = true
		t.emit(domain.Event{Type: domain.EventMessageSent, Msg: m})
		if assigned {
			t.emit(domain.Event{Type: domain.EventRoomAssigned})
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	observability.MessagesAppended.WithLabelValues(string(in.SenderRole)).Inc()
	countTransition(from, room.Status)
	return msg, room, nil
}

// List returns one page of the room's log in append order. page is
// 1-based. Unknown rooms fail with ErrRoomNotFound.
func (s *MessageStore) List(ctx context.Context, roomID string, page, pageSize int) (domain.Page[domain.Message], error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	page, pageSize = normalizePage(page, pageSize)

	if _, err := repo.GetRoom(ctx, s.DB, roomID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Page[domain.Message]{}, ErrRoomNotFound
		}
		return domain.Page[domain.Message]{}, err
	}

	total, err := repo.CountMessages(ctx, s.DB, roomID)
	if err != nil {
		return domain.Page[domain.Message]{}, err
	}
	if total == 0 {
		return domain.NewPage([]domain.Message{}, page, pageSize, 0), nil
	}
	items, err := repo.ListMessagesPage(ctx, s.DB, roomID, (page-1)*pageSize, pageSize)
	if err != nil {
		return domain.Page[domain.Message]{}, err
	}
	return domain.NewPage(items, page, pageSize, total), nil
}

// Get fetches one message of the room.
func (s *MessageStore) Get(ctx context.Context, roomID, messageID string) (*domain.Message, error) {
	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if m.RoomID != roomID {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

// MarkAllRead flags every message not authored by reader as read. An agent
// reader resets UnreadCount and a customer reader resets
// CustomerUnreadCount. Calling it again changes nothing. Closed rooms may
// still be marked read.
func (s *MessageStore) MarkAllRead(ctx context.Context, roomID string, reader domain.Role, guard RoomGuard) (*domain.Room, error) {
	tr := otel.Tracer("services/MessageStore")
	ctx, span := tr.Start(ctx, "MarkAllRead",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.String("reader.role", string(reader)),
		),
	)
	defer span.End()

	if reader != domain.RoleAgent && reader != domain.RoleCustomer {
		return nil, invalid("reader_role", "must be customer or agent")
	}

	return s.mutate(ctx, roomID, func(t *roomTx, r *domain.Room) error {
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		n, err := repo.MarkRead(ctx, t.tx, r.ID, reader, t.now)
		if err != nil {
			return err
		}

		switch reader {
		case domain.RoleAgent:
			t.save = r.UnreadCount != 0
			r.UnreadCount = 0
		case domain.RoleCustomer:
			t.save = r.CustomerUnreadCount != 0
			r.CustomerUnreadCount = 0
		}
		if n > 0 || t.save {
			t.save = true
			if t.now.After(r.UpdatedAt) {
				r.UpdatedAt = t.now
			}
			t.emit(domain.Event{Type: domain.EventMessagesRead, Reader: reader})
		}
		return nil
	})
}

func (s *MessageStore) validate(in *NewMessage) error {
	in.SenderID = strings.TrimSpace(in.SenderID)
	if in.SenderID == "" {
		return invalid("sender_id", "required")
	}
	switch in.SenderRole {
	case domain.RoleCustomer, domain.RoleAgent, domain.RoleSystem:
	default:
		return invalid("sender_role", "must be customer, agent or system")
	}
	if in.Kind == "" {
		in.Kind = domain.KindText
		if in.SenderRole == domain.RoleSystem {
			in.Kind = domain.KindSystem
		}
	}
	if !in.Kind.Valid() {
		return invalid("kind", "must be text, image, file or system")
	}
	if in.Kind == domain.KindSystem && in.SenderRole != domain.RoleSystem {
		return invalid("kind", "system messages must come from the system role")
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && (in.Metadata == nil || len(in.Metadata.Attachments) == 0) {
		return invalid("content", "required")
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(in.Content) > s.MaxContentRunes {
		return invalid("content", "too long")
	}
	return nil
}
