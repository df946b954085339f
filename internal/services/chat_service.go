// Package services – ChatService
//
// ChatService is the only entry point used by transports. It checks the
// caller's role against each operation, validates input, and composes the
// registry, the message store, presence and the event bus.
package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/notify"
	"github.com/tbourn/support-chat/internal/presence"
	"github.com/tbourn/support-chat/internal/repo"
)

// EventBus is the publish/subscribe surface ChatService exposes to
// listeners. *notify.Dispatcher implements it.
type EventBus interface {
	Publisher
	Subscribe(name string, pred notify.Predicate, handler notify.Handler) (*notify.Subscription, error)
	Unsubscribe(sub *notify.Subscription)
}

// ChatService is the support chat facade.
type ChatService struct {
	DB       *gorm.DB
	Rooms    *RoomRegistry
	Messages *MessageStore
	Presence presence.Tracker
	Bus      EventBus

	// QueryTimeout bounds list and stats queries when the caller's context
	// has no deadline. 0 disables it.
	QueryTimeout time.Duration
	// IdempotencyTTL is how long a keyed send is remembered.
	IdempotencyTTL time.Duration
	// Now is the clock used for typing reads; nil means time.Now.
	Now func() time.Time

	validate *validator.Validate
}

// NewChatService wires a registry and a message store over db that share
// one lock table and publish to bus. A nil tracker uses an in-memory one.
func NewChatService(db *gorm.DB, tracker presence.Tracker, bus EventBus) *ChatService {
	if tracker == nil {
		tracker = presence.NewMemory(presence.DefaultTimeout)
	}
	var pub Publisher = nopPublisher{}
	if bus != nil {
		pub = bus
	}
	locks := NewRoomLocks()
	rooms := NewRoomRegistry(db, locks, pub)
	return &ChatService{
		DB:             db,
		Rooms:          rooms,
		Messages:       NewMessageStore(db, locks, pub, rooms),
		Presence:       tracker,
		Bus:            bus,
		QueryTimeout:   5 * time.Second,
		IdempotencyTTL: 24 * time.Hour,
		validate:       newValidator(),
	}
}

var defaultValidator = newValidator()

func (s *ChatService) checker() *validator.Validate {
	if s.validate == nil {
		return defaultValidator
	}
	return s.validate
}

//
// Access policy
//

func knownRole(caller domain.Identity) error {
	if strings.TrimSpace(caller.UserID) == "" {
		return unauthorized("missing caller identity")
	}
	switch caller.Role {
	case domain.RoleCustomer, domain.RoleAgent:
		return nil
	default:
		return unauthorized("unknown role")
	}
}

func requireAgent(caller domain.Identity) error {
	if err := knownRole(caller); err != nil {
		return err
	}
	if !caller.IsAgent() {
		return unauthorized("agents only")
	}
	return nil
}

// participant admits any agent and the room's customer of record.
func participant(caller domain.Identity) RoomGuard {
	return func(r *domain.Room) error {
		if caller.IsAgent() || r.CustomerID == caller.UserID {
			return nil
		}
		return unauthorized("not a participant of this room")
	}
}

// writer is participant plus the rule that an agent may not reply in a
// room owned by another agent.
func writer(caller domain.Identity) RoomGuard {
	return func(r *domain.Room) error {
		if err := participant(caller)(r); err != nil {
			return err
		}
		if caller.IsAgent() && r.AssignedAgentID != "" && r.AssignedAgentID != caller.UserID {
			return unauthorized("room is assigned to another agent")
		}
		return nil
	}
}

// viewRoom loads a room and applies the participant rule.
func (s *ChatService) viewRoom(ctx context.Context, caller domain.Identity, roomID string) (*domain.Room, error) {
	if err := knownRole(caller); err != nil {
		return nil, err
	}
	r, err := s.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := participant(caller)(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *ChatService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *ChatService) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.QueryTimeout)
}

//
// Rooms
//

// CreateRoom opens a room for the calling customer.
func (s *ChatService) CreateRoom(ctx context.Context, caller domain.Identity, req CreateRoomRequest) (*domain.Room, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "CreateRoom", trace.WithAttributes(attribute.String("user.id", caller.UserID)))
	defer span.End()

	if err := knownRole(caller); err != nil {
		return nil, err
	}
	if caller.Role != domain.RoleCustomer {
		return nil, unauthorized("only customers open rooms")
	}
	if req.CustomerID == "" {
		req.CustomerID = caller.UserID
	}
	if req.CustomerID != caller.UserID {
		return nil, unauthorized("customer id must match the caller")
	}
	if req.CustomerName == "" {
		req.CustomerName = caller.Name
	}
	if err := check(s.checker(), req); err != nil {
		return nil, err
	}
	prio, ok := domain.ParsePriority(req.Priority)
	if !ok {
		return nil, invalid("priority", "must be one of low, medium, high, urgent")
	}

	return s.Rooms.Create(ctx, NewRoom{
		CustomerID:     req.CustomerID,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Subject:        req.Subject,
		Priority:       prio,
		OrderID:        req.OrderID,
		Tags:           req.Tags,
		InitialMessage: req.InitialMessage,
	})
}

// GetRoom returns a room the caller may see.
func (s *ChatService) GetRoom(ctx context.Context, caller domain.Identity, roomID string) (*domain.Room, error) {
	return s.viewRoom(ctx, caller, roomID)
}

// ListRooms pages through rooms. Customers only ever see their own.
func (s *ChatService) ListRooms(ctx context.Context, caller domain.Identity, req ListRoomsRequest) (domain.Page[domain.Room], error) {
	if err := knownRole(caller); err != nil {
		return domain.Page[domain.Room]{}, err
	}
	if err := check(s.checker(), req); err != nil {
		return domain.Page[domain.Room]{}, err
	}
	f := s.scopeFilter(caller, req.Filter)

	ctx, cancel := s.queryContext(ctx)
	defer cancel()
	return s.Rooms.List(ctx, f, req.Sort, req.Page, req.PageSize)
}

// RoomsStats reports the row count and newest update of the rooms the
// caller would list with f. Transports derive ETags from it.
func (s *ChatService) RoomsStats(ctx context.Context, caller domain.Identity, f domain.RoomFilter) (int64, *time.Time, error) {
	if err := knownRole(caller); err != nil {
		return 0, nil, err
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()
	return repo.RoomsStats(ctx, s.DB, s.scopeFilter(caller, f))
}

func (s *ChatService) scopeFilter(caller domain.Identity, f domain.RoomFilter) domain.RoomFilter {
	if !caller.IsAgent() {
		f.CustomerID = caller.UserID
	}
	return f
}

// AssignAgent puts an agent on the room. Empty request fields default to
// the caller.
func (s *ChatService) AssignAgent(ctx context.Context, caller domain.Identity, roomID string, req AssignRequest) (*domain.Room, error) {
	if err := requireAgent(caller); err != nil {
		return nil, err
	}
	if err := check(s.checker(), req); err != nil {
		return nil, err
	}
	agentID, agentName := req.AgentID, req.AgentName
	if agentID == "" {
		agentID, agentName = caller.UserID, caller.Name
	}
	return s.Rooms.Assign(ctx, roomID, agentID, agentName)
}

// CloseRoom closes the room on behalf of an agent or the customer of
// record.
func (s *ChatService) CloseRoom(ctx context.Context, caller domain.Identity, roomID string) (*domain.Room, error) {
	if err := knownRole(caller); err != nil {
		return nil, err
	}
	r, err := s.Rooms.Close(ctx, roomID, participant(caller))
	if err != nil {
		return nil, err
	}
	log.Info().Str("room_id", r.ID).Str("user_id", caller.UserID).Str("role", string(caller.Role)).Msg("room closed")
	return r, nil
}

// SetTags replaces the room's tags.
func (s *ChatService) SetTags(ctx context.Context, caller domain.Identity, roomID string, tags []string) (*domain.Room, error) {
	if err := requireAgent(caller); err != nil {
		return nil, err
	}
	if err := s.checker().Var(tags, "max=20,dive,max=32"); err != nil {
		return nil, invalid("tags", "at most 20 tags of up to 32 characters")
	}
	return s.Rooms.SetTags(ctx, roomID, tags)
}

// SetPriority changes the room's triage level.
func (s *ChatService) SetPriority(ctx context.Context, caller domain.Identity, roomID, priority string) (*domain.Room, error) {
	if err := requireAgent(caller); err != nil {
		return nil, err
	}
	p := domain.Priority(strings.ToLower(strings.TrimSpace(priority)))
	if !p.Valid() {
		return nil, invalid("priority", "must be one of low, medium, high, urgent")
	}
	return s.Rooms.SetPriority(ctx, roomID, p)
}

//
// Messages
//

// errReplay aborts an append whose idempotency key was claimed
// concurrently; the stored message is returned instead.
var errReplay = errors.New("idempotent replay")

// SendMessage appends the caller's message and clears their typing
// indicator. With an IdempotencyKey, a repeated send returns the message
// stored by the first one.
func (s *ChatService) SendMessage(ctx context.Context, caller domain.Identity, roomID string, req SendMessageRequest) (*domain.Message, *domain.Room, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "SendMessage",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.String("user.id", caller.UserID),
			attribute.Bool("idempotent", req.IdempotencyKey != ""),
		),
	)
	defer span.End()

	if err := knownRole(caller); err != nil {
		return nil, nil, err
	}
	if err := check(s.checker(), req); err != nil {
		return nil, nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if m, r, ok := s.replay(ctx, caller, roomID, key); ok {
			return m, r, nil
		}
	}

	in := NewMessage{
		SenderID:   caller.UserID,
		SenderName: caller.Name,
		SenderRole: caller.Role,
		Content:    req.Content,
		Kind:       domain.MessageKind(req.Kind),
	}
	if len(req.Attachments) > 0 {
		in.Metadata = &domain.MessageMetadata{Attachments: req.Attachments}
	}

	var after func(tx *gorm.DB, m *domain.Message) error
	if key != "" {
		after = func(tx *gorm.DB, m *domain.Message) error {
			_, err := repo.CreateIdempotency(ctx, tx, caller.UserID, roomID, key, m.ID, http.StatusCreated, s.IdempotencyTTL)
			if errors.Is(err, repo.ErrDuplicate) {
				return errReplay
			}
			return err
		}
	}

	m, r, err := s.Messages.append(ctx, roomID, in, writer(caller), after)
	if errors.Is(err, errReplay) {
		if m, r, ok := s.replay(ctx, caller, roomID, key); ok {
			return m, r, nil
		}
		return nil, nil, ErrConcurrency
	}
	if err != nil {
		return nil, nil, err
	}

	s.stopTyping(ctx, roomID, caller.UserID)
	return m, r, nil
}

// replay looks up a previous keyed send by the caller.
func (s *ChatService) replay(ctx context.Context, caller domain.Identity, roomID, key string) (*domain.Message, *domain.Room, bool) {
	rec, err := repo.GetIdempotency(ctx, s.DB, caller.UserID, roomID, key, time.Now().UTC())
	if err != nil {
		return nil, nil, false
	}
	m, err := s.Messages.Get(ctx, roomID, rec.MessageID)
	if err != nil {
		return nil, nil, false
	}
	r, err := s.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, nil, false
	}
	log.Debug().Str("room_id", roomID).Str("user_id", caller.UserID).Str("message_id", m.ID).Msg("idempotent send replayed")
	return m, r, true
}

// PostSystemMessage records an automated notice in the room. It is
// allowed on closed rooms and never counts as unread.
func (s *ChatService) PostSystemMessage(ctx context.Context, caller domain.Identity, roomID string, req SystemMessageRequest) (*domain.Message, error) {
	if err := requireAgent(caller); err != nil {
		return nil, err
	}
	if err := check(s.checker(), req); err != nil {
		return nil, err
	}
	in := NewMessage{
		SenderID:   "system",
		SenderName: "System",
		SenderRole: domain.RoleSystem,
		Content:    req.Content,
		Kind:       domain.KindSystem,
	}
	if req.Subtype != "" {
		in.Metadata = &domain.MessageMetadata{SystemSubtype: req.Subtype}
	}
	m, _, err := s.Messages.Append(ctx, roomID, in, nil)
	return m, err
}

// ListMessages pages through a room's log in send order.
func (s *ChatService) ListMessages(ctx context.Context, caller domain.Identity, roomID string, page, pageSize int) (domain.Page[domain.Message], error) {
	if _, err := s.viewRoom(ctx, caller, roomID); err != nil {
		return domain.Page[domain.Message]{}, err
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()
	return s.Messages.List(ctx, roomID, page, pageSize)
}

// MessagesStats reports count, last sequence and read count of a room's
// log for ETag derivation.
func (s *ChatService) MessagesStats(ctx context.Context, caller domain.Identity, roomID string) (count, lastSeq, read int64, err error) {
	if _, err = s.viewRoom(ctx, caller, roomID); err != nil {
		return 0, 0, 0, err
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()
	return repo.MessagesStats(ctx, s.DB, roomID)
}

// GetMessage returns one message of a room the caller may see.
func (s *ChatService) GetMessage(ctx context.Context, caller domain.Identity, roomID, messageID string) (*domain.Message, error) {
	if _, err := s.viewRoom(ctx, caller, roomID); err != nil {
		return nil, err
	}
	return s.Messages.Get(ctx, roomID, messageID)
}

// MarkAllRead marks the counterpart's messages read from the caller's
// side of the conversation.
func (s *ChatService) MarkAllRead(ctx context.Context, caller domain.Identity, roomID string) (*domain.Room, error) {
	if err := knownRole(caller); err != nil {
		return nil, err
	}
	return s.Messages.MarkAllRead(ctx, roomID, caller.Role, participant(caller))
}

//
// Presence
//

// StartTyping marks the caller as typing in an open room.
func (s *ChatService) StartTyping(ctx context.Context, caller domain.Identity, roomID string) (domain.TypingIndicator, error) {
	r, err := s.viewRoom(ctx, caller, roomID)
	if err != nil {
		return domain.TypingIndicator{}, err
	}
	if r.IsClosed() {
		return domain.TypingIndicator{}, ErrRoomClosed
	}
	ind, err := s.Presence.Start(ctx, roomID, caller.UserID, caller.Name)
	if err != nil {
		return domain.TypingIndicator{}, err
	}
	s.publishTyping(ind)
	return ind, nil
}

// StopTyping clears the caller's indicator. It is a no-op when none is
// live.
func (s *ChatService) StopTyping(ctx context.Context, caller domain.Identity, roomID string) error {
	if _, err := s.viewRoom(ctx, caller, roomID); err != nil {
		return err
	}
	return s.stopTyping(ctx, roomID, caller.UserID)
}

func (s *ChatService) stopTyping(ctx context.Context, roomID, userID string) error {
	was, err := s.Presence.Stop(ctx, roomID, userID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("typing stop failed")
		return err
	}
	if was {
		s.publishTyping(domain.TypingIndicator{RoomID: roomID, UserID: userID, At: s.now()})
	}
	return nil
}

// ListTyping returns who is typing in the room right now.
func (s *ChatService) ListTyping(ctx context.Context, caller domain.Identity, roomID string) ([]domain.TypingIndicator, error) {
	if _, err := s.viewRoom(ctx, caller, roomID); err != nil {
		return nil, err
	}
	return s.Presence.List(ctx, roomID, s.now())
}

func (s *ChatService) publishTyping(ind domain.TypingIndicator) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(domain.Event{
		ID:     uuid.NewString(),
		Type:   domain.EventTypingChanged,
		RoomID: ind.RoomID,
		At:     ind.At,
		Typing: &ind,
	})
}

//
// Events
//

// Subscribe registers a listener on the event bus.
func (s *ChatService) Subscribe(name string, pred notify.Predicate, handler notify.Handler) (*notify.Subscription, error) {
	if s.Bus == nil {
		return nil, errors.New("no event bus configured")
	}
	return s.Bus.Subscribe(name, pred, handler)
}

// Unsubscribe removes a listener registered with Subscribe.
func (s *ChatService) Unsubscribe(sub *notify.Subscription) {
	if s.Bus != nil {
		s.Bus.Unsubscribe(sub)
	}
}
