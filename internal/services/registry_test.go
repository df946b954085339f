package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/observability"
	"github.com/tbourn/support-chat/internal/repo"
)

func TestRoomRegistry_Create(t *testing.T) {
	rooms, msgs, rec := newTestRegistry(t)
	ctx := context.Background()

	before := testutil.ToFloat64(observability.RoomsCreated)
	r := mustCreate(t, rooms, "Where is my order?")
	require.Equal(t, before+1, testutil.ToFloat64(observability.RoomsCreated))

	require.Equal(t, domain.StatusWaiting, r.Status)
	require.Equal(t, domain.PriorityMedium, r.Priority)
	require.EqualValues(t, 1, r.UnreadCount)
	require.EqualValues(t, 1, r.LastSeq)
	require.Empty(t, r.AssignedAgentID)
	require.Nil(t, r.ClosedAt)

	page, err := msgs.List(ctx, r.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "c1", page.Items[0].SenderID)
	require.Equal(t, domain.RoleCustomer, page.Items[0].SenderRole)
	require.Equal(t, []domain.EventType{domain.EventRoomCreated, domain.EventMessageSent}, rec.types(r.ID))
	assertUnreadInvariant(t, rooms.DB, r.ID)

	plain := mustCreate(t, rooms, "   ")
	require.EqualValues(t, 0, plain.UnreadCount)
	require.Equal(t, []domain.EventType{domain.EventRoomCreated}, rec.types(plain.ID))
}

func TestRoomRegistry_Create_Validation(t *testing.T) {
	rooms, _, rec := newTestRegistry(t)
	ctx := context.Background()
	rooms.MaxContentRunes = 5

	cases := []struct {
		name  string
		in    NewRoom
		field string
	}{
		{"missing customer", NewRoom{Subject: "s"}, "customer_id"},
		{"blank subject", NewRoom{CustomerID: "c1", Subject: "  "}, "subject"},
		{"bad priority", NewRoom{CustomerID: "c1", Subject: "s", Priority: "asap"}, "priority"},
		{"long initial message", NewRoom{CustomerID: "c1", Subject: "s", InitialMessage: strings.Repeat("é", 6)}, "initial_message"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rooms.Create(ctx, tc.in)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tc.field, ve.Field)
		})
	}
	require.Empty(t, rec.types(""))
	var n int64
	require.NoError(t, rooms.DB.Model(&domain.Room{}).Count(&n).Error)
	require.Zero(t, n)

	// The cap counts runes, not bytes.
	r, err := rooms.Create(ctx, NewRoom{CustomerID: "c1", Subject: "s", InitialMessage: strings.Repeat("é", 5)})
	require.NoError(t, err)
	require.EqualValues(t, 1, r.LastSeq)
}

func TestRoomRegistry_StateMachine(t *testing.T) {
	rooms, msgs, rec := newTestRegistry(t)
	ctx := context.Background()
	r := mustCreate(t, rooms, "")

	r, err := rooms.Assign(ctx, r.ID, "a1", "Bea")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, r.Status)
	require.Equal(t, "a1", r.AssignedAgentID)

	// Re-assigning the same agent is a no-op.
	rec.reset()
	_, err = rooms.Assign(ctx, r.ID, "a1", "Bea")
	require.NoError(t, err)
	require.Empty(t, rec.types(r.ID))

	// Hand-over keeps the room active.
	r, err = rooms.Assign(ctx, r.ID, "a2", "Dan")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, r.Status)
	require.Equal(t, "a2", r.AssignedAgentID)
	require.Equal(t, []domain.EventType{domain.EventRoomAssigned}, rec.types(r.ID))

	r, err = rooms.Close(ctx, r.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, r.Status)
	require.NotNil(t, r.ClosedAt)
	require.NoError(t, r.CheckInvariants())

	_, err = rooms.Close(ctx, r.ID, nil)
	require.ErrorIs(t, err, ErrRoomClosed)
	_, err = rooms.Assign(ctx, r.ID, "a1", "Bea")
	require.ErrorIs(t, err, ErrRoomClosed)
	_, _, err = msgs.Append(ctx, r.ID, NewMessage{SenderID: "c1", SenderRole: domain.RoleCustomer, Content: "hello?"}, nil)
	require.ErrorIs(t, err, ErrRoomClosed)
	_, err = rooms.SetTags(ctx, r.ID, []string{"x"})
	require.ErrorIs(t, err, ErrRoomClosed)
	_, err = rooms.SetPriority(ctx, r.ID, domain.PriorityHigh)
	require.ErrorIs(t, err, ErrRoomClosed)

	got, err := rooms.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, got.Status)
	require.Equal(t, "a2", got.AssignedAgentID)
}

func TestRoomRegistry_CloseFromWaiting(t *testing.T) {
	rooms, _, rec := newTestRegistry(t)
	r := mustCreate(t, rooms, "")

	r, err := rooms.Close(context.Background(), r.ID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, r.Status)
	require.Empty(t, r.AssignedAgentID)
	require.Contains(t, rec.types(r.ID), domain.EventRoomClosed)
}

func TestRoomRegistry_UnknownRoom(t *testing.T) {
	rooms, msgs, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := rooms.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrRoomNotFound)
	_, err = rooms.Assign(ctx, "missing", "a1", "Bea")
	require.ErrorIs(t, err, ErrRoomNotFound)
	_, err = rooms.Close(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrRoomNotFound)
	_, _, err = msgs.Append(ctx, "missing", NewMessage{SenderID: "c1", SenderRole: domain.RoleCustomer, Content: "x"}, nil)
	require.ErrorIs(t, err, ErrRoomNotFound)
	_, err = msgs.List(ctx, "missing", 1, 10)
	require.ErrorIs(t, err, ErrRoomNotFound)
	_, err = msgs.MarkAllRead(ctx, "missing", domain.RoleAgent, nil)
	require.ErrorIs(t, err, ErrRoomNotFound)

	// Nothing was created as a side effect.
	var n int64
	require.NoError(t, rooms.DB.Model(&domain.Room{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestRoomRegistry_GuardRejectsWithoutEffect(t *testing.T) {
	rooms, _, rec := newTestRegistry(t)
	r := mustCreate(t, rooms, "")
	rec.reset()

	deny := func(*domain.Room) error { return ErrUnauthorized }
	_, err := rooms.Close(context.Background(), r.ID, deny)
	require.ErrorIs(t, err, ErrUnauthorized)

	got, err := rooms.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, got.Status)
	require.Nil(t, got.ClosedAt)
	require.Empty(t, rec.types(r.ID))
}

func TestRoomRegistry_TagsAndPriority(t *testing.T) {
	rooms, _, rec := newTestRegistry(t)
	ctx := context.Background()
	r := mustCreate(t, rooms, "")
	rec.reset()

	r, err := rooms.SetTags(ctx, r.ID, []string{" Refund", "vip", "refund", ""})
	require.NoError(t, err)
	require.Equal(t, []string{"refund", "vip"}, r.Tags)

	_, err = rooms.SetTags(ctx, r.ID, []string{"vip", "REFUND"})
	require.NoError(t, err)

	r, err = rooms.SetPriority(ctx, r.ID, domain.PriorityUrgent)
	require.NoError(t, err)
	require.Equal(t, domain.PriorityUrgent, r.Priority)

	_, err = rooms.SetPriority(ctx, r.ID, "soon")
	require.ErrorIs(t, err, ErrValidation)

	// Only the two real changes were announced.
	require.Equal(t, []domain.EventType{domain.EventRoomUpdated, domain.EventRoomUpdated}, rec.types(r.ID))

	got, err := rooms.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"refund", "vip"}, got.Tags)
}

func TestRoomRegistry_List(t *testing.T) {
	rooms, _, _ := newTestRegistry(t)
	ctx := context.Background()
	clock := newFakeClock()
	rooms.Now = clock.Now

	mk := func(customer, subject string, p domain.Priority) *domain.Room {
		clock.Advance(time.Minute)
		r, err := rooms.Create(ctx, NewRoom{CustomerID: customer, CustomerName: customer, Subject: subject, Priority: p})
		require.NoError(t, err)
		return r
	}
	low := mk("c1", "Billing", domain.PriorityLow)
	urgent := mk("c2", "Broken item", domain.PriorityUrgent)
	high := mk("c1", "Shipping delay", domain.PriorityHigh)

	page, err := rooms.List(ctx, domain.RoomFilter{}, domain.RoomSort{Field: domain.SortPriority}, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 3, page.Total)
	require.Equal(t, []string{urgent.ID, high.ID, low.ID}, roomIDs(page.Items))

	page, err = rooms.List(ctx, domain.RoomFilter{CustomerID: "c1"}, domain.RoomSort{}, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Total)
	require.Equal(t, []string{high.ID}, roomIDs(page.Items))
	require.True(t, page.HasNext)
	require.False(t, page.HasPrev)

	page, err = rooms.List(ctx, domain.RoomFilter{Text: "SHIP"}, domain.RoomSort{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{high.ID}, roomIDs(page.Items))

	_, err = rooms.List(ctx, domain.RoomFilter{}, domain.RoomSort{Field: "subject"}, 1, 10)
	require.ErrorIs(t, err, ErrValidation)
	_, err = rooms.List(ctx, domain.RoomFilter{Status: "open"}, domain.RoomSort{}, 1, 10)
	require.ErrorIs(t, err, ErrValidation)

	page, err = rooms.List(ctx, domain.RoomFilter{Status: domain.StatusClosed}, domain.RoomSort{}, 1, 10)
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.NotNil(t, page.Items)
}

func TestRoomRegistry_ConcurrencyErrorOnStaleWrite(t *testing.T) {
	rooms, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r := mustCreate(t, rooms, "")

	// Another process bumps the version behind the registry's back.
	other, err := repo.GetRoom(ctx, rooms.DB, r.ID)
	require.NoError(t, err)

	_, err = rooms.mutate(ctx, r.ID, func(t *roomTx, room *domain.Room) error {
		stale := *other
		stale.Subject = "changed elsewhere"
		if err := repo.SaveRoom(ctx, t.tx, &stale); err != nil {
			return err
		}
		room.Subject = "changed here"
		t.save = true
		return nil
	})
	require.ErrorIs(t, err, ErrConcurrency)

	got, err := rooms.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, "Order question", got.Subject)
}

func roomIDs(rs []domain.Room) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
