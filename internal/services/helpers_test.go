package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/repo"
)

// newTestDB opens a migrated file-backed SQLite database with the same
// single-connection pool the server uses.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "services.db"))
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu  sync.Mutex
	got []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
}

func (r *recorder) types(roomID string) []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventType
	for _, ev := range r.got {
		if roomID == "" || ev.RoomID == roomID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

var (
	ana   = domain.Identity{UserID: "c1", Name: "Ana", Role: domain.RoleCustomer}
	carl  = domain.Identity{UserID: "c2", Name: "Carl", Role: domain.RoleCustomer}
	bea   = domain.Identity{UserID: "a1", Name: "Bea", Role: domain.RoleAgent}
	dan   = domain.Identity{UserID: "a2", Name: "Dan", Role: domain.RoleAgent}
	ghost = domain.Identity{UserID: "x1", Name: "Ghost", Role: "admin"}
)

// newTestRegistry returns a registry and store sharing locks and a
// recorder, the way NewChatService wires them.
func newTestRegistry(t *testing.T) (*RoomRegistry, *MessageStore, *recorder) {
	t.Helper()
	db := newTestDB(t)
	rec := &recorder{}
	locks := NewRoomLocks()
	rooms := NewRoomRegistry(db, locks, rec)
	return rooms, NewMessageStore(db, locks, rec, rooms), rec
}

func mustCreate(t *testing.T, rooms *RoomRegistry, initial string) *domain.Room {
	t.Helper()
	r, err := rooms.Create(context.Background(), NewRoom{
		CustomerID:     "c1",
		CustomerName:   "Ana",
		CustomerEmail:  "ana@x.com",
		Subject:        "Order question",
		InitialMessage: initial,
	})
	require.NoError(t, err)
	return r
}

// assertUnreadInvariant checks both room counters against the log.
func assertUnreadInvariant(t *testing.T, db *gorm.DB, roomID string) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.GetRoom(ctx, db, roomID)
	require.NoError(t, err)
	agentSide, err := repo.CountUnread(ctx, db, roomID, domain.RoleCustomer)
	require.NoError(t, err)
	customerSide, err := repo.CountUnread(ctx, db, roomID, domain.RoleAgent)
	require.NoError(t, err)
	require.Equal(t, agentSide, int64(r.UnreadCount), "agent-facing unread")
	require.Equal(t, customerSide, int64(r.CustomerUnreadCount), "customer-facing unread")
	require.NoError(t, r.CheckInvariants())
}
