package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/tbourn/support-chat/internal/domain"
)

type entry struct {
	name string
	at   time.Time
}

// Memory is an in-process Tracker. All operations are O(1) or
// O(indicators in the room) and never block on I/O.
type Memory struct {
	// Timeout is the inactivity window; zero means DefaultTimeout.
	Timeout time.Duration
	// Now is the clock used by Start; nil means time.Now.
	Now func() time.Time

	mu    sync.RWMutex
	rooms map[string]map[string]entry
}

// NewMemory returns an empty tracker with the given timeout.
func NewMemory(timeout time.Duration) *Memory {
	return &Memory{Timeout: timeout, rooms: make(map[string]map[string]entry)}
}

func (m *Memory) timeout() time.Duration {
	if m.Timeout <= 0 {
		return DefaultTimeout
	}
	return m.Timeout
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Start implements Tracker.
func (m *Memory) Start(_ context.Context, roomID, userID, userName string) (domain.TypingIndicator, error) {
	now := m.now()

	m.mu.Lock()
	if m.rooms == nil {
		m.rooms = make(map[string]map[string]entry)
	}
	users, ok := m.rooms[roomID]
	if !ok {
		users = make(map[string]entry)
		m.rooms[roomID] = users
	}
	users[userID] = entry{name: userName, at: now}
	m.mu.Unlock()

	return domain.TypingIndicator{RoomID: roomID, UserID: userID, UserName: userName, IsTyping: true, At: now}, nil
}

// Stop implements Tracker. Stopping an unknown or already expired
// indicator is a no-op that reports false.
func (m *Memory) Stop(_ context.Context, roomID, userID string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	e, ok := users[userID]
	if !ok {
		return false, nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.rooms, roomID)
	}
	return live(e.at, now, m.timeout()), nil
}

// List implements Tracker.
func (m *Memory) List(_ context.Context, roomID string, now time.Time) ([]domain.TypingIndicator, error) {
	timeout := m.timeout()

	m.mu.RLock()
	users := m.rooms[roomID]
	out := make([]domain.TypingIndicator, 0, len(users))
	for id, e := range users {
		out = append(out, domain.TypingIndicator{RoomID: roomID, UserID: id, UserName: e.name, IsTyping: true, At: e.at})
	}
	m.mu.RUnlock()

	out = lo.Filter(out, func(ti domain.TypingIndicator, _ int) bool {
		return live(ti.At, now, timeout)
	})
	sortIndicators(out)
	return out, nil
}

// Sweep drops every indicator expired at now and returns how many were
// removed.
func (m *Memory) Sweep(now time.Time) int {
	timeout := m.timeout()
	removed := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, users := range m.rooms {
		for id, e := range users {
			if !live(e.at, now, timeout) {
				delete(users, id)
				removed++
			}
		}
		if len(users) == 0 {
			delete(m.rooms, roomID)
		}
	}
	return removed
}

// Rooms reports how many rooms currently hold indicators, expired or not.
func (m *Memory) Rooms() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(m.now()); n > 0 {
				log.Debug().Int("removed", n).Msg("typing sweep")
			}
		}
	}
}
