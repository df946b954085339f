package services

import (
	"context"
	"sync"
)

// RoomLocks serializes mutations per room id. Unrelated rooms never contend.
// Entries are reference counted and dropped once no goroutine holds or waits
// for them, so the table stays proportional to in-flight work.
type RoomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	sem  chan struct{}
	refs int
}

// NewRoomLocks returns an empty lock table.
func NewRoomLocks() *RoomLocks {
	return &RoomLocks{locks: make(map[string]*roomLock)}
}

// Lock blocks until the room's lock is held or ctx is done. On success the
// returned function releases the lock and must be called exactly once.
func (l *RoomLocks) Lock(ctx context.Context, roomID string) (func(), error) {
	l.mu.Lock()
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &roomLock{sem: make(chan struct{}, 1)}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-rl.sem
				l.release(roomID, rl)
			})
		}, nil
	case <-ctx.Done():
		l.release(roomID, rl)
		return nil, ctx.Err()
	}
}

func (l *RoomLocks) release(roomID string, rl *roomLock) {
	l.mu.Lock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, roomID)
	}
	l.mu.Unlock()
}

// Len reports how many rooms currently have holders or waiters.
func (l *RoomLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
