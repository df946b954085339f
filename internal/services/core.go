package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/support-chat/internal/domain"
	"github.com/tbourn/support-chat/internal/repo"
)

// Publisher receives events after the mutation that produced them has
// committed. Publish must not block on subscriber I/O.
type Publisher interface {
	Publish(ev domain.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}

// roomCore holds what RoomRegistry and MessageStore share: the database,
// the per-room lock table, the event sink and the clock.
type roomCore struct {
	DB     *gorm.DB
	Locks  *RoomLocks
	Events Publisher
	Now    func() time.Time
}

// roomTx is what a mutation sees while it holds the room lock.
type roomTx struct {
	tx     *gorm.DB
	now    time.Time
	save   bool
	events []domain.Event
}

// emit queues an event to be published after commit. The room snapshot,
// id and timestamp are filled in by mutate.
func (t *roomTx) emit(ev domain.Event) { t.events = append(t.events, ev) }

func (c *roomCore) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *roomCore) publisher() Publisher {
	if c.Events == nil {
		return nopPublisher{}
	}
	return c.Events
}

// mutate runs fn against roomID under the room lock, inside one
// transaction. When fn sets t.save the room row is written with an
// optimistic version check. Queued events are published after commit while
// the lock is still held, so subscribers see a room's events in the order
// its mutations happened.
func (c *roomCore) mutate(ctx context.Context, roomID string, fn func(t *roomTx, r *domain.Room) error) (*domain.Room, error) {
	unlock, err := c.Locks.Lock(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		room *domain.Room
		rt   = &roomTx{now: c.now()}
	)
	err = c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rt.tx = tx
		r, err := repo.GetRoom(ctx, tx, roomID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrRoomNotFound
			}
			return err
		}
		if err := fn(rt, r); err != nil {
			return err
		}
		if rt.save {
			if err := repo.SaveRoom(ctx, tx, r); err != nil {
				if errors.Is(err, repo.ErrStale) {
					return ErrConcurrency
				}
				return err
			}
		}
		room = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(room, rt.now, rt.events)
	return room, nil
}

func (c *roomCore) publish(room *domain.Room, at time.Time, events []domain.Event) {
	pub := c.publisher()
	for _, ev := range events {
		snap := *room
		snap.Tags = append([]string(nil), room.Tags...)
		if ev.Msg != nil {
			m := *ev.Msg
			ev.Msg = &m
		}
		ev.ID = uuid.NewString()
		ev.RoomID = room.ID
		ev.At = at
		ev.Room = &snap
		pub.Publish(ev)
	}
}
