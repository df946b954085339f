// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Room
// model: creation, lookup, optimistic saves, and filtered/sorted listings.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/support-chat/internal/domain"
)

var (
	// ErrNotFound aliases GORM's not-found error so callers can match it
	// without importing gorm.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrStale is returned by SaveRoom when the stored version no longer
	// matches the version the caller loaded.
	ErrStale = errors.New("stale room version")
)

// priorityRank mirrors domain.Priority.Rank in SQL so listings can sort
// urgent > high > medium > low.
const priorityRank = "CASE priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END"

// CreateRoom inserts a new room row.
func CreateRoom(ctx context.Context, db *gorm.DB, r *domain.Room) error {
	return db.WithContext(ctx).Create(r).Error
}

// GetRoom fetches a room by id, returning ErrNotFound when absent.
func GetRoom(ctx context.Context, db *gorm.DB, id string) (*domain.Room, error) {
	var r domain.Room
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveRoom writes every mutable column of r if the row still carries the
// version r was loaded with, then bumps r.Version. It returns ErrStale when
// another writer got there first; r is left unchanged in that case.
func SaveRoom(ctx context.Context, db *gorm.DB, r *domain.Room) error {
	expected := r.Version
	next := *r
	next.Version = expected + 1

	res := db.WithContext(ctx).
		Model(&domain.Room{ID: r.ID}).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(&next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	r.Version = next.Version
	return nil
}

// ListRoomsPage returns one page of rooms matching f, ordered by s with the
// room id as a stable tie-breaker, plus the total number of matches.
func ListRoomsPage(ctx context.Context, db *gorm.DB, f domain.RoomFilter, s domain.RoomSort, offset, limit int) ([]domain.Room, int64, error) {
	var total int64
	if err := applyRoomFilter(db.WithContext(ctx).Model(&domain.Room{}), f).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Room{}, 0, nil
	}

	var out []domain.Room
	err := applyRoomFilter(db.WithContext(ctx).Model(&domain.Room{}), f).
		Order(roomOrder(s)).
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, total, err
}

func applyRoomFilter(q *gorm.DB, f domain.RoomFilter) *gorm.DB {
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Priority != "" {
		q = q.Where("priority = ?", f.Priority)
	}
	if f.AssignedAgentID != "" {
		q = q.Where("assigned_agent_id = ?", f.AssignedAgentID)
	}
	if f.CustomerID != "" {
		q = q.Where("customer_id = ?", f.CustomerID)
	}
	if f.OrderID != "" {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if f.UnreadOnly {
		q = q.Where("unread_count > 0")
	}
	if t := strings.TrimSpace(f.Text); t != "" {
		pat := "%" + escapeLike(domain.FoldSearch(t)) + "%"
		q = q.Where("search_text LIKE ? ESCAPE '\\'", pat)
	}
	return q
}

func roomOrder(s domain.RoomSort) string {
	dir := " DESC"
	if s.Asc {
		dir = " ASC"
	}
	switch s.Field {
	case domain.SortCreatedAt:
		return "created_at" + dir + ", id ASC"
	case domain.SortPriority:
		return priorityRank + dir + ", updated_at DESC, id ASC"
	case domain.SortUnreadCount:
		return "unread_count" + dir + ", updated_at DESC, id ASC"
	default:
		return "updated_at" + dir + ", id ASC"
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
