// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/support-chat/internal/domain"
)

// RoomsStats returns the number of rooms matching f and the greatest
// UpdatedAt among them. When nothing matches, count is 0 and maxUpdatedAt
// is nil.
func RoomsStats(ctx context.Context, db *gorm.DB, f domain.RoomFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	q := applyRoomFilter(db.WithContext(ctx).Model(&domain.Room{}), f)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Order+Limit instead of MAX(): SQLite returns MAX() of a datetime as TEXT.
	var row struct {
		UpdatedAt time.Time
	}
	q = applyRoomFilter(db.WithContext(ctx).Model(&domain.Room{}), f)
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// MessagesStats returns the number of messages in the room, the highest
// sequence number, and how many are already read. Together they change on
// every append and every read flip.
func MessagesStats(ctx context.Context, db *gorm.DB, roomID string) (count, lastSeq, read int64, err error) {
	var row struct {
		Count     int64
		LastSeq   int64
		ReadCount int64
	}
	err = db.WithContext(ctx).Model(&domain.Message{}).
		Select("COUNT(*) AS count, COALESCE(MAX(seq), 0) AS last_seq, COALESCE(SUM(CASE WHEN is_read THEN 1 ELSE 0 END), 0) AS read_count").
		Where("room_id = ?", roomID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, 0, err
	}
	return row.Count, row.LastSeq, row.ReadCount, nil
}
