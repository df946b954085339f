// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model. Messages are append-only; only the read flag is ever updated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/support-chat/internal/domain"
)

// InsertMessage appends m to its room's log. The caller assigns ID, Seq and
// CreatedAt.
func InsertMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	return db.WithContext(ctx).Omit("Room").Create(m).Error
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesPage returns a page of a room's log in append order (seq ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, roomID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, roomID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE room_id = ?", roomID).Scan(&total).Error
	return total, err
}

// CountUnread counts messages in the room authored by role that are still
// unread.
func CountUnread(ctx context.Context, db *gorm.DB, roomID string, role domain.Role) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Message{}).
		Where("room_id = ? AND sender_role = ? AND is_read = ?", roomID, role, false).
		Count(&n).Error
	return n, err
}

// MarkRead flips is_read on every unread message in the room not authored
// by reader and returns how many rows changed.
func MarkRead(ctx context.Context, db *gorm.DB, roomID string, reader domain.Role, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Message{}).
		Where("room_id = ? AND sender_role <> ? AND is_read = ?", roomID, reader, false).
		Updates(map[string]any{"is_read": true, "read_at": at})
	return res.RowsAffected, res.Error
}
