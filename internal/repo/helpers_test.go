package repo

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/support-chat/internal/domain"
)

// newTestDB opens a fresh file-backed database per test so schemas never
// leak between tests.
func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "repo.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedRoom(t *testing.T, db *gorm.DB, r domain.Room) *domain.Room {
	t.Helper()
	if r.Status == "" {
		r.Status = domain.StatusWaiting
	}
	if r.Priority == "" {
		r.Priority = domain.PriorityMedium
	}
	if r.Subject == "" {
		r.Subject = "subject"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if err := db.Create(&r).Error; err != nil {
		t.Fatalf("seed room %s: %v", r.ID, err)
	}
	return &r
}
