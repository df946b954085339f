// Package repo implements the data persistence layer for rooms, messages
// and idempotency records, backed by GORM. Functions here are thin: they
// take a *gorm.DB (or an open transaction) as their first collaborator and
// never hold locks of their own. Per-room atomicity is supplied by the
// service layer, which calls these functions inside a single transaction
// while holding the room lock.
//
// This file contains database bootstrapping for SQLite (pure Go driver) and
// PostgreSQL, the OpenTelemetry GORM plugin, and schema migrations.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/support-chat/internal/domain"
)

// Open dispatches on driver ("sqlite" or "postgres") and returns a ready
// handle with tracing installed.
func Open(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return OpenSQLite(dsn)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
//
// The pool is pinned to one connection: SQLite allows a single writer and
// room transactions from different goroutines would otherwise fail with
// "database is locked" instead of queueing.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if _, err := os.Stat(dir); err != nil {
				return nil, err
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxIdleTime(0)
		sqlDB.SetConnMaxLifetime(0)
	}

	return db, instrument(db)
}

// OpenPostgres connects to PostgreSQL using a libpq-style or URL DSN.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres DSN must not be empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, instrument(db)
}

func instrument(db *gorm.DB) error {
	return db.Use(tracing.NewPlugin(tracing.WithoutMetrics()))
}

// AutoMigrate creates or updates the schema for all persisted models and
// fills the search column of rooms stored before it existed.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.Room{},
		&domain.Message{},
		&domain.Idempotency{},
	); err != nil {
		return err
	}
	return backfillSearchText(db)
}

func backfillSearchText(db *gorm.DB) error {
	var rooms []domain.Room
	return db.Select("id", "customer_name", "customer_email", "subject").
		Where("search_text = ''").
		FindInBatches(&rooms, 200, func(tx *gorm.DB, _ int) error {
			for i := range rooms {
				rooms[i].RefreshSearchText()
				if rooms[i].SearchText == "" {
					continue
				}
				if err := tx.Model(&domain.Room{}).Where("id = ?", rooms[i].ID).
					UpdateColumn("search_text", rooms[i].SearchText).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}
