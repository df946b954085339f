package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/support-chat/internal/domain"
)

func TestGetIdempotency_NoRoomID_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})

	rec, err := GetIdempotency(context.Background(), db, "u1", "   ", "k1", time.Now().UTC())
	if rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected (nil, ErrNotFound) for empty roomID, got (%v, %v)", rec, err)
	}
}

func TestGetIdempotency_ExpiredMissingAndFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []domain.Idempotency{
		{ID: "expired", UserID: "u1", RoomID: "r1", Key: "k1", MessageID: "m0", Status: 201, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		{ID: "live", UserID: "u1", RoomID: "r1", Key: "k2", MessageID: "m1", Status: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if rec, err := GetIdempotency(ctx, db, "u1", "r1", "k1", now); rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired: got (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(ctx, db, "u1", "r1", "missing", now); rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got (%v, %v)", rec, err)
	}
	if rec, err := GetIdempotency(ctx, db, "u2", "r1", "k2", now); rec != nil || !errors.Is(err, ErrNotFound) {
		t.Fatalf("other user: got (%v, %v)", rec, err)
	}
	rec, err := GetIdempotency(ctx, db, "u1", "r1", "k2", now)
	if err != nil || rec == nil || rec.MessageID != "m1" {
		t.Fatalf("live: got (%+v, %v)", rec, err)
	}
}

func TestCreateIdempotency_SuccessAndDuplicate(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	ttl := 90 * time.Minute
	start := time.Now().UTC()

	rec, err := CreateIdempotency(ctx, db, "u9", "r9", "k9", "m9", 201, ttl)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.ID == "" || rec.RoomID != "r9" || rec.MessageID != "m9" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !(rec.ExpiresAt.After(start) && rec.ExpiresAt.Before(start.Add(2*time.Hour))) {
		t.Fatalf("unexpected ExpiresAt: %v", rec.ExpiresAt)
	}

	if _, err := CreateIdempotency(ctx, db, "u9", "r9", "k9", "mX", 201, ttl); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Same key in another room is a different request.
	if _, err := CreateIdempotency(ctx, db, "u9", "r10", "k9", "mY", 201, ttl); err != nil {
		t.Fatalf("other room: %v", err)
	}
}

func TestCreateIdempotency_Error_NoTable(t *testing.T) {
	db := newTestDB(t)
	_, err := CreateIdempotency(context.Background(), db, "uX", "rX", "kX", "mX", 201, time.Minute)
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected non-duplicate error, got %v", err)
	}
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Now().UTC()
	seed := []domain.Idempotency{
		{ID: "a", UserID: "u", RoomID: "r", Key: "1", MessageID: "m", Status: 201, ExpiresAt: now.Add(-time.Second)},
		{ID: "b", UserID: "u", RoomID: "r", Key: "2", MessageID: "m", Status: 201, ExpiresAt: now.Add(time.Hour)},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err := PurgeExpiredIdempotency(context.Background(), db, now)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	var left int64
	db.Model(&domain.Idempotency{}).Count(&left)
	if left != 1 {
		t.Fatalf("expected 1 record left, got %d", left)
	}
}
