// Package presence tracks ephemeral per-room typing state. Nothing here is
// persisted or part of a room's history.
//
// An indicator is live while now-at <= Timeout. Expiry is computed when the
// state is read, so starting to type schedules no timer; Memory.RunSweeper
// optionally reclaims expired entries in the background.
//
// Two implementations share the Tracker contract: Memory for a single
// process, and Redis (one hash per room) when several server processes
// serve the same rooms.
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/tbourn/support-chat/internal/domain"
)

// DefaultTimeout is the inactivity window after which an indicator is
// treated as absent.
const DefaultTimeout = 3 * time.Second

// Tracker is the typing-presence contract used by the chat facade.
type Tracker interface {
	// Start upserts the (room, user) indicator stamped with the current time.
	Start(ctx context.Context, roomID, userID, userName string) (domain.TypingIndicator, error)
	// Stop removes the indicator and reports whether a live one existed.
	Stop(ctx context.Context, roomID, userID string) (bool, error)
	// List returns the room's indicators still within the timeout at now,
	// ordered by start time then user id.
	List(ctx context.Context, roomID string, now time.Time) ([]domain.TypingIndicator, error)
}

func live(at, now time.Time, timeout time.Duration) bool {
	return now.Sub(at) <= timeout
}

func sortIndicators(out []domain.TypingIndicator) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].UserID < out[j].UserID
	})
}
