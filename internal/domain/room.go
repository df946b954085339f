package domain

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ErrTerminalState is returned by the transition methods when the room is
// already closed.
var ErrTerminalState = errors.New("room is closed")

// Assign sets the agent on the room and moves a waiting room to active. An
// active room keeps its status and gets the new agent.
func (r *Room) Assign(agentID, agentName string, now time.Time) error {
	if r.IsClosed() {
		return ErrTerminalState
	}
	r.AssignedAgentID = agentID
	r.AssignedAgentName = agentName
	r.Status = StatusActive
	r.UpdatedAt = now
	return nil
}

// Activate moves a waiting room to active without touching the assignment.
// It reports whether the status changed.
func (r *Room) Activate(now time.Time) (bool, error) {
	if r.IsClosed() {
		return false, ErrTerminalState
	}
	if r.Status == StatusActive {
		return false, nil
	}
	r.Status = StatusActive
	r.UpdatedAt = now
	return true, nil
}

// Close moves the room into its terminal state and stamps ClosedAt.
func (r *Room) Close(now time.Time) error {
	if r.IsClosed() {
		return ErrTerminalState
	}
	r.Status = StatusClosed
	r.ClosedAt = &now
	r.UpdatedAt = now
	return nil
}

// NextMessageTime returns the timestamp for the next message in the log:
// now, unless the clock went backwards relative to the last message.
func (r *Room) NextMessageTime(now time.Time) time.Time {
	if r.LastMessageAt != nil && now.Before(*r.LastMessageAt) {
		return *r.LastMessageAt
	}
	return now
}

// CheckInvariants reports the first structural violation on r, or nil.
func (r *Room) CheckInvariants() error {
	if !r.Status.Valid() {
		return errors.New("unknown status")
	}
	if (r.ClosedAt != nil) != (r.Status == StatusClosed) {
		return errors.New("closed_at must be set iff status is closed")
	}
	if r.AssignedAgentID != "" && r.Status == StatusWaiting {
		return errors.New("waiting room cannot have an assigned agent")
	}
	if r.UnreadCount < 0 || r.CustomerUnreadCount < 0 {
		return errors.New("unread counters must be non-negative")
	}
	return nil
}

// NormalizeTags trims, lower-cases, de-duplicates and sorts tags. Empty
// entries are dropped.
func NormalizeTags(tags []string) []string {
	out := lo.Uniq(lo.Compact(lo.Map(tags, func(t string, _ int) string {
		return strings.ToLower(strings.TrimSpace(t))
	})))
	sort.Strings(out)
	return out
}
