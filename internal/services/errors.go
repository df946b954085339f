// Package services implements the support messaging core: the room
// registry and its state machine, the per-room message store, and the
// ChatService facade that external callers use. This file centralizes the
// error values returned by service methods.
//
// Classify errors with errors.Is. Translation into user-facing messages or
// HTTP status codes is done by the transport layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound indicates that no room exists with the given id.
	ErrRoomNotFound = errors.New("room not found")

	// ErrMessageNotFound indicates that the room has no message with the
	// given id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrRoomClosed is returned when a mutation targets a closed room.
	ErrRoomClosed = errors.New("room is closed")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates that the caller's identity or role does not
	// satisfy the operation's access rule.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConcurrency reports a lost update that per-room locking did not
	// prevent, e.g. a second process writing the same room.
	ErrConcurrency = errors.New("concurrent modification")
)

// ValidationError describes a single invalid input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for any *ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func unauthorized(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}
