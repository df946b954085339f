package domain

import "time"

// EventType names a notification emitted after a room, message or typing
// mutation has taken effect.
type EventType string

const (
	EventRoomCreated   EventType = "room-created"
	EventRoomAssigned  EventType = "room-assigned"
	EventRoomClosed    EventType = "room-closed"
	EventRoomUpdated   EventType = "room-updated"
	EventMessageSent   EventType = "message-sent"
	EventMessagesRead  EventType = "messages-read"
	EventTypingChanged EventType = "typing-changed"
)

// Event is the unit handed to notification subscribers. Room carries a
// snapshot taken right after the mutation; Message and Typing are set only
// when relevant to Type.
type Event struct {
	ID     string           `json:"id"`
	Type   EventType        `json:"type"`
	RoomID string           `json:"room_id"`
	At     time.Time        `json:"at"`
	Room   *Room            `json:"room,omitempty"`
	Msg    *Message         `json:"message,omitempty"`
	Typing *TypingIndicator `json:"typing,omitempty"`
	Reader Role             `json:"reader,omitempty"`
}
