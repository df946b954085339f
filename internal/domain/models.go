// Package domain defines the persistence models for support rooms and their
// message logs, together with the value types (typing indicators, events,
// caller identity) that the service layer passes around. Rooms and messages
// are mapped with GORM and form the core data layer of the support chat.
package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"gorm.io/gorm"
)

// RoomStatus is the lifecycle state of a Room.
type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusActive  RoomStatus = "active"
	StatusClosed  RoomStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s RoomStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// Priority is the triage level of a Room.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities so that urgent > high > medium > low. Unknown
// values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool { return p.Rank() > 0 }

// ParsePriority normalizes s into a Priority. Empty input yields medium.
func ParsePriority(s string) (Priority, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, true
	}
	p := Priority(s)
	return p, p.Valid()
}

// Role identifies who authored a message or performs an operation.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// MessageKind describes the payload type of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Room is a single customer-support conversation between one customer and
// at most one assigned agent.
//
// Fields:
//   - ID: stable UUID primary key (char(36)); never changes.
//   - CustomerID/CustomerName/CustomerEmail: snapshot taken at creation.
//   - OrderID: optional linked order.
//   - Status: waiting, active or closed (see Assign, Activate, Close).
//   - AssignedAgentID/AssignedAgentName: set only while active or closed.
//   - Tags: free-form, normalized tag set stored as JSON.
//   - UnreadCount: customer messages not yet read by an agent.
//   - CustomerUnreadCount: agent messages not yet read by the customer.
//   - LastSeq/LastMessageAt: ordering cursor of the message log.
//   - ClosedAt: set if and only if Status is closed.
//   - Version: optimistic concurrency token, bumped on every save.
//   - SearchText: case-folded name, email and subject for free-text search.
type Room struct {
	ID                  string     `json:"id"                    gorm:"type:char(36);primaryKey"`
	CustomerID          string     `json:"customer_id"           gorm:"type:varchar(64);not null;index:idx_room_customer"`
	CustomerName        string     `json:"customer_name"         gorm:"type:varchar(255);not null;default:''"`
	CustomerEmail       string     `json:"customer_email"        gorm:"type:varchar(255);not null;default:''"`
	OrderID             string     `json:"order_id,omitempty"    gorm:"type:varchar(64);not null;default:'';index"`
	Status              RoomStatus `json:"status"                gorm:"type:varchar(16);not null;index;check:status IN ('waiting','active','closed')"`
	Priority            Priority   `json:"priority"              gorm:"type:varchar(16);not null;check:priority IN ('low','medium','high','urgent')"`
	Subject             string     `json:"subject"               gorm:"type:varchar(255);not null"`
	AssignedAgentID     string     `json:"assigned_agent_id,omitempty"   gorm:"type:varchar(64);not null;default:'';index"`
	AssignedAgentName   string     `json:"assigned_agent_name,omitempty" gorm:"type:varchar(255);not null;default:''"`
	Tags                []string   `json:"tags"                  gorm:"serializer:json;type:text"`
	UnreadCount         int        `json:"unread_count"          gorm:"not null;default:0"`
	CustomerUnreadCount int        `json:"customer_unread_count" gorm:"not null;default:0"`
	LastSeq             int64      `json:"last_seq"              gorm:"not null;default:0"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"            gorm:"index"`
	UpdatedAt           time.Time  `json:"updated_at"            gorm:"autoUpdateTime:false;index"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
	Version             int64      `json:"version"               gorm:"not null;default:0"`
	SearchText          string     `json:"-"                     gorm:"type:text;not null;default:''"`
}

// TableName returns the database table name for Room.
func (Room) TableName() string { return "rooms" }

// FoldSearch case-folds s with full Unicode rules, so "JOÃO" and "joão"
// compare equal. SQL LOWER() only folds ASCII on SQLite.
func FoldSearch(s string) string {
	return cases.Fold().String(s)
}

// RefreshSearchText recomputes SearchText from the searchable columns.
func (r *Room) RefreshSearchText() {
	r.SearchText = FoldSearch(strings.Join([]string{r.CustomerName, r.CustomerEmail, r.Subject}, "\n"))
}

// BeforeCreate is a GORM hook that fills SearchText on insert.
func (r *Room) BeforeCreate(*gorm.DB) error {
	r.RefreshSearchText()
	return nil
}

// IsClosed reports whether the room reached its terminal state.
func (r *Room) IsClosed() bool { return r.Status == StatusClosed }

// MessageMetadata carries optional attachment descriptors or the subtype of
// a system message.
type MessageMetadata struct {
	Attachments   []Attachment `json:"attachments,omitempty"`
	SystemSubtype string       `json:"system_subtype,omitempty"`
}

// Attachment describes a file or image referenced by a message.
type Attachment struct {
	Name     string `json:"name"                validate:"required,max=255"`
	URL      string `json:"url"                 validate:"omitempty,url,max=2048"`
	MimeType string `json:"mime_type,omitempty" validate:"max=127"`
	Size     int64  `json:"size,omitempty"      validate:"gte=0"`
}

// Message is a single entry in a room's append-only log. Only IsRead and
// ReadAt change after insertion.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - RoomID: owning room; a message never moves between rooms.
//   - Seq: 1-based position within the room, unique per room.
//   - SenderID/SenderName/SenderRole: author snapshot.
//   - Kind: text, image, file or system.
//   - CreatedAt: store-assigned, never earlier than the previous message.
//   - Room: FK association with cascade.
type Message struct {
	ID         string           `json:"id"          gorm:"type:char(36);primaryKey"`
	RoomID     string           `json:"room_id"     gorm:"type:char(36);not null;uniqueIndex:ux_room_seq,priority:1"`
	Seq        int64            `json:"seq"         gorm:"not null;uniqueIndex:ux_room_seq,priority:2"`
	SenderID   string           `json:"sender_id"   gorm:"type:varchar(64);not null"`
	SenderName string           `json:"sender_name" gorm:"type:varchar(255);not null;default:''"`
	SenderRole Role             `json:"sender_role" gorm:"type:varchar(16);not null;index;check:sender_role IN ('customer','agent','system')"`
	Content    string           `json:"content"     gorm:"type:text;not null"`
	Kind       MessageKind      `json:"kind"        gorm:"type:varchar(16);not null;check:kind IN ('text','image','file','system')"`
	IsRead     bool             `json:"is_read"     gorm:"not null;default:false;index"`
	ReadAt     *time.Time       `json:"read_at,omitempty"`
	Metadata   *MessageMetadata `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt  time.Time        `json:"created_at"  gorm:"autoCreateTime:false"`

	Room Room `json:"-" gorm:"foreignKey:RoomID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// TypingIndicator is ephemeral presence state for one (room, user) pair. It
// is never persisted.
type TypingIndicator struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	IsTyping bool      `json:"is_typing"`
	At       time.Time `json:"at"`
}

// Identity is the caller as supplied by an external identity provider.
type Identity struct {
	UserID string
	Name   string
	Role   Role
}

// IsAgent reports whether the caller acts on the support side.
func (id Identity) IsAgent() bool { return id.Role == RoleAgent }
