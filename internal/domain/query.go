package domain

// RoomFilter narrows a room listing. Zero-valued fields do not filter.
type RoomFilter struct {
	Status          RoomStatus `json:"status,omitempty"`
	Priority        Priority   `json:"priority,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	CustomerID      string     `json:"customer_id,omitempty"`
	OrderID         string     `json:"order_id,omitempty"`
	// Text matches case-insensitively against customer name, email and
	// subject.
	Text string `json:"text,omitempty"`
	// UnreadOnly keeps rooms with customer messages not yet read by an agent.
	UnreadOnly bool `json:"unread_only,omitempty"`
}

// SortField is a column a room listing can be ordered by.
type SortField string

const (
	SortUpdatedAt   SortField = "updated_at"
	SortCreatedAt   SortField = "created_at"
	SortPriority    SortField = "priority"
	SortUnreadCount SortField = "unread_count"
)

// Valid reports whether f is a supported sort key.
func (f SortField) Valid() bool {
	switch f {
	case SortUpdatedAt, SortCreatedAt, SortPriority, SortUnreadCount:
		return true
	}
	return false
}

// RoomSort orders a room listing. The zero value sorts by updated_at,
// newest first.
type RoomSort struct {
	Field SortField `json:"field"`
	Asc   bool      `json:"asc"`
}

// Page is an offset-paginated slice of T.
type Page[T any] struct {
	Items    []T   `json:"items"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
	HasNext  bool  `json:"has_next"`
	HasPrev  bool  `json:"has_prev"`
}

// NewPage builds a Page and derives HasNext/HasPrev from total. page is
// 1-based.
func NewPage[T any](items []T, page, pageSize int, total int64) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		HasPrev:  page > 1,
		HasNext:  int64(page*pageSize) < total,
	}
}
