package services

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tbourn/support-chat/internal/domain"
)

// CreateRoomRequest is the facade input for opening a room. CustomerID
// defaults to the caller.
type CreateRoomRequest struct {
	CustomerID     string   `json:"customer_id"     validate:"max=64"`
	CustomerName   string   `json:"customer_name"   validate:"max=255"`
	CustomerEmail  string   `json:"customer_email"  validate:"omitempty,email,max=255"`
	Subject        string   `json:"subject"         validate:"required,max=255"`
	Priority       string   `json:"priority"        validate:"omitempty,oneof=low medium high urgent"`
	OrderID        string   `json:"order_id"        validate:"max=64"`
	Tags           []string `json:"tags"            validate:"max=20,dive,max=32"`
	InitialMessage string   `json:"initial_message" validate:"max=4000"`
}

// SendMessageRequest is the facade input for appending a message.
type SendMessageRequest struct {
	Content     string              `json:"content"     validate:"max=4000"`
	Kind        string              `json:"kind"        validate:"omitempty,oneof=text image file"`
	Attachments []domain.Attachment `json:"attachments" validate:"max=10,dive"`
	// IdempotencyKey makes a retried send return the original message.
	IdempotencyKey string `json:"-" validate:"omitempty,max=128"`
}

// AssignRequest names the agent to put on a room. Empty fields default to
// the calling agent.
type AssignRequest struct {
	AgentID   string `json:"agent_id"   validate:"max=64"`
	AgentName string `json:"agent_name" validate:"max=255"`
}

// SystemMessageRequest is the input of PostSystemMessage.
type SystemMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
	Subtype string `json:"subtype" validate:"omitempty,max=64"`
}

// ListRoomsRequest carries filter, sort and paging for ListRooms.
type ListRoomsRequest struct {
	Filter   domain.RoomFilter
	Sort     domain.RoomSort
	Page     int `validate:"gte=0"`
	PageSize int `validate:"gte=0"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	return v
}

// check runs struct validation and converts the first failure into a
// *ValidationError.
func check(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return invalid(fe.Field(), describe(fe))
	}
	return invalid("request", err.Error())
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "max":
		return "must be at most " + fe.Param() + " long"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "url":
		return "must be a valid URL"
	default:
		return "failed " + fe.Tag()
	}
}
