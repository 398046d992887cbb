package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sungwon/inventory-notify/internal/queue"
	"github.com/sungwon/inventory-notify/internal/sink"
)

// Type distinguishes a single-recipient notification from a broadcast.
type Type string

const (
	TypeDirect    Type = "direct"
	TypeBroadcast Type = "broadcast"
)

// Priority is carried with the envelope for observability. The queue itself
// does not reorder by priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps free text onto a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Payload is the notification itself.
type Payload struct {
	RecipientEmail   string `json:"recipient_email"`
	Subject          string `json:"subject"`
	Message          string `json:"message"`
	NotificationType Type   `json:"notification_type"`
}

// Validate requires a subject, a message and a known type. Direct
// notifications also need a recipient.
func (p Payload) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Subject) == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if strings.TrimSpace(p.Message) == "" {
		errs = append(errs, errors.New("message is required"))
	}
	switch p.NotificationType {
	case TypeBroadcast:
	case TypeDirect:
		if p.RecipientEmail == "" || p.RecipientEmail == sink.BroadcastRecipient {
			errs = append(errs, errors.New("direct notification requires a recipient_email"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notification_type %q", p.NotificationType))
	}
	return errors.Join(errs...)
}

// Recipient returns the addressee used in logs and error text.
func (p Payload) Recipient() string {
	if p.NotificationType == TypeBroadcast || p.RecipientEmail == "" {
		return sink.BroadcastRecipient
	}
	return p.RecipientEmail
}

// message converts the payload into a sink message.
func (p Payload) message(id string) *sink.Message {
	return &sink.Message{
		ID:        id,
		Recipient: p.Recipient(),
		Subject:   p.Subject,
		Body:      p.Message,
	}
}

// EnvelopePayload is what a notification envelope carries.
type EnvelopePayload struct {
	Notification Payload   `json:"notification"`
	Priority     Priority  `json:"priority"`
	QueuedAt     time.Time `json:"queued_at"`
}

// decodePayload extracts and validates the notification held by env.
func decodePayload(env *queue.Envelope) (*EnvelopePayload, error) {
	var ep EnvelopePayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		return nil, fmt.Errorf("decode notification payload: %w", err)
	}
	if err := ep.Notification.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification: %w", err)
	}
	return &ep, nil
}
