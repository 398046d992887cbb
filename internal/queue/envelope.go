package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KindNotificationDelivery is the only envelope kind carried today.
const KindNotificationDelivery = "email_notification"

// DefaultMaxRetries is the retry ceiling configured when none is given.
const DefaultMaxRetries = 3

// Envelope is the unit of work stored in a queue. It wraps an opaque payload
// with the retry bookkeeping the notification service needs.
type Envelope struct {
	ID           string          `json:"id"`
	Kind         string          `json:"message_type"`
	Payload      json.RawMessage `json:"payload"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	CreatedAt    time.Time       `json:"created_at"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// NewEnvelope creates an Envelope with a generated UUID, a zero retry count
// and the current timestamp. maxRetries is stamped as given: 0 allows a
// single delivery attempt. Negative values are treated as 0.
func NewEnvelope(kind string, payload json.RawMessage, maxRetries int) *Envelope {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Envelope{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    payload,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate reports whether the envelope is well formed.
func (e *Envelope) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if e.Kind != KindNotificationDelivery {
		errs = append(errs, fmt.Errorf("unknown message type %q", e.Kind))
	}
	if e.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", e.MaxRetries))
	}
	if e.RetryCount < 0 || e.RetryCount > e.MaxRetries {
		errs = append(errs, fmt.Errorf("retry_count %d outside [0, %d]", e.RetryCount, e.MaxRetries))
	}
	if len(e.Payload) == 0 {
		errs = append(errs, errors.New("payload is required"))
	}
	return errors.Join(errs...)
}

// Exhausted reports whether the envelope has used its whole retry budget.
func (e *Envelope) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// NextAttempt returns a copy of the envelope for a retry: same identity and
// payload, retry count incremented and the failure recorded.
func (e *Envelope) NextAttempt(reason string) *Envelope {
	next := *e
	next.RetryCount++
	next.ErrorMessage = reason
	return &next
}

// Reset returns a copy of the envelope with its retry budget restored. It is
// used only when moving work out of the dead-letter queue.
func (e *Envelope) Reset(reason string) *Envelope {
	next := *e
	next.RetryCount = 0
	next.ErrorMessage = reason
	return &next
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates a stored body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &env, nil
}
