package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BroadcastRecipient addresses every subscriber of the sink instead of a
// single mailbox.
const BroadcastRecipient = "all_subscribers"

// Sink delivers a rendered notification to its audience.
type Sink interface {
	// Send delivers msg and returns a result. A nil error with a result whose
	// Status is not StatusSent is still a failed delivery.
	Send(ctx context.Context, msg *Message) (*Result, error)
	// Name returns the sink identifier (e.g. "sns", "smtp").
	Name() string
	// HealthCheck verifies the sink is reachable.
	HealthCheck(ctx context.Context) error
}

// Message is a notification ready for delivery.
type Message struct {
	ID        string
	Recipient string
	Subject   string
	Body      string
}

// IsBroadcast reports whether the message targets all subscribers.
func (m *Message) IsBroadcast() bool {
	return m.Recipient == "" || m.Recipient == BroadcastRecipient
}

// Result contains the outcome of a delivery attempt.
type Result struct {
	MessageID string
	Status    Status
	Timestamp time.Time
	Metadata  map[string]string
}

// Status represents the outcome of a delivery.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Deliver sends msg through s and folds every failure mode (error, nil
// result, non-sent status, panic) into false.
func Deliver(ctx context.Context, s Sink, msg *Message, log zerolog.Logger) (ok bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("sink", s.Name()).
				Str("message_id", msg.ID).
				Str("panic", fmt.Sprint(r)).
				Msg("sink panicked during delivery")
			ok = false
		}
		outcome := "failed"
		if ok {
			outcome = "sent"
		}
		DeliveriesTotal.WithLabelValues(s.Name(), outcome).Inc()
		DeliveryDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	}()

	result, err := s.Send(ctx, msg)
	if err != nil {
		log.Warn().Err(err).
			Str("sink", s.Name()).
			Str("message_id", msg.ID).
			Str("recipient", msg.Recipient).
			Bool("permanent", IsPermanent(err)).
			Msg("delivery failed")
		return false
	}
	if result == nil || result.Status != StatusSent {
		log.Warn().
			Str("sink", s.Name()).
			Str("message_id", msg.ID).
			Msg("delivery not confirmed by sink")
		return false
	}

	log.Debug().
		Str("sink", s.Name()).
		Str("message_id", msg.ID).
		Str("sink_message_id", result.MessageID).
		Msg("notification delivered")
	return true
}
