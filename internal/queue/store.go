package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueNotFound is returned when the named queue does not exist.
	ErrQueueNotFound = errors.New("queue: queue not found")
	// ErrLeaseNotFound is returned by Delete when the lease token is unknown
	// or has expired and been handed to another receiver.
	ErrLeaseNotFound = errors.New("queue: lease not found")
	// ErrUnavailable wraps transport failures of the backing store.
	ErrUnavailable = errors.New("queue: store unavailable")
)

// Limits shared by every backend.
const (
	MaxReceiveBatch        = 10
	MaxDelay               = 900 * time.Second
	DefaultMaxReceiveCount = 3
	DefaultVisibility      = 30 * time.Second
	DefaultRetention       = 14 * 24 * time.Hour
)

// QueueSpec describes a queue to create.
type QueueSpec struct {
	Name string
	// DeadLetterQueue, when set, enables store-enforced redrive: a message
	// received more than MaxReceiveCount times without being deleted moves
	// there.
	DeadLetterQueue   string
	VisibilityTimeout time.Duration
	RetentionPeriod   time.Duration
	MaxReceiveCount   int
}

// ReceiveOptions controls a single receive call.
type ReceiveOptions struct {
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration // zero uses the queue default
}

// Delivery is a leased message. Envelope is nil when the body could not be
// decoded; DecodeErr then explains why. Either way the lease has to be
// deleted or it reappears once the visibility timeout lapses.
type Delivery struct {
	Envelope     *Envelope
	LeaseToken   string
	MessageID    string
	ReceiveCount int
	Body         []byte
	DecodeErr    error
}

// Stats is a point-in-time snapshot of a queue.
type Stats struct {
	QueueName        string    `json:"queue_name"`
	VisibleMessages  int64     `json:"visible_messages"`
	InFlightMessages int64     `json:"in_flight_messages"`
	DelayedMessages  int64     `json:"delayed_messages"`
	CreatedTimestamp time.Time `json:"created_timestamp"`
}

// Store is a durable at-least-once queue with visibility based leasing.
type Store interface {
	// CreateQueue creates the queue if needed and returns its handle. An
	// existing queue is returned unchanged.
	CreateQueue(ctx context.Context, spec QueueSpec) (string, error)
	// Send enqueues an envelope, optionally hidden for delay.
	Send(ctx context.Context, queueName string, env *Envelope, delay time.Duration) (string, error)
	// Receive leases up to opts.MaxMessages visible messages.
	Receive(ctx context.Context, queueName string, opts ReceiveOptions) ([]Delivery, error)
	// Delete removes a leased message permanently.
	Delete(ctx context.Context, queueName, leaseToken string) error
	// Stats returns a fresh snapshot, or ErrQueueNotFound.
	Stats(ctx context.Context, queueName string) (*Stats, error)
	// Purge drops every message in the queue. It cannot be undone.
	Purge(ctx context.Context, queueName string) error
	// ListQueues returns queue names starting with prefix.
	ListQueues(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func clampBatch(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxReceiveBatch {
		return MaxReceiveBatch
	}
	return n
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

func (s QueueSpec) withDefaults() QueueSpec {
	if s.VisibilityTimeout <= 0 {
		s.VisibilityTimeout = DefaultVisibility
	}
	if s.RetentionPeriod <= 0 {
		s.RetentionPeriod = DefaultRetention
	}
	if s.MaxReceiveCount <= 0 {
		s.MaxReceiveCount = DefaultMaxReceiveCount
	}
	return s
}

// decodeDelivery builds a Delivery from a raw body.
func decodeDelivery(messageID, leaseToken string, receiveCount int, body []byte) Delivery {
	d := Delivery{
		LeaseToken:   leaseToken,
		MessageID:    messageID,
		ReceiveCount: receiveCount,
		Body:         body,
	}
	env, err := DecodeEnvelope(body)
	if err != nil {
		d.DecodeErr = err
		return d
	}
	d.Envelope = env
	return d
}
