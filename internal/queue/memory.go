package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It implements the same leasing,
// delay, retention and redrive rules as the durable backends and is used for
// local development and tests. Messages do not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	queues map[string]*memQueue
}

type memQueue struct {
	spec      QueueSpec
	createdAt time.Time
	messages  []*memMessage
}

type memMessage struct {
	id           string
	body         []byte
	sentAt       time.Time
	visibleAt    time.Time
	leaseToken   string
	receiveCount int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore. now may be nil, in which case
// the wall clock is used.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		queues: make(map[string]*memQueue),
	}
}

// CreateQueue registers the queue. An existing queue is left untouched.
func (s *MemoryStore) CreateQueue(_ context.Context, spec QueueSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[spec.Name]; ok {
		return memoryHandle(spec.Name), nil
	}
	if spec.Name == "" {
		return "", fmt.Errorf("create queue: name is required")
	}
	if spec.DeadLetterQueue != "" {
		if _, ok := s.queues[spec.DeadLetterQueue]; !ok {
			return "", fmt.Errorf("create queue %s: dead-letter queue %s: %w", spec.Name, spec.DeadLetterQueue, ErrQueueNotFound)
		}
	}

	s.queues[spec.Name] = &memQueue{
		spec:      spec.withDefaults(),
		createdAt: s.now(),
	}
	return memoryHandle(spec.Name), nil
}

// Send appends the envelope to the queue.
func (s *MemoryStore) Send(_ context.Context, queueName string, env *Envelope, delay time.Duration) (string, error) {
	body, err := env.Marshal()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		return "", fmt.Errorf("send to %s: %w", queueName, ErrQueueNotFound)
	}

	now := s.now()
	msg := &memMessage{
		id:        uuid.New().String(),
		body:      body,
		sentAt:    now,
		visibleAt: now.Add(clampDelay(delay)),
	}
	q.messages = append(q.messages, msg)
	MessagesEnqueuedTotal.WithLabelValues(queueName).Inc()
	return msg.id, nil
}

// Receive leases visible messages in insertion order. WaitTime is ignored:
// the call never blocks.
func (s *MemoryStore) Receive(_ context.Context, queueName string, opts ReceiveOptions) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("receive from %s: %w", queueName, ErrQueueNotFound)
	}

	limit := clampBatch(opts.MaxMessages)
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = q.spec.VisibilityTimeout
	}
	now := s.now()

	var out []Delivery
	kept := q.messages[:0]
	for _, msg := range q.messages {
		if now.Sub(msg.sentAt) > q.spec.RetentionPeriod {
			continue
		}
		if len(out) >= limit || msg.visibleAt.After(now) {
			kept = append(kept, msg)
			continue
		}
		if q.spec.DeadLetterQueue != "" && msg.receiveCount >= q.spec.MaxReceiveCount {
			if dlq, ok := s.queues[q.spec.DeadLetterQueue]; ok {
				dlq.messages = append(dlq.messages, &memMessage{
					id:        msg.id,
					body:      msg.body,
					sentAt:    now,
					visibleAt: now,
				})
				MessagesRedrivenTotal.WithLabelValues(queueName).Inc()
				continue
			}
		}

		msg.receiveCount++
		msg.leaseToken = uuid.New().String()
		msg.visibleAt = now.Add(visibility)
		out = append(out, decodeDelivery(msg.id, msg.leaseToken, msg.receiveCount, msg.body))
		kept = append(kept, msg)
	}
	q.messages = kept

	MessagesReceivedTotal.WithLabelValues(queueName).Add(float64(len(out)))
	return out, nil
}

// Delete removes the message currently leased under leaseToken.
func (s *MemoryStore) Delete(_ context.Context, queueName, leaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		return fmt.Errorf("delete from %s: %w", queueName, ErrQueueNotFound)
	}
	for i, msg := range q.messages {
		if leaseToken != "" && msg.leaseToken == leaseToken {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("delete from %s: %w", queueName, ErrLeaseNotFound)
}

// Stats counts messages by visibility state.
func (s *MemoryStore) Stats(_ context.Context, queueName string) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("stats for %s: %w", queueName, ErrQueueNotFound)
	}

	now := s.now()
	st := &Stats{QueueName: queueName, CreatedTimestamp: q.createdAt}
	for _, msg := range q.messages {
		switch {
		case now.Sub(msg.sentAt) > q.spec.RetentionPeriod:
		case !msg.visibleAt.After(now):
			st.VisibleMessages++
		case msg.leaseToken != "":
			st.InFlightMessages++
		default:
			st.DelayedMessages++
		}
	}
	QueueDepth.WithLabelValues(queueName).Set(float64(st.VisibleMessages))
	return st, nil
}

// Purge drops all messages, leased or not.
func (s *MemoryStore) Purge(_ context.Context, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueName]
	if !ok {
		return fmt.Errorf("purge %s: %w", queueName, ErrQueueNotFound)
	}
	q.messages = nil
	return nil
}

// ListQueues returns the sorted names of queues matching prefix.
func (s *MemoryStore) ListQueues(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func memoryHandle(name string) string {
	return "memory://" + name
}
