package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/queue"
	"github.com/sungwon/inventory-notify/internal/sink"
)

// mockSink records messages and fails while fail is set.
type mockSink struct {
	mu     sync.Mutex
	fail   bool
	sendFn func(ctx context.Context, msg *sink.Message) (*sink.Result, error)
	sent   []*sink.Message
}

func (m *mockSink) Send(ctx context.Context, msg *sink.Message) (*sink.Result, error) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	fail, fn := m.fail, m.sendFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	if fail {
		return nil, errors.New("sink unavailable")
	}
	return &sink.Result{MessageID: "sink-1", Status: sink.StatusSent, Timestamp: time.Now()}, nil
}

func (m *mockSink) Name() string                     { return "mock" }
func (m *mockSink) HealthCheck(context.Context) error { return nil }

func (m *mockSink) setFail(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = v
}

func (m *mockSink) calls() []*sink.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sink.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

type sentRecord struct {
	queue string
	env   *queue.Envelope
	delay time.Duration
}

// faultStore wraps a queue.Store, recording sends and injecting failures.
type faultStore struct {
	queue.Store

	mu        sync.Mutex
	sends     []sentRecord
	sendErr   map[string]error
	deleteErr map[string]error
	statsErr  error
}

func newFaultStore(inner queue.Store) *faultStore {
	return &faultStore{Store: inner, sendErr: map[string]error{}, deleteErr: map[string]error{}}
}

func (f *faultStore) Send(ctx context.Context, queueName string, env *queue.Envelope, delay time.Duration) (string, error) {
	f.mu.Lock()
	err := f.sendErr[queueName]
	if err == nil {
		f.sends = append(f.sends, sentRecord{queue: queueName, env: env, delay: delay})
	}
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.Store.Send(ctx, queueName, env, delay)
}

func (f *faultStore) Delete(ctx context.Context, queueName, leaseToken string) error {
	f.mu.Lock()
	err := f.deleteErr[queueName]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Delete(ctx, queueName, leaseToken)
}

func (f *faultStore) Stats(ctx context.Context, queueName string) (*queue.Stats, error) {
	f.mu.Lock()
	err := f.statsErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Stats(ctx, queueName)
}

func (f *faultStore) failSend(queueName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[queueName] = err
}

func (f *faultStore) lastSend(t *testing.T) sentRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		t.Fatal("no envelope was sent")
	}
	return f.sends[len(f.sends)-1]
}

func (f *faultStore) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeClock is a manually advanced clock for the memory store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *Service
	store *faultStore
	sink  *mockSink
	clock *fakeClock
	cfg   Config
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReceiveWaitTime = 0
	for _, fn := range mutate {
		fn(&cfg)
	}

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := newFaultStore(queue.NewMemoryStore(clock.Now))
	s := &mockSink{}
	svc := NewService(cfg, store, s, nil, zerolog.Nop())
	if cfg.Enabled {
		if err := svc.EnsureQueues(context.Background()); err != nil {
			t.Fatalf("EnsureQueues() error = %v", err)
		}
	}
	return &fixture{svc: svc, store: store, sink: s, clock: clock, cfg: cfg}
}

func testPayload() Payload {
	return Payload{
		RecipientEmail:   sink.BroadcastRecipient,
		Subject:          "Product Created: Widget",
		Message:          "PRODUCT CREATED\n\nName: Widget",
		NotificationType: TypeBroadcast,
	}
}

func (f *fixture) stats(t *testing.T, name string) *queue.Stats {
	t.Helper()
	st, err := f.store.Store.Stats(context.Background(), name)
	if err != nil {
		t.Fatalf("Stats(%s) error = %v", name, err)
	}
	return st
}
