package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// storeHarness runs the same behavioral checks against every backend.
// advance moves the backend's clock forward, by sleeping for real stores.
type storeHarness struct {
	newStore func(t *testing.T) Store
	advance  func(d time.Duration)
}

var suiteSeq int

func uniqueQueue(base string) string {
	suiteSeq++
	return fmt.Sprintf("%s-%d-%d", base, time.Now().UnixNano()%1_000_000, suiteSeq)
}

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	return NewEnvelope(KindNotificationDelivery, json.RawMessage(`{"subject":"hello"}`), 3)
}

func (h storeHarness) run(t *testing.T) {
	t.Run("SendReceiveDelete", h.testSendReceiveDelete)
	t.Run("CreateQueueIdempotent", h.testCreateQueueIdempotent)
	t.Run("UnknownQueue", h.testUnknownQueue)
	t.Run("LeaseHidesMessage", h.testLeaseHidesMessage)
	t.Run("LeaseExpiryRedelivers", h.testLeaseExpiryRedelivers)
	t.Run("DelayedSend", h.testDelayedSend)
	t.Run("BatchCapped", h.testBatchCapped)
	t.Run("RedriveToDeadLetterQueue", h.testRedrive)
	t.Run("DeleteUnknownLease", h.testDeleteUnknownLease)
	t.Run("PurgeAndList", h.testPurgeAndList)
	t.Run("MalformedBody", h.testMalformedBody)
}

func (h storeHarness) testSendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("srd")
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: name}); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}

	env := testEnvelope(t)
	if _, err := s.Send(ctx, name, env, 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := s.Receive(ctx, name, ReceiveOptions{MaxMessages: 10})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Receive() returned %d deliveries, want 1", len(got))
	}
	d := got[0]
	if d.Envelope == nil || d.Envelope.ID != env.ID {
		t.Fatalf("Receive() envelope = %+v, want id %s", d.Envelope, env.ID)
	}
	if d.ReceiveCount != 1 {
		t.Errorf("ReceiveCount = %d, want 1", d.ReceiveCount)
	}
	if d.LeaseToken == "" {
		t.Error("expected lease token")
	}

	if err := s.Delete(ctx, name, d.LeaseToken); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	st, err := s.Stats(ctx, name)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.VisibleMessages+st.InFlightMessages+st.DelayedMessages != 0 {
		t.Errorf("Stats() after delete = %+v, want empty", st)
	}
}

func (h storeHarness) testCreateQueueIdempotent(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("idem")

	first, err := s.CreateQueue(ctx, QueueSpec{Name: name})
	if err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if _, err := s.Send(ctx, name, testEnvelope(t), 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	second, err := s.CreateQueue(ctx, QueueSpec{Name: name})
	if err != nil {
		t.Fatalf("second CreateQueue() error = %v", err)
	}
	if first != second {
		t.Errorf("CreateQueue() handles differ: %q vs %q", first, second)
	}
	st, err := s.Stats(ctx, name)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.VisibleMessages != 1 {
		t.Errorf("VisibleMessages = %d, want 1 (create must not reset queue)", st.VisibleMessages)
	}
}

func (h storeHarness) testUnknownQueue(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("missing")

	if _, err := s.Stats(ctx, name); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("Stats() error = %v, want ErrQueueNotFound", err)
	}
	if _, err := s.Send(ctx, name, testEnvelope(t), 0); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("Send() error = %v, want ErrQueueNotFound", err)
	}
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: uniqueQueue("q"), DeadLetterQueue: name}); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("CreateQueue() with missing DLQ error = %v, want ErrQueueNotFound", err)
	}
}

func (h storeHarness) testLeaseHidesMessage(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("lease")
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: name, VisibilityTimeout: time.Minute}); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if _, err := s.Send(ctx, name, testEnvelope(t), 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got, _ := s.Receive(ctx, name, ReceiveOptions{MaxMessages: 1}); len(got) != 1 {
		t.Fatalf("first Receive() = %d, want 1", len(got))
	}
	got, err := s.Receive(ctx, name, ReceiveOptions{MaxMessages: 1})
	if err != nil {
		t.Fatalf("second Receive() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("second Receive() = %d, want 0 while leased", len(got))
	}

	st, _ := s.Stats(ctx, name)
	if st.InFlightMessages != 1 {
		t.Errorf("InFlightMessages = %d, want 1", st.InFlightMessages)
	}
}

func (h storeHarness) testLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("expiry")
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: name}); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if _, err := s.Send(ctx, name, testEnvelope(t), 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	opts := ReceiveOptions{MaxMessages: 1, VisibilityTimeout: time.Second}
	first, _ := s.Receive(ctx, name, opts)
	if len(first) != 1 {
		t.Fatalf("first Receive() = %d, want 1", len(first))
	}
	h.advance(1500 * time.Millisecond)

	second, err := s.Receive(ctx, name, opts)
	if err != nil {
		t.Fatalf("second Receive() error = %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("second Receive() = %d, want 1 after lease expiry", len(second))
	}
	if second[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d, want 2", second[0].ReceiveCount)
	}
	if second[0].LeaseToken == first[0].LeaseToken {
		t.Error("expected a fresh lease token on redelivery")
	}
	if err := s.Delete(ctx, name, first[0].LeaseToken); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("Delete(stale token) error = %v, want ErrLeaseNotFound", err)
	}
}

func (h storeHarness) testDelayedSend(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("delay")
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: name}); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if _, err := s.Send(ctx, name, testEnvelope(t), time.Second); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got, _ := s.Receive(ctx, name, ReceiveOptions{MaxMessages: 1}); len(got) != 0 {
		t.Fatalf("Receive() before delay = %d, want 0", len(got))
	}
	st, _ := s.Stats(ctx, name)
	if st.DelayedMessages != 1 {
		t.Errorf("DelayedMessages = %d, want 1", st.DelayedMessages)
	}

	h.advance(1500 * time.Millisecond)
	if got, _ := s.Receive(ctx, name, ReceiveOptions{MaxMessages: 1}); len(got) != 1 {
		t.Errorf("Receive() after delay = %d, want 1", len(got))
	}
}

func (h storeHarness) testBatchCapped(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("batch")
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: name}); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	for i := 0; i < 12; i++ {
		if _, err := s.Send(ctx, name, testEnvelope(t), 0); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	got, err := s.Receive(ctx, name, ReceiveOptions{MaxMessages: 50})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != MaxReceiveBatch {
		t.Errorf("Receive() = %d, want %d", len(got), MaxReceiveBatch)
	}
}

func (h storeHarness) testRedrive(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	dlq := uniqueQueue("dlq")
	name := uniqueQueue("main")
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: dlq}); err != nil {
		t.Fatalf("CreateQueue(dlq) error = %v", err)
	}
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: name, DeadLetterQueue: dlq, MaxReceiveCount: 2}); err != nil {
		t.Fatalf("CreateQueue(main) error = %v", err)
	}
	env := testEnvelope(t)
	if _, err := s.Send(ctx, name, env, 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	opts := ReceiveOptions{MaxMessages: 1, VisibilityTimeout: time.Second}
	for i := 1; i <= 2; i++ {
		got, err := s.Receive(ctx, name, opts)
		if err != nil || len(got) != 1 {
			t.Fatalf("Receive() #%d = %d, %v; want 1 delivery", i, len(got), err)
		}
		h.advance(1500 * time.Millisecond)
	}

	if got, _ := s.Receive(ctx, name, opts); len(got) != 0 {
		t.Fatalf("Receive() after max receives = %d, want 0", len(got))
	}
	got, err := s.Receive(ctx, dlq, ReceiveOptions{MaxMessages: 10})
	if err != nil {
		t.Fatalf("Receive(dlq) error = %v", err)
	}
	if len(got) != 1 || got[0].Envelope == nil || got[0].Envelope.ID != env.ID {
		t.Fatalf("Receive(dlq) = %+v, want the redriven envelope", got)
	}
}

func (h storeHarness) testDeleteUnknownLease(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("unknown-lease")
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: name}); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if err := s.Delete(ctx, name, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("Delete() error = %v, want ErrLeaseNotFound", err)
	}
}

func (h storeHarness) testPurgeAndList(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	prefix := uniqueQueue("list")
	a, b := prefix+"-a", prefix+"-b"
	for _, n := range []string{b, a} {
		if _, err := s.CreateQueue(ctx, QueueSpec{Name: n}); err != nil {
			t.Fatalf("CreateQueue(%s) error = %v", n, err)
		}
	}
	for i := 0; i < 3; i++ {
		_, _ = s.Send(ctx, a, testEnvelope(t), 0)
	}

	if err := s.Purge(ctx, a); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	st, _ := s.Stats(ctx, a)
	if st.VisibleMessages != 0 {
		t.Errorf("VisibleMessages after purge = %d, want 0", st.VisibleMessages)
	}

	names, err := s.ListQueues(ctx, prefix)
	if err != nil {
		t.Fatalf("ListQueues() error = %v", err)
	}
	if len(names) != 2 || names[0] != a || names[1] != b {
		t.Errorf("ListQueues() = %v, want [%s %s]", names, a, b)
	}
}

func (h storeHarness) testMalformedBody(t *testing.T) {
	ctx := context.Background()
	s := h.newStore(t)
	name := uniqueQueue("malformed")
	if _, err := s.CreateQueue(ctx, QueueSpec{Name: name}); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	bad := testEnvelope(t)
	bad.Kind = "sms"
	if _, err := s.Send(ctx, name, bad, 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, err := s.Receive(ctx, name, ReceiveOptions{MaxMessages: 1})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Receive() = %d, want 1", len(got))
	}
	if got[0].Envelope != nil || got[0].DecodeErr == nil {
		t.Errorf("Receive() = %+v, want nil envelope with DecodeErr", got[0])
	}
	if err := s.Delete(ctx, name, got[0].LeaseToken); err != nil {
		t.Errorf("Delete(malformed) error = %v", err)
	}
}
