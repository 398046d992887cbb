package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/archive"
	"github.com/sungwon/inventory-notify/internal/queue"
	"github.com/sungwon/inventory-notify/internal/sink"
)

func TestEnsureQueues_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.EnsureQueues(ctx); err != nil {
		t.Fatalf("second EnsureQueues() error = %v", err)
	}
	names, err := f.svc.ListQueues(ctx, "notification-")
	if err != nil {
		t.Fatalf("ListQueues() error = %v", err)
	}
	if len(names) != 2 {
		t.Errorf("ListQueues() = %v, want both queues", names)
	}
}

func TestEnsureQueues_Disabled(t *testing.T) {
	svc := NewService(Config{Enabled: false}, nil, &mockSink{}, nil, zerolog.Nop())
	if err := svc.EnsureQueues(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("EnsureQueues() error = %v, want ErrDisabled", err)
	}
}

func TestQueueNotification_StoresFreshEnvelope(t *testing.T) {
	f := newFixture(t)

	ok := f.svc.QueueNotification(context.Background(), testPayload(), QueueOptions{Priority: PriorityHigh})
	if !ok {
		t.Fatal("QueueNotification() = false, want true")
	}

	rec := f.store.lastSend(t)
	if rec.queue != f.cfg.QueueName {
		t.Errorf("queue = %q, want %q", rec.queue, f.cfg.QueueName)
	}
	if rec.env.RetryCount != 0 || rec.env.MaxRetries != 3 {
		t.Errorf("envelope retry_count=%d max_retries=%d, want 0 and 3", rec.env.RetryCount, rec.env.MaxRetries)
	}
	if rec.env.Kind != queue.KindNotificationDelivery {
		t.Errorf("kind = %q", rec.env.Kind)
	}
	var ep EnvelopePayload
	if err := json.Unmarshal(rec.env.Payload, &ep); err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	if ep.Priority != PriorityHigh || ep.QueuedAt.IsZero() || ep.Notification.Subject != testPayload().Subject {
		t.Errorf("payload = %+v", ep)
	}
	if len(f.sink.calls()) != 0 {
		t.Error("sink was called while queueing is enabled")
	}
	if got := f.stats(t, f.cfg.QueueName).VisibleMessages; got != 1 {
		t.Errorf("visible = %d, want 1", got)
	}
}

func TestQueueNotification_DefaultsPriority(t *testing.T) {
	f := newFixture(t)
	f.svc.QueueNotification(context.Background(), testPayload(), QueueOptions{})

	var ep EnvelopePayload
	if err := json.Unmarshal(f.store.lastSend(t).env.Payload, &ep); err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	if ep.Priority != PriorityNormal {
		t.Errorf("priority = %q, want normal", ep.Priority)
	}
}

func TestQueueNotification_DisabledSendsDirectly(t *testing.T) {
	tests := []struct {
		name string
		fail bool
		want bool
	}{
		{name: "sink succeeds", fail: false, want: true},
		{name: "sink fails", fail: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &mockSink{fail: tt.fail}
			svc := NewService(Config{Enabled: false, DeliveryTimeout: time.Second}, nil, s, nil, zerolog.Nop())

			if got := svc.QueueNotification(context.Background(), testPayload(), QueueOptions{}); got != tt.want {
				t.Errorf("QueueNotification() = %v, want %v", got, tt.want)
			}
			calls := s.calls()
			if len(calls) != 1 {
				t.Fatalf("sink calls = %d, want 1", len(calls))
			}
			if calls[0].Recipient != sink.BroadcastRecipient || calls[0].Subject != testPayload().Subject {
				t.Errorf("sink message = %+v", calls[0])
			}
		})
	}
}

func TestQueueNotification_FallsBackWhenSendFails(t *testing.T) {
	f := newFixture(t)
	f.store.failSend(f.cfg.QueueName, queue.ErrUnavailable)

	if !f.svc.QueueNotification(context.Background(), testPayload(), QueueOptions{}) {
		t.Error("QueueNotification() = false, want direct-send result true")
	}
	if len(f.sink.calls()) != 1 {
		t.Errorf("sink calls = %d, want 1", len(f.sink.calls()))
	}

	f.sink.setFail(true)
	if f.svc.QueueNotification(context.Background(), testPayload(), QueueOptions{}) {
		t.Error("QueueNotification() = true with failing store and sink")
	}
}

func TestProcess_Disabled(t *testing.T) {
	svc := NewService(Config{Enabled: false}, nil, &mockSink{}, nil, zerolog.Nop())
	res := svc.ProcessQueuedNotifications(context.Background(), 10)
	if res.Status != StatusDisabled || res.Processed != 0 {
		t.Errorf("result = %+v, want disabled", res)
	}
	if st := svc.GetQueueStats(context.Background()); st.Status != StatusDisabled {
		t.Errorf("GetQueueStats().Status = %q", st.Status)
	}
	if r := svc.RequeueFailedMessages(context.Background(), 10); r.Status != StatusDisabled {
		t.Errorf("RequeueFailedMessages().Status = %q", r.Status)
	}
}

func TestProcess_ReceiveError(t *testing.T) {
	s := &mockSink{}
	svc := NewService(DefaultConfig(), queue.NewMemoryStore(nil), s, nil, zerolog.Nop())

	res := svc.ProcessQueuedNotifications(context.Background(), 10)
	if res.Status != StatusError || len(res.Errors) != 1 {
		t.Errorf("result = %+v, want error status", res)
	}
}

func TestProcess_SuccessDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.svc.QueueNotification(ctx, testPayload(), QueueOptions{})
	}

	res := f.svc.ProcessQueuedNotifications(ctx, 10)
	if res.Status != StatusSuccess || res.Processed != 3 || res.Successful != 3 || res.Failed != 0 || res.Retried != 0 {
		t.Errorf("result = %+v", res)
	}
	st := f.stats(t, f.cfg.QueueName)
	if st.VisibleMessages+st.InFlightMessages+st.DelayedMessages != 0 {
		t.Errorf("queue not empty after success: %+v", st)
	}
	for _, msg := range f.sink.calls() {
		if msg.ID == "" {
			t.Error("sink message has no envelope id")
		}
	}
}

func TestProcess_BatchSizeCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		f.svc.QueueNotification(ctx, testPayload(), QueueOptions{})
	}
	if res := f.svc.ProcessQueuedNotifications(ctx, 50); res.Processed != 10 {
		t.Errorf("Processed = %d, want 10", res.Processed)
	}
}

// The full retry cycle: three resends with growing delays, then the
// exhausted copy is left to the store, which redrives it after the receive
// ceiling, and recovery puts it back with a fresh budget.
func TestProcess_RetryCycleToDeadLetterAndBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sink.setFail(true)

	f.svc.QueueNotification(ctx, testPayload(), QueueOptions{Priority: PriorityHigh})
	originalID := f.store.lastSend(t).env.ID

	wantDelays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for i, want := range wantDelays {
		res := f.svc.ProcessQueuedNotifications(ctx, 10)
		if res.Retried != 1 || res.Failed != 0 || res.Processed != 1 {
			t.Fatalf("attempt %d: result = %+v, want one retry", i+1, res)
		}
		rec := f.store.lastSend(t)
		if rec.env.RetryCount != i+1 {
			t.Errorf("attempt %d: retry_count = %d, want %d", i+1, rec.env.RetryCount, i+1)
		}
		if rec.delay != want {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, rec.delay, want)
		}
		if rec.env.ID != originalID || rec.env.ErrorMessage == "" {
			t.Errorf("attempt %d: envelope = %+v", i+1, rec.env)
		}
		if got := f.stats(t, f.cfg.QueueName).DelayedMessages; got != 1 {
			t.Errorf("attempt %d: delayed = %d, want 1", i+1, got)
		}
		f.clock.Advance(want)
	}

	sendsBefore := f.store.sendCount()
	res := f.svc.ProcessQueuedNotifications(ctx, 10)
	if res.Failed != 1 || res.Retried != 0 || res.Processed != 1 {
		t.Fatalf("exhausted attempt: result = %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0] != "max retries exceeded for all_subscribers" {
		t.Errorf("errors = %v", res.Errors)
	}
	if f.store.sendCount() != sendsBefore {
		t.Error("exhausted envelope was resubmitted")
	}
	if got := f.stats(t, f.cfg.QueueName).InFlightMessages; got != 1 {
		t.Errorf("in-flight = %d, want the exhausted message left leased", got)
	}

	// Two more lease expiries reach the receive ceiling of 3; the next
	// receive redrives.
	for i := 0; i < 2; i++ {
		f.clock.Advance(f.cfg.VisibilityTimeout)
		if res := f.svc.ProcessQueuedNotifications(ctx, 10); res.Failed != 1 || res.Retried != 0 {
			t.Fatalf("redelivery %d: result = %+v", i+1, res)
		}
	}
	f.clock.Advance(f.cfg.VisibilityTimeout)
	if res := f.svc.ProcessQueuedNotifications(ctx, 10); res.Processed != 0 {
		t.Fatalf("after redrive: result = %+v, want nothing processed", res)
	}
	if got := f.stats(t, f.cfg.DeadLetterQueueName).VisibleMessages; got != 1 {
		t.Fatalf("dead-letter visible = %d, want 1", got)
	}

	snap := f.svc.GetQueueStats(ctx)
	if snap.Status != StatusEnabled || snap.TotalPending != 0 || snap.TotalFailed != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	rq := f.svc.RequeueFailedMessages(ctx, 10)
	if rq.Status != StatusSuccess || rq.Requeued != 1 || rq.AvailableInDeadLetter != 1 {
		t.Fatalf("requeue = %+v", rq)
	}
	rec := f.store.lastSend(t)
	if rec.queue != f.cfg.QueueName || rec.env.ID != originalID || rec.env.RetryCount != 0 {
		t.Errorf("requeued envelope = %+v on %s", rec.env, rec.queue)
	}
	if rec.env.ErrorMessage != "requeued from dead-letter queue" {
		t.Errorf("error_message = %q", rec.env.ErrorMessage)
	}
	if got := f.stats(t, f.cfg.DeadLetterQueueName); got.VisibleMessages+got.InFlightMessages != 0 {
		t.Errorf("dead-letter queue not drained: %+v", got)
	}

	f.sink.setFail(false)
	if res := f.svc.ProcessQueuedNotifications(ctx, 10); res.Successful != 1 {
		t.Errorf("after recovery: result = %+v, want success", res)
	}
}

func TestProcess_MalformedMessagesDiscarded(t *testing.T) {
	dir := t.TempDir()
	arch, err := archive.NewLocalFileStore(dir)
	if err != nil {
		t.Fatalf("NewLocalFileStore() error = %v", err)
	}
	f := newFixture(t)
	f.svc.archive = arch
	ctx := context.Background()

	badKind := &queue.Envelope{ID: "bad-kind", Kind: "bogus", Payload: json.RawMessage(`{}`), MaxRetries: 3}
	badPayload := queue.NewEnvelope(queue.KindNotificationDelivery, json.RawMessage(`{"notification":{"subject":""}}`), 3)
	for _, env := range []*queue.Envelope{badKind, badPayload} {
		if _, err := f.store.Store.Send(ctx, f.cfg.QueueName, env, 0); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	res := f.svc.ProcessQueuedNotifications(ctx, 10)
	if res.Failed != 2 || res.Successful != 0 || res.Retried != 0 || res.Processed != 0 {
		t.Errorf("result = %+v, want two failed", res)
	}
	for _, e := range res.Errors {
		if !strings.HasPrefix(e, "processing error:") {
			t.Errorf("error %q lacks prefix", e)
		}
	}
	if len(f.sink.calls()) != 0 {
		t.Error("malformed message reached the sink")
	}

	f.clock.Advance(time.Hour)
	st := f.stats(t, f.cfg.QueueName)
	if st.VisibleMessages+st.InFlightMessages != 0 {
		t.Errorf("malformed messages not deleted: %+v", st)
	}

	keys, err := arch.List(ctx, archive.ReasonMalformed+"/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("archived = %v, want 2 records", keys)
	}
}

func TestProcess_ExhaustedIsArchived(t *testing.T) {
	arch, err := archive.NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFileStore() error = %v", err)
	}
	f := newFixture(t, func(c *Config) { c.MaxRetries = 1 })
	f.svc.archive = arch
	f.sink.setFail(true)
	ctx := context.Background()

	f.svc.QueueNotification(ctx, testPayload(), QueueOptions{})
	id := f.store.lastSend(t).env.ID

	if res := f.svc.ProcessQueuedNotifications(ctx, 10); res.Retried != 1 {
		t.Fatalf("first attempt: result = %+v", res)
	}
	f.clock.Advance(30 * time.Second)
	if res := f.svc.ProcessQueuedNotifications(ctx, 10); res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	rec, err := archive.Load(ctx, arch, archive.ReasonExhausted+"/"+id+".json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rec.EnvelopeID != id || rec.Queue != f.cfg.QueueName || rec.ReceiveCount != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestProcess_ZeroMaxRetriesNeverResends(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxRetries = 0 })
	f.sink.setFail(true)
	ctx := context.Background()

	if !f.svc.QueueNotification(ctx, testPayload(), QueueOptions{}) {
		t.Fatal("QueueNotification() = false")
	}
	if got := f.store.lastSend(t).env.MaxRetries; got != 0 {
		t.Fatalf("envelope max_retries = %d, want 0", got)
	}

	res := f.svc.ProcessQueuedNotifications(ctx, 10)
	if res.Failed != 1 || res.Retried != 0 {
		t.Errorf("result = %+v, want one failure and no retry", res)
	}
	if got := f.stats(t, f.cfg.QueueName); got.VisibleMessages+got.DelayedMessages != 0 {
		t.Errorf("live queue = %+v, want nothing resent", got)
	}
}

func TestProcess_ResendFailureCountsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.QueueNotification(ctx, testPayload(), QueueOptions{})
	f.sink.setFail(true)
	f.store.failSend(f.cfg.QueueName, queue.ErrUnavailable)

	res := f.svc.ProcessQueuedNotifications(ctx, 10)
	if res.Failed != 1 || res.Retried != 0 {
		t.Errorf("result = %+v, want failed without retry", res)
	}
}

func TestProcess_DeliveryTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DeliveryTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	f.svc.QueueNotification(ctx, testPayload(), QueueOptions{})

	f.sink.sendFn = func(ctx context.Context, _ *sink.Message) (*sink.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	res := f.svc.ProcessQueuedNotifications(ctx, 10)
	if time.Since(start) > 2*time.Second {
		t.Errorf("batch took %v, delivery timeout not applied", time.Since(start))
	}
	if res.Retried != 1 {
		t.Errorf("result = %+v, want the timed out delivery retried", res)
	}
}

func TestProcess_PanickingSinkIsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.QueueNotification(ctx, testPayload(), QueueOptions{})
	f.sink.sendFn = func(context.Context, *sink.Message) (*sink.Result, error) {
		panic("boom")
	}

	res := f.svc.ProcessQueuedNotifications(ctx, 10)
	if res.Retried != 1 || res.Successful != 0 {
		t.Errorf("result = %+v, want panic treated as delivery failure", res)
	}
}

func TestProcess_StopsWhenContextDone(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.svc.QueueNotification(context.Background(), testPayload(), QueueOptions{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.svc.ProcessQueuedNotifications(ctx, 10)
	if res.Processed != 0 || len(f.sink.calls()) != 0 {
		t.Errorf("result = %+v, want no deliveries after cancellation", res)
	}
	if got := f.stats(t, f.cfg.QueueName).InFlightMessages; got != 3 {
		t.Errorf("in-flight = %d, want leases left to expire", got)
	}
}

func TestRequeue_KeepsMessageWhenSendFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := queue.NewEnvelope(queue.KindNotificationDelivery, mustPayload(t), 3)
	env.RetryCount = 3
	if _, err := f.store.Store.Send(ctx, f.cfg.DeadLetterQueueName, env, 0); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	f.store.failSend(f.cfg.QueueName, queue.ErrUnavailable)

	res := f.svc.RequeueFailedMessages(ctx, 10)
	if res.Requeued != 0 || res.AvailableInDeadLetter != 1 || len(res.Errors) != 1 {
		t.Errorf("result = %+v", res)
	}

	f.clock.Advance(f.cfg.DeadLetterVisibilityTimeout)
	if got := f.stats(t, f.cfg.DeadLetterQueueName).VisibleMessages; got != 1 {
		t.Errorf("dead-letter visible = %d, want the message kept", got)
	}
}

func TestRequeue_DrainsAcrossBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		env := queue.NewEnvelope(queue.KindNotificationDelivery, mustPayload(t), 3)
		if _, err := f.store.Store.Send(ctx, f.cfg.DeadLetterQueueName, env, 0); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	res := f.svc.RequeueFailedMessages(ctx, 12)
	if res.Status != StatusSuccess || res.Requeued != 12 || res.AvailableInDeadLetter != 12 {
		t.Fatalf("first requeue = %+v, want 12 moved", res)
	}

	res = f.svc.RequeueFailedMessages(ctx, 1000)
	if res.Requeued != 3 || len(res.Errors) != 0 {
		t.Fatalf("second requeue = %+v, want the remaining 3", res)
	}
	if got := f.stats(t, f.cfg.QueueName).VisibleMessages; got != 15 {
		t.Errorf("live visible = %d, want 15", got)
	}
}

func TestGetQueueStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.QueueNotification(ctx, testPayload(), QueueOptions{})
	f.svc.QueueNotification(ctx, testPayload(), QueueOptions{Delay: time.Minute})

	snap := f.svc.GetQueueStats(ctx)
	if snap.Status != StatusEnabled {
		t.Fatalf("status = %q, error = %q", snap.Status, snap.Error)
	}
	if snap.TotalPending != 1 || snap.NotificationQueue.DelayedMessages != 1 || snap.TotalFailed != 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	f.store.statsErr = errors.New("unreachable")
	if snap := f.svc.GetQueueStats(ctx); snap.Status != StatusError || snap.Error == "" {
		t.Errorf("snapshot = %+v, want error", snap)
	}
}

func TestPurgeQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.QueueNotification(ctx, testPayload(), QueueOptions{})

	if err := f.svc.PurgeQueue(ctx, QueueLive); err != nil {
		t.Fatalf("PurgeQueue() error = %v", err)
	}
	if got := f.stats(t, f.cfg.QueueName).VisibleMessages; got != 0 {
		t.Errorf("visible = %d after purge", got)
	}
	if err := f.svc.PurgeQueue(ctx, QueueDeadLetter); err != nil {
		t.Errorf("PurgeQueue(dead_letter) error = %v", err)
	}
	if err := f.svc.PurgeQueue(ctx, "other"); err == nil {
		t.Error("PurgeQueue(other) succeeded")
	}
}

func TestReady(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Ready(context.Background()); err != nil {
		t.Errorf("Ready() error = %v", err)
	}
	f.store.statsErr = queue.ErrUnavailable
	if err := f.svc.Ready(context.Background()); !errors.Is(err, queue.ErrUnavailable) {
		t.Errorf("Ready() error = %v, want ErrUnavailable", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
	if err := (Config{}).Validate(); err != nil {
		t.Errorf("disabled config should be valid, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.DeadLetterQueueName = cfg.QueueName
	cfg.MaxReceiveCount = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "must differ") || !strings.Contains(err.Error(), "max_receive_count") {
		t.Errorf("Validate() = %v", err)
	}
}

func mustPayload(t *testing.T) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(EnvelopePayload{Notification: testPayload(), Priority: PriorityNormal, QueuedAt: time.Now()})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}
