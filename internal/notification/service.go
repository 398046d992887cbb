// Package notification is the reliable delivery layer for inventory
// notifications. It queues notifications through a queue.Store, drains them
// into a sink.Sink, retries failures with backoff and recovers work parked
// in the dead-letter queue.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/archive"
	"github.com/sungwon/inventory-notify/internal/metrics"
	"github.com/sungwon/inventory-notify/internal/queue"
	"github.com/sungwon/inventory-notify/internal/sink"
)

// ErrDisabled is returned by operations that need the queue while the
// service is administratively disabled.
var ErrDisabled = errors.New("notification: queueing is disabled")

// requeueWaitTime bounds the dead-letter receive during recovery.
const requeueWaitTime = time.Second

// Status values reported in results.
const (
	StatusSuccess  = "success"
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
	StatusError    = "error"
)

// QueueKind selects one of the two queues owned by the service.
type QueueKind string

const (
	QueueLive       QueueKind = "live"
	QueueDeadLetter QueueKind = "dead_letter"
)

// QueueOptions tunes a single QueueNotification call.
type QueueOptions struct {
	Delay    time.Duration
	Priority Priority
}

// BatchResult summarizes one ProcessQueuedNotifications call.
type BatchResult struct {
	Status     string   `json:"status"`
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Retried    int      `json:"retried"`
	Errors     []string `json:"errors"`
}

// RequeueResult summarizes one RequeueFailedMessages call.
type RequeueResult struct {
	Status                string   `json:"status"`
	Requeued              int      `json:"requeued"`
	AvailableInDeadLetter int      `json:"available_in_dead_letter"`
	Errors                []string `json:"errors,omitempty"`
}

// StatsSnapshot combines the live and dead-letter queue stats.
type StatsSnapshot struct {
	Status            string       `json:"status"`
	NotificationQueue *queue.Stats `json:"notification_queue,omitempty"`
	DeadLetterQueue   *queue.Stats `json:"dead_letter_queue,omitempty"`
	TotalPending      int64        `json:"total_pending"`
	TotalFailed       int64        `json:"total_failed"`
	Error             string       `json:"error,omitempty"`
}

// Service orchestrates enqueue, batch processing, retries and dead-letter
// recovery. It is safe for concurrent producers.
type Service struct {
	cfg     Config
	store   queue.Store
	sink    sink.Sink
	archive archive.Store
	retry   *queue.RetryStrategy
	log     zerolog.Logger
}

// NewService wires a Service. store may be nil when cfg.Enabled is false;
// arch may be nil to skip archiving.
func NewService(cfg Config, store queue.Store, s sink.Sink, arch archive.Store, log zerolog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		sink:    s,
		archive: arch,
		retry:   queue.NewRetryStrategy(cfg.MaxRetries),
		log:     log.With().Str("component", "notification").Logger(),
	}
}

// Enabled reports whether notifications go through the queue.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// EnsureQueues creates the dead-letter queue and then the live queue with
// redrive to it. Both calls are idempotent.
func (s *Service) EnsureQueues(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if _, err := s.store.CreateQueue(ctx, queue.QueueSpec{
		Name:              s.cfg.DeadLetterQueueName,
		VisibilityTimeout: s.cfg.DeadLetterVisibilityTimeout,
		RetentionPeriod:   s.cfg.RetentionPeriod,
	}); err != nil {
		return fmt.Errorf("create dead-letter queue %s: %w", s.cfg.DeadLetterQueueName, err)
	}
	handle, err := s.store.CreateQueue(ctx, queue.QueueSpec{
		Name:              s.cfg.QueueName,
		DeadLetterQueue:   s.cfg.DeadLetterQueueName,
		VisibilityTimeout: s.cfg.VisibilityTimeout,
		RetentionPeriod:   s.cfg.RetentionPeriod,
		MaxReceiveCount:   s.cfg.MaxReceiveCount,
	})
	if err != nil {
		return fmt.Errorf("create queue %s: %w", s.cfg.QueueName, err)
	}
	s.log.Info().
		Str("queue", s.cfg.QueueName).
		Str("dead_letter_queue", s.cfg.DeadLetterQueueName).
		Str("handle", handle).
		Msg("notification queues ready")
	return nil
}

// QueueNotification accepts a notification for delivery. While disabled, or
// when the enqueue fails, it sends directly through the sink and returns the
// sink outcome. It never returns an error.
func (s *Service) QueueNotification(ctx context.Context, p Payload, opts QueueOptions) bool {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if !s.cfg.Enabled {
		return s.sendDirect(ctx, p, opts.Priority, "direct")
	}

	body, err := json.Marshal(EnvelopePayload{
		Notification: p,
		Priority:     opts.Priority,
		QueuedAt:     time.Now().UTC(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode notification, sending directly")
		return s.sendDirect(ctx, p, opts.Priority, "fallback")
	}

	env := queue.NewEnvelope(queue.KindNotificationDelivery, body, s.cfg.MaxRetries)
	msgID, err := s.store.Send(ctx, s.cfg.QueueName, env, opts.Delay)
	if err != nil {
		s.log.Warn().Err(err).
			Str("envelope_id", env.ID).
			Str("queue", s.cfg.QueueName).
			Msg("enqueue failed, falling back to direct send")
		return s.sendDirect(ctx, p, opts.Priority, "fallback")
	}

	metrics.NotificationsQueuedTotal.WithLabelValues("queue", string(opts.Priority)).Inc()
	s.log.Debug().
		Str("envelope_id", env.ID).
		Str("message_id", msgID).
		Str("priority", string(opts.Priority)).
		Dur("delay", opts.Delay).
		Msg("notification queued")
	return true
}

func (s *Service) sendDirect(ctx context.Context, p Payload, priority Priority, path string) bool {
	ok := s.deliver(ctx, p.message(""))
	if ok {
		metrics.NotificationsQueuedTotal.WithLabelValues(path, string(priority)).Inc()
	}
	return ok
}

// deliver runs one sink call under DeliveryTimeout.
func (s *Service) deliver(ctx context.Context, msg *sink.Message) bool {
	if s.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
		defer cancel()
	}
	return sink.Deliver(ctx, s.sink, msg, s.log)
}

// ProcessQueuedNotifications leases up to batchSize messages from the live
// queue and settles each one: delete on success, resend with backoff while
// the retry budget lasts, and otherwise leave the lease to expire so the
// store redrives the message to the dead-letter queue. It stops taking new
// messages once ctx is done.
func (s *Service) ProcessQueuedNotifications(ctx context.Context, batchSize int) BatchResult {
	if !s.cfg.Enabled {
		return BatchResult{Status: StatusDisabled, Errors: []string{}}
	}

	deliveries, err := s.store.Receive(ctx, s.cfg.QueueName, queue.ReceiveOptions{
		MaxMessages:       batchSize,
		WaitTime:          s.cfg.ReceiveWaitTime,
		VisibilityTimeout: s.cfg.VisibilityTimeout,
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue", s.cfg.QueueName).Msg("receive failed")
		return BatchResult{Status: StatusError, Errors: []string{err.Error()}}
	}

	res := BatchResult{Status: StatusSuccess, Errors: []string{}}
	for _, d := range deliveries {
		if ctx.Err() != nil {
			s.log.Warn().
				Int("remaining", len(deliveries)-res.Processed-res.Failed).
				Msg("batch interrupted, leases will expire")
			break
		}
		s.settle(ctx, d, &res)
	}
	return res
}

func (s *Service) settle(ctx context.Context, d queue.Delivery, res *BatchResult) {
	if d.Envelope == nil {
		s.discard(ctx, d, nil, d.DecodeErr, res)
		return
	}
	env := d.Envelope
	ep, err := decodePayload(env)
	if err != nil {
		s.discard(ctx, d, env, err, res)
		return
	}

	res.Processed++
	log := s.log.With().
		Str("envelope_id", env.ID).
		Int("retry_count", env.RetryCount).
		Int("receive_count", d.ReceiveCount).
		Logger()

	if s.deliver(ctx, ep.Notification.message(env.ID)) {
		if err := s.store.Delete(ctx, s.cfg.QueueName, d.LeaseToken); err != nil {
			log.Warn().Err(err).Msg("delete after delivery failed, message may be delivered again")
			res.Errors = append(res.Errors, fmt.Sprintf("delete %s: %v", env.ID, err))
		}
		res.Successful++
		metrics.NotificationsProcessedTotal.WithLabelValues("successful").Inc()
		return
	}

	if env.Exhausted() {
		res.Failed++
		res.Errors = append(res.Errors, "max retries exceeded for "+ep.Notification.Recipient())
		metrics.NotificationsProcessedTotal.WithLabelValues("failed").Inc()
		s.park(ctx, archive.ReasonExhausted, d, env, "max retries exceeded")
		log.Warn().Msg("retry budget exhausted, leaving message for dead-letter redrive")
		return
	}

	// Delete first: a crash before the resend drops this retry.
	if err := s.store.Delete(ctx, s.cfg.QueueName, d.LeaseToken); err != nil {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("delete %s before retry: %v", env.ID, err))
		metrics.NotificationsProcessedTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("could not delete original, it will be redelivered")
		return
	}

	next := env.NextAttempt(fmt.Sprintf("delivery via %s failed, retrying", s.sink.Name()))
	delay := s.retry.NextBackoff(next.RetryCount)
	if _, err := s.store.Send(ctx, s.cfg.QueueName, next, delay); err != nil {
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("resend %s: %v", env.ID, err))
		metrics.NotificationsProcessedTotal.WithLabelValues("failed").Inc()
		s.park(ctx, archive.ReasonExhausted, d, next, "retry resend failed: "+err.Error())
		log.Error().Err(err).Msg("retry resend failed")
		return
	}

	res.Retried++
	metrics.NotificationsProcessedTotal.WithLabelValues("retried").Inc()
	metrics.NotificationRetryDelay.Observe(delay.Seconds())
	log.Info().
		Int("next_retry_count", next.RetryCount).
		Dur("delay", delay).
		Msg("delivery failed, retry scheduled")
}

// discard deletes a message that can never be delivered.
func (s *Service) discard(ctx context.Context, d queue.Delivery, env *queue.Envelope, cause error, res *BatchResult) {
	res.Failed++
	res.Errors = append(res.Errors, fmt.Sprintf("processing error: %v", cause))
	metrics.NotificationsProcessedTotal.WithLabelValues("malformed").Inc()

	s.park(ctx, archive.ReasonMalformed, d, env, fmt.Sprint(cause))
	if err := s.store.Delete(ctx, s.cfg.QueueName, d.LeaseToken); err != nil {
		s.log.Warn().Err(err).Str("message_id", d.MessageID).Msg("failed to delete malformed message")
	}
	s.log.Warn().Str("message_id", d.MessageID).AnErr("cause", cause).Msg("discarded malformed message")
}

// park copies a message to the archive when one is configured.
func (s *Service) park(ctx context.Context, reason string, d queue.Delivery, env *queue.Envelope, cause string) {
	if s.archive == nil {
		return
	}
	rec := archive.Record{
		Reason:       reason,
		Queue:        s.cfg.QueueName,
		MessageID:    d.MessageID,
		ReceiveCount: d.ReceiveCount,
		Error:        cause,
		Body:         d.Body,
	}
	if env != nil {
		rec.EnvelopeID = env.ID
		if body, err := env.Marshal(); err == nil {
			rec.Body = body
		}
	}
	key, err := archive.Save(ctx, s.archive, rec)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", d.MessageID).Msg("failed to archive message")
		return
	}
	metrics.NotificationsArchivedTotal.WithLabelValues(reason).Inc()
	s.log.Debug().Str("key", key).Msg("message archived")
}

// RequeueFailedMessages moves up to maxMessages envelopes from the
// dead-letter queue back to the live queue with a fresh retry budget,
// receiving in store-sized batches until the queue runs dry. A dead-letter
// message is deleted only after its resend succeeded.
func (s *Service) RequeueFailedMessages(ctx context.Context, maxMessages int) RequeueResult {
	if !s.cfg.Enabled {
		return RequeueResult{Status: StatusDisabled}
	}

	res := RequeueResult{Status: StatusSuccess}
	for remaining := maxMessages; remaining > 0; {
		deliveries, err := s.store.Receive(ctx, s.cfg.DeadLetterQueueName, queue.ReceiveOptions{
			MaxMessages:       remaining,
			WaitTime:          requeueWaitTime,
			VisibilityTimeout: s.cfg.DeadLetterVisibilityTimeout,
		})
		if err != nil {
			s.log.Error().Err(err).Str("queue", s.cfg.DeadLetterQueueName).Msg("dead-letter receive failed")
			if res.AvailableInDeadLetter == 0 {
				return RequeueResult{Status: StatusError, Errors: []string{err.Error()}}
			}
			res.Errors = append(res.Errors, err.Error())
			break
		}
		if len(deliveries) == 0 {
			break
		}
		res.AvailableInDeadLetter += len(deliveries)
		remaining -= len(deliveries)
		for _, d := range deliveries {
			s.requeueOne(ctx, d, &res)
		}
	}

	s.log.Info().
		Int("requeued", res.Requeued).
		Int("received", res.AvailableInDeadLetter).
		Msg("dead-letter requeue finished")
	return res
}

func (s *Service) requeueOne(ctx context.Context, d queue.Delivery, res *RequeueResult) {
	if d.Envelope == nil {
		res.Errors = append(res.Errors, fmt.Sprintf("skip malformed %s: %v", d.MessageID, d.DecodeErr))
		return
	}
	fresh := d.Envelope.Reset("requeued from dead-letter queue")
	if _, err := s.store.Send(ctx, s.cfg.QueueName, fresh, 0); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("requeue %s: %v", fresh.ID, err))
		s.log.Warn().Err(err).Str("envelope_id", fresh.ID).Msg("requeue failed, message stays in dead-letter queue")
		return
	}
	if err := s.store.Delete(ctx, s.cfg.DeadLetterQueueName, d.LeaseToken); err != nil {
		s.log.Warn().Err(err).Str("envelope_id", fresh.ID).Msg("requeued but not removed from dead-letter queue")
		res.Errors = append(res.Errors, fmt.Sprintf("delete %s from dead-letter queue: %v", fresh.ID, err))
	}
	res.Requeued++
	metrics.NotificationsRequeuedTotal.Inc()
}

// GetQueueStats reads fresh stats for both queues.
func (s *Service) GetQueueStats(ctx context.Context) StatsSnapshot {
	if !s.cfg.Enabled {
		return StatsSnapshot{Status: StatusDisabled}
	}

	live, err := s.store.Stats(ctx, s.cfg.QueueName)
	if err != nil {
		return StatsSnapshot{Status: StatusError, Error: err.Error()}
	}
	dlq, err := s.store.Stats(ctx, s.cfg.DeadLetterQueueName)
	if err != nil {
		return StatsSnapshot{Status: StatusError, Error: err.Error()}
	}

	observeQueue(QueueLive, live)
	observeQueue(QueueDeadLetter, dlq)
	return StatsSnapshot{
		Status:            StatusEnabled,
		NotificationQueue: live,
		DeadLetterQueue:   dlq,
		TotalPending:      live.VisibleMessages,
		TotalFailed:       dlq.VisibleMessages,
	}
}

func observeQueue(kind QueueKind, st *queue.Stats) {
	metrics.NotificationQueueMessages.WithLabelValues(string(kind), "visible").Set(float64(st.VisibleMessages))
	metrics.NotificationQueueMessages.WithLabelValues(string(kind), "in_flight").Set(float64(st.InFlightMessages))
	metrics.NotificationQueueMessages.WithLabelValues(string(kind), "delayed").Set(float64(st.DelayedMessages))
}

// Ready reports whether the live queue can be reached.
func (s *Service) Ready(ctx context.Context) error {
	if !s.cfg.Enabled {
		return s.sink.HealthCheck(ctx)
	}
	_, err := s.store.Stats(ctx, s.cfg.QueueName)
	return err
}

// PurgeQueue drops every message in the selected queue.
func (s *Service) PurgeQueue(ctx context.Context, kind QueueKind) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	name, err := s.queueName(kind)
	if err != nil {
		return err
	}
	if err := s.store.Purge(ctx, name); err != nil {
		return fmt.Errorf("purge %s: %w", name, err)
	}
	s.log.Warn().Str("queue", name).Msg("queue purged")
	return nil
}

// ListQueues returns the queue names known to the store.
func (s *Service) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	return s.store.ListQueues(ctx, prefix)
}

func (s *Service) queueName(kind QueueKind) (string, error) {
	switch kind {
	case QueueLive:
		return s.cfg.QueueName, nil
	case QueueDeadLetter:
		return s.cfg.DeadLetterQueueName, nil
	default:
		return "", fmt.Errorf("unknown queue %q (want %s or %s)", kind, QueueLive, QueueDeadLetter)
	}
}
