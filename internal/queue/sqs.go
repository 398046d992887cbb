package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sqsMaxWaitSeconds is the SQS long-poll ceiling.
const sqsMaxWaitSeconds = 20

// SQSStore is a Store backed by Amazon SQS. Redrive to the dead-letter
// queue is delegated to the queue's RedrivePolicy.
type SQSStore struct {
	client sqsAPI
	log    zerolog.Logger

	mu   sync.RWMutex
	urls map[string]string
}

var _ Store = (*SQSStore)(nil)

// NewSQSStore creates an SQSStore on top of the given client.
func NewSQSStore(client sqsAPI, log zerolog.Logger) *SQSStore {
	return &SQSStore{
		client: client,
		log:    log,
		urls:   make(map[string]string),
	}
}

// queueURL resolves and caches the URL for a queue name.
func (s *SQSStore) queueURL(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	url, ok := s.urls[name]
	s.mu.RUnlock()
	if ok {
		return url, nil
	}

	url, err := s.client.GetQueueURL(ctx, name)
	if err != nil {
		if errors.Is(err, ErrQueueNotFound) {
			return "", fmt.Errorf("resolve queue %s: %w", name, ErrQueueNotFound)
		}
		return "", unavailable("sqs get queue url", err)
	}

	s.mu.Lock()
	s.urls[name] = url
	s.mu.Unlock()
	return url, nil
}

// redrivePolicy is the JSON document SQS expects in the RedrivePolicy attribute.
type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     string `json:"maxReceiveCount"`
}

// CreateQueue returns the URL of an existing queue or creates it. When a
// dead-letter queue is named it must already exist; its ARN is looked up and
// wired into the RedrivePolicy.
func (s *SQSStore) CreateQueue(ctx context.Context, spec QueueSpec) (string, error) {
	url, err := s.queueURL(ctx, spec.Name)
	if err == nil {
		return url, nil
	}
	if !errors.Is(err, ErrQueueNotFound) {
		return "", err
	}

	spec = spec.withDefaults()
	attrs := map[string]string{
		"VisibilityTimeout":             strconv.Itoa(int(spec.VisibilityTimeout.Seconds())),
		"MessageRetentionPeriod":        strconv.Itoa(int(spec.RetentionPeriod.Seconds())),
		"ReceiveMessageWaitTimeSeconds": strconv.Itoa(sqsMaxWaitSeconds),
	}

	if spec.DeadLetterQueue != "" {
		dlqURL, err := s.queueURL(ctx, spec.DeadLetterQueue)
		if err != nil {
			return "", fmt.Errorf("create queue %s: %w", spec.Name, err)
		}
		dlqAttrs, err := s.client.GetQueueAttributes(ctx, dlqURL, "QueueArn")
		if err != nil {
			return "", unavailable("sqs get dead-letter arn", err)
		}
		policy, err := json.Marshal(redrivePolicy{
			DeadLetterTargetArn: dlqAttrs["QueueArn"],
			MaxReceiveCount:     strconv.Itoa(spec.MaxReceiveCount),
		})
		if err != nil {
			return "", fmt.Errorf("marshal redrive policy: %w", err)
		}
		attrs["RedrivePolicy"] = string(policy)
	}

	url, err = s.client.CreateQueue(ctx, &sqsCreateQueueInput{
		QueueName:  spec.Name,
		Attributes: attrs,
	})
	if err != nil {
		return "", unavailable("sqs create queue", err)
	}

	s.mu.Lock()
	s.urls[spec.Name] = url
	s.mu.Unlock()

	s.log.Info().
		Str("queue", spec.Name).
		Str("dead_letter_queue", spec.DeadLetterQueue).
		Str("queue_url", url).
		Msg("sqs queue created")
	return url, nil
}

// Send serializes the envelope and sends it via SQS SendMessage. The delay
// is capped at 900 seconds (SQS maximum).
func (s *SQSStore) Send(ctx context.Context, queueName string, env *Envelope, delay time.Duration) (string, error) {
	url, err := s.queueURL(ctx, queueName)
	if err != nil {
		return "", err
	}

	data, err := env.Marshal()
	if err != nil {
		return "", err
	}

	out, err := s.client.SendMessage(ctx, &sqsSendInput{
		QueueURL:     url,
		MessageBody:  string(data),
		DelaySeconds: int32(clampDelay(delay) / time.Second),
		Attributes: map[string]sqsAttribute{
			"message_type": {DataType: "String", Value: env.Kind},
			"retry_count":  {DataType: "Number", Value: strconv.Itoa(env.RetryCount)},
		},
	})
	if err != nil {
		return "", unavailable("sqs send message", err)
	}

	MessagesEnqueuedTotal.WithLabelValues(queueName).Inc()
	return out.MessageID, nil
}

// Receive long-polls for up to opts.MaxMessages messages.
func (s *SQSStore) Receive(ctx context.Context, queueName string, opts ReceiveOptions) ([]Delivery, error) {
	url, err := s.queueURL(ctx, queueName)
	if err != nil {
		return nil, err
	}

	wait := int32(opts.WaitTime / time.Second)
	if wait > sqsMaxWaitSeconds {
		wait = sqsMaxWaitSeconds
	}
	if wait < 0 {
		wait = 0
	}

	out, err := s.client.ReceiveMessage(ctx, &sqsReceiveInput{
		QueueURL:            url,
		MaxNumberOfMessages: int32(clampBatch(opts.MaxMessages)),
		WaitTimeSeconds:     wait,
		VisibilityTimeout:   int32(opts.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return nil, unavailable("sqs receive message", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.ReceiveCount)
		d := decodeDelivery(m.MessageID, m.ReceiptHandle, count, []byte(m.Body))
		if d.DecodeErr != nil {
			s.log.Warn().Err(d.DecodeErr).
				Str("queue", queueName).
				Str("sqs_message_id", m.MessageID).
				Msg("received malformed sqs message")
		}
		deliveries = append(deliveries, d)
	}

	MessagesReceivedTotal.WithLabelValues(queueName).Add(float64(len(deliveries)))
	return deliveries, nil
}

// Delete removes a message using its receipt handle.
func (s *SQSStore) Delete(ctx context.Context, queueName, leaseToken string) error {
	url, err := s.queueURL(ctx, queueName)
	if err != nil {
		return err
	}

	if err := s.client.DeleteMessage(ctx, &sqsDeleteInput{
		QueueURL:      url,
		ReceiptHandle: leaseToken,
	}); err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			return fmt.Errorf("delete from %s: %w", queueName, ErrLeaseNotFound)
		}
		return unavailable("sqs delete message", err)
	}
	return nil
}

// Stats reads the approximate message counts from the queue attributes.
func (s *SQSStore) Stats(ctx context.Context, queueName string) (*Stats, error) {
	url, err := s.queueURL(ctx, queueName)
	if err != nil {
		return nil, err
	}

	attrs, err := s.client.GetQueueAttributes(ctx, url)
	if err != nil {
		if errors.Is(err, ErrQueueNotFound) {
			return nil, fmt.Errorf("stats for %s: %w", queueName, ErrQueueNotFound)
		}
		return nil, unavailable("sqs get queue attributes", err)
	}

	created, _ := strconv.ParseInt(attrs["CreatedTimestamp"], 10, 64)
	st := &Stats{
		QueueName:        queueName,
		VisibleMessages:  parseCount(attrs["ApproximateNumberOfMessages"]),
		InFlightMessages: parseCount(attrs["ApproximateNumberOfMessagesNotVisible"]),
		DelayedMessages:  parseCount(attrs["ApproximateNumberOfMessagesDelayed"]),
		CreatedTimestamp: time.Unix(created, 0).UTC(),
	}
	QueueDepth.WithLabelValues(queueName).Set(float64(st.VisibleMessages))
	return st, nil
}

// Purge deletes every message in the queue. SQS allows one purge per queue
// every 60 seconds.
func (s *SQSStore) Purge(ctx context.Context, queueName string) error {
	url, err := s.queueURL(ctx, queueName)
	if err != nil {
		return err
	}
	if err := s.client.PurgeQueue(ctx, url); err != nil {
		return unavailable("sqs purge queue", err)
	}
	s.log.Warn().Str("queue", queueName).Msg("sqs queue purged")
	return nil
}

// ListQueues returns queue names, derived from the last URL segment.
func (s *SQSStore) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	urls, err := s.client.ListQueues(ctx, prefix)
	if err != nil {
		return nil, unavailable("sqs list queues", err)
	}
	names := make([]string, 0, len(urls))
	for _, u := range urls {
		names = append(names, u[strings.LastIndex(u, "/")+1:])
	}
	return names, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *SQSStore) Close() error { return nil }

func parseCount(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// unavailable marks err as a transport failure of the store.
func unavailable(op string, err error) error {
	StoreErrorsTotal.WithLabelValues(op).Inc()
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
