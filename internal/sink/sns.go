package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// snsMaxSubject is the SNS limit for the email subject line.
const snsMaxSubject = 100

// SNS publishes notifications to an SNS topic whose email subscribers
// receive them. Direct recipients are passed as a "recipient" message
// attribute for subscription filter policies.
type SNS struct {
	client    snsAPI
	topicName string
	log       zerolog.Logger

	mu       sync.Mutex
	topicARN string
}

// NewSNS creates an SNS sink. When topicARN is empty the ARN is resolved
// from topicName on first use and cached.
func NewSNS(client snsAPI, topicARN, topicName string, log zerolog.Logger) *SNS {
	return &SNS{
		client:    client,
		topicARN:  topicARN,
		topicName: topicName,
		log:       log,
	}
}

func (s *SNS) Name() string { return "sns" }

// resolveTopic returns the configured ARN or looks it up by name.
func (s *SNS) resolveTopic(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topicARN != "" {
		return s.topicARN, nil
	}

	arns, err := s.client.ListTopicARNs(ctx)
	if err != nil {
		return "", &Error{Sink: "sns", Message: "list topics", Err: err}
	}
	suffix := ":" + s.topicName
	for _, arn := range arns {
		if strings.HasSuffix(arn, suffix) {
			s.topicARN = arn
			s.log.Debug().Str("topic_arn", arn).Msg("resolved sns topic")
			return arn, nil
		}
	}
	return "", &Error{Sink: "sns", Message: fmt.Sprintf("topic %q not found", s.topicName), Permanent: true}
}

// Send publishes the notification to the topic.
func (s *SNS) Send(ctx context.Context, msg *Message) (*Result, error) {
	arn, err := s.resolveTopic(ctx)
	if err != nil {
		return nil, err
	}

	input := &snsPublishInput{
		TopicARN: arn,
		Subject:  snsSubject(msg.Subject),
		Message:  msg.Body,
	}
	if !msg.IsBroadcast() {
		input.Attributes = map[string]string{"recipient": msg.Recipient}
	}

	id, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, &Error{Sink: "sns", Message: "publish", Err: err}
	}
	if id == "" {
		return &Result{Status: StatusFailed, Timestamp: time.Now()}, nil
	}

	return &Result{
		MessageID: id,
		Status:    StatusSent,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"topic_arn": arn},
	}, nil
}

// HealthCheck verifies the topic exists and is readable.
func (s *SNS) HealthCheck(ctx context.Context) error {
	arn, err := s.resolveTopic(ctx)
	if err != nil {
		return err
	}
	if _, err := s.client.GetTopicAttributes(ctx, arn); err != nil {
		return fmt.Errorf("sns: get topic attributes: %w", err)
	}
	return nil
}

// EnsureTopic creates the configured topic if needed and caches its ARN.
func (s *SNS) EnsureTopic(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topicARN != "" {
		return s.topicARN, nil
	}
	arn, err := s.client.CreateTopic(ctx, s.topicName)
	if err != nil {
		return "", fmt.Errorf("sns: create topic %s: %w", s.topicName, err)
	}
	s.topicARN = arn
	return arn, nil
}

// Subscribe adds an email subscriber to the topic. SNS sends the address a
// confirmation mail; it receives nothing until confirmed.
func (s *SNS) Subscribe(ctx context.Context, email string) (string, error) {
	arn, err := s.EnsureTopic(ctx)
	if err != nil {
		return "", err
	}
	sub, err := s.client.Subscribe(ctx, arn, "email", email)
	if err != nil {
		return "", fmt.Errorf("sns: subscribe %s: %w", email, err)
	}
	s.log.Info().Str("topic_arn", arn).Str("email", email).Msg("sns subscription requested")
	return sub, nil
}

// snsSubject makes s acceptable as an SNS subject: single line, at most 100
// characters.
func snsSubject(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > snsMaxSubject {
		r = r[:snsMaxSubject]
	}
	return string(r)
}
