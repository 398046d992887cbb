package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	sendgridDefaultEndpoint = "https://api.sendgrid.com"
	sendgridSendPath        = "/v3/mail/send"
	sendgridScopesPath      = "/v3/scopes"
)

// SendGrid delivers notifications as email through the SendGrid v3 API.
// Broadcasts go to the configured subscribers as one message with one
// personalization block per address, so recipients do not see each other.
type SendGrid struct {
	apiKey      string
	endpoint    string
	from        string
	subscribers []string
	client      HTTPClient
	log         zerolog.Logger
}

// NewSendGrid creates a SendGrid sink from the config.
func NewSendGrid(cfg Config, client HTTPClient, log zerolog.Logger) *SendGrid {
	endpoint := cfg.SendGridEndpoint
	if endpoint == "" {
		endpoint = sendgridDefaultEndpoint
	}
	return &SendGrid{
		apiKey:      cfg.SendGridAPIKey,
		endpoint:    endpoint,
		from:        cfg.SendGridFrom,
		subscribers: cfg.SMTPSubscribers,
		client:      client,
		log:         log,
	}
}

func (s *SendGrid) Name() string { return "sendgrid" }

// Send delivers msg via the Mail Send API.
func (s *SendGrid) Send(ctx context.Context, msg *Message) (*Result, error) {
	to := []string{msg.Recipient}
	if msg.IsBroadcast() {
		if len(s.subscribers) == 0 {
			return nil, &Error{Sink: "sendgrid", Message: "broadcast", Permanent: true, Err: ErrNoSubscribers}
		}
		to = s.subscribers
	}

	body, err := json.Marshal(s.buildPayload(msg, to))
	if err != nil {
		return nil, fmt.Errorf("sendgrid: marshal request: %w", err)
	}

	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: http.MethodPost,
		URL:    s.endpoint + sendgridSendPath,
		Headers: map[string]string{
			"Authorization": "Bearer " + s.apiKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, &Error{Sink: "sendgrid", Message: "send request", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ClassifyHTTPError("sendgrid", resp.StatusCode, string(resp.Body))
	}

	messageID := resp.Headers["X-Message-Id"]
	s.log.Debug().Str("message_id", messageID).Int("recipients", len(to)).Msg("sendgrid accepted message")
	return &Result{
		MessageID: messageID,
		Status:    StatusSent,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"status_code": fmt.Sprintf("%d", resp.StatusCode),
			"recipients":  fmt.Sprintf("%d", len(to)),
		},
	}, nil
}

// HealthCheck verifies API connectivity and the key by calling the scopes endpoint.
func (s *SendGrid) HealthCheck(ctx context.Context) error {
	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: http.MethodGet,
		URL:    s.endpoint + sendgridScopesPath,
		Headers: map[string]string{
			"Authorization": "Bearer " + s.apiKey,
		},
	})
	if err != nil {
		return fmt.Errorf("sendgrid: health check request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendgrid: health check returned status %d", resp.StatusCode)
	}
	return nil
}

// sendgridPayload matches the SendGrid v3 mail/send JSON schema.
type sendgridPayload struct {
	Personalizations []sendgridPersonalization `json:"personalizations"`
	From             sendgridEmail             `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendgridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendgridPersonalization struct {
	To []sendgridEmail `json:"to"`
}

type sendgridEmail struct {
	Email string `json:"email"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *SendGrid) buildPayload(msg *Message, to []string) sendgridPayload {
	personalizations := make([]sendgridPersonalization, len(to))
	for i, addr := range to {
		personalizations[i] = sendgridPersonalization{To: []sendgridEmail{{Email: addr}}}
	}

	payload := sendgridPayload{
		Personalizations: personalizations,
		From:             sendgridEmail{Email: s.from},
		Subject:          msg.Subject,
		Content:          []sendgridContent{{Type: "text/plain", Value: msg.Body}},
	}
	if msg.ID != "" {
		payload.CustomArgs = map[string]string{"notification_id": msg.ID}
	}
	return payload
}
