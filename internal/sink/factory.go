package sink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// New creates the sink selected by cfg.Type.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sink config: %w", err)
	}

	log = log.With().Str("sink", cfg.Type).Logger()

	switch cfg.Type {
	case "sns":
		client, err := newAWSSNSClient(ctx, cfg.SNSRegion, cfg.SNSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("create sns client: %w", err)
		}
		return NewSNS(client, cfg.SNSTopicARN, cfg.SNSTopicName, log), nil
	case "smtp":
		signer, err := NewDKIMSigner(cfg)
		if err != nil {
			return nil, err
		}
		return NewSMTP(cfg, signer, log), nil
	case "sendgrid":
		return NewSendGrid(cfg, NewHTTPClient(cfg.Timeout), log), nil
	case "stdout":
		return NewStdout(), nil
	case "file":
		return NewFile(cfg.FileDir), nil
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}
