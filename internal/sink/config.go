package sink

import (
	"errors"
	"time"
)

// Config selects and configures the delivery sink.
type Config struct {
	// Type identifies the sink: "sns", "smtp", "sendgrid", "stdout", "file".
	Type string `mapstructure:"type"`

	// Timeout bounds a single delivery call.
	Timeout time.Duration `mapstructure:"timeout"`

	// SNS-specific fields. TopicARN wins over TopicName.
	SNSRegion    string `mapstructure:"sns_region"`
	SNSEndpoint  string `mapstructure:"sns_endpoint"`
	SNSTopicARN  string `mapstructure:"sns_topic_arn"`
	SNSTopicName string `mapstructure:"sns_topic_name"`

	// SMTP-specific fields.
	SMTPAddr        string   `mapstructure:"smtp_addr"`
	SMTPHelo        string   `mapstructure:"smtp_helo"`
	SMTPUsername    string   `mapstructure:"smtp_username"`
	SMTPPassword    string   `mapstructure:"smtp_password"`
	SMTPFrom        string   `mapstructure:"smtp_from"`
	SMTPStartTLS    bool     `mapstructure:"smtp_starttls"`
	// SMTPSubscribers receive broadcasts on the smtp and sendgrid sinks.
	SMTPSubscribers []string `mapstructure:"smtp_subscribers"`

	// SendGrid-specific fields.
	SendGridAPIKey   string `mapstructure:"sendgrid_api_key"`
	SendGridEndpoint string `mapstructure:"sendgrid_endpoint"`
	SendGridFrom     string `mapstructure:"sendgrid_from"`

	// DKIM signing for the SMTP sink; disabled when DKIMSelector is empty.
	DKIMSelector   string `mapstructure:"dkim_selector"`
	DKIMDomain     string `mapstructure:"dkim_domain"`
	DKIMKeyPath    string `mapstructure:"dkim_key_path"`
	DKIMPrivateKey string `mapstructure:"dkim_private_key"`

	// FileDir is the output directory of the file sink.
	FileDir string `mapstructure:"file_dir"`
}

const defaultTimeout = 10 * time.Second

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Type:         "sns",
		Timeout:      defaultTimeout,
		SNSRegion:    "us-east-1",
		SNSTopicName: "product-notifications",
		SMTPAddr:     "localhost:25",
		SMTPHelo:     "localhost",
		FileDir:      defaultOutputDir,
	}
}

// Validate checks that required fields are set based on sink type.
func (c *Config) Validate() error {
	if c.Type == "" {
		return errors.New("sink type is required")
	}

	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}

	switch c.Type {
	case "sns":
		if c.SNSRegion == "" {
			return errors.New("sns: region is required")
		}
		if c.SNSTopicARN == "" && c.SNSTopicName == "" {
			return errors.New("sns: topic_arn or topic_name is required")
		}
	case "smtp":
		if c.SMTPAddr == "" {
			return errors.New("smtp: addr is required")
		}
		if c.SMTPFrom == "" {
			return errors.New("smtp: from is required")
		}
		if c.SMTPPassword != "" && c.SMTPUsername == "" {
			return errors.New("smtp: username is required when password is set")
		}
		if c.DKIMSelector != "" && c.DKIMKeyPath == "" && c.DKIMPrivateKey == "" {
			return errors.New("smtp: dkim_key_path or dkim_private_key is required when dkim_selector is set")
		}
	case "sendgrid":
		if c.SendGridAPIKey == "" {
			return errors.New("sendgrid: api_key is required")
		}
		if c.SendGridFrom == "" {
			return errors.New("sendgrid: from is required")
		}
	case "stdout":
		// No configuration required.
	case "file":
		// FileDir is optional (defaults to ./notification_output).
	default:
		return errors.New("unknown sink type: " + c.Type)
	}

	return nil
}
