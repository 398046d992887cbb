package notification

import (
	"errors"
	"time"

	"github.com/sungwon/inventory-notify/internal/queue"
)

// Config controls the notification queue service. It is resolved once at
// startup and passed by value.
type Config struct {
	Enabled                     bool          `mapstructure:"enabled"`
	QueueName                   string        `mapstructure:"queue_name"`
	DeadLetterQueueName         string        `mapstructure:"dead_letter_queue_name"`
	VisibilityTimeout           time.Duration `mapstructure:"visibility_timeout"`
	DeadLetterVisibilityTimeout time.Duration `mapstructure:"dead_letter_visibility_timeout"`
	RetentionPeriod             time.Duration `mapstructure:"retention_period"`
	MaxReceiveCount             int           `mapstructure:"max_receive_count"`
	MaxRetries                  int           `mapstructure:"max_retries"`
	ReceiveWaitTime             time.Duration `mapstructure:"receive_wait_time"`
	DeliveryTimeout             time.Duration `mapstructure:"delivery_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                     true,
		QueueName:                   "notification-processing-queue",
		DeadLetterQueueName:         "notification-dead-letter-queue",
		VisibilityTimeout:           30 * time.Second,
		DeadLetterVisibilityTimeout: 60 * time.Second,
		RetentionPeriod:             14 * 24 * time.Hour,
		MaxReceiveCount:             3,
		MaxRetries:                  queue.DefaultMaxRetries,
		ReceiveWaitTime:             5 * time.Second,
		DeliveryTimeout:             10 * time.Second,
	}
}

// Validate checks the fields the service cannot work without. A disabled
// configuration is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.QueueName == "" {
		errs = append(errs, errors.New("notifications: queue_name is required"))
	}
	if c.DeadLetterQueueName == "" {
		errs = append(errs, errors.New("notifications: dead_letter_queue_name is required"))
	}
	if c.QueueName != "" && c.QueueName == c.DeadLetterQueueName {
		errs = append(errs, errors.New("notifications: queue_name and dead_letter_queue_name must differ"))
	}
	if c.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("notifications: visibility_timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("notifications: max_retries must not be negative"))
	}
	if c.MaxReceiveCount < 1 {
		errs = append(errs, errors.New("notifications: max_receive_count must be at least 1"))
	}
	return errors.Join(errs...)
}
