// Package config loads the service configuration from an optional
// config.yaml, a .env file and INVENTORY_NOTIFY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sungwon/inventory-notify/internal/archive"
	"github.com/sungwon/inventory-notify/internal/auth"
	"github.com/sungwon/inventory-notify/internal/notification"
	"github.com/sungwon/inventory-notify/internal/queue"
	"github.com/sungwon/inventory-notify/internal/sink"
	"github.com/sungwon/inventory-notify/internal/worker"
)

// EnvPrefix is prepended to every environment override, e.g.
// INVENTORY_NOTIFY_QUEUE_TYPE overrides queue.type.
const EnvPrefix = "INVENTORY_NOTIFY"

// Config holds all application configuration.
type Config struct {
	API           APIConfig           `mapstructure:"api"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Auth          auth.Config         `mapstructure:"auth"`
	Notifications notification.Config `mapstructure:"notifications"`
	Worker        worker.Config       `mapstructure:"worker"`
	Queue         queue.Config        `mapstructure:"queue"`
	Sink          sink.Config         `mapstructure:"sink"`
	Archive       archive.Config      `mapstructure:"archive"`
}

// APIConfig holds admin HTTP server configuration.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Output     string `mapstructure:"output"` // stdout, stderr, console, file
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxFiles   int    `mapstructure:"max_files"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// legacyEnv maps keys to the environment names used by earlier deployments.
var legacyEnv = map[string]string{
	"notifications.enabled":                "SQS_ENABLE_NOTIFICATIONS",
	"notifications.queue_name":             "AWS_SQS_QUEUE_NAME",
	"notifications.dead_letter_queue_name": "AWS_SQS_DLQ_NAME",
	"worker.batch_size":                    "SQS_WORKER_BATCH_SIZE",
	"queue.sqs_region":                     "AWS_REGION",
	"sink.sns_region":                      "AWS_SNS_REGION",
	"sink.sns_topic_arn":                   "AWS_SNS_TOPIC_ARN",
	"sink.sns_topic_name":                  "AWS_SNS_TOPIC_NAME",
}

// Load reads configuration. configPath is a directory that may contain
// config.yaml and .env; both are optional. A .env in the working directory
// is read as well. Variables already set in the environment win over .env.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(configPath); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(configPath, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 40*time.Second)
	v.SetDefault("api.shutdown_timeout", 15*time.Second)
	v.SetDefault("api.trust_proxy_headers", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "./logs/inventory-notify.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)
	v.SetDefault("logging.max_age_days", 30)

	a := auth.DefaultConfig()
	v.SetDefault("auth.disabled", a.Disabled)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", a.JWTIssuer)
	v.SetDefault("auth.token_ttl", a.TokenTTL)
	v.SetDefault("auth.api_key_hash", "")
	v.SetDefault("auth.max_failures", a.MaxFailures)
	v.SetDefault("auth.lockout_duration", a.LockoutDuration)
	v.SetDefault("auth.lockout_redis_addr", "")

	n := notification.DefaultConfig()
	v.SetDefault("notifications.enabled", n.Enabled)
	v.SetDefault("notifications.queue_name", n.QueueName)
	v.SetDefault("notifications.dead_letter_queue_name", n.DeadLetterQueueName)
	v.SetDefault("notifications.visibility_timeout", n.VisibilityTimeout)
	v.SetDefault("notifications.dead_letter_visibility_timeout", n.DeadLetterVisibilityTimeout)
	v.SetDefault("notifications.retention_period", n.RetentionPeriod)
	v.SetDefault("notifications.max_receive_count", n.MaxReceiveCount)
	v.SetDefault("notifications.max_retries", n.MaxRetries)
	v.SetDefault("notifications.receive_wait_time", n.ReceiveWaitTime)
	v.SetDefault("notifications.delivery_timeout", n.DeliveryTimeout)

	w := worker.DefaultConfig()
	v.SetDefault("worker.enabled", w.Enabled)
	v.SetDefault("worker.batch_size", w.BatchSize)
	v.SetDefault("worker.polling_interval", w.PollingInterval)
	v.SetDefault("worker.batch_timeout", w.BatchTimeout)

	q := queue.DefaultConfig()
	v.SetDefault("queue.type", q.Type)
	v.SetDefault("queue.sqs_region", q.SQSRegion)
	v.SetDefault("queue.sqs_endpoint", "")
	v.SetDefault("queue.redis_addr", q.RedisAddr)
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.redis_prefix", q.RedisPrefix)
	v.SetDefault("queue.database_url", "")
	v.SetDefault("queue.pool_min", q.PoolMin)
	v.SetDefault("queue.pool_max", q.PoolMax)
	v.SetDefault("queue.connect_timeout", q.ConnectTimeout)

	s := sink.DefaultConfig()
	v.SetDefault("sink.type", s.Type)
	v.SetDefault("sink.timeout", s.Timeout)
	v.SetDefault("sink.sns_region", s.SNSRegion)
	v.SetDefault("sink.sns_endpoint", "")
	v.SetDefault("sink.sns_topic_arn", "")
	v.SetDefault("sink.sns_topic_name", s.SNSTopicName)
	v.SetDefault("sink.smtp_addr", s.SMTPAddr)
	v.SetDefault("sink.smtp_helo", s.SMTPHelo)
	v.SetDefault("sink.smtp_username", "")
	v.SetDefault("sink.smtp_password", "")
	v.SetDefault("sink.smtp_from", "")
	v.SetDefault("sink.smtp_starttls", false)
	v.SetDefault("sink.smtp_subscribers", []string{})
	v.SetDefault("sink.sendgrid_api_key", "")
	v.SetDefault("sink.sendgrid_endpoint", "")
	v.SetDefault("sink.sendgrid_from", "")
	v.SetDefault("sink.dkim_selector", "")
	v.SetDefault("sink.dkim_domain", "")
	v.SetDefault("sink.dkim_key_path", "")
	v.SetDefault("sink.dkim_private_key", "")
	v.SetDefault("sink.file_dir", s.FileDir)

	v.SetDefault("archive.type", "")
	v.SetDefault("archive.path", "./archive")
	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_prefix", "")
	v.SetDefault("archive.s3_endpoint", "")
	v.SetDefault("archive.s3_region", "us-east-1")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api: port %d out of range", c.API.Port))
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr", "console", "file":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown output %q", c.Logging.Output))
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" && c.Auth.APIKeyHash == "" {
		errs = append(errs, errors.New("auth: jwt_secret or api_key_hash is required unless auth.disabled is set"))
	}
	if c.Worker.BatchSize < 1 || c.Worker.BatchSize > queue.MaxReceiveBatch {
		errs = append(errs, fmt.Errorf("worker: batch_size must be between 1 and %d", queue.MaxReceiveBatch))
	}
	if c.Worker.PollingInterval <= 0 {
		errs = append(errs, errors.New("worker: polling_interval must be positive"))
	}
	switch c.Queue.Type {
	case "", "sqs", "redis", "memory":
	case "postgres":
		if c.Queue.DatabaseURL == "" {
			errs = append(errs, errors.New("queue: database_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue: unknown type %q", c.Queue.Type))
	}
	if err := c.Notifications.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Sink.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
