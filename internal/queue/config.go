package queue

import "time"

// Config selects and configures the queue backend.
type Config struct {
	// Type selects the backend: "sqs" (default), "redis", "postgres" or "memory".
	Type string `mapstructure:"type"`

	// SQS-specific config
	SQSRegion   string `mapstructure:"sqs_region"`
	SQSEndpoint string `mapstructure:"sqs_endpoint"` // e.g. LocalStack

	// Redis-specific config
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	// Postgres-specific config
	DatabaseURL    string        `mapstructure:"database_url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Type:           "sqs",
		SQSRegion:      "us-east-1",
		RedisAddr:      "localhost:6379",
		RedisPrefix:    "notify",
		PoolMin:        1,
		PoolMax:        5,
		ConnectTimeout: 5 * time.Second,
	}
}
