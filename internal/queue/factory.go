package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/inventory-notify/internal/storage"
)

// NewStore creates the Store selected by cfg.Type.
func NewStore(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqs", "":
		client, err := newAWSSQSClient(ctx, cfg.SQSRegion, cfg.SQSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("create sqs client: %w", err)
		}
		return NewSQSStore(client, log.With().Str("store", "sqs").Logger()), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, cfg.RedisPrefix, log.With().Str("store", "redis").Logger()), nil

	case "postgres":
		db, err := storage.NewDB(ctx, cfg.DatabaseURL, cfg.PoolMin, cfg.PoolMax, cfg.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return NewPostgresStore(db.Pool, log.With().Str("store", "postgres").Logger()), nil

	case "memory":
		return NewMemoryStore(nil), nil

	default:
		return nil, fmt.Errorf("unknown queue type: %s", cfg.Type)
	}
}
