package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockedOut is returned while a client is locked out after repeated
// authentication failures.
var ErrLockedOut = errors.New("too many failed authentication attempts")

// RateLimiter counts failed authentication attempts per client in Redis.
// A nil client disables it.
type RateLimiter struct {
	client   redis.Cmdable
	limit    int
	lockout  time.Duration
	keySpace string
}

// NewRateLimiter creates a RateLimiter. limit <= 0 disables the lockout.
func NewRateLimiter(client redis.Cmdable, limit int, lockout time.Duration) *RateLimiter {
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}
	return &RateLimiter{
		client:   client,
		limit:    limit,
		lockout:  lockout,
		keySpace: "inventory-notify:authfail",
	}
}

func (rl *RateLimiter) enabled() bool {
	return rl != nil && rl.client != nil && rl.limit > 0
}

func (rl *RateLimiter) key(client string) string {
	return fmt.Sprintf("%s:%s", rl.keySpace, client)
}

// Check returns ErrLockedOut if client has exceeded the failure limit.
func (rl *RateLimiter) Check(ctx context.Context, client string) error {
	if !rl.enabled() {
		return nil
	}

	count, err := rl.client.Get(ctx, rl.key(client)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check auth failures: %w", err)
	}
	if int(count) >= rl.limit {
		return ErrLockedOut
	}
	return nil
}

// RecordFailure increments the failure counter for client. The counter
// expires after the lockout duration.
func (rl *RateLimiter) RecordFailure(ctx context.Context, client string) error {
	if !rl.enabled() {
		return nil
	}

	pipe := rl.client.Pipeline()
	pipe.Incr(ctx, rl.key(client))
	pipe.Expire(ctx, rl.key(client), rl.lockout)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record auth failure: %w", err)
	}
	return nil
}

// Clear resets the failure counter for client.
func (rl *RateLimiter) Clear(ctx context.Context, client string) error {
	if !rl.enabled() {
		return nil
	}
	return rl.client.Del(ctx, rl.key(client)).Err()
}
