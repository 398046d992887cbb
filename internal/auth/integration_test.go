//go:build integration

package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRateLimiter_Integration(t *testing.T) {
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })

	rl := NewRateLimiter(client, 3, time.Minute)
	for i := 0; i < 3; i++ {
		if err := rl.Check(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("Check() before limit error = %v", err)
		}
		if err := rl.RecordFailure(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	if err := rl.Check(ctx, "10.0.0.1"); !errors.Is(err, ErrLockedOut) {
		t.Errorf("Check() after limit error = %v, want ErrLockedOut", err)
	}
	if err := rl.Check(ctx, "10.0.0.2"); err != nil {
		t.Errorf("Check() for another client error = %v", err)
	}

	ttl, err := client.TTL(ctx, rl.key("10.0.0.1")).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v (err %v), want within lockout", ttl, err)
	}

	if err := rl.Clear(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := rl.Check(ctx, "10.0.0.1"); err != nil {
		t.Errorf("Check() after Clear error = %v", err)
	}
}
