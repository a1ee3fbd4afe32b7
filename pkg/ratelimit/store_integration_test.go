//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_BlockAndRead(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient)
	ctx := context.Background()

	until, err := store.BlockedUntil(ctx, "api.example.com")
	if err != nil {
		t.Fatalf("BlockedUntil() error = %v", err)
	}
	if !until.IsZero() {
		t.Errorf("BlockedUntil() on empty Redis = %v, want zero", until)
	}

	later := time.Now().Add(30 * time.Second).Truncate(time.Millisecond)
	if err := store.Block(ctx, "api.example.com", later); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	// An earlier reset must not overwrite the later one.
	if err := store.Block(ctx, "api.example.com", later.Add(-20*time.Second)); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	until, err = store.BlockedUntil(ctx, "api.example.com")
	if err != nil {
		t.Fatalf("BlockedUntil() error = %v", err)
	}
	if !until.Equal(later) {
		t.Errorf("BlockedUntil() = %v, want %v", until, later)
	}

	ttl, err := redisClient.TTL(ctx, KeyPrefix+"api.example.com").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > 31*time.Second {
		t.Errorf("TTL = %v, want within (0, 31s]", ttl)
	}
}

func TestRedisStore_Integration_SharedBetweenGates(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	logger := zerolog.Nop()
	first := NewGate(NewRedisStore(redisClient), logger)
	second := NewGate(NewRedisStore(redisClient), logger)

	if err := first.Block(ctx, "api.example.com", 500*time.Millisecond); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	start := time.Now()
	if _, err := second.Wait(ctx, "api.example.com"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("second gate waited %v, want >= 400ms", elapsed)
	}
}
