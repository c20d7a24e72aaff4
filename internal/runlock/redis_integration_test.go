//go:build integration

// Run with: go test -tags=integration ./internal/runlock/...
// Requires a Docker daemon for testcontainers.
package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/deskbridge/deskbridge/internal/testutil"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestRedis_ExclusiveAcrossInstances(t *testing.T) {
	addr := startRedis(t)
	ctx := t.Context()

	first, err := NewRedis(ctx, RedisConfig{Addr: addr, TTL: 3 * time.Second, Logger: testutil.NewLogger()})
	require.NoError(t, err)
	second, err := NewRedis(ctx, RedisConfig{Addr: addr, TTL: 3 * time.Second, Logger: testutil.NewLogger()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = first.Close(context.Background())
		_ = second.Close(context.Background())
	})

	ok, err := first.TryLock(ctx, "tickets")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock(ctx, "tickets")
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder keeps refreshing past the original TTL.
	time.Sleep(4 * time.Second)
	locked, err := second.IsLocked(ctx, "tickets")
	require.NoError(t, err)
	assert.True(t, locked)

	assert.ErrorIs(t, second.Unlock(ctx, "tickets"), ErrNotHeld)
	require.NoError(t, first.Unlock(ctx, "tickets"))

	ok, err = second.TryLock(ctx, "tickets")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock(ctx, "tickets"))
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	addr := startRedis(t)
	ctx := t.Context()

	client := redis.NewClient(&redis.Options{Addr: addr})
	lock := NewRedisWithClient(client, time.Second, testutil.NewLogger())
	t.Cleanup(func() { _ = lock.Close(context.Background()) })

	ok, err := lock.TryLock(ctx, "products")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry and takeover by another process.
	require.NoError(t, client.Set(ctx, KeyPrefix+"products", "someone-else", time.Minute).Err())
	require.NoError(t, lock.Unlock(ctx, "products"))

	val, err := client.Get(ctx, KeyPrefix+"products").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}
