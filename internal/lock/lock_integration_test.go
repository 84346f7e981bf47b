package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisContainer manages a Redis test container
type RedisContainer struct {
	container testcontainers.Container
	addr      string
}

// StartRedisContainer starts a Redis container for testing
func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}

	mappedPort, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return nil, err
	}

	return &RedisContainer{
		container: container,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
	}, nil
}

// Stop terminates the Redis container
func (rc *RedisContainer) Stop(ctx context.Context) error {
	return rc.container.Terminate(ctx)
}

func TestLockIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	rc, err := StartRedisContainer(ctx)
	require.NoError(t, err)
	defer rc.Stop(ctx)

	client := redis.NewClient(&redis.Options{Addr: rc.addr})
	defer client.Close()

	locker := New(client, 5*time.Second)

	t.Run("Concurrent acquire has one winner", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			leases  = make(chan *Lease, 20)
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lease, err := locker.Acquire(ctx, "concurrent")
				if assert.NoError(t, err) && lease != nil {
					winners.Add(1)
					leases <- lease
				}
			}()
		}
		wg.Wait()
		close(leases)

		assert.Equal(t, int32(1), winners.Load())
		for lease := range leases {
			rerun, err := lease.Release(ctx)
			require.NoError(t, err)
			assert.True(t, rerun)
		}
	})

	t.Run("Lock expires", func(t *testing.T) {
		short := New(client, 200*time.Millisecond)
		lease, err := short.Acquire(ctx, "expiring")
		require.NoError(t, err)
		require.NotNil(t, lease)

		time.Sleep(400 * time.Millisecond)

		next, err := short.Acquire(ctx, "expiring")
		require.NoError(t, err)
		assert.NotNil(t, next)
	})
}
