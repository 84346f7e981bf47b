// Package cache builds the shared Redis client used by the job substrate, the identity locks,
// the batch throttle and feature flags.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/forem/forem-sub087/internal/errors"
	"github.com/forem/forem-sub087/internal/telemetry"
)

// Config holds Redis connection configuration
type Config struct {
	URL        string
	PoolSize   int
	Instrument bool
}

// NewClient parses a redis:// URL, optionally adds OpenTelemetry hooks and pings the server.
// URL format: redis://[:password@]host:port[/db]
func NewClient(ctx context.Context, config Config) (*redis.Client, error) {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "redis_connection",
		"service":         "cache",
		"instrumentation": config.Instrument,
	})

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MaxRetries = 3

	logger = logger.WithFields(map[string]interface{}{
		"addr": opts.Addr,
		"db":   opts.DB,
	})
	logger.Info("Establishing Redis connection")

	client := redis.NewClient(opts)

	if config.Instrument {
		if err := telemetry.InstrumentRedisClient(client); err != nil {
			logger.WithError(err).Warn("Failed to instrument Redis client")
		}
	}

	if err := HealthCheck(ctx, client); err != nil {
		client.Close()
		logger.WithError(err).Error("Failed to connect to Redis")
		return nil, err
	}

	logger.Info("Redis connected successfully")
	return client, nil
}

// HealthCheck pings Redis with a short timeout.
func HealthCheck(ctx context.Context, client redis.Cmdable) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return apperrors.NewCacheError("ping", err)
	}
	return nil
}
