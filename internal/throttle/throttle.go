// Package throttle caps how many jobs of one kind execute at once across every worker process.
package throttle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/forem/forem-sub087/internal/errors"
)

const keyPrefix = "throttle:"

// acquireScript evicts expired slots and claims a new one when fewer than limit are held.
// KEYS: slot set. ARGV: now ms, slot expiry ms, limit, token, key ttl ms.
var acquireScript = redis.NewScript(`
	redis.call("zremrangebyscore", KEYS[1], "-inf", ARGV[1])
	if redis.call("zcard", KEYS[1]) < tonumber(ARGV[3]) then
		redis.call("zadd", KEYS[1], ARGV[2], ARGV[4])
		redis.call("pexpire", KEYS[1], ARGV[5])
		return 1
	end
	return 0
`)

// Semaphore is a Redis sorted-set counting semaphore. Each member is a slot token scored by
// its expiry, so slots held by crashed workers free themselves.
type Semaphore struct {
	client       redis.Cmdable
	key          string
	limit        int
	lease        time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewSemaphore creates a semaphore named name allowing limit concurrent holders. lease bounds
// how long one holder keeps a slot; poll is the wait between attempts in Acquire.
func NewSemaphore(client redis.Cmdable, name string, limit int, lease, poll time.Duration) *Semaphore {
	if limit < 1 {
		limit = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Semaphore{
		client:       client,
		key:          keyPrefix + name,
		limit:        limit,
		lease:        lease,
		pollInterval: poll,
		now:          time.Now,
	}
}

// Limit returns the number of concurrent holders allowed.
func (s *Semaphore) Limit() int {
	return s.limit
}

// Lease returns how long a slot is held before it expires on its own.
func (s *Semaphore) Lease() time.Duration {
	return s.lease
}

// TryAcquire claims a slot without waiting. A nil Slot with a nil error means the semaphore
// is full.
func (s *Semaphore) TryAcquire(ctx context.Context) (*Slot, error) {
	token := uuid.New().String()
	now := s.now()

	got, err := acquireScript.Run(ctx, s.client, []string{s.key},
		now.UnixMilli(),
		now.Add(s.lease).UnixMilli(),
		s.limit,
		token,
		(2 * s.lease).Milliseconds(),
	).Int()
	if err != nil {
		return nil, apperrors.NewCacheError("throttle_acquire", err).WithMetadata("key", s.key)
	}
	if got == 0 {
		return nil, nil
	}
	return &Slot{sem: s, token: token}, nil
}

// Acquire waits until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) (*Slot, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		slot, err := s.TryAcquire(ctx)
		if err != nil || slot != nil {
			return slot, err
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.NewAppErrorWithCause(apperrors.ErrorTypeTimeout, "THROTTLE_WAIT",
				"Gave up waiting for a throttle slot", ctx.Err()).WithMetadata("key", s.key)
		case <-ticker.C:
		}
	}
}

// Slot is a held semaphore slot.
type Slot struct {
	sem   *Semaphore
	token string
}

// Release frees the slot.
func (sl *Slot) Release(ctx context.Context) error {
	if err := sl.sem.client.ZRem(ctx, sl.sem.key, sl.token).Err(); err != nil {
		return apperrors.NewCacheError("throttle_release", err).WithMetadata("key", sl.sem.key)
	}
	return nil
}
