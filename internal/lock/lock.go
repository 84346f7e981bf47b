// Package lock implements an identity-keyed task lock with until-and-while-executing semantics.
//
// A task identity moves through three Redis keys:
//
//	lock:queued:<key>   held from enqueue until a worker picks the task up
//	lock:running:<key>  held by the executing worker (value is the lease token)
//	lock:rerun:<key>    set when an identical task arrives while one is executing
//
// A duplicate enqueued while the first copy is still waiting is dropped. A duplicate that
// reaches a worker while the first copy is executing is parked as a rerun request, and the
// executing worker enqueues the task exactly once more when it finishes.
package lock

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/murmur3"

	apperrors "github.com/forem/forem-sub087/internal/errors"
)

const (
	keyQueuedPrefix  = "lock:queued:"
	keyRunningPrefix = "lock:running:"
	keyRerunPrefix   = "lock:rerun:"
)

// Key derives a stable lock identity from a task type and its serialized arguments.
func Key(taskType string, payload []byte) string {
	h := murmur3.New128()
	_, _ = h.Write([]byte(taskType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return taskType + ":" + hex.EncodeToString(h.Sum(nil))
}

// acquireScript clears the queued reservation and tries to take the running lock. When the
// lock is held it records a rerun request instead.
// KEYS: queued, running, rerun. ARGV: token, ttl ms.
var acquireScript = redis.NewScript(`
	redis.call("del", KEYS[1])
	if redis.call("set", KEYS[2], ARGV[1], "NX", "PX", ARGV[2]) then
		return 1
	end
	redis.call("set", KEYS[3], "1", "PX", ARGV[2])
	return 0
`)

// releaseScript drops the running lock if the token still owns it and returns the number of
// pending rerun requests consumed (0 or 1).
// KEYS: running, rerun. ARGV: token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		redis.call("del", KEYS[1])
		return redis.call("del", KEYS[2])
	end
	return 0
`)

// Locker hands out identity locks backed by Redis.
type Locker struct {
	client Scripter
	ttl    time.Duration
}

// Scripter is the subset of the go-redis client the locker needs.
type Scripter interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// New creates a Locker. ttl bounds how long a crashed worker can hold a lock.
func New(client Scripter, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl}
}

// Reserve takes the queued reservation for key. It returns false when an identical task is
// already waiting to run, in which case the caller should not enqueue.
func (l *Locker) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyQueuedPrefix+key, "1", l.ttl).Result()
	if err != nil {
		return false, apperrors.NewCacheError("reserve_lock", err).WithMetadata("key", key)
	}
	return ok, nil
}

// Unreserve drops a reservation taken for an enqueue that then failed.
func (l *Locker) Unreserve(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, keyQueuedPrefix+key).Err(); err != nil {
		return apperrors.NewCacheError("unreserve_lock", err).WithMetadata("key", key)
	}
	return nil
}

// Acquire takes the running lock for key. A nil Lease with a nil error means another worker
// is executing the same task; a rerun has been requested on its behalf.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.New().String()

	got, err := acquireScript.Run(ctx, l.client,
		[]string{keyQueuedPrefix + key, keyRunningPrefix + key, keyRerunPrefix + key},
		token, l.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return nil, apperrors.NewCacheError("acquire_lock", err).WithMetadata("key", key)
	}
	if got == 0 {
		return nil, nil
	}

	return &Lease{locker: l, key: key, token: token}, nil
}

// Lease is a held running lock.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Key returns the lock identity.
func (ls *Lease) Key() string {
	return ls.key
}

// Release drops the lock and reports whether an identical task asked to run while it was held.
func (ls *Lease) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, ls.locker.client,
		[]string{keyRunningPrefix + ls.key, keyRerunPrefix + ls.key},
		ls.token,
	).Int()
	if err != nil {
		return false, apperrors.NewCacheError("release_lock", fmt.Errorf("release %s: %w", ls.key, err))
	}
	return n > 0, nil
}
