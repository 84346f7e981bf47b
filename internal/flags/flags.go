// Package flags reads runtime feature flags from Redis.
package flags

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/forem/forem-sub087/internal/errors"
)

// OnboardingDripEmails gates the onboarding drip scheduler.
const OnboardingDripEmails = "onboarding_drip_emails"

const keyPrefix = "feature:"

// Store resolves flags from Redis, falling back to configured defaults for flags never set.
type Store struct {
	client   redis.Cmdable
	defaults map[string]bool
}

// NewStore creates a flag store.
func NewStore(client redis.Cmdable, defaults map[string]bool) *Store {
	d := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Store{client: client, defaults: d}
}

// Enabled reports whether name is on.
func (s *Store) Enabled(ctx context.Context, name string) (bool, error) {
	raw, err := s.client.Get(ctx, keyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return s.defaults[name], nil
	}
	if err != nil {
		return false, apperrors.NewCacheError("read_flag", err).WithMetadata("flag", name)
	}

	on, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperrors.NewValidationError(name, "flag value is not a boolean: "+raw)
	}
	return on, nil
}

// Set overrides name until Clear is called.
func (s *Store) Set(ctx context.Context, name string, on bool) error {
	if err := s.client.Set(ctx, keyPrefix+name, strconv.FormatBool(on), 0).Err(); err != nil {
		return apperrors.NewCacheError("write_flag", err).WithMetadata("flag", name)
	}
	return nil
}

// Clear removes the override so name falls back to its default.
func (s *Store) Clear(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, keyPrefix+name).Err(); err != nil {
		return apperrors.NewCacheError("clear_flag", err).WithMetadata("flag", name)
	}
	return nil
}
