package flags

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/forem/forem-sub087/internal/errors"
)

func newTestStore(t *testing.T, defaults map[string]bool) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, defaults), mr
}

func TestEnabled(t *testing.T) {
	tests := []struct {
		name     string
		defaults map[string]bool
		stored   string
		want     bool
	}{
		{name: "unset uses default off", want: false},
		{name: "unset uses default on", defaults: map[string]bool{OnboardingDripEmails: true}, want: true},
		{name: "override on", stored: "true", want: true},
		{name: "override off beats default", defaults: map[string]bool{OnboardingDripEmails: true}, stored: "0", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mr := newTestStore(t, tt.defaults)
			if tt.stored != "" {
				require.NoError(t, mr.Set(keyPrefix+OnboardingDripEmails, tt.stored))
			}

			got, err := store.Enabled(context.Background(), OnboardingDripEmails)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnabled_GarbageValue(t *testing.T) {
	store, mr := newTestStore(t, nil)
	require.NoError(t, mr.Set(keyPrefix+OnboardingDripEmails, "maybe"))

	_, err := store.Enabled(context.Background(), OnboardingDripEmails)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestSetAndClear(t *testing.T) {
	store, _ := newTestStore(t, map[string]bool{OnboardingDripEmails: false})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, OnboardingDripEmails, true))
	on, err := store.Enabled(ctx, OnboardingDripEmails)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, store.Clear(ctx, OnboardingDripEmails))
	on, err = store.Enabled(ctx, OnboardingDripEmails)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestEnabled_RedisDown(t *testing.T) {
	store, mr := newTestStore(t, nil)
	mr.Close()

	_, err := store.Enabled(context.Background(), OnboardingDripEmails)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeCache))
}
