package otp

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/cache"
	"github.com/Aidin1998/fincore/pkg/errors"
)

func wrong(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func newTestService() (*Service, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewService(cache.NewMemoryStore(), zap.NewNop(), "fincore")
	s.now = func() time.Time { return now }
	return s, &now
}

func TestIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	user := uuid.New()

	code, err := s.Issue(ctx, user, "pin_reset")
	require.NoError(t, err)
	assert.Len(t, code.Value, 6)

	err = s.Verify(ctx, user, "pin_reset", wrong(code.Value))
	require.ErrorIs(t, err, errors.Unauthorized)

	assert.ErrorIs(t, s.Verify(ctx, uuid.New(), "pin_reset", code.Value), errors.Unauthorized, "codes are per user")
	assert.ErrorIs(t, s.Verify(ctx, user, "login", code.Value), errors.Unauthorized, "codes are per purpose")

	require.NoError(t, s.Verify(ctx, user, "pin_reset", code.Value))
	assert.ErrorIs(t, s.Verify(ctx, user, "pin_reset", code.Value), errors.Unauthorized, "single use")
}

func TestVerifyRevokesAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService()
	user := uuid.New()
	code, err := s.Issue(ctx, user, "pin_reset")
	require.NoError(t, err)

	for i := 0; i < MaxAttempts; i++ {
		assert.ErrorIs(t, s.Verify(ctx, user, "pin_reset", wrong(code.Value)), errors.Unauthorized)
	}
	assert.ErrorIs(t, s.Verify(ctx, user, "pin_reset", code.Value), errors.Unauthorized)
}

func TestExpiredCodeAndPurge(t *testing.T) {
	ctx := context.Background()
	s, now := newTestService()
	stale, fresh := uuid.New(), uuid.New()

	old, err := s.Issue(ctx, stale, "pin_reset")
	require.NoError(t, err)
	*now = now.Add(DefaultTTL - time.Minute)
	_, err = s.Issue(ctx, fresh, "pin_reset")
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, s.Verify(ctx, stale, "pin_reset", old.Value), errors.Unauthorized)
	keys, err := s.store.Keys(ctx, "otp:*")
	require.NoError(t, err)
	assert.Equal(t, []string{key(fresh, "pin_reset")}, keys)
}
