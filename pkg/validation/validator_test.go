package validation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/errors"
)

type fakeCounters struct {
	counts map[string]int64
}

func (f *fakeCounters) Count(_ context.Context, user uuid.UUID, op string) (int64, error) {
	return f.counts[user.String()+op], nil
}

func (f *fakeCounters) Incr(_ context.Context, user uuid.UUID, op string) (int64, error) {
	f.counts[user.String()+op]++
	return f.counts[user.String()+op], nil
}

type transferRequest struct {
	Amount   string `validate:"required,amount"`
	Currency string `validate:"required,currency_code"`
	PIN      string `validate:"omitempty,pin"`
	Note     string `validate:"max=500,safe_text"`
}

func TestStructValidation(t *testing.T) {
	v := NewValidator(zap.NewNop(), nil)

	require.NoError(t, v.Struct(transferRequest{Amount: "10.50", Currency: "NGN", PIN: "1357"}))

	err := v.Struct(transferRequest{Amount: "0.00", Currency: "ngn", PIN: "1234"})
	require.Error(t, err)
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errors.KindValidationFailed, e.Kind)
	assert.Len(t, e.Fields, 3)
}

func TestCheckRateLimitUsesCounters(t *testing.T) {
	counters := &fakeCounters{counts: map[string]int64{}}
	v := NewValidator(zap.NewNop(), counters)
	v.now = func() time.Time { return time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC) }
	user := uuid.New()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, v.CheckRateLimit(ctx, user, OpCreateWallet))
		v.RecordOperation(ctx, user, OpCreateWallet)
	}
	err := v.CheckRateLimit(ctx, user, OpCreateWallet)
	require.Error(t, err)
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errors.KindRateLimited, e.Kind)
	assert.Equal(t, OpCreateWallet, e.Meta["operation"])
	assert.Equal(t, int64(3600), e.Meta["reset_after_seconds"])

	assert.NoError(t, v.CheckRateLimit(ctx, uuid.New(), OpCreateWallet))
}

func TestSanitize(t *testing.T) {
	v := NewValidator(zap.NewNop(), nil)
	assert.Equal(t, "hello", v.Sanitize("<b>hello</b>"))
}
