package recurring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/config"
	"github.com/Aidin1998/fincore/internal/database/dbtest"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/validation"
)

var anchor = time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)

type failures struct {
	mu      sync.Mutex
	reasons []string
}

func (f *failures) RecurringPaymentFailed(_ context.Context, _ *models.RecurringPayment, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

type env struct {
	db       *gorm.DB
	svc      *Service
	wallets  *wallet.Service
	txs      *transaction.Service
	failures *failures
	clock    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.New(t)
	factory := providers.NewFactory(config.ProviderConfig{
		UseInternalProvider: true,
		InternalDepositSync: true,
		ProviderHTTPTimeout: time.Second,
	}, zap.NewNop())
	v := validation.NewValidator(zap.NewNop(), nil)
	auditor := audit.NewService(zap.NewNop())
	wallets := wallet.NewService(db, zap.NewNop(), factory, v, auditor)
	txs := transaction.NewService(db, zap.NewNop(), wallets, factory, v, auditor)
	e := &env{db: db, wallets: wallets, txs: txs, failures: &failures{}, clock: anchor}
	e.svc = NewService(db, zap.NewNop(), txs, wallets, v,
		WithNotifier(e.failures),
		WithClock(func() time.Time { return e.clock }))
	return e
}

func (e *env) wallet(t *testing.T, userID uuid.UUID, currency, funds string) *models.Wallet {
	t.Helper()
	ctx := context.Background()
	user := providers.UserIdentity{UserID: userID, Email: "ada@example.com", FirstName: "Ada", LastName: "Obi"}
	w, err := e.wallets.CreateWallet(ctx, wallet.CreateRequest{User: user, Currency: currency})
	require.NoError(t, err)
	if funds != "" {
		_, err = e.txs.InitiateDeposit(ctx, transaction.DepositRequest{
			User:      user,
			WalletID:  w.ID,
			Amount:    decimal.RequireFromString(funds),
			Reference: "fund-" + uuid.NewString(),
		})
		require.NoError(t, err)
	}
	return w
}

func (e *env) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	var w models.Wallet
	require.NoError(t, e.db.First(&w, "id = ?", id).Error)
	return w.Balance
}

func (e *env) reload(t *testing.T, id uuid.UUID) *models.RecurringPayment {
	t.Helper()
	var rp models.RecurringPayment
	require.NoError(t, e.db.First(&rp, "id = ?", id).Error)
	return &rp
}

func intPtr(v int) *int                     { return &v }
func timePtr(v time.Time) *time.Time        { return &v }
func amount(v string) decimal.Decimal       { return decimal.RequireFromString(v) }
func walletPtr(w *models.Wallet) *uuid.UUID { return &w.ID }

func TestOccurrenceCalendar(t *testing.T) {
	assert.Equal(t, time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC), Occurrence(anchor, Monthly, 1))
	assert.Equal(t, time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC), Occurrence(anchor, Monthly, 2))
	assert.Equal(t, time.Date(2027, 1, 31, 9, 0, 0, 0, time.UTC), Occurrence(anchor, Monthly, 12))
	assert.Equal(t, time.Date(2026, 4, 30, 9, 0, 0, 0, time.UTC), Occurrence(anchor, Quarterly, 1))
	assert.Equal(t, time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC), Occurrence(anchor, Weekly, 1))

	leap := time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2029, 2, 28, 0, 0, 0, 0, time.UTC), Occurrence(leap, Yearly, 1))
	assert.Equal(t, time.Date(2032, 2, 29, 0, 0, 0, 0, time.UTC), Occurrence(leap, Yearly, 4))

	assert.Equal(t, time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC),
		NextOccurrence(anchor, Monthly, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, anchor.AddDate(0, 0, 1), NextOccurrence(anchor, Daily, anchor))
	assert.Equal(t, anchor.AddDate(0, 0, 21), NextOccurrence(anchor, Weekly, anchor.AddDate(0, 0, 20)))
	assert.Equal(t, anchor.AddDate(0, 0, 1), NextOccurrence(anchor, Daily, anchor.Add(-time.Hour)))
}

func TestExecuteDueTransfersAndAdvances(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	from := e.wallet(t, user, "NGN", "100")
	to := e.wallet(t, uuid.New(), "NGN", "")

	rp, err := e.svc.Create(ctx, CreateRequest{
		UserID: user, FromWalletID: from.ID, ToWalletID: walletPtr(to),
		Amount: amount("10"), Frequency: "monthly", Description: "Rent",
	})
	require.NoError(t, err)
	assert.Equal(t, Monthly, rp.Frequency)
	assert.Equal(t, anchor, rp.NextPaymentDate)

	n, err := e.svc.ExecuteDue(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 9000, e.balance(t, from.ID))
	assert.EqualValues(t, 1000, e.balance(t, to.ID))

	stored := e.reload(t, rp.ID)
	assert.Equal(t, 1, stored.TotalPaymentsMade)
	assert.True(t, stored.NextPaymentDate.Equal(time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)))
	require.NotNil(t, stored.LastPaymentAt)

	n, err = e.svc.ExecuteDue(ctx, anchor.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "nothing due until the next month")

	n, err = e.svc.ExecuteDue(ctx, time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 8000, e.balance(t, from.ID))

	var tx models.Transaction
	require.NoError(t, e.db.First(&tx, "user_id = ? AND reference = ?", user, "recurring:"+rp.ID.String()+":2").Error)
	assert.Equal(t, rp.ID.String(), tx.Metadata.String("recurring_payment_id"))
}

func TestInsufficientFundsRetriesThenDeactivates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	from := e.wallet(t, user, "NGN", "")
	to := e.wallet(t, uuid.New(), "NGN", "")

	rp, err := e.svc.Create(ctx, CreateRequest{
		UserID: user, FromWalletID: from.ID, ToWalletID: walletPtr(to),
		Amount: amount("10"), Frequency: "DAILY", AutoRetry: true, MaxRetries: intPtr(1),
	})
	require.NoError(t, err)

	n, err := e.svc.ExecuteDue(ctx, anchor)
	require.NoError(t, err)
	assert.Zero(t, n)
	stored := e.reload(t, rp.ID)
	assert.True(t, stored.IsActive)
	assert.Equal(t, 1, stored.RetryCount)
	assert.True(t, stored.NextPaymentDate.Equal(anchor.Add(time.Hour)))
	require.Len(t, e.failures.reasons, 1)
	assert.Contains(t, e.failures.reasons[0], "retrying")

	n, err = e.svc.ExecuteDue(ctx, anchor.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	stored = e.reload(t, rp.ID)
	assert.False(t, stored.IsActive)
	assert.NotEmpty(t, stored.LastFailureReason)
	assert.Len(t, e.failures.reasons, 2)
}

func TestRetryDisabledDeactivatesImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	from := e.wallet(t, user, "NGN", "")
	to := e.wallet(t, uuid.New(), "NGN", "")

	rp, err := e.svc.Create(ctx, CreateRequest{
		UserID: user, FromWalletID: from.ID, ToWalletID: walletPtr(to),
		Amount: amount("10"), Frequency: "WEEKLY",
	})
	require.NoError(t, err)
	_, err = e.svc.ExecuteDue(ctx, anchor)
	require.NoError(t, err)
	assert.False(t, e.reload(t, rp.ID).IsActive)
	assert.Len(t, e.failures.reasons, 1)
}

func TestEndDateFinishesSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	from := e.wallet(t, user, "NGN", "100")
	to := e.wallet(t, uuid.New(), "NGN", "")

	rp, err := e.svc.Create(ctx, CreateRequest{
		UserID: user, FromWalletID: from.ID, ToWalletID: walletPtr(to),
		Amount: amount("5"), Frequency: "DAILY", EndDate: timePtr(anchor.Add(36 * time.Hour)),
	})
	require.NoError(t, err)

	_, err = e.svc.ExecuteDue(ctx, anchor)
	require.NoError(t, err)
	assert.True(t, e.reload(t, rp.ID).IsActive)

	_, err = e.svc.ExecuteDue(ctx, anchor.AddDate(0, 0, 1))
	require.NoError(t, err)
	stored := e.reload(t, rp.ID)
	assert.False(t, stored.IsActive)
	assert.Equal(t, 2, stored.TotalPaymentsMade)
	assert.Empty(t, e.failures.reasons)
}

func TestExternalPayoutRunsWithoutPIN(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	from := e.wallet(t, user, "NGN", "50")
	require.NoError(t, e.wallets.SetPIN(ctx, user, from.ID, "1357"))

	req := CreateRequest{
		UserID: user, FromWalletID: from.ID, Amount: amount("20"), Frequency: "DAILY",
		ToExternal: &ExternalAccount{BankCode: "058", AccountNumber: "0123456789", AccountName: "Ada Obi"},
	}
	_, err := e.svc.Create(ctx, req)
	assert.ErrorIs(t, err, errors.PinInvalid)

	req.PIN = "1357"
	rp, err := e.svc.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", rp.ToExternal.String("account_number"))

	n, err := e.svc.ExecuteDue(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 3000, e.balance(t, from.ID))
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	from := e.wallet(t, user, "NGN", "")
	to := e.wallet(t, uuid.New(), "NGN", "")
	usd := e.wallet(t, uuid.New(), "USD", "")
	external := &ExternalAccount{BankCode: "058", AccountNumber: "0123456789", AccountName: "Ada Obi"}

	base := func() CreateRequest {
		return CreateRequest{UserID: user, FromWalletID: from.ID, ToWalletID: walletPtr(to), Amount: amount("10"), Frequency: "DAILY"}
	}
	cases := map[string]func(*CreateRequest){
		"two destinations": func(r *CreateRequest) { r.ToExternal = external },
		"no destination":   func(r *CreateRequest) { r.ToWalletID = nil },
		"frequency":        func(r *CreateRequest) { r.Frequency = "HOURLY" },
		"past start":       func(r *CreateRequest) { r.StartDate = timePtr(anchor.Add(-time.Hour)) },
		"end before start": func(r *CreateRequest) { r.EndDate = timePtr(anchor.Add(-time.Minute)) },
		"same wallet":      func(r *CreateRequest) { r.ToWalletID = walletPtr(from) },
		"zero amount":      func(r *CreateRequest) { r.Amount = decimal.Zero },
		"retries":          func(r *CreateRequest) { r.MaxRetries = intPtr(50) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := base()
			mutate(&req)
			_, err := e.svc.Create(ctx, req)
			assert.ErrorIs(t, err, errors.ValidationFailed)
		})
	}

	req := base()
	req.ToWalletID = walletPtr(usd)
	_, err := e.svc.Create(ctx, req)
	assert.Error(t, err)

	req = base()
	req.FromWalletID = to.ID
	_, err = e.svc.Create(ctx, req)
	assert.ErrorIs(t, err, errors.NotFound, "source must belong to the caller")

	req = base()
	req.MaxRetries = intPtr(0)
	rp, err := e.svc.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, e.reload(t, rp.ID).MaxRetries)
}

func TestPauseResumeCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := uuid.New()
	from := e.wallet(t, user, "NGN", "100")
	to := e.wallet(t, uuid.New(), "NGN", "")

	rp, err := e.svc.Create(ctx, CreateRequest{
		UserID: user, FromWalletID: from.ID, ToWalletID: walletPtr(to), Amount: amount("10"), Frequency: "DAILY",
	})
	require.NoError(t, err)

	_, err = e.svc.Pause(ctx, user, rp.ID)
	require.NoError(t, err)
	n, err := e.svc.ExecuteDue(ctx, anchor)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clock = anchor.Add(72*time.Hour + time.Minute)
	resumed, err := e.svc.Resume(ctx, user, rp.ID)
	require.NoError(t, err)
	assert.True(t, resumed.IsActive)
	assert.True(t, resumed.NextPaymentDate.Equal(anchor.AddDate(0, 0, 4)), "missed days are skipped")

	list, err := e.svc.List(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = e.svc.Get(ctx, uuid.New(), rp.ID)
	assert.ErrorIs(t, err, errors.NotFound)

	cancelled, err := e.svc.Cancel(ctx, user, rp.ID)
	require.NoError(t, err)
	assert.NotNil(t, cancelled.CancelledAt)
	_, err = e.svc.Resume(ctx, user, rp.ID)
	assert.ErrorIs(t, err, errors.StateTransitionInvalid)
	_, err = e.svc.Pause(ctx, user, rp.ID)
	assert.ErrorIs(t, err, errors.StateTransitionInvalid)
}
