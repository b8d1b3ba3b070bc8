package transaction

import (
	"context"
	"fmt"
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
	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

type testProviders struct {
	*providers.Factory
	deposit providers.DepositProvider
	payout  providers.PayoutProvider
}

func (p *testProviders) Deposit(currency string) providers.DepositProvider {
	if p.deposit != nil {
		return p.deposit
	}
	return p.Factory.Deposit(currency)
}

func (p *testProviders) DepositByName(name string) (providers.DepositProvider, error) {
	if p.deposit != nil && p.deposit.Name() == name {
		return p.deposit, nil
	}
	return p.Factory.DepositByName(name)
}

func (p *testProviders) Payout(currency string) providers.PayoutProvider {
	if p.payout != nil {
		return p.payout
	}
	return p.Factory.Payout(currency)
}

func (p *testProviders) PayoutByName(name string) (providers.PayoutProvider, error) {
	if p.payout != nil && p.payout.Name() == name {
		return p.payout, nil
	}
	return p.Factory.PayoutByName(name)
}

type failingDeposit struct {
	*providers.InternalProvider
	err error
}

func (f failingDeposit) InitiateDeposit(context.Context, providers.DepositRequest) (*providers.DepositResult, error) {
	return nil, f.err
}

type fakePayout struct {
	status   providers.Status
	verify   providers.Status
	verifyBy map[string]providers.Status
	err      error
	fee      int64
}

func (f *fakePayout) Name() string { return "fakebank" }

func (f *fakePayout) InitiatePayout(_ context.Context, req providers.PayoutRequest) (*providers.Verification, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Verification{Reference: req.Reference, ProviderReference: "FB-" + req.Reference, Status: f.status}, nil
}

func (f *fakePayout) VerifyPayout(_ context.Context, ref string) (*providers.Verification, error) {
	status, ok := f.verifyBy[ref]
	if !ok {
		status = f.verify
	}
	return &providers.Verification{Reference: ref, ProviderReference: "FB-" + ref, Status: status}, nil
}

func (f *fakePayout) CalculatePayoutFee(amount money.Money) money.Money {
	fee, _ := money.FromMinor(f.fee, amount.Code())
	return fee
}

type env struct {
	db        *gorm.DB
	svc       *Service
	wallets   *wallet.Service
	providers *testProviders
	events    *messaging.MemoryPublisher
}

func newEnv(t *testing.T, syncDeposits bool) *env {
	t.Helper()
	db := dbtest.New(t)
	factory := providers.NewFactory(config.ProviderConfig{
		UseInternalProvider: true,
		InternalDepositSync: syncDeposits,
		ProviderHTTPTimeout: time.Second,
	}, zap.NewNop())
	v := validation.NewValidator(zap.NewNop(), nil)
	auditor := audit.NewService(zap.NewNop())
	wallets := wallet.NewService(db, zap.NewNop(), factory, v, auditor)
	p := &testProviders{Factory: factory}
	events := messaging.NewMemoryPublisher()
	svc := NewService(db, zap.NewNop(), wallets, p, v, auditor, WithPublisher(events))
	return &env{db: db, svc: svc, wallets: wallets, providers: p, events: events}
}

func identity(userID uuid.UUID) providers.UserIdentity {
	return providers.UserIdentity{UserID: userID, Email: "user@example.com", FirstName: "Ada", LastName: "Obi"}
}

func (e *env) wallet(t *testing.T, currency string) *models.Wallet {
	t.Helper()
	w, err := e.wallets.CreateWallet(context.Background(), wallet.CreateRequest{User: identity(uuid.New()), Currency: currency})
	require.NoError(t, err)
	return w
}

func (e *env) fund(t *testing.T, w *models.Wallet, amount string) {
	t.Helper()
	ctx := context.Background()
	res, err := e.svc.InitiateDeposit(ctx, DepositRequest{
		User:      identity(w.UserID),
		WalletID:  w.ID,
		Amount:    decimal.RequireFromString(amount),
		Reference: "fund-" + uuid.NewString(),
	})
	require.NoError(t, err)
	if res.Transaction.Status != models.TxCompleted {
		_, err = e.svc.CompleteDeposit(ctx, DepositCompletion{TransactionID: &res.Transaction.ID})
		require.NoError(t, err)
	}
}

func (e *env) reload(t *testing.T, id uuid.UUID) *models.Wallet {
	t.Helper()
	var w models.Wallet
	require.NoError(t, e.db.First(&w, "id = ?", id).Error)
	return &w
}

func (e *env) tx(t *testing.T, userID uuid.UUID, ref string) *models.Transaction {
	t.Helper()
	var out models.Transaction
	require.NoError(t, e.db.First(&out, "user_id = ? AND reference = ?", userID, ref).Error)
	return &out
}

func assertBalanced(t *testing.T, w *models.Wallet) {
	t.Helper()
	assert.Equal(t, w.Balance, w.AvailableBalance+w.PendingBalance, "balance = available + pending")
	assert.GreaterOrEqual(t, w.AvailableBalance, int64(0))
	assert.GreaterOrEqual(t, w.PendingBalance, int64(0))
}

func TestTransferWithFee(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	from, to, platform := e.wallet(t, "NGN"), e.wallet(t, "NGN"), e.wallet(t, "NGN")
	e.svc.fees = FeePolicy{Percent: decimal.NewFromInt(1), PlatformWallets: map[string]uuid.UUID{"NGN": platform.ID}}
	e.fund(t, from, "500.00")

	req := TransferRequest{
		UserID:       from.UserID,
		FromWalletID: from.ID,
		ToWalletID:   &to.ID,
		Amount:       decimal.RequireFromString("100.00"),
		Reference:    "T1",
		Description:  "<b>rent</b>",
	}
	tr, err := e.svc.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, tr.Status)
	assert.Equal(t, int64(10_000), tr.Amount)
	assert.Equal(t, int64(100), tr.Fee)
	assert.Equal(t, "rent", tr.Description)
	assert.Equal(t, to.UserID.String(), tr.Metadata.String("counterparty_user_id"))
	require.NotNil(t, tr.FromBalanceAfter)
	assert.Equal(t, *tr.FromBalanceBefore-tr.Amount-tr.Fee, *tr.FromBalanceAfter)
	assert.Equal(t, *tr.ToBalanceBefore+tr.Amount, *tr.ToBalanceAfter)

	assert.Equal(t, int64(50_000-10_100), e.reload(t, from.ID).Balance)
	assert.Equal(t, int64(10_000), e.reload(t, to.ID).Balance)
	assert.Equal(t, int64(100), e.reload(t, platform.ID).Balance)

	var fees []models.TransactionFee
	require.NoError(t, e.db.Find(&fees, "transaction_id = ?", tr.ID).Error)
	require.Len(t, fees, 1)
	assert.Equal(t, int64(100), fees[0].Amount)
	assert.Equal(t, platform.ID, *fees[0].PlatformWalletID)

	again, err := e.svc.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, again.ID, "same reference returns the original transfer")
	assert.Equal(t, int64(50_000-10_100), e.reload(t, from.ID).Balance)

	for _, id := range []uuid.UUID{from.ID, to.ID, platform.ID} {
		res, err := e.svc.Replay(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Consistent, "replay of %s", id)
	}
	assert.Contains(t, e.events.Types(), messaging.MsgTransactionCompleted)
}

func TestTransferRejections(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	from, to, usd := e.wallet(t, "NGN"), e.wallet(t, "NGN"), e.wallet(t, "USD")
	e.fund(t, from, "50.00")

	base := func(ref, amount string) TransferRequest {
		return TransferRequest{
			UserID:       from.UserID,
			FromWalletID: from.ID,
			ToWalletID:   &to.ID,
			Amount:       decimal.RequireFromString(amount),
			Reference:    ref,
		}
	}

	_, err := e.svc.Transfer(ctx, base("big", "60.00"))
	assert.ErrorIs(t, err, errors.InsufficientFunds)
	var count int64
	require.NoError(t, e.db.Model(&models.Transaction{}).Where("reference = ?", "big").Count(&count).Error)
	assert.Zero(t, count, "a rejected transfer leaves no record")

	self := base("self", "1.00")
	self.ToWalletID = &from.ID
	_, err = e.svc.Transfer(ctx, self)
	assert.ErrorIs(t, err, errors.ValidationFailed)

	cross := base("fx", "1.00")
	cross.ToWalletID = &usd.ID
	_, err = e.svc.Transfer(ctx, cross)
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)

	_, err = e.svc.Transfer(ctx, base("", "1.00"))
	assert.Equal(t, "reference_required", errors.RuleOf(err))

	_, err = e.svc.Transfer(ctx, base("tiny", "0.001"))
	assert.ErrorIs(t, err, errors.ValidationFailed)

	byAccount := base("acct", "5.00")
	byAccount.ToWalletID = nil
	byAccount.ToAccountNumber = to.AccountNumber
	tr, err := e.svc.Transfer(ctx, byAccount)
	require.NoError(t, err)
	assert.Equal(t, to.ID, *tr.ToWalletID)

	require.NoError(t, e.wallets.SetPIN(ctx, from.UserID, from.ID, "2580"))
	_, err = e.svc.Transfer(ctx, base("nopin", "1.00"))
	assert.ErrorIs(t, err, errors.PinInvalid)
	withPIN := base("pin", "1.00")
	withPIN.PIN = "2580"
	_, err = e.svc.Transfer(ctx, withPIN)
	assert.NoError(t, err)
}

func TestConcurrentTransfersPreserveTotal(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	a, b := e.wallet(t, "NGN"), e.wallet(t, "NGN")
	e.fund(t, a, "1000.00")
	e.fund(t, b, "1000.00")

	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, rounds)
	for i := 0; i < rounds; i++ {
		src, dst := a, b
		if i%2 == 1 {
			src, dst = b, a
		}
		wg.Add(1)
		go func(i int, src, dst *models.Wallet) {
			defer wg.Done()
			_, err := e.svc.Transfer(ctx, TransferRequest{
				UserID:       src.UserID,
				FromWalletID: src.ID,
				ToWalletID:   &dst.ID,
				Amount:       decimal.RequireFromString("10.00"),
				Reference:    fmt.Sprintf("c-%d", i),
			})
			errs <- err
		}(i, src, dst)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	wa, wb := e.reload(t, a.ID), e.reload(t, b.ID)
	assert.Equal(t, int64(200_000), wa.Balance+wb.Balance)
	assert.Equal(t, int64(100_000), wa.Balance)
	assertBalanced(t, wa)
	assertBalanced(t, wb)
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		res, err := e.svc.Replay(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Consistent)
		assert.Equal(t, 1+rounds, res.Entries)
	}
}

func TestDepositPendingThenCompleted(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	w := e.wallet(t, "NGN")

	req := DepositRequest{User: identity(w.UserID), WalletID: w.ID, Amount: decimal.RequireFromString("500.00"), Reference: "R1"}
	res, err := e.svc.InitiateDeposit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, res.Transaction.Status)
	require.NotNil(t, res.Transaction.ExternalReference)
	ext := "INT-" + res.Transaction.ID.String()
	assert.Equal(t, ext, *res.Transaction.ExternalReference)
	assert.Zero(t, e.reload(t, w.ID).Balance)

	again, err := e.svc.InitiateDeposit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.ID, again.Transaction.ID)

	wrong, _ := money.Parse("400.00", "NGN")
	_, err = e.svc.CompleteDeposit(ctx, DepositCompletion{Provider: providers.NameInternal, Reference: res.Transaction.ID.String(), Amount: &wrong})
	assert.Equal(t, "amount_mismatch", errors.RuleOf(err))

	for i := 0; i < 2; i++ {
		done, err := e.svc.CompleteDeposit(ctx, DepositCompletion{Provider: providers.NameInternal, ExternalReference: ext})
		require.NoError(t, err)
		assert.Equal(t, models.TxCompleted, done.Status)
	}
	assert.Equal(t, int64(50_000), e.reload(t, w.ID).Balance, "completion is applied once")

	_, err = e.svc.FailDeposit(ctx, DepositCompletion{TransactionID: &res.Transaction.ID, Reason: "late failure"})
	assert.ErrorIs(t, err, errors.StateTransitionInvalid)

	failed, err := e.svc.InitiateDeposit(ctx, DepositRequest{User: identity(w.UserID), WalletID: w.ID, Amount: decimal.RequireFromString("10.00"), Reference: "R2"})
	require.NoError(t, err)
	_, err = e.svc.FailDeposit(ctx, DepositCompletion{TransactionID: &failed.Transaction.ID, Reason: "declined"})
	require.NoError(t, err)
	_, err = e.svc.CompleteDeposit(ctx, DepositCompletion{TransactionID: &failed.Transaction.ID})
	assert.ErrorIs(t, err, errors.StateTransitionInvalid)
	assert.Equal(t, "declined", e.tx(t, w.UserID, "R2").FailureReason)

	assert.Equal(t, []messaging.MessageType{
		messaging.MsgTransactionPending,
		messaging.MsgTransactionCompleted,
		messaging.MsgTransactionPending,
		messaging.MsgTransactionFailed,
	}, e.events.Types())
}

func TestDepositProviderOutcomes(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	w := e.wallet(t, "NGN")
	internal := e.providers.Internal()

	e.providers.deposit = failingDeposit{InternalProvider: internal, err: errors.ProviderUnavailable.Explain("timeout")}
	res, err := e.svc.InitiateDeposit(ctx, DepositRequest{User: identity(w.UserID), WalletID: w.ID, Amount: decimal.RequireFromString("20.00"), Reference: "U1"})
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, res.Transaction.Status, "unknown outcome stays pending")

	e.providers.deposit = failingDeposit{InternalProvider: internal, err: errors.ProviderRejected.Explain("blocked card")}
	_, err = e.svc.InitiateDeposit(ctx, DepositRequest{User: identity(w.UserID), WalletID: w.ID, Amount: decimal.RequireFromString("20.00"), Reference: "X1"})
	assert.ErrorIs(t, err, errors.ProviderRejected)
	assert.Equal(t, models.TxFailed, e.tx(t, w.UserID, "X1").Status)

	e.providers.deposit = nil
	n, err := e.svc.AutoConfirmDeposits(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.TxCompleted, e.tx(t, w.UserID, "U1").Status)
	assert.Equal(t, int64(2_000), e.reload(t, w.ID).Balance)
}

func TestDepositSyncMode(t *testing.T) {
	e := newEnv(t, true)
	w := e.wallet(t, "USD")
	res, err := e.svc.InitiateDeposit(context.Background(), DepositRequest{User: identity(w.UserID), WalletID: w.ID, Amount: decimal.RequireFromString("12.34"), Reference: "S1"})
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, res.Transaction.Status)
	assert.Equal(t, int64(1_234), e.reload(t, w.ID).Balance)
}

func withdrawal(w *models.Wallet, ref, amount string) WithdrawalRequest {
	return WithdrawalRequest{
		User:          identity(w.UserID),
		WalletID:      w.ID,
		Amount:        decimal.RequireFromString(amount),
		Reference:     ref,
		BankCode:      "058",
		AccountNumber: "0123456789",
		AccountName:   "Ada Obi",
	}
}

func TestWithdrawalCompletesAndChargesFee(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	w, platform := e.wallet(t, "NGN"), e.wallet(t, "NGN")
	e.svc.fees = FeePolicy{PlatformWallets: map[string]uuid.UUID{"NGN": platform.ID}}
	e.fund(t, w, "1000.00")
	e.providers.payout = &fakePayout{status: providers.StatusCompleted, fee: 50}

	tr, err := e.svc.Withdraw(ctx, withdrawal(w, "W1", "200.00"))
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, tr.Status)
	assert.Equal(t, "FB-"+tr.ID.String(), *tr.ExternalReference)
	assert.Equal(t, *tr.FromBalanceBefore-tr.Amount-tr.Fee, *tr.FromBalanceAfter)

	got := e.reload(t, w.ID)
	assert.Equal(t, int64(100_000-20_050), got.Balance)
	assert.Zero(t, got.PendingBalance)
	assertBalanced(t, got)
	assert.Equal(t, int64(50), e.reload(t, platform.ID).Balance)

	var hold models.TransactionHold
	require.NoError(t, e.db.First(&hold, "parent_id = ?", tr.ID).Error)
	assert.Equal(t, models.HoldCaptured, hold.Status)

	res, err := e.svc.Replay(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, res.Consistent)

	_, err = e.svc.Withdraw(ctx, WithdrawalRequest{User: identity(w.UserID), WalletID: w.ID, Amount: decimal.NewFromInt(1), Reference: "bad", BankCode: "058", AccountNumber: "12", AccountName: "x"})
	assert.ErrorIs(t, err, errors.ValidationFailed)
}

func TestWithdrawalRejectedReleasesHold(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	w := e.wallet(t, "NGN")
	e.fund(t, w, "1000.00")
	e.providers.payout = &fakePayout{err: errors.ProviderRejected.Explain("account closed"), fee: 50}

	_, err := e.svc.Withdraw(ctx, withdrawal(w, "W2", "200.00"))
	assert.ErrorIs(t, err, errors.ProviderRejected)

	tr := e.tx(t, w.UserID, "W2")
	assert.Equal(t, models.TxFailed, tr.Status)
	got := e.reload(t, w.ID)
	assert.Equal(t, int64(100_000), got.Balance)
	assert.Equal(t, int64(100_000), got.AvailableBalance)
	assertBalanced(t, got)

	var release models.Transaction
	require.NoError(t, e.db.First(&release, "type = ? AND to_wallet_id = ?", models.TxRelease, w.ID).Error)
	assert.Equal(t, int64(20_050), release.Amount)
}

func TestWithdrawalUnknownOutcome(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	w := e.wallet(t, "NGN")
	e.fund(t, w, "1000.00")
	payout := &fakePayout{err: errors.ProviderUnavailable.Explain("timeout"), verify: providers.StatusPending}
	e.providers.payout = payout

	first, err := e.svc.Withdraw(ctx, withdrawal(w, "W3", "100.00"))
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, first.Status)
	got := e.reload(t, w.ID)
	assert.Equal(t, int64(90_000), got.AvailableBalance)
	assert.Equal(t, int64(10_000), got.PendingBalance)
	assertBalanced(t, got)

	// the payout may have reached the provider, so the user cannot take the
	// funds back; only the provider or the reconciler settles it
	_, err = e.svc.Cancel(ctx, w.UserID, first.ID)
	assert.ErrorIs(t, err, errors.StateTransitionInvalid)
	_, err = e.svc.Cancel(ctx, uuid.New(), first.ID)
	assert.ErrorIs(t, err, errors.NotFound)
	assert.Equal(t, models.TxPending, e.tx(t, w.UserID, "W3").Status)
	assert.Equal(t, int64(10_000), e.reload(t, w.ID).PendingBalance)

	// a late success from the provider still captures the hold
	late, err := e.svc.CompleteWithdrawal(ctx, WithdrawalCompletion{Provider: payout.Name(), Reference: first.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, models.TxCompleted, late.Status)
	got = e.reload(t, w.ID)
	assert.Equal(t, int64(90_000), got.Balance)
	assert.Zero(t, got.PendingBalance)

	w4, err := e.svc.Withdraw(ctx, withdrawal(w, "W4", "100.00"))
	require.NoError(t, err)
	_, err = e.svc.Withdraw(ctx, withdrawal(w, "W5", "100.00"))
	require.NoError(t, err)

	stats, err := e.svc.Reconcile(ctx, time.Now().UTC().Add(time.Hour), 10*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Checked: 2}, stats, "still pending and not yet timed out")

	payout.verifyBy = map[string]providers.Status{w4.ID.String(): providers.StatusCompleted}
	stats, err = e.svc.Reconcile(ctx, time.Now().UTC().Add(time.Hour), 10*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Checked: 2, Completed: 1}, stats)
	assert.Equal(t, models.TxCompleted, e.tx(t, w.UserID, "W4").Status)

	stats, err = e.svc.Reconcile(ctx, time.Now().UTC().Add(25*time.Hour), 10*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Checked: 1, TimedOut: 1}, stats)
	assert.Equal(t, models.TxFailed, e.tx(t, w.UserID, "W5").Status)

	got = e.reload(t, w.ID)
	assert.Equal(t, int64(80_000), got.Balance)
	assert.Zero(t, got.PendingBalance)
	assertBalanced(t, got)
}

func TestHoldLifecycle(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	w := e.wallet(t, "NGN")
	e.fund(t, w, "500.00")

	req := HoldRequest{UserID: w.UserID, WalletID: w.ID, Amount: decimal.RequireFromString("100.00"), Reference: "H1", Reason: "hotel"}
	h, err := e.svc.PlaceHold(ctx, req)
	require.NoError(t, err)
	got := e.reload(t, w.ID)
	assert.Equal(t, int64(40_000), got.AvailableBalance)
	assert.Equal(t, int64(10_000), got.PendingBalance)
	assert.Equal(t, int64(50_000), got.Balance)

	again, err := e.svc.PlaceHold(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)

	_, err = e.svc.ReleaseHold(ctx, uuid.New(), h.ID)
	assert.ErrorIs(t, err, errors.NotFound)
	released, err := e.svc.ReleaseHold(ctx, w.UserID, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldReleased, released.Status)
	_, err = e.svc.ReleaseHold(ctx, w.UserID, h.ID)
	assert.NoError(t, err, "releasing twice is a no-op")
	assert.Equal(t, int64(50_000), e.reload(t, w.ID).AvailableBalance)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = e.svc.PlaceHold(ctx, HoldRequest{UserID: w.UserID, WalletID: w.ID, Amount: decimal.NewFromInt(1), Reference: "H2", ExpiresAt: &past})
	assert.Equal(t, "expiry_past", errors.RuleOf(err))

	soon := time.Now().UTC().Add(time.Minute)
	_, err = e.svc.PlaceHold(ctx, HoldRequest{UserID: w.UserID, WalletID: w.ID, Amount: decimal.NewFromInt(30), Reference: "H3", ExpiresAt: &soon})
	require.NoError(t, err)
	n, err := e.svc.ExpireHolds(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = e.svc.ExpireHolds(ctx, soon.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got = e.reload(t, w.ID)
	assert.Equal(t, int64(50_000), got.AvailableBalance)
	assert.Zero(t, got.PendingBalance)

	res, err := e.svc.Replay(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, res.Consistent, "holds do not change the ledger balance")
	assert.Contains(t, e.events.Types(), messaging.MsgHoldReleased)
}

func TestReverseTransfer(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	from, to, platform := e.wallet(t, "NGN"), e.wallet(t, "NGN"), e.wallet(t, "NGN")
	e.svc.fees = FeePolicy{Flat: decimal.RequireFromString("0.50"), PlatformWallets: map[string]uuid.UUID{"NGN": platform.ID}}
	e.fund(t, from, "100.00")

	tr, err := e.svc.Transfer(ctx, TransferRequest{UserID: from.UserID, FromWalletID: from.ID, ToWalletID: &to.ID, Amount: decimal.RequireFromString("40.00"), Reference: "RV1"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), tr.Fee)

	_, err = e.svc.Reverse(ctx, audit.Actor{ID: from.UserID, Role: audit.RoleUser}, tr.ID, "mistake")
	assert.ErrorIs(t, err, errors.Unauthorized)
	admin := audit.Actor{ID: uuid.New(), Role: audit.RoleAdmin}
	_, err = e.svc.Reverse(ctx, admin, tr.ID, " ")
	assert.ErrorIs(t, err, errors.ValidationFailed)

	reversed, err := e.svc.Reverse(ctx, admin, tr.ID, "sent to wrong account")
	require.NoError(t, err)
	assert.Equal(t, models.TxReversed, reversed.Status)
	assert.Equal(t, int64(10_000), e.reload(t, from.ID).Balance)
	assert.Zero(t, e.reload(t, to.ID).Balance)
	assert.Zero(t, e.reload(t, platform.ID).Balance)

	_, err = e.svc.Reverse(ctx, admin, tr.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), e.reload(t, from.ID).Balance, "reversing twice is a no-op")

	entries, err := audit.NewService(zap.NewNop()).List(ctx, e.db, "transaction", tr.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionTransactionReverse, entries[0].Action)

	for _, id := range []uuid.UUID{from.ID, to.ID, platform.ID} {
		res, err := e.svc.Replay(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Consistent)
	}

	_, err = e.svc.Cancel(ctx, from.UserID, tr.ID)
	assert.ErrorIs(t, err, errors.StateTransitionInvalid)
}

func TestCardPurchaseIsIdempotent(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	w := e.wallet(t, "USD")
	e.fund(t, w, "100.00")
	amount, _ := money.Parse("25.00", "USD")
	fee, _ := money.Parse("0.25", "USD")
	p := CardPurchase{UserID: w.UserID, WalletID: w.ID, CardID: uuid.New(), Provider: providers.NameSudo, ExternalReference: "auth-1", Amount: amount, Fee: fee, Merchant: "Shop"}

	for i := 0; i < 2; i++ {
		err := e.svc.ledger(ctx, "card_test", func(tx *gorm.DB, hooks *Hooks) error {
			_, err := e.svc.RecordCardPurchaseInTx(ctx, tx, hooks, p)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(10_000-2_525), e.reload(t, w.ID).Balance)

	var purchases int64
	require.NoError(t, e.db.Model(&models.Transaction{}).Where("type = ?", models.TxCardPurchase).Count(&purchases).Error)
	assert.Equal(t, int64(1), purchases)
}

func TestListAndGetVisibility(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	from, to := e.wallet(t, "NGN"), e.wallet(t, "NGN")
	e.fund(t, from, "100.00")
	tr, err := e.svc.Transfer(ctx, TransferRequest{UserID: from.UserID, FromWalletID: from.ID, ToWalletID: &to.ID, Amount: decimal.NewFromInt(10), Reference: "L1"})
	require.NoError(t, err)

	_, err = e.svc.Get(ctx, to.UserID, tr.ID)
	assert.NoError(t, err, "receivers can see incoming transfers")
	_, err = e.svc.Get(ctx, uuid.New(), tr.ID)
	assert.ErrorIs(t, err, errors.NotFound)

	list, total, err := e.svc.List(ctx, ListFilter{UserID: from.UserID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)

	list, total, err = e.svc.List(ctx, ListFilter{UserID: from.UserID, Type: models.TxTransfer, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, tr.ID, list[0].ID)

	_, total, err = e.svc.List(ctx, ListFilter{UserID: to.UserID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

type verifyingDeposit struct {
	*providers.InternalProvider
	completed map[string]bool
}

func (v verifyingDeposit) VerifyDeposit(_ context.Context, ref string) (*providers.Verification, error) {
	status := providers.StatusPending
	if v.completed[ref] {
		status = providers.StatusCompleted
	}
	return &providers.Verification{Reference: ref, ProviderReference: "INT-" + ref, Status: status}, nil
}

func TestClientReferenceIsScopedToUser(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	a, b := e.wallet(t, "NGN"), e.wallet(t, "NGN")

	deposit := func(w *models.Wallet) *models.Transaction {
		res, err := e.svc.InitiateDeposit(ctx, DepositRequest{
			User: identity(w.UserID), WalletID: w.ID, Amount: decimal.RequireFromString("100.00"), Reference: "R1",
		})
		require.NoError(t, err)
		require.Equal(t, models.TxPending, res.Transaction.Status)
		require.NotNil(t, res.Transaction.ExternalReference)
		return res.Transaction
	}
	depA, depB := deposit(a), deposit(b)
	assert.NotEqual(t, *depA.ExternalReference, *depB.ExternalReference)

	_, err := e.svc.CompleteDeposit(ctx, DepositCompletion{Provider: providers.NameInternal, Reference: "R1"})
	assert.ErrorIs(t, err, errors.NotFound, "a client reference alone names no deposit")

	done, err := e.svc.CompleteDeposit(ctx, DepositCompletion{Provider: providers.NameInternal, ExternalReference: *depB.ExternalReference})
	require.NoError(t, err)
	assert.Equal(t, depB.ID, done.ID)
	assert.Equal(t, int64(10_000), e.reload(t, b.ID).Balance)
	assert.Zero(t, e.reload(t, a.ID).Balance)
	assert.Equal(t, models.TxPending, e.tx(t, a.UserID, "R1").Status)

	e.fund(t, a, "500.00")
	e.providers.payout = &fakePayout{status: providers.StatusPending}
	wdA, err := e.svc.Withdraw(ctx, withdrawal(a, "W1", "50.00"))
	require.NoError(t, err)
	wdB, err := e.svc.Withdraw(ctx, withdrawal(b, "W1", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, "FB-"+wdA.ID.String(), *wdA.ExternalReference)
	assert.Equal(t, "FB-"+wdB.ID.String(), *wdB.ExternalReference)

	_, err = e.svc.CompleteWithdrawal(ctx, WithdrawalCompletion{Provider: "fakebank", Reference: "W1"})
	assert.ErrorIs(t, err, errors.NotFound)

	settled, err := e.svc.CompleteWithdrawal(ctx, WithdrawalCompletion{Provider: "fakebank", Reference: wdB.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, wdB.ID, settled.ID)
	assert.Equal(t, models.TxPending, e.tx(t, a.UserID, "W1").Status)
	assert.Equal(t, int64(5_000), e.reload(t, b.ID).Balance)
	assert.Equal(t, int64(5_000), e.reload(t, a.ID).PendingBalance)
}

func TestReconcileWalksWholeBacklog(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	w := e.wallet(t, "NGN")
	provider := verifyingDeposit{InternalProvider: e.providers.Internal(), completed: map[string]bool{}}
	e.providers.deposit = provider

	for i := 0; i < reconcileBatchSize; i++ {
		_, err := e.svc.InitiateDeposit(ctx, DepositRequest{
			User: identity(w.UserID), WalletID: w.ID, Amount: decimal.RequireFromString("1.00"), Reference: fmt.Sprintf("stale-%d", i),
		})
		require.NoError(t, err)
	}
	fresh, err := e.svc.InitiateDeposit(ctx, DepositRequest{
		User: identity(w.UserID), WalletID: w.ID, Amount: decimal.RequireFromString("7.00"), Reference: "fresh",
	})
	require.NoError(t, err)
	provider.completed[fresh.Transaction.ID.String()] = true

	// a deposit that never left INITIATED, e.g. after a crash before the
	// provider call was recorded
	now := time.Now().UTC()
	orphan := &models.Transaction{
		ID:         uuid.New(),
		UserID:     w.UserID,
		Reference:  "orphan",
		Type:       models.TxDeposit,
		Direction:  models.DirectionInbound,
		Status:     models.TxInitiated,
		ToWalletID: &w.ID,
		Amount:     300,
		Currency:   "NGN",
		Provider:   provider.Name(),
		CreatedAt:  now.Add(-25 * time.Hour),
	}
	require.NoError(t, e.db.Create(orphan).Error)

	stats, err := e.svc.Reconcile(ctx, now.Add(time.Hour), 10*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Checked: reconcileBatchSize + 2, Completed: 1, TimedOut: 1}, stats)
	assert.Equal(t, models.TxCompleted, e.tx(t, w.UserID, "fresh").Status)
	assert.Equal(t, models.TxFailed, e.tx(t, w.UserID, "orphan").Status)
	assert.Equal(t, models.TxPending, e.tx(t, w.UserID, "stale-0").Status)
	assert.Equal(t, int64(700), e.reload(t, w.ID).Balance)
}
