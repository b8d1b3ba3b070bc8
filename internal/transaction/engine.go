// Package transaction is the ledger engine: it pairs every wallet balance
// mutation with a transaction record in one serializable commit, enforces
// the transaction state machine and makes client references idempotent.
package transaction

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/metrics"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

var tracer = otel.Tracer("fincore/transaction")

const maxReferenceLength = 128

// Providers selects deposit and payout providers.
type Providers interface {
	Deposit(currency string) providers.DepositProvider
	DepositByName(name string) (providers.DepositProvider, error)
	Payout(currency string) providers.PayoutProvider
	PayoutByName(name string) (providers.PayoutProvider, error)
}

// Notifier is told about transactions after they commit.
type Notifier interface {
	TransactionUpdated(ctx context.Context, t *models.Transaction)
}

// Hooks collects work that must only happen once the enclosing database
// transaction has committed.
type Hooks struct {
	fns []func(context.Context)
}

func (h *Hooks) Add(fn func(context.Context)) { h.fns = append(h.fns, fn) }

// Run executes the hooks in order. Call it only after a successful commit.
func (h *Hooks) Run(ctx context.Context) {
	for _, fn := range h.fns {
		fn(ctx)
	}
	h.fns = nil
}

// FeePolicy prices internal transfers. Fees are only charged in currencies
// that have a platform wallet to receive them.
type FeePolicy struct {
	Percent         decimal.Decimal
	Flat            decimal.Decimal
	PlatformWallets map[string]uuid.UUID
}

// Service implements the engine operations.
type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	wallets   *wallet.Service
	providers Providers
	validator *validation.Validator
	audit     *audit.Service
	publisher messaging.Publisher
	notifier  Notifier
	fees      FeePolicy
	now       func() time.Time
}

// Option configures optional collaborators.
type Option func(*Service)

func WithPublisher(p messaging.Publisher) Option { return func(s *Service) { s.publisher = p } }
func WithNotifier(n Notifier) Option             { return func(s *Service) { s.notifier = n } }
func WithFees(f FeePolicy) Option                { return func(s *Service) { s.fees = f } }
func WithClock(now func() time.Time) Option      { return func(s *Service) { s.now = now } }

func NewService(db *gorm.DB, logger *zap.Logger, wallets *wallet.Service, p Providers, v *validation.Validator, auditor *audit.Service, opts ...Option) *Service {
	s := &Service{
		db:        db,
		logger:    logger.Named("transaction"),
		wallets:   wallets,
		providers: p,
		validator: v,
		audit:     auditor,
		publisher: messaging.NewLogPublisher(logger),
		notifier:  nopNotifier{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ledger."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errors.KindOf(err))
	}
	span.End()
}

// ledger runs fn in a serializable transaction, records its latency and
// runs hooks once it has committed.
func (s *Service) ledger(ctx context.Context, op string, fn func(tx *gorm.DB, hooks *Hooks) error) error {
	start := time.Now()
	hooks := &Hooks{}
	err := database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		hooks.fns = nil
		return fn(tx, hooks)
	})
	metrics.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if database.IsUniqueViolation(err) {
		return errors.DuplicateReference.Explain("%s conflicts with an existing record", op).Wrap(err)
	}
	if err != nil {
		return wrap(err)
	}
	hooks.Run(ctx)
	return nil
}

// settled queues the event, notification and counter for t.
func (s *Service) settled(hooks *Hooks, t *models.Transaction, msgType messaging.MessageType) {
	snapshot := *t
	hooks.Add(func(ctx context.Context) {
		metrics.TransactionsTotal.WithLabelValues(string(snapshot.Type), string(snapshot.Status)).Inc()
		s.publish(ctx, &snapshot, msgType)
		s.notifier.TransactionUpdated(ctx, &snapshot)
	})
}

func (s *Service) publish(ctx context.Context, t *models.Transaction, msgType messaging.MessageType) {
	ev := &messaging.LedgerEvent{
		BaseMessage:   messaging.NewBaseMessage(msgType, "transaction", logger.CorrelationID(ctx)),
		TransactionID: t.ID.String(),
		UserID:        t.UserID.String(),
		TxType:        string(t.Type),
		Status:        string(t.Status),
		Reference:     t.Reference,
		Currency:      t.Currency,
		Provider:      t.Provider,
	}
	if m, err := money.FromMinor(t.Amount, t.Currency); err == nil {
		ev.Amount = m.Amount()
	}
	if m, err := money.FromMinor(t.Fee, t.Currency); err == nil {
		ev.Fee = m.Amount()
	}
	if t.FromWalletID != nil {
		ev.FromWalletID = t.FromWalletID.String()
	}
	if t.ToWalletID != nil {
		ev.ToWalletID = t.ToWalletID.String()
	}
	if err := s.publisher.Publish(ctx, ev.Key(), ev); err != nil {
		logger.For(ctx, s.logger).Warn("failed to publish ledger event",
			zap.String("transaction_id", t.ID.String()),
			zap.String("type", string(msgType)),
			zap.Error(err))
	}
}

func checkReference(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.ValidationFailed.Explain("reference is required").
			WithField("reference_required", "reference", "reference is required")
	}
	if len(ref) > maxReferenceLength {
		return errors.ValidationFailed.Explain("reference exceeds %d characters", maxReferenceLength).
			WithField("reference_length", "reference", "reference is too long")
	}
	return nil
}

// byReference returns the user's transaction for ref, or nil.
func byReference(ctx context.Context, db *gorm.DB, userID uuid.UUID, ref string) (*models.Transaction, error) {
	var t models.Transaction
	err := db.WithContext(ctx).Where("user_id = ? AND reference = ?", userID, ref).Limit(1).Find(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == uuid.Nil {
		return nil, nil
	}
	return &t, nil
}

// lockTransaction loads and row-locks a transaction.
func lockTransaction(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	if err := database.ForUpdate(tx.WithContext(ctx)).First(&t, "id = ?", id).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, errors.NotFound.Explain("transaction %s not found", id)
		}
		return nil, err
	}
	return &t, nil
}

// amountIn converts a request amount to money in the wallet currency.
func amountIn(amount decimal.Decimal, currency string) (money.Money, error) {
	if err := validation.ValidateAmount(amount); err != nil {
		return money.Money{}, err
	}
	return money.New(amount, currency)
}

// transferFee prices a transfer of m and names the wallet that receives it.
func (s *Service) transferFee(m money.Money) (int64, *uuid.UUID) {
	platform, ok := s.fees.PlatformWallets[m.Code()]
	if !ok {
		return 0, nil
	}
	fee := m.MulRate(s.fees.Percent.Div(decimal.NewFromInt(100))).MinorUnits() +
		money.ScaleToMinorUnits(s.fees.Flat, m.Currency())
	if fee <= 0 {
		return 0, nil
	}
	return fee, &platform
}

// recordFee writes the fee row for parent and, when a platform wallet is
// named, credits it with a FEE transaction. platform must be locked.
func (s *Service) recordFee(ctx context.Context, tx *gorm.DB, parent *models.Transaction, platform *models.Wallet) error {
	if parent.Fee <= 0 {
		return nil
	}
	row := &models.TransactionFee{
		ID:            uuid.New(),
		TransactionID: parent.ID,
		FeeType:       strings.ToLower(string(parent.Type)),
		Amount:        parent.Fee,
		Currency:      parent.Currency,
	}
	if platform == nil {
		return tx.Create(row).Error
	}
	row.PlatformWalletID = &platform.ID
	if err := tx.Create(row).Error; err != nil {
		return err
	}
	change, err := s.wallets.UpdateBalance(ctx, tx, platform, parent.Fee, wallet.OpCredit, wallet.Options{})
	if err != nil {
		return err
	}
	now := s.now()
	return tx.Create(&models.Transaction{
		ID:              uuid.New(),
		UserID:          parent.UserID,
		Reference:       "fee:" + parent.ID.String(),
		Type:            models.TxFee,
		Direction:       models.DirectionInternal,
		Status:          models.TxCompleted,
		ToWalletID:      &platform.ID,
		ParentID:        &parent.ID,
		Amount:          parent.Fee,
		Currency:        parent.Currency,
		ToBalanceBefore: ptr(change.Before),
		ToBalanceAfter:  ptr(change.After),
		Description:     "Fee for " + parent.Reference,
		Metadata:        models.JSONMap{},
		CompletedAt:     &now,
	}).Error
}

func ptr[T any](v T) *T { return &v }

// wrap keeps typed errors and turns anything else into an internal error.
func wrap(err error) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	return errors.Wrap(err)
}

type nopNotifier struct{}

func (nopNotifier) TransactionUpdated(context.Context, *models.Transaction) {}
