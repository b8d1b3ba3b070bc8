// Package recurring stores scheduled payments and executes the ones that
// fall due.
package recurring

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

const (
	defaultMaxRetries = 3
	maxMaxRetries     = 10
	retryDelay        = time.Hour
	dueBatchSize      = 200
)

// Payments moves the money for one execution.
type Payments interface {
	Transfer(ctx context.Context, req transaction.TransferRequest) (*models.Transaction, error)
	Withdraw(ctx context.Context, req transaction.WithdrawalRequest) (*models.Transaction, error)
}

// Wallets resolves the caller's source wallet.
type Wallets interface {
	GetWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.Wallet, error)
}

type Notifier interface {
	RecurringPaymentFailed(ctx context.Context, rp *models.RecurringPayment, reason string)
}

// Service manages recurring payments.
type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	payments  Payments
	wallets   Wallets
	validator *validation.Validator
	notifier  Notifier
	now       func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(db *gorm.DB, logger *zap.Logger, payments Payments, wallets Wallets, v *validation.Validator, opts ...Option) *Service {
	s := &Service{
		db:        db,
		logger:    logger.Named("recurring"),
		payments:  payments,
		wallets:   wallets,
		validator: v,
		notifier:  nopNotifier{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExternalAccount is a bank account paid through the payout provider.
type ExternalAccount struct {
	BankCode      string `json:"bank_code" validate:"required,max=16"`
	AccountNumber string `json:"account_number" validate:"required,account_number"`
	AccountName   string `json:"account_name" validate:"required,max=100"`
}

// CreateRequest schedules payments from one of the caller's wallets to
// another wallet or to a bank account.
type CreateRequest struct {
	UserID       uuid.UUID        `json:"-"`
	FromWalletID uuid.UUID        `json:"from_wallet_id" validate:"required"`
	ToWalletID   *uuid.UUID       `json:"to_wallet_id"`
	ToExternal   *ExternalAccount `json:"to_external"`
	Amount       decimal.Decimal  `json:"amount"`
	Frequency    string           `json:"frequency"`
	Description  string           `json:"description"`
	StartDate    *time.Time       `json:"start_date"`
	EndDate      *time.Time       `json:"end_date"`
	AutoRetry    bool             `json:"auto_retry"`
	MaxRetries   *int             `json:"max_retries"`
	PIN          string           `json:"pin,omitempty"`
}

// Create validates and stores a schedule. The wallet PIN, when required, is
// checked here once; executions run pre-authorized.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.RecurringPayment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	frequency, err := validation.ValidateFrequency(req.Frequency)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		return nil, err
	}
	if err := validation.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if (req.ToWalletID == nil) == (req.ToExternal == nil) {
		return nil, errors.ValidationFailed.Explain("exactly one destination is required").
			WithField("destination_required", "to_wallet_id", "set either to_wallet_id or to_external")
	}

	now := s.now()
	start := now
	if req.StartDate != nil {
		start = req.StartDate.UTC()
		if start.Before(now.Add(-time.Minute)) {
			return nil, errors.ValidationFailed.Explain("start date is in the past").
				WithField("start_date_past", "start_date", "start_date cannot be in the past")
		}
	}
	var end *time.Time
	if req.EndDate != nil {
		e := req.EndDate.UTC()
		if !e.After(start) {
			return nil, errors.ValidationFailed.Explain("end date must be after the start date").
				WithField("end_date_order", "end_date", "end_date must be after start_date")
		}
		end = &e
	}
	retries := defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > maxMaxRetries {
			return nil, errors.ValidationFailed.Explain("max_retries must be between 0 and %d", maxMaxRetries).
				WithField("max_retries_range", "max_retries", "max_retries is out of range")
		}
		retries = *req.MaxRetries
	}

	if err := s.validator.CheckRateLimit(ctx, req.UserID, validation.OpRecurring); err != nil {
		return nil, err
	}
	from, err := s.wallets.GetWallet(ctx, req.UserID, req.FromWalletID)
	if err != nil {
		return nil, err
	}
	if !from.IsActive() {
		return nil, errors.WalletInactive.Explain("source wallet is %s", from.Status)
	}
	amount, err := money.New(req.Amount, from.Currency)
	if err != nil {
		return nil, err
	}
	if req.ToWalletID != nil {
		if err := s.checkDestination(ctx, from, *req.ToWalletID); err != nil {
			return nil, err
		}
	}
	if from.RequiresPin {
		if err := wallet.CheckPIN(from.PinHash, req.PIN); err != nil {
			return nil, err
		}
	}

	rp := &models.RecurringPayment{
		ID:              uuid.New(),
		UserID:          req.UserID,
		FromWalletID:    from.ID,
		ToWalletID:      req.ToWalletID,
		Amount:          amount.MinorUnits(),
		Currency:        from.Currency,
		Frequency:       frequency,
		Description:     s.validator.Sanitize(req.Description),
		StartDate:       start,
		EndDate:         end,
		NextPaymentDate: start,
		IsActive:        true,
		MaxRetries:      retries,
		AutoRetry:       req.AutoRetry,
	}
	if req.ToExternal != nil {
		rp.ToExternal = models.JSONMap{
			"bank_code":      strings.TrimSpace(req.ToExternal.BankCode),
			"account_number": strings.TrimSpace(req.ToExternal.AccountNumber),
			"account_name":   strings.TrimSpace(req.ToExternal.AccountName),
		}
	}
	// A zero max_retries must survive the column default.
	if err := s.db.WithContext(ctx).Select("*").Create(rp).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	s.validator.RecordOperation(ctx, req.UserID, validation.OpRecurring)
	logger.For(ctx, s.logger).Info("recurring payment scheduled",
		zap.String("recurring_id", rp.ID.String()),
		zap.String("frequency", frequency),
		zap.String("amount", amount.String()),
		zap.Time("start_date", start))
	return rp, nil
}

func (s *Service) checkDestination(ctx context.Context, from *models.Wallet, toID uuid.UUID) error {
	if toID == from.ID {
		return errors.ValidationFailed.Explain("cannot schedule payments to the same wallet").
			WithField("same_wallet", "to_wallet_id", "destination must differ from source")
	}
	var to models.Wallet
	if err := s.db.WithContext(ctx).Where("id = ?", toID).Limit(1).Find(&to).Error; err != nil {
		return errors.Wrap(err)
	}
	if to.ID == uuid.Nil {
		return errors.NotFound.Explain("destination wallet not found")
	}
	if to.Currency != from.Currency {
		return money.ErrCurrencyMismatch.Explain("cannot pay %s into a %s wallet", from.Currency, to.Currency)
	}
	return nil
}

// Get returns one of the user's schedules.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*models.RecurringPayment, error) {
	var rp models.RecurringPayment
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&rp).Error
	if database.IsNotFound(err) {
		return nil, errors.NotFound.Explain("recurring payment %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err)
	}
	return &rp, nil
}

// List returns the user's schedules, soonest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]models.RecurringPayment, error) {
	var out []models.RecurringPayment
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("is_active DESC, next_payment_date ASC").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err)
	}
	return out, nil
}

// Pause stops executions until Resume.
func (s *Service) Pause(ctx context.Context, userID, id uuid.UUID) (*models.RecurringPayment, error) {
	rp, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if rp.CancelledAt != nil {
		return nil, errors.StateTransitionInvalid.Explain("recurring payment is cancelled")
	}
	if !rp.IsActive {
		return rp, nil
	}
	rp.IsActive = false
	if err := s.db.WithContext(ctx).Model(rp).Update("is_active", false).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	return rp, nil
}

// Resume reactivates a paused or failed schedule. Dates missed while it was
// inactive are skipped.
func (s *Service) Resume(ctx context.Context, userID, id uuid.UUID) (*models.RecurringPayment, error) {
	rp, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if rp.CancelledAt != nil {
		return nil, errors.StateTransitionInvalid.Explain("recurring payment is cancelled")
	}
	if rp.IsActive {
		return rp, nil
	}
	now := s.now()
	next := rp.NextPaymentDate
	if next.Before(now) {
		next = NextOccurrence(rp.StartDate, rp.Frequency, now)
	}
	if rp.EndDate != nil && next.After(*rp.EndDate) {
		return nil, errors.StateTransitionInvalid.Explain("recurring payment ended on %s", rp.EndDate.Format(time.DateOnly))
	}
	updates := map[string]any{"is_active": true, "next_payment_date": next, "retry_count": 0}
	if err := s.db.WithContext(ctx).Model(rp).Updates(updates).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	rp.IsActive, rp.NextPaymentDate, rp.RetryCount = true, next, 0
	return rp, nil
}

// Cancel ends the schedule permanently.
func (s *Service) Cancel(ctx context.Context, userID, id uuid.UUID) (*models.RecurringPayment, error) {
	rp, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if rp.CancelledAt != nil {
		return rp, nil
	}
	now := s.now()
	if err := s.db.WithContext(ctx).Model(rp).Updates(map[string]any{"is_active": false, "cancelled_at": now}).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	rp.IsActive, rp.CancelledAt = false, &now
	logger.For(ctx, s.logger).Info("recurring payment cancelled", zap.String("recurring_id", rp.ID.String()))
	return rp, nil
}

type nopNotifier struct{}

func (nopNotifier) RecurringPaymentFailed(context.Context, *models.RecurringPayment, string) {}

func identity(rp *models.RecurringPayment) providers.UserIdentity {
	return providers.UserIdentity{UserID: rp.UserID}
}
