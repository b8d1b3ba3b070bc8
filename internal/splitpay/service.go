// Package splitpay divides a bill between participants who each pay their
// share into the creator's wallet.
package splitpay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

const (
	maxParticipants = 50
	maxTitleLength  = 100
)

var hundred = decimal.NewFromInt(100)

type Transfers interface {
	Transfer(ctx context.Context, req transaction.TransferRequest) (*models.Transaction, error)
}

type Wallets interface {
	GetWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.Wallet, error)
}

// Notifier is told when shares are requested and when the bill is settled.
type Notifier interface {
	SplitPaymentRequested(ctx context.Context, s *models.SplitPayment)
	SplitPaymentCompleted(ctx context.Context, s *models.SplitPayment)
}

type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	transfers Transfers
	wallets   Wallets
	validator *validation.Validator
	notifier  Notifier
	now       func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(db *gorm.DB, logger *zap.Logger, transfers Transfers, wallets Wallets, v *validation.Validator, opts ...Option) *Service {
	s := &Service{
		db:        db,
		logger:    logger.Named("splitpay"),
		transfers: transfers,
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

// Participant is one share of a new split. Amount is read for CUSTOM splits
// and Percentage for PERCENTAGE splits.
type Participant struct {
	UserID     uuid.UUID        `json:"user_id"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
}

type CreateRequest struct {
	CreatorID       uuid.UUID       `json:"-"`
	CreatorWalletID uuid.UUID       `json:"creator_wallet_id" validate:"required"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	SplitType       string          `json:"split_type"`
	Participants    []Participant   `json:"participants"`
}

// Create validates the shares and stores the split. A creator listed as a
// participant is marked paid at once since the money lands in their wallet.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.SplitPayment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > maxTitleLength {
		return nil, errors.ValidationFailed.Explain("title must be 1-%d characters", maxTitleLength).
			WithField("title_length", "title", "title is required")
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		return nil, err
	}
	if err := validation.ValidateAmount(req.TotalAmount); err != nil {
		return nil, err
	}
	if len(req.Participants) > maxParticipants {
		return nil, errors.ValidationFailed.Explain("at most %d participants are allowed", maxParticipants).
			WithField("split_participants", "participants", "too many participants")
	}
	seen := make(map[uuid.UUID]bool, len(req.Participants))
	for _, p := range req.Participants {
		if p.UserID == uuid.Nil || seen[p.UserID] {
			return nil, errors.ValidationFailed.Explain("participants must be distinct users").
				WithField("split_participants", "participants", "duplicate or missing participant")
		}
		seen[p.UserID] = true
	}
	if err := s.validator.CheckRateLimit(ctx, req.CreatorID, validation.OpSplitCreate); err != nil {
		return nil, err
	}

	w, err := s.wallets.GetWallet(ctx, req.CreatorID, req.CreatorWalletID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive() {
		return nil, errors.WalletInactive.Explain("wallet is %s", w.Status)
	}
	total, err := money.New(req.TotalAmount, w.Currency)
	if err != nil {
		return nil, err
	}
	splitType := validation.SplitType(strings.ToUpper(strings.TrimSpace(req.SplitType)))
	shares, err := divide(splitType, total, req.Participants)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sp := &models.SplitPayment{
		ID:              uuid.New(),
		CreatorID:       req.CreatorID,
		CreatorWalletID: w.ID,
		Title:           s.validator.Sanitize(title),
		Description:     s.validator.Sanitize(req.Description),
		TotalAmount:     total.MinorUnits(),
		Currency:        w.Currency,
		SplitType:       string(splitType),
		Status:          models.SplitPending,
	}
	for i, p := range req.Participants {
		part := models.SplitParticipant{
			ID:         uuid.New(),
			SplitID:    sp.ID,
			UserID:     p.UserID,
			AmountOwed: shares[i],
		}
		if splitType == validation.SplitPercentage {
			part.Percentage = p.Percentage.String()
		}
		if p.UserID == req.CreatorID {
			part.AmountPaid, part.IsPaid, part.PaidAt = part.AmountOwed, true, &now
		}
		sp.Participants = append(sp.Participants, part)
	}
	sp.Status = progress(sp.Participants)
	if err := s.db.WithContext(ctx).Create(sp).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	s.validator.RecordOperation(ctx, req.CreatorID, validation.OpSplitCreate)
	logger.For(ctx, s.logger).Info("split payment created",
		zap.String("split_id", sp.ID.String()),
		zap.String("split_type", sp.SplitType),
		zap.String("total", total.String()),
		zap.Int("participants", len(sp.Participants)))
	s.notifier.SplitPaymentRequested(ctx, sp)
	return sp, nil
}

// divide returns each participant's share in minor units. Percentage shares
// are rounded half-to-even and the last share absorbs the rounding so the
// shares always add up to the total.
func divide(t validation.SplitType, total money.Money, ps []Participant) ([]int64, error) {
	in := validation.SplitInput{Type: t, Total: total, Participants: len(ps)}
	for _, p := range ps {
		switch t {
		case validation.SplitCustom:
			if p.Amount == nil {
				return nil, errors.ValidationFailed.Explain("an amount is required for every participant").
					WithField("split_custom_count", "amounts", "one amount per participant is required")
			}
			in.Amounts = append(in.Amounts, *p.Amount)
		case validation.SplitPercentage:
			if p.Percentage == nil {
				return nil, errors.ValidationFailed.Explain("a percentage is required for every participant").
					WithField("split_percentage_count", "percentages", "one percentage per participant is required")
			}
			in.Percentages = append(in.Percentages, *p.Percentage)
		}
	}
	if err := validation.ValidateSplitAmounts(in); err != nil {
		return nil, err
	}

	shares := make([]int64, len(ps))
	switch t {
	case validation.SplitEqual:
		each := total.MinorUnits() / int64(len(ps))
		for i := range shares {
			shares[i] = each
		}
	case validation.SplitCustom:
		for i, a := range in.Amounts {
			share, err := money.New(a, total.Code())
			if err != nil {
				return nil, err
			}
			shares[i] = share.MinorUnits()
		}
	case validation.SplitPercentage:
		var assigned int64
		for i, pct := range in.Percentages {
			if i == len(shares)-1 {
				shares[i] = total.MinorUnits() - assigned
				break
			}
			shares[i] = total.MulRate(pct.Div(hundred)).MinorUnits()
			assigned += shares[i]
		}
	}
	for _, v := range shares {
		if v <= 0 {
			return nil, errors.ValidationFailed.Explain("every share must be positive").
				WithField("split_share_positive", "participants", "share rounds to zero")
		}
	}
	return shares, nil
}

// progress derives the split status from its participants.
func progress(ps []models.SplitParticipant) models.SplitStatus {
	paid := 0
	for _, p := range ps {
		if p.IsPaid {
			paid++
		}
	}
	switch {
	case paid == len(ps):
		return models.SplitCompleted
	case paid > 0:
		return models.SplitPartial
	}
	return models.SplitPending
}

// PayRequest pays the caller's share from one of their wallets.
type PayRequest struct {
	UserID       uuid.UUID `json:"-"`
	SplitID      uuid.UUID `json:"-"`
	FromWalletID uuid.UUID `json:"from_wallet_id" validate:"required"`
	PIN          string    `json:"pin,omitempty"`
}

// reference is unique per share, so paying twice moves money once.
func reference(splitID, participantID uuid.UUID) string {
	return fmt.Sprintf("split:%s:%s", splitID, participantID)
}

// Pay transfers the caller's share to the creator's wallet, marks it paid
// and completes the split once every share is in.
func (s *Service) Pay(ctx context.Context, req PayRequest) (*models.SplitPayment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	sp, err := s.load(ctx, s.db, req.SplitID)
	if err != nil {
		return nil, err
	}
	var share *models.SplitParticipant
	for i := range sp.Participants {
		if sp.Participants[i].UserID == req.UserID {
			share = &sp.Participants[i]
		}
	}
	if share == nil {
		return nil, errors.NotFound.Explain("split payment %s not found", req.SplitID)
	}
	if share.IsPaid {
		return sp, nil
	}
	if sp.Status == models.SplitCancelled || sp.Status == models.SplitCompleted {
		return nil, errors.StateTransitionInvalid.Explain("split payment is %s", sp.Status)
	}

	amount, err := money.FromMinor(share.AmountOwed, sp.Currency)
	if err != nil {
		return nil, errors.Wrap(err)
	}
	tx, err := s.transfers.Transfer(ctx, transaction.TransferRequest{
		UserID:       req.UserID,
		FromWalletID: req.FromWalletID,
		ToWalletID:   &sp.CreatorWalletID,
		Amount:       amount.Amount(),
		Reference:    reference(sp.ID, share.ID),
		Description:  "Split: " + sp.Title,
		PIN:          req.PIN,
		Metadata:     map[string]any{"split_payment_id": sp.ID.String()},
	})
	if err != nil {
		return nil, err
	}

	var completed bool
	err = database.WithTx(ctx, s.db, func(db *gorm.DB) error {
		now := s.now()
		res := db.Model(&models.SplitParticipant{}).
			Where("id = ? AND is_paid = ?", share.ID, false).
			Updates(map[string]any{"is_paid": true, "amount_paid": share.AmountOwed, "paid_at": now, "transaction_id": tx.ID})
		if res.Error != nil {
			return res.Error
		}
		fresh, err := s.load(ctx, db, sp.ID)
		if err != nil {
			return err
		}
		status := progress(fresh.Participants)
		if status == fresh.Status || fresh.Status == models.SplitCancelled {
			sp = fresh
			return nil
		}
		updates := map[string]any{"status": status}
		if status == models.SplitCompleted {
			updates["completed_at"] = now
			fresh.CompletedAt = &now
		}
		if err := db.Model(&models.SplitPayment{}).Where("id = ?", fresh.ID).Updates(updates).Error; err != nil {
			return err
		}
		fresh.Status = status
		completed = res.RowsAffected == 1 && status == models.SplitCompleted
		sp = fresh
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	logger.For(ctx, s.logger).Info("split share paid",
		zap.String("split_id", sp.ID.String()),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("status", string(sp.Status)))
	if completed {
		s.notifier.SplitPaymentCompleted(ctx, sp)
	}
	return sp, nil
}

func (s *Service) load(ctx context.Context, db *gorm.DB, id uuid.UUID) (*models.SplitPayment, error) {
	var sp models.SplitPayment
	err := db.WithContext(ctx).
		Preload("Participants", func(q *gorm.DB) *gorm.DB { return q.Order("created_at, id") }).
		Where("id = ?", id).
		First(&sp).Error
	if database.IsNotFound(err) {
		return nil, errors.NotFound.Explain("split payment %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err)
	}
	return &sp, nil
}

// Get returns a split visible to its creator and participants.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*models.SplitPayment, error) {
	sp, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sp.CreatorID == userID {
		return sp, nil
	}
	for _, p := range sp.Participants {
		if p.UserID == userID {
			return sp, nil
		}
	}
	return nil, errors.NotFound.Explain("split payment %s not found", id)
}

// List returns the splits the user created or takes part in, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]models.SplitPayment, error) {
	var out []models.SplitPayment
	err := s.db.WithContext(ctx).
		Preload("Participants").
		Where("(creator_id = ? OR id IN (?))", userID,
			s.db.Model(&models.SplitParticipant{}).Select("split_id").Where("user_id = ?", userID)).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err)
	}
	return out, nil
}

// Cancel withdraws a split that nobody other than the creator has paid into.
func (s *Service) Cancel(ctx context.Context, userID, id uuid.UUID) (*models.SplitPayment, error) {
	sp, err := s.load(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sp.CreatorID != userID {
		return nil, errors.NotFound.Explain("split payment %s not found", id)
	}
	if sp.Status == models.SplitCancelled {
		return sp, nil
	}
	for _, p := range sp.Participants {
		if p.IsPaid && p.UserID != sp.CreatorID {
			return nil, errors.StateTransitionInvalid.Explain("split payment already has payments")
		}
	}
	res := s.db.WithContext(ctx).Model(&models.SplitPayment{}).
		Where("id = ? AND status IN ?", id, []models.SplitStatus{models.SplitPending, models.SplitPartial}).
		Update("status", models.SplitCancelled)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errors.StateTransitionInvalid.Explain("split payment is %s", sp.Status)
	}
	sp.Status = models.SplitCancelled
	return sp, nil
}

// wrap keeps typed errors and turns anything else into an internal error.
func wrap(err error) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	return errors.Wrap(err)
}

type nopNotifier struct{}

func (nopNotifier) SplitPaymentRequested(context.Context, *models.SplitPayment) {}
func (nopNotifier) SplitPaymentCompleted(context.Context, *models.SplitPayment) {}
