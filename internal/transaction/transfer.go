package transaction

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

// TransferRequest moves funds between two wallets of the same currency. The
// destination is named by id or by account number.
type TransferRequest struct {
	UserID          uuid.UUID       `json:"-"`
	FromWalletID    uuid.UUID       `json:"from_wallet_id" validate:"required"`
	ToWalletID      *uuid.UUID      `json:"to_wallet_id"`
	ToAccountNumber string          `json:"to_account_number"`
	Amount          decimal.Decimal `json:"amount"`
	Reference       string          `json:"reference" validate:"required,max=128"`
	Description     string          `json:"description"`
	PIN             string          `json:"pin,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	// PreAuthorized skips the PIN check for schedules whose PIN was
	// verified when they were set up.
	PreAuthorized   bool            `json:"-"`
}

// Transfer debits the sender (amount plus fee) and credits the receiver in
// one commit. A repeated reference returns the stored transaction.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	ctx, span := s.startSpan(ctx, "transfer",
		attribute.String("reference", req.Reference),
		attribute.String("from_wallet_id", req.FromWalletID.String()))
	t, err := s.transfer(ctx, req)
	endSpan(span, err)
	return t, err
}

func (s *Service) transfer(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		return nil, err
	}
	existing, err := byReference(ctx, s.db, req.UserID, req.Reference)
	if err != nil {
		return nil, errors.Wrap(err)
	}
	if existing != nil {
		return existing, nil
	}
	if err := s.validator.CheckRateLimit(ctx, req.UserID, validation.OpTransfer); err != nil {
		return nil, err
	}

	from, err := s.wallets.GetWallet(ctx, req.UserID, req.FromWalletID)
	if err != nil {
		return nil, err
	}
	to, err := s.destination(ctx, req)
	if err != nil {
		return nil, err
	}
	if to.ID == from.ID {
		return nil, errors.ValidationFailed.Explain("cannot transfer to the same wallet").
			WithField("same_wallet", "to_wallet_id", "destination must differ from source")
	}
	if to.Currency != from.Currency {
		return nil, money.ErrCurrencyMismatch.Explain("cannot transfer %s to a %s wallet", from.Currency, to.Currency)
	}
	amt, err := amountIn(req.Amount, from.Currency)
	if err != nil {
		return nil, err
	}
	if from.RequiresPin && !req.PreAuthorized {
		if err := wallet.CheckPIN(from.PinHash, req.PIN); err != nil {
			return nil, err
		}
	}

	fee, platformID := s.transferFee(amt)
	if platformID != nil && (*platformID == from.ID || *platformID == to.ID) {
		fee, platformID = 0, nil
	}
	meta := models.JSONMap{"counterparty_user_id": to.UserID.String()}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	t := &models.Transaction{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Reference:    req.Reference,
		Type:         models.TxTransfer,
		Direction:    models.DirectionInternal,
		Status:       models.TxInitiated,
		FromWalletID: &from.ID,
		ToWalletID:   &to.ID,
		Amount:       amt.MinorUnits(),
		Fee:          fee,
		Currency:     from.Currency,
		Description:  s.validator.Sanitize(req.Description),
		Metadata:     meta,
	}

	err = s.ledger(ctx, "transfer", func(tx *gorm.DB, hooks *Hooks) error {
		t.Status = models.TxInitiated
		ids := []uuid.UUID{from.ID, to.ID}
		if platformID != nil {
			ids = append(ids, *platformID)
		}
		locked, err := wallet.LockWallets(ctx, tx, ids...)
		if err != nil {
			return err
		}
		var platform *models.Wallet
		if platformID != nil {
			platform = locked[*platformID]
		}
		return s.transferInTx(ctx, tx, hooks, t, locked[from.ID], locked[to.ID], platform)
	})
	if errors.Is(err, errors.DuplicateReference) {
		if existing, lookupErr := byReference(ctx, s.db, req.UserID, req.Reference); lookupErr == nil && existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		logger.For(ctx, s.logger).Info("transfer rejected",
			zap.String("reference", req.Reference),
			zap.String("kind", errors.KindOf(err)),
			zap.Error(err))
		return nil, err
	}

	s.validator.RecordOperation(ctx, req.UserID, validation.OpTransfer)
	logger.For(ctx, s.logger).Info("transfer completed",
		zap.String("transaction_id", t.ID.String()),
		zap.String("amount", amt.String()),
		zap.Int64("fee", fee))
	return t, nil
}

// transferInTx moves t.Amount+t.Fee out of src and t.Amount into dst. All
// wallets must already be locked in tx.
func (s *Service) transferInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, t *models.Transaction, src, dst, platform *models.Wallet) error {
	debit, err := s.wallets.UpdateBalance(ctx, tx, src, t.Amount+t.Fee, wallet.OpDebit, wallet.Options{Spend: true})
	if err != nil {
		return err
	}
	credit, err := s.wallets.UpdateBalance(ctx, tx, dst, t.Amount, wallet.OpCredit, wallet.Options{})
	if err != nil {
		return err
	}
	t.FromBalanceBefore, t.FromBalanceAfter = ptr(debit.Before), ptr(debit.After)
	t.ToBalanceBefore, t.ToBalanceAfter = ptr(credit.Before), ptr(credit.After)
	if err := advance(t, models.TxProcessing, models.TxCompleted); err != nil {
		return err
	}
	now := s.now()
	t.CompletedAt = &now
	if err := tx.Create(t).Error; err != nil {
		return err
	}
	if err := s.recordFee(ctx, tx, t, platform); err != nil {
		return err
	}
	s.settled(hooks, t, messaging.MsgTransactionCompleted)
	return nil
}

func (s *Service) destination(ctx context.Context, req TransferRequest) (*models.Wallet, error) {
	var w models.Wallet
	q := s.db.WithContext(ctx)
	switch {
	case req.ToWalletID != nil:
		q = q.Where("id = ?", *req.ToWalletID)
	case req.ToAccountNumber != "":
		q = q.Where("account_number = ?", req.ToAccountNumber)
	default:
		return nil, errors.ValidationFailed.Explain("a destination wallet is required").
			WithField("destination_required", "to_wallet_id", "to_wallet_id or to_account_number is required")
	}
	if err := q.Limit(1).Find(&w).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	if w.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("destination wallet not found")
	}
	if !w.IsActive() {
		return nil, errors.WalletInactive.Explain("destination wallet is %s", w.Status)
	}
	return &w, nil
}
