package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/validation"
)

// WithdrawalRequest pays funds out to a bank account.
type WithdrawalRequest struct {
	User          providers.UserIdentity `json:"-"`
	WalletID      uuid.UUID              `json:"wallet_id" validate:"required"`
	Amount        decimal.Decimal        `json:"amount"`
	Reference     string                 `json:"reference" validate:"required,max=128"`
	BankCode      string                 `json:"bank_code" validate:"required,max=16"`
	AccountNumber string                 `json:"account_number" validate:"required,account_number"`
	AccountName   string                 `json:"account_name" validate:"required,max=100"`
	Narration     string                 `json:"narration" validate:"max=200"`
	PIN           string                 `json:"pin,omitempty"`
	PreAuthorized bool                   `json:"-"`
}

const metaPayoutSubmittedAt = "payout_submitted_at"

// WithdrawalCompletion names a withdrawal by id or by payout reference.
type WithdrawalCompletion struct {
	TransactionID     *uuid.UUID
	Provider          string
	Reference         string
	ExternalReference string
	Reason            string
}

// Withdraw holds amount plus payout fee on the wallet, then submits the
// payout. The hold is captured when the provider confirms and released when
// it refuses; an unknown outcome stays PENDING for the reconciler.
func (s *Service) Withdraw(ctx context.Context, req WithdrawalRequest) (*models.Transaction, error) {
	ctx, span := s.startSpan(ctx, "withdrawal",
		attribute.String("reference", req.Reference),
		attribute.String("wallet_id", req.WalletID.String()))
	t, err := s.withdraw(ctx, req)
	endSpan(span, err)
	return t, err
}

func (s *Service) withdraw(ctx context.Context, req WithdrawalRequest) (*models.Transaction, error) {
	userID := req.User.UserID
	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	existing, err := byReference(ctx, s.db, userID, req.Reference)
	if err != nil {
		return nil, errors.Wrap(err)
	}
	if existing != nil {
		return existing, nil
	}
	if err := s.validator.CheckRateLimit(ctx, userID, validation.OpWithdrawal); err != nil {
		return nil, err
	}

	w, err := s.wallets.GetWallet(ctx, userID, req.WalletID)
	if err != nil {
		return nil, err
	}
	amt, err := amountIn(req.Amount, w.Currency)
	if err != nil {
		return nil, err
	}
	if w.RequiresPin && !req.PreAuthorized {
		if err := wallet.CheckPIN(w.PinHash, req.PIN); err != nil {
			return nil, err
		}
	}
	payout := s.providers.Payout(w.Currency)
	fee := payout.CalculatePayoutFee(amt).MinorUnits()

	t := &models.Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		Reference:    req.Reference,
		Type:         models.TxWithdrawal,
		Direction:    models.DirectionOutbound,
		Status:       models.TxInitiated,
		FromWalletID: &w.ID,
		Amount:       amt.MinorUnits(),
		Fee:          fee,
		Currency:     w.Currency,
		Provider:     payout.Name(),
		Description:  s.validator.Sanitize(req.Narration),
		Metadata: models.JSONMap{
			"bank_code":      req.BankCode,
			"account_number": req.AccountNumber,
			"account_name":   req.AccountName,
		},
	}
	// Once the hold commits the payout may reach the provider, so from here on
	// only a provider outcome or the reconciler settles the withdrawal.
	err = s.ledger(ctx, "withdrawal_hold", func(tx *gorm.DB, hooks *Hooks) error {
		locked, err := wallet.LockWallets(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		t.Status = models.TxInitiated
		t.Metadata[metaPayoutSubmittedAt] = s.now().Format(time.RFC3339Nano)
		if err := advance(t, models.TxPending); err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Create(t).Error; err != nil {
			return err
		}
		_, err = s.placeHoldInTx(ctx, tx, hooks, locked[w.ID], userID, t.Amount+t.Fee,
			"hold:"+t.ID.String(), "Withdrawal "+t.Reference, t, nil, true)
		if err != nil {
			return err
		}
		s.settled(hooks, t, messaging.MsgTransactionPending)
		return nil
	})
	if errors.Is(err, errors.DuplicateReference) {
		if existing, lookupErr := byReference(ctx, s.db, userID, req.Reference); lookupErr == nil && existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	s.validator.RecordOperation(ctx, userID, validation.OpWithdrawal)

	log := logger.For(ctx, s.logger).With(
		zap.String("transaction_id", t.ID.String()),
		zap.String("provider", t.Provider))
	v, perr := payout.InitiatePayout(ctx, providers.PayoutRequest{
		User:          req.User,
		Amount:        amt,
		Reference:     providerReference(t),
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		Narration:     req.Narration,
	})
	switch {
	case errors.Is(perr, errors.ProviderRejected):
		log.Info("payout rejected by provider", zap.Error(perr))
		if _, err := s.FailWithdrawal(ctx, WithdrawalCompletion{TransactionID: &t.ID, Reason: perr.Error()}); err != nil {
			log.Error("failed to release rejected withdrawal", zap.Error(err))
		}
		return nil, perr
	case perr != nil:
		log.Warn("payout outcome unknown, leaving pending", zap.Error(perr))
		return t, nil
	}

	c := WithdrawalCompletion{TransactionID: &t.ID, ExternalReference: v.ProviderReference, Reason: v.Reason}
	switch v.Status {
	case providers.StatusCompleted:
		return s.CompleteWithdrawal(ctx, c)
	case providers.StatusFailed:
		if c.Reason == "" {
			c.Reason = "rejected by provider"
		}
		return s.FailWithdrawal(ctx, c)
	default:
		return s.markSubmitted(ctx, t.ID, v.ProviderReference)
	}
}

// markSubmitted stores the payout reference of a withdrawal the provider
// accepted but has not settled.
func (s *Service) markSubmitted(ctx context.Context, id uuid.UUID, providerRef string) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.ledger(ctx, "withdrawal_submitted", func(tx *gorm.DB, _ *Hooks) error {
		t, err := lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		out = t
		if t.Status != models.TxPending || t.ExternalReference != nil || providerRef == "" {
			return nil
		}
		t.ExternalReference = ptr(providerRef)
		return tx.WithContext(ctx).Save(t).Error
	})
	return out, err
}

// CompleteWithdrawal captures the hold and settles the payout fee.
func (s *Service) CompleteWithdrawal(ctx context.Context, c WithdrawalCompletion) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.ledger(ctx, "withdrawal_complete", func(tx *gorm.DB, hooks *Hooks) error {
		t, err := s.CompleteWithdrawalInTx(ctx, tx, hooks, c)
		out = t
		return err
	})
	return out, err
}

func (s *Service) CompleteWithdrawalInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, c WithdrawalCompletion) (*models.Transaction, error) {
	t, err := findWithdrawal(ctx, tx, c)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.TxCompleted:
		return t, nil
	case models.TxFailed, models.TxCancelled, models.TxReversed:
		return nil, errors.StateTransitionInvalid.
			Explain("withdrawal %s is already %s", t.ID, t.Status).
			WithMeta("transaction_id", t.ID.String())
	}
	h, err := activeHoldFor(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.Internal.Explain("withdrawal %s has no active hold", t.ID)
	}

	ids := []uuid.UUID{h.WalletID}
	platformID, hasPlatform := s.fees.PlatformWallets[t.Currency]
	if t.Fee > 0 && hasPlatform && platformID != h.WalletID {
		ids = append(ids, platformID)
	} else {
		hasPlatform = false
	}
	locked, err := wallet.LockWallets(ctx, tx, ids...)
	if err != nil {
		return nil, err
	}
	change, err := s.captureHoldInTx(ctx, tx, hooks, h, locked[h.WalletID])
	if err != nil {
		return nil, err
	}
	t.FromBalanceBefore, t.FromBalanceAfter = ptr(change.Before), ptr(change.After)
	if err := advance(t, models.TxProcessing, models.TxCompleted); err != nil {
		return nil, err
	}
	if c.ExternalReference != "" && t.ExternalReference == nil {
		t.ExternalReference = ptr(c.ExternalReference)
	}
	now := s.now()
	t.CompletedAt = &now
	if err := tx.WithContext(ctx).Save(t).Error; err != nil {
		return nil, err
	}
	var platform *models.Wallet
	if hasPlatform {
		platform = locked[platformID]
	}
	if err := s.recordFee(ctx, tx, t, platform); err != nil {
		return nil, err
	}
	s.settled(hooks, t, messaging.MsgTransactionCompleted)
	return t, nil
}

// FailWithdrawal releases the hold back to available and marks the
// withdrawal FAILED.
func (s *Service) FailWithdrawal(ctx context.Context, c WithdrawalCompletion) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.ledger(ctx, "withdrawal_fail", func(tx *gorm.DB, hooks *Hooks) error {
		t, err := s.FailWithdrawalInTx(ctx, tx, hooks, c)
		out = t
		return err
	})
	return out, err
}

func (s *Service) FailWithdrawalInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, c WithdrawalCompletion) (*models.Transaction, error) {
	t, err := findWithdrawal(ctx, tx, c)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TxFailed {
		return t, nil
	}
	if err := advance(t, models.TxFailed); err != nil {
		return nil, err
	}
	h, err := activeHoldFor(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if h != nil {
		locked, err := wallet.LockWallets(ctx, tx, h.WalletID)
		if err != nil {
			return nil, err
		}
		if err := s.releaseHoldInTx(ctx, tx, hooks, h, locked[h.WalletID], "Withdrawal failed"); err != nil {
			return nil, err
		}
	}
	t.FailureReason = c.Reason
	if c.ExternalReference != "" && t.ExternalReference == nil {
		t.ExternalReference = ptr(c.ExternalReference)
	}
	if err := tx.WithContext(ctx).Save(t).Error; err != nil {
		return nil, err
	}
	s.settled(hooks, t, messaging.MsgTransactionFailed)
	return t, nil
}

func findWithdrawal(ctx context.Context, tx *gorm.DB, c WithdrawalCompletion) (*models.Transaction, error) {
	if c.TransactionID != nil {
		t, err := lockTransaction(ctx, tx, *c.TransactionID)
		if err != nil {
			return nil, err
		}
		if t.Type != models.TxWithdrawal {
			return nil, errors.NotFound.Explain("transaction %s is not a withdrawal", t.ID)
		}
		return t, nil
	}
	return findByProvider(ctx, tx, models.TxWithdrawal, c.Provider, c.Reference, c.ExternalReference)
}

// payoutSubmitted reports whether t's payout may have reached the provider.
func payoutSubmitted(t *models.Transaction) bool {
	return t.Type == models.TxWithdrawal &&
		(t.ExternalReference != nil || t.Metadata.String(metaPayoutSubmittedAt) != "")
}
