package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
)

const expiryBatchSize = 100

// HoldRequest reserves funds on a wallet until released or expired.
type HoldRequest struct {
	UserID    uuid.UUID       `json:"-"`
	WalletID  uuid.UUID       `json:"wallet_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"required,max=128"`
	Reason    string          `json:"reason"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

// placeHoldInTx moves amount from available to pending on w and records the
// HOLD transaction and hold row. w must be locked. HOLD records carry no
// ledger balances since the wallet balance does not change.
func (s *Service) placeHoldInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, w *models.Wallet, userID uuid.UUID, amount int64, ref, reason string, parent *models.Transaction, expiresAt *time.Time, spend bool) (*models.TransactionHold, error) {
	availableBefore := w.AvailableBalance
	if _, err := s.wallets.UpdateBalance(ctx, tx, w, amount, wallet.OpHold, wallet.Options{Spend: spend}); err != nil {
		return nil, err
	}
	now := s.now()
	ht := &models.Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		Reference:    ref,
		Type:         models.TxHold,
		Direction:    models.DirectionInternal,
		Status:       models.TxCompleted,
		FromWalletID: &w.ID,
		Amount:       amount,
		Currency:     w.Currency,
		Description:  reason,
		Metadata: models.JSONMap{
			"available_before": availableBefore,
			"available_after":  w.AvailableBalance,
		},
		CompletedAt: &now,
	}
	h := &models.TransactionHold{
		ID:            uuid.New(),
		WalletID:      w.ID,
		UserID:        userID,
		TransactionID: ht.ID,
		Amount:        amount,
		Currency:      w.Currency,
		Status:        models.HoldActive,
		Reason:        reason,
		ExpiresAt:     expiresAt,
	}
	if parent != nil {
		ht.ParentID = &parent.ID
		h.ParentID = &parent.ID
	}
	if err := tx.WithContext(ctx).Create(ht).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Create(h).Error; err != nil {
		return nil, err
	}
	s.holdSettled(hooks, h, messaging.MsgHoldPlaced)
	return h, nil
}

// releaseHoldInTx returns an active hold's funds to available and records a
// RELEASE transaction. w must be locked.
func (s *Service) releaseHoldInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, h *models.TransactionHold, w *models.Wallet, reason string) error {
	if h.Status != models.HoldActive {
		return errors.StateTransitionInvalid.Explain("hold %s is %s", h.ID, h.Status)
	}
	availableBefore := w.AvailableBalance
	if _, err := s.wallets.UpdateBalance(ctx, tx, w, h.Amount, wallet.OpRelease, wallet.Options{}); err != nil {
		return err
	}
	now := s.now()
	h.Status = models.HoldReleased
	h.ReleasedAt = &now
	if err := tx.WithContext(ctx).Save(h).Error; err != nil {
		return err
	}
	rt := &models.Transaction{
		ID:          uuid.New(),
		UserID:      h.UserID,
		Reference:   "release:" + h.ID.String(),
		Type:        models.TxRelease,
		Direction:   models.DirectionInternal,
		Status:      models.TxCompleted,
		ToWalletID:  &w.ID,
		ParentID:    &h.TransactionID,
		Amount:      h.Amount,
		Currency:    h.Currency,
		Description: reason,
		Metadata: models.JSONMap{
			"hold_id":          h.ID.String(),
			"available_before": availableBefore,
			"available_after":  w.AvailableBalance,
		},
		CompletedAt: &now,
	}
	if err := tx.WithContext(ctx).Create(rt).Error; err != nil {
		return err
	}
	s.holdSettled(hooks, h, messaging.MsgHoldReleased)
	return nil
}

// captureHoldInTx settles an active hold, removing its funds from the wallet.
func (s *Service) captureHoldInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, h *models.TransactionHold, w *models.Wallet) (wallet.Change, error) {
	if h.Status != models.HoldActive {
		return wallet.Change{}, errors.StateTransitionInvalid.Explain("hold %s is %s", h.ID, h.Status)
	}
	change, err := s.wallets.UpdateBalance(ctx, tx, w, h.Amount, wallet.OpCapture, wallet.Options{})
	if err != nil {
		return wallet.Change{}, err
	}
	now := s.now()
	h.Status = models.HoldCaptured
	h.ReleasedAt = &now
	if err := tx.WithContext(ctx).Save(h).Error; err != nil {
		return wallet.Change{}, err
	}
	s.holdSettled(hooks, h, messaging.MsgHoldCaptured)
	return change, nil
}

func (s *Service) holdSettled(hooks *Hooks, h *models.TransactionHold, msgType messaging.MessageType) {
	snapshot := *h
	hooks.Add(func(ctx context.Context) {
		ev := &messaging.LedgerEvent{
			BaseMessage:   messaging.NewBaseMessage(msgType, "transaction", logger.CorrelationID(ctx)),
			TransactionID: snapshot.TransactionID.String(),
			UserID:        snapshot.UserID.String(),
			TxType:        string(models.TxHold),
			Status:        string(snapshot.Status),
			FromWalletID:  snapshot.WalletID.String(),
			Currency:      snapshot.Currency,
		}
		if m, err := money.FromMinor(snapshot.Amount, snapshot.Currency); err == nil {
			ev.Amount = m.Amount()
		}
		if err := s.publisher.Publish(ctx, ev.Key(), ev); err != nil {
			logger.For(ctx, s.logger).Warn("failed to publish hold event",
				zap.String("hold_id", snapshot.ID.String()),
				zap.Error(err))
		}
	})
}

// lockHold loads and locks a hold by id.
func lockHold(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.TransactionHold, error) {
	var h models.TransactionHold
	if err := database.ForUpdate(tx.WithContext(ctx)).First(&h, "id = ?", id).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, errors.NotFound.Explain("hold %s not found", id)
		}
		return nil, err
	}
	return &h, nil
}

// activeHoldFor returns the active hold backing parent, or nil.
func activeHoldFor(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) (*models.TransactionHold, error) {
	var h models.TransactionHold
	err := database.ForUpdate(tx.WithContext(ctx)).
		Where("parent_id = ? AND status = ?", parentID, models.HoldActive).
		Limit(1).Find(&h).Error
	if err != nil {
		return nil, err
	}
	if h.ID == uuid.Nil {
		return nil, nil
	}
	return &h, nil
}

// PlaceHold reserves funds on one of the caller's wallets. A repeated
// reference returns the original hold.
func (s *Service) PlaceHold(ctx context.Context, req HoldRequest) (*models.TransactionHold, error) {
	ctx, span := s.startSpan(ctx, "hold.place", attribute.String("wallet_id", req.WalletID.String()))
	h, err := s.placeHold(ctx, req)
	endSpan(span, err)
	return h, err
}

func (s *Service) placeHold(ctx context.Context, req HoldRequest) (*models.TransactionHold, error) {
	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}
	if existing, err := s.holdByReference(ctx, req.UserID, req.Reference); err != nil || existing != nil {
		return existing, err
	}
	w, err := s.wallets.GetWallet(ctx, req.UserID, req.WalletID)
	if err != nil {
		return nil, err
	}
	amt, err := amountIn(req.Amount, w.Currency)
	if err != nil {
		return nil, err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, errors.ValidationFailed.Explain("hold expiry must be in the future").
			WithField("expiry_past", "expires_at", "must be in the future")
	}

	var h *models.TransactionHold
	err = s.ledger(ctx, "hold_place", func(tx *gorm.DB, hooks *Hooks) error {
		locked, err := wallet.LockWallets(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		h, err = s.placeHoldInTx(ctx, tx, hooks, locked[w.ID], req.UserID, amt.MinorUnits(),
			req.Reference, s.validator.Sanitize(req.Reason), nil, req.ExpiresAt, false)
		return err
	})
	if errors.Is(err, errors.DuplicateReference) {
		if existing, lookupErr := s.holdByReference(ctx, req.UserID, req.Reference); lookupErr == nil && existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) holdByReference(ctx context.Context, userID uuid.UUID, ref string) (*models.TransactionHold, error) {
	t, err := byReference(ctx, s.db, userID, ref)
	if err != nil {
		return nil, errors.Wrap(err)
	}
	if t == nil {
		return nil, nil
	}
	if t.Type != models.TxHold {
		return nil, errors.DuplicateReference.Explain("reference %s is already used by a %s", ref, t.Type)
	}
	var h models.TransactionHold
	if err := s.db.WithContext(ctx).First(&h, "transaction_id = ?", t.ID).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	return &h, nil
}

// ReleaseHold returns a standalone hold's funds to the wallet. Holds backing
// a withdrawal are settled by that withdrawal instead.
func (s *Service) ReleaseHold(ctx context.Context, userID, holdID uuid.UUID) (*models.TransactionHold, error) {
	var out *models.TransactionHold
	err := s.ledger(ctx, "hold_release", func(tx *gorm.DB, hooks *Hooks) error {
		h, err := lockHold(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if h.UserID != userID {
			return errors.NotFound.Explain("hold %s not found", holdID)
		}
		out = h
		if h.Status == models.HoldReleased {
			return nil
		}
		if h.ParentID != nil {
			return errors.StateTransitionInvalid.
				Explain("hold %s belongs to transaction %s", h.ID, *h.ParentID)
		}
		locked, err := wallet.LockWallets(ctx, tx, h.WalletID)
		if err != nil {
			return err
		}
		return s.releaseHoldInTx(ctx, tx, hooks, h, locked[h.WalletID], "Hold released")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireHolds releases standalone holds whose expiry is at or before now.
// Each hold is released in its own commit; failures are logged and skipped.
func (s *Service) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	var due []models.TransactionHold
	err := s.db.WithContext(ctx).
		Where("status = ? AND parent_id IS NULL AND expires_at IS NOT NULL AND expires_at <= ?", models.HoldActive, now).
		Order("expires_at").
		Limit(expiryBatchSize).
		Find(&due).Error
	if err != nil {
		return 0, errors.Wrap(err)
	}
	released := 0
	for _, d := range due {
		err := s.ledger(ctx, "hold_expire", func(tx *gorm.DB, hooks *Hooks) error {
			h, err := lockHold(ctx, tx, d.ID)
			if err != nil {
				return err
			}
			if h.Status != models.HoldActive {
				return nil
			}
			locked, err := wallet.LockWallets(ctx, tx, h.WalletID)
			if err != nil {
				return err
			}
			return s.releaseHoldInTx(ctx, tx, hooks, h, locked[h.WalletID], "Hold expired")
		})
		if err != nil {
			logger.For(ctx, s.logger).Error("failed to release expired hold",
				zap.String("hold_id", d.ID.String()),
				zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}

// Cancel stops a transaction that has not yet taken effect. Withdrawals
// already handed to a payout provider cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, userID, txID uuid.UUID) (*models.Transaction, error) {
	ctx, span := s.startSpan(ctx, "cancel", attribute.String("transaction_id", txID.String()))
	var out *models.Transaction
	err := s.ledger(ctx, "cancel", func(tx *gorm.DB, hooks *Hooks) error {
		t, err := lockTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		if t.UserID != userID {
			return errors.NotFound.Explain("transaction %s not found", txID)
		}
		out = t
		if t.Status == models.TxCancelled {
			return nil
		}
		if t.Status != models.TxInitiated && t.Status != models.TxPending {
			return errors.StateTransitionInvalid.
				Explain("transaction %s is %s and can no longer be cancelled", t.ID, t.Status).
				WithMeta("transaction_id", t.ID.String())
		}
		if payoutSubmitted(t) {
			return errors.StateTransitionInvalid.
				Explain("withdrawal %s was already submitted to %s", t.ID, t.Provider).
				WithMeta("transaction_id", t.ID.String())
		}
		h, err := activeHoldFor(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if h != nil {
			locked, err := wallet.LockWallets(ctx, tx, h.WalletID)
			if err != nil {
				return err
			}
			if err := s.releaseHoldInTx(ctx, tx, hooks, h, locked[h.WalletID], "Cancelled by user"); err != nil {
				return err
			}
		}
		if err := advance(t, models.TxCancelled); err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Save(t).Error; err != nil {
			return err
		}
		s.settled(hooks, t, messaging.MsgTransactionCancelled)
		return nil
	})
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}
