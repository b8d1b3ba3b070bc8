package transaction

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
)

// Reverse undoes a completed transfer or deposit with compensating REVERSAL
// transactions. Only administrators may reverse, and every reversal is
// audited in the same commit.
func (s *Service) Reverse(ctx context.Context, actor audit.Actor, txID uuid.UUID, reason string) (*models.Transaction, error) {
	ctx, span := s.startSpan(ctx, "reverse", attribute.String("transaction_id", txID.String()))
	t, err := s.reverse(ctx, actor, txID, reason)
	endSpan(span, err)
	return t, err
}

func (s *Service) reverse(ctx context.Context, actor audit.Actor, txID uuid.UUID, reason string) (*models.Transaction, error) {
	if !actor.IsAdmin() {
		return nil, errors.Unauthorized.Explain("only administrators can reverse transactions")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.ValidationFailed.Explain("a reversal reason is required").
			WithField("reason_required", "reason", "is required")
	}

	var out *models.Transaction
	err := s.ledger(ctx, "reverse", func(tx *gorm.DB, hooks *Hooks) error {
		t, err := lockTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		out = t
		if t.Status == models.TxReversed {
			return nil
		}
		if t.Type != models.TxTransfer && t.Type != models.TxDeposit {
			return errors.StateTransitionInvalid.
				Explain("%s transactions cannot be reversed", t.Type).
				WithMeta("transaction_id", t.ID.String())
		}
		if err := advance(t, models.TxReversed); err != nil {
			return err
		}

		var platformID *uuid.UUID
		if t.Fee > 0 {
			var fee models.Transaction
			err := tx.WithContext(ctx).Where("parent_id = ? AND type = ?", t.ID, models.TxFee).Limit(1).Find(&fee).Error
			if err != nil {
				return err
			}
			if fee.ID != uuid.Nil {
				platformID = fee.ToWalletID
			}
		}
		ids := []uuid.UUID{*t.ToWalletID}
		if t.FromWalletID != nil {
			ids = append(ids, *t.FromWalletID)
		}
		if platformID != nil {
			ids = append(ids, *platformID)
		}
		locked, err := wallet.LockWallets(ctx, tx, ids...)
		if err != nil {
			return err
		}

		var from *models.Wallet
		if t.FromWalletID != nil {
			from = locked[*t.FromWalletID]
		}
		rev, err := s.compensate(ctx, tx, hooks, t, "reversal:"+t.ID.String(), locked[*t.ToWalletID], from, t.Amount, reason)
		if err != nil {
			return err
		}
		if platformID != nil && from != nil {
			if _, err := s.compensate(ctx, tx, hooks, t, "reversal:fee:"+t.ID.String(), locked[*platformID], from, t.Fee, reason); err != nil {
				return err
			}
		}

		if t.Metadata == nil {
			t.Metadata = models.JSONMap{}
		}
		t.Metadata["reversal_id"] = rev.ID.String()
		t.Metadata["reversed_by"] = actor.ID.String()
		if err := tx.WithContext(ctx).Save(t).Error; err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     audit.ActionTransactionReverse,
			TargetType: "transaction",
			TargetID:   t.ID.String(),
			Before:     map[string]any{"status": models.TxCompleted},
			After:      map[string]any{"status": t.Status, "reversal_id": rev.ID.String()},
			Reason:     reason,
		})
		if err != nil {
			return err
		}
		s.settled(hooks, t, messaging.MsgTransactionReversed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.For(ctx, s.logger).Info("transaction reversed",
		zap.String("transaction_id", txID.String()),
		zap.String("actor_id", actor.ID.String()))
	return out, nil
}

// compensate moves amount from src back to dst (nil for funds that left the
// ledger) and records it as a completed REVERSAL of parent.
func (s *Service) compensate(ctx context.Context, tx *gorm.DB, hooks *Hooks, parent *models.Transaction, ref string, src, dst *models.Wallet, amount int64, reason string) (*models.Transaction, error) {
	debit, err := s.wallets.UpdateBalance(ctx, tx, src, amount, wallet.OpDebit, wallet.Options{})
	if err != nil {
		return nil, err
	}
	now := s.now()
	r := &models.Transaction{
		ID:                uuid.New(),
		UserID:            parent.UserID,
		Reference:         ref,
		Type:              models.TxReversal,
		Direction:         models.DirectionInternal,
		Status:            models.TxInitiated,
		FromWalletID:      &src.ID,
		ParentID:          &parent.ID,
		Amount:            amount,
		Currency:          parent.Currency,
		FromBalanceBefore: ptr(debit.Before),
		FromBalanceAfter:  ptr(debit.After),
		Description:       "Reversal of " + parent.Reference,
		Metadata:          models.JSONMap{"reason": reason},
		CompletedAt:       &now,
	}
	if dst != nil {
		credit, err := s.wallets.UpdateBalance(ctx, tx, dst, amount, wallet.OpCredit, wallet.Options{})
		if err != nil {
			return nil, err
		}
		r.ToWalletID = &dst.ID
		r.ToBalanceBefore, r.ToBalanceAfter = ptr(credit.Before), ptr(credit.After)
	} else {
		r.Direction = models.DirectionOutbound
	}
	if err := advance(r, models.TxProcessing, models.TxCompleted); err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	s.settled(hooks, r, messaging.MsgTransactionCompleted)
	return r, nil
}
