package wallet

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

// Operation is a balance mutation kind.
type Operation string

const (
	// OpCredit adds to available.
	OpCredit Operation = "credit"
	// OpDebit removes from available.
	OpDebit Operation = "debit"
	// OpHold moves available to pending.
	OpHold Operation = "hold"
	// OpRelease moves pending back to available.
	OpRelease Operation = "release"
	// OpCapture removes held funds from pending, settling a hold.
	OpCapture Operation = "capture"
)

// Options tune a single UpdateBalance call.
type Options struct {
	// Spend counts the amount against the daily and monthly ceilings.
	Spend bool
}

// Change reports the ledger balance around one mutation.
type Change struct {
	Before int64
	After  int64
}

// LockWallets loads and row-locks the wallets in ascending id order, so two
// transactions touching the same pair can never wait on each other.
func LockWallets(ctx context.Context, tx *gorm.DB, ids ...uuid.UUID) (map[uuid.UUID]*models.Wallet, error) {
	sorted := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	out := make(map[uuid.UUID]*models.Wallet, len(sorted))
	for _, id := range sorted {
		var w models.Wallet
		if err := database.ForUpdate(tx.WithContext(ctx)).First(&w, "id = ?", id).Error; err != nil {
			if database.IsNotFound(err) {
				return nil, errors.NotFound.Explain("wallet %s not found", id)
			}
			return nil, err
		}
		out[id] = &w
	}
	return out, nil
}

// UpdateBalance is the only code path that writes the four balance fields.
// w must have been loaded with LockWallets in tx.
func (s *Service) UpdateBalance(ctx context.Context, tx *gorm.DB, w *models.Wallet, amount int64, op Operation, opts Options) (Change, error) {
	if amount <= 0 {
		return Change{}, errors.ValidationFailed.
			Explain("balance update amount must be positive").
			WithField("amount_positive", "amount", "must be greater than zero")
	}
	if err := checkStatus(w, op); err != nil {
		return Change{}, err
	}

	now := s.now()
	resetPeriods(w, now)
	change := Change{Before: w.Balance}

	switch op {
	case OpCredit:
		w.AvailableBalance += amount
		w.Balance += amount
	case OpDebit, OpHold:
		if w.AvailableBalance < amount {
			return Change{}, errors.InsufficientFunds.
				Explain("available balance %s is less than %s",
					w.Money(w.AvailableBalance), w.Money(amount)).
				WithMeta("wallet_id", w.ID.String())
		}
		if opts.Spend {
			if err := s.checkLimits(ctx, tx, w, amount); err != nil {
				return Change{}, err
			}
			w.DailySpent += amount
			w.MonthlySpent += amount
		}
		w.AvailableBalance -= amount
		if op == OpHold {
			w.PendingBalance += amount
		} else {
			w.Balance -= amount
		}
	case OpRelease, OpCapture:
		if w.PendingBalance < amount {
			return Change{}, errors.InsufficientFunds.
				Explain("pending balance %s is less than %s",
					w.Money(w.PendingBalance), w.Money(amount)).
				WithMeta("wallet_id", w.ID.String())
		}
		w.PendingBalance -= amount
		if op == OpRelease {
			w.AvailableBalance += amount
		} else {
			w.Balance -= amount
		}
	default:
		return Change{}, errors.Internal.Explain("unknown balance operation %q", op)
	}

	w.LastTransactionAt = &now
	change.After = w.Balance

	err := tx.WithContext(ctx).Model(w).Updates(map[string]any{
		"balance":             w.Balance,
		"available_balance":   w.AvailableBalance,
		"pending_balance":     w.PendingBalance,
		"daily_spent":         w.DailySpent,
		"monthly_spent":       w.MonthlySpent,
		"daily_spent_date":    w.DailySpentDate,
		"monthly_spent_month": w.MonthlySpentMonth,
		"last_transaction_at": now,
	}).Error
	if err != nil {
		return Change{}, err
	}
	return change, nil
}

// checkStatus lets holds and captures settle on a frozen or suspended wallet;
// everything else needs an active one.
func checkStatus(w *models.Wallet, op Operation) error {
	if w.Status == models.WalletActive {
		return nil
	}
	if (op == OpRelease || op == OpCapture) && w.Status != models.WalletClosed {
		return nil
	}
	return errors.WalletInactive.
		Explain("wallet %s is %s", w.ID, w.Status).
		WithMeta("status", string(w.Status))
}

func resetPeriods(w *models.Wallet, now time.Time) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if !w.DailySpentDate.UTC().Equal(day) {
		w.DailySpent = 0
		w.DailySpentDate = day
	}
	if !w.MonthlySpentMonth.UTC().Equal(month) {
		w.MonthlySpent = 0
		w.MonthlySpentMonth = month
	}
}

func (s *Service) checkLimits(ctx context.Context, tx *gorm.DB, w *models.Wallet, amount int64) error {
	limits, err := s.EffectiveLimits(ctx, tx, w)
	if err != nil {
		return err
	}
	if limits.Daily > 0 && w.DailySpent+amount > limits.Daily {
		return errors.LimitExceeded.
			Explain("daily limit %s would be exceeded", w.Money(limits.Daily)).
			WithMeta("period", "daily").
			WithMeta("remaining", w.Money(limits.Daily-w.DailySpent).Decimal())
	}
	if limits.Monthly > 0 && w.MonthlySpent+amount > limits.Monthly {
		return errors.LimitExceeded.
			Explain("monthly limit %s would be exceeded", w.Money(limits.Monthly)).
			WithMeta("period", "monthly").
			WithMeta("remaining", w.Money(limits.Monthly-w.MonthlySpent).Decimal())
	}
	return nil
}
