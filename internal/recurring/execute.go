package recurring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
)

// outcome of one execution attempt.
type outcome int

const (
	paid outcome = iota
	retrying
	deactivated
)

// ExecuteDue runs every active schedule whose next payment date has passed
// and returns how many payments went out. A schedule that hits a transient
// error is left untouched for the next run.
func (s *Service) ExecuteDue(ctx context.Context, now time.Time) (int, error) {
	var due []models.RecurringPayment
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND next_payment_date <= ?", true, now).
		Order("next_payment_date ASC").
		Limit(dueBatchSize).
		Find(&due).Error
	if err != nil {
		return 0, errors.Wrap(err)
	}
	log := logger.For(ctx, s.logger)
	executed := 0
	for i := range due {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}
		rp := &due[i]
		res, err := s.execute(ctx, rp, now)
		if err != nil {
			log.Warn("recurring payment deferred",
				zap.String("recurring_id", rp.ID.String()),
				zap.String("kind", errors.KindOf(err)),
				zap.Error(err))
			continue
		}
		if res == paid {
			executed++
		}
	}
	return executed, nil
}

// reference is stable per occurrence so a retry after a crash finds the
// payment that already went out.
func reference(rp *models.RecurringPayment) string {
	return fmt.Sprintf("recurring:%s:%d", rp.ID, rp.TotalPaymentsMade+1)
}

func (s *Service) execute(ctx context.Context, rp *models.RecurringPayment, now time.Time) (outcome, error) {
	amount, err := money.FromMinor(rp.Amount, rp.Currency)
	if err != nil {
		return s.deactivate(ctx, rp, err.Error())
	}
	ref := reference(rp)
	if rp.ToWalletID != nil {
		_, err = s.payments.Transfer(ctx, transaction.TransferRequest{
			UserID:        rp.UserID,
			FromWalletID:  rp.FromWalletID,
			ToWalletID:    rp.ToWalletID,
			Amount:        amount.Amount(),
			Reference:     ref,
			Description:   rp.Description,
			Metadata:      map[string]any{"recurring_payment_id": rp.ID.String()},
			PreAuthorized: true,
		})
	} else {
		_, err = s.payments.Withdraw(ctx, transaction.WithdrawalRequest{
			User:          identity(rp),
			WalletID:      rp.FromWalletID,
			Amount:        amount.Amount(),
			Reference:     ref,
			BankCode:      rp.ToExternal.String("bank_code"),
			AccountNumber: rp.ToExternal.String("account_number"),
			AccountName:   rp.ToExternal.String("account_name"),
			Narration:     rp.Description,
			PreAuthorized: true,
		})
	}

	if err == nil {
		return s.recordPayment(ctx, rp, now)
	}
	switch errors.KindOf(err) {
	case errors.KindInsufficientFunds, errors.KindLimitExceeded:
		if rp.AutoRetry && rp.RetryCount < rp.MaxRetries {
			return s.scheduleRetry(ctx, rp, now, err)
		}
		return s.deactivate(ctx, rp, reason(err))
	case errors.KindInternal, errors.KindProviderUnavailable, errors.KindRateLimited:
		return 0, err
	default:
		return s.deactivate(ctx, rp, reason(err))
	}
}

func (s *Service) recordPayment(ctx context.Context, rp *models.RecurringPayment, now time.Time) (outcome, error) {
	made := rp.TotalPaymentsMade
	next := NextOccurrence(rp.StartDate, rp.Frequency, now)
	active := rp.EndDate == nil || !next.After(*rp.EndDate)
	updates := map[string]any{
		"total_payments_made": made + 1,
		"last_payment_at":     now,
		"next_payment_date":   next,
		"retry_count":         0,
		"last_failure_reason": "",
		"is_active":           active,
	}
	res := s.db.WithContext(ctx).Model(&models.RecurringPayment{}).
		Where("id = ? AND total_payments_made = ?", rp.ID, made).
		Updates(updates)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error)
	}
	rp.TotalPaymentsMade, rp.LastPaymentAt, rp.NextPaymentDate = made+1, &now, next
	rp.RetryCount, rp.LastFailureReason, rp.IsActive = 0, "", active

	log := logger.For(ctx, s.logger)
	log.Info("recurring payment executed",
		zap.String("recurring_id", rp.ID.String()),
		zap.Int("payment_number", made+1),
		zap.Time("next_payment_date", next))
	if !active {
		log.Info("recurring payment finished", zap.String("recurring_id", rp.ID.String()))
	}
	return paid, nil
}

func (s *Service) scheduleRetry(ctx context.Context, rp *models.RecurringPayment, now time.Time, cause error) (outcome, error) {
	next := now.Add(retryDelay)
	msg := reason(cause)
	updates := map[string]any{
		"retry_count":         rp.RetryCount + 1,
		"next_payment_date":   next,
		"last_failure_reason": msg,
	}
	if err := s.db.WithContext(ctx).Model(rp).Updates(updates).Error; err != nil {
		return 0, errors.Wrap(err)
	}
	rp.RetryCount, rp.NextPaymentDate, rp.LastFailureReason = rp.RetryCount+1, next, msg
	logger.For(ctx, s.logger).Info("recurring payment will retry",
		zap.String("recurring_id", rp.ID.String()),
		zap.Int("retry_count", rp.RetryCount),
		zap.Time("next_payment_date", next))
	s.notifier.RecurringPaymentFailed(ctx, rp, msg+", retrying in an hour")
	return retrying, nil
}

func (s *Service) deactivate(ctx context.Context, rp *models.RecurringPayment, msg string) (outcome, error) {
	updates := map[string]any{"is_active": false, "last_failure_reason": msg}
	if err := s.db.WithContext(ctx).Model(rp).Updates(updates).Error; err != nil {
		return 0, errors.Wrap(err)
	}
	rp.IsActive, rp.LastFailureReason = false, msg
	logger.For(ctx, s.logger).Warn("recurring payment deactivated",
		zap.String("recurring_id", rp.ID.String()),
		zap.String("reason", msg))
	s.notifier.RecurringPaymentFailed(ctx, rp, msg)
	return deactivated, nil
}

// reason is the user-facing part of err.
func reason(err error) string {
	var e *errors.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "payment could not be completed"
}
