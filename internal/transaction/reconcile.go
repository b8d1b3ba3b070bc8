package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
)

const reconcileBatchSize = 100

// ReconcileStats counts what a reconciliation pass resolved.
type ReconcileStats struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
}

// AutoConfirmDeposits completes internal-provider deposits that have been
// PENDING since before cutoff.
func (s *Service) AutoConfirmDeposits(ctx context.Context, cutoff time.Time) (int, error) {
	var due []models.Transaction
	err := s.db.WithContext(ctx).
		Where("type = ? AND status = ? AND provider = ? AND created_at <= ?",
			models.TxDeposit, models.TxPending, providers.NameInternal, cutoff).
		Order("created_at").
		Limit(reconcileBatchSize).
		Find(&due).Error
	if err != nil {
		return 0, errors.Wrap(err)
	}
	confirmed := 0
	for i := range due {
		id := due[i].ID
		if _, err := s.CompleteDeposit(ctx, DepositCompletion{TransactionID: &id}); err != nil {
			logger.For(ctx, s.logger).Error("auto-confirm failed",
				zap.String("transaction_id", id.String()),
				zap.Error(err))
			continue
		}
		confirmed++
	}
	return confirmed, nil
}

// Reconcile asks providers about deposits and withdrawals that have been
// INITIATED or PENDING since before now-after. Anything still unresolved once
// older than timeout is failed, releasing held funds. The whole backlog is
// walked in pages ordered by (created_at, id) so old unresolved rows never
// hide newer ones.
func (s *Service) Reconcile(ctx context.Context, now time.Time, after, timeout time.Duration) (ReconcileStats, error) {
	var (
		stats     ReconcileStats
		lastAt    time.Time
		lastID    uuid.UUID
		hasCursor bool
	)
	for {
		q := s.db.WithContext(ctx).
			Where("type IN ? AND status IN ? AND created_at <= ?",
				[]models.TransactionType{models.TxDeposit, models.TxWithdrawal},
				[]models.TransactionStatus{models.TxInitiated, models.TxPending},
				now.Add(-after))
		if hasCursor {
			q = q.Where("(created_at > ? OR (created_at = ? AND id > ?))", lastAt, lastAt, lastID)
		}
		var page []models.Transaction
		if err := q.Order("created_at").Order("id").Limit(reconcileBatchSize).Find(&page).Error; err != nil {
			return stats, errors.Wrap(err)
		}
		for i := range page {
			s.reconcileOne(ctx, &page[i], now, timeout, &stats)
		}
		if len(page) < reconcileBatchSize {
			return stats, nil
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		last := page[len(page)-1]
		lastAt, lastID, hasCursor = last.CreatedAt, last.ID, true
	}
}

func (s *Service) reconcileOne(ctx context.Context, t *models.Transaction, now time.Time, timeout time.Duration, stats *ReconcileStats) {
	stats.Checked++
	log := logger.For(ctx, s.logger).With(
		zap.String("transaction_id", t.ID.String()),
		zap.String("type", string(t.Type)),
		zap.String("status", string(t.Status)),
		zap.String("provider", t.Provider))

	v, verr := s.verify(ctx, t)
	if verr != nil {
		log.Warn("provider verification failed", zap.Error(verr))
	}
	expired := now.Sub(t.CreatedAt) >= timeout
	var err error
	switch {
	case verr == nil && v.Status == providers.StatusCompleted:
		if err = s.settle(ctx, t, v); err == nil {
			stats.Completed++
		}
	case verr == nil && v.Status == providers.StatusFailed:
		reason := v.Reason
		if reason == "" {
			reason = "failed at provider"
		}
		if err = s.fail(ctx, t, reason); err == nil {
			stats.Failed++
		}
	case expired:
		if err = s.fail(ctx, t, "reconciliation timed out"); err == nil {
			stats.TimedOut++
		}
	}
	if err != nil {
		log.Error("failed to apply reconciliation result", zap.Error(err))
	}
}

func (s *Service) verify(ctx context.Context, t *models.Transaction) (*providers.Verification, error) {
	if t.Type == models.TxWithdrawal {
		p, err := s.providers.PayoutByName(t.Provider)
		if err != nil {
			return nil, err
		}
		return p.VerifyPayout(ctx, providerReference(t))
	}
	p, err := s.providers.DepositByName(t.Provider)
	if err != nil {
		return nil, err
	}
	return p.VerifyDeposit(ctx, providerReference(t))
}

func (s *Service) settle(ctx context.Context, t *models.Transaction, v *providers.Verification) error {
	if t.Type == models.TxWithdrawal {
		_, err := s.CompleteWithdrawal(ctx, WithdrawalCompletion{TransactionID: &t.ID, ExternalReference: v.ProviderReference})
		return err
	}
	_, err := s.CompleteDeposit(ctx, DepositCompletion{TransactionID: &t.ID, ExternalReference: v.ProviderReference, Amount: v.Amount})
	return err
}

func (s *Service) fail(ctx context.Context, t *models.Transaction, reason string) error {
	if t.Type == models.TxWithdrawal {
		_, err := s.FailWithdrawal(ctx, WithdrawalCompletion{TransactionID: &t.ID, Reason: reason})
		return err
	}
	_, err := s.FailDeposit(ctx, DepositCompletion{TransactionID: &t.ID, Reason: reason})
	return err
}
