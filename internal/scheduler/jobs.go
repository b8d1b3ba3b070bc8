package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/config"
	"github.com/Aidin1998/fincore/internal/transaction"
)

// Worker names, also used as metric labels.
const (
	JobAutoConfirm           = "auto_confirm_deposits"
	JobRecurring             = "recurring_payments"
	JobHoldExpiry            = "hold_expiry"
	JobReconciler            = "provider_reconciler"
	JobOTPRetention          = "otp_retention"
	JobNotificationRetention = "notification_retention"
	JobKYCExpiry             = "kyc_expiry"
)

type Ledger interface {
	AutoConfirmDeposits(ctx context.Context, cutoff time.Time) (int, error)
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
	Reconcile(ctx context.Context, now time.Time, after, timeout time.Duration) (transaction.ReconcileStats, error)
}

type Recurring interface {
	ExecuteDue(ctx context.Context, now time.Time) (int, error)
}

type OTPs interface {
	Purge(ctx context.Context) (int, error)
}

type Notifications interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Verifications interface {
	Expire(ctx context.Context, now time.Time) (int, error)
}

// Deps are the services the workers drive. A nil dependency leaves its
// worker out.
type Deps struct {
	Ledger        Ledger
	Recurring     Recurring
	OTPs          OTPs
	Notifications Notifications
	Verifications Verifications
}

// Jobs builds the worker table.
func Jobs(d Deps, sc config.SchedulerConfig, retentionDays int, logger *zap.Logger) []Job {
	log := logger.Named("jobs")
	counted := func(name string, n int) {
		if n > 0 {
			log.Info("worker processed records", zap.String("worker", name), zap.Int("count", n))
		}
	}
	delay := sc.AutoConfirmDelay
	if delay <= 0 {
		delay = 15 * time.Second
	}

	var jobs []Job
	if d.Ledger != nil {
		jobs = append(jobs,
			Job{Name: JobAutoConfirm, Interval: 5 * time.Second, Run: func(ctx context.Context, now time.Time) error {
				n, err := d.Ledger.AutoConfirmDeposits(ctx, now.Add(-delay))
				counted(JobAutoConfirm, n)
				return err
			}},
			Job{Name: JobHoldExpiry, Interval: time.Minute, Run: func(ctx context.Context, now time.Time) error {
				n, err := d.Ledger.ExpireHolds(ctx, now)
				counted(JobHoldExpiry, n)
				return err
			}},
			Job{Name: JobReconciler, Interval: 5 * time.Minute, Run: func(ctx context.Context, now time.Time) error {
				stats, err := d.Ledger.Reconcile(ctx, now, sc.ReconcileAfter, sc.ReconcileTimeout)
				if stats.Checked > 0 {
					log.Info("reconciled pending transactions",
						zap.Int("checked", stats.Checked),
						zap.Int("completed", stats.Completed),
						zap.Int("failed", stats.Failed),
						zap.Int("timed_out", stats.TimedOut))
				}
				return err
			}},
		)
	}
	if d.Recurring != nil {
		jobs = append(jobs, Job{Name: JobRecurring, Interval: time.Minute, Run: func(ctx context.Context, now time.Time) error {
			n, err := d.Recurring.ExecuteDue(ctx, now)
			counted(JobRecurring, n)
			return err
		}})
	}
	if d.OTPs != nil {
		jobs = append(jobs, Job{Name: JobOTPRetention, Interval: 10 * time.Minute, Run: func(ctx context.Context, _ time.Time) error {
			n, err := d.OTPs.Purge(ctx)
			counted(JobOTPRetention, n)
			return err
		}})
	}
	if d.Notifications != nil {
		jobs = append(jobs, Job{Name: JobNotificationRetention, Interval: 24 * time.Hour, Run: func(ctx context.Context, now time.Time) error {
			n, err := d.Notifications.PurgeOlderThan(ctx, now.AddDate(0, 0, -retentionDays))
			counted(JobNotificationRetention, int(n))
			return err
		}})
	}
	if d.Verifications != nil {
		jobs = append(jobs, Job{Name: JobKYCExpiry, Interval: time.Hour, Run: func(ctx context.Context, now time.Time) error {
			n, err := d.Verifications.Expire(ctx, now)
			counted(JobKYCExpiry, n)
			return err
		}})
	}
	return jobs
}
