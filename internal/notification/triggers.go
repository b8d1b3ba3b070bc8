package notification

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
)

// Triggers turns domain events into notifications. Every method returns
// immediately; delivery happens on the pool.
type Triggers struct {
	dispatcher *Dispatcher
	pool       *Pool
	logger     *zap.Logger
}

func NewTriggers(d *Dispatcher, pool *Pool, logger *zap.Logger) *Triggers {
	return &Triggers{dispatcher: d, pool: pool, logger: logger.Named("notification_triggers")}
}

func (t *Triggers) fire(ctx context.Context, req Request) {
	ok := t.pool.Submit(ctx, string(req.Type), func(ctx context.Context) {
		if _, err := t.dispatcher.Create(ctx, req); err != nil {
			logger.For(ctx, t.logger).Error("notification failed",
				zap.String("type", string(req.Type)),
				zap.String("user_id", req.UserID.String()),
				zap.Error(err))
		}
	})
	if !ok {
		logger.For(ctx, t.logger).Warn("notification dropped", zap.String("type", string(req.Type)))
	}
}

func formatAmount(minor int64, currency string) string {
	m, err := money.FromMinor(minor, currency)
	if err != nil {
		return currency
	}
	return m.Format()
}

func (t *Triggers) WalletCreated(ctx context.Context, w *models.Wallet) {
	t.fire(ctx, Request{
		UserID: w.UserID,
		Type:   models.NotifyWalletCreated,
		Data: map[string]any{
			"wallet_id":   w.ID.String(),
			"wallet_name": w.Name,
			"currency":    w.Currency,
		},
		RelatedObjectType: "wallet",
		RelatedObjectID:   w.ID.String(),
	})
}

func (t *Triggers) SecurityAlert(ctx context.Context, userID uuid.UUID, title, message string) {
	t.fire(ctx, Request{
		UserID: userID,
		Type:   models.NotifySecurityAlert,
		Data:   map[string]any{"title": title, "message": message},
	})
}

// TransactionUpdated notifies the parties of a settled transaction.
// Transfers also notify the recipient.
func (t *Triggers) TransactionUpdated(ctx context.Context, tx *models.Transaction) {
	data := map[string]any{
		"transaction_id": tx.ID.String(),
		"amount":         formatAmount(tx.Amount, tx.Currency),
		"reference":      tx.Reference,
		"description":    tx.Description,
		"reason":         tx.FailureReason,
	}
	req := Request{
		UserID:            tx.UserID,
		Data:              data,
		RelatedObjectType: "transaction",
		RelatedObjectID:   tx.ID.String(),
	}
	switch {
	case tx.Type == models.TxDeposit && tx.Status == models.TxCompleted:
		req.Type = models.NotifyPaymentReceived
		data["sender"] = tx.Metadata.String("sender_name")
	case tx.Type == models.TxDeposit && tx.Status == models.TxFailed:
		req.Type = models.NotifyDepositFailed
	case tx.Type == models.TxWithdrawal && tx.Status == models.TxCompleted:
		req.Type = models.NotifyWithdrawalCompleted
	case tx.Type == models.TxWithdrawal && tx.Status == models.TxFailed:
		req.Type = models.NotifyWithdrawalFailed
	case tx.Type == models.TxCardPurchase && tx.Status == models.TxCompleted:
		req.Type = models.NotifyCardTransaction
		data["merchant"] = tx.Metadata.String("merchant")
	case tx.Type == models.TxTransfer && tx.Status == models.TxCompleted:
		req.Type = models.NotifyTransferCompleted
		if recipient, err := uuid.Parse(tx.Metadata.String("counterparty_user_id")); err == nil && recipient != tx.UserID {
			t.fire(ctx, Request{
				UserID:            recipient,
				Type:              models.NotifyPaymentReceived,
				Data:              data,
				RelatedObjectType: "transaction",
				RelatedObjectID:   tx.ID.String(),
			})
		}
	default:
		return
	}
	t.fire(ctx, req)
}

func (t *Triggers) KYCApproved(ctx context.Context, v *models.KYCVerification) {
	t.fire(ctx, Request{
		UserID:            v.UserID,
		Type:              models.NotifyKYCApproved,
		Data:              map[string]any{"first_name": v.FirstName, "risk_level": string(v.RiskLevel)},
		RelatedObjectType: "kyc_verification",
		RelatedObjectID:   v.ID.String(),
	})
}

func (t *Triggers) KYCRejected(ctx context.Context, v *models.KYCVerification) {
	t.fire(ctx, Request{
		UserID:            v.UserID,
		Type:              models.NotifyKYCRejected,
		Data:              map[string]any{"first_name": v.FirstName, "reason": v.RejectionReason},
		RelatedObjectType: "kyc_verification",
		RelatedObjectID:   v.ID.String(),
	})
}

func (t *Triggers) CardCreated(ctx context.Context, c *models.Card) {
	t.fire(ctx, Request{
		UserID: c.UserID,
		Type:   models.NotifyCardCreated,
		Data: map[string]any{
			"card_id":    c.ID.String(),
			"card_brand": c.CardBrand,
			"last4":      c.Last4,
		},
		RelatedObjectType: "card",
		RelatedObjectID:   c.ID.String(),
	})
}

func (t *Triggers) RecurringPaymentFailed(ctx context.Context, rp *models.RecurringPayment, reason string) {
	t.fire(ctx, Request{
		UserID: rp.UserID,
		Type:   models.NotifyRecurringPaymentFailed,
		Data: map[string]any{
			"recurring_id": rp.ID.String(),
			"amount":       formatAmount(rp.Amount, rp.Currency),
			"description":  rp.Description,
			"reason":       reason,
		},
		RelatedObjectType: "recurring_payment",
		RelatedObjectID:   rp.ID.String(),
	})
}

// SplitPaymentRequested notifies every unpaid participant other than the
// creator.
func (t *Triggers) SplitPaymentRequested(ctx context.Context, s *models.SplitPayment) {
	for _, p := range s.Participants {
		if p.IsPaid || p.UserID == s.CreatorID {
			continue
		}
		t.fire(ctx, Request{
			UserID: p.UserID,
			Type:   models.NotifySplitPaymentRequest,
			Data: map[string]any{
				"split_id":    s.ID.String(),
				"split_title": s.Title,
				"amount":      formatAmount(p.AmountOwed, s.Currency),
			},
			RelatedObjectType: "split_payment",
			RelatedObjectID:   s.ID.String(),
		})
	}
}

func (t *Triggers) SplitPaymentCompleted(ctx context.Context, s *models.SplitPayment) {
	t.fire(ctx, Request{
		UserID:            s.CreatorID,
		Type:              models.NotifySplitPaymentCompleted,
		Data:              map[string]any{"split_id": s.ID.String(), "split_title": s.Title},
		RelatedObjectType: "split_payment",
		RelatedObjectID:   s.ID.String(),
	})
}

func (t *Triggers) LoanApproved(ctx context.Context, userID uuid.UUID, amount money.Money) {
	t.fire(ctx, Request{
		UserID: userID,
		Type:   models.NotifyLoanApproved,
		Data:   map[string]any{"amount": amount.Format()},
	})
}

// Announce stores a system announcement for each user and broadcasts it to
// connected sockets and the FCM topic.
func (t *Triggers) Announce(ctx context.Context, userIDs []uuid.UUID, title, message string) {
	t.pool.Submit(ctx, string(models.NotifySystemAnnouncement), func(ctx context.Context) {
		if len(userIDs) > 0 {
			if _, err := t.dispatcher.BulkCreate(ctx, BulkRequest{
				UserIDs: userIDs,
				Type:    models.NotifySystemAnnouncement,
				Data:    map[string]any{"title": title, "message": message},
			}); err != nil {
				logger.For(ctx, t.logger).Error("announcement failed", zap.Error(err))
			}
		}
		if err := t.dispatcher.Broadcast(ctx, title, message); err != nil {
			logger.For(ctx, t.logger).Error("announcement broadcast failed", zap.Error(err))
		}
	})
}
