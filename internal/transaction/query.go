package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListFilter selects a page of a user's transactions.
type ListFilter struct {
	UserID   uuid.UUID
	WalletID *uuid.UUID
	Type     models.TransactionType
	Status   models.TransactionStatus
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// visibleTo restricts q to transactions the user initiated or received.
func visibleTo(q *gorm.DB, userID uuid.UUID) *gorm.DB {
	owned := q.Session(&gorm.Session{NewDB: true}).Model(&models.Wallet{}).Select("id").Where("user_id = ?", userID)
	return q.Where("(user_id = ? OR to_wallet_id IN (?))", userID, owned)
}

// Get returns a transaction the user initiated or received.
func (s *Service) Get(ctx context.Context, userID, txID uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	q := s.db.WithContext(ctx).Where("id = ?", txID)
	err := visibleTo(q, userID).Limit(1).Find(&t).Error
	if err != nil {
		return nil, errors.Wrap(err)
	}
	if t.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("transaction %s not found", txID)
	}
	return &t, nil
}

// GetByID returns any transaction. It is for administrators and workers.
func (s *Service) GetByID(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).Limit(1).Find(&t, "id = ?", txID).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	if t.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("transaction %s not found", txID)
	}
	return &t, nil
}

// List returns the newest transactions matching f and the total count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Transaction, int64, error) {
	q := visibleTo(s.db.WithContext(ctx).Model(&models.Transaction{}), f.UserID)
	if f.WalletID != nil {
		q = q.Where("(from_wallet_id = ? OR to_wallet_id = ?)", *f.WalletID, *f.WalletID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var out []models.Transaction
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(f.Offset).Find(&out).Error
	if err != nil {
		return nil, 0, errors.Wrap(err)
	}
	return out, total, nil
}

// ReplayResult compares a wallet's stored balance with its history.
type ReplayResult struct {
	WalletID   uuid.UUID  `json:"wallet_id"`
	Entries    int        `json:"entries"`
	Computed   int64      `json:"computed"`
	Stored     int64      `json:"stored"`
	Consistent bool       `json:"consistent"`
	BrokenAt   *uuid.UUID `json:"broken_at,omitempty"`
}

// Replay recomputes a wallet's balance from its committed transactions in
// completion order, checking that each recorded before/after pair continues
// the chain. Holds and releases move funds within the wallet and are skipped.
func (s *Service) Replay(ctx context.Context, walletID uuid.UUID) (*ReplayResult, error) {
	var w models.Wallet
	if err := s.db.WithContext(ctx).Limit(1).Find(&w, "id = ?", walletID).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	if w.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("wallet %s not found", walletID)
	}

	var history []models.Transaction
	err := s.db.WithContext(ctx).
		Where("(from_wallet_id = ? OR to_wallet_id = ?)", walletID, walletID).
		Where("status IN ?", []models.TransactionStatus{models.TxCompleted, models.TxReversed}).
		Where("type NOT IN ?", []models.TransactionType{models.TxHold, models.TxRelease}).
		Order("completed_at").Order("created_at").Order("id").
		Find(&history).Error
	if err != nil {
		return nil, errors.Wrap(err)
	}

	res := &ReplayResult{WalletID: walletID, Entries: len(history), Stored: w.Balance}
	var running int64
	for i := range history {
		t := &history[i]
		prev := running
		var before, after *int64
		if t.ToWalletID != nil && *t.ToWalletID == walletID {
			before, after = t.ToBalanceBefore, t.ToBalanceAfter
			running += t.Amount
		} else {
			before, after = t.FromBalanceBefore, t.FromBalanceAfter
			running -= t.Amount + t.Fee
		}
		if res.BrokenAt == nil && before != nil && after != nil && (*before != prev || *after != running) {
			res.BrokenAt = &t.ID
		}
	}
	res.Computed = running
	res.Consistent = res.BrokenAt == nil && res.Computed == res.Stored
	return res, nil
}
