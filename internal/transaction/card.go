package transaction

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
)

// CardPurchase is a card authorization reported by a card provider.
type CardPurchase struct {
	UserID            uuid.UUID
	WalletID          uuid.UUID
	CardID            uuid.UUID
	Provider          string
	ExternalReference string
	Amount            money.Money
	Fee               money.Money
	Merchant          string
}

// RecordCardPurchaseInTx debits the card's funding wallet for a purchase and
// its fee. It is idempotent on (provider, external reference).
func (s *Service) RecordCardPurchaseInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, p CardPurchase) (*models.Transaction, error) {
	if p.ExternalReference == "" {
		return nil, errors.ValidationFailed.Explain("card transaction has no provider reference").
			WithField("reference_required", "external_reference", "is required")
	}
	var existing models.Transaction
	err := tx.WithContext(ctx).
		Where("provider = ? AND external_reference = ?", p.Provider, p.ExternalReference).
		Limit(1).Find(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID != uuid.Nil {
		return &existing, nil
	}

	t := &models.Transaction{
		ID:                uuid.New(),
		UserID:            p.UserID,
		Reference:         fmt.Sprintf("card:%s:%s", p.Provider, p.ExternalReference),
		Type:              models.TxCardPurchase,
		Direction:         models.DirectionOutbound,
		Status:            models.TxInitiated,
		FromWalletID:      &p.WalletID,
		Amount:            p.Amount.MinorUnits(),
		Currency:          p.Amount.Code(),
		Provider:          p.Provider,
		ExternalReference: ptr(p.ExternalReference),
		Description:       "Card purchase",
		Metadata:          models.JSONMap{"card_id": p.CardID.String(), "merchant": p.Merchant},
	}
	if p.Merchant != "" {
		t.Description = "Card purchase at " + p.Merchant
	}
	if p.Fee.Code() == p.Amount.Code() {
		t.Fee = p.Fee.MinorUnits()
	}

	ids := []uuid.UUID{p.WalletID}
	platformID, hasPlatform := s.fees.PlatformWallets[t.Currency]
	hasPlatform = hasPlatform && t.Fee > 0 && platformID != p.WalletID
	if hasPlatform {
		ids = append(ids, platformID)
	}
	locked, err := wallet.LockWallets(ctx, tx, ids...)
	if err != nil {
		return nil, err
	}
	w := locked[p.WalletID]
	if w.Currency != t.Currency {
		return nil, money.ErrCurrencyMismatch.Explain("%s purchase on a %s wallet", t.Currency, w.Currency)
	}
	debit, err := s.wallets.UpdateBalance(ctx, tx, w, t.Amount+t.Fee, wallet.OpDebit, wallet.Options{Spend: true})
	if err != nil {
		return nil, err
	}
	t.FromBalanceBefore, t.FromBalanceAfter = ptr(debit.Before), ptr(debit.After)
	if err := advance(t, models.TxProcessing, models.TxCompleted); err != nil {
		return nil, err
	}
	now := s.now()
	t.CompletedAt = &now
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
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
