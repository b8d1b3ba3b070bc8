package wallet

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
)

// Assignment is a virtual account a provider finished allocating after the
// wallet was created.
type Assignment struct {
	Provider          string
	ProviderAccountID string
	CustomerCode      string
	AccountNumber     string
	AccountName       string
	BankName          string
}

// AssignAccountInTx records the provider account on the wallet it was
// requested for. Wallets are matched on the provider account id, then on
// the provider customer code. Repeating an assignment is a no-op.
func (s *Service) AssignAccountInTx(ctx context.Context, tx *gorm.DB, a Assignment) (*models.Wallet, error) {
	var w models.Wallet
	q := tx.WithContext(ctx).Where("account_provider = ?", a.Provider)
	err := q.Where("provider_account_id = ?", a.ProviderAccountID).Limit(1).Find(&w).Error
	if err != nil {
		return nil, err
	}
	if w.ID == uuid.Nil && a.CustomerCode != "" {
		var candidates []models.Wallet
		err = tx.WithContext(ctx).
			Where("account_provider = ? AND status = ?", a.Provider, models.WalletActive).
			Find(&candidates).Error
		if err != nil {
			return nil, err
		}
		for i := range candidates {
			if candidates[i].ProviderMetadata.String("customer_code") == a.CustomerCode {
				w = candidates[i]
				break
			}
		}
	}
	if w.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("no %s wallet for account %s", a.Provider, a.ProviderAccountID)
	}
	if w.AccountNumber == a.AccountNumber && w.ProviderAccountID == a.ProviderAccountID {
		return &w, nil
	}

	meta := models.JSONMap{}
	for k, v := range w.ProviderMetadata {
		meta[k] = v
	}
	meta["assigned_account_number"] = a.AccountNumber
	updates := map[string]any{
		"account_number":      a.AccountNumber,
		"provider_account_id": a.ProviderAccountID,
		"provider_metadata":   meta,
	}
	if a.AccountName != "" {
		updates["account_name"] = a.AccountName
	}
	if a.BankName != "" {
		updates["bank_name"] = a.BankName
	}
	if err := tx.WithContext(ctx).Model(&w).Updates(updates).Error; err != nil {
		return nil, err
	}
	logger.For(ctx, s.logger).Info("virtual account assigned",
		zap.String("wallet_id", w.ID.String()),
		zap.String("provider", a.Provider))
	return &w, nil
}
