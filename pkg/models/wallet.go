package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/fincore/pkg/money"
)

// Currency is the persisted form of money.Currency.
type Currency struct {
	Code      string `json:"code" gorm:"primaryKey;size:8"`
	Symbol    string `json:"symbol" gorm:"size:8"`
	MinorUnit int32  `json:"minor_unit"`
	IsActive  bool   `json:"is_active" gorm:"default:true"`
	IsCrypto  bool   `json:"is_crypto"`
}

func (c Currency) Money() money.Currency {
	return money.Currency{Code: c.Code, Symbol: c.Symbol, MinorUnit: c.MinorUnit, IsActive: c.IsActive, IsCrypto: c.IsCrypto}
}

type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletFrozen    WalletStatus = "FROZEN"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletClosed    WalletStatus = "CLOSED"
)

// Wallet is a single-currency balance account. Monetary columns hold minor
// units; Balance always equals AvailableBalance + PendingBalance.
type Wallet struct {
	ID            uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID    `json:"user_id" gorm:"type:uuid;index;uniqueIndex:idx_wallet_default,where:is_default = true"`
	Name          string       `json:"name" gorm:"size:100"`
	AccountNumber string       `json:"account_number" gorm:"size:32;uniqueIndex"`
	AccountName   string       `json:"account_name"`
	BankName      string       `json:"bank_name"`
	Currency      string       `json:"currency" gorm:"size:8;index;uniqueIndex:idx_wallet_default,where:is_default = true"`
	WalletType    string       `json:"wallet_type" gorm:"size:20;default:main"`
	Status        WalletStatus `json:"status" gorm:"size:20;index"`
	IsDefault     bool         `json:"is_default" gorm:"uniqueIndex:idx_wallet_default,where:is_default = true"`

	Balance          int64 `json:"balance"`
	AvailableBalance int64 `json:"available_balance"`
	PendingBalance   int64 `json:"pending_balance"`

	DailySpent        int64     `json:"daily_spent"`
	MonthlySpent      int64     `json:"monthly_spent"`
	DailyLimit        int64     `json:"daily_limit"`
	MonthlyLimit      int64     `json:"monthly_limit"`
	DailySpentDate    time.Time `json:"-"`
	MonthlySpentMonth time.Time `json:"-"`

	PinHash     *string `json:"-"`
	RequiresPin bool    `json:"requires_pin"`

	AccountProvider   string  `json:"account_provider" gorm:"size:32"`
	ProviderAccountID string  `json:"provider_account_id"`
	ProviderMetadata  JSONMap `json:"provider_metadata" gorm:"type:text"`
	IsTestMode        bool    `json:"is_test_mode"`

	LastTransactionAt *time.Time `json:"last_transaction_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (w *Wallet) Money(units int64) money.Money {
	m, err := money.FromMinor(units, w.Currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (w *Wallet) IsActive() bool { return w.Status == WalletActive }
