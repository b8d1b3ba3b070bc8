package models

import (
	"time"

	"github.com/google/uuid"
)

type CardStatus string

const (
	CardActive  CardStatus = "ACTIVE"
	CardFrozen  CardStatus = "FROZEN"
	CardBlocked CardStatus = "BLOCKED"
)

// Card is a provider-issued card funded from a wallet. The full PAN and CVV
// are never persisted.
type Card struct {
	ID               uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID           uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	WalletID         uuid.UUID  `json:"wallet_id" gorm:"type:uuid;index"`
	Provider         string     `json:"provider" gorm:"size:32;uniqueIndex:idx_card_provider_ref"`
	ProviderCardID   string     `json:"provider_card_id" gorm:"size:128;uniqueIndex:idx_card_provider_ref"`
	MaskedNumber     string     `json:"masked_number"`
	Last4            string     `json:"last4" gorm:"size:4"`
	HolderName       string     `json:"holder_name"`
	ExpiryMonth      int        `json:"expiry_month"`
	ExpiryYear       int        `json:"expiry_year"`
	CardType         string     `json:"card_type" gorm:"size:16"`
	CardBrand        string     `json:"card_brand" gorm:"size:16"`
	Currency         string     `json:"currency" gorm:"size:8"`
	Status           CardStatus `json:"status" gorm:"size:16"`
	ProviderMetadata JSONMap    `json:"provider_metadata" gorm:"type:text"`
	IsTestMode       bool       `json:"is_test_mode"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
