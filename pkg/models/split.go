package models

import (
	"time"

	"github.com/google/uuid"
)

type SplitStatus string

const (
	SplitPending   SplitStatus = "PENDING"
	SplitPartial   SplitStatus = "PARTIAL"
	SplitCompleted SplitStatus = "COMPLETED"
	SplitCancelled SplitStatus = "CANCELLED"
)

// SplitPayment divides a total between participants who each pay the
// creator's wallet.
type SplitPayment struct {
	ID              uuid.UUID          `json:"id" gorm:"primaryKey;type:uuid"`
	CreatorID       uuid.UUID          `json:"creator_id" gorm:"type:uuid;index"`
	CreatorWalletID uuid.UUID          `json:"creator_wallet_id" gorm:"type:uuid"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	TotalAmount     int64              `json:"total_amount"`
	Currency        string             `json:"currency" gorm:"size:8"`
	SplitType       string             `json:"split_type" gorm:"size:16"`
	Status          SplitStatus        `json:"status" gorm:"size:16"`
	Participants    []SplitParticipant `json:"participants" gorm:"foreignKey:SplitID"`
	CompletedAt     *time.Time         `json:"completed_at"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// SplitParticipant is one participant's share.
type SplitParticipant struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	SplitID       uuid.UUID  `json:"split_id" gorm:"type:uuid;index"`
	UserID        uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	AmountOwed    int64      `json:"amount_owed"`
	Percentage    string     `json:"percentage,omitempty"`
	AmountPaid    int64      `json:"amount_paid"`
	IsPaid        bool       `json:"is_paid"`
	PaidAt        *time.Time `json:"paid_at"`
	TransactionID *uuid.UUID `json:"transaction_id" gorm:"type:uuid"`
	CreatedAt     time.Time  `json:"created_at"`
}
