package models

import (
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TxDeposit      TransactionType = "DEPOSIT"
	TxWithdrawal   TransactionType = "WITHDRAWAL"
	TxTransfer     TransactionType = "TRANSFER"
	TxHold         TransactionType = "HOLD"
	TxRelease      TransactionType = "RELEASE"
	TxCardPurchase TransactionType = "CARD_PURCHASE"
	TxFee          TransactionType = "FEE"
	TxReversal     TransactionType = "REVERSAL"
)

type TransactionDirection string

const (
	DirectionInbound  TransactionDirection = "INBOUND"
	DirectionOutbound TransactionDirection = "OUTBOUND"
	DirectionInternal TransactionDirection = "INTERNAL"
)

type TransactionStatus string

const (
	TxInitiated  TransactionStatus = "INITIATED"
	TxPending    TransactionStatus = "PENDING"
	TxProcessing TransactionStatus = "PROCESSING"
	TxCompleted  TransactionStatus = "COMPLETED"
	TxFailed     TransactionStatus = "FAILED"
	TxReversed   TransactionStatus = "REVERSED"
	TxCancelled  TransactionStatus = "CANCELLED"
)

// Transaction is the ledger record paired with every balance mutation.
// Amounts are minor units of Currency.
type Transaction struct {
	ID        uuid.UUID            `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID            `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_tx_user_reference"`
	Reference string               `json:"reference" gorm:"size:128;uniqueIndex:idx_tx_user_reference"`
	Type      TransactionType      `json:"type" gorm:"size:20;index"`
	Direction TransactionDirection `json:"direction" gorm:"size:10"`
	Status    TransactionStatus    `json:"status" gorm:"size:20;index"`

	FromWalletID *uuid.UUID `json:"from_wallet_id" gorm:"type:uuid;index:idx_tx_from_completed"`
	ToWalletID   *uuid.UUID `json:"to_wallet_id" gorm:"type:uuid;index:idx_tx_to_completed"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty" gorm:"type:uuid;index"`

	Amount   int64  `json:"amount"`
	Fee      int64  `json:"fee"`
	Currency string `json:"currency" gorm:"size:8"`

	FromBalanceBefore *int64 `json:"from_balance_before,omitempty"`
	FromBalanceAfter  *int64 `json:"from_balance_after,omitempty"`
	ToBalanceBefore   *int64 `json:"to_balance_before,omitempty"`
	ToBalanceAfter    *int64 `json:"to_balance_after,omitempty"`

	Provider          string  `json:"provider" gorm:"size:32;uniqueIndex:idx_tx_provider_external"`
	ExternalReference *string `json:"external_reference,omitempty" gorm:"size:128;uniqueIndex:idx_tx_provider_external"`

	Description   string  `json:"description" gorm:"size:500"`
	FailureReason string  `json:"failure_reason,omitempty"`
	Metadata      JSONMap `json:"metadata" gorm:"type:text"`

	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at" gorm:"index:idx_tx_from_completed;index:idx_tx_to_completed"`
}

// IsTerminal reports whether the status admits no further transition other
// than an administrative reversal.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxCancelled, TxReversed:
		return true
	}
	return false
}

// TransactionFee is the fee leg of a parent transaction.
type TransactionFee struct {
	ID               uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	TransactionID    uuid.UUID  `json:"transaction_id" gorm:"type:uuid;index"`
	FeeType          string     `json:"fee_type" gorm:"size:32"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency" gorm:"size:8"`
	PlatformWalletID *uuid.UUID `json:"platform_wallet_id" gorm:"type:uuid"`
	CreatedAt        time.Time  `json:"created_at"`
}

type HoldStatus string

const (
	HoldActive   HoldStatus = "ACTIVE"
	HoldReleased HoldStatus = "RELEASED"
	HoldCaptured HoldStatus = "CAPTURED"
)

// TransactionHold tracks funds moved from available to pending.
type TransactionHold struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	WalletID      uuid.UUID  `json:"wallet_id" gorm:"type:uuid;index"`
	UserID        uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	TransactionID uuid.UUID  `json:"transaction_id" gorm:"type:uuid;uniqueIndex"`
	ParentID      *uuid.UUID `json:"parent_id,omitempty" gorm:"type:uuid;index"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency" gorm:"size:8"`
	Status        HoldStatus `json:"status" gorm:"size:20;index"`
	Reason        string     `json:"reason"`
	ExpiresAt     *time.Time `json:"expires_at" gorm:"index"`
	ReleasedAt    *time.Time `json:"released_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RecurringPayment is a scheduled transfer executed by the recurring worker.
type RecurringPayment struct {
	ID                uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID            uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	FromWalletID      uuid.UUID  `json:"from_wallet_id" gorm:"type:uuid;index"`
	ToWalletID        *uuid.UUID `json:"to_wallet_id" gorm:"type:uuid"`
	ToExternal        JSONMap    `json:"to_external,omitempty" gorm:"type:text"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency" gorm:"size:8"`
	Frequency         string     `json:"frequency" gorm:"size:16"`
	Description       string     `json:"description"`
	StartDate         time.Time  `json:"start_date"`
	EndDate           *time.Time `json:"end_date"`
	NextPaymentDate   time.Time  `json:"next_payment_date" gorm:"index:idx_recurring_due"`
	IsActive          bool       `json:"is_active" gorm:"index:idx_recurring_due"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries" gorm:"default:3"`
	AutoRetry         bool       `json:"auto_retry"`
	TotalPaymentsMade int        `json:"total_payments_made"`
	LastPaymentAt     *time.Time `json:"last_payment_at"`
	LastFailureReason string     `json:"last_failure_reason,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IdempotencyRecord stores the committed outcome for a (scope, key) pair.
type IdempotencyRecord struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Scope        string    `json:"scope" gorm:"size:64;uniqueIndex:idx_idempotency_scope_key"`
	Key          string    `json:"key" gorm:"size:255;uniqueIndex:idx_idempotency_scope_key"`
	ResponseCode int       `json:"response_code"`
	ResponseBody string    `json:"response_body" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
}
