package messaging

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageType defines the type of message being sent
type MessageType string

const (
	// Transaction lifecycle
	MsgTransactionPending   MessageType = "transaction.pending"
	MsgTransactionCompleted MessageType = "transaction.completed"
	MsgTransactionFailed    MessageType = "transaction.failed"
	MsgTransactionCancelled MessageType = "transaction.cancelled"
	MsgTransactionReversed  MessageType = "transaction.reversed"

	// Holds
	MsgHoldPlaced   MessageType = "hold.placed"
	MsgHoldReleased MessageType = "hold.released"
	MsgHoldCaptured MessageType = "hold.captured"
)

// BaseMessage contains common fields for all messages
type BaseMessage struct {
	MessageID     string      `json:"message_id"`
	Type          MessageType `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version"`
	Source        string      `json:"source"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

func NewBaseMessage(msgType MessageType, source, correlationID string) BaseMessage {
	return BaseMessage{
		MessageID:     uuid.NewString(),
		Type:          msgType,
		Timestamp:     time.Now().UTC(),
		Version:       "1",
		Source:        source,
		CorrelationID: correlationID,
	}
}

// LedgerEvent describes one committed ledger change. Amounts are decimal
// strings in major units.
type LedgerEvent struct {
	BaseMessage
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	TxType        string          `json:"tx_type"`
	Status        string          `json:"status"`
	Reference     string          `json:"reference"`
	FromWalletID  string          `json:"from_wallet_id,omitempty"`
	ToWalletID    string          `json:"to_wallet_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Currency      string          `json:"currency"`
	Provider      string          `json:"provider,omitempty"`
}

// Key partitions events by user so a consumer sees a user's events in order.
func (e *LedgerEvent) Key() string {
	return e.UserID
}
