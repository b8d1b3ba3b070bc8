// Package providers hides external payment, account and card services behind
// provider-neutral interfaces. The ledger core never knows which concrete
// provider it is calling; Factory picks one per currency.
package providers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/fincore/pkg/money"
)

// Provider names as persisted on wallets, transactions and cards.
const (
	NameInternal    = "internal"
	NamePaystack    = "paystack"
	NameFlutterwave = "flutterwave"
	NameSudo        = "sudo"
)

// Normalized webhook event types.
const (
	EventDepositSuccess  = "deposit.success"
	EventDepositFailed   = "deposit.failed"
	EventAccountAssigned = "account.assigned"
	EventCardTransaction = "card.transaction"
	EventPayoutSuccess   = "payout.success"
	EventPayoutFailed    = "payout.failed"
)

// Status is a provider-reported operation status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// UserIdentity is what providers need to know about the caller.
type UserIdentity struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone"`
}

func (u UserIdentity) FullName() string {
	return u.FirstName + " " + u.LastName
}

// Address is a billing address.
type Address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// WebhookEvent is the normalized shape every provider payload is parsed into.
type WebhookEvent struct {
	Provider          string         `json:"provider"`
	EventType         string         `json:"event_type"`
	EventID           string         `json:"event_id,omitempty"`
	Reference         string         `json:"reference,omitempty"`
	ExternalReference string         `json:"external_reference"`
	AccountNumber     string         `json:"account_number,omitempty"`
	Amount            *money.Money   `json:"amount,omitempty"`
	SenderName        string         `json:"sender_name,omitempty"`
	SenderBank        string         `json:"sender_bank,omitempty"`
	SenderAccount     string         `json:"sender_account,omitempty"`
	ProviderCardID    string         `json:"provider_card_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// IdempotencyKey is the event id when present, else the external reference.
func (e *WebhookEvent) IdempotencyKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.EventType + ":" + e.ExternalReference
}

// WebhookVerifier authenticates and parses inbound provider callbacks.
type WebhookVerifier interface {
	Name() string
	// SignatureHeader is the HTTP header carrying the signature.
	SignatureHeader() string
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhookEvent(payload []byte) (*WebhookEvent, error)
}

// DepositRequest asks a provider to collect funds into a wallet.
type DepositRequest struct {
	User        UserIdentity
	Amount      money.Money
	Reference   string
	CallbackURL string
}

// DepositResult is the provider's answer to InitiateDeposit.
type DepositResult struct {
	Reference         string         `json:"reference"`
	ProviderReference string         `json:"provider_reference"`
	PaymentURL        *string        `json:"payment_url"`
	AccessCode        *string        `json:"access_code"`
	Status            Status         `json:"status"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Verification is the provider's view of a previously initiated operation.
// Amount is nil when the provider does not report it.
type Verification struct {
	Reference         string
	ProviderReference string
	Status            Status
	Amount            *money.Money
	Reason            string
}

// DepositProvider collects funds from outside the ledger.
type DepositProvider interface {
	WebhookVerifier
	InitiateDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error)
	VerifyDeposit(ctx context.Context, reference string) (*Verification, error)
	SupportsCurrency(code string) bool
	CalculateDepositFee(amount money.Money) money.Money
}

// AccountResult describes an allocated virtual bank account.
type AccountResult struct {
	AccountNumber     string         `json:"account_number"`
	AccountName       string         `json:"account_name"`
	BankName          string         `json:"bank_name"`
	ProviderAccountID string         `json:"provider_account_id"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// AccountProvider allocates virtual bank accounts for wallets.
type AccountProvider interface {
	WebhookVerifier
	CreateAccount(ctx context.Context, user UserIdentity, currency string) (*AccountResult, error)
	VerifyAccount(ctx context.Context, providerAccountID string) (bool, error)
	DeactivateAccount(ctx context.Context, providerAccountID string) error
}

// CardRequest asks for a new card.
type CardRequest struct {
	User           UserIdentity
	Currency       string
	CardType       string
	CardBrand      string
	BillingAddress Address
}

// CardResult is a newly issued card. CardNumber and CVV are returned once
// and never persisted.
type CardResult struct {
	CardNumber     string         `json:"card_number"`
	HolderName     string         `json:"holder_name"`
	ExpiryMonth    int            `json:"expiry_month"`
	ExpiryYear     int            `json:"expiry_year"`
	CVV            string         `json:"cvv"`
	ProviderCardID string         `json:"provider_card_id"`
	MaskedNumber   string         `json:"masked_number"`
	Last4          string         `json:"last4"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CardDetails is the provider's current view of a card.
type CardDetails struct {
	ProviderCardID string
	MaskedNumber   string
	Status         string
	ExpiryMonth    int
	ExpiryYear     int
}

// Card fee transaction types.
const (
	CardFeeCreation = "creation"
	CardFeeFunding  = "funding"
	CardFeePurchase = "purchase"
)

// CardProvider issues and manages cards.
type CardProvider interface {
	WebhookVerifier
	CreateCard(ctx context.Context, req CardRequest) (*CardResult, error)
	GetCardDetails(ctx context.Context, providerCardID string) (*CardDetails, error)
	FreezeCard(ctx context.Context, providerCardID string) error
	UnfreezeCard(ctx context.Context, providerCardID string) error
	BlockCard(ctx context.Context, providerCardID string) error
	CalculateCardFee(amount money.Money, txType string) money.Money
}

// PayoutRequest sends funds to an external bank account.
type PayoutRequest struct {
	User          UserIdentity
	Amount        money.Money
	Reference     string
	BankCode      string
	AccountNumber string
	AccountName   string
	Narration     string
}

// PayoutProvider moves funds out of the ledger.
type PayoutProvider interface {
	Name() string
	InitiatePayout(ctx context.Context, req PayoutRequest) (*Verification, error)
	VerifyPayout(ctx context.Context, reference string) (*Verification, error)
	CalculatePayoutFee(amount money.Money) money.Money
}

func expiryIn(years int) (int, int) {
	t := time.Now().UTC().AddDate(years, 0, 0)
	return int(t.Month()), t.Year()
}

// MaskPAN renders "**** **** **** 1234".
func MaskPAN(last4 string) string {
	return "**** **** **** " + last4
}
