package providers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/money"
)

// InternalProvider simulates every provider family locally. Deposits stay
// pending until the auto-confirm worker promotes them, unless sync mode is on.
type InternalProvider struct {
	secret   string
	syncMode bool
	logger   *zap.Logger

	mu    sync.Mutex
	cards map[string]*CardDetails
}

func NewInternalProvider(webhookSecret string, syncMode bool, logger *zap.Logger) *InternalProvider {
	return &InternalProvider{
		secret:   webhookSecret,
		syncMode: syncMode,
		logger:   logger.With(zap.String("provider", NameInternal)),
		cards:    make(map[string]*CardDetails),
	}
}

func (p *InternalProvider) Name() string            { return NameInternal }
func (p *InternalProvider) SignatureHeader() string { return "X-Internal-Signature" }

func (p *InternalProvider) SupportsCurrency(string) bool { return true }

func (p *InternalProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHex(p.secret, SignSHA256(p.secret, payload), signature)
}

// internalEvent is the payload format used by the internal provider's own
// callbacks and by operators replaying events.
type internalEvent struct {
	Event             string         `json:"event"`
	EventID           string         `json:"event_id"`
	Reference         string         `json:"reference"`
	ExternalReference string         `json:"external_reference"`
	AccountNumber     string         `json:"account_number"`
	Amount            string         `json:"amount"`
	Currency          string         `json:"currency"`
	SenderName        string         `json:"sender_name"`
	CardID            string         `json:"card_id"`
	Metadata          map[string]any `json:"metadata"`
}

func (p *InternalProvider) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var in internalEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.ValidationFailed.Explain("malformed internal webhook payload").Wrap(err)
	}
	ev := &WebhookEvent{
		Provider:          NameInternal,
		EventType:         in.Event,
		EventID:           in.EventID,
		Reference:         in.Reference,
		ExternalReference: in.ExternalReference,
		AccountNumber:     in.AccountNumber,
		SenderName:        in.SenderName,
		ProviderCardID:    in.CardID,
		Metadata:          in.Metadata,
	}
	if ev.ExternalReference == "" {
		ev.ExternalReference = in.Reference
	}
	if in.Amount != "" {
		amt, err := money.Parse(in.Amount, strings.ToUpper(in.Currency))
		if err != nil {
			return nil, err
		}
		ev.Amount = &amt
	}
	return ev, nil
}

func (p *InternalProvider) InitiateDeposit(_ context.Context, req DepositRequest) (*DepositResult, error) {
	status := StatusPending
	if p.syncMode {
		status = StatusCompleted
	}
	p.logger.Debug("internal deposit initiated",
		zap.String("reference", req.Reference),
		zap.String("amount", req.Amount.String()),
		zap.String("status", string(status)))
	return &DepositResult{
		Reference:         req.Reference,
		ProviderReference: "INT-" + req.Reference,
		Status:            status,
		Metadata:          map[string]any{"provider": NameInternal},
	}, nil
}

// VerifyDeposit reports every known deposit as completed; the internal
// provider has no failure path of its own.
func (p *InternalProvider) VerifyDeposit(_ context.Context, reference string) (*Verification, error) {
	return &Verification{
		Reference:         reference,
		ProviderReference: "INT-" + reference,
		Status:            StatusCompleted,
	}, nil
}

func (p *InternalProvider) CalculateDepositFee(amount money.Money) money.Money {
	z, _ := money.Zero(amount.Code())
	return z
}

func (p *InternalProvider) CreateAccount(_ context.Context, user UserIdentity, currency string) (*AccountResult, error) {
	number, err := randomDigits(10)
	if err != nil {
		return nil, err
	}
	return &AccountResult{
		AccountNumber:     number,
		AccountName:       strings.TrimSpace(user.FullName()),
		BankName:          "Fincore Internal",
		ProviderAccountID: "int_acct_" + uuid.NewString(),
		Metadata:          map[string]any{"provider": NameInternal, "currency": currency},
	}, nil
}

func (p *InternalProvider) VerifyAccount(context.Context, string) (bool, error) { return true, nil }
func (p *InternalProvider) DeactivateAccount(context.Context, string) error     { return nil }

func (p *InternalProvider) CreateCard(_ context.Context, req CardRequest) (*CardResult, error) {
	prefix := "4"
	if strings.EqualFold(req.CardBrand, "mastercard") {
		prefix = "51"
	}
	pan, err := luhnNumber(prefix, 16)
	if err != nil {
		return nil, err
	}
	cvv, err := randomDigits(3)
	if err != nil {
		return nil, err
	}
	month, year := expiryIn(3)
	id := "int_card_" + uuid.NewString()
	last4 := pan[len(pan)-4:]

	p.mu.Lock()
	p.cards[id] = &CardDetails{ProviderCardID: id, MaskedNumber: MaskPAN(last4), Status: "active", ExpiryMonth: month, ExpiryYear: year}
	p.mu.Unlock()

	return &CardResult{
		CardNumber:     pan,
		HolderName:     strings.ToUpper(strings.TrimSpace(req.User.FullName())),
		ExpiryMonth:    month,
		ExpiryYear:     year,
		CVV:            cvv,
		ProviderCardID: id,
		MaskedNumber:   MaskPAN(last4),
		Last4:          last4,
		Metadata:       map[string]any{"provider": NameInternal},
	}, nil
}

func (p *InternalProvider) GetCardDetails(_ context.Context, id string) (*CardDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	card, ok := p.cards[id]
	if !ok {
		return nil, errors.NotFound.Explain("card %s not found", id)
	}
	cp := *card
	return &cp, nil
}

func (p *InternalProvider) setCardStatus(id, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	card, ok := p.cards[id]
	if !ok {
		// cards issued before a restart are not tracked in memory
		return nil
	}
	if card.Status == "blocked" {
		return errors.ProviderRejected.Explain("card %s is blocked", id)
	}
	card.Status = status
	return nil
}

func (p *InternalProvider) FreezeCard(_ context.Context, id string) error {
	return p.setCardStatus(id, "frozen")
}

func (p *InternalProvider) UnfreezeCard(_ context.Context, id string) error {
	return p.setCardStatus(id, "active")
}

func (p *InternalProvider) BlockCard(_ context.Context, id string) error {
	return p.setCardStatus(id, "blocked")
}

func (p *InternalProvider) CalculateCardFee(amount money.Money, _ string) money.Money {
	z, _ := money.Zero(amount.Code())
	return z
}

// InitiatePayout settles immediately.
func (p *InternalProvider) InitiatePayout(_ context.Context, req PayoutRequest) (*Verification, error) {
	amt := req.Amount
	return &Verification{
		Reference:         req.Reference,
		ProviderReference: "INT-PO-" + req.Reference,
		Status:            StatusCompleted,
		Amount:            &amt,
	}, nil
}

func (p *InternalProvider) VerifyPayout(_ context.Context, reference string) (*Verification, error) {
	return &Verification{Reference: reference, ProviderReference: "INT-PO-" + reference, Status: StatusCompleted}, nil
}

func (p *InternalProvider) CalculatePayoutFee(amount money.Money) money.Money {
	z, _ := money.Zero(amount.Code())
	return z
}

func randomDigits(n int) (string, error) {
	var sb strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate digits: %w", err)
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	s := sb.String()
	if s[0] == '0' {
		s = "1" + s[1:]
	}
	return s, nil
}

// luhnNumber returns a length-digit number starting with prefix whose last
// digit is the Luhn check digit.
func luhnNumber(prefix string, length int) (string, error) {
	body, err := randomDigits(length - len(prefix) - 1)
	if err != nil {
		return "", err
	}
	partial := prefix + body
	return partial + string(byte('0'+luhnCheckDigit(partial))), nil
}

func luhnCheckDigit(partial string) int {
	sum := 0
	double := true
	for i := len(partial) - 1; i >= 0; i-- {
		d := int(partial[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

// LuhnValid reports whether number passes the Luhn checksum.
func LuhnValid(number string) bool {
	if len(number) < 2 {
		return false
	}
	return luhnCheckDigit(number[:len(number)-1]) == int(number[len(number)-1]-'0')
}

// percentFee returns amount*percent/100 rounded to the currency's minor unit.
func percentFee(amount money.Money, percent string) money.Money {
	return amount.MulRate(decimal.RequireFromString(percent).Div(decimal.NewFromInt(100)))
}
