package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/money"
)

const (
	sudoLiveBaseURL    = "https://api.sudo.africa"
	sudoSandboxBaseURL = "https://api.sandbox.sudo.cards"
)

var sudoCardCurrencies = map[string]bool{"USD": true, "NGN": true}

// SudoProvider issues cards through Sudo Africa. The PAN is only reachable
// through Sudo's vault, so CreateCard returns the masked number alone.
type SudoProvider struct {
	client        *Client
	webhookSecret string
	testMode      bool
}

func NewSudoProvider(apiKey, webhookSecret, baseURL string, testMode bool, timeout time.Duration, logger *zap.Logger) *SudoProvider {
	if baseURL == "" {
		baseURL = sudoLiveBaseURL
		if testMode {
			baseURL = sudoSandboxBaseURL
		}
	}
	return &SudoProvider{
		client:        NewClient(NameSudo, strings.TrimRight(baseURL, "/"), apiKey, timeout, logger),
		webhookSecret: webhookSecret,
		testMode:      testMode,
	}
}

func (p *SudoProvider) Name() string            { return NameSudo }
func (p *SudoProvider) SignatureHeader() string { return "Sudo-Signature" }

func (p *SudoProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHex(p.webhookSecret, SignSHA256(p.webhookSecret, payload), signature)
}

type sudoEnvelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func (p *SudoProvider) call(ctx context.Context, op, method, path string, body, out any) error {
	var env sudoEnvelope
	if err := p.client.Do(ctx, op, method, path, body, &env); err != nil {
		return err
	}
	if env.StatusCode != 0 && env.StatusCode >= 300 {
		return errors.ProviderRejected.Explain("sudo %s: %s", op, env.Message).WithMeta("provider", NameSudo)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.ProviderUnavailable.Explain("failed to decode sudo %s data", op).Wrap(err)
	}
	return nil
}

type sudoCard struct {
	ID          string `json:"_id"`
	MaskedPan   string `json:"maskedPan"`
	Status      string `json:"status"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	Brand       string `json:"brand"`
	Currency    string `json:"currency"`
}

func (c sudoCard) expiry() (int, int) {
	month, _ := strconv.Atoi(c.ExpiryMonth)
	year, _ := strconv.Atoi(c.ExpiryYear)
	if year > 0 && year < 100 {
		year += 2000
	}
	return month, year
}

func (p *SudoProvider) CreateCard(ctx context.Context, req CardRequest) (*CardResult, error) {
	if !sudoCardCurrencies[req.Currency] {
		return nil, errors.ProviderRejected.Explain("sudo does not issue %s cards", req.Currency)
	}
	var customer struct {
		ID string `json:"_id"`
	}
	err := p.call(ctx, "create_customer", http.MethodPost, "/customers", map[string]any{
		"type":         "individual",
		"name":         req.User.FullName(),
		"phoneNumber":  req.User.Phone,
		"emailAddress": req.User.Email,
		"status":       "active",
		"individual": map[string]any{
			"firstName": req.User.FirstName,
			"lastName":  req.User.LastName,
		},
		"billingAddress": map[string]any{
			"line1":      req.BillingAddress.Line1,
			"city":       req.BillingAddress.City,
			"state":      req.BillingAddress.State,
			"postalCode": req.BillingAddress.PostalCode,
			"country":    req.BillingAddress.Country,
		},
	}, &customer)
	if err != nil {
		return nil, err
	}

	brand := "Visa"
	if strings.EqualFold(req.CardBrand, "mastercard") {
		brand = "MasterCard"
	}
	cardType := req.CardType
	if cardType == "" {
		cardType = "virtual"
	}
	var card sudoCard
	err = p.call(ctx, "create_card", http.MethodPost, "/cards", map[string]any{
		"customerId": customer.ID,
		"type":       cardType,
		"currency":   req.Currency,
		"status":     "active",
		"brand":      brand,
	}, &card)
	if err != nil {
		return nil, err
	}
	month, year := card.expiry()
	last4 := lastFour("", card.MaskedPan)
	return &CardResult{
		HolderName:     strings.ToUpper(req.User.FullName()),
		ExpiryMonth:    month,
		ExpiryYear:     year,
		ProviderCardID: card.ID,
		MaskedNumber:   MaskPAN(last4),
		Last4:          last4,
		Metadata: map[string]any{
			"provider":    NameSudo,
			"customer_id": customer.ID,
			"brand":       brand,
			"test_mode":   p.testMode,
		},
	}, nil
}

func (p *SudoProvider) GetCardDetails(ctx context.Context, id string) (*CardDetails, error) {
	var card sudoCard
	if err := p.call(ctx, "get_card", http.MethodGet, "/cards/"+url.PathEscape(id), nil, &card); err != nil {
		return nil, err
	}
	month, year := card.expiry()
	status := "active"
	switch card.Status {
	case "inactive":
		status = "frozen"
	case "canceled":
		status = "blocked"
	}
	return &CardDetails{
		ProviderCardID: card.ID,
		MaskedNumber:   MaskPAN(lastFour("", card.MaskedPan)),
		Status:         status,
		ExpiryMonth:    month,
		ExpiryYear:     year,
	}, nil
}

func (p *SudoProvider) updateStatus(ctx context.Context, op, id, status string) error {
	return p.call(ctx, op, http.MethodPut, "/cards/"+url.PathEscape(id), map[string]any{"status": status}, nil)
}

func (p *SudoProvider) FreezeCard(ctx context.Context, id string) error {
	return p.updateStatus(ctx, "freeze_card", id, "inactive")
}

func (p *SudoProvider) UnfreezeCard(ctx context.Context, id string) error {
	return p.updateStatus(ctx, "unfreeze_card", id, "active")
}

func (p *SudoProvider) BlockCard(ctx context.Context, id string) error {
	return p.updateStatus(ctx, "block_card", id, "canceled")
}

// CalculateCardFee: flat 1.00 on creation, 1.5% on purchases.
func (p *SudoProvider) CalculateCardFee(amount money.Money, txType string) money.Money {
	switch txType {
	case CardFeeCreation:
		fee, _ := money.New(decimal.NewFromInt(1), amount.Code())
		return fee
	case CardFeePurchase:
		return percentFee(amount, "1.5")
	default:
		z, _ := money.Zero(amount.Code())
		return z
	}
}

type sudoWebhook struct {
	ID   string `json:"_id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string          `json:"_id"`
			Card     json.RawMessage `json:"card"`
			Amount   json.Number     `json:"amount"`
			Currency string          `json:"currency"`
			Merchant struct {
				Name string `json:"name"`
			} `json:"merchant"`
		} `json:"object"`
	} `json:"data"`
}

// cardID accepts either a card id string or an expanded card object.
func (w sudoWebhook) cardID() string {
	raw := w.Data.Object.Card
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id
	}
	var obj struct {
		ID string `json:"_id"`
	}
	_ = json.Unmarshal(raw, &obj)
	return obj.ID
}

func (p *SudoProvider) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var in sudoWebhook
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.ValidationFailed.Explain("malformed sudo webhook payload").Wrap(err)
	}
	obj := in.Data.Object
	ev := &WebhookEvent{
		Provider:          NameSudo,
		EventID:           in.ID,
		ExternalReference: obj.ID,
		Reference:         obj.ID,
		ProviderCardID:    in.cardID(),
		Metadata:          map[string]any{"sudo_event": in.Type, "merchant": obj.Merchant.Name},
	}
	if in.Type != "transaction.created" {
		return ev, nil
	}
	ev.EventType = EventCardTransaction
	if obj.Currency != "" && obj.Amount.String() != "" {
		amt, err := money.Parse(obj.Amount.String(), strings.ToUpper(obj.Currency))
		if err != nil {
			return nil, err
		}
		ev.Amount = &amt
	}
	return ev, nil
}
