package providers

import (
	"context"
	"encoding/json"
	"fmt"
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

const flutterwaveBaseURL = "https://api.flutterwave.com/v3"

var flutterwaveCardCurrencies = map[string]bool{"USD": true, "NGN": true, "GBP": true}

// FlutterwaveProvider issues virtual cards.
type FlutterwaveProvider struct {
	client     *Client
	secretHash string
	testMode   bool
}

func NewFlutterwaveProvider(secretKey, secretHash, baseURL string, testMode bool, timeout time.Duration, logger *zap.Logger) *FlutterwaveProvider {
	if baseURL == "" {
		baseURL = flutterwaveBaseURL
	}
	return &FlutterwaveProvider{
		client:     NewClient(NameFlutterwave, strings.TrimRight(baseURL, "/"), secretKey, timeout, logger),
		secretHash: secretHash,
		testMode:   testMode,
	}
}

func (p *FlutterwaveProvider) Name() string            { return NameFlutterwave }
func (p *FlutterwaveProvider) SignatureHeader() string { return "Verif-Hash" }

// VerifyWebhookSignature compares the verif-hash header with the configured
// secret hash.
func (p *FlutterwaveProvider) VerifyWebhookSignature(_ []byte, signature string) bool {
	return constantTimeEqual(p.secretHash, signature)
}

type flutterwaveEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *FlutterwaveProvider) call(ctx context.Context, op, method, path string, body, out any) error {
	var env flutterwaveEnvelope
	if err := p.client.Do(ctx, op, method, path, body, &env); err != nil {
		return err
	}
	if env.Status != "success" {
		return errors.ProviderRejected.Explain("flutterwave %s: %s", op, env.Message).WithMeta("provider", NameFlutterwave)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.ProviderUnavailable.Explain("failed to decode flutterwave %s data", op).Wrap(err)
	}
	return nil
}

type flutterwaveCard struct {
	ID         string `json:"id"`
	CardPan    string `json:"card_pan"`
	MaskedPan  string `json:"masked_pan"`
	CVV        string `json:"cvv"`
	Expiration string `json:"expiration"`
	CardType   string `json:"card_type"`
	NameOnCard string `json:"name_on_card"`
	IsActive   bool   `json:"is_active"`
}

func (p *FlutterwaveProvider) CreateCard(ctx context.Context, req CardRequest) (*CardResult, error) {
	if !flutterwaveCardCurrencies[req.Currency] {
		return nil, errors.ProviderRejected.Explain("flutterwave does not issue %s cards", req.Currency)
	}
	body := map[string]any{
		"currency":            req.Currency,
		"amount":              0,
		"billing_name":        req.User.FullName(),
		"billing_address":     req.BillingAddress.Line1,
		"billing_city":        req.BillingAddress.City,
		"billing_state":       req.BillingAddress.State,
		"billing_postal_code": req.BillingAddress.PostalCode,
		"billing_country":     req.BillingAddress.Country,
		"first_name":          req.User.FirstName,
		"last_name":           req.User.LastName,
		"email":               req.User.Email,
		"phone":               req.User.Phone,
	}
	var card flutterwaveCard
	if err := p.call(ctx, "create_card", http.MethodPost, "/virtual-cards", body, &card); err != nil {
		return nil, err
	}
	month, year := parseExpiry(card.Expiration)
	last4 := lastFour(card.CardPan, card.MaskedPan)
	return &CardResult{
		CardNumber:     card.CardPan,
		HolderName:     card.NameOnCard,
		ExpiryMonth:    month,
		ExpiryYear:     year,
		CVV:            card.CVV,
		ProviderCardID: card.ID,
		MaskedNumber:   MaskPAN(last4),
		Last4:          last4,
		Metadata:       map[string]any{"provider": NameFlutterwave, "card_type": card.CardType, "test_mode": p.testMode},
	}, nil
}

func (p *FlutterwaveProvider) GetCardDetails(ctx context.Context, id string) (*CardDetails, error) {
	var card flutterwaveCard
	if err := p.call(ctx, "get_card", http.MethodGet, "/virtual-cards/"+url.PathEscape(id), nil, &card); err != nil {
		return nil, err
	}
	month, year := parseExpiry(card.Expiration)
	status := "active"
	if !card.IsActive {
		status = "frozen"
	}
	return &CardDetails{
		ProviderCardID: card.ID,
		MaskedNumber:   MaskPAN(lastFour(card.CardPan, card.MaskedPan)),
		Status:         status,
		ExpiryMonth:    month,
		ExpiryYear:     year,
	}, nil
}

func (p *FlutterwaveProvider) FreezeCard(ctx context.Context, id string) error {
	return p.call(ctx, "freeze_card", http.MethodPut, "/virtual-cards/"+url.PathEscape(id)+"/status/block", nil, nil)
}

func (p *FlutterwaveProvider) UnfreezeCard(ctx context.Context, id string) error {
	return p.call(ctx, "unfreeze_card", http.MethodPut, "/virtual-cards/"+url.PathEscape(id)+"/status/unblock", nil, nil)
}

// BlockCard terminates the card permanently.
func (p *FlutterwaveProvider) BlockCard(ctx context.Context, id string) error {
	return p.call(ctx, "block_card", http.MethodPut, "/virtual-cards/"+url.PathEscape(id)+"/terminate", nil, nil)
}

// CalculateCardFee: USD 1.00 (or equivalent unit) per card, 1% on funding.
func (p *FlutterwaveProvider) CalculateCardFee(amount money.Money, txType string) money.Money {
	switch txType {
	case CardFeeCreation:
		fee, _ := money.New(decimal.NewFromInt(1), amount.Code())
		return fee
	case CardFeeFunding:
		return percentFee(amount, "1")
	default:
		z, _ := money.Zero(amount.Code())
		return z
	}
}

type flutterwaveWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID          json.Number `json:"id"`
		CardID      string      `json:"card_id"`
		TxRef       string      `json:"tx_ref"`
		Reference   string      `json:"reference"`
		Amount      json.Number `json:"amount"`
		Currency    string      `json:"currency"`
		Status      string      `json:"status"`
		Description string      `json:"description"`
		Merchant    string      `json:"merchant"`
	} `json:"data"`
}

func (p *FlutterwaveProvider) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var in flutterwaveWebhook
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.ValidationFailed.Explain("malformed flutterwave webhook payload").Wrap(err)
	}
	d := in.Data
	ref := d.Reference
	if ref == "" {
		ref = d.TxRef
	}
	ev := &WebhookEvent{
		Provider:          NameFlutterwave,
		Reference:         ref,
		ExternalReference: ref,
		ProviderCardID:    d.CardID,
		Metadata:          map[string]any{"flutterwave_event": in.Event, "status": d.Status},
	}
	if id := d.ID.String(); id != "" {
		ev.EventID = in.Event + ":" + id
		if ev.ExternalReference == "" {
			ev.ExternalReference = id
		}
	}
	switch in.Event {
	case "card.transaction", "virtualcard.transaction":
		ev.EventType = EventCardTransaction
		ev.Metadata["description"] = d.Description
		ev.Metadata["merchant"] = d.Merchant
	case "charge.completed":
		if strings.EqualFold(d.Status, "successful") {
			ev.EventType = EventDepositSuccess
		} else {
			ev.EventType = EventDepositFailed
		}
	default:
		return ev, nil
	}
	if d.Currency != "" && d.Amount.String() != "" {
		amt, err := money.Parse(d.Amount.String(), strings.ToUpper(d.Currency))
		if err != nil {
			return nil, err
		}
		ev.Amount = &amt
	}
	return ev, nil
}

// parseExpiry reads "2028-01" or "01/28".
func parseExpiry(s string) (int, int) {
	if y, m, ok := strings.Cut(s, "-"); ok {
		year, _ := strconv.Atoi(y)
		month, _ := strconv.Atoi(m)
		return month, year
	}
	if m, y, ok := strings.Cut(s, "/"); ok {
		month, _ := strconv.Atoi(m)
		year, _ := strconv.Atoi(y)
		if year < 100 {
			year += 2000
		}
		return month, year
	}
	return 0, 0
}

func lastFour(pan, masked string) string {
	for _, s := range []string{pan, masked} {
		if len(s) >= 4 {
			return s[len(s)-4:]
		}
	}
	return fmt.Sprintf("%04d", 0)
}
