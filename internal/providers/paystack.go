package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/money"
)

const paystackBaseURL = "https://api.paystack.co"

// Paystack fee schedule for local cards: 1.5% + NGN 100, the flat part waived
// under NGN 2,500, capped at NGN 2,000.
var (
	paystackFeePercent   = decimal.RequireFromString("0.015")
	paystackFeeFlat      = decimal.NewFromInt(100)
	paystackFlatWaiver   = decimal.NewFromInt(2500)
	paystackFeeCap       = decimal.NewFromInt(2000)
	paystackTransferFees = []struct {
		upTo decimal.Decimal
		fee  decimal.Decimal
	}{
		{decimal.NewFromInt(5000), decimal.NewFromInt(10)},
		{decimal.NewFromInt(50000), decimal.NewFromInt(25)},
	}
	paystackTransferFeeMax = decimal.NewFromInt(50)
)

// PaystackProvider serves NGN deposits, dedicated virtual accounts and
// payouts.
type PaystackProvider struct {
	client    *Client
	secretKey string
	testMode  bool
}

func NewPaystackProvider(secretKey, baseURL string, testMode bool, timeout time.Duration, logger *zap.Logger) *PaystackProvider {
	if baseURL == "" {
		baseURL = paystackBaseURL
	}
	return &PaystackProvider{
		client:    NewClient(NamePaystack, strings.TrimRight(baseURL, "/"), secretKey, timeout, logger),
		secretKey: secretKey,
		testMode:  testMode,
	}
}

func (p *PaystackProvider) Name() string            { return NamePaystack }
func (p *PaystackProvider) SignatureHeader() string { return "X-Paystack-Signature" }

func (p *PaystackProvider) SupportsCurrency(code string) bool {
	return code == "NGN"
}

// VerifyWebhookSignature checks the hex HMAC-SHA512 of the raw body keyed
// with the secret key.
func (p *PaystackProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHex(p.secretKey, SignSHA512(p.secretKey, payload), signature)
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *PaystackProvider) call(ctx context.Context, op, method, path string, body, out any) error {
	var env paystackEnvelope
	if err := p.client.Do(ctx, op, method, path, body, &env); err != nil {
		return err
	}
	if !env.Status {
		return errors.ProviderRejected.Explain("paystack %s: %s", op, env.Message).WithMeta("provider", NamePaystack)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.ProviderUnavailable.Explain("failed to decode paystack %s data", op).Wrap(err)
	}
	return nil
}

func (p *PaystackProvider) InitiateDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	if !p.SupportsCurrency(req.Amount.Code()) {
		return nil, errors.ProviderRejected.Explain("paystack does not support %s deposits", req.Amount.Code())
	}
	body := map[string]any{
		"email":        req.User.Email,
		"amount":       req.Amount.MinorUnits(),
		"currency":     req.Amount.Code(),
		"reference":    req.Reference,
		"callback_url": req.CallbackURL,
		"metadata":     map[string]any{"user_id": req.User.UserID.String()},
	}
	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := p.call(ctx, "initiate_deposit", http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}
	return &DepositResult{
		Reference:         req.Reference,
		ProviderReference: data.Reference,
		PaymentURL:        &data.AuthorizationURL,
		AccessCode:        &data.AccessCode,
		Status:            StatusPending,
		Metadata:          map[string]any{"provider": NamePaystack, "test_mode": p.testMode},
	}, nil
}

type paystackTransaction struct {
	ID              int64  `json:"id"`
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	GatewayResponse string `json:"gateway_response"`
}

func (p *PaystackProvider) VerifyDeposit(ctx context.Context, reference string) (*Verification, error) {
	var data paystackTransaction
	if err := p.call(ctx, "verify_deposit", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	v := &Verification{
		Reference:         reference,
		ProviderReference: fmt.Sprint(data.ID),
		Status:            paystackStatus(data.Status),
		Reason:            data.GatewayResponse,
	}
	if data.Currency != "" {
		if amt, err := money.FromMinor(data.Amount, data.Currency); err == nil {
			v.Amount = &amt
		}
	}
	return v, nil
}

func paystackStatus(s string) Status {
	switch s {
	case "success":
		return StatusCompleted
	case "failed", "abandoned", "reversed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func (p *PaystackProvider) CalculateDepositFee(amount money.Money) money.Money {
	fee := amount.Amount().Mul(paystackFeePercent)
	if amount.Amount().GreaterThanOrEqual(paystackFlatWaiver) {
		fee = fee.Add(paystackFeeFlat)
	}
	if fee.GreaterThan(paystackFeeCap) {
		fee = paystackFeeCap
	}
	out, _ := money.New(fee.RoundBank(amount.Currency().MinorUnit), amount.Code())
	return out
}

// CreateAccount creates (or reuses) a Paystack customer and requests a
// dedicated virtual account for it.
func (p *PaystackProvider) CreateAccount(ctx context.Context, user UserIdentity, currency string) (*AccountResult, error) {
	if currency != "NGN" {
		return nil, errors.ProviderRejected.Explain("paystack dedicated accounts are NGN only")
	}
	var customer struct {
		ID           int64  `json:"id"`
		CustomerCode string `json:"customer_code"`
	}
	err := p.call(ctx, "create_customer", http.MethodPost, "/customer", map[string]any{
		"email":      user.Email,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
		"phone":      user.Phone,
		"metadata":   map[string]any{"user_id": user.UserID.String()},
	}, &customer)
	if err != nil {
		return nil, err
	}

	preferredBank := "wema-bank"
	if p.testMode {
		preferredBank = "test-bank"
	}
	var account struct {
		ID            int64  `json:"id"`
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
		Bank          struct {
			Name string `json:"name"`
			Slug string `json:"slug"`
		} `json:"bank"`
	}
	err = p.call(ctx, "create_account", http.MethodPost, "/dedicated_account", map[string]any{
		"customer":       customer.CustomerCode,
		"preferred_bank": preferredBank,
	}, &account)
	if err != nil {
		return nil, err
	}
	return &AccountResult{
		AccountNumber:     account.AccountNumber,
		AccountName:       account.AccountName,
		BankName:          account.Bank.Name,
		ProviderAccountID: fmt.Sprint(account.ID),
		Metadata: map[string]any{
			"provider":      NamePaystack,
			"customer_code": customer.CustomerCode,
			"bank_slug":     account.Bank.Slug,
			"test_mode":     p.testMode,
		},
	}, nil
}

func (p *PaystackProvider) VerifyAccount(ctx context.Context, providerAccountID string) (bool, error) {
	var data struct {
		Active bool `json:"active"`
	}
	if err := p.call(ctx, "verify_account", http.MethodGet, "/dedicated_account/"+url.PathEscape(providerAccountID), nil, &data); err != nil {
		return false, err
	}
	return data.Active, nil
}

func (p *PaystackProvider) DeactivateAccount(ctx context.Context, providerAccountID string) error {
	return p.call(ctx, "deactivate_account", http.MethodDelete, "/dedicated_account/"+url.PathEscape(providerAccountID), nil, nil)
}

// InitiatePayout creates a transfer recipient then queues a transfer.
func (p *PaystackProvider) InitiatePayout(ctx context.Context, req PayoutRequest) (*Verification, error) {
	var recipient struct {
		RecipientCode string `json:"recipient_code"`
	}
	err := p.call(ctx, "create_recipient", http.MethodPost, "/transferrecipient", map[string]any{
		"type":           "nuban",
		"name":           req.AccountName,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Amount.Code(),
	}, &recipient)
	if err != nil {
		return nil, err
	}

	var transfer struct {
		Reference    string `json:"reference"`
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}
	err = p.call(ctx, "initiate_payout", http.MethodPost, "/transfer", map[string]any{
		"source":    "balance",
		"amount":    req.Amount.MinorUnits(),
		"recipient": recipient.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Narration,
	}, &transfer)
	if err != nil {
		return nil, err
	}
	return &Verification{
		Reference:         req.Reference,
		ProviderReference: transfer.TransferCode,
		Status:            paystackStatus(transfer.Status),
	}, nil
}

func (p *PaystackProvider) VerifyPayout(ctx context.Context, reference string) (*Verification, error) {
	var data struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
		Reason       string `json:"reason"`
	}
	if err := p.call(ctx, "verify_payout", http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	return &Verification{
		Reference:         reference,
		ProviderReference: data.TransferCode,
		Status:            paystackStatus(data.Status),
		Reason:            data.Reason,
	}, nil
}

func (p *PaystackProvider) CalculatePayoutFee(amount money.Money) money.Money {
	fee := paystackTransferFeeMax
	for _, tier := range paystackTransferFees {
		if amount.Amount().LessThanOrEqual(tier.upTo) {
			fee = tier.fee
			break
		}
	}
	out, _ := money.New(fee, amount.Code())
	return out
}

type paystackWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID           int64          `json:"id"`
		Reference    string         `json:"reference"`
		TransferCode string         `json:"transfer_code"`
		Amount       int64          `json:"amount"`
		Currency     string         `json:"currency"`
		Status       string         `json:"status"`
		Reason       string         `json:"reason"`
		Metadata     map[string]any `json:"metadata"`
		Customer     struct {
			Email        string `json:"email"`
			CustomerCode string `json:"customer_code"`
		} `json:"customer"`
		Authorization struct {
			ReceiverBankAccountNumber string `json:"receiver_bank_account_number"`
			SenderName                string `json:"sender_name"`
			SenderBank                string `json:"sender_bank"`
			SenderBankAccountNumber   string `json:"sender_bank_account_number"`
		} `json:"authorization"`
		DedicatedAccount struct {
			ID            int64  `json:"id"`
			AccountNumber string `json:"account_number"`
			AccountName   string `json:"account_name"`
			Bank          struct {
				Name string `json:"name"`
			} `json:"bank"`
		} `json:"dedicated_account"`
	} `json:"data"`
}

// ParseWebhookEvent normalizes charge, dedicated-account and transfer events.
// Events the core does not act on are returned with an empty EventType.
func (p *PaystackProvider) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var in paystackWebhook
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.ValidationFailed.Explain("malformed paystack webhook payload").Wrap(err)
	}
	d := in.Data
	ev := &WebhookEvent{
		Provider:          NamePaystack,
		Reference:         d.Reference,
		ExternalReference: d.Reference,
		Metadata:          map[string]any{"paystack_event": in.Event},
	}
	if d.ID != 0 {
		ev.EventID = fmt.Sprintf("%s:%d", in.Event, d.ID)
	}

	switch in.Event {
	case "charge.success":
		ev.EventType = EventDepositSuccess
		ev.AccountNumber = d.Authorization.ReceiverBankAccountNumber
		ev.SenderName = d.Authorization.SenderName
		ev.SenderBank = d.Authorization.SenderBank
		ev.SenderAccount = d.Authorization.SenderBankAccountNumber
	case "charge.failed":
		ev.EventType = EventDepositFailed
		ev.Metadata["reason"] = d.Reason
	case "dedicatedaccount.assign.success":
		ev.EventType = EventAccountAssigned
		ev.AccountNumber = d.DedicatedAccount.AccountNumber
		ev.ExternalReference = fmt.Sprint(d.DedicatedAccount.ID)
		ev.Metadata["customer_code"] = d.Customer.CustomerCode
		ev.Metadata["bank_name"] = d.DedicatedAccount.Bank.Name
		ev.Metadata["account_name"] = d.DedicatedAccount.AccountName
	case "transfer.success":
		ev.EventType = EventPayoutSuccess
	case "transfer.failed", "transfer.reversed":
		ev.EventType = EventPayoutFailed
		ev.Metadata["reason"] = d.Reason
	default:
		return ev, nil
	}

	if d.Currency != "" && d.Amount > 0 {
		amt, err := money.FromMinor(d.Amount, strings.ToUpper(d.Currency))
		if err != nil {
			return nil, err
		}
		ev.Amount = &amt
	}
	return ev, nil
}
