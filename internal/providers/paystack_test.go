package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/money"
)

const chargeSuccess = `{
  "event": "charge.success",
  "data": {
    "id": 302961,
    "reference": "ps_ref_001",
    "amount": 50000,
    "currency": "NGN",
    "status": "success",
    "customer": {"email": "ada@example.com", "customer_code": "CUS_xnxdt6s1zg5f4nx"},
    "authorization": {
      "receiver_bank_account_number": "9930000001",
      "sender_name": "JOHN DOE",
      "sender_bank": "Access Bank",
      "sender_bank_account_number": "0690000031"
    }
  }
}`

func TestPaystackWebhookSignature(t *testing.T) {
	p := NewPaystackProvider("sk_test_secret", "", true, time.Second, zap.NewNop())
	payload := []byte(chargeSuccess)

	sig := SignSHA512("sk_test_secret", payload)
	assert.True(t, p.VerifyWebhookSignature(payload, sig))
	assert.False(t, p.VerifyWebhookSignature(payload, SignSHA512("other", payload)))
	assert.False(t, p.VerifyWebhookSignature(payload, ""))

	tampered := append([]byte(nil), payload...)
	tampered[10] = 'X'
	assert.False(t, p.VerifyWebhookSignature(tampered, sig))
}

func TestPaystackParseChargeSuccess(t *testing.T) {
	p := NewPaystackProvider("sk_test_secret", "", true, time.Second, zap.NewNop())
	ev, err := p.ParseWebhookEvent([]byte(chargeSuccess))
	require.NoError(t, err)

	assert.Equal(t, EventDepositSuccess, ev.EventType)
	assert.Equal(t, "9930000001", ev.AccountNumber)
	assert.Equal(t, "ps_ref_001", ev.ExternalReference)
	assert.Equal(t, "JOHN DOE", ev.SenderName)
	assert.Equal(t, "charge.success:302961", ev.IdempotencyKey())
	require.NotNil(t, ev.Amount)
	assert.Equal(t, "500.00 NGN", ev.Amount.String())
}

func TestPaystackParseTransferEvents(t *testing.T) {
	p := NewPaystackProvider("k", "", true, time.Second, zap.NewNop())
	ev, err := p.ParseWebhookEvent([]byte(`{"event":"transfer.reversed","data":{"id":9,"reference":"wd_1","amount":1000,"currency":"NGN","reason":"bank down"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventPayoutFailed, ev.EventType)
	assert.Equal(t, "bank down", ev.Metadata["reason"])

	ev, err = p.ParseWebhookEvent([]byte(`{"event":"subscription.create","data":{"id":1}}`))
	require.NoError(t, err)
	assert.Empty(t, ev.EventType)

	_, err = p.ParseWebhookEvent([]byte(`{`))
	assert.ErrorIs(t, err, errors.ValidationFailed)
}

func TestPaystackDepositFee(t *testing.T) {
	p := NewPaystackProvider("k", "", true, time.Second, zap.NewNop())
	cases := map[string]string{
		"1000.00":   "15.00",
		"2500.00":   "137.50",
		"10000.00":  "250.00",
		"500000.00": "2000.00",
	}
	for amount, want := range cases {
		fee := p.CalculateDepositFee(money.MustParse(amount, "NGN"))
		assert.Equal(t, want, fee.Decimal(), amount)
	}
}

func TestPaystackInitiateAndVerifyDeposit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/transaction/initialize":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.EqualValues(t, 50000, body["amount"])
			_, _ = w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"R1"}}`))
		case "/transaction/verify/R1":
			_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"id":77,"reference":"R1","status":"success","amount":50000,"currency":"NGN"}}`))
		case "/transaction/verify/R2":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":false,"message":"Transaction reference not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	p := NewPaystackProvider("sk_test_secret", srv.URL, true, time.Second, zap.NewNop())
	ctx := context.Background()

	res, err := p.InitiateDeposit(ctx, DepositRequest{
		User:      UserIdentity{UserID: uuid.New(), Email: "ada@example.com"},
		Amount:    money.MustParse("500.00", "NGN"),
		Reference: "R1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	require.NotNil(t, res.PaymentURL)
	assert.Equal(t, "https://checkout.paystack.com/abc", *res.PaymentURL)

	v, err := p.VerifyDeposit(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, v.Status)
	assert.Equal(t, "500.00 NGN", v.Amount.String())

	_, err = p.VerifyDeposit(ctx, "R2")
	assert.ErrorIs(t, err, errors.ProviderRejected)

	_, err = p.VerifyAccount(ctx, "1")
	assert.ErrorIs(t, err, errors.ProviderUnavailable)
}

func TestPaystackUnreachable(t *testing.T) {
	p := NewPaystackProvider("k", "http://127.0.0.1:1", true, 200*time.Millisecond, zap.NewNop())
	_, err := p.VerifyDeposit(context.Background(), "R1")
	assert.ErrorIs(t, err, errors.ProviderUnavailable)
}
