package validation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/money"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValidateAmountBoundaries(t *testing.T) {
	cases := []struct {
		amount string
		rule   string
	}{
		{"0.01", ""},
		{"1000000.00", ""},
		{"0.00", "amount_positive"},
		{"-5", "amount_positive"},
		{"0.009", "amount_min"},
		{"1000000.01", "amount_max"},
		{"1.123456789", "amount_precision"},
		{"1.12345678", ""},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			err := ValidateAmount(d(tc.amount))
			if tc.rule == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ValidationFailed))
			assert.Equal(t, tc.rule, errors.RuleOf(err))
		})
	}
}

func TestValidatePIN(t *testing.T) {
	assert.NoError(t, ValidatePIN("1357"))
	assert.NoError(t, ValidatePIN("902811"))

	rules := map[string]string{
		"1234":    "pin_sequential",
		"9876":    "pin_sequential",
		"012345":  "pin_sequential",
		"1111":    "pin_repeated",
		"123":     "pin_length",
		"1234567": "pin_length",
		"12a4":    "pin_numeric",
	}
	for pin, rule := range rules {
		assert.Equal(t, rule, errors.RuleOf(ValidatePIN(pin)), pin)
	}
}

func TestValidateWalletName(t *testing.T) {
	assert.NoError(t, ValidateWalletName("Travel fund_2024-A"))
	assert.Equal(t, "wallet_name_length", errors.RuleOf(ValidateWalletName("a")))
	assert.Equal(t, "wallet_name_charset", errors.RuleOf(ValidateWalletName("rent!")))
	assert.Equal(t, "wallet_name_reserved", errors.RuleOf(ValidateWalletName("Admin")))
}

func TestValidateDescription(t *testing.T) {
	assert.NoError(t, ValidateDescription("lunch with team"))
	assert.Equal(t, "description_markup", errors.RuleOf(ValidateDescription("hi <SCRIPT>alert(1)</script>")))
	assert.Equal(t, "description_markup", errors.RuleOf(ValidateDescription("JavaScript:void(0)")))
	assert.Equal(t, "description_markup", errors.RuleOf(ValidateDescription("<div>x</div>")))

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	assert.Equal(t, "description_length", errors.RuleOf(ValidateDescription(string(long))))
}

func TestValidateCurrencyCode(t *testing.T) {
	assert.NoError(t, ValidateCurrencyCode("NGN"))
	assert.NoError(t, ValidateCurrencyCode("USDT"))
	assert.Error(t, ValidateCurrencyCode("ngn"))
	assert.Error(t, ValidateCurrencyCode("NG"))
}

func TestValidateEmailList(t *testing.T) {
	out, err := ValidateEmailList([]string{"a@x.com", "B@x.com", "A@X.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, out)

	_, err = ValidateEmailList([]string{"a@x.com", "a@x.com"})
	assert.Equal(t, "email_count", errors.RuleOf(err))

	_, err = ValidateEmailList([]string{"a@x.com", "not-an-email"})
	assert.Equal(t, "email_format", errors.RuleOf(err))
}

func TestValidateSplitAmounts(t *testing.T) {
	total := money.MustParse("99.00", "NGN")
	assert.NoError(t, ValidateSplitAmounts(SplitInput{Type: SplitEqual, Total: total, Participants: 3}))

	err := ValidateSplitAmounts(SplitInput{Type: SplitEqual, Total: money.MustParse("100.00", "NGN"), Participants: 3})
	assert.Equal(t, "split_equal_indivisible", errors.RuleOf(err))

	assert.NoError(t, ValidateSplitAmounts(SplitInput{
		Type: SplitCustom, Total: total, Participants: 2, Amounts: []decimal.Decimal{d("50.00"), d("49.00")},
	}))
	err = ValidateSplitAmounts(SplitInput{
		Type: SplitCustom, Total: total, Participants: 2, Amounts: []decimal.Decimal{d("50.00"), d("48.99")},
	})
	assert.Equal(t, "split_custom_sum", errors.RuleOf(err))

	assert.NoError(t, ValidateSplitAmounts(SplitInput{
		Type: SplitPercentage, Total: total, Participants: 3,
		Percentages: []decimal.Decimal{d("33.33"), d("33.33"), d("33.33")},
	}))
	err = ValidateSplitAmounts(SplitInput{
		Type: SplitPercentage, Total: total, Participants: 2,
		Percentages: []decimal.Decimal{d("50"), d("49.9")},
	})
	assert.Equal(t, "split_percentage_sum", errors.RuleOf(err))
}

func TestValidateFrequency(t *testing.T) {
	f, err := ValidateFrequency("monthly")
	require.NoError(t, err)
	assert.Equal(t, "MONTHLY", f)

	_, err = ValidateFrequency("HOURLY")
	assert.Equal(t, "frequency", errors.RuleOf(err))
}

func TestValidateQRCodeSettings(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	amt := d("10")
	soon := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	far := now.AddDate(1, 0, 1)

	assert.NoError(t, ValidateQRCodeSettings(QRCodeSettings{FixedAmount: true, Amount: &amt, ExpiresAt: &soon}, now))
	assert.Equal(t, "qr_amount_required", errors.RuleOf(ValidateQRCodeSettings(QRCodeSettings{FixedAmount: true}, now)))
	assert.Equal(t, "qr_expiry_past", errors.RuleOf(ValidateQRCodeSettings(QRCodeSettings{ExpiresAt: &past}, now)))
	assert.Equal(t, "qr_expiry_too_far", errors.RuleOf(ValidateQRCodeSettings(QRCodeSettings{ExpiresAt: &far}, now)))
}

func TestCheckRateLimits(t *testing.T) {
	ok, _ := CheckRateLimits(OpTransfer, 99)
	assert.True(t, ok)
	ok, reason := CheckRateLimits(OpTransfer, 100)
	assert.False(t, ok)
	assert.Contains(t, reason, "transfer")
	ok, _ = CheckRateLimits("unknown", 1<<40)
	assert.True(t, ok)
}
