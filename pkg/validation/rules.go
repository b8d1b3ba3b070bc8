// Package validation holds the input rules applied before any ledger mutation.
// Every failure is a ValidationFailed error whose first field names the rule.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/money"
)

var (
	MinAmount = decimal.RequireFromString("0.01")
	MaxAmount = decimal.RequireFromString("1000000")
)

const (
	maxAmountDecimals    = 8
	maxDescriptionLength = 500
	minEmails            = 2
	maxEmails            = 20
)

func fail(rule, field, format string, args ...any) *errors.Error {
	msg := fmt.Sprintf(format, args...)
	return errors.ValidationFailed.Explain("%s", msg).WithField(rule, field, msg)
}

// ValidateAmount accepts positive amounts from 0.01 to 1,000,000 with at
// most 8 fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fail("amount_positive", "amount", "amount must be positive")
	}
	if !amount.Equal(amount.Truncate(maxAmountDecimals)) {
		return fail("amount_precision", "amount", "amount must have at most %d decimal places", maxAmountDecimals)
	}
	if amount.LessThan(MinAmount) {
		return fail("amount_min", "amount", "amount must be at least %s", MinAmount.StringFixed(2))
	}
	if amount.GreaterThan(MaxAmount) {
		return fail("amount_max", "amount", "amount must not exceed %s", MaxAmount.StringFixed(2))
	}
	return nil
}

// ValidatePIN requires 4-6 digits that are neither all identical nor a
// run of consecutive ascending or descending digits.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 6 {
		return fail("pin_length", "pin", "PIN must be 4 to 6 digits")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fail("pin_numeric", "pin", "PIN must contain digits only")
		}
	}
	same, asc, desc := true, true, true
	for i := 1; i < len(pin); i++ {
		d := int(pin[i]) - int(pin[i-1])
		same = same && d == 0
		asc = asc && d == 1
		desc = desc && d == -1
	}
	if same {
		return fail("pin_repeated", "pin", "PIN must not repeat a single digit")
	}
	if asc || desc {
		return fail("pin_sequential", "pin", "PIN must not be a sequence")
	}
	return nil
}

var (
	walletNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)
	reservedNames     = map[string]struct{}{"admin": {}, "system": {}, "default": {}}
)

// ValidateWalletName checks length, the allowed alphabet and reserved names.
func ValidateWalletName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 2 || n > 100 {
		return fail("wallet_name_length", "name", "wallet name must be 2 to 100 characters")
	}
	if !walletNamePattern.MatchString(name) {
		return fail("wallet_name_charset", "name", "wallet name may contain letters, digits, spaces, underscores and hyphens")
	}
	if _, ok := reservedNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return fail("wallet_name_reserved", "name", "wallet name %q is reserved", name)
	}
	return nil
}

var forbiddenMarkup = []string{"<script", "<div", "javascript:"}

// ValidateDescription limits free text to 500 characters without markup.
func ValidateDescription(description string) error {
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return fail("description_length", "description", "description must be at most %d characters", maxDescriptionLength)
	}
	lower := strings.ToLower(description)
	for _, bad := range forbiddenMarkup {
		if strings.Contains(lower, bad) {
			return fail("description_markup", "description", "description contains forbidden content")
		}
	}
	return nil
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidateCurrencyCode accepts three uppercase letters, or a registered
// crypto code such as USDT.
func ValidateCurrencyCode(code string) error {
	if currencyPattern.MatchString(code) {
		return nil
	}
	if c, err := money.Lookup(code); err == nil && c.IsCrypto && c.Code == code {
		return nil
	}
	return fail("currency_code", "currency", "currency must be a 3-letter uppercase code")
}

// ValidateEmailList de-duplicates (case-insensitively) and requires 2-20
// syntactically valid addresses.
func ValidateEmailList(emails []string) ([]string, error) {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, raw := range emails {
		e := strings.ToLower(strings.TrimSpace(raw))
		addr, err := mail.ParseAddress(e)
		if err != nil || addr.Address != e || !strings.Contains(e[strings.LastIndex(e, "@")+1:], ".") {
			return nil, fail("email_format", "emails", "invalid email address %q", raw)
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	if len(out) < minEmails || len(out) > maxEmails {
		return nil, fail("email_count", "emails", "between %d and %d unique emails are required", minEmails, maxEmails)
	}
	return out, nil
}

// SplitType selects how a split total is divided.
type SplitType string

const (
	SplitEqual      SplitType = "EQUAL"
	SplitCustom     SplitType = "CUSTOM"
	SplitPercentage SplitType = "PERCENTAGE"
)

var percentTolerance = decimal.RequireFromString("0.01")

// SplitInput describes a proposed split.
type SplitInput struct {
	Type         SplitType
	Total        money.Money
	Participants int
	Amounts      []decimal.Decimal
	Percentages  []decimal.Decimal
}

// ValidateSplitAmounts checks that a split divides its total exactly.
func ValidateSplitAmounts(in SplitInput) error {
	if in.Participants < 1 {
		return fail("split_participants", "participants", "at least one participant is required")
	}
	switch in.Type {
	case SplitEqual:
		if in.Total.MinorUnits()%int64(in.Participants) != 0 {
			return fail("split_equal_indivisible", "total_amount",
				"%s cannot be split equally between %d participants", in.Total.Decimal(), in.Participants)
		}
	case SplitCustom:
		if len(in.Amounts) != in.Participants {
			return fail("split_custom_count", "amounts", "one amount per participant is required")
		}
		sum := decimal.Zero
		for _, a := range in.Amounts {
			if !a.IsPositive() {
				return fail("split_custom_positive", "amounts", "amounts must be positive")
			}
			sum = sum.Add(a)
		}
		if !sum.Equal(in.Total.Amount()) {
			return fail("split_custom_sum", "amounts", "amounts sum to %s, expected %s", sum.String(), in.Total.Decimal())
		}
	case SplitPercentage:
		if len(in.Percentages) != in.Participants {
			return fail("split_percentage_count", "percentages", "one percentage per participant is required")
		}
		sum := decimal.Zero
		for _, p := range in.Percentages {
			if !p.IsPositive() {
				return fail("split_percentage_positive", "percentages", "percentages must be positive")
			}
			sum = sum.Add(p)
		}
		if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(percentTolerance) {
			return fail("split_percentage_sum", "percentages", "percentages sum to %s, expected 100", sum.String())
		}
	default:
		return fail("split_type", "split_type", "unknown split type %q", in.Type)
	}
	return nil
}

var frequencies = map[string]struct{}{
	"DAILY": {}, "WEEKLY": {}, "MONTHLY": {}, "QUARTERLY": {}, "YEARLY": {},
}

// ValidateFrequency normalizes to upper case and checks membership.
func ValidateFrequency(frequency string) (string, error) {
	f := strings.ToUpper(strings.TrimSpace(frequency))
	if _, ok := frequencies[f]; !ok {
		return "", fail("frequency", "frequency", "frequency must be one of DAILY, WEEKLY, MONTHLY, QUARTERLY, YEARLY")
	}
	return f, nil
}

// QRCodeSettings configures a payment QR code.
type QRCodeSettings struct {
	FixedAmount bool
	Amount      *decimal.Decimal
	ExpiresAt   *time.Time
}

// ValidateQRCodeSettings requires an amount for fixed codes and an expiry in
// the future but within one year of now.
func ValidateQRCodeSettings(s QRCodeSettings, now time.Time) error {
	if s.FixedAmount {
		if s.Amount == nil {
			return fail("qr_amount_required", "amount", "fixed-amount QR codes need an amount")
		}
		if err := ValidateAmount(*s.Amount); err != nil {
			return err
		}
	}
	if s.ExpiresAt != nil {
		if !s.ExpiresAt.After(now) {
			return fail("qr_expiry_past", "expires_at", "expiry must be in the future")
		}
		if s.ExpiresAt.After(now.AddDate(1, 0, 0)) {
			return fail("qr_expiry_too_far", "expires_at", "expiry must be within one year")
		}
	}
	return nil
}

// Operation names used for daily caps.
const (
	OpTransfer     = "transfer"
	OpCreateWallet = "create_wallet"
	OpDeposit      = "deposit"
	OpWithdrawal   = "withdrawal"
	OpSetPIN       = "set_pin"
	OpCreateCard   = "create_card"
	OpKYCSubmit    = "kyc_submit"
	OpSplitCreate  = "split_create"
	OpRecurring    = "recurring_create"
)

// DailyCaps maps an operation to its per-user daily limit.
var DailyCaps = map[string]int64{
	OpTransfer:     100,
	OpCreateWallet: 10,
	OpDeposit:      50,
	OpWithdrawal:   20,
	OpSetPIN:       5,
	OpCreateCard:   5,
	OpKYCSubmit:    5,
	OpSplitCreate:  20,
	OpRecurring:    20,
}

// CheckRateLimits reports whether one more operation fits under its daily cap.
// Operations without a cap are always allowed.
func CheckRateLimits(operation string, currentCount int64) (bool, string) {
	limit, ok := DailyCaps[operation]
	if !ok {
		return true, ""
	}
	if currentCount >= limit {
		return false, fmt.Sprintf("daily limit of %d %s operations reached", limit, operation)
	}
	return true, ""
}
