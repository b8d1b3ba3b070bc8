package money

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fincore/pkg/errors"
)

// ErrCurrencyMismatch is returned when operands carry different currencies.
var ErrCurrencyMismatch = errors.ValidationFailed.
	Explain("currency mismatch").
	WithField("CurrencyMismatch", "currency", "operands must share a currency")

// Money is an exact amount in a single currency. The zero value is invalid.
type Money struct {
	amount   decimal.Decimal
	currency Currency
}

// New builds a Money, rejecting amounts finer than the currency's minor unit.
func New(amount decimal.Decimal, code string) (Money, error) {
	c, err := Lookup(code)
	if err != nil {
		return Money{}, err
	}
	if !amount.Equal(amount.Truncate(c.MinorUnit)) {
		return Money{}, errors.ValidationFailed.
			Explain("amount %s has more than %d decimal places for %s", amount, c.MinorUnit, c.Code).
			WithField("amount_precision", "amount", "too many decimal places for currency")
	}
	return Money{amount: amount, currency: c}, nil
}

// Parse reads a decimal string such as "500.00".
func Parse(amount, code string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, errors.ValidationFailed.
			Explain("invalid amount %q", amount).
			WithField("amount_format", "amount", "amount must be a decimal number")
	}
	return New(d, code)
}

// MustParse is Parse for constants and tests.
func MustParse(amount, code string) Money {
	m, err := Parse(amount, code)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMinor converts a scaled integer (e.g. kobo, cents) to Money.
func FromMinor(units int64, code string) (Money, error) {
	c, err := Lookup(code)
	if err != nil {
		return Money{}, err
	}
	return Money{amount: decimal.New(units, -c.MinorUnit), currency: c}, nil
}

// Zero returns a zero amount in code.
func Zero(code string) (Money, error) {
	return FromMinor(0, code)
}

// ScaleToMinorUnits rounds d with banker's rounding to c's minor unit and
// returns the scaled integer.
func ScaleToMinorUnits(d decimal.Decimal, c Currency) int64 {
	return d.RoundBank(c.MinorUnit).Shift(c.MinorUnit).IntPart()
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() Currency      { return m.currency }
func (m Money) Code() string            { return m.currency.Code }

// MinorUnits returns the exact scaled integer used for storage and comparison.
func (m Money) MinorUnits() int64 {
	return ScaleToMinorUnits(m.amount, m.currency)
}

func (m Money) IsZero() bool     { return m.amount.IsZero() }
func (m Money) IsPositive() bool { return m.amount.IsPositive() }
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

func (m Money) Neg() Money {
	return Money{amount: m.amount.Neg(), currency: m.currency}
}

func (m Money) sameCurrency(o Money) error {
	if m.currency.Code != o.currency.Code {
		return ErrCurrencyMismatch.Explain("currency mismatch: %s and %s", m.currency.Code, o.currency.Code)
	}
	return nil
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(o.amount), currency: m.currency}, nil
}

func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(o.amount), currency: m.currency}, nil
}

// Cmp compares two amounts of the same currency.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	return m.amount.Cmp(o.amount), nil
}

// MulRate multiplies by rate and rounds half-to-even to the minor unit.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{amount: m.amount.Mul(rate).RoundBank(m.currency.MinorUnit), currency: m.currency}
}

// String renders "500.00 NGN".
func (m Money) String() string {
	return m.amount.StringFixed(m.currency.MinorUnit) + " " + m.currency.Code
}

// Format renders with the currency symbol, e.g. "₦500.00".
func (m Money) Format() string {
	if m.amount.IsNegative() {
		return "-" + m.currency.Symbol + m.amount.Abs().StringFixed(m.currency.MinorUnit)
	}
	return m.currency.Symbol + m.amount.StringFixed(m.currency.MinorUnit)
}

// Decimal renders the fixed-point amount without currency.
func (m Money) Decimal() string {
	return m.amount.StringFixed(m.currency.MinorUnit)
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.Decimal(), Currency: m.currency.Code})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
