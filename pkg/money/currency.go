// Package money implements exact decimal money values scaled to each
// currency's minor unit.
package money

import (
	"sort"
	"strings"
	"sync"

	"github.com/Aidin1998/fincore/pkg/errors"
)

// Currency is identified by its code; the remaining fields are immutable.
type Currency struct {
	Code      string `json:"code"`
	Symbol    string `json:"symbol"`
	MinorUnit int32  `json:"minor_unit"`
	IsActive  bool   `json:"is_active"`
	IsCrypto  bool   `json:"is_crypto"`
}

var defaultCurrencies = []Currency{
	{Code: "NGN", Symbol: "₦", MinorUnit: 2, IsActive: true},
	{Code: "USD", Symbol: "$", MinorUnit: 2, IsActive: true},
	{Code: "EUR", Symbol: "€", MinorUnit: 2, IsActive: true},
	{Code: "GBP", Symbol: "£", MinorUnit: 2, IsActive: true},
	{Code: "KES", Symbol: "KSh", MinorUnit: 2, IsActive: true},
	{Code: "GHS", Symbol: "GH₵", MinorUnit: 2, IsActive: true},
	{Code: "BTC", Symbol: "₿", MinorUnit: 8, IsActive: true, IsCrypto: true},
	{Code: "ETH", Symbol: "Ξ", MinorUnit: 8, IsActive: true, IsCrypto: true},
	{Code: "USDT", Symbol: "₮", MinorUnit: 6, IsActive: true, IsCrypto: true},
}

// Registry is the process-wide currency table, loaded once at startup.
type Registry struct {
	mu         sync.RWMutex
	currencies map[string]Currency
}

// NewRegistry builds a registry from the given currencies.
func NewRegistry(currencies ...Currency) *Registry {
	r := &Registry{currencies: make(map[string]Currency, len(currencies))}
	for _, c := range currencies {
		r.currencies[strings.ToUpper(c.Code)] = c
	}
	return r
}

var (
	defaultMu  sync.RWMutex
	defaultReg = NewRegistry(defaultCurrencies...)
)

// Default returns the registry used by Parse, FromMinor and Lookup.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultReg
}

// SetDefault replaces the process registry, typically with rows loaded from
// the currencies table.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defaultReg = r
	defaultMu.Unlock()
}

// DefaultCurrencies returns the built-in currency set.
func DefaultCurrencies() []Currency {
	return append([]Currency(nil), defaultCurrencies...)
}

// Lookup finds a currency by code.
func (r *Registry) Lookup(code string) (Currency, error) {
	r.mu.RLock()
	c, ok := r.currencies[strings.ToUpper(code)]
	r.mu.RUnlock()
	if !ok {
		return Currency{}, errors.ValidationFailed.
			Explain("unsupported currency %q", code).
			WithField("currency_unsupported", "currency", "currency is not supported")
	}
	return c, nil
}

// Active lists active currencies ordered by code.
func (r *Registry) Active() []Currency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Currency, 0, len(r.currencies))
	for _, c := range r.currencies {
		if c.IsActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Lookup finds a currency in the default registry.
func Lookup(code string) (Currency, error) {
	return Default().Lookup(code)
}
