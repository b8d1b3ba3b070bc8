package providers

import (
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/config"
	"github.com/Aidin1998/fincore/pkg/errors"
)

// Fallback chains per currency. The first configured provider wins; the
// internal provider is always configured.
var (
	depositRoutes = map[string][]string{
		"NGN": {NamePaystack, NameInternal},
	}
	accountRoutes = map[string][]string{
		"NGN": {NamePaystack, NameInternal},
		"USD": {NameInternal},
		"EUR": {NameInternal},
		"GBP": {NameInternal},
	}
	cardRoutes = map[string][]string{
		"USD": {NameFlutterwave, NameSudo, NameInternal},
		"NGN": {NameFlutterwave, NameSudo, NameInternal},
		"GBP": {NameFlutterwave, NameInternal},
	}
	payoutRoutes = map[string][]string{
		"NGN": {NamePaystack, NameInternal},
	}
)

// Factory selects a provider per family and currency.
type Factory struct {
	useInternal bool
	testMode    bool

	internal    *InternalProvider
	paystack    *PaystackProvider
	flutterwave *FlutterwaveProvider
	sudo        *SudoProvider

	logger *zap.Logger
}

// NewFactory builds the configured providers. A provider whose key is empty
// is left out and skipped by the fallback chains.
func NewFactory(cfg config.ProviderConfig, logger *zap.Logger) *Factory {
	f := &Factory{
		useInternal: cfg.UseInternalProvider,
		testMode:    cfg.PaymentTestMode || cfg.CardTestMode,
		internal:    NewInternalProvider(cfg.InternalWebhookSecret, cfg.InternalDepositSync, logger),
		logger:      logger,
	}
	timeout := cfg.ProviderHTTPTimeout
	if key := cfg.PaystackSecretKey(); key != "" {
		f.paystack = NewPaystackProvider(key, cfg.PaystackBaseURL, cfg.PaymentTestMode, timeout, logger)
	}
	if key := cfg.FlutterwaveSecretKey(); key != "" {
		f.flutterwave = NewFlutterwaveProvider(key, cfg.FlutterwaveSecretHash, cfg.FlutterwaveBaseURL, cfg.CardTestMode, timeout, logger)
	}
	if key := cfg.SudoAPIKey(); key != "" {
		f.sudo = NewSudoProvider(key, cfg.SudoWebhookSecret, cfg.SudoBaseURL, cfg.CardTestMode, timeout, logger)
	}
	logger.Info("provider factory ready",
		zap.Bool("use_internal", f.useInternal),
		zap.Bool("test_mode", f.testMode),
		zap.Bool("paystack", f.paystack != nil),
		zap.Bool("flutterwave", f.flutterwave != nil),
		zap.Bool("sudo", f.sudo != nil))
	return f
}

// TestMode reports whether sandbox keys and endpoints are in use.
func (f *Factory) TestMode() bool { return f.testMode }

// Internal returns the internal provider.
func (f *Factory) Internal() *InternalProvider { return f.internal }

func (f *Factory) route(table map[string][]string, currency string, configured func(string) bool) string {
	if f.useInternal {
		return NameInternal
	}
	for _, name := range table[currency] {
		if configured(name) {
			return name
		}
	}
	return NameInternal
}

func (f *Factory) configured(name string) bool {
	switch name {
	case NameInternal:
		return true
	case NamePaystack:
		return f.paystack != nil
	case NameFlutterwave:
		return f.flutterwave != nil
	case NameSudo:
		return f.sudo != nil
	}
	return false
}

func (f *Factory) Deposit(currency string) DepositProvider {
	p, _ := f.DepositByName(f.route(depositRoutes, currency, f.configured))
	return p
}

func (f *Factory) Account(currency string) AccountProvider {
	if f.route(accountRoutes, currency, f.configured) == NamePaystack {
		return f.paystack
	}
	return f.internal
}

func (f *Factory) Card(currency string) CardProvider {
	p, _ := f.CardByName(f.route(cardRoutes, currency, f.configured))
	return p
}

func (f *Factory) Payout(currency string) PayoutProvider {
	p, _ := f.PayoutByName(f.route(payoutRoutes, currency, f.configured))
	return p
}

// DepositByName resolves the provider recorded on a transaction.
func (f *Factory) DepositByName(name string) (DepositProvider, error) {
	switch {
	case name == NameInternal:
		return f.internal, nil
	case name == NamePaystack && f.paystack != nil:
		return f.paystack, nil
	}
	return nil, unknownProvider(name)
}

// CardByName resolves the provider recorded on a card.
func (f *Factory) CardByName(name string) (CardProvider, error) {
	switch {
	case name == NameInternal:
		return f.internal, nil
	case name == NameFlutterwave && f.flutterwave != nil:
		return f.flutterwave, nil
	case name == NameSudo && f.sudo != nil:
		return f.sudo, nil
	}
	return nil, unknownProvider(name)
}

// PayoutByName resolves the provider recorded on a withdrawal.
func (f *Factory) PayoutByName(name string) (PayoutProvider, error) {
	switch {
	case name == NameInternal:
		return f.internal, nil
	case name == NamePaystack && f.paystack != nil:
		return f.paystack, nil
	}
	return nil, unknownProvider(name)
}

// ByName returns the webhook verifier for an inbound provider path segment.
func (f *Factory) ByName(name string) (WebhookVerifier, error) {
	switch {
	case name == NameInternal:
		return f.internal, nil
	case name == NamePaystack && f.paystack != nil:
		return f.paystack, nil
	case name == NameFlutterwave && f.flutterwave != nil:
		return f.flutterwave, nil
	case name == NameSudo && f.sudo != nil:
		return f.sudo, nil
	}
	return nil, unknownProvider(name)
}

func unknownProvider(name string) error {
	return errors.NotFound.Explain("provider %q is not configured", name)
}
