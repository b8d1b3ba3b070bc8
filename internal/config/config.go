// Package config loads process configuration from an optional YAML file and
// the environment. Environment variable names match the keys upper-cased.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/Aidin1998/fincore/pkg/errors"
)

// ProviderConfig selects and authenticates the external payment providers.
type ProviderConfig struct {
	UseInternalProvider   bool          `mapstructure:"use_internal_provider"`
	PaymentTestMode       bool          `mapstructure:"payment_providers_test_mode"`
	CardTestMode          bool          `mapstructure:"card_providers_test_mode"`
	InternalWebhookSecret string        `mapstructure:"internal_webhook_secret"`
	InternalDepositSync   bool          `mapstructure:"internal_deposit_sync"`
	ProviderHTTPTimeout   time.Duration `mapstructure:"provider_http_timeout"`

	PaystackTestSecretKey string `mapstructure:"paystack_test_secret_key"`
	PaystackLiveSecretKey string `mapstructure:"paystack_live_secret_key"`
	PaystackBaseURL       string `mapstructure:"paystack_base_url"`

	FlutterwaveTestSecretKey string `mapstructure:"flutterwave_test_secret_key"`
	FlutterwaveLiveSecretKey string `mapstructure:"flutterwave_live_secret_key"`
	FlutterwaveSecretHash    string `mapstructure:"flutterwave_secret_hash"`
	FlutterwaveBaseURL       string `mapstructure:"flutterwave_base_url"`

	SudoTestAPIKey    string `mapstructure:"sudo_test_api_key"`
	SudoLiveAPIKey    string `mapstructure:"sudo_live_api_key"`
	SudoWebhookSecret string `mapstructure:"sudo_webhook_secret"`
	SudoBaseURL       string `mapstructure:"sudo_base_url"`
}

// PaystackSecretKey returns the key for the active payment mode.
func (p ProviderConfig) PaystackSecretKey() string {
	if p.PaymentTestMode {
		return p.PaystackTestSecretKey
	}
	return p.PaystackLiveSecretKey
}

// FlutterwaveSecretKey returns the key for the active card mode.
func (p ProviderConfig) FlutterwaveSecretKey() string {
	if p.CardTestMode {
		return p.FlutterwaveTestSecretKey
	}
	return p.FlutterwaveLiveSecretKey
}

// SudoAPIKey returns the key for the active card mode.
func (p ProviderConfig) SudoAPIKey() string {
	if p.CardTestMode {
		return p.SudoTestAPIKey
	}
	return p.SudoLiveAPIKey
}

// KYCConfig configures identity verification vendors.
type KYCConfig struct {
	KYCProvider         string   `mapstructure:"kyc_provider"`
	OnfidoAPIToken      string   `mapstructure:"onfido_api_token"`
	OnfidoWebhookToken  string   `mapstructure:"onfido_webhook_token"`
	OnfidoBaseURL       string   `mapstructure:"onfido_base_url"`
	JumioAPIToken       string   `mapstructure:"jumio_api_token"`
	JumioAPISecret      string   `mapstructure:"jumio_api_secret"`
	JumioCallbackSecret string   `mapstructure:"jumio_callback_secret"`
	JumioBaseURL        string   `mapstructure:"jumio_base_url"`
	AMLWatchlist        []string `mapstructure:"aml_watchlist"`
}

// AuthConfig is consumed by the caller-identity middleware.
type AuthConfig struct {
	JWTSecret                 string `mapstructure:"jwt_secret"`
	AccessTokenExpireMinutes  int    `mapstructure:"access_token_expire_minutes"`
	RefreshTokenExpireMinutes int    `mapstructure:"refresh_token_expire_minutes"`
}

// NotificationConfig configures the delivery channels.
type NotificationConfig struct {
	NotificationRetentionDays int    `mapstructure:"notification_retention_days"`
	NotificationWorkers       int    `mapstructure:"notification_workers"`
	GlobalFCMTopicName        string `mapstructure:"global_fcm_topic_name"`
	FCMCredentialsFile        string `mapstructure:"fcm_credentials_file"`
	SMTPHost                  string `mapstructure:"smtp_host"`
	SMTPPort                  int    `mapstructure:"smtp_port"`
	SMTPUsername              string `mapstructure:"smtp_username"`
	SMTPPassword              string `mapstructure:"smtp_password"`
	SMTPFrom                  string `mapstructure:"smtp_from"`
}

// LedgerConfig configures fees and platform wallets.
type LedgerConfig struct {
	PlatformWallets    string `mapstructure:"platform_wallets"`
	TransferFeePercent string `mapstructure:"transfer_fee_percent"`
	TransferFeeFlat    string `mapstructure:"transfer_fee_flat"`
}

// SchedulerConfig configures background workers.
type SchedulerConfig struct {
	AutoConfirmDelay  time.Duration `mapstructure:"auto_confirm_delay"`
	ReconcileAfter    time.Duration `mapstructure:"reconcile_after"`
	ReconcileTimeout  time.Duration `mapstructure:"reconcile_timeout"`
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints"`
	SchedulerLeaseTTL int           `mapstructure:"scheduler_lease_ttl"`
}

// Config is the full process configuration.
type Config struct {
	Environment    string   `mapstructure:"environment"`
	LogLevel       string   `mapstructure:"log_level"`
	HTTPPort       int      `mapstructure:"http_port"`
	DatabaseDSN    string   `mapstructure:"database_dsn"`
	RedisAddress   string   `mapstructure:"redis_address"`
	RedisPassword  string   `mapstructure:"redis_password"`
	RedisDB        int      `mapstructure:"redis_db"`
	KafkaBrokers   []string `mapstructure:"kafka_brokers"`
	KafkaTopic     string   `mapstructure:"kafka_topic"`
	FrontendURL    string   `mapstructure:"frontend_url"`
	SiteURL        string   `mapstructure:"site_url"`
	TracingEnabled bool     `mapstructure:"tracing_enabled"`

	Providers     ProviderConfig     `mapstructure:",squash"`
	KYC           KYCConfig          `mapstructure:",squash"`
	Auth          AuthConfig         `mapstructure:",squash"`
	Notifications NotificationConfig `mapstructure:",squash"`
	Ledger        LedgerConfig       `mapstructure:",squash"`
	Scheduler     SchedulerConfig    `mapstructure:",squash"`
}

var defaults = map[string]any{
	"environment":                  "development",
	"log_level":                    "info",
	"http_port":                    8080,
	"database_dsn":                 "sqlite:fincore.db",
	"redis_address":                "",
	"redis_password":               "",
	"redis_db":                     0,
	"kafka_brokers":                []string{},
	"kafka_topic":                  "fincore.ledger.events",
	"frontend_url":                 "http://localhost:3000",
	"site_url":                     "http://localhost:8080",
	"tracing_enabled":              false,
	"use_internal_provider":        false,
	"payment_providers_test_mode":  true,
	"card_providers_test_mode":     true,
	"internal_webhook_secret":      "",
	"internal_deposit_sync":        false,
	"provider_http_timeout":        30 * time.Second,
	"paystack_test_secret_key":     "",
	"paystack_live_secret_key":     "",
	"paystack_base_url":            "",
	"flutterwave_test_secret_key":  "",
	"flutterwave_live_secret_key":  "",
	"flutterwave_secret_hash":      "",
	"flutterwave_base_url":         "",
	"sudo_test_api_key":            "",
	"sudo_live_api_key":            "",
	"sudo_webhook_secret":          "",
	"sudo_base_url":                "",
	"kyc_provider":                 "mock",
	"onfido_api_token":             "",
	"onfido_webhook_token":         "",
	"onfido_base_url":              "",
	"jumio_api_token":              "",
	"jumio_api_secret":             "",
	"jumio_callback_secret":        "",
	"jumio_base_url":               "",
	"aml_watchlist":                []string{},
	"jwt_secret":                   "",
	"access_token_expire_minutes":  15,
	"refresh_token_expire_minutes": 10080,
	"notification_retention_days":  90,
	"notification_workers":         4,
	"global_fcm_topic_name":        "all_users",
	"fcm_credentials_file":         "",
	"smtp_host":                    "",
	"smtp_port":                    587,
	"smtp_username":                "",
	"smtp_password":                "",
	"smtp_from":                    "no-reply@fincore.io",
	"platform_wallets":             "",
	"transfer_fee_percent":         "0",
	"transfer_fee_flat":            "0",
	"auto_confirm_delay":           15 * time.Second,
	"reconcile_after":              10 * time.Minute,
	"reconcile_timeout":            24 * time.Hour,
	"etcd_endpoints":               []string{},
	"scheduler_lease_ttl":          15,
}

// Load reads the first config file found in paths (if any), then overlays
// the environment.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.ConfigError.Explain("failed to read %s", path).Wrap(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ConfigError.Explain("failed to unmarshal config").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if _, err := c.PlatformWalletIDs(); err != nil {
		return err
	}
	if _, _, err := c.TransferFee(); err != nil {
		return err
	}
	if c.Providers.ProviderHTTPTimeout <= 0 {
		return errors.ConfigError.Explain("provider_http_timeout must be positive")
	}
	if c.Notifications.NotificationRetentionDays <= 0 {
		return errors.ConfigError.Explain("notification_retention_days must be positive")
	}
	switch c.KYC.KYCProvider {
	case "mock", "onfido", "jumio":
	default:
		return errors.ConfigError.Explain("unknown kyc_provider %q", c.KYC.KYCProvider)
	}
	return nil
}

// PlatformWalletIDs parses "NGN=<uuid>,USD=<uuid>".
func (c *Config) PlatformWalletIDs() (map[string]uuid.UUID, error) {
	out := map[string]uuid.UUID{}
	for _, pair := range strings.Split(c.Ledger.PlatformWallets, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, id, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.ConfigError.Explain("platform_wallets entry %q must be CODE=uuid", pair)
		}
		parsed, err := uuid.Parse(strings.TrimSpace(id))
		if err != nil {
			return nil, errors.ConfigError.Explain("platform_wallets entry %q has an invalid wallet id", pair).Wrap(err)
		}
		out[strings.ToUpper(strings.TrimSpace(code))] = parsed
	}
	return out, nil
}

// TransferFee returns the percent and flat components of the internal
// transfer fee.
func (c *Config) TransferFee() (percent, flat decimal.Decimal, err error) {
	percent, err = decimal.NewFromString(c.Ledger.TransferFeePercent)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.ConfigError.Explain("invalid transfer_fee_percent").Wrap(err)
	}
	flat, err = decimal.NewFromString(c.Ledger.TransferFeeFlat)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.ConfigError.Explain("invalid transfer_fee_flat").Wrap(err)
	}
	if percent.IsNegative() || flat.IsNegative() {
		return decimal.Zero, decimal.Zero, errors.ConfigError.Explain("transfer fees must not be negative")
	}
	return percent, flat, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("env=%s http_port=%d internal_provider=%t", c.Environment, c.HTTPPort, c.Providers.UseInternalProvider)
}
