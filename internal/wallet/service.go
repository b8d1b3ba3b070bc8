// Package wallet owns wallet lifecycle and is the single writer of wallet
// balances.
package wallet

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

// AccountProviders selects the virtual-account provider for a currency.
type AccountProviders interface {
	Account(currency string) providers.AccountProvider
}

// Notifier receives wallet events for user notification.
type Notifier interface {
	WalletCreated(ctx context.Context, w *models.Wallet)
	SecurityAlert(ctx context.Context, userID uuid.UUID, title, message string)
}

// OTPVerifier checks one-time codes issued to a user for a purpose.
type OTPVerifier interface {
	Verify(ctx context.Context, userID uuid.UUID, purpose, code string) error
}

// OTPPurposePINReset scopes the codes accepted by ResetPIN.
const OTPPurposePINReset = "pin_reset"

// WalletService is the wallet ledger API consumed by handlers and the
// transaction engine.
type WalletService interface {
	CreateWallet(ctx context.Context, req CreateRequest) (*models.Wallet, error)
	GetWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.Wallet, error)
	ListWallets(ctx context.Context, userID uuid.UUID) ([]models.Wallet, error)
	SetDefaultWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.Wallet, error)
	UpdateSettings(ctx context.Context, userID, walletID uuid.UUID, patch SettingsPatch) (*models.Wallet, error)
	SetPIN(ctx context.Context, userID, walletID uuid.UUID, pin string) error
	VerifyPIN(ctx context.Context, userID, walletID uuid.UUID, pin string) error
	ResetPIN(ctx context.Context, userID, walletID uuid.UUID, otpCode, newPIN string) error
	ChangeStatus(ctx context.Context, actor audit.Actor, walletID uuid.UUID, status models.WalletStatus, reason string) (*models.Wallet, error)
	UpdateBalance(ctx context.Context, tx *gorm.DB, w *models.Wallet, amount int64, op Operation, opts Options) (Change, error)
	EffectiveLimits(ctx context.Context, db *gorm.DB, w *models.Wallet) (Limits, error)
}

// Service implements WalletService.
type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	accounts  AccountProviders
	validator *validation.Validator
	audit     *audit.Service
	tiers     TierSource
	otp       OTPVerifier
	notifier  Notifier
	testMode  bool
	pinCost   int
	now       func() time.Time
}

// Option configures optional collaborators.
type Option func(*Service)

func WithTierSource(t TierSource) Option    { return func(s *Service) { s.tiers = t } }
func WithOTPVerifier(v OTPVerifier) Option  { return func(s *Service) { s.otp = v } }
func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithTestMode(testMode bool) Option     { return func(s *Service) { s.testMode = testMode } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a wallet service.
func NewService(db *gorm.DB, logger *zap.Logger, accounts AccountProviders, v *validation.Validator, auditor *audit.Service, opts ...Option) *Service {
	s := &Service{
		db:        db,
		logger:    logger.Named("wallet"),
		accounts:  accounts,
		validator: v,
		audit:     auditor,
		notifier:  nopNotifier{},
		pinCost:   defaultPINCost,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a new wallet.
type CreateRequest struct {
	User         providers.UserIdentity
	Currency     string
	WalletType   string
	Name         string
	IsDefault    bool
	DailyLimit   *decimal.Decimal
	MonthlyLimit *decimal.Decimal
}

var walletTypes = map[string]bool{"main": true, "savings": true, "business": true, "escrow": true}

// CreateWallet allocates an account number from the currency's account
// provider, then persists the wallet. The first wallet in a currency is
// always the default; asking for a new default demotes the previous one.
func (s *Service) CreateWallet(ctx context.Context, req CreateRequest) (*models.Wallet, error) {
	log := logger.For(ctx, s.logger)
	code := strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := validation.ValidateCurrencyCode(code); err != nil {
		return nil, err
	}
	cur, err := money.Lookup(code)
	if err != nil {
		return nil, err
	}
	if !cur.IsActive {
		return nil, errors.ValidationFailed.Explain("currency %s is not active", code).
			WithField("currency_inactive", "currency", "currency is not active")
	}
	walletType := strings.ToLower(req.WalletType)
	if walletType == "" {
		walletType = "main"
	}
	if !walletTypes[walletType] {
		return nil, errors.ValidationFailed.Explain("unknown wallet type %q", req.WalletType).
			WithField("wallet_type", "wallet_type", "must be main, savings, business or escrow")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = code + " " + strings.ToUpper(walletType[:1]) + walletType[1:]
	}
	if err := validation.ValidateWalletName(name); err != nil {
		return nil, err
	}
	dailyLimit, err := optionalLimit(req.DailyLimit, cur)
	if err != nil {
		return nil, err
	}
	monthlyLimit, err := optionalLimit(req.MonthlyLimit, cur)
	if err != nil {
		return nil, err
	}
	if err := s.validator.CheckRateLimit(ctx, req.User.UserID, validation.OpCreateWallet); err != nil {
		return nil, err
	}

	provider := s.accounts.Account(code)
	account, err := provider.CreateAccount(ctx, req.User, code)
	if err != nil {
		log.Warn("account allocation failed", zap.String("provider", provider.Name()), zap.Error(err))
		return nil, err
	}
	meta := models.JSONMap{"provider": provider.Name()}
	for k, v := range account.Metadata {
		meta[k] = v
	}

	w := &models.Wallet{
		ID:                uuid.New(),
		UserID:            req.User.UserID,
		Name:              name,
		AccountNumber:     account.AccountNumber,
		AccountName:       account.AccountName,
		BankName:          account.BankName,
		Currency:          code,
		WalletType:        walletType,
		Status:            models.WalletActive,
		IsDefault:         req.IsDefault,
		DailyLimit:        dailyLimit,
		MonthlyLimit:      monthlyLimit,
		AccountProvider:   provider.Name(),
		ProviderAccountID: account.ProviderAccountID,
		ProviderMetadata:  meta,
		IsTestMode:        s.testMode,
	}

	// A concurrent create can win the default slot between the count and the
	// insert; the retry then sees that wallet and demotes or skips it.
	for attempt := 0; ; attempt++ {
		w.IsDefault = req.IsDefault
		err = database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
			var existing int64
			if err := tx.Model(&models.Wallet{}).
				Where("user_id = ? AND currency = ? AND status <> ?", w.UserID, code, models.WalletClosed).
				Count(&existing).Error; err != nil {
				return err
			}
			if existing == 0 {
				w.IsDefault = true
			}
			if w.IsDefault && existing > 0 {
				if err := demoteDefault(tx, w.UserID, code); err != nil {
					return err
				}
			}
			return tx.Create(w).Error
		})
		if err == nil || !isDefaultConflict(err) || attempt >= 1 {
			break
		}
		log.Info("default wallet raced, retrying", zap.String("currency", code))
	}
	if err != nil {
		switch {
		case isDefaultConflict(err):
			return nil, errors.DuplicateReference.Explain("another default %s wallet was created concurrently", code).Wrap(err)
		case database.IsUniqueViolation(err):
			return nil, errors.DuplicateReference.Explain("account number %s already allocated", w.AccountNumber).Wrap(err)
		}
		return nil, errors.Wrap(err)
	}

	s.validator.RecordOperation(ctx, req.User.UserID, validation.OpCreateWallet)
	log.Info("wallet created",
		zap.String("wallet_id", w.ID.String()),
		zap.String("currency", code),
		zap.String("provider", provider.Name()),
		zap.Bool("is_default", w.IsDefault))
	s.notifier.WalletCreated(ctx, w)
	return w, nil
}

func optionalLimit(d *decimal.Decimal, cur money.Currency) (int64, error) {
	if d == nil {
		return 0, nil
	}
	if d.IsNegative() {
		return 0, errors.ValidationFailed.Explain("limit must not be negative").
			WithField("limit_negative", "limit", "must not be negative")
	}
	return money.ScaleToMinorUnits(*d, cur), nil
}

// isDefaultConflict reports a violation of the one-default-per-currency index.
func isDefaultConflict(err error) bool {
	c := database.ViolatedConstraint(err)
	return c == "idx_wallet_default" || strings.Contains(c, "is_default")
}

func demoteDefault(tx *gorm.DB, userID uuid.UUID, currency string) error {
	return tx.Model(&models.Wallet{}).
		Where("user_id = ? AND currency = ? AND is_default = ?", userID, currency, true).
		Update("is_default", false).Error
}

// GetWallet returns one of the user's wallets.
func (s *Service) GetWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.Wallet, error) {
	return getOwned(ctx, s.db, userID, walletID)
}

func getOwned(ctx context.Context, db *gorm.DB, userID, walletID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := db.WithContext(ctx).Where("id = ? AND user_id = ?", walletID, userID).First(&w).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errors.NotFound.Explain("wallet %s not found", walletID)
		}
		return nil, errors.Wrap(err)
	}
	return &w, nil
}

// ListWallets returns the user's wallets, defaults first.
func (s *Service) ListWallets(ctx context.Context, userID uuid.UUID) ([]models.Wallet, error) {
	var out []models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("is_default DESC, currency ASC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err)
	}
	return out, nil
}

// SetDefaultWallet makes walletID the default for its currency.
func (s *Service) SetDefaultWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.Wallet, error) {
	var out *models.Wallet
	err := database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		locked, err := LockWallets(ctx, tx, walletID)
		if err != nil {
			return err
		}
		w := locked[walletID]
		if w.UserID != userID {
			return errors.NotFound.Explain("wallet %s not found", walletID)
		}
		if !w.IsActive() {
			return errors.WalletInactive.Explain("wallet %s is %s", w.ID, w.Status)
		}
		if !w.IsDefault {
			if err := demoteDefault(tx, userID, w.Currency); err != nil {
				return err
			}
			if err := tx.Model(w).Update("is_default", true).Error; err != nil {
				return err
			}
			w.IsDefault = true
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

// SettingsPatch lists the user-editable wallet fields. Nil means unchanged.
type SettingsPatch struct {
	Name         *string          `json:"name"`
	DailyLimit   *decimal.Decimal `json:"daily_limit"`
	MonthlyLimit *decimal.Decimal `json:"monthly_limit"`
	RequiresPin  *bool            `json:"requires_pin"`
}

// UpdateSettings applies the whitelisted fields of patch.
func (s *Service) UpdateSettings(ctx context.Context, userID, walletID uuid.UUID, patch SettingsPatch) (*models.Wallet, error) {
	var out *models.Wallet
	err := database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		locked, err := LockWallets(ctx, tx, walletID)
		if err != nil {
			return err
		}
		w := locked[walletID]
		if w.UserID != userID {
			return errors.NotFound.Explain("wallet %s not found", walletID)
		}
		if w.Status == models.WalletClosed {
			return errors.WalletInactive.Explain("wallet %s is closed", w.ID)
		}
		cur, err := money.Lookup(w.Currency)
		if err != nil {
			return err
		}

		updates := map[string]any{}
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if err := validation.ValidateWalletName(name); err != nil {
				return err
			}
			w.Name = name
			updates["name"] = name
		}
		if patch.DailyLimit != nil {
			if w.DailyLimit, err = optionalLimit(patch.DailyLimit, cur); err != nil {
				return err
			}
			updates["daily_limit"] = w.DailyLimit
		}
		if patch.MonthlyLimit != nil {
			if w.MonthlyLimit, err = optionalLimit(patch.MonthlyLimit, cur); err != nil {
				return err
			}
			updates["monthly_limit"] = w.MonthlyLimit
		}
		if w.DailyLimit > 0 && w.MonthlyLimit > 0 && w.DailyLimit > w.MonthlyLimit {
			return errors.ValidationFailed.Explain("daily limit exceeds monthly limit").
				WithField("limit_order", "daily_limit", "must not exceed monthly limit")
		}
		if patch.RequiresPin != nil {
			if *patch.RequiresPin && w.PinHash == nil {
				return errors.ValidationFailed.Explain("set a PIN before requiring it").
					WithField("pin_not_set", "requires_pin", "wallet has no PIN")
			}
			w.RequiresPin = *patch.RequiresPin
			updates["requires_pin"] = w.RequiresPin
		}
		if len(updates) == 0 {
			out = w
			return nil
		}
		out = w
		return tx.Model(w).Updates(updates).Error
	})
	if err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

// ChangeStatus moves a wallet between statuses. Owners may freeze and
// unfreeze their own wallets; suspending, closing and lifting a suspension
// require an admin and are audited.
func (s *Service) ChangeStatus(ctx context.Context, actor audit.Actor, walletID uuid.UUID, status models.WalletStatus, reason string) (*models.Wallet, error) {
	var out *models.Wallet
	err := database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		locked, err := LockWallets(ctx, tx, walletID)
		if err != nil {
			return err
		}
		w := locked[walletID]
		if !actor.IsAdmin() && w.UserID != actor.ID {
			return errors.NotFound.Explain("wallet %s not found", walletID)
		}
		if err := checkTransition(w.Status, status, actor.IsAdmin()); err != nil {
			return err
		}
		before := w.Status
		updates := map[string]any{"status": status}

		if status == models.WalletClosed {
			if w.Balance != 0 {
				return errors.StateTransitionInvalid.Explain("wallet balance must be zero to close").
					WithMeta("balance", w.Money(w.Balance).Decimal())
			}
			var successor models.Wallet
			err := tx.Where("user_id = ? AND currency = ? AND status = ? AND id <> ?",
				w.UserID, w.Currency, models.WalletActive, w.ID).
				Order("created_at ASC").Limit(1).Find(&successor).Error
			if err != nil {
				return err
			}
			if successor.ID == uuid.Nil {
				return errors.StateTransitionInvalid.
					Explain("another active %s wallet is required to close this one", w.Currency)
			}
			if w.IsDefault {
				updates["is_default"] = false
				if err := tx.Model(w).Update("is_default", false).Error; err != nil {
					return err
				}
				if err := tx.Model(&successor).Update("is_default", true).Error; err != nil {
					return err
				}
				w.IsDefault = false
			}
		}

		if err := tx.Model(w).Updates(updates).Error; err != nil {
			return err
		}
		w.Status = status

		if actor.IsAdmin() {
			_, err := s.audit.Record(ctx, tx, audit.Entry{
				ActorID:    actor.ID,
				ActorRole:  actor.Role,
				Action:     audit.ActionWalletStatusChange,
				TargetType: "wallet",
				TargetID:   w.ID.String(),
				Before:     map[string]any{"status": before},
				After:      map[string]any{"status": status},
				Reason:     reason,
			})
			if err != nil {
				return err
			}
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}

	logger.For(ctx, s.logger).Info("wallet status changed",
		zap.String("wallet_id", walletID.String()),
		zap.String("status", string(status)),
		zap.String("actor_role", actor.Role))
	if status != models.WalletActive {
		s.notifier.SecurityAlert(ctx, out.UserID, "Wallet "+strings.ToLower(string(status)),
			"Your "+out.Currency+" wallet "+out.AccountNumber+" is now "+strings.ToLower(string(status))+".")
	}
	return out, nil
}

func checkTransition(from, to models.WalletStatus, admin bool) error {
	invalid := func() error {
		return errors.StateTransitionInvalid.Explain("wallet cannot move from %s to %s", from, to)
	}
	if from == to || from == models.WalletClosed {
		return invalid()
	}
	switch to {
	case models.WalletFrozen:
		if from != models.WalletActive {
			return invalid()
		}
	case models.WalletActive:
		if from == models.WalletSuspended && !admin {
			return errors.Unauthorized.Explain("only an admin can lift a suspension")
		}
	case models.WalletSuspended, models.WalletClosed:
		if !admin {
			return errors.Unauthorized.Explain("only an admin can set status %s", to)
		}
	default:
		return errors.ValidationFailed.Explain("unknown wallet status %q", to).
			WithField("wallet_status", "status", "must be ACTIVE, FROZEN, SUSPENDED or CLOSED")
	}
	return nil
}

// wrap keeps typed errors and turns anything else into an internal error.
func wrap(err error) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	return errors.Wrap(err)
}

type nopNotifier struct{}

func (nopNotifier) WalletCreated(context.Context, *models.Wallet)            {}
func (nopNotifier) SecurityAlert(context.Context, uuid.UUID, string, string) {}
