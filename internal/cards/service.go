// Package cards issues cards over the configured card provider and applies
// the purchases providers report for them.
package cards

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

// Providers routes card calls by currency or by the provider a card was
// issued with.
type Providers interface {
	Card(currency string) providers.CardProvider
	CardByName(name string) (providers.CardProvider, error)
	TestMode() bool
}

type Wallets interface {
	GetWallet(ctx context.Context, userID, walletID uuid.UUID) (*models.Wallet, error)
}

// Purchases debits a funding wallet for a card purchase.
type Purchases interface {
	RecordCardPurchaseInTx(ctx context.Context, tx *gorm.DB, hooks *transaction.Hooks, p transaction.CardPurchase) (*models.Transaction, error)
}

type Notifier interface {
	CardCreated(ctx context.Context, c *models.Card)
}

type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	providers Providers
	wallets   Wallets
	purchases Purchases
	validator *validation.Validator
	notifier  Notifier
}

type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func NewService(db *gorm.DB, logger *zap.Logger, p Providers, wallets Wallets, purchases Purchases, v *validation.Validator, opts ...Option) *Service {
	s := &Service{
		db:        db,
		logger:    logger.Named("cards"),
		providers: p,
		wallets:   wallets,
		purchases: purchases,
		validator: v,
		notifier:  nopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	cardTypes  = map[string]bool{"virtual": true, "physical": true}
	cardBrands = map[string]bool{"visa": true, "mastercard": true, "verve": true}
)

// CreateRequest issues a card funded from one of the user's wallets.
type CreateRequest struct {
	User           providers.UserIdentity `json:"-"`
	WalletID       uuid.UUID              `json:"wallet_id" validate:"required"`
	CardType       string                 `json:"card_type"`
	CardBrand      string                 `json:"card_brand"`
	BillingAddress providers.Address      `json:"billing_address"`
}

// Issued is a new card with the sensitive fields the provider returns once.
// They are never stored.
type Issued struct {
	Card       *models.Card `json:"card"`
	CardNumber string       `json:"card_number,omitempty"`
	CVV        string       `json:"cvv,omitempty"`
}

// Create asks the currency's card provider for a card and stores its masked
// view. A card the provider issued but the store refused is blocked again.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Issued, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	cardType := strings.ToLower(strings.TrimSpace(req.CardType))
	if cardType == "" {
		cardType = "virtual"
	}
	if !cardTypes[cardType] {
		return nil, errors.ValidationFailed.Explain("unsupported card type %q", req.CardType).
			WithField("card_type", "card_type", "card_type must be virtual or physical")
	}
	brand := strings.ToLower(strings.TrimSpace(req.CardBrand))
	if brand == "" {
		brand = "visa"
	}
	if !cardBrands[brand] {
		return nil, errors.ValidationFailed.Explain("unsupported card brand %q", req.CardBrand).
			WithField("card_brand", "card_brand", "card_brand must be visa, mastercard or verve")
	}
	userID := req.User.UserID
	if err := s.validator.CheckRateLimit(ctx, userID, validation.OpCreateCard); err != nil {
		return nil, err
	}
	w, err := s.wallets.GetWallet(ctx, userID, req.WalletID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive() {
		return nil, errors.WalletInactive.Explain("wallet is %s", w.Status)
	}

	log := logger.For(ctx, s.logger)
	p := s.providers.Card(w.Currency)
	res, err := p.CreateCard(ctx, providers.CardRequest{
		User:           req.User,
		Currency:       w.Currency,
		CardType:       cardType,
		CardBrand:      brand,
		BillingAddress: req.BillingAddress,
	})
	if err != nil {
		log.Warn("card provider refused card", zap.String("provider", p.Name()), zap.Error(err))
		return nil, err
	}

	meta := models.JSONMap{}
	for k, v := range res.Metadata {
		meta[k] = v
	}
	meta["provider"] = p.Name()
	if zero, err := money.Zero(w.Currency); err == nil {
		meta["creation_fee"] = p.CalculateCardFee(zero, providers.CardFeeCreation).Decimal()
	}
	card := &models.Card{
		ID:               uuid.New(),
		UserID:           userID,
		WalletID:         w.ID,
		Provider:         p.Name(),
		ProviderCardID:   res.ProviderCardID,
		MaskedNumber:     res.MaskedNumber,
		Last4:            res.Last4,
		HolderName:       res.HolderName,
		ExpiryMonth:      res.ExpiryMonth,
		ExpiryYear:       res.ExpiryYear,
		CardType:         cardType,
		CardBrand:        brand,
		Currency:         w.Currency,
		Status:           models.CardActive,
		ProviderMetadata: meta,
		IsTestMode:       s.providers.TestMode(),
	}
	if err := s.db.WithContext(ctx).Create(card).Error; err != nil {
		if blockErr := p.BlockCard(context.WithoutCancel(ctx), res.ProviderCardID); blockErr != nil {
			log.Error("orphaned provider card", zap.String("provider_card_id", res.ProviderCardID), zap.Error(blockErr))
		}
		return nil, errors.Wrap(err)
	}
	s.validator.RecordOperation(ctx, userID, validation.OpCreateCard)
	log.Info("card issued",
		zap.String("card_id", card.ID.String()),
		zap.String("provider", card.Provider),
		zap.String("currency", card.Currency))
	s.notifier.CardCreated(ctx, card)
	return &Issued{Card: card, CardNumber: res.CardNumber, CVV: res.CVV}, nil
}

// Get returns one of the user's cards.
func (s *Service) Get(ctx context.Context, userID, cardID uuid.UUID) (*models.Card, error) {
	var c models.Card
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", cardID, userID).First(&c).Error
	if database.IsNotFound(err) {
		return nil, errors.NotFound.Explain("card %s not found", cardID)
	}
	if err != nil {
		return nil, errors.Wrap(err)
	}
	return &c, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]models.Card, error) {
	var out []models.Card
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	return out, nil
}

// Freeze suspends an active card.
func (s *Service) Freeze(ctx context.Context, userID, cardID uuid.UUID) (*models.Card, error) {
	return s.transition(ctx, userID, cardID, models.CardFrozen)
}

// Unfreeze reactivates a frozen card.
func (s *Service) Unfreeze(ctx context.Context, userID, cardID uuid.UUID) (*models.Card, error) {
	return s.transition(ctx, userID, cardID, models.CardActive)
}

// Block cancels the card for good.
func (s *Service) Block(ctx context.Context, userID, cardID uuid.UUID) (*models.Card, error) {
	return s.transition(ctx, userID, cardID, models.CardBlocked)
}

var cardTransitions = map[models.CardStatus][]models.CardStatus{
	models.CardActive: {models.CardFrozen, models.CardBlocked},
	models.CardFrozen: {models.CardActive, models.CardBlocked},
}

func canTransition(from, to models.CardStatus) bool {
	for _, next := range cardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Service) transition(ctx context.Context, userID, cardID uuid.UUID, to models.CardStatus) (*models.Card, error) {
	c, err := s.Get(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	if c.Status == to {
		return c, nil
	}
	if !canTransition(c.Status, to) {
		return nil, errors.StateTransitionInvalid.Explain("card is %s", c.Status)
	}
	p, err := s.providers.CardByName(c.Provider)
	if err != nil {
		return nil, err
	}
	switch to {
	case models.CardFrozen:
		err = p.FreezeCard(ctx, c.ProviderCardID)
	case models.CardActive:
		err = p.UnfreezeCard(ctx, c.ProviderCardID)
	case models.CardBlocked:
		err = p.BlockCard(ctx, c.ProviderCardID)
	}
	if err != nil {
		return nil, err
	}
	from := c.Status
	res := s.db.WithContext(ctx).Model(&models.Card{}).
		Where("id = ? AND status = ?", c.ID, from).
		Update("status", to)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errors.StateTransitionInvalid.Explain("card changed concurrently")
	}
	c.Status = to
	logger.For(ctx, s.logger).Info("card status changed",
		zap.String("card_id", c.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return c, nil
}

// ApplyCardEventInTx records a provider-reported purchase against the card's
// funding wallet inside the webhook's commit.
func (s *Service) ApplyCardEventInTx(ctx context.Context, tx *gorm.DB, hooks *transaction.Hooks, e *providers.WebhookEvent) (*models.Transaction, error) {
	if e.ProviderCardID == "" || e.Amount == nil {
		return nil, errors.ValidationFailed.Explain("card event is missing the card or amount").
			WithField("required", "provider_card_id", "card and amount are required")
	}
	var c models.Card
	err := tx.WithContext(ctx).Where("provider = ? AND provider_card_id = ?", e.Provider, e.ProviderCardID).First(&c).Error
	if database.IsNotFound(err) {
		return nil, errors.NotFound.Explain("card %s not found", e.ProviderCardID)
	}
	if err != nil {
		return nil, err
	}
	if c.Status != models.CardActive {
		return nil, errors.StateTransitionInvalid.Explain("card %s is %s", c.ID, c.Status)
	}
	fee, _ := money.Zero(e.Amount.Code())
	if p, err := s.providers.CardByName(c.Provider); err == nil {
		fee = p.CalculateCardFee(*e.Amount, providers.CardFeePurchase)
	}
	merchant, _ := e.Metadata["merchant"].(string)
	return s.purchases.RecordCardPurchaseInTx(ctx, tx, hooks, transaction.CardPurchase{
		UserID:            c.UserID,
		WalletID:          c.WalletID,
		CardID:            c.ID,
		Provider:          c.Provider,
		ExternalReference: e.ExternalReference,
		Amount:            *e.Amount,
		Fee:               fee,
		Merchant:          merchant,
	})
}

type nopNotifier struct{}

func (nopNotifier) CardCreated(context.Context, *models.Card) {}
