package cards

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/config"
	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/database/dbtest"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

type issuedLog struct {
	mu    sync.Mutex
	cards []*models.Card
}

func (l *issuedLog) CardCreated(_ context.Context, c *models.Card) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cards = append(l.cards, c)
}

type env struct {
	db      *gorm.DB
	svc     *Service
	wallets *wallet.Service
	txs     *transaction.Service
	issued  *issuedLog
	user    providers.UserIdentity
}

func internalConfig() config.ProviderConfig {
	return config.ProviderConfig{
		UseInternalProvider:   true,
		InternalDepositSync:   true,
		InternalWebhookSecret: "internal-secret",
		ProviderHTTPTimeout:   time.Second,
	}
}

func newEnv(t *testing.T, cfg config.ProviderConfig) *env {
	t.Helper()
	db := dbtest.New(t)
	factory := providers.NewFactory(cfg, zap.NewNop())
	v := validation.NewValidator(zap.NewNop(), nil)
	auditor := audit.NewService(zap.NewNop())
	wallets := wallet.NewService(db, zap.NewNop(), factory, v, auditor)
	txs := transaction.NewService(db, zap.NewNop(), wallets, factory, v, auditor)
	e := &env{
		db:      db,
		wallets: wallets,
		txs:     txs,
		issued:  &issuedLog{},
		user:    providers.UserIdentity{UserID: uuid.New(), Email: "ada@example.com", FirstName: "Ada", LastName: "Obi"},
	}
	e.svc = NewService(db, zap.NewNop(), factory, wallets, txs, v, WithNotifier(e.issued))
	return e
}

func (e *env) fundedWallet(t *testing.T, currency, funds string) *models.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := e.wallets.CreateWallet(ctx, wallet.CreateRequest{User: e.user, Currency: currency})
	require.NoError(t, err)
	_, err = e.txs.InitiateDeposit(ctx, transaction.DepositRequest{
		User:      e.user,
		WalletID:  w.ID,
		Amount:    decimal.RequireFromString(funds),
		Reference: "fund-" + uuid.NewString(),
	})
	require.NoError(t, err)
	return w
}

func (e *env) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	var w models.Wallet
	require.NoError(t, e.db.First(&w, "id = ?", id).Error)
	return w.Balance
}

func (e *env) purchase(t *testing.T, ev *providers.WebhookEvent) (*models.Transaction, error) {
	t.Helper()
	ctx := context.Background()
	hooks := &transaction.Hooks{}
	var out *models.Transaction
	err := database.WithTx(ctx, e.db, func(tx *gorm.DB) error {
		var err error
		out, err = e.svc.ApplyCardEventInTx(ctx, tx, hooks, ev)
		return err
	})
	if err == nil {
		hooks.Run(ctx)
	}
	return out, err
}

func cardEvent(provider, cardID, ref, amount, currency string) *providers.WebhookEvent {
	m := money.MustParse(amount, currency)
	return &providers.WebhookEvent{
		Provider:          provider,
		EventType:         providers.EventCardTransaction,
		ExternalReference: ref,
		ProviderCardID:    cardID,
		Amount:            &m,
		Metadata:          map[string]any{"merchant": "Jumia"},
	}
}

func TestCreateIssuesInternalCard(t *testing.T) {
	e := newEnv(t, internalConfig())
	ctx := context.Background()
	w := e.fundedWallet(t, "USD", "50.00")

	issued, err := e.svc.Create(ctx, CreateRequest{User: e.user, WalletID: w.ID, CardBrand: "Mastercard"})
	require.NoError(t, err)
	assert.Len(t, issued.CardNumber, 16)
	assert.Len(t, issued.CVV, 3)
	assert.Equal(t, issued.CardNumber[12:], issued.Card.Last4)

	c := issued.Card
	assert.Equal(t, providers.NameInternal, c.Provider)
	assert.Equal(t, "virtual", c.CardType)
	assert.Equal(t, "mastercard", c.CardBrand)
	assert.Equal(t, "USD", c.Currency)
	assert.Equal(t, models.CardActive, c.Status)
	assert.Equal(t, "ADA OBI", c.HolderName)

	var stored models.Card
	require.NoError(t, e.db.First(&stored, "id = ?", c.ID).Error)
	assert.NotContains(t, stored.MaskedNumber, issued.CardNumber[:12])
	assert.Equal(t, providers.NameInternal, stored.ProviderMetadata["provider"])
	assert.Equal(t, "0.00", stored.ProviderMetadata["creation_fee"])

	require.Len(t, e.issued.cards, 1)
	assert.Equal(t, c.ID, e.issued.cards[0].ID)

	list, err := e.svc.List(ctx, e.user.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t, internalConfig())
	ctx := context.Background()
	w := e.fundedWallet(t, "USD", "50.00")

	_, err := e.svc.Create(ctx, CreateRequest{User: e.user, WalletID: w.ID, CardType: "metal"})
	assert.True(t, errors.Is(err, errors.ValidationFailed))

	_, err = e.svc.Create(ctx, CreateRequest{User: e.user, WalletID: w.ID, CardBrand: "amex"})
	assert.True(t, errors.Is(err, errors.ValidationFailed))

	stranger := e.user
	stranger.UserID = uuid.New()
	_, err = e.svc.Create(ctx, CreateRequest{User: stranger, WalletID: w.ID})
	assert.True(t, errors.Is(err, errors.NotFound))

	require.NoError(t, e.db.Model(&models.Wallet{}).Where("id = ?", w.ID).Update("status", models.WalletFrozen).Error)
	_, err = e.svc.Create(ctx, CreateRequest{User: e.user, WalletID: w.ID})
	assert.True(t, errors.Is(err, errors.WalletInactive))
	assert.Empty(t, e.issued.cards)
}

func TestCardStatusTransitions(t *testing.T) {
	e := newEnv(t, internalConfig())
	ctx := context.Background()
	w := e.fundedWallet(t, "NGN", "1000.00")
	issued, err := e.svc.Create(ctx, CreateRequest{User: e.user, WalletID: w.ID})
	require.NoError(t, err)
	id := issued.Card.ID

	c, err := e.svc.Freeze(ctx, e.user.UserID, id)
	require.NoError(t, err)
	assert.Equal(t, models.CardFrozen, c.Status)

	c, err = e.svc.Freeze(ctx, e.user.UserID, id)
	require.NoError(t, err)
	assert.Equal(t, models.CardFrozen, c.Status)

	c, err = e.svc.Unfreeze(ctx, e.user.UserID, id)
	require.NoError(t, err)
	assert.Equal(t, models.CardActive, c.Status)

	_, err = e.svc.Block(ctx, uuid.New(), id)
	assert.True(t, errors.Is(err, errors.NotFound))

	c, err = e.svc.Block(ctx, e.user.UserID, id)
	require.NoError(t, err)
	assert.Equal(t, models.CardBlocked, c.Status)

	_, err = e.svc.Unfreeze(ctx, e.user.UserID, id)
	assert.True(t, errors.Is(err, errors.StateTransitionInvalid))
	_, err = e.svc.Freeze(ctx, e.user.UserID, id)
	assert.True(t, errors.Is(err, errors.StateTransitionInvalid))

	stored, err := e.svc.Get(ctx, e.user.UserID, id)
	require.NoError(t, err)
	assert.Equal(t, models.CardBlocked, stored.Status)
}

func TestCardPurchaseDebitsFundingWallet(t *testing.T) {
	e := newEnv(t, internalConfig())
	ctx := context.Background()
	w := e.fundedWallet(t, "USD", "100.00")
	issued, err := e.svc.Create(ctx, CreateRequest{User: e.user, WalletID: w.ID})
	require.NoError(t, err)
	cardID := issued.Card.ProviderCardID

	tx, err := e.purchase(t, cardEvent(providers.NameInternal, cardID, "auth_1", "25.00", "USD"))
	require.NoError(t, err)
	assert.Equal(t, models.TxCardPurchase, tx.Type)
	assert.Equal(t, models.TxCompleted, tx.Status)
	assert.Equal(t, "card:internal:auth_1", tx.Reference)
	assert.Equal(t, "Card purchase at Jumia", tx.Description)
	assert.Equal(t, int64(7500), e.balance(t, w.ID))

	again, err := e.purchase(t, cardEvent(providers.NameInternal, cardID, "auth_1", "25.00", "USD"))
	require.NoError(t, err)
	assert.Equal(t, tx.ID, again.ID)
	assert.Equal(t, int64(7500), e.balance(t, w.ID))

	_, err = e.purchase(t, cardEvent(providers.NameInternal, "int_card_missing", "auth_2", "1.00", "USD"))
	assert.True(t, errors.Is(err, errors.NotFound))

	noAmount := cardEvent(providers.NameInternal, cardID, "auth_3", "1.00", "USD")
	noAmount.Amount = nil
	_, err = e.purchase(t, noAmount)
	assert.True(t, errors.Is(err, errors.ValidationFailed))

	_, err = e.svc.Freeze(ctx, e.user.UserID, issued.Card.ID)
	require.NoError(t, err)
	_, err = e.purchase(t, cardEvent(providers.NameInternal, cardID, "auth_4", "1.00", "USD"))
	assert.True(t, errors.Is(err, errors.StateTransitionInvalid))
	assert.Equal(t, int64(7500), e.balance(t, w.ID))
}

func TestCreationFallsBackToSudo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/customers":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"statusCode": 200, "message": "Customer created.",
				"data": map[string]any{"_id": "cus_1"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/cards":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"statusCode": 200, "message": "Card created.",
				"data": map[string]any{
					"_id": "card_sudo_9", "maskedPan": "506321******4242",
					"expiryMonth": "09", "expiryYear": "2029", "status": "active",
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := internalConfig()
	cfg.UseInternalProvider = false
	cfg.CardTestMode = true
	cfg.SudoTestAPIKey = "sudo_test"
	cfg.SudoBaseURL = srv.URL
	e := newEnv(t, cfg)
	ctx := context.Background()
	w := e.fundedWallet(t, "USD", "100.00")

	issued, err := e.svc.Create(ctx, CreateRequest{User: e.user, WalletID: w.ID})
	require.NoError(t, err)
	assert.Empty(t, issued.CVV)
	c := issued.Card
	assert.Equal(t, providers.NameSudo, c.Provider)
	assert.Equal(t, "card_sudo_9", c.ProviderCardID)
	assert.Equal(t, "**** **** **** 4242", c.MaskedNumber)
	assert.True(t, c.IsTestMode)
	assert.Equal(t, providers.NameSudo, c.ProviderMetadata["provider"])
	assert.Equal(t, "1.00", c.ProviderMetadata["creation_fee"])

	tx, err := e.purchase(t, cardEvent(providers.NameSudo, "card_sudo_9", "sudo_auth_1", "10.00", "USD"))
	require.NoError(t, err)
	assert.Equal(t, int64(15), tx.Fee)
	assert.Equal(t, int64(10000-1015), e.balance(t, w.ID))
}
