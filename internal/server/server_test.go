package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/auth"
	"github.com/Aidin1998/fincore/internal/cache"
	"github.com/Aidin1998/fincore/internal/config"
	"github.com/Aidin1998/fincore/internal/database/dbtest"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	router  *gin.Engine
	tokens  *auth.Tokens
	wallets *wallet.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.New(t)
	factory := providers.NewFactory(config.ProviderConfig{
		UseInternalProvider: true,
		InternalDepositSync: true,
		ProviderHTTPTimeout: time.Second,
	}, zap.NewNop())
	v := validation.NewValidator(zap.NewNop(), nil)
	auditor := audit.NewService(zap.NewNop())
	wallets := wallet.NewService(db, zap.NewNop(), factory, v, auditor)
	txs := transaction.NewService(db, zap.NewNop(), wallets, factory, v, auditor)
	tokens := auth.NewTokens("test-secret", time.Hour)

	srv := NewServer(zap.NewNop(), Deps{
		Tokens:       tokens,
		Wallets:      wallets,
		Transactions: txs,
		Cache:        cache.NewMemoryStore(),
	})
	return &env{router: srv.Router(), tokens: tokens, wallets: wallets}
}

func (e *env) token(t *testing.T, user providers.UserIdentity, role string) string {
	t.Helper()
	signed, err := e.tokens.Issue(auth.Identity{User: user, Role: role})
	require.NoError(t, err)
	return signed
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func user(name string) providers.UserIdentity {
	return providers.UserIdentity{UserID: uuid.New(), Email: name + "@example.com", FirstName: name, LastName: "Test"}
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestMissingTokenIsAProblem(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	body := decodeInto[map[string]any](t, rec)
	assert.Equal(t, "https://api.fincore.io/problems/unauthorized", body["type"])
	assert.Equal(t, "req-123", body["trace_id"])
	assert.Equal(t, "/api/v1/wallets", body["instance"])
}

func TestWalletFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	ada, bola := user("ada"), user("bola")
	adaToken := e.token(t, ada, "")

	rec := e.do(t, http.MethodPost, "/api/v1/wallets", adaToken, map[string]any{"currency": "USD"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	from := decodeInto[models.Wallet](t, rec)

	to, err := e.wallets.CreateWallet(context.Background(), wallet.CreateRequest{User: bola, Currency: "USD"})
	require.NoError(t, err)

	rec = e.do(t, http.MethodPost, "/api/v1/deposits", adaToken, map[string]any{
		"wallet_id": from.ID, "amount": "100.00", "reference": "dep-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	path := "/api/v1/wallets/" + from.ID.String()
	rec = e.do(t, http.MethodGet, path, adaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, int64(10000), decodeInto[models.Wallet](t, rec).Balance)

	rec = e.do(t, http.MethodGet, path, adaToken, nil)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, int64(10000), decodeInto[models.Wallet](t, rec).Balance)

	rec = e.do(t, http.MethodPost, "/api/v1/transfers", adaToken, map[string]any{
		"from_wallet_id": from.ID, "to_wallet_id": to.ID, "amount": "40.00", "reference": "tr-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, path, adaToken, nil)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, int64(6000), decodeInto[models.Wallet](t, rec).Balance)

	rec = e.do(t, http.MethodPost, "/api/v1/transfers", adaToken, map[string]any{
		"from_wallet_id": from.ID, "to_wallet_id": to.ID, "amount": "500.00", "reference": "tr-2",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "https://api.fincore.io/problems/insufficient-funds", decodeInto[map[string]any](t, rec)["type"])

	rec = e.do(t, http.MethodGet, "/api/v1/wallets/"+from.ID.String()+"/transactions", adaToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeInto[struct {
		Items []models.Transaction `json:"items"`
		Total int64                `json:"total"`
	}](t, rec)
	assert.Equal(t, int64(2), page.Total)

	// another user cannot read the wallet
	rec = e.do(t, http.MethodGet, path, e.token(t, bola, ""), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedInput(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, user("ada"), "")

	rec := e.do(t, http.MethodGet, "/api/v1/wallets/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	out := httptest.NewRecorder()
	e.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestAdminRoutesNeedAdminRole(t *testing.T) {
	e := newEnv(t)
	owner := user("ada")
	w, err := e.wallets.CreateWallet(context.Background(), wallet.CreateRequest{User: owner, Currency: "USD"})
	require.NoError(t, err)
	path := "/api/v1/admin/wallets/" + w.ID.String() + "/replay"

	rec := e.do(t, http.MethodGet, path, e.token(t, owner, audit.RoleUser), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, path, e.token(t, user("ops"), audit.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeInto[transaction.ReplayResult](t, rec)
	assert.True(t, res.Consistent)
	assert.Equal(t, w.ID, res.WalletID)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", "", nil).Code)
	rec := e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fincore_")
}
