package kyc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/database/dbtest"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/validation"
)

const onfidoWebhookToken = "onfido-webhook-token"

type recordingNotifier struct {
	mu       sync.Mutex
	approved []uuid.UUID
	rejected []uuid.UUID
}

func (n *recordingNotifier) KYCApproved(_ context.Context, v *models.KYCVerification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approved = append(n.approved, v.ID)
}

func (n *recordingNotifier) KYCRejected(_ context.Context, v *models.KYCVerification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, v.ID)
}

// onfidoServer answers applicant and check creation.
func onfidoServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token token=onfido-api" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/applicants":
			_, _ = w.Write([]byte(`{"id":"applicant-1"}`))
		case "/checks":
			_, _ = w.Write([]byte(`{"id":"check-1","status":"in_progress"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type env struct {
	db       *gorm.DB
	svc      *Service
	notifier *recordingNotifier
}

func newEnv(t *testing.T, status int, opts ...Option) *env {
	t.Helper()
	db := dbtest.New(t)
	srv := onfidoServer(t, status)
	onfido := NewOnfidoProvider("onfido-api", onfidoWebhookToken, srv.URL, time.Second, zap.NewNop())
	p := NewProvidersFrom(onfido, NewMockProvider("mock-secret"))
	n := &recordingNotifier{}
	opts = append([]Option{WithNotifier(n)}, opts...)
	svc := NewService(db, zap.NewNop(), p, validation.NewValidator(zap.NewNop(), nil), audit.NewService(zap.NewNop()), opts...)
	return &env{db: db, svc: svc, notifier: n}
}

func submitRequest(userID uuid.UUID) SubmitRequest {
	dob := time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC)
	return SubmitRequest{
		UserID:      userID,
		FirstName:   "Ada",
		LastName:    "Obi",
		DateOfBirth: &dob,
		Nationality: "ng",
		Email:       "ada@example.com",
		Documents: []Document{
			{Type: "passport", FileName: "passport.jpg", ContentType: "image/jpeg", Content: []byte("jpeg")},
		},
	}
}

func onfidoCallback(t *testing.T, checkID, result string, fraud float64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"payload": map[string]any{
			"resource_type": "check",
			"action":        "check.completed",
			"object": map[string]any{
				"id":          checkID,
				"status":      "complete",
				"result":      result,
				"fraud_score": fraud,
			},
		},
	})
	require.NoError(t, err)
	return body
}

func TestOnfidoClearCallbackApproves(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()
	userID := uuid.New()

	v, err := e.svc.Submit(ctx, submitRequest(userID))
	require.NoError(t, err)
	assert.Equal(t, models.KYCUnderReview, v.Status)
	assert.Equal(t, "check-1", v.ProviderReferenceID)
	assert.Equal(t, NameOnfido, v.ProviderName)
	assert.Equal(t, "NG", v.Nationality)
	require.NotNil(t, v.SubmittedAt)

	payload := onfidoCallback(t, "check-1", "clear", 0.1)
	_, err = e.svc.HandleWebhook(ctx, NameOnfido, payload, "bad")
	assert.ErrorIs(t, err, errors.SignatureInvalid)

	sig := providers.SignSHA256(onfidoWebhookToken, payload)
	for i := 0; i < 2; i++ {
		got, err := e.svc.HandleWebhook(ctx, NameOnfido, payload, sig)
		require.NoError(t, err)
		assert.Equal(t, models.KYCApproved, got.Status)
		assert.Equal(t, models.RiskLow, got.RiskLevel)
		require.NotNil(t, got.ReviewedAt)
		require.NotNil(t, got.ExpiresAt)
	}

	checks, err := e.svc.AMLChecks(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, checks, 1, "a replayed callback adds no screening")
	assert.True(t, checks[0].Passed)
	assert.Equal(t, models.RiskLow, checks[0].RiskLevel)
	assert.InDelta(t, 0.1, checks[0].FraudScore, 1e-9)
	assert.Equal(t, []uuid.UUID{v.ID}, e.notifier.approved)

	tier, err := e.svc.CurrentTier(ctx, e.db, userID)
	require.NoError(t, err)
	assert.Equal(t, wallet.TierLow, tier)

	_, err = e.svc.Submit(ctx, submitRequest(userID))
	assert.ErrorIs(t, err, errors.StateTransitionInvalid)
}

func TestCallbackOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		result   string
		fraud    float64
		want     models.KYCStatus
		wantRisk models.RiskLevel
	}{
		{"consider goes to manual review", "consider", 0.2, models.KYCUnderReview, models.RiskMedium},
		{"rejected", "rejected", 0.0, models.KYCRejected, models.RiskHigh},
		{"clear but fraudulent", "clear", 0.9, models.KYCUnderReview, models.RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, http.StatusOK)
			ctx := context.Background()
			v, err := e.svc.Submit(ctx, submitRequest(uuid.New()))
			require.NoError(t, err)

			payload := onfidoCallback(t, v.ProviderReferenceID, tt.result, tt.fraud)
			got, err := e.svc.HandleWebhook(ctx, NameOnfido, payload, providers.SignSHA256(onfidoWebhookToken, payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.wantRisk, got.RiskLevel)
		})
	}
}

func TestWatchlistHitNeedsManualReview(t *testing.T) {
	e := newEnv(t, http.StatusOK, WithScorer(NewRiskScorer([]string{"ADA  OBI-"})))
	ctx := context.Background()
	v, err := e.svc.Submit(ctx, submitRequest(uuid.New()))
	require.NoError(t, err)

	payload := onfidoCallback(t, v.ProviderReferenceID, "clear", 0.05)
	got, err := e.svc.HandleWebhook(ctx, NameOnfido, payload, providers.SignSHA256(onfidoWebhookToken, payload))
	require.NoError(t, err)
	assert.Equal(t, models.KYCUnderReview, got.Status)

	checks, err := e.svc.AMLChecks(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].WatchlistHit)
	assert.Equal(t, "ada obi", checks[0].MatchedName)
	assert.False(t, checks[0].Passed)
}

func TestProviderOutageQueuesManualReview(t *testing.T) {
	e := newEnv(t, http.StatusServiceUnavailable)
	v, err := e.svc.Submit(context.Background(), submitRequest(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, models.KYCUnderReview, v.Status)
	assert.Equal(t, "manual", v.VerificationMethod)
	assert.Empty(t, v.ProviderReferenceID)

	pending, err := e.svc.ListForReview(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProviderRejectionIsTerminal(t *testing.T) {
	e := newEnv(t, http.StatusUnprocessableEntity)
	userID := uuid.New()
	_, err := e.svc.Submit(context.Background(), submitRequest(userID))
	assert.ErrorIs(t, err, errors.ProviderRejected)

	latest, err := e.svc.Latest(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCRejected, latest.Status)
	assert.NotEmpty(t, latest.RejectionReason)
}

func TestManualReview(t *testing.T) {
	e := newEnv(t, http.StatusServiceUnavailable)
	ctx := context.Background()
	v, err := e.svc.Submit(ctx, submitRequest(uuid.New()))
	require.NoError(t, err)

	_, err = e.svc.Approve(ctx, audit.Actor{ID: v.UserID, Role: audit.RoleUser}, v.ID, "looks fine")
	assert.ErrorIs(t, err, errors.Unauthorized)

	admin := audit.Actor{ID: uuid.New(), Role: audit.RoleAdmin}
	_, err = e.svc.Reject(ctx, admin, v.ID, "")
	assert.Equal(t, "reason_required", errors.RuleOf(err))

	got, err := e.svc.Reject(ctx, admin, v.ID, "document unreadable")
	require.NoError(t, err)
	assert.Equal(t, models.KYCRejected, got.Status)
	assert.Equal(t, "document unreadable", got.RejectionReason)
	require.NotNil(t, got.ReviewedBy)
	assert.Equal(t, admin.ID, *got.ReviewedBy)
	assert.Equal(t, []uuid.UUID{v.ID}, e.notifier.rejected)

	_, err = e.svc.Approve(ctx, admin, v.ID, "changed my mind")
	assert.ErrorIs(t, err, errors.StateTransitionInvalid)

	entries, err := audit.NewService(zap.NewNop()).List(ctx, e.db, "kyc_verification", v.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionKYCReject, entries[0].Action)
}

func TestApprovalExpires(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	e := newEnv(t, http.StatusServiceUnavailable, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	v, err := e.svc.Submit(ctx, submitRequest(uuid.New()))
	require.NoError(t, err)

	admin := audit.Actor{ID: uuid.New(), Role: audit.RoleAdmin}
	approved, err := e.svc.Approve(ctx, admin, v.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RiskLow, approved.RiskLevel)

	n, err := e.svc.Expire(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	later := now.Add(defaultValidity + time.Hour)
	n, err = e.svc.Expire(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = later
	tier, err := e.svc.CurrentTier(ctx, e.db, v.UserID)
	require.NoError(t, err)
	assert.Equal(t, wallet.TierUnverified, tier)
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	req := submitRequest(uuid.New())
	req.Documents = nil
	_, err := e.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, errors.ValidationFailed)

	req = submitRequest(uuid.New())
	req.Documents[0].ContentType = "text/html"
	_, err = e.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, errors.ValidationFailed)
}

func TestMockProviderCallback(t *testing.T) {
	e := newEnv(t, http.StatusOK)
	ctx := context.Background()
	mock, ok := e.svc.Providers().ByName(NameMock)
	require.True(t, ok)

	v := &models.KYCVerification{
		ID: uuid.New(), UserID: uuid.New(), FirstName: "Chidi", LastName: "Eze",
		Status: models.KYCUnderReview, ProviderName: NameMock,
	}
	sub, err := mock.Submit(ctx, v, nil)
	require.NoError(t, err)
	v.ProviderReferenceID = sub.ReferenceID
	require.NoError(t, e.db.Create(v).Error)

	payload := []byte(`{"event_id":"evt-1","reference_id":"` + sub.ReferenceID + `","result":"clear","fraud_score":0.02}`)
	got, err := e.svc.HandleWebhook(ctx, NameMock, payload, providers.SignSHA256("mock-secret", payload))
	require.NoError(t, err)
	assert.Equal(t, models.KYCApproved, got.Status)
}
