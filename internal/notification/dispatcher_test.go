package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database/dbtest"
	"github.com/Aidin1998/fincore/pkg/models"
)

type fakePusher struct {
	mu      sync.Mutex
	batches [][]string
	topics  []string
	invalid map[string]bool
}

func (f *fakePusher) SendMulticast(_ context.Context, tokens []string, _ PushMessage) (PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, slices.Clone(tokens))
	var r PushResult
	for _, tok := range tokens {
		if f.invalid[tok] {
			r.InvalidTokens = append(r.InvalidTokens, tok)
			r.Failures++
			continue
		}
		r.Delivered = append(r.Delivered, tok)
	}
	return r, nil
}

func (f *fakePusher) SendTopic(_ context.Context, topic string, _ PushMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

type sentMail struct{ to, subject, body string }

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

type env struct {
	d      *Dispatcher
	db     *gorm.DB
	pusher *fakePusher
	mailer *fakeMailer
	layer  *MemoryChannelLayer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.New(t)
	templates, err := NewTemplates(db)
	require.NoError(t, err)
	e := &env{
		db:     db,
		pusher: &fakePusher{invalid: map[string]bool{}},
		mailer: &fakeMailer{},
		layer:  NewMemoryChannelLayer(),
	}
	e.d = NewDispatcher(db, templates, zap.NewNop(),
		WithPusher(e.pusher), WithMailer(e.mailer), WithChannelLayer(e.layer), WithTopic("all-users"))
	return e
}

func (e *env) subscribe(t *testing.T, group string) Subscription {
	t.Helper()
	sub, err := e.layer.Subscribe(context.Background(), group)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func (e *env) device(t *testing.T, userID uuid.UUID, token string) {
	t.Helper()
	_, err := e.d.RegisterDevice(context.Background(), userID, token, "android")
	require.NoError(t, err)
}

func (e *env) reload(t *testing.T, id uuid.UUID) models.Notification {
	t.Helper()
	var n models.Notification
	require.NoError(t, e.db.First(&n, "id = ?", id).Error)
	return n
}

func receive(t *testing.T, sub Subscription) RealtimeMessage {
	t.Helper()
	select {
	case got := <-sub.Messages():
		var m RealtimeMessage
		require.NoError(t, json.Unmarshal(got.Payload, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("no realtime message")
		return RealtimeMessage{}
	}
}

func assertNoMessage(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case got := <-sub.Messages():
		t.Fatalf("unexpected message on %s", got.Group)
	default:
	}
}

func boolPtr(b bool) *bool                 { return &b }
func strPtr(s string) *string              { return &s }
func userList(ns ...uuid.UUID) []uuid.UUID { return ns }

func TestCreateDeliversOverEveryEnabledChannel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	_, err := e.d.SetPreferences(ctx, user, PreferenceUpdate{EmailEnabled: boolPtr(true), Email: strPtr("ada@example.com")})
	require.NoError(t, err)
	e.device(t, user, "tok-good")
	e.device(t, user, "tok-stale")
	e.pusher.invalid["tok-stale"] = true
	sub := e.subscribe(t, UserGroup(user))

	n, err := e.d.Create(ctx, Request{
		UserID: user,
		Type:   models.NotifyPaymentReceived,
		Data:   map[string]any{"amount": "₦500.00", "sender": "JOHN DOE", "transaction_id": "tx-1", "reference": "R1"},
	})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "Payment received", n.Title)
	assert.Equal(t, "You received ₦500.00 from JOHN DOE.", n.Message)
	assert.Equal(t, "/transactions/tx-1", n.ActionURL)
	assert.Equal(t, models.PriorityNormal, n.Priority)

	msg := receive(t, sub)
	assert.Equal(t, "notification", msg.Type)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, n.ID, msg.Notification.ID)
	require.NotNil(t, msg.UnreadCount)
	assert.EqualValues(t, 1, *msg.UnreadCount)

	require.Len(t, e.pusher.batches, 1)
	assert.ElementsMatch(t, []string{"tok-good", "tok-stale"}, e.pusher.batches[0])
	var stale models.DeviceToken
	require.NoError(t, e.db.First(&stale, "token = ?", "tok-stale").Error)
	assert.False(t, stale.IsActive)

	require.Len(t, e.mailer.sent, 1)
	assert.Equal(t, "ada@example.com", e.mailer.sent[0].to)
	assert.Equal(t, "You received ₦500.00", e.mailer.sent[0].subject)

	stored := e.reload(t, n.ID)
	assert.True(t, stored.SentViaWebsocket)
	assert.True(t, stored.SentViaPush)
	assert.True(t, stored.SentViaEmail)
	assert.NotNil(t, stored.WebsocketSentAt)
	assert.NotNil(t, stored.PushSentAt)
	assert.NotNil(t, stored.EmailSentAt)
}

func TestPreferencesGateChannels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	_, err := e.d.SetPreferences(ctx, user, PreferenceUpdate{InAppEnabled: boolPtr(false), PushEnabled: boolPtr(false)})
	require.NoError(t, err)
	e.device(t, user, "tok-1")
	sub := e.subscribe(t, UserGroup(user))

	n, err := e.d.Create(ctx, Request{UserID: user, Type: models.NotifyWalletCreated, Data: map[string]any{"currency": "NGN", "wallet_name": "Main"}})
	require.NoError(t, err)
	require.NotNil(t, n)
	assertNoMessage(t, sub)
	assert.Empty(t, e.pusher.batches)
	assert.Empty(t, e.mailer.sent)

	stored := e.reload(t, n.ID)
	assert.False(t, stored.SentViaWebsocket)
	assert.False(t, stored.SentViaPush)
	assert.Nil(t, stored.PushSentAt)

	// Security alerts ignore the switches.
	alert, err := e.d.Create(ctx, Request{UserID: user, Type: models.NotifySecurityAlert, Data: map[string]any{"title": "PIN changed", "message": "Your PIN was changed."}})
	require.NoError(t, err)
	assert.Equal(t, "PIN changed", alert.Title)
	assert.Equal(t, models.PriorityUrgent, alert.Priority)
	assert.Equal(t, alert.ID, receive(t, sub).Notification.ID)
	assert.Len(t, e.pusher.batches, 1)
}

func TestDisabledTypeIsNotStored(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := uuid.New()
	_, err := e.d.SetPreferences(ctx, user, PreferenceUpdate{DisabledTypes: []string{"wallet_created"}})
	require.NoError(t, err)

	n, err := e.d.Create(ctx, Request{UserID: user, Type: models.NotifyWalletCreated})
	require.NoError(t, err)
	assert.Nil(t, n)

	var count int64
	require.NoError(t, e.db.Model(&models.Notification{}).Where("user_id = ?", user).Count(&count).Error)
	assert.Zero(t, count)
}

func TestBulkCreateBatchesPushAndSkipsDisabledUsers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	heavy, light, none, optedOut := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	tokens := make([]models.DeviceToken, 0, 600)
	for i := 0; i < 600; i++ {
		tokens = append(tokens, models.DeviceToken{ID: uuid.New(), UserID: heavy, Token: fmt.Sprintf("heavy-%03d", i), Platform: "ios", IsActive: true})
	}
	require.NoError(t, e.db.CreateInBatches(tokens, 200).Error)
	e.device(t, light, "light-1")
	e.device(t, optedOut, "opted-out-1")
	_, err := e.d.SetPreferences(ctx, optedOut, PreferenceUpdate{DisabledTypes: []string{string(models.NotifyCardCreated)}})
	require.NoError(t, err)

	stored, err := e.d.BulkCreate(ctx, BulkRequest{
		UserIDs: userList(heavy, light, none, optedOut, heavy),
		Type:    models.NotifyCardCreated,
		Data:    map[string]any{"card_brand": "Verve", "last4": "4242", "card_id": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stored)

	sizes := []int{}
	for _, b := range e.pusher.batches {
		sizes = append(sizes, len(b))
	}
	assert.ElementsMatch(t, []int{500, 101}, sizes)

	var rows []models.Notification
	require.NoError(t, e.db.Order("user_id").Find(&rows).Error)
	require.Len(t, rows, 3)
	for _, n := range rows {
		assert.Equal(t, "Your Verve card ending 4242 is ready.", n.Message)
		assert.Equal(t, n.UserID != none, n.SentViaPush, "push flag for %s", n.UserID)
	}
}

func TestBroadcastReachesSocketsAndTopic(t *testing.T) {
	e := newEnv(t)
	sub := e.subscribe(t, BroadcastGroup)

	require.NoError(t, e.d.Broadcast(context.Background(), "Maintenance", "Transfers pause at 02:00 UTC."))
	msg := receive(t, sub)
	assert.Equal(t, "broadcast", msg.Type)
	assert.Equal(t, "Maintenance", msg.Title)
	assert.Equal(t, []string{"all-users"}, e.pusher.topics)
}

func TestCreateRequiresUser(t *testing.T) {
	e := newEnv(t)
	_, err := e.d.Create(context.Background(), Request{Type: models.NotifyWalletCreated})
	assert.Error(t, err)
}
