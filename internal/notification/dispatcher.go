// Package notification records in-app notifications and fans them out over
// the real-time channel layer, FCM push and email according to each user's
// channel preferences. Security alerts and system announcements ignore those
// preferences.
package notification

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/metrics"
	"github.com/Aidin1998/fincore/pkg/models"
)

const insertBatchSize = 500

type Option func(*Dispatcher)

func WithPusher(p Pusher) Option             { return func(d *Dispatcher) { d.pusher = p } }
func WithMailer(m Mailer) Option             { return func(d *Dispatcher) { d.mailer = m } }
func WithChannelLayer(c ChannelLayer) Option { return func(d *Dispatcher) { d.channels = c } }
func WithTopic(topic string) Option          { return func(d *Dispatcher) { d.topic = topic } }

// Dispatcher creates notifications and delivers them.
type Dispatcher struct {
	db        *gorm.DB
	logger    *zap.Logger
	templates *Templates
	channels  ChannelLayer
	pusher    Pusher
	mailer    Mailer
	topic     string
	now       func() time.Time
}

func NewDispatcher(db *gorm.DB, templates *Templates, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		db:        db,
		logger:    logger.Named("notification"),
		templates: templates,
		channels:  NewMemoryChannelLayer(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Channels exposes the layer sockets subscribe to.
func (d *Dispatcher) Channels() ChannelLayer { return d.channels }

// Request describes one notification. Data feeds the type's template.
type Request struct {
	UserID            uuid.UUID
	Type              models.NotificationType
	Data              map[string]any
	Priority          models.NotificationPriority
	RelatedObjectType string
	RelatedObjectID   string
	ActionData        models.JSONMap
	Metadata          models.JSONMap
	ExpiresAt         *time.Time
}

// BulkRequest sends the same notification to many users.
type BulkRequest struct {
	UserIDs   []uuid.UUID
	Type      models.NotificationType
	Data      map[string]any
	Priority  models.NotificationPriority
	ExpiresAt *time.Time
}

// RealtimeMessage is the JSON frame pushed to sockets.
type RealtimeMessage struct {
	Type         string               `json:"type"`
	Notification *models.Notification `json:"notification,omitempty"`
	UnreadCount  *int64               `json:"unread_count,omitempty"`
	Title        string               `json:"title,omitempty"`
	Message      string               `json:"message,omitempty"`
}

type channelSet struct {
	inApp bool
	push  bool
	email bool
}

func channelsFor(p models.NotificationPreference, t models.NotificationType) channelSet {
	if t.IsMandatory() {
		return channelSet{inApp: true, push: true, email: p.Email != ""}
	}
	return channelSet{inApp: p.InAppEnabled, push: p.PushEnabled, email: p.EmailEnabled && p.Email != ""}
}

func suppressed(p models.NotificationPreference, t models.NotificationType) bool {
	return !t.IsMandatory() && slices.Contains(p.DisabledTypes, string(t))
}

// Create stores and delivers one notification. It returns nil without error
// when the user has switched the type off.
func (d *Dispatcher) Create(ctx context.Context, req Request) (*models.Notification, error) {
	if req.UserID == uuid.Nil {
		return nil, errors.ValidationFailed.Explain("user id is required").WithField("required", "user_id", "user id is required")
	}
	pref, err := d.Preferences(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if suppressed(pref, req.Type) {
		logger.For(ctx, d.logger).Debug("notification type disabled by user",
			zap.String("user_id", req.UserID.String()), zap.String("type", string(req.Type)))
		return nil, nil
	}
	r, err := d.templates.Render(ctx, req.Type, req.Data)
	if err != nil {
		return nil, err
	}
	n := d.build(req.UserID, req.Type, r, req.Priority, req.ExpiresAt)
	n.RelatedObjectType = req.RelatedObjectType
	n.RelatedObjectID = req.RelatedObjectID
	n.ActionData = req.ActionData
	n.Metadata = req.Metadata
	if err := d.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, errors.Internal.Wrap(err)
	}
	d.deliver(ctx, req.Type, r, []*models.Notification{n}, map[uuid.UUID]models.NotificationPreference{req.UserID: pref})
	return n, nil
}

// BulkCreate inserts in batches and delivers with one multicast per FCM
// batch and one status update. It returns the number of notifications
// stored.
func (d *Dispatcher) BulkCreate(ctx context.Context, req BulkRequest) (int, error) {
	users := uniqueIDs(req.UserIDs)
	if len(users) == 0 {
		return 0, nil
	}
	prefs, err := d.preferencesFor(ctx, users)
	if err != nil {
		return 0, err
	}
	r, err := d.templates.Render(ctx, req.Type, req.Data)
	if err != nil {
		return 0, err
	}
	rows := make([]*models.Notification, 0, len(users))
	for _, uid := range users {
		if suppressed(prefs[uid], req.Type) {
			continue
		}
		rows = append(rows, d.build(uid, req.Type, r, req.Priority, req.ExpiresAt))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := d.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return 0, errors.Internal.Wrap(err)
	}
	d.deliver(ctx, req.Type, r, rows, prefs)
	logger.For(ctx, d.logger).Info("bulk notification sent",
		zap.String("type", string(req.Type)), zap.Int("recipients", len(rows)))
	return len(rows), nil
}

// Broadcast sends a transient announcement to every connected socket and
// the global FCM topic. Nothing is stored.
func (d *Dispatcher) Broadcast(ctx context.Context, title, message string) error {
	payload, err := json.Marshal(RealtimeMessage{Type: "broadcast", Title: title, Message: message})
	if err != nil {
		return errors.Internal.Wrap(err)
	}
	if err := d.channels.Send(ctx, BroadcastGroup, payload); err != nil {
		metrics.NotificationsSent.WithLabelValues("websocket", "failed").Inc()
		return errors.Internal.Wrap(err)
	}
	metrics.NotificationsSent.WithLabelValues("websocket", "sent").Inc()
	if d.pusher != nil && d.topic != "" {
		msg := PushMessage{Title: title, Body: message, Data: map[string]string{"notification_type": string(models.NotifySystemAnnouncement)}}
		if err := d.pusher.SendTopic(ctx, d.topic, msg); err != nil {
			metrics.NotificationsSent.WithLabelValues("push", "failed").Inc()
			return err
		}
		metrics.NotificationsSent.WithLabelValues("push", "sent").Inc()
	}
	return nil
}

func (d *Dispatcher) build(userID uuid.UUID, t models.NotificationType, r Rendered, priority models.NotificationPriority, expires *time.Time) *models.Notification {
	if priority == "" {
		priority = r.Priority
	}
	return &models.Notification{
		ID:               uuid.New(),
		UserID:           userID,
		Title:            r.Title,
		Message:          r.Message,
		NotificationType: t,
		Priority:         priority,
		ActionURL:        r.ActionURL,
		ExpiresAt:        expires,
	}
}

// delivered collects notification ids per channel.
type delivered struct {
	websocket []uuid.UUID
	push      []uuid.UUID
	email     []uuid.UUID
}

func (d *Dispatcher) deliver(ctx context.Context, t models.NotificationType, r Rendered, rows []*models.Notification, prefs map[uuid.UUID]models.NotificationPreference) {
	var (
		sent     delivered
		inApp    []*models.Notification
		pushable = map[uuid.UUID]*models.Notification{}
		emails   []*models.Notification
	)
	for _, n := range rows {
		ch := channelsFor(prefs[n.UserID], t)
		if ch.inApp {
			inApp = append(inApp, n)
		}
		if ch.push {
			pushable[n.UserID] = n
		}
		if ch.email {
			emails = append(emails, n)
		}
	}

	sent.websocket = d.sendRealtime(ctx, inApp)
	if d.pusher != nil && len(pushable) > 0 {
		msg := PushMessage{Title: r.Title, Body: r.Message, Data: map[string]string{"notification_type": string(t)}}
		if len(rows) == 1 {
			msg.Data["notification_id"] = rows[0].ID.String()
		}
		sent.push = d.sendPush(ctx, pushable, msg)
	}
	if d.mailer != nil {
		for _, n := range emails {
			if err := d.mailer.Send(ctx, prefs[n.UserID].Email, r.EmailSubject, r.EmailBody); err != nil {
				metrics.NotificationsSent.WithLabelValues("email", "failed").Inc()
				logger.For(ctx, d.logger).Warn("email delivery failed",
					zap.String("notification_id", n.ID.String()), zap.Error(err))
				continue
			}
			metrics.NotificationsSent.WithLabelValues("email", "sent").Inc()
			sent.email = append(sent.email, n.ID)
		}
	}

	if err := d.markSent(ctx, rows, sent); err != nil {
		logger.For(ctx, d.logger).Error("failed to record notification delivery", zap.Error(err))
	}
}

func (d *Dispatcher) sendRealtime(ctx context.Context, rows []*models.Notification) []uuid.UUID {
	if len(rows) == 0 {
		return nil
	}
	users := make([]uuid.UUID, 0, len(rows))
	for _, n := range rows {
		users = append(users, n.UserID)
	}
	counts, err := d.unreadCounts(ctx, users)
	if err != nil {
		logger.For(ctx, d.logger).Warn("unread counts unavailable", zap.Error(err))
	}
	var ids []uuid.UUID
	for _, n := range rows {
		count := counts[n.UserID]
		payload, err := json.Marshal(RealtimeMessage{Type: "notification", Notification: n, UnreadCount: &count})
		if err != nil {
			continue
		}
		if err := d.channels.Send(ctx, UserGroup(n.UserID), payload); err != nil {
			metrics.NotificationsSent.WithLabelValues("websocket", "failed").Inc()
			logger.For(ctx, d.logger).Warn("realtime delivery failed",
				zap.String("notification_id", n.ID.String()), zap.Error(err))
			continue
		}
		metrics.NotificationsSent.WithLabelValues("websocket", "sent").Inc()
		ids = append(ids, n.ID)
	}
	return ids
}

// sendPush multicasts to every active device of the given users, disables
// tokens FCM rejected in one statement, and returns the ids of the
// notifications that reached at least one device.
func (d *Dispatcher) sendPush(ctx context.Context, byUser map[uuid.UUID]*models.Notification, msg PushMessage) []uuid.UUID {
	users := make([]uuid.UUID, 0, len(byUser))
	for uid := range byUser {
		users = append(users, uid)
	}
	var devices []models.DeviceToken
	if err := d.db.WithContext(ctx).Where("user_id IN ? AND is_active = ?", users, true).Find(&devices).Error; err != nil {
		logger.For(ctx, d.logger).Warn("device lookup failed", zap.Error(err))
		return nil
	}
	if len(devices) == 0 {
		return nil
	}
	owner := make(map[string]uuid.UUID, len(devices))
	tokens := make([]string, 0, len(devices))
	for _, dt := range devices {
		owner[dt.Token] = dt.UserID
		tokens = append(tokens, dt.Token)
	}

	res, err := multicast(ctx, d.pusher, tokens, msg)
	if err != nil {
		logger.For(ctx, d.logger).Warn("push delivery failed", zap.Error(err))
	}
	db := d.db.WithContext(ctx).Model(&models.DeviceToken{})
	if len(res.InvalidTokens) > 0 {
		if err := db.Where("token IN ?", res.InvalidTokens).Update("is_active", false).Error; err != nil {
			logger.For(ctx, d.logger).Warn("failed to deactivate device tokens", zap.Error(err))
		} else {
			logger.For(ctx, d.logger).Info("deactivated device tokens", zap.Int("count", len(res.InvalidTokens)))
		}
	}
	if len(res.Delivered) > 0 {
		now := d.now()
		_ = d.db.WithContext(ctx).Model(&models.DeviceToken{}).Where("token IN ?", res.Delivered).Update("last_used_at", &now).Error
	}
	metrics.NotificationsSent.WithLabelValues("push", "sent").Add(float64(len(res.Delivered)))
	metrics.NotificationsSent.WithLabelValues("push", "failed").Add(float64(res.Failures))

	seen := map[uuid.UUID]bool{}
	var ids []uuid.UUID
	for _, tok := range res.Delivered {
		uid := owner[tok]
		if seen[uid] {
			continue
		}
		seen[uid] = true
		if n := byUser[uid]; n != nil {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// markSent sets the per-channel flags of every row in one UPDATE.
func (d *Dispatcher) markSent(ctx context.Context, rows []*models.Notification, sent delivered) error {
	now := d.now()
	updates := map[string]any{}
	set := func(ids []uuid.UUID, flag, at string, apply func(*models.Notification)) {
		if len(ids) == 0 {
			return
		}
		updates[flag] = gorm.Expr("CASE WHEN id IN ? THEN ? ELSE "+flag+" END", ids, true)
		updates[at] = gorm.Expr("CASE WHEN id IN ? THEN ? ELSE "+at+" END", ids, now)
		for _, n := range rows {
			if slices.Contains(ids, n.ID) {
				apply(n)
			}
		}
	}
	set(sent.websocket, "sent_via_websocket", "websocket_sent_at", func(n *models.Notification) {
		n.SentViaWebsocket, n.WebsocketSentAt = true, &now
	})
	set(sent.push, "sent_via_push", "push_sent_at", func(n *models.Notification) {
		n.SentViaPush, n.PushSentAt = true, &now
	})
	set(sent.email, "sent_via_email", "email_sent_at", func(n *models.Notification) {
		n.SentViaEmail, n.EmailSentAt = true, &now
	})
	if len(updates) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(rows))
	for _, n := range rows {
		ids = append(ids, n.ID)
	}
	return d.db.WithContext(ctx).Model(&models.Notification{}).Where("id IN ?", ids).Updates(updates).Error
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
