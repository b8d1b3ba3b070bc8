package notification

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListFilter pages through a user's notifications, newest first.
type ListFilter struct {
	UnreadOnly bool
	Type       models.NotificationType
	Limit      int
	Offset     int
}

// List returns unexpired notifications and the total matching count.
func (d *Dispatcher) List(ctx context.Context, userID uuid.UUID, f ListFilter) ([]models.Notification, int64, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	f.Limit = min(f.Limit, maxPageSize)
	q := d.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ?", userID).
		Where("(expires_at IS NULL OR expires_at > ?)", d.now())
	if f.UnreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if f.Type != "" {
		q = q.Where("notification_type = ?", f.Type)
	}
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, errors.Internal.Wrap(err)
	}
	var out []models.Notification
	if err := q.Order("created_at DESC").Limit(f.Limit).Offset(f.Offset).Find(&out).Error; err != nil {
		return nil, 0, errors.Internal.Wrap(err)
	}
	return out, total, nil
}

// MarkRead marks one of the user's notifications read.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error) {
	var n models.Notification
	err := d.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error
	if database.IsNotFound(err) {
		return nil, errors.NotFound.Explain("notification %s not found", id)
	}
	if err != nil {
		return nil, errors.Internal.Wrap(err)
	}
	if n.IsRead {
		return &n, nil
	}
	now := d.now()
	if err := d.db.WithContext(ctx).Model(&n).Updates(map[string]any{"is_read": true, "read_at": now}).Error; err != nil {
		return nil, errors.Internal.Wrap(err)
	}
	n.IsRead, n.ReadAt = true, &now
	return &n, nil
}

// MarkAllRead marks every unread notification read and returns how many
// changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	res := d.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "read_at": d.now()})
	if res.Error != nil {
		return 0, errors.Internal.Wrap(res.Error)
	}
	return res.RowsAffected, nil
}

func (d *Dispatcher) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	counts, err := d.unreadCounts(ctx, []uuid.UUID{userID})
	if err != nil {
		return 0, err
	}
	return counts[userID], nil
}

func (d *Dispatcher) unreadCounts(ctx context.Context, users []uuid.UUID) (map[uuid.UUID]int64, error) {
	var rows []struct {
		UserID uuid.UUID
		Total  int64
	}
	err := d.db.WithContext(ctx).Model(&models.Notification{}).
		Select("user_id, COUNT(*) AS total").
		Where("user_id IN ? AND is_read = ?", users, false).
		Where("(expires_at IS NULL OR expires_at > ?)", d.now()).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return map[uuid.UUID]int64{}, errors.Internal.Wrap(err)
	}
	out := make(map[uuid.UUID]int64, len(rows))
	for _, r := range rows {
		out[r.UserID] = r.Total
	}
	return out, nil
}

// Preferences returns the stored preferences or the defaults.
func (d *Dispatcher) Preferences(ctx context.Context, userID uuid.UUID) (models.NotificationPreference, error) {
	var p models.NotificationPreference
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if database.IsNotFound(err) {
		return models.DefaultPreference(userID), nil
	}
	if err != nil {
		return p, errors.Internal.Wrap(err)
	}
	return p, nil
}

func (d *Dispatcher) preferencesFor(ctx context.Context, users []uuid.UUID) (map[uuid.UUID]models.NotificationPreference, error) {
	var rows []models.NotificationPreference
	if err := d.db.WithContext(ctx).Where("user_id IN ?", users).Find(&rows).Error; err != nil {
		return nil, errors.Internal.Wrap(err)
	}
	out := make(map[uuid.UUID]models.NotificationPreference, len(users))
	for _, uid := range users {
		out[uid] = models.DefaultPreference(uid)
	}
	for _, p := range rows {
		out[p.UserID] = p
	}
	return out, nil
}

// PreferenceUpdate changes only the fields that are set.
type PreferenceUpdate struct {
	InAppEnabled  *bool    `json:"in_app_enabled"`
	PushEnabled   *bool    `json:"push_enabled"`
	EmailEnabled  *bool    `json:"email_enabled"`
	Email         *string  `json:"email"`
	DisabledTypes []string `json:"disabled_types"`
}

// SetPreferences merges u into the user's preferences.
func (d *Dispatcher) SetPreferences(ctx context.Context, userID uuid.UUID, u PreferenceUpdate) (models.NotificationPreference, error) {
	p, err := d.Preferences(ctx, userID)
	if err != nil {
		return p, err
	}
	if u.InAppEnabled != nil {
		p.InAppEnabled = *u.InAppEnabled
	}
	if u.PushEnabled != nil {
		p.PushEnabled = *u.PushEnabled
	}
	if u.EmailEnabled != nil {
		p.EmailEnabled = *u.EmailEnabled
	}
	if u.Email != nil {
		addr := strings.TrimSpace(*u.Email)
		if addr != "" {
			parsed, err := mail.ParseAddress(addr)
			if err != nil || parsed.Address != addr {
				return p, errors.ValidationFailed.Explain("invalid email address").
					WithField("email_format", "email", "invalid email address")
			}
		}
		p.Email = addr
	}
	if u.DisabledTypes != nil {
		types := make(models.StringArray, 0, len(u.DisabledTypes))
		for _, t := range u.DisabledTypes {
			nt := models.NotificationType(strings.ToUpper(strings.TrimSpace(t)))
			if nt.IsMandatory() {
				return p, errors.ValidationFailed.Explain("%s notifications cannot be disabled", nt).
					WithField("mandatory_type", "disabled_types", "mandatory notification types cannot be disabled")
			}
			if _, err := d.templates.Lookup(ctx, nt); err != nil {
				return p, errors.ValidationFailed.Explain("unknown notification type %q", t).
					WithField("unknown_type", "disabled_types", "unknown notification type")
			}
			types = append(types, string(nt))
		}
		p.DisabledTypes = types
	}
	if p.EmailEnabled && p.Email == "" {
		return p, errors.ValidationFailed.Explain("an email address is required to enable email").
			WithField("required", "email", "email is required when email notifications are enabled")
	}
	p.UserID = userID
	p.UpdatedAt = d.now()
	if err := d.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&p).Error; err != nil {
		return p, errors.Internal.Wrap(err)
	}
	return p, nil
}

var platforms = map[string]bool{"ios": true, "android": true, "web": true}

// RegisterDevice stores an FCM token for the user. A token seen before is
// moved to the user and reactivated.
func (d *Dispatcher) RegisterDevice(ctx context.Context, userID uuid.UUID, token, platform string) (*models.DeviceToken, error) {
	token = strings.TrimSpace(token)
	platform = strings.ToLower(strings.TrimSpace(platform))
	if token == "" || len(token) > 512 {
		return nil, errors.ValidationFailed.Explain("invalid device token").WithField("token_format", "token", "token must be 1-512 characters")
	}
	if !platforms[platform] {
		return nil, errors.ValidationFailed.Explain("unsupported platform %q", platform).
			WithField("platform", "platform", "platform must be ios, android or web")
	}
	now := d.now()
	dt := &models.DeviceToken{ID: uuid.New(), UserID: userID, Token: token, Platform: platform, IsActive: true, LastUsedAt: &now}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform", "is_active", "last_used_at", "updated_at"}),
	}).Create(dt).Error
	if err != nil {
		return nil, errors.Internal.Wrap(err)
	}
	var stored models.DeviceToken
	if err := d.db.WithContext(ctx).Where("token = ?", token).First(&stored).Error; err != nil {
		return nil, errors.Internal.Wrap(err)
	}
	logger.For(ctx, d.logger).Info("device registered", zap.String("user_id", userID.String()), zap.String("platform", platform))
	return &stored, nil
}

// UnregisterDevice deactivates one of the user's tokens.
func (d *Dispatcher) UnregisterDevice(ctx context.Context, userID uuid.UUID, token string) error {
	res := d.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("user_id = ? AND token = ?", userID, token).
		Update("is_active", false)
	if res.Error != nil {
		return errors.Internal.Wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NotFound.Explain("device token not found")
	}
	return nil
}

// PurgeOlderThan deletes notifications created before cutoff along with
// any that already expired.
func (d *Dispatcher) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Where("created_at < ? OR (expires_at IS NOT NULL AND expires_at < ?)", cutoff, d.now()).
		Delete(&models.Notification{})
	if res.Error != nil {
		return 0, errors.Internal.Wrap(res.Error)
	}
	return res.RowsAffected, nil
}
