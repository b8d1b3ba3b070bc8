package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotifyPaymentReceived        NotificationType = "PAYMENT_RECEIVED"
	NotifyTransferCompleted      NotificationType = "TRANSFER_COMPLETED"
	NotifyDepositFailed          NotificationType = "DEPOSIT_FAILED"
	NotifyWithdrawalCompleted    NotificationType = "WITHDRAWAL_COMPLETED"
	NotifyWithdrawalFailed       NotificationType = "WITHDRAWAL_FAILED"
	NotifyWalletCreated          NotificationType = "WALLET_CREATED"
	NotifyKYCApproved            NotificationType = "KYC_APPROVED"
	NotifyKYCRejected            NotificationType = "KYC_REJECTED"
	NotifyLoanApproved           NotificationType = "LOAN_APPROVED"
	NotifySecurityAlert          NotificationType = "SECURITY_ALERT"
	NotifySystemAnnouncement     NotificationType = "SYSTEM_ANNOUNCEMENT"
	NotifyCardCreated            NotificationType = "CARD_CREATED"
	NotifyCardTransaction        NotificationType = "CARD_TRANSACTION"
	NotifyRecurringPaymentFailed NotificationType = "RECURRING_PAYMENT_FAILED"
	NotifySplitPaymentRequest    NotificationType = "SPLIT_PAYMENT_REQUEST"
	NotifySplitPaymentCompleted  NotificationType = "SPLIT_PAYMENT_COMPLETED"
)

// IsMandatory reports whether the type bypasses user channel preferences.
func (t NotificationType) IsMandatory() bool {
	return t == NotifySecurityAlert || t == NotifySystemAnnouncement
}

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Notification is an in-app message and the record of its channel delivery.
type Notification struct {
	ID                uuid.UUID            `json:"id" gorm:"primaryKey;type:uuid"`
	UserID            uuid.UUID            `json:"user_id" gorm:"type:uuid;index:idx_notification_user_read,where:is_read = false"`
	Title             string               `json:"title"`
	Message           string               `json:"message" gorm:"type:text"`
	NotificationType  NotificationType     `json:"notification_type" gorm:"size:40;index"`
	Priority          NotificationPriority `json:"priority" gorm:"size:10"`
	IsRead            bool                 `json:"is_read" gorm:"index:idx_notification_user_read,where:is_read = false"`
	ReadAt            *time.Time           `json:"read_at"`
	RelatedObjectType string               `json:"related_object_type,omitempty"`
	RelatedObjectID   string               `json:"related_object_id,omitempty"`
	ActionURL         string               `json:"action_url,omitempty"`
	ActionData        JSONMap              `json:"action_data,omitempty" gorm:"type:text"`
	Metadata          JSONMap              `json:"metadata,omitempty" gorm:"type:text"`
	ExpiresAt         *time.Time           `json:"expires_at"`
	SentViaPush       bool                 `json:"sent_via_push"`
	SentViaWebsocket  bool                 `json:"sent_via_websocket"`
	SentViaEmail      bool                 `json:"sent_via_email"`
	PushSentAt        *time.Time           `json:"push_sent_at"`
	WebsocketSentAt   *time.Time           `json:"websocket_sent_at"`
	EmailSentAt       *time.Time           `json:"email_sent_at"`
	CreatedAt         time.Time            `json:"created_at" gorm:"index"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// NotificationTemplate overrides the built-in template for a type.
type NotificationTemplate struct {
	ID               uuid.UUID            `json:"id" gorm:"primaryKey;type:uuid"`
	NotificationType NotificationType     `json:"notification_type" gorm:"size:40;uniqueIndex"`
	Title            string               `json:"title"`
	Message          string               `json:"message" gorm:"type:text"`
	EmailSubject     string               `json:"email_subject"`
	EmailBody        string               `json:"email_body" gorm:"type:text"`
	ActionURL        string               `json:"action_url"`
	Priority         NotificationPriority `json:"priority" gorm:"size:10"`
	IsActive         bool                 `json:"is_active" gorm:"default:true"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// NotificationPreference holds a user's channel switches.
type NotificationPreference struct {
	UserID        uuid.UUID   `json:"user_id" gorm:"primaryKey;type:uuid"`
	InAppEnabled  bool        `json:"in_app_enabled"`
	PushEnabled   bool        `json:"push_enabled"`
	EmailEnabled  bool        `json:"email_enabled"`
	Email         string      `json:"email"`
	DisabledTypes StringArray `json:"disabled_types" gorm:"type:text"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// DefaultPreference is used when a user never saved preferences.
func DefaultPreference(userID uuid.UUID) NotificationPreference {
	return NotificationPreference{UserID: userID, InAppEnabled: true, PushEnabled: true, EmailEnabled: false}
}

// DeviceToken is an FCM registration token.
type DeviceToken struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID     uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	Token      string     `json:"token" gorm:"size:512;uniqueIndex"`
	Platform   string     `json:"platform" gorm:"size:16"`
	IsActive   bool       `json:"is_active" gorm:"index"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
