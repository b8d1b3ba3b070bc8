package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type KYCStatus string

const (
	KYCPending     KYCStatus = "PENDING"
	KYCUnderReview KYCStatus = "UNDER_REVIEW"
	KYCApproved    KYCStatus = "APPROVED"
	KYCRejected    KYCStatus = "REJECTED"
	KYCExpired     KYCStatus = "EXPIRED"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// KYCVerification is one identity verification attempt for a user.
type KYCVerification struct {
	ID                  uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID              uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	FirstName           string     `json:"first_name"`
	LastName            string     `json:"last_name"`
	DateOfBirth         *time.Time `json:"date_of_birth"`
	Nationality         string     `json:"nationality" gorm:"size:2"`
	Address             string     `json:"address"`
	Email               string     `json:"email"`
	Phone               string     `json:"phone"`
	Status              KYCStatus  `json:"status" gorm:"size:20;index"`
	ProviderName        string     `json:"provider_name" gorm:"size:32"`
	ProviderReferenceID string     `json:"provider_reference_id" gorm:"index"`
	RiskLevel           RiskLevel  `json:"risk_level" gorm:"size:10"`
	VerificationMethod  string     `json:"verification_method" gorm:"size:16"`
	SubmittedAt         *time.Time `json:"submitted_at"`
	ReviewedAt          *time.Time `json:"reviewed_at"`
	ReviewedBy          *uuid.UUID `json:"reviewed_by" gorm:"type:uuid"`
	ReviewNotes         string     `json:"review_notes"`
	RejectionReason     string     `json:"rejection_reason"`
	WebhookVerifiedAt   *time.Time `json:"webhook_verified_at"`
	ExpiresAt           *time.Time `json:"expires_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (v *KYCVerification) FullName() string {
	return v.FirstName + " " + v.LastName
}

// KYCDocument is an uploaded identity document.
type KYCDocument struct {
	ID                 uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	VerificationID     uuid.UUID `json:"verification_id" gorm:"type:uuid;index"`
	DocumentType       string    `json:"document_type" gorm:"size:32"`
	FileName           string    `json:"file_name"`
	ContentType        string    `json:"content_type"`
	Content            []byte    `json:"-"`
	ProviderDocumentID string    `json:"provider_document_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// ErrImmutable is returned by hooks on append-only tables.
var ErrImmutable = errors.New("record is append-only")

// AMLCheck is an immutable screening outcome.
type AMLCheck struct {
	ID             uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	VerificationID uuid.UUID `json:"verification_id" gorm:"type:uuid;index"`
	UserID         uuid.UUID `json:"user_id" gorm:"type:uuid;index"`
	Provider       string    `json:"provider"`
	ProviderResult string    `json:"provider_result"`
	FraudScore     float64   `json:"fraud_score"`
	RiskScore      int       `json:"risk_score"`
	RiskLevel      RiskLevel `json:"risk_level" gorm:"size:10"`
	Passed         bool      `json:"passed"`
	WatchlistHit   bool      `json:"watchlist_hit"`
	MatchedName    string    `json:"matched_name,omitempty"`
	RawResult      JSONMap   `json:"raw_result" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
}

func (*AMLCheck) BeforeUpdate(*gorm.DB) error { return ErrImmutable }
func (*AMLCheck) BeforeDelete(*gorm.DB) error { return ErrImmutable }
