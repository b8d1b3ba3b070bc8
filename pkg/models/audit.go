package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog is an append-only record of a privileged action. Hash chains each
// record to its predecessor.
type AuditLog struct {
	ID            uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Sequence      int64     `json:"sequence" gorm:"uniqueIndex"`
	ActorID       uuid.UUID `json:"actor_id" gorm:"type:uuid;index"`
	ActorRole     string    `json:"actor_role" gorm:"size:32"`
	Action        string    `json:"action" gorm:"size:64;index"`
	TargetType    string    `json:"target_type" gorm:"size:32;index:idx_audit_target"`
	TargetID      string    `json:"target_id" gorm:"size:64;index:idx_audit_target"`
	Before        JSONMap   `json:"before" gorm:"type:text"`
	After         JSONMap   `json:"after" gorm:"type:text"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	PreviousHash  string    `json:"previous_hash"`
	Hash          string    `json:"hash"`
	CreatedAt     time.Time `json:"created_at" gorm:"index"`
}

func (*AuditLog) BeforeUpdate(*gorm.DB) error { return ErrImmutable }
func (*AuditLog) BeforeDelete(*gorm.DB) error { return ErrImmutable }
