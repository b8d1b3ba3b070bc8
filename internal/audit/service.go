// Package audit records privileged operations in an append-only,
// hash-chained log written inside the caller's database transaction.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
)

// Actions recorded by the ledger core.
const (
	ActionKYCApprove         = "kyc.approve"
	ActionKYCReject          = "kyc.reject"
	ActionWalletStatusChange = "wallet.status_change"
	ActionTransactionReverse = "transaction.reverse"
)

// Roles carried by authenticated callers.
const (
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   uuid.UUID
	Role string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// SystemActor attributes actions taken by background workers.
var SystemActor = Actor{Role: RoleSystem}

// Entry describes one privileged action.
type Entry struct {
	ActorID    uuid.UUID
	ActorRole  string
	Action     string
	TargetType string
	TargetID   string
	Before     any
	After      any
	Reason     string
}

// Service appends audit records.
type Service struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewService(logger *zap.Logger) *Service {
	return &Service{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends e using tx, so the record commits or rolls back with the
// action it describes.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, e Entry) (*models.AuditLog, error) {
	before, err := snapshot(e.Before)
	if err != nil {
		return nil, err
	}
	after, err := snapshot(e.After)
	if err != nil {
		return nil, err
	}

	var last models.AuditLog
	prevHash := ""
	seq := int64(1)
	err = tx.WithContext(ctx).Order("sequence DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	}
	if last.ID != uuid.Nil {
		prevHash = last.Hash
		seq = last.Sequence + 1
	}

	row := &models.AuditLog{
		ID:            uuid.New(),
		Sequence:      seq,
		ActorID:       e.ActorID,
		ActorRole:     e.ActorRole,
		Action:        e.Action,
		TargetType:    e.TargetType,
		TargetID:      e.TargetID,
		Before:        before,
		After:         after,
		Reason:        e.Reason,
		CorrelationID: logger.CorrelationID(ctx),
		PreviousHash:  prevHash,
		CreatedAt:     s.now(),
	}
	row.Hash, err = hashOf(row)
	if err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to append audit record: %w", err)
	}

	s.logger.Info("audit record appended",
		zap.String("action", e.Action),
		zap.String("target_type", e.TargetType),
		zap.String("target_id", e.TargetID),
		zap.String("actor_id", e.ActorID.String()),
		zap.Int64("sequence", seq))
	return row, nil
}

// Verify walks the chain in order and returns the first sequence whose hash
// or back-link does not match, or 0 when the chain is intact.
func (s *Service) Verify(ctx context.Context, db *gorm.DB) (int64, error) {
	var rows []models.AuditLog
	if err := db.WithContext(ctx).Order("sequence ASC").Find(&rows).Error; err != nil {
		return 0, err
	}
	prev := ""
	for i := range rows {
		r := &rows[i]
		expected, err := hashOf(r)
		if err != nil {
			return 0, err
		}
		if r.Hash != expected || r.PreviousHash != prev {
			return r.Sequence, nil
		}
		prev = r.Hash
	}
	return 0, nil
}

// List returns records for a target, oldest first.
func (s *Service) List(ctx context.Context, db *gorm.DB, targetType, targetID string) ([]models.AuditLog, error) {
	var rows []models.AuditLog
	err := db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("sequence ASC").Find(&rows).Error
	return rows, err
}

func snapshot(v any) (models.JSONMap, error) {
	if v == nil {
		return models.JSONMap{}, nil
	}
	if m, ok := v.(models.JSONMap); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot audit state: %w", err)
	}
	out := models.JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to snapshot audit state: %w", err)
	}
	return out, nil
}

func hashOf(r *models.AuditLog) (string, error) {
	data, err := json.Marshal(struct {
		Sequence     int64
		ActorID      uuid.UUID
		Action       string
		TargetType   string
		TargetID     string
		Before       models.JSONMap
		After        models.JSONMap
		Reason       string
		PreviousHash string
		CreatedAt    int64
	}{r.Sequence, r.ActorID, r.Action, r.TargetType, r.TargetID, r.Before, r.After, r.Reason, r.PreviousHash, r.CreatedAt.UnixMicro()})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
