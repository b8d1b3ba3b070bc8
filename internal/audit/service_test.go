package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/database/dbtest"
	"github.com/Aidin1998/fincore/pkg/models"
)

func TestRecordChainsHashes(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(zap.NewNop())
	ctx := context.Background()
	admin := uuid.New()
	target := uuid.New().String()

	first, err := svc.Record(ctx, db, Entry{
		ActorID: admin, ActorRole: "admin", Action: ActionWalletStatusChange,
		TargetType: "wallet", TargetID: target,
		Before: map[string]any{"status": "ACTIVE"}, After: map[string]any{"status": "SUSPENDED"},
		Reason: "fraud review",
	})
	require.NoError(t, err)
	second, err := svc.Record(ctx, db, Entry{
		ActorID: admin, Action: ActionWalletStatusChange, TargetType: "wallet", TargetID: target,
		Before: map[string]any{"status": "SUSPENDED"}, After: map[string]any{"status": "ACTIVE"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, first.Hash, second.PreviousHash)

	broken, err := svc.Verify(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, broken)

	rows, err := svc.List(ctx, db, "wallet", target)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "SUSPENDED", rows[0].After.String("status"))
}

func TestVerifyDetectsTampering(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(zap.NewNop())
	ctx := context.Background()

	_, err := svc.Record(ctx, db, Entry{ActorID: uuid.New(), Action: ActionKYCApprove, TargetType: "kyc", TargetID: "v1"})
	require.NoError(t, err)

	// bypass the model hooks the way a direct SQL edit would
	require.NoError(t, db.Exec("UPDATE audit_logs SET reason = ? WHERE sequence = 1", "edited").Error)

	broken, err := svc.Verify(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), broken)

	var count int64
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
