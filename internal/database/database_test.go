package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/database/dbtest"
	"github.com/Aidin1998/fincore/pkg/models"
)

func TestMigrateSeedsCurrencies(t *testing.T) {
	db := dbtest.New(t)
	var count int64
	require.NoError(t, db.Model(&models.Currency{}).Count(&count).Error)
	assert.GreaterOrEqual(t, count, int64(9))

	// idempotent
	require.NoError(t, database.Migrate(db))
	require.NoError(t, database.LoadCurrencies(context.Background(), db))
}

func TestDefaultWalletUniqueness(t *testing.T) {
	db := dbtest.New(t)
	user := uuid.New()
	mk := func(def bool, acct string) error {
		return db.Create(&models.Wallet{
			ID: uuid.New(), UserID: user, Currency: "NGN", IsDefault: def,
			AccountNumber: acct, Status: models.WalletActive,
		}).Error
	}
	require.NoError(t, mk(true, "0000000001"))
	require.NoError(t, mk(false, "0000000002"))
	require.NoError(t, mk(false, "0000000003"))

	err := mk(true, "0000000004")
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))
}

func TestTransactionReferenceUniquePerUser(t *testing.T) {
	db := dbtest.New(t)
	user := uuid.New()
	tx := func(u uuid.UUID) error {
		return db.Create(&models.Transaction{ID: uuid.New(), UserID: u, Reference: "R1", Currency: "NGN"}).Error
	}
	require.NoError(t, tx(user))
	assert.True(t, database.IsUniqueViolation(tx(user)))
	require.NoError(t, tx(uuid.New()))
}

func TestWithTxRollsBack(t *testing.T) {
	db := dbtest.New(t)
	id := uuid.New()
	sentinel := errors.New("boom")
	err := database.WithTx(context.Background(), db, func(tx *gorm.DB) error {
		if err := tx.Create(&models.Wallet{ID: id, UserID: uuid.New(), Currency: "USD", AccountNumber: "1"}).Error; err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int64
	require.NoError(t, db.Model(&models.Wallet{}).Where("id = ?", id).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	db := dbtest.New(t)
	row := models.AuditLog{ID: uuid.New(), Sequence: 1, Action: "test"}
	require.NoError(t, db.Create(&row).Error)

	err := db.Model(&row).Update("reason", "changed").Error
	assert.ErrorIs(t, err, models.ErrImmutable)
	err = db.Delete(&row).Error
	assert.ErrorIs(t, err, models.ErrImmutable)
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, database.IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.False(t, database.IsSerializationFailure(errors.New("x")))
	assert.True(t, database.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, database.IsNotFound(gorm.ErrRecordNotFound))
}

func TestViolatedConstraint(t *testing.T) {
	db := dbtest.New(t)
	user := uuid.New()
	mk := func(def bool, acct string) error {
		return db.Create(&models.Wallet{
			ID: uuid.New(), UserID: user, Currency: "USD", IsDefault: def,
			AccountNumber: acct, Status: models.WalletActive,
		}).Error
	}
	require.NoError(t, mk(true, "1000000001"))

	err := mk(true, "1000000002")
	require.Error(t, err)
	assert.Contains(t, database.ViolatedConstraint(err), "is_default")

	err = mk(false, "1000000001")
	require.Error(t, err)
	assert.Contains(t, database.ViolatedConstraint(err), "account_number")

	assert.Equal(t, "idx_wallet_default",
		database.ViolatedConstraint(&pgconn.PgError{Code: "23505", ConstraintName: "idx_wallet_default"}))
	assert.Empty(t, database.ViolatedConstraint(&pgconn.PgError{Code: "40001"}))
	assert.Empty(t, database.ViolatedConstraint(errors.New("boom")))
}
