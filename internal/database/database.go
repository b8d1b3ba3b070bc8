// Package database opens the relational store and provides the transaction
// helper every ledger mutation runs through.
package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
)

const (
	maxSerializationRetries = 5
	sqlitePrefix            = "sqlite:"
)

// Config returns the gorm configuration shared by every dialect. Timestamps
// are always UTC.
func Config() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to postgres, or to sqlite when dsn starts with "sqlite:".
func Open(dsn string, log *zap.Logger) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, sqlitePrefix) {
		path := strings.TrimPrefix(dsn, sqlitePrefix)
		db, err := gorm.Open(sqlite.Open(path), Config())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
		log.Info("using sqlite database", zap.String("path", path))
		return db, nil
	}
	return NewPostgresDB(dsn, 0, 0, 0)
}

// NewPostgresDB creates a new PostgreSQL database connection with pooling
func NewPostgresDB(dsn string, maxOpen, maxIdle, connMaxLife int) (*gorm.DB, error) {
	cfg := Config()
	cfg.PrepareStmt = true
	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if maxOpen == 0 {
		maxOpen = 50
	}
	if maxIdle == 0 {
		maxIdle = 10
	}
	if connMaxLife == 0 {
		connMaxLife = 3600
	}

	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Duration(connMaxLife) * time.Second)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// Migrate creates the schema and seeds the currency table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	for _, c := range money.DefaultCurrencies() {
		row := models.Currency{Code: c.Code, Symbol: c.Symbol, MinorUnit: c.MinorUnit, IsActive: c.IsActive, IsCrypto: c.IsCrypto}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to seed currency %s: %w", c.Code, err)
		}
	}
	return nil
}

// LoadCurrencies installs the persisted currencies as the process registry.
func LoadCurrencies(ctx context.Context, db *gorm.DB) error {
	var rows []models.Currency
	if err := db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load currencies: %w", err)
	}
	currencies := make([]money.Currency, 0, len(rows))
	for _, r := range rows {
		currencies = append(currencies, r.Money())
	}
	money.SetDefault(money.NewRegistry(currencies...))
	return nil
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// WithTx runs fn in a transaction. On postgres the transaction is
// SERIALIZABLE and serialization failures are retried with backoff.
func WithTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	if isPostgres(db) {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	backoff := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := db.WithContext(ctx).Transaction(fn, opts...)
		if err == nil || !IsSerializationFailure(err) || attempt >= maxSerializationRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// ForUpdate adds a row lock. sqlite ignores it and serializes writers instead.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// IsUniqueViolation reports a unique-constraint failure on any dialect.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ViolatedConstraint names the unique index behind err: the postgres
// constraint name, or the column list sqlite reports. It is empty when err
// is not a unique violation.
func ViolatedConstraint(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		if pgErr.Code != "23505" {
			return ""
		}
		return pgErr.ConstraintName
	}
	const marker = "UNIQUE constraint failed: "
	msg := err.Error()
	if i := strings.Index(msg, marker); i >= 0 {
		return msg[i+len(marker):]
	}
	return ""
}

// IsSerializationFailure reports a retryable postgres conflict.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// IsNotFound reports gorm's record-not-found.
func IsNotFound(err error) bool {
	return stderrors.Is(err, gorm.ErrRecordNotFound)
}
