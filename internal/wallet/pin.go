package wallet

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/validation"
)

const defaultPINCost = bcrypt.DefaultCost

// SetPIN hashes and stores pin and turns on PIN enforcement.
func (s *Service) SetPIN(ctx context.Context, userID, walletID uuid.UUID, pin string) error {
	if err := validation.ValidatePIN(pin); err != nil {
		return err
	}
	if err := s.validator.CheckRateLimit(ctx, userID, validation.OpSetPIN); err != nil {
		return err
	}
	if err := s.storePIN(ctx, userID, walletID, pin); err != nil {
		return err
	}
	s.validator.RecordOperation(ctx, userID, validation.OpSetPIN)
	s.notifier.SecurityAlert(ctx, userID, "Wallet PIN set", "The PIN on one of your wallets was changed.")
	return nil
}

func (s *Service) storePIN(ctx context.Context, userID, walletID uuid.UUID, pin string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.pinCost)
	if err != nil {
		return errors.Wrap(err)
	}
	hashed := string(hash)
	err = database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		w, err := getOwned(ctx, tx, userID, walletID)
		if err != nil {
			return err
		}
		return tx.Model(w).Updates(map[string]any{"pin_hash": hashed, "requires_pin": true}).Error
	})
	if err != nil {
		return wrap(err)
	}
	logger.For(ctx, s.logger).Info("wallet pin updated", zap.String("wallet_id", walletID.String()))
	return nil
}

// VerifyPIN checks pin against the stored hash. A wallet without a PIN fails.
func (s *Service) VerifyPIN(ctx context.Context, userID, walletID uuid.UUID, pin string) error {
	w, err := getOwned(ctx, s.db, userID, walletID)
	if err != nil {
		return err
	}
	return CheckPIN(w.PinHash, pin)
}

// CheckPIN compares pin with hash in constant time.
func CheckPIN(hash *string, pin string) error {
	if hash == nil || *hash == "" {
		return errors.PinInvalid.Explain("wallet has no PIN set")
	}
	if bcrypt.CompareHashAndPassword([]byte(*hash), []byte(pin)) != nil {
		return errors.PinInvalid.Explain("incorrect PIN")
	}
	return nil
}

// ResetPIN replaces the PIN after the caller proves possession of a code
// issued for OTPPurposePINReset.
func (s *Service) ResetPIN(ctx context.Context, userID, walletID uuid.UUID, otpCode, newPIN string) error {
	if s.otp == nil {
		return errors.ConfigError.Explain("pin reset is not configured")
	}
	if err := validation.ValidatePIN(newPIN); err != nil {
		return err
	}
	if _, err := getOwned(ctx, s.db, userID, walletID); err != nil {
		return err
	}
	if err := s.otp.Verify(ctx, userID, OTPPurposePINReset, otpCode); err != nil {
		return err
	}
	if err := s.storePIN(ctx, userID, walletID, newPIN); err != nil {
		return err
	}
	s.notifier.SecurityAlert(ctx, userID, "Wallet PIN reset", "Your wallet PIN was reset with a one-time code.")
	return nil
}
