// Package otp issues single-use numeric codes scoped to a user and purpose,
// such as a wallet PIN reset. Codes live in the key-value store, never in
// the database.
package otp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/cache"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
)

const (
	DefaultTTL  = 10 * time.Minute
	MaxAttempts = 5

	keyPrefix = "otp:"
	// records outlive their code so failed attempts stay counted until purge
	storeTTL = 24 * time.Hour
)

// Code is a freshly issued one-time code.
type Code struct {
	Value     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

type record struct {
	Secret    string    `json:"secret"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// Service issues and verifies codes.
type Service struct {
	store  cache.Cache
	logger *zap.Logger
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewService(store cache.Cache, logger *zap.Logger, issuer string) *Service {
	return &Service{
		store:  store,
		logger: logger.Named("otp"),
		issuer: issuer,
		ttl:    DefaultTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func key(userID uuid.UUID, purpose string) string {
	return keyPrefix + userID.String() + ":" + purpose
}

func (s *Service) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.ttl / time.Second),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Issue replaces any outstanding code for (userID, purpose). The caller
// delivers Code.Value out of band.
func (s *Service) Issue(ctx context.Context, userID uuid.UUID, purpose string) (*Code, error) {
	k, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: userID.String() + ":" + purpose,
		Period:      uint(s.ttl / time.Second),
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("failed to generate otp secret: %w", err))
	}
	now := s.now()
	value, err := totp.GenerateCodeCustom(k.Secret(), now, s.opts())
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("failed to generate otp code: %w", err))
	}
	rec := record{Secret: k.Secret(), IssuedAt: now, ExpiresAt: now.Add(s.ttl)}
	if err := s.store.Set(ctx, key(userID, purpose), rec, storeTTL); err != nil {
		return nil, errors.Wrap(err)
	}
	logger.For(ctx, s.logger).Info("otp issued",
		zap.String("user_id", userID.String()),
		zap.String("purpose", purpose),
		zap.Time("expires_at", rec.ExpiresAt))
	return &Code{Value: value, ExpiresAt: rec.ExpiresAt}, nil
}

// Verify consumes the code on success. Wrong codes count towards
// MaxAttempts, after which the code is revoked.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID, purpose, code string) error {
	k := key(userID, purpose)
	var rec record
	if err := s.store.Get(ctx, k, &rec); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return errors.Unauthorized.Explain("no active code for %s", purpose)
		}
		return errors.Wrap(err)
	}
	now := s.now()
	if !now.Before(rec.ExpiresAt) {
		_ = s.store.Delete(ctx, k)
		return errors.Unauthorized.Explain("code for %s has expired", purpose)
	}

	ok, err := totp.ValidateCustom(code, rec.Secret, rec.IssuedAt, s.opts())
	if err != nil || !ok {
		rec.Attempts++
		if rec.Attempts >= MaxAttempts {
			_ = s.store.Delete(ctx, k)
			logger.For(ctx, s.logger).Warn("otp revoked after repeated failures",
				zap.String("user_id", userID.String()),
				zap.String("purpose", purpose))
			return errors.Unauthorized.Explain("too many invalid attempts, request a new code")
		}
		if err := s.store.Set(ctx, k, rec, storeTTL); err != nil {
			return errors.Wrap(err)
		}
		return errors.Unauthorized.Explain("invalid code").WithMeta("attempts_left", MaxAttempts-rec.Attempts)
	}
	return s.store.Delete(ctx, k)
}

// Purge deletes records whose code has expired and returns how many went.
func (s *Service) Purge(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return 0, err
	}
	now := s.now()
	var stale []string
	for _, k := range keys {
		var rec record
		err := s.store.Get(ctx, k, &rec)
		if errors.Is(err, cache.ErrCacheMiss) {
			continue
		}
		if err != nil || !now.Before(rec.ExpiresAt) {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.store.Delete(ctx, stale...); err != nil {
		return 0, err
	}
	return len(stale), nil
}
