package wallet

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
)

// Tier is the KYC classification that caps a user's spending.
type Tier string

const (
	TierUnverified Tier = "UNVERIFIED"
	TierLow        Tier = "LOW"
	TierMedium     Tier = "MEDIUM"
	TierHigh       Tier = "HIGH"
)

// Ceiling holds per-period spending caps in major units of the wallet's
// currency.
type Ceiling struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// TierCeilings are keyed by risk tier: a LOW-risk verified user gets the
// highest caps.
var TierCeilings = map[Tier]Ceiling{
	TierUnverified: {Daily: decimal.NewFromInt(50_000), Monthly: decimal.NewFromInt(300_000)},
	TierLow:        {Daily: decimal.NewFromInt(5_000_000), Monthly: decimal.NewFromInt(50_000_000)},
	TierMedium:     {Daily: decimal.NewFromInt(1_000_000), Monthly: decimal.NewFromInt(10_000_000)},
	TierHigh:       {Daily: decimal.NewFromInt(200_000), Monthly: decimal.NewFromInt(1_000_000)},
}

// TierSource resolves a user's current tier. Implementations read through db
// so the lookup joins the caller's transaction.
type TierSource interface {
	CurrentTier(ctx context.Context, db *gorm.DB, userID uuid.UUID) (Tier, error)
}

// Limits are effective ceilings in minor units. Zero means uncapped.
type Limits struct {
	Tier    Tier  `json:"tier"`
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// EffectiveLimits is the minimum of the wallet's own limits and its owner's
// tier ceiling.
func (s *Service) EffectiveLimits(ctx context.Context, db *gorm.DB, w *models.Wallet) (Limits, error) {
	out := Limits{Daily: w.DailyLimit, Monthly: w.MonthlyLimit}
	if s.tiers == nil {
		return out, nil
	}
	tier, err := s.tiers.CurrentTier(ctx, db, w.UserID)
	if err != nil {
		return Limits{}, err
	}
	out.Tier = tier
	ceiling, ok := TierCeilings[tier]
	if !ok {
		ceiling = TierCeilings[TierUnverified]
	}
	cur, err := money.Lookup(w.Currency)
	if err != nil {
		return Limits{}, err
	}
	out.Daily = minLimit(out.Daily, money.ScaleToMinorUnits(ceiling.Daily, cur))
	out.Monthly = minLimit(out.Monthly, money.ScaleToMinorUnits(ceiling.Monthly, cur))
	return out, nil
}

func minLimit(configured, ceiling int64) int64 {
	if configured <= 0 || ceiling < configured {
		return ceiling
	}
	return configured
}
