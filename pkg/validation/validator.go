package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/metrics"
)

// Counters reads and bumps the per-user daily operation counters.
type Counters interface {
	Count(ctx context.Context, userID uuid.UUID, operation string) (int64, error)
	Incr(ctx context.Context, userID uuid.UUID, operation string) (int64, error)
}

// Validator wraps go-playground struct validation, the description sanitizer
// and the rate-limit counters.
type Validator struct {
	validator *validator.Validate
	logger    *zap.Logger
	sanitizer *bluemonday.Policy
	counters  Counters
	now       func() time.Time
}

// NewValidator creates a validator. counters may be nil, in which case rate
// limits are not enforced.
func NewValidator(logger *zap.Logger, counters Counters) *Validator {
	v := &Validator{
		validator: validator.New(),
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
		counters:  counters,
		now:       time.Now,
	}
	v.registerCustomValidators()
	return v
}

// Struct validates request struct tags and converts failures to ValidationFailed.
func (v *Validator) Struct(s any) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.ValidationFailed.Explain("invalid request").Wrap(err)
	}
	out := errors.ValidationFailed.Explain("request validation failed")
	for _, fe := range verrs {
		out = out.WithField(fe.Tag(), strings.ToLower(fe.Field()), getErrorMessage(fe))
	}
	return out
}

// Sanitize strips all markup from free text before it is stored.
func (v *Validator) Sanitize(input string) string {
	return strings.TrimSpace(v.sanitizer.Sanitize(input))
}

// CheckRateLimit rejects the operation once the user's daily count reaches its cap.
func (v *Validator) CheckRateLimit(ctx context.Context, userID uuid.UUID, operation string) error {
	if v.counters == nil {
		return nil
	}
	count, err := v.counters.Count(ctx, userID, operation)
	if err != nil {
		// counters are advisory; the ledger stays authoritative
		v.logger.Warn("rate limit counter unavailable",
			zap.String("operation", operation), zap.Error(err))
		return nil
	}
	if ok, reason := CheckRateLimits(operation, count); !ok {
		metrics.RateLimitHits.WithLabelValues(operation).Inc()
		now := v.now().UTC()
		reset := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		return errors.RateLimited.Explain("%s", reason).
			WithMeta("operation", operation).
			WithMeta("reset_at", reset.Format(time.RFC3339)).
			WithMeta("reset_after_seconds", int64(reset.Sub(now).Seconds()))
	}
	return nil
}

// RecordOperation bumps the user's counter after a successful operation.
func (v *Validator) RecordOperation(ctx context.Context, userID uuid.UUID, operation string) {
	if v.counters == nil {
		return
	}
	if _, err := v.counters.Incr(ctx, userID, operation); err != nil {
		v.logger.Warn("failed to bump rate limit counter",
			zap.String("operation", operation), zap.Error(err))
	}
}

var (
	amountPattern   = regexp.MustCompile(`^\d+(\.\d+)?$`)
	accountNoRegexp = regexp.MustCompile(`^[0-9]{10}$`)
)

func (v *Validator) registerCustomValidators() {
	v.validator.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if !amountPattern.MatchString(s) {
			return false
		}
		return ValidateAmount(decimal.RequireFromString(s)) == nil
	})

	v.validator.RegisterValidation("currency_code", func(fl validator.FieldLevel) bool {
		return ValidateCurrencyCode(fl.Field().String()) == nil
	})

	v.validator.RegisterValidation("pin", func(fl validator.FieldLevel) bool {
		return ValidatePIN(fl.Field().String()) == nil
	})

	v.validator.RegisterValidation("account_number", func(fl validator.FieldLevel) bool {
		return accountNoRegexp.MatchString(fl.Field().String())
	})

	v.validator.RegisterValidation("safe_text", func(fl validator.FieldLevel) bool {
		return ValidateDescription(fl.Field().String()) == nil
	})
}

func getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "currency_code":
		return fmt.Sprintf("%s must be a valid currency code", fe.Field())
	case "amount":
		return fmt.Sprintf("%s must be a valid amount", fe.Field())
	case "pin":
		return fmt.Sprintf("%s must be a 4-6 digit non-trivial PIN", fe.Field())
	case "safe_text":
		return fmt.Sprintf("%s contains forbidden markup", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
