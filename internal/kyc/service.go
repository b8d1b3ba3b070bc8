// Package kyc runs identity verification: submission to a vendor, vendor
// callbacks with AML screening, manual review and the risk tier that caps
// wallet spending.
package kyc

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/validation"
)

const (
	defaultValidity = 365 * 24 * time.Hour
	maxDocumentSize = 10 << 20
)

// Notifier is told about terminal review outcomes after they commit.
type Notifier interface {
	KYCApproved(ctx context.Context, v *models.KYCVerification)
	KYCRejected(ctx context.Context, v *models.KYCVerification)
}

// SubmitRequest starts a verification.
type SubmitRequest struct {
	UserID      uuid.UUID  `json:"-"`
	FirstName   string     `json:"first_name" validate:"required,max=100,safe_text"`
	LastName    string     `json:"last_name" validate:"required,max=100,safe_text"`
	DateOfBirth *time.Time `json:"date_of_birth" validate:"required"`
	Nationality string     `json:"nationality" validate:"required,len=2,alpha"`
	Address     string     `json:"address" validate:"max=500,safe_text"`
	Email       string     `json:"email" validate:"required,email"`
	Phone       string     `json:"phone" validate:"omitempty,e164"`
	Documents   []Document `json:"documents" validate:"required,min=1,max=5,dive"`
}

// Service implements the verification workflow.
type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	providers *Providers
	scorer    *RiskScorer
	validator *validation.Validator
	audit     *audit.Service
	notifier  Notifier
	validity  time.Duration
	now       func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option        { return func(s *Service) { s.notifier = n } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithValidity(d time.Duration) Option   { return func(s *Service) { s.validity = d } }
func WithScorer(r *RiskScorer) Option       { return func(s *Service) { s.scorer = r } }

func NewService(db *gorm.DB, logger *zap.Logger, p *Providers, v *validation.Validator, auditor *audit.Service, opts ...Option) *Service {
	s := &Service{
		db:        db,
		logger:    logger.Named("kyc"),
		providers: p,
		scorer:    NewRiskScorer(nil),
		validator: v,
		audit:     auditor,
		notifier:  nopNotifier{},
		validity:  defaultValidity,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Providers exposes the vendors so callbacks can be authenticated upstream.
func (s *Service) Providers() *Providers { return s.providers }

// Submit records a verification and its documents, then hands it to the
// active vendor. If the vendor cannot be reached the verification still
// moves to UNDER_REVIEW and waits for a manual decision.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.KYCVerification, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	for _, d := range req.Documents {
		if len(d.Content) > maxDocumentSize {
			return nil, errors.ValidationFailed.Explain("%s exceeds 10MB", d.FileName).
				WithField("document_size", "documents", "must be 10MB or smaller")
		}
	}
	if err := s.validator.CheckRateLimit(ctx, req.UserID, validation.OpKYCSubmit); err != nil {
		return nil, err
	}

	provider := s.providers.Active()
	v := &models.KYCVerification{
		ID:           uuid.New(),
		UserID:       req.UserID,
		FirstName:    s.validator.Sanitize(req.FirstName),
		LastName:     s.validator.Sanitize(req.LastName),
		DateOfBirth:  req.DateOfBirth,
		Nationality:  strings.ToUpper(req.Nationality),
		Address:      s.validator.Sanitize(req.Address),
		Email:        req.Email,
		Phone:        req.Phone,
		Status:       models.KYCPending,
		ProviderName: provider.Name(),
	}
	docs := make([]models.KYCDocument, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = models.KYCDocument{
			ID:             uuid.New(),
			VerificationID: v.ID,
			DocumentType:   d.Type,
			FileName:       d.FileName,
			ContentType:    d.ContentType,
			Content:        d.Content,
		}
	}

	err := database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&models.KYCVerification{}).
			Where("user_id = ? AND (status IN ? OR (status = ? AND (expires_at IS NULL OR expires_at > ?)))",
				req.UserID, []models.KYCStatus{models.KYCPending, models.KYCUnderReview}, models.KYCApproved, s.now()).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return errors.StateTransitionInvalid.Explain("a verification is already open or approved")
		}
		if err := tx.Create(v).Error; err != nil {
			return err
		}
		return tx.Create(&docs).Error
	})
	if err != nil {
		return nil, wrap(err)
	}
	s.validator.RecordOperation(ctx, req.UserID, validation.OpKYCSubmit)

	log := logger.For(ctx, s.logger).With(
		zap.String("verification_id", v.ID.String()),
		zap.String("provider", provider.Name()))
	sub, perr := provider.Submit(ctx, v, req.Documents)
	now := s.now()
	updates := map[string]any{"status": models.KYCUnderReview, "submitted_at": now}
	switch {
	case errors.Is(perr, errors.ProviderRejected):
		log.Info("kyc submission rejected by provider", zap.Error(perr))
		updates["status"] = models.KYCRejected
		updates["rejection_reason"] = perr.Error()
		updates["reviewed_at"] = now
	case perr != nil:
		log.Warn("kyc provider unavailable, queued for manual review", zap.Error(perr))
		updates["verification_method"] = "manual"
	default:
		updates["provider_reference_id"] = sub.ReferenceID
		updates["verification_method"] = sub.Method
	}

	err = database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Model(v).Updates(updates).Error; err != nil {
			return err
		}
		if perr != nil || sub == nil {
			return nil
		}
		for i := range docs {
			if i >= len(sub.DocumentIDs) {
				break
			}
			err := tx.Model(&docs[i]).Update("provider_document_id", sub.DocumentIDs[i]).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	if errors.Is(perr, errors.ProviderRejected) {
		return nil, perr
	}
	log.Info("kyc submitted", zap.String("status", string(v.Status)))
	return s.Get(ctx, v.ID)
}

// Get loads a verification by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.KYCVerification, error) {
	var v models.KYCVerification
	if err := s.db.WithContext(ctx).Limit(1).Find(&v, "id = ?", id).Error; err != nil {
		return nil, errors.Wrap(err)
	}
	if v.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("verification %s not found", id)
	}
	return &v, nil
}

// Latest returns the user's most recent verification.
func (s *Service) Latest(ctx context.Context, userID uuid.UUID) (*models.KYCVerification, error) {
	var v models.KYCVerification
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(1).Find(&v).Error
	if err != nil {
		return nil, errors.Wrap(err)
	}
	if v.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("no verification for user")
	}
	return &v, nil
}

// ListForReview returns verifications awaiting a decision, oldest first.
func (s *Service) ListForReview(ctx context.Context, limit, offset int) ([]models.KYCVerification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.KYCVerification
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.KYCStatus{models.KYCPending, models.KYCUnderReview}).
		Order("created_at ASC").Limit(limit).Offset(offset).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err)
	}
	return out, nil
}

// AMLChecks lists the screenings recorded for a verification.
func (s *Service) AMLChecks(ctx context.Context, verificationID uuid.UUID) ([]models.AMLCheck, error) {
	var out []models.AMLCheck
	err := s.db.WithContext(ctx).Where("verification_id = ?", verificationID).
		Order("created_at ASC").Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err)
	}
	return out, nil
}

// HandleWebhook authenticates and applies a vendor callback in its own
// transaction.
func (s *Service) HandleWebhook(ctx context.Context, providerName string, payload []byte, signature string) (*models.KYCVerification, error) {
	p, ok := s.providers.ByName(providerName)
	if !ok {
		return nil, errors.NotFound.Explain("unknown kyc provider %s", providerName)
	}
	if !p.VerifyWebhookSignature(payload, signature) {
		return nil, errors.SignatureInvalid.Explain("invalid %s signature", providerName)
	}
	d, err := p.ParseWebhook(payload)
	if err != nil {
		return nil, err
	}
	var out *models.KYCVerification
	var after func(context.Context)
	err = database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		v, fn, err := s.ApplyDecisionInTx(ctx, tx, providerName, d)
		out, after = v, fn
		return err
	})
	if err != nil {
		return nil, wrap(err)
	}
	after(ctx)
	return out, nil
}

// ApplyDecisionInTx folds a vendor decision into the verification it refers
// to and writes the AML screening. Decisions for a verification that is no
// longer open are ignored. The returned func must run after commit.
func (s *Service) ApplyDecisionInTx(ctx context.Context, tx *gorm.DB, providerName string, d *Decision) (*models.KYCVerification, func(context.Context), error) {
	noop := func(context.Context) {}
	var v models.KYCVerification
	err := database.ForUpdate(tx.WithContext(ctx)).
		Where("provider_name = ? AND provider_reference_id = ?", providerName, d.ReferenceID).
		Limit(1).Find(&v).Error
	if err != nil {
		return nil, noop, err
	}
	if v.ID == uuid.Nil {
		return nil, noop, errors.NotFound.Explain("no %s verification %s", providerName, d.ReferenceID)
	}
	now := s.now()
	if v.Status != models.KYCPending && v.Status != models.KYCUnderReview {
		return &v, noop, nil
	}
	if d.Outcome == OutcomePending {
		err := tx.Model(&v).Update("webhook_verified_at", now).Error
		return &v, noop, err
	}

	a := s.scorer.Assess(v.FullName(), d)
	check := &models.AMLCheck{
		ID:             uuid.New(),
		VerificationID: v.ID,
		UserID:         v.UserID,
		Provider:       providerName,
		ProviderResult: d.Result,
		FraudScore:     d.FraudScore,
		RiskScore:      a.Score,
		RiskLevel:      a.Level,
		Passed:         a.Passed,
		WatchlistHit:   a.WatchlistHit,
		MatchedName:    a.MatchedName,
		RawResult:      models.JSONMap(d.Raw),
	}
	if err := tx.Create(check).Error; err != nil {
		return nil, noop, err
	}

	updates := map[string]any{"risk_level": a.Level, "webhook_verified_at": now}
	var after func(context.Context)
	switch {
	case a.Passed:
		updates["status"] = models.KYCApproved
		updates["reviewed_at"] = now
		updates["expires_at"] = now.Add(s.validity)
	case d.Outcome == OutcomeRejected:
		reason := d.Reason
		if reason == "" {
			reason = "rejected by " + providerName
		}
		updates["status"] = models.KYCRejected
		updates["reviewed_at"] = now
		updates["rejection_reason"] = reason
	default:
		updates["status"] = models.KYCUnderReview
		updates["review_notes"] = "flagged for manual review"
	}
	if err := tx.Model(&v).Updates(updates).Error; err != nil {
		return nil, noop, err
	}
	if err := tx.First(&v, "id = ?", v.ID).Error; err != nil {
		return nil, noop, err
	}
	snapshot := v
	switch v.Status {
	case models.KYCApproved:
		after = func(ctx context.Context) { s.notifier.KYCApproved(ctx, &snapshot) }
	case models.KYCRejected:
		after = func(ctx context.Context) { s.notifier.KYCRejected(ctx, &snapshot) }
	default:
		after = noop
	}
	logger.For(ctx, s.logger).Info("kyc decision applied",
		zap.String("verification_id", v.ID.String()),
		zap.String("outcome", string(d.Outcome)),
		zap.String("status", string(v.Status)),
		zap.String("risk_level", string(a.Level)))
	return &v, after, nil
}

// Approve is a manual review decision. The screened risk level is kept;
// unscreened verifications are approved as LOW risk.
func (s *Service) Approve(ctx context.Context, actor audit.Actor, id uuid.UUID, notes string) (*models.KYCVerification, error) {
	return s.review(ctx, actor, id, models.KYCApproved, notes)
}

// Reject is a manual review decision; reason is required.
func (s *Service) Reject(ctx context.Context, actor audit.Actor, id uuid.UUID, reason string) (*models.KYCVerification, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.ValidationFailed.Explain("a rejection reason is required").
			WithField("reason_required", "reason", "is required")
	}
	return s.review(ctx, actor, id, models.KYCRejected, reason)
}

func (s *Service) review(ctx context.Context, actor audit.Actor, id uuid.UUID, status models.KYCStatus, text string) (*models.KYCVerification, error) {
	if !actor.IsAdmin() {
		return nil, errors.Unauthorized.Explain("kyc review requires an administrator")
	}
	var out models.KYCVerification
	err := database.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		var v models.KYCVerification
		err := database.ForUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&v).Error
		if err != nil {
			if database.IsNotFound(err) {
				return errors.NotFound.Explain("verification %s not found", id)
			}
			return err
		}
		if v.Status != models.KYCPending && v.Status != models.KYCUnderReview {
			return errors.StateTransitionInvalid.Explain("verification is already %s", v.Status)
		}
		before := map[string]any{"status": v.Status, "risk_level": v.RiskLevel}
		now := s.now()
		updates := map[string]any{
			"status":      status,
			"reviewed_at": now,
			"reviewed_by": actor.ID,
		}
		if status == models.KYCApproved {
			updates["review_notes"] = text
			updates["expires_at"] = now.Add(s.validity)
			if v.RiskLevel == "" {
				updates["risk_level"] = models.RiskLow
			}
		} else {
			updates["rejection_reason"] = text
		}
		if err := tx.Model(&v).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.First(&v, "id = ?", id).Error; err != nil {
			return err
		}
		action := audit.ActionKYCApprove
		if status == models.KYCRejected {
			action = audit.ActionKYCReject
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     action,
			TargetType: "kyc_verification",
			TargetID:   v.ID.String(),
			Before:     before,
			After:      map[string]any{"status": v.Status, "risk_level": v.RiskLevel},
			Reason:     text,
		})
		out = v
		return err
	})
	if err != nil {
		return nil, wrap(err)
	}
	logger.For(ctx, s.logger).Info("kyc reviewed",
		zap.String("verification_id", id.String()),
		zap.String("reviewer_id", actor.ID.String()),
		zap.String("status", string(status)))
	if status == models.KYCApproved {
		s.notifier.KYCApproved(ctx, &out)
	} else {
		s.notifier.KYCRejected(ctx, &out)
	}
	return &out, nil
}

// Expire marks approvals past their validity as EXPIRED.
func (s *Service) Expire(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.KYCVerification{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.KYCApproved, now).
		Update("status", models.KYCExpired)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error)
	}
	if res.RowsAffected > 0 {
		logger.For(ctx, s.logger).Info("kyc approvals expired", zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

// CurrentTier maps the user's valid approval to a spending tier. It reads
// through db so it can join a ledger transaction.
func (s *Service) CurrentTier(ctx context.Context, db *gorm.DB, userID uuid.UUID) (wallet.Tier, error) {
	var v models.KYCVerification
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)", userID, models.KYCApproved, s.now()).
		Order("reviewed_at DESC").Limit(1).Find(&v).Error
	if err != nil {
		return "", err
	}
	if v.ID == uuid.Nil {
		return wallet.TierUnverified, nil
	}
	switch v.RiskLevel {
	case models.RiskLow:
		return wallet.TierLow, nil
	case models.RiskMedium:
		return wallet.TierMedium, nil
	case models.RiskHigh:
		return wallet.TierHigh, nil
	}
	return wallet.TierMedium, nil
}

func wrap(err error) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	return errors.Wrap(err)
}

type nopNotifier struct{}

func (nopNotifier) KYCApproved(context.Context, *models.KYCVerification) {}
func (nopNotifier) KYCRejected(context.Context, *models.KYCVerification) {}
