package transaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/messaging"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/models"
	"github.com/Aidin1998/fincore/pkg/money"
	"github.com/Aidin1998/fincore/pkg/validation"
)

// DepositRequest asks for external funds to be collected into a wallet.
type DepositRequest struct {
	User        providers.UserIdentity `json:"-"`
	WalletID    uuid.UUID              `json:"wallet_id" validate:"required"`
	Amount      decimal.Decimal        `json:"amount"`
	Reference   string                 `json:"reference" validate:"required,max=128"`
	CallbackURL string                 `json:"callback_url" validate:"omitempty,url"`
	Description string                 `json:"description"`
}

// DepositResult is what the caller needs to finish paying.
type DepositResult struct {
	Transaction *models.Transaction `json:"transaction"`
	PaymentURL  *string             `json:"payment_url"`
	AccessCode  *string             `json:"access_code"`
}

// DepositCompletion names a deposit by id or by provider reference and
// carries the amount the provider reports, if any.
type DepositCompletion struct {
	TransactionID     *uuid.UUID
	Provider          string
	Reference         string
	ExternalReference string
	Amount            *money.Money
	Reason            string
}

// InboundCredit is money that arrived on a wallet's virtual account without
// a deposit having been initiated.
type InboundCredit struct {
	Provider          string
	ExternalReference string
	AccountNumber     string
	Amount            money.Money
	SenderName        string
	SenderBank        string
	SenderAccount     string
}

func depositResult(t *models.Transaction) *DepositResult {
	res := &DepositResult{Transaction: t}
	if v := t.Metadata.String("payment_url"); v != "" {
		res.PaymentURL = &v
	}
	if v := t.Metadata.String("access_code"); v != "" {
		res.AccessCode = &v
	}
	return res
}

// InitiateDeposit records the deposit, then asks the currency's provider to
// collect it. The provider call happens outside any database transaction;
// when its outcome is unknown the deposit stays PENDING for the reconciler.
func (s *Service) InitiateDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	ctx, span := s.startSpan(ctx, "deposit.initiate",
		attribute.String("reference", req.Reference),
		attribute.String("wallet_id", req.WalletID.String()))
	res, err := s.initiateDeposit(ctx, req)
	endSpan(span, err)
	return res, err
}

func (s *Service) initiateDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	userID := req.User.UserID
	if err := checkReference(req.Reference); err != nil {
		return nil, err
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		return nil, err
	}
	existing, err := byReference(ctx, s.db, userID, req.Reference)
	if err != nil {
		return nil, errors.Wrap(err)
	}
	if existing != nil {
		return depositResult(existing), nil
	}
	if err := s.validator.CheckRateLimit(ctx, userID, validation.OpDeposit); err != nil {
		return nil, err
	}

	w, err := s.wallets.GetWallet(ctx, userID, req.WalletID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive() {
		return nil, errors.WalletInactive.Explain("wallet %s is %s", w.ID, w.Status)
	}
	amt, err := amountIn(req.Amount, w.Currency)
	if err != nil {
		return nil, err
	}
	provider := s.providers.Deposit(w.Currency)
	providerFee := provider.CalculateDepositFee(amt)

	t := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Reference:   req.Reference,
		Type:        models.TxDeposit,
		Direction:   models.DirectionInbound,
		Status:      models.TxInitiated,
		ToWalletID:  &w.ID,
		Amount:      amt.MinorUnits(),
		Currency:    w.Currency,
		Provider:    provider.Name(),
		Description: s.validator.Sanitize(req.Description),
		Metadata:    models.JSONMap{"provider_fee": providerFee.Decimal()},
	}
	err = s.ledger(ctx, "deposit_initiate", func(tx *gorm.DB, _ *Hooks) error {
		return tx.WithContext(ctx).Create(t).Error
	})
	if errors.Is(err, errors.DuplicateReference) {
		if existing, lookupErr := byReference(ctx, s.db, userID, req.Reference); lookupErr == nil && existing != nil {
			return depositResult(existing), nil
		}
	}
	if err != nil {
		return nil, err
	}
	s.validator.RecordOperation(ctx, userID, validation.OpDeposit)

	log := logger.For(ctx, s.logger).With(
		zap.String("transaction_id", t.ID.String()),
		zap.String("provider", t.Provider))
	res, perr := provider.InitiateDeposit(ctx, providers.DepositRequest{
		User:        req.User,
		Amount:      amt,
		Reference:   providerReference(t),
		CallbackURL: req.CallbackURL,
	})
	switch {
	case errors.Is(perr, errors.ProviderRejected):
		log.Info("deposit rejected by provider", zap.Error(perr))
		if _, err := s.FailDeposit(ctx, DepositCompletion{TransactionID: &t.ID, Reason: perr.Error()}); err != nil {
			log.Error("failed to mark rejected deposit", zap.Error(err))
		}
		return nil, perr
	case perr != nil:
		log.Warn("deposit outcome unknown, leaving pending", zap.Error(perr))
		pending, err := s.markPending(ctx, t.ID, nil)
		if err != nil {
			return nil, err
		}
		return depositResult(pending), nil
	}

	var final *models.Transaction
	switch res.Status {
	case providers.StatusCompleted:
		final, err = s.CompleteDeposit(ctx, DepositCompletion{TransactionID: &t.ID, ExternalReference: res.ProviderReference})
	case providers.StatusFailed:
		final, err = s.FailDeposit(ctx, DepositCompletion{TransactionID: &t.ID, ExternalReference: res.ProviderReference, Reason: "rejected by provider"})
	default:
		final, err = s.markPending(ctx, t.ID, res)
	}
	if err != nil {
		return nil, err
	}
	out := depositResult(final)
	if res.PaymentURL != nil && *res.PaymentURL != "" {
		out.PaymentURL = res.PaymentURL
	}
	if res.AccessCode != nil && *res.AccessCode != "" {
		out.AccessCode = res.AccessCode
	}
	log.Info("deposit initiated", zap.String("status", string(final.Status)))
	return out, nil
}

// markPending moves an INITIATED deposit to PENDING and stores what the
// provider returned. A deposit that has already moved on is left alone.
func (s *Service) markPending(ctx context.Context, id uuid.UUID, res *providers.DepositResult) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.ledger(ctx, "deposit_pending", func(tx *gorm.DB, hooks *Hooks) error {
		t, err := lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		out = t
		if t.Status != models.TxInitiated {
			return nil
		}
		if err := advance(t, models.TxPending); err != nil {
			return err
		}
		if t.Metadata == nil {
			t.Metadata = models.JSONMap{}
		}
		if res != nil {
			if res.ProviderReference != "" {
				t.ExternalReference = ptr(res.ProviderReference)
			}
			if res.PaymentURL != nil && *res.PaymentURL != "" {
				t.Metadata["payment_url"] = *res.PaymentURL
			}
			if res.AccessCode != nil && *res.AccessCode != "" {
				t.Metadata["access_code"] = *res.AccessCode
			}
		}
		if err := tx.WithContext(ctx).Save(t).Error; err != nil {
			return err
		}
		s.settled(hooks, t, messaging.MsgTransactionPending)
		return nil
	})
	return out, err
}

// CompleteDeposit credits the wallet and completes the deposit. Completing
// an already completed deposit is a no-op.
func (s *Service) CompleteDeposit(ctx context.Context, c DepositCompletion) (*models.Transaction, error) {
	ctx, span := s.startSpan(ctx, "deposit.complete", attribute.String("provider", c.Provider))
	var out *models.Transaction
	err := s.ledger(ctx, "deposit_complete", func(tx *gorm.DB, hooks *Hooks) error {
		t, err := s.CompleteDepositInTx(ctx, tx, hooks, c)
		out = t
		return err
	})
	endSpan(span, err)
	return out, err
}

// CompleteDepositInTx is CompleteDeposit inside the caller's transaction.
// hooks must be run by the caller after commit.
func (s *Service) CompleteDepositInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, c DepositCompletion) (*models.Transaction, error) {
	t, err := findDeposit(ctx, tx, c)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.TxCompleted:
		return t, nil
	case models.TxFailed, models.TxCancelled, models.TxReversed:
		return nil, errors.StateTransitionInvalid.
			Explain("deposit %s is already %s", t.ID, t.Status).
			WithMeta("transaction_id", t.ID.String())
	}
	if c.Amount != nil && (c.Amount.Code() != t.Currency || c.Amount.MinorUnits() != t.Amount) {
		return nil, errors.ValidationFailed.
			Explain("provider reported %s for deposit %s", c.Amount, t.ID).
			WithField("amount_mismatch", "amount", "does not match the initiated deposit")
	}
	locked, err := wallet.LockWallets(ctx, tx, *t.ToWalletID)
	if err != nil {
		return nil, err
	}
	change, err := s.wallets.UpdateBalance(ctx, tx, locked[*t.ToWalletID], t.Amount, wallet.OpCredit, wallet.Options{})
	if err != nil {
		return nil, err
	}
	t.ToBalanceBefore, t.ToBalanceAfter = ptr(change.Before), ptr(change.After)
	if err := advance(t, models.TxProcessing, models.TxCompleted); err != nil {
		return nil, err
	}
	if c.ExternalReference != "" && t.ExternalReference == nil {
		t.ExternalReference = ptr(c.ExternalReference)
	}
	now := s.now()
	t.CompletedAt = &now
	if err := tx.WithContext(ctx).Save(t).Error; err != nil {
		return nil, err
	}
	s.settled(hooks, t, messaging.MsgTransactionCompleted)
	return t, nil
}

// FailDeposit marks a deposit FAILED. No balance has moved for a deposit
// that never completed, so nothing is reversed.
func (s *Service) FailDeposit(ctx context.Context, c DepositCompletion) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.ledger(ctx, "deposit_fail", func(tx *gorm.DB, hooks *Hooks) error {
		t, err := s.FailDepositInTx(ctx, tx, hooks, c)
		out = t
		return err
	})
	return out, err
}

func (s *Service) FailDepositInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, c DepositCompletion) (*models.Transaction, error) {
	t, err := findDeposit(ctx, tx, c)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TxFailed {
		return t, nil
	}
	if err := advance(t, models.TxFailed); err != nil {
		return nil, err
	}
	t.FailureReason = c.Reason
	if c.ExternalReference != "" && t.ExternalReference == nil {
		t.ExternalReference = ptr(c.ExternalReference)
	}
	if err := tx.WithContext(ctx).Save(t).Error; err != nil {
		return nil, err
	}
	s.settled(hooks, t, messaging.MsgTransactionFailed)
	return t, nil
}

// CreditInboundInTx books a transfer received on a wallet's virtual account.
// It is idempotent on (provider, external reference).
func (s *Service) CreditInboundInTx(ctx context.Context, tx *gorm.DB, hooks *Hooks, in InboundCredit) (*models.Transaction, error) {
	if in.ExternalReference == "" {
		return nil, errors.ValidationFailed.Explain("inbound credit has no provider reference").
			WithField("reference_required", "external_reference", "is required")
	}
	var existing models.Transaction
	err := tx.WithContext(ctx).
		Where("provider = ? AND external_reference = ?", in.Provider, in.ExternalReference).
		Limit(1).Find(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID != uuid.Nil {
		return &existing, nil
	}

	var target models.Wallet
	if err := tx.WithContext(ctx).Where("account_number = ?", in.AccountNumber).Limit(1).Find(&target).Error; err != nil {
		return nil, err
	}
	if target.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("no wallet for account %s", in.AccountNumber)
	}
	if target.Currency != in.Amount.Code() {
		return nil, money.ErrCurrencyMismatch.Explain("%s credit for a %s wallet", in.Amount.Code(), target.Currency)
	}
	locked, err := wallet.LockWallets(ctx, tx, target.ID)
	if err != nil {
		return nil, err
	}
	change, err := s.wallets.UpdateBalance(ctx, tx, locked[target.ID], in.Amount.MinorUnits(), wallet.OpCredit, wallet.Options{})
	if err != nil {
		return nil, err
	}
	now := s.now()
	t := &models.Transaction{
		ID:                uuid.New(),
		UserID:            target.UserID,
		Reference:         fmt.Sprintf("inbound:%s:%s", in.Provider, in.ExternalReference),
		Type:              models.TxDeposit,
		Direction:         models.DirectionInbound,
		Status:            models.TxInitiated,
		ToWalletID:        &target.ID,
		Amount:            in.Amount.MinorUnits(),
		Currency:          target.Currency,
		ToBalanceBefore:   ptr(change.Before),
		ToBalanceAfter:    ptr(change.After),
		Provider:          in.Provider,
		ExternalReference: ptr(in.ExternalReference),
		Description:       "Bank transfer",
		Metadata: models.JSONMap{
			"sender_name":    in.SenderName,
			"sender_bank":    in.SenderBank,
			"sender_account": in.SenderAccount,
		},
		CompletedAt: &now,
	}
	if in.SenderName != "" {
		t.Description = "Bank transfer from " + in.SenderName
	}
	if err := advance(t, models.TxProcessing, models.TxCompleted); err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	s.settled(hooks, t, messaging.MsgTransactionCompleted)
	return t, nil
}

// findDeposit loads and locks the deposit named by c.
func findDeposit(ctx context.Context, tx *gorm.DB, c DepositCompletion) (*models.Transaction, error) {
	if c.TransactionID != nil {
		t, err := lockTransaction(ctx, tx, *c.TransactionID)
		if err != nil {
			return nil, err
		}
		if t.Type != models.TxDeposit {
			return nil, errors.NotFound.Explain("transaction %s is not a deposit", t.ID)
		}
		return t, nil
	}
	return findByProvider(ctx, tx, models.TxDeposit, c.Provider, c.Reference, c.ExternalReference)
}

// providerReference is the reference a provider is given for t. Client
// references are only unique per user, so providers see the transaction id.
func providerReference(t *models.Transaction) string {
	return t.ID.String()
}

// findByProvider locks the transaction a provider callback names, either by
// the reference it was given (the transaction id) or by its own reference.
// Client references are never matched: they are only unique per user.
func findByProvider(ctx context.Context, tx *gorm.DB, typ models.TransactionType, provider string, refs ...string) (*models.Transaction, error) {
	var (
		exts []string
		ids  []uuid.UUID
	)
	for _, r := range refs {
		if r == "" {
			continue
		}
		exts = append(exts, r)
		if id, err := uuid.Parse(r); err == nil {
			ids = append(ids, id)
		}
	}
	if len(exts) == 0 {
		return nil, errors.ValidationFailed.Explain("%s reference is required", strings.ToLower(string(typ))).
			WithField("reference_required", "reference", "is required")
	}
	q := database.ForUpdate(tx.WithContext(ctx)).
		Where("type = ? AND provider = ?", typ, provider)
	if len(ids) > 0 {
		q = q.Where("(external_reference IN ? OR id IN ?)", exts, ids)
	} else {
		q = q.Where("external_reference IN ?", exts)
	}
	var t models.Transaction
	if err := q.Order("created_at").Limit(1).Find(&t).Error; err != nil {
		return nil, err
	}
	if t.ID == uuid.Nil {
		return nil, errors.NotFound.Explain("no %s %s with reference %s",
			provider, strings.ToLower(string(typ)), exts[0])
	}
	return &t, nil
}
