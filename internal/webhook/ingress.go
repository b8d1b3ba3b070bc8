// Package webhook receives provider callbacks. Each callback is
// authenticated, deduplicated on the provider's event key and applied to the
// ledger in the same commit that records the event as processed.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/fincore/internal/database"
	"github.com/Aidin1998/fincore/internal/kyc"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/metrics"
	"github.com/Aidin1998/fincore/pkg/models"
)

var tracer = otel.Tracer("fincore/webhook")

// Outcomes recorded in responses and metrics.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
)

// Verifiers resolves the payment provider named in the callback path.
type Verifiers interface {
	ByName(name string) (providers.WebhookVerifier, error)
}

// CardEvents applies card.transaction events.
type CardEvents interface {
	ApplyCardEventInTx(ctx context.Context, tx *gorm.DB, hooks *transaction.Hooks, e *providers.WebhookEvent) (*models.Transaction, error)
}

// Response is what the provider gets back. Replays receive the stored copy.
type Response struct {
	Status        string `json:"status"`
	Provider      string `json:"provider"`
	EventType     string `json:"event_type,omitempty"`
	EventKey      string `json:"event_key,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	WalletID      string `json:"wallet_id,omitempty"`
	Verification  string `json:"verification_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Ingress dispatches authenticated callbacks.
type Ingress struct {
	db           *gorm.DB
	logger       *zap.Logger
	verifiers    Verifiers
	transactions *transaction.Service
	wallets      *wallet.Service
	kyc          *kyc.Service
	cards        CardEvents
}

type Option func(*Ingress)

func WithKYC(k *kyc.Service) Option { return func(i *Ingress) { i.kyc = k } }
func WithCards(c CardEvents) Option { return func(i *Ingress) { i.cards = c } }

func NewIngress(db *gorm.DB, logger *zap.Logger, v Verifiers, txs *transaction.Service, wallets *wallet.Service, opts ...Option) *Ingress {
	i := &Ingress{
		db:           db,
		logger:       logger.Named("webhook"),
		verifiers:    v,
		transactions: txs,
		wallets:      wallets,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// SignatureHeader names the header that carries the provider's signature,
// or "" when provider is unknown.
func (i *Ingress) SignatureHeader(provider string) string {
	if p, ok := i.kycProvider(provider); ok {
		return p.SignatureHeader()
	}
	if v, err := i.verifiers.ByName(provider); err == nil {
		return v.SignatureHeader()
	}
	return ""
}

func (i *Ingress) kycProvider(name string) (kyc.Provider, bool) {
	if i.kyc == nil {
		return nil, false
	}
	return i.kyc.Providers().ByName(name)
}

// Handle authenticates and applies one callback. It returns the HTTP status
// and JSON body to answer with. Rejections other than a bad signature carry
// problem details; a bad signature carries no body.
func (i *Ingress) Handle(ctx context.Context, provider string, payload []byte, signature string) (int, []byte) {
	ctx, span := tracer.Start(ctx, "webhook.handle")
	span.SetAttributes(attribute.String("provider", provider))
	defer span.End()
	log := logger.For(ctx, i.logger).With(zap.String("provider", provider))

	var (
		key      string
		apply    func(tx *gorm.DB, hooks *transaction.Hooks) (*Response, error)
		resp     = &Response{Provider: provider}
		verified bool
	)
	if p, ok := i.kycProvider(provider); ok {
		if verified = p.VerifyWebhookSignature(payload, signature); verified {
			d, err := p.ParseWebhook(payload)
			if err != nil {
				return i.reject(ctx, provider, err, log)
			}
			key = d.IdempotencyKey()
			resp.EventType = "kyc." + string(d.Outcome)
			apply = func(tx *gorm.DB, hooks *transaction.Hooks) (*Response, error) {
				return i.applyKYC(ctx, tx, hooks, provider, d, resp)
			}
		}
	} else {
		v, err := i.verifiers.ByName(provider)
		if err != nil {
			return i.reject(ctx, provider, err, log)
		}
		if verified = v.VerifyWebhookSignature(payload, signature); verified {
			e, err := v.ParseWebhookEvent(payload)
			if err != nil {
				return i.reject(ctx, provider, err, log)
			}
			key = e.IdempotencyKey()
			resp.EventType = e.EventType
			apply = func(tx *gorm.DB, hooks *transaction.Hooks) (*Response, error) {
				return i.applyEvent(ctx, tx, hooks, e, resp)
			}
		}
	}
	if !verified {
		log.Warn("webhook signature rejected")
		metrics.WebhooksTotal.WithLabelValues(provider, ResultRejected).Inc()
		span.SetStatus(codes.Error, errors.KindSignatureInvalid)
		return http.StatusUnauthorized, nil
	}
	resp.EventKey = key
	span.SetAttributes(attribute.String("event_key", key), attribute.String("event_type", resp.EventType))
	log = log.With(zap.String("event_key", key), zap.String("event_type", resp.EventType))

	scope := "webhook:" + provider
	if rec, err := storedResponse(ctx, i.db, scope, key); err != nil {
		return i.fail(ctx, provider, err, log)
	} else if rec != nil {
		log.Info("webhook replayed")
		metrics.WebhooksTotal.WithLabelValues(provider, ResultDuplicate).Inc()
		return rec.ResponseCode, []byte(rec.ResponseBody)
	}

	var (
		hooks  *transaction.Hooks
		body   []byte
		result string
	)
	err := database.WithTx(ctx, i.db, func(tx *gorm.DB) error {
		hooks = &transaction.Hooks{}
		out, err := apply(tx, hooks)
		if err != nil {
			return err
		}
		result = out.Status
		if body, err = json.Marshal(out); err != nil {
			return err
		}
		if out.Status == ResultIgnored {
			return nil
		}
		return tx.WithContext(ctx).Create(&models.IdempotencyRecord{
			ID:           uuid.New(),
			Scope:        scope,
			Key:          key,
			ResponseCode: http.StatusOK,
			ResponseBody: string(body),
			CreatedAt:    time.Now().UTC(),
		}).Error
	})
	switch {
	case database.IsUniqueViolation(err):
		// a concurrent delivery of the same event committed first
		rec, rerr := storedResponse(ctx, i.db, scope, key)
		if rerr != nil || rec == nil {
			return i.fail(ctx, provider, err, log)
		}
		metrics.WebhooksTotal.WithLabelValues(provider, ResultDuplicate).Inc()
		return rec.ResponseCode, []byte(rec.ResponseBody)
	case errors.Is(err, errors.NotFound), errors.Is(err, errors.StateTransitionInvalid):
		log.Info("webhook ignored", zap.Error(err))
		metrics.WebhooksTotal.WithLabelValues(provider, ResultIgnored).Inc()
		resp.Status, resp.Reason = ResultIgnored, err.Error()
		body, _ = json.Marshal(resp)
		return http.StatusOK, body
	case err != nil:
		return i.fail(ctx, provider, err, log)
	}

	hooks.Run(ctx)
	metrics.WebhooksTotal.WithLabelValues(provider, result).Inc()
	log.Info("webhook applied", zap.String("result", result))
	return http.StatusOK, body
}

// applyEvent routes a payment provider event to the ledger.
func (i *Ingress) applyEvent(ctx context.Context, tx *gorm.DB, hooks *transaction.Hooks, e *providers.WebhookEvent, resp *Response) (*Response, error) {
	out := *resp
	out.Status = ResultProcessed
	var (
		t   *models.Transaction
		err error
	)
	switch e.EventType {
	case providers.EventDepositSuccess:
		t, err = i.transactions.CompleteDepositInTx(ctx, tx, hooks, transaction.DepositCompletion{
			Provider:          e.Provider,
			Reference:         e.Reference,
			ExternalReference: e.ExternalReference,
			Amount:            e.Amount,
		})
		if errors.Is(err, errors.NotFound) && e.AccountNumber != "" && e.Amount != nil {
			t, err = i.transactions.CreditInboundInTx(ctx, tx, hooks, transaction.InboundCredit{
				Provider:          e.Provider,
				ExternalReference: e.ExternalReference,
				AccountNumber:     e.AccountNumber,
				Amount:            *e.Amount,
				SenderName:        e.SenderName,
				SenderBank:        e.SenderBank,
				SenderAccount:     e.SenderAccount,
			})
		}
	case providers.EventDepositFailed:
		t, err = i.transactions.FailDepositInTx(ctx, tx, hooks, transaction.DepositCompletion{
			Provider:          e.Provider,
			Reference:         e.Reference,
			ExternalReference: e.ExternalReference,
			Reason:            metaString(e.Metadata, "reason"),
		})
	case providers.EventPayoutSuccess:
		t, err = i.transactions.CompleteWithdrawalInTx(ctx, tx, hooks, transaction.WithdrawalCompletion{
			Provider:          e.Provider,
			Reference:         e.Reference,
			ExternalReference: e.ExternalReference,
		})
	case providers.EventPayoutFailed:
		t, err = i.transactions.FailWithdrawalInTx(ctx, tx, hooks, transaction.WithdrawalCompletion{
			Provider:          e.Provider,
			Reference:         e.Reference,
			ExternalReference: e.ExternalReference,
			Reason:            metaString(e.Metadata, "reason"),
		})
	case providers.EventAccountAssigned:
		w, err := i.wallets.AssignAccountInTx(ctx, tx, wallet.Assignment{
			Provider:          e.Provider,
			ProviderAccountID: e.ExternalReference,
			CustomerCode:      metaString(e.Metadata, "customer_code"),
			AccountNumber:     e.AccountNumber,
			AccountName:       metaString(e.Metadata, "account_name"),
			BankName:          metaString(e.Metadata, "bank_name"),
		})
		if err != nil {
			return nil, err
		}
		out.WalletID = w.ID.String()
		return &out, nil
	case providers.EventCardTransaction:
		if i.cards == nil {
			return nil, errors.NotFound.Explain("card events are not handled")
		}
		t, err = i.cards.ApplyCardEventInTx(ctx, tx, hooks, e)
	default:
		out.Status = ResultIgnored
		out.Reason = "event type not handled"
		return &out, nil
	}
	if err != nil {
		return nil, err
	}
	if t != nil {
		out.TransactionID = t.ID.String()
	}
	return &out, nil
}

func (i *Ingress) applyKYC(ctx context.Context, tx *gorm.DB, hooks *transaction.Hooks, provider string, d *kyc.Decision, resp *Response) (*Response, error) {
	v, after, err := i.kyc.ApplyDecisionInTx(ctx, tx, provider, d)
	if err != nil {
		return nil, err
	}
	hooks.Add(after)
	out := *resp
	out.Status = ResultProcessed
	out.Verification = v.ID.String()
	return &out, nil
}

func (i *Ingress) reject(ctx context.Context, provider string, err error, log *zap.Logger) (int, []byte) {
	log.Warn("webhook rejected", zap.Error(err))
	metrics.WebhooksTotal.WithLabelValues(provider, ResultRejected).Inc()
	return problem(ctx, err)
}

func (i *Ingress) fail(ctx context.Context, provider string, err error, log *zap.Logger) (int, []byte) {
	log.Error("webhook processing failed", zap.Error(err))
	metrics.WebhooksTotal.WithLabelValues(provider, ResultFailed).Inc()
	return problem(ctx, err)
}

func problem(ctx context.Context, err error) (int, []byte) {
	p := errors.Problem(err, "").WithTraceID(logger.CorrelationID(ctx))
	body, _ := json.Marshal(p)
	return p.Status, body
}

func storedResponse(ctx context.Context, db *gorm.DB, scope, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := db.WithContext(ctx).Where("scope = ? AND key = ?", scope, key).Limit(1).Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == uuid.Nil {
		return nil, nil
	}
	return &rec, nil
}

func metaString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
