package kyc

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/config"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

// Vendor names as stored in KYCVerification.ProviderName.
const (
	NameMock   = "mock"
	NameOnfido = "onfido"
	NameJumio  = "jumio"
)

// Outcome is a vendor verdict normalized across vendors.
type Outcome string

const (
	// OutcomePending means the vendor has not decided yet.
	OutcomePending  Outcome = "pending"
	OutcomeClear    Outcome = "clear"
	OutcomeConsider Outcome = "consider"
	OutcomeRejected Outcome = "rejected"
)

// Document is an identity document supplied with a submission.
type Document struct {
	Type        string `json:"document_type" validate:"required,oneof=passport national_id drivers_license utility_bill selfie"`
	FileName    string `json:"file_name" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"required,oneof=image/jpeg image/png application/pdf"`
	Content     []byte `json:"content" validate:"required"`
}

// Submission is the vendor's acknowledgement of a new check.
type Submission struct {
	ReferenceID string
	Method      string
	DocumentIDs []string
}

// Decision is a vendor callback normalized to what the workflow needs.
type Decision struct {
	EventID     string
	ReferenceID string
	Result      string
	Outcome     Outcome
	FraudScore  float64
	Reason      string
	Raw         map[string]any
}

// IdempotencyKey is the vendor event id, else the check reference and verdict.
func (d *Decision) IdempotencyKey() string {
	if d.EventID != "" {
		return d.EventID
	}
	return d.ReferenceID + ":" + d.Result
}

// Provider is an identity verification vendor.
type Provider interface {
	Name() string
	Submit(ctx context.Context, v *models.KYCVerification, docs []Document) (*Submission, error)
	SignatureHeader() string
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhook(payload []byte) (*Decision, error)
}

// Providers holds the configured vendors. New submissions go to the active
// one; callbacks are accepted from any configured vendor.
type Providers struct {
	active Provider
	byName map[string]Provider
}

// NewProviders builds the vendors that have credentials. The mock vendor is
// always available and signs callbacks with mockSecret.
func NewProviders(cfg config.KYCConfig, mockSecret string, timeout time.Duration, logger *zap.Logger) (*Providers, error) {
	p := &Providers{byName: map[string]Provider{NameMock: NewMockProvider(mockSecret)}}
	if cfg.OnfidoAPIToken != "" {
		p.byName[NameOnfido] = NewOnfidoProvider(cfg.OnfidoAPIToken, cfg.OnfidoWebhookToken, cfg.OnfidoBaseURL, timeout, logger)
	}
	if cfg.JumioAPIToken != "" && cfg.JumioAPISecret != "" {
		p.byName[NameJumio] = NewJumioProvider(cfg.JumioAPIToken, cfg.JumioAPISecret, cfg.JumioCallbackSecret, cfg.JumioBaseURL, timeout, logger)
	}
	name := cfg.KYCProvider
	if name == "" {
		name = NameMock
	}
	active, ok := p.byName[name]
	if !ok {
		return nil, errors.ConfigError.Explain("kyc provider %s has no credentials", name)
	}
	p.active = active
	logger.Info("kyc providers ready", zap.String("active", name), zap.Int("configured", len(p.byName)))
	return p, nil
}

// NewProvidersFrom wraps already constructed vendors; the first is active.
func NewProvidersFrom(active Provider, others ...Provider) *Providers {
	p := &Providers{active: active, byName: map[string]Provider{active.Name(): active}}
	for _, o := range others {
		p.byName[o.Name()] = o
	}
	return p
}

func (p *Providers) Active() Provider { return p.active }

func (p *Providers) ByName(name string) (Provider, bool) {
	v, ok := p.byName[name]
	return v, ok
}

// MockProvider accepts every submission and decides through signed
// callbacks, which tests and operators post by hand.
type MockProvider struct {
	secret string
}

func NewMockProvider(secret string) *MockProvider {
	return &MockProvider{secret: secret}
}

func (p *MockProvider) Name() string            { return NameMock }
func (p *MockProvider) SignatureHeader() string { return "X-Mock-Signature" }

func (p *MockProvider) Submit(_ context.Context, v *models.KYCVerification, docs []Document) (*Submission, error) {
	ids := make([]string, len(docs))
	for i := range docs {
		ids[i] = "MOCK-DOC-" + v.ID.String()[:8] + "-" + docs[i].Type
	}
	return &Submission{ReferenceID: "MOCK-" + v.ID.String(), Method: "document", DocumentIDs: ids}, nil
}

func (p *MockProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return providers.VerifySHA256(p.secret, payload, signature)
}

type mockCallback struct {
	EventID     string  `json:"event_id"`
	ReferenceID string  `json:"reference_id"`
	Result      string  `json:"result"`
	FraudScore  float64 `json:"fraud_score"`
	Reason      string  `json:"reason"`
}

func (p *MockProvider) ParseWebhook(payload []byte) (*Decision, error) {
	var in mockCallback
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.ValidationFailed.Explain("malformed kyc callback").Wrap(err)
	}
	if in.ReferenceID == "" {
		return nil, errors.ValidationFailed.Explain("kyc callback has no reference_id")
	}
	return &Decision{
		EventID:     in.EventID,
		ReferenceID: in.ReferenceID,
		Result:      in.Result,
		Outcome:     outcomeOf(in.Result),
		FraudScore:  in.FraudScore,
		Reason:      in.Reason,
		Raw:         map[string]any{"result": in.Result, "fraud_score": in.FraudScore},
	}, nil
}

// outcomeOf maps the verdict words vendors use.
func outcomeOf(result string) Outcome {
	switch result {
	case "clear", "approved", "passed", "PASSED":
		return OutcomeClear
	case "consider", "caution", "review", "WARNING":
		return OutcomeConsider
	case "rejected", "declined", "unidentified", "REJECTED":
		return OutcomeRejected
	default:
		return OutcomePending
	}
}
