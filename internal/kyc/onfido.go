package kyc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

const onfidoBaseURL = "https://api.eu.onfido.com/v3.6"

var onfidoReports = []string{"document", "facial_similarity_photo", "watchlist_standard"}

// OnfidoProvider creates an applicant and a check per submission. Document
// images are captured by the Onfido client SDK against the same applicant.
type OnfidoProvider struct {
	client       *providers.Client
	webhookToken string
}

func NewOnfidoProvider(apiToken, webhookToken, baseURL string, timeout time.Duration, logger *zap.Logger) *OnfidoProvider {
	if baseURL == "" {
		baseURL = onfidoBaseURL
	}
	auth := func(r *http.Request) { r.Header.Set("Authorization", "Token token="+apiToken) }
	return &OnfidoProvider{
		client:       providers.NewClientWithAuth(NameOnfido, strings.TrimRight(baseURL, "/"), auth, timeout, logger),
		webhookToken: webhookToken,
	}
}

func (p *OnfidoProvider) Name() string            { return NameOnfido }
func (p *OnfidoProvider) SignatureHeader() string { return "X-SHA2-Signature" }

func (p *OnfidoProvider) Submit(ctx context.Context, v *models.KYCVerification, docs []Document) (*Submission, error) {
	applicant := map[string]any{
		"first_name": v.FirstName,
		"last_name":  v.LastName,
		"email":      v.Email,
	}
	if v.DateOfBirth != nil {
		applicant["dob"] = v.DateOfBirth.Format("2006-01-02")
	}
	if v.Address != "" {
		applicant["address"] = map[string]any{"line1": v.Address, "country": v.Nationality}
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := p.client.Do(ctx, "create_applicant", http.MethodPost, "/applicants", applicant, &created); err != nil {
		return nil, err
	}

	var check struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := p.client.Do(ctx, "create_check", http.MethodPost, "/checks", map[string]any{
		"applicant_id": created.ID,
		"report_names": onfidoReports,
	}, &check)
	if err != nil {
		return nil, err
	}
	if check.ID == "" {
		return nil, errors.ProviderUnavailable.Explain("onfido returned a check without an id")
	}
	return &Submission{ReferenceID: check.ID, Method: "document"}, nil
}

func (p *OnfidoProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return providers.VerifySHA256(p.webhookToken, payload, signature)
}

type onfidoWebhook struct {
	Payload struct {
		ResourceType string `json:"resource_type"`
		Action       string `json:"action"`
		Object       struct {
			ID          string   `json:"id"`
			Status      string   `json:"status"`
			Result      string   `json:"result"`
			CompletedAt string   `json:"completed_at_iso8601"`
			FraudScore  *float64 `json:"fraud_score"`
		} `json:"object"`
	} `json:"payload"`
}

// ParseWebhook handles check events. Report-level events and checks still
// in progress come back as OutcomePending.
func (p *OnfidoProvider) ParseWebhook(payload []byte) (*Decision, error) {
	var in onfidoWebhook
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.ValidationFailed.Explain("malformed onfido webhook payload").Wrap(err)
	}
	obj := in.Payload.Object
	if obj.ID == "" {
		return nil, errors.ValidationFailed.Explain("onfido webhook has no object id")
	}
	d := &Decision{
		EventID:     in.Payload.Action + ":" + obj.ID,
		ReferenceID: obj.ID,
		Result:      obj.Result,
		Outcome:     OutcomePending,
		Raw: map[string]any{
			"resource_type": in.Payload.ResourceType,
			"action":        in.Payload.Action,
			"status":        obj.Status,
			"result":        obj.Result,
		},
	}
	if obj.FraudScore != nil {
		d.FraudScore = *obj.FraudScore
		d.Raw["fraud_score"] = *obj.FraudScore
	}
	if in.Payload.ResourceType != "check" {
		return d, nil
	}
	switch obj.Status {
	case "complete":
		d.Outcome = outcomeOf(obj.Result)
		if d.Outcome == OutcomeRejected {
			d.Reason = "onfido check result " + obj.Result
		}
	case "withdrawn":
		d.Outcome = OutcomeRejected
		d.Reason = "onfido check withdrawn"
	}
	return d, nil
}
