package kyc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

const (
	jumioBaseURL = "https://account.amer-1.jumio.ai"
	// jumioWorkflow is the ID + identity verification workflow.
	jumioWorkflow = 10013
)

// JumioProvider opens a KYCX account transaction per submission. The user
// completes capture on the returned web flow; Jumio calls back when the
// workflow execution is processed.
type JumioProvider struct {
	client         *providers.Client
	callbackSecret string
}

func NewJumioProvider(apiToken, apiSecret, callbackSecret, baseURL string, timeout time.Duration, logger *zap.Logger) *JumioProvider {
	if baseURL == "" {
		baseURL = jumioBaseURL
	}
	basic := base64.StdEncoding.EncodeToString([]byte(apiToken + ":" + apiSecret))
	auth := func(r *http.Request) {
		r.Header.Set("Authorization", "Basic "+basic)
		r.Header.Set("User-Agent", "fincore/1.0")
	}
	return &JumioProvider{
		client:         providers.NewClientWithAuth(NameJumio, strings.TrimRight(baseURL, "/"), auth, timeout, logger),
		callbackSecret: callbackSecret,
	}
}

func (p *JumioProvider) Name() string            { return NameJumio }
func (p *JumioProvider) SignatureHeader() string { return "X-Jumio-Signature" }

func (p *JumioProvider) Submit(ctx context.Context, v *models.KYCVerification, _ []Document) (*Submission, error) {
	var out struct {
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
		WorkflowExecution struct {
			ID string `json:"id"`
		} `json:"workflowExecution"`
		Web struct {
			Href string `json:"href"`
		} `json:"web"`
	}
	err := p.client.Do(ctx, "create_account", http.MethodPost, "/api/v1/accounts", map[string]any{
		"customerInternalReference": v.ID.String(),
		"userReference":             v.UserID.String(),
		"workflowDefinition":        map[string]any{"key": jumioWorkflow},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.WorkflowExecution.ID == "" {
		return nil, errors.ProviderUnavailable.Explain("jumio returned no workflow execution")
	}
	return &Submission{ReferenceID: out.WorkflowExecution.ID, Method: "web"}, nil
}

func (p *JumioProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return providers.VerifySHA256(p.callbackSecret, payload, signature)
}

type jumioCallback struct {
	CallbackSentAt    string `json:"callbackSentAt"`
	WorkflowExecution struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"workflowExecution"`
	Decision *struct {
		Type    string `json:"type"`
		Details struct {
			Label string `json:"label"`
		} `json:"details"`
		Risk struct {
			Score float64 `json:"score"`
		} `json:"risk"`
	} `json:"decision"`
}

// ParseWebhook maps PASSED/WARNING/REJECTED decisions. Jumio risk scores run
// from 0 to 100.
func (p *JumioProvider) ParseWebhook(payload []byte) (*Decision, error) {
	var in jumioCallback
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, errors.ValidationFailed.Explain("malformed jumio callback").Wrap(err)
	}
	exec := in.WorkflowExecution
	if exec.ID == "" {
		return nil, errors.ValidationFailed.Explain("jumio callback has no workflow execution")
	}
	d := &Decision{
		EventID:     exec.ID + ":" + exec.Status,
		ReferenceID: exec.ID,
		Outcome:     OutcomePending,
		Raw:         map[string]any{"status": exec.Status},
	}
	switch {
	case exec.Status == "SESSION_EXPIRED" || exec.Status == "TOKEN_EXPIRED":
		d.Outcome = OutcomeRejected
		d.Result = exec.Status
		d.Reason = "jumio session expired"
	case exec.Status == "PROCESSED" && in.Decision != nil:
		d.Result = in.Decision.Type
		d.Outcome = outcomeOf(in.Decision.Type)
		d.FraudScore = in.Decision.Risk.Score / 100
		d.Raw["decision"] = in.Decision.Type
		d.Raw["risk_score"] = in.Decision.Risk.Score
		if d.Outcome == OutcomeRejected {
			d.Reason = in.Decision.Details.Label
		}
	}
	return d, nil
}
