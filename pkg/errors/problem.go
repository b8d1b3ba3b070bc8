package errors

import (
	"encoding/json"
	"net/http"
)

// Problem type URIs
const (
	typeBase = "https://api.fincore.io/problems/"
)

// ValidationError represents a validation error for RFC 7807
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Extra    map[string]any    `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value any) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]any, 7+len(p.Extra))
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

type kindInfo struct {
	slug   string
	title  string
	status int
}

var kinds = map[string]kindInfo{
	KindValidationFailed:       {"validation-error", "Validation Error", http.StatusBadRequest},
	KindPinInvalid:             {"pin-invalid", "Invalid PIN", http.StatusBadRequest},
	KindUnauthorized:           {"unauthorized", "Unauthorized", http.StatusUnauthorized},
	KindSignatureInvalid:       {"signature-invalid", "Invalid Signature", http.StatusUnauthorized},
	KindNotFound:               {"not-found", "Not Found", http.StatusNotFound},
	KindDuplicateReference:     {"duplicate-reference", "Duplicate Reference", http.StatusConflict},
	KindInsufficientFunds:      {"insufficient-funds", "Insufficient Funds", http.StatusUnprocessableEntity},
	KindLimitExceeded:          {"limit-exceeded", "Limit Exceeded", http.StatusUnprocessableEntity},
	KindWalletInactive:         {"wallet-inactive", "Wallet Inactive", http.StatusUnprocessableEntity},
	KindStateTransitionInvalid: {"invalid-state", "Invalid State Transition", http.StatusUnprocessableEntity},
	KindRateLimited:            {"rate-limit", "Rate Limit Exceeded", http.StatusTooManyRequests},
	KindProviderRejected:       {"provider-rejected", "Provider Rejected", http.StatusBadGateway},
	KindProviderUnavailable:    {"provider-unavailable", "Provider Unavailable", http.StatusServiceUnavailable},
	KindConfigError:            {"internal-error", "Internal Server Error", http.StatusInternalServerError},
	KindInternal:               {"internal-error", "Internal Server Error", http.StatusInternalServerError},
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	if info, ok := kinds[KindOf(err)]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Problem converts err into problem details. Internal and config errors are opaque.
func Problem(err error, instance string) *ProblemDetails {
	kind := KindOf(err)
	info, ok := kinds[kind]
	if !ok {
		info = kinds[KindInternal]
		kind = KindInternal
	}
	p := &ProblemDetails{
		Type:     typeBase + info.slug,
		Title:    info.title,
		Status:   info.status,
		Instance: instance,
	}
	if kind == KindInternal || kind == KindConfigError {
		p.Detail = "an unexpected error occurred"
		return p
	}

	var e *Error
	if As(err, &e) {
		p.Detail = e.Message
		for _, f := range e.Fields {
			p.Errors = append(p.Errors, ValidationError{Field: f.Field, Message: f.Message, Code: f.Kind})
		}
		for k, v := range e.Meta {
			p.WithExtra(k, v)
		}
	}
	if p.Detail == "" {
		p.Detail = info.title
	}
	return p
}
