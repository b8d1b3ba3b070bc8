package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := InsufficientFunds.Explain("wallet %s", "w1")
	wrapped := fmt.Errorf("transfer: %w", err)

	assert.True(t, Is(wrapped, InsufficientFunds))
	assert.False(t, Is(wrapped, LimitExceeded))
	assert.Equal(t, KindInsufficientFunds, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
}

func TestSentinelsAreNotMutated(t *testing.T) {
	_ = ValidationFailed.WithField("amount_min", "amount", "too small").Wrap(fmt.Errorf("x"))
	assert.Empty(t, ValidationFailed.Fields)
	assert.Nil(t, ValidationFailed.Unwrap())
	assert.Empty(t, RateLimited.WithMeta("operation", "transfer").Meta["x"])
	assert.Nil(t, RateLimited.Meta)
}

func TestRuleOf(t *testing.T) {
	err := ValidationFailed.WithField("pin_sequential", "pin", "sequential digits")
	assert.Equal(t, "pin_sequential", RuleOf(err))
	assert.Equal(t, "", RuleOf(NotFound))
}

func TestProblemMapping(t *testing.T) {
	err := RateLimited.Explain("transfer limit reached").
		WithMeta("operation", "transfer").
		WithMeta("reset_after_seconds", 3600)

	p := Problem(err, "/v1/transfers")
	assert.Equal(t, http.StatusTooManyRequests, p.Status)
	assert.Equal(t, "transfer limit reached", p.Detail)

	raw, jerr := json.Marshal(p)
	require.NoError(t, jerr)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "transfer", body["operation"])
	assert.Equal(t, "/v1/transfers", body["instance"])
}

func TestProblemHidesInternalDetail(t *testing.T) {
	p := Problem(fmt.Errorf("pq: connection refused"), "")
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.NotContains(t, p.Detail, "pq")
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ProviderUnavailable))
}
