package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
	"github.com/Aidin1998/fincore/pkg/metrics"
)

// Client is the JSON-over-HTTP transport shared by the external providers.
type Client struct {
	name       string
	baseURL    string
	authorize  func(*http.Request)
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient authenticates with a bearer token.
func NewClient(name, baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	return NewClientWithAuth(name, baseURL, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	}, timeout, log)
}

// NewClientWithAuth lets the vendor decide how requests are authenticated.
func NewClientWithAuth(name, baseURL string, authorize func(*http.Request), timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		name:       name,
		baseURL:    baseURL,
		authorize:  authorize,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(zap.String("provider", name)),
	}
}

// Do sends body (if any) as JSON and decodes the response into out.
// Transport failures and 5xx map to ProviderUnavailable, 4xx to ProviderRejected.
func (c *Client) Do(ctx context.Context, operation, method, path string, body, out any) error {
	start := time.Now()
	err := c.send(ctx, method, path, body, out)
	metrics.ProviderLatency.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = errors.KindOf(err)
		logger.For(ctx, c.logger).Warn("provider call failed",
			zap.String("operation", operation),
			zap.String("path", path),
			zap.Error(err))
	}
	metrics.ProviderRequests.WithLabelValues(c.name, operation, outcome).Inc()
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(fmt.Errorf("failed to encode %s request: %w", c.name, err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(fmt.Errorf("failed to create %s request: %w", c.name, err))
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logger.CorrelationID(ctx); id != "" {
		req.Header.Set(logger.CorrelationHeader, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.ProviderUnavailable.Explain("%s unreachable", c.name).Wrap(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.ProviderUnavailable.Explain("failed to read %s response", c.name).Wrap(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return errors.ProviderUnavailable.
			Explain("%s returned %d", c.name, resp.StatusCode).
			WithMeta("provider", c.name)
	case resp.StatusCode >= 400:
		return errors.ProviderRejected.
			Explain("%s rejected request: %s", c.name, providerMessage(raw, resp.StatusCode)).
			WithMeta("provider", c.name).
			WithMeta("status_code", resp.StatusCode)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.ProviderUnavailable.Explain("failed to decode %s response", c.name).Wrap(err)
	}
	return nil
}

// providerMessage extracts the "message" field most providers return on error.
func providerMessage(raw []byte, status int) string {
	var env struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Message != "" {
		return env.Message
	}
	return http.StatusText(status)
}
