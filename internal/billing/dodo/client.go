// Package dodo is a minimal client for the payment provider's REST API. Only
// the operations the backend initiates live here; everything else arrives via
// webhooks.
package dodo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	liveBaseURL = "https://live.dodopayments.com"
	testBaseURL = "https://test.dodopayments.com"
)

// APIError carries a provider failure with its HTTP status.
type APIError struct {
	StatusCode int
	Body       string
}

func (apiError *APIError) Error() string {
	return fmt.Sprintf("dodo: provider error: status=%d body=%s", apiError.StatusCode, apiError.Body)
}

// Config parameterizes a Client. TestMode selects the provider's sandbox
// host; an explicit BaseURL overrides both.
type Config struct {
	APIKey   string
	BaseURL  string
	TestMode bool
	Timeout  time.Duration
}

// Client issues authenticated JSON requests to the provider.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient wires a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		if cfg.TestMode {
			baseURL = testBaseURL
		} else {
			baseURL = liveBaseURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// CancelSubscriptionResult is the provider's view after a cancellation.
type CancelSubscriptionResult struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
}

// CancelSubscription asks the provider to stop a subscription at the end of
// the current period.
func (client *Client) CancelSubscription(ctx context.Context, subscriptionID string) (CancelSubscriptionResult, error) {
	var result CancelSubscriptionResult
	err := client.do(ctx, http.MethodPatch, "/subscriptions/"+subscriptionID, map[string]any{
		"cancel_at_next_billing_date": true,
	}, &result)
	return result, err
}

// CreateRefundResult is the provider's acknowledgement of a refund request.
type CreateRefundResult struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

// CreateRefund requests a refund for a provider payment.
func (client *Client) CreateRefund(ctx context.Context, paymentID string, reason string) (CreateRefundResult, error) {
	var result CreateRefundResult
	err := client.do(ctx, http.MethodPost, "/refunds", map[string]any{
		"payment_id": paymentID,
		"reason":     reason,
	}, &result)
	return result, err
}

func (client *Client) do(ctx context.Context, method string, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.apiKey)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer response.Body.Close()

	rawBody, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if response.StatusCode >= 300 {
		client.logger.Error("provider request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
		)
		return &APIError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(rawBody))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
