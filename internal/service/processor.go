package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"payout-ledger/internal/ledger"
	"payout-ledger/internal/util"

	"go.uber.org/zap"
)

// ProcessorClient is the external payment processor surface the ledger
// depends on. Implementations must classify errors so the orchestrator can
// tell retriable failures from terminal ones.
type ProcessorClient interface {
	// CreateTransfer requests a transfer to a destination account and
	// returns the processor's transfer id. The idempotency key makes
	// repeated requests for the same payout safe.
	CreateTransfer(ctx context.Context, destinationAccount string, amountCents int64, idempotencyKey string) (string, error)
	// GetTransfer fetches the current status of a transfer for
	// reconciliation of payouts whose callbacks were lost.
	GetTransfer(ctx context.Context, transferID string) (string, string, error)
	// MoveFunds moves cents between the processor-side holding balances.
	MoveFunds(ctx context.Context, sourcePool, destPool string, amountCents int64) error
}

// HTTPProcessorClient talks to the processor's REST API.
type HTTPProcessorClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPProcessorClient creates a processor client with a request timeout
func NewHTTPProcessorClient(baseURL, apiKey string, timeout time.Duration) *HTTPProcessorClient {
	return &HTTPProcessorClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  util.GetLogger(),
	}
}

type createTransferRequest struct {
	Destination    string `json:"destination"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

type transferResponse struct {
	TransferID    string `json:"transfer_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

type moveFundsRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	AmountCents int64  `json:"amount_cents"`
}

// CreateTransfer requests an external transfer
func (pc *HTTPProcessorClient) CreateTransfer(ctx context.Context, destinationAccount string, amountCents int64, idempotencyKey string) (string, error) {
	body := createTransferRequest{
		Destination:    destinationAccount,
		AmountCents:    amountCents,
		Currency:       "usd",
		IdempotencyKey: idempotencyKey,
	}

	var resp transferResponse
	if err := pc.post(ctx, "/v1/transfers", body, &resp); err != nil {
		return "", err
	}
	return resp.TransferID, nil
}

// GetTransfer fetches a transfer's status and failure reason
func (pc *HTTPProcessorClient) GetTransfer(ctx context.Context, transferID string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		pc.baseURL+"/v1/transfers/"+transferID, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+pc.apiKey)

	httpResp, err := pc.client.Do(req)
	if err != nil {
		return "", "", &ledger.ProcessorError{Reason: err.Error()}
	}
	defer httpResp.Body.Close()

	if err := classifyStatus(httpResp.StatusCode); err != nil {
		return "", "", err
	}

	var resp transferResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", "", fmt.Errorf("failed to decode transfer response: %w", err)
	}
	return resp.Status, resp.FailureReason, nil
}

// MoveFunds issues a processor-side fund movement between holding balances
func (pc *HTTPProcessorClient) MoveFunds(ctx context.Context, sourcePool, destPool string, amountCents int64) error {
	body := moveFundsRequest{
		Source:      sourcePool,
		Destination: destPool,
		AmountCents: amountCents,
	}
	return pc.post(ctx, "/v1/pool_transfers", body, nil)
}

func (pc *HTTPProcessorClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+pc.apiKey)

	start := time.Now()
	httpResp, err := pc.client.Do(req)
	util.TransferLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		// Network errors and timeouts: the transfer state is unknown, so
		// treat them as retriable, never as failed.
		return &ledger.ProcessorError{Reason: err.Error()}
	}
	defer httpResp.Body.Close()

	if err := classifyStatus(httpResp.StatusCode); err != nil {
		var resp transferResponse
		if decodeErr := json.NewDecoder(httpResp.Body).Decode(&resp); decodeErr == nil && resp.FailureReason != "" {
			if pe, ok := err.(*ledger.ProcessorError); ok {
				pe.Reason = resp.FailureReason
			}
		}
		return err
	}

	if out != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes to the processor error taxonomy:
// rate limits and server errors are transient, other 4xx are permanent.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &ledger.ProcessorError{Reason: fmt.Sprintf("http %d", code)}
	default:
		return &ledger.ProcessorError{Reason: fmt.Sprintf("http %d", code), Permanent: true}
	}
}
