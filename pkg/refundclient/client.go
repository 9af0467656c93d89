/**
 * @description
 * Client for the refund-service internal endpoints, used by the scheduler and
 * the operator CLI.
 */
package refundclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
)

// StatusError is returned when the refund service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("refund service returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("refund service returned status %d", e.StatusCode)
}

// AllocationResult is the ledger response for one donation.
type AllocationResult struct {
	Created     bool                `json:"created"`
	Allocations []domain.Allocation `json:"allocations"`
}

// Client provides methods to interact with the refund service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new refund service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Sweep auto-resolves every expired pending decision.
func (c *Client) Sweep(ctx context.Context) (*domain.SweepResult, error) {
	var result domain.SweepResult
	if err := c.post(ctx, "/refunds/internal/sweep", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessRefundRequest runs a batch settlement pass over one refund request.
func (c *Client) ProcessRefundRequest(ctx context.Context, requestID uuid.UUID) (*domain.ProcessingResult, error) {
	var result domain.ProcessingResult
	if err := c.post(ctx, fmt.Sprintf("/refunds/internal/requests/%s/process", requestID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Allocate records a completed donation in the allocation ledger.
func (c *Client) Allocate(ctx context.Context, req domain.AllocateDonationRequest) (*AllocationResult, error) {
	var result AllocationResult
	if err := c.post(ctx, "/refunds/internal/allocations", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("refund service base URL is not configured")
	}
	if c.apiKey == "" {
		return fmt.Errorf("refund service internal api key is not configured")
	}

	body := []byte("{}")
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var errBody struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &errBody) == nil {
			statusErr.Code = errBody.Code
			statusErr.Message = errBody.Error
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse refund service response: %w", err)
	}
	return nil
}
