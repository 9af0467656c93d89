/**
 * @description
 * This package provides a client for the payment gateway's refund API.
 * It builds authenticated JSON:API requests, parses the provider transaction
 * id on success and returns a structured *ErrorResponse on failure.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RefundRequest is the payload for refunding a captured payment.
type RefundRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			PaymentReference string `json:"paymentReference"`
			Currency         string `json:"currency"`
			Amount           int64  `json:"amount"`
			Reason           string `json:"reason"`
			Note             string `json:"note,omitempty"`
		} `json:"attributes"`
	} `json:"data"`
}

// RefundResponse is the gateway's answer to a refund request.
type RefundResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
			Amount int64  `json:"amount"`
		} `json:"attributes"`
	} `json:"data"`
}

// ErrorResponse represents an error from the payment gateway.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("payment gateway error (status %d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("payment gateway error (status %d)", e.StatusCode)
}

// IsExplicitRejection reports whether the gateway refused the refund outright.
// Timeouts, throttling and server errors are not rejections.
func (e *ErrorResponse) IsExplicitRejection() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	}
	return false
}

// Refund asks the gateway to return amount (minor units) to the original payment.
// idempotencyKey is forwarded so the gateway can collapse repeated attempts.
func (c *Client) Refund(
	ctx context.Context,
	paymentReference string,
	amount int64,
	currency string,
	reason string,
	note string,
	idempotencyKey string,
) (*RefundResponse, error) {
	payload := RefundRequest{}
	payload.Data.Type = "Refund"
	payload.Data.Attributes.PaymentReference = paymentReference
	payload.Data.Attributes.Currency = currency
	payload.Data.Attributes.Amount = amount
	payload.Data.Attributes.Reason = reason
	payload.Data.Attributes.Note = note

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refund request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/refunds", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute refund request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refund response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=payment_client op=refund status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, &ErrorResponse{StatusCode: resp.StatusCode}
		}
		log.Printf("level=warn component=payment_client op=refund status=%d title=%q detail=%q", resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return nil, &errResp
	}

	var successResp RefundResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode refund response: %w", err)
	}
	if successResp.Data.ID == "" {
		return nil, fmt.Errorf("refund response missing transaction id")
	}
	return &successResp, nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
