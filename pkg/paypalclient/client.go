// Package paypalclient refunds PayPal captures for donations paid through PayPal.
package paypalclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
)

// Client wraps the PayPal REST client.
type Client struct {
	api *paypal.Client
}

// NewClient creates a PayPal client for the sandbox unless environment is "live".
func NewClient(clientID, clientSecret, environment string) (*Client, error) {
	base := paypal.APIBaseSandBox
	if strings.EqualFold(strings.TrimSpace(environment), "live") {
		base = paypal.APIBaseLive
	}
	api, err := paypal.NewClient(clientID, clientSecret, base)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	return &Client{api: api}, nil
}

// RefundError is a refund PayPal answered with a failure.
type RefundError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *RefundError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("paypal refund failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("paypal refund failed (status %d): %s - %s", e.StatusCode, e.Name, e.Message)
}

// IsExplicitRejection reports whether PayPal refused the refund outright.
func (e *RefundError) IsExplicitRejection() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// FormatAmount renders minor units as PayPal's decimal string, e.g. 1234 -> "12.34".
func FormatAmount(amountMinor int64) string {
	return decimal.New(amountMinor, -2).StringFixed(2)
}

// RefundCapture refunds amountMinor of the capture and returns PayPal's refund id.
func (c *Client) RefundCapture(ctx context.Context, captureID string, amountMinor int64, currency, note string) (string, error) {
	resp, err := c.api.RefundCapture(ctx, captureID, paypal.RefundCaptureRequest{
		Amount: &paypal.Money{
			Currency: currency,
			Value:    FormatAmount(amountMinor),
		},
		NoteToPayer: note,
	})
	if err != nil {
		return "", classifyError(err)
	}

	switch strings.ToUpper(resp.Status) {
	case "CANCELLED", "FAILED":
		return "", &RefundError{StatusCode: http.StatusUnprocessableEntity, Name: resp.Status, Message: "refund " + resp.ID + " was not completed"}
	}
	return resp.ID, nil
}

func classifyError(err error) error {
	var apiErr *paypal.ErrorResponse
	if !errors.As(err, &apiErr) {
		return err
	}
	status := 0
	if apiErr.Response != nil {
		status = apiErr.Response.StatusCode
	}
	return &RefundError{StatusCode: status, Name: apiErr.Name, Message: apiErr.Message}
}
