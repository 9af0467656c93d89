package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/pkg/paymentclient"
	"github.com/clearcause/refund-service/pkg/paypalclient"
)

// ProviderRefund is one refund call against a payment provider.
type ProviderRefund struct {
	PaymentReference string
	PaymentMethod    string
	Amount           int64
	Currency         string
	Reason           string
	Note             string
	IdempotencyKey   string
}

// RefundProvider returns money to the donor's original payment method.
type RefundProvider interface {
	Refund(ctx context.Context, call ProviderRefund) (transactionID string, err error)
}

// explicitRejection is implemented by provider errors that can tell a hard
// refusal apart from a transient failure.
type explicitRejection interface {
	IsExplicitRejection() bool
}

// isTerminalProviderError reports whether retrying the refund cannot help.
func isTerminalProviderError(err error) bool {
	if errors.Is(err, domain.ErrMissingPaymentRef) {
		return true
	}
	var rejection explicitRejection
	return errors.As(err, &rejection) && rejection.IsExplicitRejection()
}

// GatewayRefundProvider refunds through the payment gateway REST API.
type GatewayRefundProvider struct {
	client *paymentclient.Client
}

func NewGatewayRefundProvider(client *paymentclient.Client) *GatewayRefundProvider {
	return &GatewayRefundProvider{client: client}
}

func (p *GatewayRefundProvider) Refund(ctx context.Context, call ProviderRefund) (string, error) {
	resp, err := p.client.Refund(ctx, call.PaymentReference, call.Amount, call.Currency, call.Reason, call.Note, call.IdempotencyKey)
	if err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

// PayPalRefundProvider refunds PayPal captures.
type PayPalRefundProvider struct {
	client *paypalclient.Client
}

func NewPayPalRefundProvider(client *paypalclient.Client) *PayPalRefundProvider {
	return &PayPalRefundProvider{client: client}
}

func (p *PayPalRefundProvider) Refund(ctx context.Context, call ProviderRefund) (string, error) {
	return p.client.RefundCapture(ctx, call.PaymentReference, call.Amount, call.Currency, call.Note)
}

// RoutedRefundProvider picks a provider by the donation's payment method.
type RoutedRefundProvider struct {
	byMethod map[string]RefundProvider
	fallback RefundProvider
}

// NewRoutedRefundProvider routes unknown payment methods to fallback.
func NewRoutedRefundProvider(fallback RefundProvider, byMethod map[string]RefundProvider) *RoutedRefundProvider {
	normalized := make(map[string]RefundProvider, len(byMethod))
	for method, provider := range byMethod {
		normalized[strings.ToLower(strings.TrimSpace(method))] = provider
	}
	return &RoutedRefundProvider{byMethod: normalized, fallback: fallback}
}

func (p *RoutedRefundProvider) Refund(ctx context.Context, call ProviderRefund) (string, error) {
	if provider, ok := p.byMethod[strings.ToLower(strings.TrimSpace(call.PaymentMethod))]; ok {
		return provider.Refund(ctx, call)
	}
	if p.fallback == nil {
		return "", fmt.Errorf("no refund provider for payment method %q", call.PaymentMethod)
	}
	return p.fallback.Refund(ctx, call)
}
