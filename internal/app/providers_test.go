package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/pkg/paymentclient"
	"github.com/clearcause/refund-service/pkg/paypalclient"
)

func TestIsTerminalProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "missing reference", err: fmt.Errorf("donation x: %w", domain.ErrMissingPaymentRef), want: true},
		{name: "gateway rejection", err: &paymentclient.ErrorResponse{StatusCode: http.StatusBadRequest}, want: true},
		{name: "gateway throttling", err: &paymentclient.ErrorResponse{StatusCode: http.StatusTooManyRequests}, want: false},
		{name: "gateway outage", err: &paymentclient.ErrorResponse{StatusCode: http.StatusBadGateway}, want: false},
		{name: "wrapped paypal rejection", err: fmt.Errorf("refund: %w", &paypalclient.RefundError{StatusCode: http.StatusUnprocessableEntity}), want: true},
		{name: "paypal timeout", err: &paypalclient.RefundError{StatusCode: http.StatusRequestTimeout}, want: false},
		{name: "transport error", err: errors.New("connection reset by peer"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTerminalProviderError(tc.err); got != tc.want {
				t.Fatalf("expected %t, got %t", tc.want, got)
			}
		})
	}
}

type namedProvider string

func (p namedProvider) Refund(ctx context.Context, call ProviderRefund) (string, error) {
	return string(p), nil
}

func TestRoutedRefundProvider(t *testing.T) {
	router := NewRoutedRefundProvider(namedProvider("gateway"), map[string]RefundProvider{"PayPal": namedProvider("paypal")})

	if id, _ := router.Refund(context.Background(), ProviderRefund{PaymentMethod: " paypal "}); id != "paypal" {
		t.Fatalf("expected paypal route, got %s", id)
	}
	if id, _ := router.Refund(context.Background(), ProviderRefund{PaymentMethod: "gcash"}); id != "gateway" {
		t.Fatalf("expected fallback route, got %s", id)
	}

	if _, err := NewRoutedRefundProvider(nil, nil).Refund(context.Background(), ProviderRefund{PaymentMethod: "gcash"}); err == nil {
		t.Fatalf("expected an error without a fallback provider")
	}
}
