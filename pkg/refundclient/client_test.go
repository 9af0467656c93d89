package refundclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
)

func TestClientSendsInternalKey(t *testing.T) {
	requestID := uuid.New()
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-API-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/refunds/internal/sweep":
			json.NewEncoder(w).Encode(domain.SweepResult{ProcessedCount: 2, TotalAmount: 900})
		case "/refunds/internal/requests/" + requestID.String() + "/process":
			json.NewEncoder(w).Encode(domain.ProcessingResult{RefundRequestID: requestID, Processed: 3})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")

	sweep, err := client.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.ProcessedCount != 2 || sweep.TotalAmount != 900 {
		t.Fatalf("unexpected sweep result: %+v", sweep)
	}

	processed, err := client.ProcessRefundRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed.Processed != 3 {
		t.Fatalf("unexpected processing result: %+v", processed)
	}
	if len(paths) != 2 {
		t.Fatalf("expected two calls, got %v", paths)
	}
}

func TestClientSurfacesErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.AllocateDonationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount != 100 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"donation not found","code":"NOT_FOUND"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret")
	_, err := client.Allocate(context.Background(), domain.AllocateDonationRequest{DonationID: uuid.New(), Amount: 100})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound || statusErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", statusErr)
	}
}

func TestClientRequiresConfiguration(t *testing.T) {
	if _, err := NewClient("", "secret").Sweep(context.Background()); err == nil {
		t.Fatalf("expected error without a base URL")
	}
	if _, err := NewClient("http://localhost:8085", " ").Sweep(context.Background()); err == nil {
		t.Fatalf("expected error without an internal key")
	}
}
