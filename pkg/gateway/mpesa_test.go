package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newMpesaTestClient(baseURL string) *MpesaClient {
	return NewMpesaClient(baseURL, "consumer-key", "consumer-secret", "174379", "passkey", "callback-secret", 2*time.Second)
}

func TestMpesaDispatchPayout_Accepted(t *testing.T) {
	requestID := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mpesa/b2c/v1/paymentrequest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "consumer-key" || pass != "consumer-secret" {
			t.Error("expected basic auth with consumer credentials")
		}

		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		if payload["OriginatorConversationID"] != requestID.String() {
			t.Errorf("expected request id as conversation id, got %v", payload["OriginatorConversationID"])
		}
		if payload["BusinessShortCode"] != "174379" {
			t.Errorf("expected shortcode in payload, got %v", payload["BusinessShortCode"])
		}
		if payload["Password"] == "" || payload["Timestamp"] == "" {
			t.Error("expected password and timestamp in payload")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"ConversationID":      "AG_20260828_0001",
			"ResponseCode":        "0",
			"ResponseDescription": "Accept the service request successfully.",
		})
	}))
	defer server.Close()

	client := newMpesaTestClient(server.URL)
	result, err := client.DispatchPayout(context.Background(), Payout{
		RequestID:   requestID,
		Amount:      5000,
		Destination: "254700000001",
	})
	if err != nil {
		t.Fatalf("expected dispatch to succeed, got %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected acceptance, got %+v", result)
	}
	if result.ProviderReference != "AG_20260828_0001" {
		t.Fatalf("expected conversation id as reference, got %q", result.ProviderReference)
	}
}

func TestMpesaDispatchPayout_ProviderErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newMpesaTestClient(server.URL)
	result, err := client.DispatchPayout(context.Background(), Payout{RequestID: uuid.New(), Amount: 5000, Destination: "254700000001"})
	if err != nil {
		t.Fatalf("expected normalized result, got error %v", err)
	}
	if result.Accepted || !result.Retryable {
		t.Fatalf("expected retryable rejection, got %+v", result)
	}
}

func TestMpesaDispatchPayout_BusinessRejectionIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid PartyB",
		})
	}))
	defer server.Close()

	client := newMpesaTestClient(server.URL)
	result, err := client.DispatchPayout(context.Background(), Payout{RequestID: uuid.New(), Amount: 5000, Destination: "bogus"})
	if err != nil {
		t.Fatalf("expected normalized result, got error %v", err)
	}
	if result.Accepted || result.Retryable {
		t.Fatalf("expected permanent rejection, got %+v", result)
	}
	if result.ErrorDetail != "Bad Request - Invalid PartyB" {
		t.Fatalf("expected provider error message, got %q", result.ErrorDetail)
	}
}

func TestMpesaDispatchPayout_NonZeroResponseCodeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "1",
			"ResponseDescription": "Insufficient funds on shortcode",
		})
	}))
	defer server.Close()

	client := newMpesaTestClient(server.URL)
	result, err := client.DispatchPayout(context.Background(), Payout{RequestID: uuid.New(), Amount: 5000, Destination: "254700000001"})
	if err != nil {
		t.Fatalf("expected normalized result, got error %v", err)
	}
	if result.Accepted || result.Retryable {
		t.Fatalf("expected permanent rejection, got %+v", result)
	}
}

func TestMpesaDispatchPayout_TransportFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := newMpesaTestClient(server.URL)
	result, err := client.DispatchPayout(context.Background(), Payout{RequestID: uuid.New(), Amount: 5000, Destination: "254700000001"})
	if err != nil {
		t.Fatalf("expected normalized result, got error %v", err)
	}
	if result.Accepted || !result.Retryable {
		t.Fatalf("expected retryable transport failure, got %+v", result)
	}
}

func TestMpesaVerifyCallbackSignature(t *testing.T) {
	client := newMpesaTestClient("http://unused")
	body := []byte(`{"provider_reference":"AG_20260828_0001","outcome":"success","amount":5000}`)

	if !client.VerifyCallbackSignature(body, Sign("callback-secret", body)) {
		t.Fatal("expected valid signature to verify")
	}
	if client.VerifyCallbackSignature(body, Sign("wrong-secret", body)) {
		t.Fatal("expected signature under wrong secret to fail")
	}
	if client.VerifyCallbackSignature(body, "") {
		t.Fatal("expected empty signature to fail")
	}
}
