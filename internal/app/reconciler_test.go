package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
	"github.com/watchearn/payout-service/pkg/gateway"
)

func (s *orchestratorRepoStub) FindPaymentRequestByGatewayReference(ctx context.Context, reference string) (*domain.PaymentRequest, error) {
	for _, req := range s.requests {
		if req.GatewayReference != nil && *req.GatewayReference == reference {
			copied := *req
			return &copied, nil
		}
	}
	return nil, store.ErrRequestNotFound
}

func newTestReconciler(repo *orchestratorRepoStub, client *gatewayClientStub) (*CallbackReconciler, *publisherStub) {
	pub := &publisherStub{}
	rec := NewCallbackReconciler(repo, NewLedger(repo), []gateway.Client{client}, pub, "watchearn.events")
	return rec, pub
}

func storeDispatchedRequest(repo *orchestratorRepoStub, state domain.PayoutState, reference string) *domain.PaymentRequest {
	req := &domain.PaymentRequest{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		Amount:           5000,
		Method:           domain.MethodMobileMoney,
		Destination:      "254700000001",
		State:            state,
		GatewayReference: &reference,
		ReservationID:    uuid.New(),
	}
	repo.requests[req.ID] = req

	status := domain.ReservationReserved
	switch state {
	case domain.StateCompleted:
		status = domain.ReservationCommitted
	case domain.StateFailed, domain.StateDead:
		status = domain.ReservationReleased
	}
	repo.reservations[req.ReservationID] = &domain.BalanceReservation{
		ID:        req.ReservationID,
		RequestID: req.ID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Status:    status,
	}
	return req
}

func callbackBody(t *testing.T, reference string, outcome domain.CallbackOutcome, detail string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.GatewayCallback{
		ProviderReference: reference,
		Outcome:           outcome,
		Amount:            5000,
		Detail:            detail,
	})
	if err != nil {
		t.Fatalf("failed to marshal callback: %v", err)
	}
	return body
}

func TestHandleCallback_SuccessCommitsReservation(t *testing.T) {
	repo := newOrchestratorRepoStub()
	req := storeDispatchedRequest(repo, domain.StateProcessing, "conv-123")
	rec, pub := newTestReconciler(repo, &gatewayClientStub{name: "mpesa"})

	err := rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-123", domain.OutcomeSuccess, ""), "sig")
	if err != nil {
		t.Fatalf("expected callback to apply, got %v", err)
	}
	if repo.requests[req.ID].State != domain.StateCompleted {
		t.Fatalf("expected request completed, got %s", repo.requests[req.ID].State)
	}
	if !repo.commitCalled {
		t.Fatal("expected reservation committed on success")
	}
	if repo.releaseCalled {
		t.Fatal("expected no release on success")
	}
	if len(pub.routingKeys) != 1 || pub.routingKeys[0] != RoutingKeyPayoutCompleted {
		t.Fatalf("expected completion event, got %v", pub.routingKeys)
	}
}

func TestHandleCallback_FailureReleasesReservation(t *testing.T) {
	repo := newOrchestratorRepoStub()
	req := storeDispatchedRequest(repo, domain.StateProcessing, "conv-456")
	rec, pub := newTestReconciler(repo, &gatewayClientStub{name: "mpesa"})

	err := rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-456", domain.OutcomeFailure, "recipient unreachable"), "sig")
	if err != nil {
		t.Fatalf("expected callback to apply, got %v", err)
	}
	if repo.requests[req.ID].State != domain.StateFailed {
		t.Fatalf("expected request failed, got %s", repo.requests[req.ID].State)
	}
	if !repo.releaseCalled {
		t.Fatal("expected reservation released on failure")
	}
	if repo.failureDetail != "recipient unreachable" {
		t.Fatalf("expected failure detail recorded, got %q", repo.failureDetail)
	}
	if len(pub.routingKeys) != 1 || pub.routingKeys[0] != RoutingKeyPayoutFailed {
		t.Fatalf("expected failure event, got %v", pub.routingKeys)
	}
}

func TestHandleCallback_DuplicateDeliveryIsNoOp(t *testing.T) {
	repo := newOrchestratorRepoStub()
	storeDispatchedRequest(repo, domain.StateCompleted, "conv-789")
	rec, pub := newTestReconciler(repo, &gatewayClientStub{name: "mpesa"})

	err := rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-789", domain.OutcomeSuccess, ""), "sig")
	if err != nil {
		t.Fatalf("expected duplicate callback absorbed, got %v", err)
	}
	if repo.commitCalled || repo.releaseCalled {
		t.Fatal("expected no ledger activity on duplicate delivery")
	}
	if len(pub.routingKeys) != 0 {
		t.Fatalf("expected no event on duplicate delivery, got %v", pub.routingKeys)
	}
}

func TestHandleCallback_RedeliveryRepairsUnsettledReservation(t *testing.T) {
	// A crash between the terminal swap and the ledger call leaves a completed
	// request holding a reserved reservation; the provider's redelivery must
	// settle it instead of absorbing the duplicate blindly.
	repo := newOrchestratorRepoStub()
	req := storeDispatchedRequest(repo, domain.StateCompleted, "conv-crashed")
	repo.reservations[req.ReservationID].Status = domain.ReservationReserved
	rec, pub := newTestReconciler(repo, &gatewayClientStub{name: "mpesa"})

	err := rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-crashed", domain.OutcomeSuccess, ""), "sig")
	if err != nil {
		t.Fatalf("expected redelivery absorbed, got %v", err)
	}
	if !repo.commitCalled {
		t.Fatal("expected redelivery to commit the stranded reservation")
	}
	if repo.reservations[req.ReservationID].Status != domain.ReservationCommitted {
		t.Fatalf("expected reservation committed, got %s", repo.reservations[req.ReservationID].Status)
	}
	if len(pub.routingKeys) != 0 {
		t.Fatalf("expected no event on redelivery, got %v", pub.routingKeys)
	}
}

func TestHandleCallback_CommitFailureRepairedOnRedelivery(t *testing.T) {
	repo := newOrchestratorRepoStub()
	req := storeDispatchedRequest(repo, domain.StateProcessing, "conv-flaky")
	repo.commitErr = errors.New("connection reset by peer")
	rec, _ := newTestReconciler(repo, &gatewayClientStub{name: "mpesa"})

	err := rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-flaky", domain.OutcomeSuccess, ""), "sig")
	if err == nil {
		t.Fatal("expected commit failure to surface so the provider redelivers")
	}
	if repo.requests[req.ID].State != domain.StateCompleted {
		t.Fatalf("expected request completed despite commit failure, got %s", repo.requests[req.ID].State)
	}
	if repo.reservations[req.ReservationID].Status != domain.ReservationReserved {
		t.Fatalf("expected reservation still reserved, got %s", repo.reservations[req.ReservationID].Status)
	}

	repo.commitErr = nil
	repo.commitCalled = false
	err = rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-flaky", domain.OutcomeSuccess, ""), "sig")
	if err != nil {
		t.Fatalf("expected redelivery to succeed, got %v", err)
	}
	if !repo.commitCalled {
		t.Fatal("expected redelivery to settle the reservation")
	}
	if repo.reservations[req.ReservationID].Status != domain.ReservationCommitted {
		t.Fatalf("expected reservation committed after repair, got %s", repo.reservations[req.ReservationID].Status)
	}
}

func TestHandleCallback_FinalizesFromRetryState(t *testing.T) {
	// A success callback can race a dispatch that timed out on our side and
	// already parked the request for retry.
	repo := newOrchestratorRepoStub()
	req := storeDispatchedRequest(repo, domain.StateRetry, "conv-late")
	rec, _ := newTestReconciler(repo, &gatewayClientStub{name: "mpesa"})

	err := rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-late", domain.OutcomeSuccess, ""), "sig")
	if err != nil {
		t.Fatalf("expected late callback to finalize, got %v", err)
	}
	if repo.requests[req.ID].State != domain.StateCompleted {
		t.Fatalf("expected request completed from retry, got %s", repo.requests[req.ID].State)
	}
	if !repo.commitCalled {
		t.Fatal("expected reservation committed")
	}
}

func TestHandleCallback_RejectsBadSignature(t *testing.T) {
	repo := newOrchestratorRepoStub()
	storeDispatchedRequest(repo, domain.StateProcessing, "conv-123")
	rec, _ := newTestReconciler(repo, &gatewayClientStub{name: "mpesa", rejectSignature: true})

	err := rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-123", domain.OutcomeSuccess, ""), "forged")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if repo.commitCalled || repo.releaseCalled {
		t.Fatal("expected no ledger activity for unauthenticated callback")
	}
}

func TestHandleCallback_UnknownReference(t *testing.T) {
	repo := newOrchestratorRepoStub()
	rec, _ := newTestReconciler(repo, &gatewayClientStub{name: "mpesa"})

	err := rec.HandleCallback(context.Background(), "mpesa", callbackBody(t, "conv-nope", domain.OutcomeSuccess, ""), "sig")
	if !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}
}

func TestHandleCallback_UnknownProvider(t *testing.T) {
	rec, _ := newTestReconciler(newOrchestratorRepoStub(), &gatewayClientStub{name: "mpesa"})

	err := rec.HandleCallback(context.Background(), "paystack", callbackBody(t, "ref", domain.OutcomeSuccess, ""), "sig")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestHandleCallback_MalformedBodies(t *testing.T) {
	rec, _ := newTestReconciler(newOrchestratorRepoStub(), &gatewayClientStub{name: "mpesa"})

	tests := []struct {
		name string
		body []byte
	}{
		{name: "not json", body: []byte("not-json")},
		{name: "missing reference", body: []byte(`{"outcome":"success"}`)},
		{name: "unknown outcome", body: []byte(`{"provider_reference":"conv-1","outcome":"maybe"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rec.HandleCallback(context.Background(), "mpesa", tt.body, "sig")
			if !errors.Is(err, ErrMalformedCallback) {
				t.Fatalf("expected ErrMalformedCallback, got %v", err)
			}
		})
	}
}
