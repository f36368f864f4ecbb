/**
 * @description
 * This file contains the CallbackReconciler, which turns asynchronous gateway
 * callbacks into final payout outcomes. Providers deliver callbacks
 * at-least-once and in no particular order relative to our own dispatch
 * attempts, so every step here is written to be replay-safe:
 *
 * - The callback is authenticated (HMAC over the raw body) before anything
 *   else runs.
 * - The request is located by the provider reference recorded at dispatch
 *   time; a reference we never issued is rejected.
 * - Finalization is a compare-and-swap on the request state, so the second
 *   delivery of the same callback finds a terminal row and becomes a no-op.
 * - A callback can legally race a dispatch timeout: the request may already
 *   sit in retry when the provider reports success, so retry is an accepted
 *   source state for finalization.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
	"github.com/watchearn/payout-service/pkg/gateway"
	"github.com/watchearn/payout-service/pkg/rabbitmq"
)

var (
	// ErrUnknownProvider is returned for callbacks addressed to a provider we
	// have no client for.
	ErrUnknownProvider = errors.New("unknown callback provider")
	// ErrInvalidSignature is returned when callback authentication fails.
	ErrInvalidSignature = errors.New("invalid callback signature")
	// ErrUnknownReference is returned when the callback names a provider
	// reference no payment request carries.
	ErrUnknownReference = errors.New("unknown provider reference")
	// ErrMalformedCallback is returned when the callback body cannot be decoded.
	ErrMalformedCallback = errors.New("malformed callback body")
)

// CallbackReconciler applies gateway callbacks to payment requests.
type CallbackReconciler struct {
	repo      store.Repository
	ledger    *Ledger
	gateways  map[string]gateway.Client
	publisher rabbitmq.Publisher
	exchange  string
}

// NewCallbackReconciler builds a reconciler. Gateways are keyed by their
// Name(), which is also the provider segment of the callback URL.
func NewCallbackReconciler(repo store.Repository, ledger *Ledger, clients []gateway.Client, publisher rabbitmq.Publisher, exchange string) *CallbackReconciler {
	gateways := make(map[string]gateway.Client, len(clients))
	for _, c := range clients {
		gateways[c.Name()] = c
	}
	return &CallbackReconciler{
		repo:      repo,
		ledger:    ledger,
		gateways:  gateways,
		publisher: publisher,
		exchange:  exchange,
	}
}

// HandleCallback authenticates and applies one callback delivery. The raw
// body is passed through untouched because the signature covers its exact
// bytes.
func (r *CallbackReconciler) HandleCallback(ctx context.Context, provider string, body []byte, signature string) error {
	client, ok := r.gateways[provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if !client.VerifyCallbackSignature(body, signature) {
		payoutCallbacksTotal.WithLabelValues(provider, "rejected_signature").Inc()
		log.Printf("level=warn component=reconciler op=callback msg=\"signature verification failed\" provider=%s", provider)
		return ErrInvalidSignature
	}

	var cb domain.GatewayCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if cb.ProviderReference == "" {
		return fmt.Errorf("%w: missing provider reference", ErrMalformedCallback)
	}
	if cb.Outcome != domain.OutcomeSuccess && cb.Outcome != domain.OutcomeFailure {
		return fmt.Errorf("%w: outcome %q", ErrMalformedCallback, cb.Outcome)
	}

	return r.applyCallback(ctx, provider, &cb)
}

// applyCallback finalizes the referenced request. Duplicate deliveries and
// callbacks racing our own retry bookkeeping both resolve to no-ops.
func (r *CallbackReconciler) applyCallback(ctx context.Context, provider string, cb *domain.GatewayCallback) error {
	req, err := r.repo.FindPaymentRequestByGatewayReference(ctx, cb.ProviderReference)
	if err != nil {
		if errors.Is(err, store.ErrRequestNotFound) {
			payoutCallbacksTotal.WithLabelValues(provider, "unknown_reference").Inc()
			log.Printf("level=warn component=reconciler op=callback msg=\"callback for unknown reference\" provider=%s reference=%s", provider, cb.ProviderReference)
			return fmt.Errorf("%w: %q", ErrUnknownReference, cb.ProviderReference)
		}
		return err
	}

	if req.State.Terminal() {
		payoutCallbacksTotal.WithLabelValues(provider, "duplicate").Inc()
		log.Printf("level=info component=reconciler op=callback msg=\"duplicate callback for settled request\" request_id=%s state=%s", req.ID, req.State)
		// A redelivery also doubles as the repair path for a crash or storage
		// error between the terminal swap and the reservation settlement.
		r.settleReservation(ctx, req)
		return nil
	}

	// The reservation amount is authoritative; a provider reporting a
	// different figure is worth an alert but does not change settlement.
	if cb.Amount != 0 && cb.Amount != req.Amount {
		log.Printf("level=warn component=reconciler op=callback msg=\"callback amount differs from stored request\" request_id=%s stored=%d reported=%d", req.ID, req.Amount, cb.Amount)
	}

	switch cb.Outcome {
	case domain.OutcomeSuccess:
		return r.complete(ctx, provider, req)
	default:
		return r.failFromCallback(ctx, provider, req, cb.Detail)
	}
}

// complete finalizes a successful payout: state to completed, reservation
// committed, completion event out.
func (r *CallbackReconciler) complete(ctx context.Context, provider string, req *domain.PaymentRequest) error {
	finalized, err := r.finalize(ctx, req, domain.StateCompleted)
	if err != nil {
		return err
	}
	if !finalized {
		payoutCallbacksTotal.WithLabelValues(provider, "duplicate").Inc()
		return nil
	}
	if err := r.ledger.Commit(ctx, req.ReservationID); err != nil {
		// The request is already completed, so the error makes the provider
		// redeliver and the duplicate branch settles the reservation then.
		log.Printf("level=error component=reconciler op=callback msg=\"request completed but reservation commit failed\" request_id=%s reservation_id=%s err=%v", req.ID, req.ReservationID, err)
		return err
	}
	payoutCallbacksTotal.WithLabelValues(provider, "success").Inc()
	r.publish(ctx, RoutingKeyPayoutCompleted, req, domain.StateCompleted, "")
	log.Printf("level=info component=reconciler op=callback result=completed request_id=%s provider=%s amount=%d", req.ID, provider, req.Amount)
	return nil
}

// failFromCallback finalizes a provider-reported failure: state to failed,
// reservation released back to the user, failure event out.
func (r *CallbackReconciler) failFromCallback(ctx context.Context, provider string, req *domain.PaymentRequest, detail string) error {
	finalized, err := r.finalize(ctx, req, domain.StateFailed)
	if err != nil {
		return err
	}
	if !finalized {
		payoutCallbacksTotal.WithLabelValues(provider, "duplicate").Inc()
		return nil
	}
	if detail != "" {
		if err := r.repo.SetPaymentRequestFailureDetail(ctx, req.ID, detail); err != nil {
			log.Printf("level=warn component=reconciler op=callback msg=\"failed to record failure detail\" request_id=%s err=%v", req.ID, err)
		}
	}
	if err := r.ledger.Release(ctx, req.ReservationID); err != nil {
		return err
	}
	payoutCallbacksTotal.WithLabelValues(provider, "failure").Inc()
	r.publish(ctx, RoutingKeyPayoutFailed, req, domain.StateFailed, detail)
	log.Printf("level=warn component=reconciler op=callback result=failed request_id=%s provider=%s detail=%q", req.ID, provider, detail)
	return nil
}

// settleReservation re-applies the reservation outcome implied by a terminal
// request state. The terminal swap and the ledger call are separate writes, so
// a failure between them leaves the reservation reserved; the provider's next
// redelivery lands here and settles it. Already-settled reservations are left
// alone.
func (r *CallbackReconciler) settleReservation(ctx context.Context, req *domain.PaymentRequest) {
	res, err := r.repo.FindReservationByID(ctx, req.ReservationID)
	if err != nil {
		log.Printf("level=error component=reconciler op=callback msg=\"failed to inspect reservation for settled request\" request_id=%s reservation_id=%s err=%v", req.ID, req.ReservationID, err)
		return
	}
	if res.Status != domain.ReservationReserved {
		return
	}

	log.Printf("level=warn component=reconciler op=callback msg=\"settled request holds an unsettled reservation; repairing\" request_id=%s state=%s reservation_id=%s", req.ID, req.State, req.ReservationID)
	if req.State == domain.StateCompleted {
		err = r.ledger.Commit(ctx, req.ReservationID)
	} else {
		err = r.ledger.Release(ctx, req.ReservationID)
	}
	if err != nil {
		log.Printf("level=error component=reconciler op=callback msg=\"reservation repair failed\" request_id=%s reservation_id=%s err=%v", req.ID, req.ReservationID, err)
	}
}

// finalize attempts the terminal transition from the request's current
// non-terminal state, tolerating the processing/retry race: if the row moved
// between the read and the swap, one more attempt is made from the other
// source state before reporting the request as already settled.
func (r *CallbackReconciler) finalize(ctx context.Context, req *domain.PaymentRequest, to domain.PayoutState) (bool, error) {
	sources := []domain.PayoutState{req.State}
	switch req.State {
	case domain.StateProcessing:
		sources = append(sources, domain.StateRetry)
	case domain.StateRetry:
		sources = append(sources, domain.StateProcessing)
	}

	for _, from := range sources {
		if !domain.ValidTransition(from, to) {
			continue
		}
		ok, err := r.repo.TransitionPaymentRequestState(ctx, req.ID, from, to)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *CallbackReconciler) publish(ctx context.Context, routingKey string, req *domain.PaymentRequest, state domain.PayoutState, reason string) {
	event := domain.PayoutStatusEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		State:     state,
		Amount:    req.Amount,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if err := r.publisher.Publish(ctx, r.exchange, routingKey, event); err != nil {
		log.Printf("level=error component=reconciler op=publish msg=\"failed to publish status event\" routing_key=%s request_id=%s err=%v", routingKey, req.ID, err)
	}
}
