/**
 * @description
 * This file contains the PayoutOrchestrator, the core business logic for the
 * withdrawal pipeline: idempotent submission, funds reservation, gateway
 * dispatch, bounded retry with exponential backoff, retry exhaustion, and
 * operator cancellation.
 *
 * Key design decisions:
 * - The payment request id doubles as the idempotency key. Resubmission of an
 *   existing id returns the stored record without touching the ledger.
 * - Funds move before dispatch (reserve-then-dispatch), and every path that
 *   abandons a request releases its reservation exactly once, guarded by the
 *   reservation's own compare-and-swap.
 * - Retry state lives in the database (attempt_count, next_attempt_at), not in
 *   memory, so a crash between attempts loses nothing; the redispatch sweep
 *   picks due rows back up.
 *
 * @dependencies
 * - internal/store: Repository interface and sentinel errors.
 * - pkg/gateway: Provider clients normalized behind gateway.Client.
 * - pkg/rabbitmq: Lifecycle event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
	"github.com/watchearn/payout-service/pkg/gateway"
	"github.com/watchearn/payout-service/pkg/rabbitmq"
)

var (
	// ErrAmountBelowMinimum is returned when a withdrawal is under the
	// configured minimum.
	ErrAmountBelowMinimum = errors.New("withdrawal amount below minimum")
	// ErrUnsupportedMethod is returned for payout methods no gateway serves.
	ErrUnsupportedMethod = errors.New("unsupported payout method")
	// ErrInvalidDestination is returned when the payout destination is empty
	// or does not fit the chosen method.
	ErrInvalidDestination = errors.New("invalid payout destination")
	// ErrNotCancellable is returned when cancellation targets a request that
	// has already been handed to a gateway or finished.
	ErrNotCancellable = errors.New("payment request is not cancellable")
)

// Routing keys for payout lifecycle events.
const (
	RoutingKeyPayoutCompleted = "payout.completed"
	RoutingKeyPayoutFailed    = "payout.failed"
	RoutingKeyPayoutDead      = "payout.dead"
)

// validateDestination checks the destination against the method's expected
// shape: an international phone number for mobile money, an email address for
// wallet payouts. Providers do the authoritative validation; this only rejects
// payloads that could never dispatch.
func validateDestination(method domain.PayoutMethod, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return ErrInvalidDestination
	}
	switch method {
	case domain.MethodMobileMoney:
		digits := strings.TrimPrefix(destination, "+")
		if len(digits) < 9 || len(digits) > 15 {
			return fmt.Errorf("%w: phone number must be 9-15 digits", ErrInvalidDestination)
		}
		for _, r := range digits {
			if r < '0' || r > '9' {
				return fmt.Errorf("%w: phone number must be digits only", ErrInvalidDestination)
			}
		}
	case domain.MethodWallet:
		at := strings.Index(destination, "@")
		if at <= 0 || at == len(destination)-1 {
			return fmt.Errorf("%w: wallet destination must be an email address", ErrInvalidDestination)
		}
	}
	return nil
}

// OrchestratorConfig carries the tunables of the withdrawal pipeline.
type OrchestratorConfig struct {
	MinWithdrawalCoins  int64
	MaxDispatchAttempts int
	DispatchBaseBackoff time.Duration
	DispatchBackoffCap  time.Duration
	DispatchTimeout     time.Duration
	EventExchange       string
}

// PayoutOrchestrator drives payment requests through their state machine.
type PayoutOrchestrator struct {
	repo      store.Repository
	ledger    *Ledger
	gateways  map[domain.PayoutMethod]gateway.Client
	publisher rabbitmq.Publisher
	cfg       OrchestratorConfig
}

// NewPayoutOrchestrator wires the orchestrator with its gateway clients.
func NewPayoutOrchestrator(repo store.Repository, ledger *Ledger, gateways map[domain.PayoutMethod]gateway.Client, publisher rabbitmq.Publisher, cfg OrchestratorConfig) *PayoutOrchestrator {
	return &PayoutOrchestrator{
		repo:      repo,
		ledger:    ledger,
		gateways:  gateways,
		publisher: publisher,
		cfg:       cfg,
	}
}

// SubmitWithdrawal validates, reserves funds for, records and dispatches a
// withdrawal. Calling it again with the same request id returns the stored
// request and performs no additional work, whatever state the request is in.
func (o *PayoutOrchestrator) SubmitWithdrawal(ctx context.Context, userID uuid.UUID, payload domain.SubmitWithdrawalPayload) (*domain.PaymentRequest, error) {
	if payload.Amount < o.cfg.MinWithdrawalCoins {
		return nil, fmt.Errorf("%w: got %d, minimum %d", ErrAmountBelowMinimum, payload.Amount, o.cfg.MinWithdrawalCoins)
	}
	if !payload.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, payload.Method)
	}
	if err := validateDestination(payload.Method, payload.Destination); err != nil {
		return nil, err
	}
	if _, ok := o.gateways[payload.Method]; !ok {
		return nil, fmt.Errorf("%w: no gateway configured for %q", ErrUnsupportedMethod, payload.Method)
	}

	requestID := uuid.New()
	if payload.RequestID != nil {
		requestID = *payload.RequestID
		existing, err := o.repo.FindPaymentRequestByID(ctx, requestID)
		if err == nil {
			// The idempotent no-op only holds for the request's owner; a
			// different caller must not learn the id exists at all.
			if existing.UserID != userID {
				log.Printf("level=warn component=orchestrator op=submit msg=\"request id owned by another user\" request_id=%s user_id=%s", requestID, userID)
				return nil, store.ErrRequestNotFound
			}
			log.Printf("level=info component=orchestrator op=submit msg=\"idempotent resubmission\" request_id=%s state=%s", requestID, existing.State)
			return existing, nil
		}
		if !errors.Is(err, store.ErrRequestNotFound) {
			return nil, err
		}
	}

	reservationID, err := o.ledger.Reserve(ctx, requestID, userID, payload.Amount)
	if err != nil {
		return nil, err
	}

	req := &domain.PaymentRequest{
		ID:            requestID,
		UserID:        userID,
		Amount:        payload.Amount,
		Method:        payload.Method,
		Destination:   payload.Destination,
		State:         domain.StatePending,
		ReservationID: reservationID,
	}
	if err := o.repo.CreatePaymentRequest(ctx, req); err != nil {
		if errors.Is(err, store.ErrDuplicateRequest) {
			// Lost a race against a concurrent submission of the same id. The
			// other writer's reservation backs the request; ours must go back.
			if relErr := o.ledger.Release(ctx, reservationID); relErr != nil {
				log.Printf("level=error component=orchestrator op=submit msg=\"failed to release orphan reservation\" reservation_id=%s err=%v", reservationID, relErr)
			}
			winner, findErr := o.repo.FindPaymentRequestByID(ctx, requestID)
			if findErr != nil {
				return nil, findErr
			}
			if winner.UserID != userID {
				log.Printf("level=warn component=orchestrator op=submit msg=\"request id owned by another user\" request_id=%s user_id=%s", requestID, userID)
				return nil, store.ErrRequestNotFound
			}
			return winner, nil
		}
		if relErr := o.ledger.Release(ctx, reservationID); relErr != nil {
			log.Printf("level=error component=orchestrator op=submit msg=\"failed to release reservation after create failure\" reservation_id=%s err=%v", reservationID, relErr)
		}
		return nil, err
	}

	payoutsSubmittedTotal.Inc()
	log.Printf("level=info component=orchestrator op=submit request_id=%s user_id=%s amount=%d method=%s", requestID, userID, payload.Amount, payload.Method)

	if err := o.dispatch(ctx, req, domain.StatePending); err != nil {
		// The request and reservation are durable; the redispatch sweep or a
		// gateway callback will move it forward. Surface the stored row.
		log.Printf("level=error component=orchestrator op=submit msg=\"initial dispatch failed\" request_id=%s err=%v", requestID, err)
	}
	return o.repo.FindPaymentRequestByID(ctx, requestID)
}

// GetPayout returns the stored payment request for status polling.
func (o *PayoutOrchestrator) GetPayout(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	return o.repo.FindPaymentRequestByID(ctx, requestID)
}

// Cancel aborts a payment request that is not currently in a gateway's hands:
// pending requests and retry-parked requests whose backoff has not fired yet.
// While a dispatch attempt is in flight the gateway outcome is authoritative
// and cancellation is refused.
func (o *PayoutOrchestrator) Cancel(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	req, err := o.repo.FindPaymentRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var cancelled bool
	for _, from := range []domain.PayoutState{domain.StatePending, domain.StateRetry} {
		ok, err := o.repo.TransitionPaymentRequestState(ctx, requestID, from, domain.StateFailed)
		if err != nil {
			return nil, err
		}
		if ok {
			cancelled = true
			break
		}
	}
	if !cancelled {
		return nil, fmt.Errorf("%w: request %s is %s", ErrNotCancellable, requestID, req.State)
	}

	if err := o.repo.SetPaymentRequestFailureDetail(ctx, requestID, "cancelled by operator"); err != nil {
		log.Printf("level=warn component=orchestrator op=cancel msg=\"failed to record cancellation detail\" request_id=%s err=%v", requestID, err)
	}
	if err := o.ledger.Release(ctx, req.ReservationID); err != nil {
		return nil, err
	}
	o.publishStatus(ctx, RoutingKeyPayoutFailed, req, domain.StateFailed, "cancelled by operator")
	log.Printf("level=info component=orchestrator op=cancel request_id=%s", requestID)
	return o.repo.FindPaymentRequestByID(ctx, requestID)
}

// RedispatchDue sweeps payment requests whose retry backoff has elapsed and
// dispatches them again. Returns the number of requests picked up. Invoked on
// a schedule; safe to run concurrently with itself because each pickup is a
// compare-and-swap on the retry state.
func (o *PayoutOrchestrator) RedispatchDue(ctx context.Context, limit int) (int64, error) {
	due, err := o.repo.ListDueRetryRequests(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due retry requests: %w", err)
	}

	var picked int64
	for i := range due {
		req := due[i]
		if err := o.dispatch(ctx, &req, domain.StateRetry); err != nil {
			log.Printf("level=error component=orchestrator op=redispatch msg=\"dispatch failed\" request_id=%s err=%v", req.ID, err)
			continue
		}
		picked++
	}
	return picked, nil
}

// dispatch moves a request from the given state into processing and performs
// one gateway attempt. A false compare-and-swap means another worker already
// owns the request; that is a silent no-op, not an error.
func (o *PayoutOrchestrator) dispatch(ctx context.Context, req *domain.PaymentRequest, from domain.PayoutState) error {
	// A retry row can outlive its gateway across a config change. Checked
	// before the swap so the request stays parked instead of moving to
	// processing with nowhere to go.
	client, configured := o.gateways[req.Method]
	if !configured {
		log.Printf("level=error component=orchestrator op=dispatch msg=\"no gateway configured for method; leaving request parked\" request_id=%s method=%s", req.ID, req.Method)
		return fmt.Errorf("%w: no gateway configured for %q", ErrUnsupportedMethod, req.Method)
	}

	ok, err := o.repo.TransitionPaymentRequestState(ctx, req.ID, from, domain.StateProcessing)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("level=info component=orchestrator op=dispatch msg=\"request no longer in expected state; skipping\" request_id=%s expected=%s", req.ID, from)
		return nil
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
	defer cancel()

	started := time.Now()
	result, err := client.DispatchPayout(dispatchCtx, gateway.Payout{
		RequestID:   req.ID,
		Amount:      req.Amount,
		Destination: req.Destination,
	})
	payoutDispatchLatency.WithLabelValues(client.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		// Programming error in the payload, not a provider condition. Treated
		// as non-retryable: redispatching the same payload cannot help.
		payoutDispatchTotal.WithLabelValues(client.Name(), "error").Inc()
		return o.fail(ctx, req, err.Error())
	}

	switch {
	case result.Accepted:
		payoutDispatchTotal.WithLabelValues(client.Name(), "accepted").Inc()
		if err := o.repo.SetPaymentRequestGatewayReference(ctx, req.ID, result.ProviderReference); err != nil {
			return fmt.Errorf("record gateway reference for %s: %w", req.ID, err)
		}
		log.Printf("level=info component=orchestrator op=dispatch result=accepted request_id=%s gateway=%s reference=%s", req.ID, client.Name(), result.ProviderReference)
		return nil

	case result.Retryable:
		payoutDispatchTotal.WithLabelValues(client.Name(), "retryable").Inc()
		return o.scheduleRetry(ctx, req, result.ErrorDetail)

	default:
		payoutDispatchTotal.WithLabelValues(client.Name(), "rejected").Inc()
		return o.fail(ctx, req, result.ErrorDetail)
	}
}

// scheduleRetry records a failed attempt and either parks the request for a
// later re-dispatch with exponential backoff, or parks it dead once the
// attempt budget is spent. Dead requests release their reservation: the user
// gets the funds back and operations investigates out of band.
func (o *PayoutOrchestrator) scheduleRetry(ctx context.Context, req *domain.PaymentRequest, detail string) error {
	attempts := req.AttemptCount + 1
	nextAt := time.Now().UTC().Add(o.backoffFor(attempts))

	ok, err := o.repo.MarkPaymentRequestRetry(ctx, req.ID, nextAt, detail)
	if err != nil {
		return fmt.Errorf("mark retry for %s: %w", req.ID, err)
	}
	if !ok {
		// A callback finalized the request while the dispatch was in flight.
		log.Printf("level=info component=orchestrator op=retry msg=\"request already finalized; skipping retry\" request_id=%s", req.ID)
		return nil
	}

	if attempts >= o.cfg.MaxDispatchAttempts {
		ok, err := o.repo.TransitionPaymentRequestState(ctx, req.ID, domain.StateRetry, domain.StateDead)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := o.ledger.Release(ctx, req.ReservationID); err != nil {
			return err
		}
		payoutsDeadTotal.Inc()
		o.publishStatus(ctx, RoutingKeyPayoutDead, req, domain.StateDead, detail)
		log.Printf("level=error component=orchestrator op=retry msg=\"attempt budget exhausted; parked dead\" request_id=%s attempts=%d detail=%q", req.ID, attempts, detail)
		return nil
	}

	log.Printf("level=warn component=orchestrator op=retry request_id=%s attempts=%d next_attempt_at=%s detail=%q", req.ID, attempts, nextAt.Format(time.RFC3339), detail)
	return nil
}

// fail finalizes a request the provider rejected outright: funds go back to
// the user and the failure event goes out.
func (o *PayoutOrchestrator) fail(ctx context.Context, req *domain.PaymentRequest, detail string) error {
	ok, err := o.repo.TransitionPaymentRequestState(ctx, req.ID, domain.StateProcessing, domain.StateFailed)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("level=info component=orchestrator op=fail msg=\"request already finalized\" request_id=%s", req.ID)
		return nil
	}
	if err := o.repo.SetPaymentRequestFailureDetail(ctx, req.ID, detail); err != nil {
		log.Printf("level=warn component=orchestrator op=fail msg=\"failed to record failure detail\" request_id=%s err=%v", req.ID, err)
	}
	if err := o.ledger.Release(ctx, req.ReservationID); err != nil {
		return err
	}
	o.publishStatus(ctx, RoutingKeyPayoutFailed, req, domain.StateFailed, detail)
	log.Printf("level=warn component=orchestrator op=fail request_id=%s detail=%q", req.ID, detail)
	return nil
}

// backoffFor doubles the base delay per attempt, capped.
func (o *PayoutOrchestrator) backoffFor(attempts int) time.Duration {
	backoff := o.cfg.DispatchBaseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= o.cfg.DispatchBackoffCap {
			return o.cfg.DispatchBackoffCap
		}
	}
	if backoff > o.cfg.DispatchBackoffCap {
		return o.cfg.DispatchBackoffCap
	}
	return backoff
}

// publishStatus emits a payout lifecycle event. Publishing is best-effort:
// the database is the source of truth and a broker outage must not block the
// money path.
func (o *PayoutOrchestrator) publishStatus(ctx context.Context, routingKey string, req *domain.PaymentRequest, state domain.PayoutState, reason string) {
	event := domain.PayoutStatusEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		State:     state,
		Amount:    req.Amount,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if err := o.publisher.Publish(ctx, o.cfg.EventExchange, routingKey, event); err != nil {
		log.Printf("level=error component=orchestrator op=publish msg=\"failed to publish status event\" routing_key=%s request_id=%s err=%v", routingKey, req.ID, err)
	}
}
