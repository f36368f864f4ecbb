/**
 * @description
 * This file defines the core domain models for the payout-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in coin-cents (the smallest reward unit),
 *   which avoids floating-point inaccuracies with monetary data.
 * - The PaymentRequest id doubles as the idempotency key for withdrawal
 *   submission: resubmitting an existing id never produces a second dispatch.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutMethod selects which payment gateway a withdrawal is dispatched through.
type PayoutMethod string

const (
	MethodMobileMoney PayoutMethod = "mobile_money"
	MethodWallet      PayoutMethod = "wallet"
)

// Valid reports whether the method names a supported gateway.
func (m PayoutMethod) Valid() bool {
	return m == MethodMobileMoney || m == MethodWallet
}

// PayoutState is the lifecycle state of a PaymentRequest.
type PayoutState string

const (
	StatePending    PayoutState = "pending"
	StateProcessing PayoutState = "processing"
	StateRetry      PayoutState = "retry"
	StateCompleted  PayoutState = "completed"
	StateFailed     PayoutState = "failed"
	StateDead       PayoutState = "dead"
)

// Terminal reports whether no further transition may occur from the state.
func (s PayoutState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDead
}

// payoutTransitions enumerates the legal state machine edges. Only the
// orchestrator applies pending/processing/retry edges and only the reconciler
// applies the processing→terminal edges; the table is shared so both sides
// agree on what a legal edge is.
var payoutTransitions = map[PayoutState][]PayoutState{
	StatePending:    {StateProcessing, StateFailed},
	StateProcessing: {StateRetry, StateCompleted, StateFailed},
	StateRetry:      {StateProcessing, StateCompleted, StateDead, StateFailed},
}

// ValidTransition reports whether from→to is a legal payout state machine edge.
func ValidTransition(from, to PayoutState) bool {
	for _, next := range payoutTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentRequest is the durable record of a single withdrawal attempt.
// It maps directly to the `payment_requests` table.
type PaymentRequest struct {
	ID               uuid.UUID    `json:"id"`
	UserID           uuid.UUID    `json:"user_id"`
	Amount           int64        `json:"amount"` // coin-cents
	Method           PayoutMethod `json:"method"`
	Destination      string       `json:"destination"` // phone number or wallet email, opaque here
	State            PayoutState  `json:"state"`
	GatewayReference *string      `json:"gateway_reference,omitempty"`
	ReservationID    uuid.UUID    `json:"-"`
	AttemptCount     int          `json:"attempt_count"`
	NextAttemptAt    *time.Time   `json:"next_attempt_at,omitempty"`
	FailureDetail    *string      `json:"failure_detail,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// SubmitWithdrawalPayload is the DTO for incoming withdrawal API requests.
// RequestID is optional; callers that retry after their own timeout should
// resend the same id to get the idempotent no-op behavior.
type SubmitWithdrawalPayload struct {
	RequestID   *uuid.UUID   `json:"request_id,omitempty"`
	Amount      int64        `json:"amount"`
	Method      PayoutMethod `json:"method"`
	Destination string       `json:"destination"`
}

// CallbackOutcome is the normalized terminal outcome carried by a gateway callback.
type CallbackOutcome string

const (
	OutcomeSuccess CallbackOutcome = "success"
	OutcomeFailure CallbackOutcome = "failure"
)

// GatewayCallback is the decoded body of a provider callback delivery.
type GatewayCallback struct {
	ProviderReference string          `json:"provider_reference"`
	Outcome           CallbackOutcome `json:"outcome"`
	Amount            int64           `json:"amount"`
	Detail            string          `json:"detail,omitempty"`
}

// BalanceReservation is a provisional debit held against a pending withdrawal.
// Its id is the ReservationToken handed out by the ledger.
type BalanceReservation struct {
	ID        uuid.UUID `json:"id"`
	RequestID uuid.UUID `json:"request_id"`
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"` // reserved, committed, released
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	ReservationReserved  = "reserved"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)
