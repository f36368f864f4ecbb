/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payout-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/watchearn/payout-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Balance and reservation methods. ReserveBalance atomically checks and
	// decrements the available balance and records the reservation row in a
	// single transaction; a zero-row balance update means insufficient funds.
	FindUserBalance(ctx context.Context, userID uuid.UUID) (*domain.UserBalance, error)
	FindUserBalanceByReferralCode(ctx context.Context, code string) (*domain.UserBalance, error)
	ReserveBalance(ctx context.Context, reservationID, requestID, userID uuid.UUID, amount int64) error
	CommitReservation(ctx context.Context, reservationID uuid.UUID) (bool, error)
	ReleaseReservation(ctx context.Context, reservationID uuid.UUID) (bool, error)
	FindReservationByID(ctx context.Context, reservationID uuid.UUID) (*domain.BalanceReservation, error)
	CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) error

	// Payment request methods. Transition is a compare-and-swap on the state
	// column; a false return signals the expected state no longer holds.
	CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error
	FindPaymentRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error)
	FindPaymentRequestByGatewayReference(ctx context.Context, reference string) (*domain.PaymentRequest, error)
	TransitionPaymentRequestState(ctx context.Context, requestID uuid.UUID, from, to domain.PayoutState) (bool, error)
	SetPaymentRequestGatewayReference(ctx context.Context, requestID uuid.UUID, reference string) error
	MarkPaymentRequestRetry(ctx context.Context, requestID uuid.UUID, nextAttemptAt time.Time, detail string) (bool, error)
	SetPaymentRequestFailureDetail(ctx context.Context, requestID uuid.UUID, detail string) error
	ListDueRetryRequests(ctx context.Context, now time.Time, limit int) ([]domain.PaymentRequest, error)

	// Owner earnings snapshot methods. ResetOwnerEarnings is a single atomic
	// write, never a read-modify-write from application memory.
	AddOwnerEarnings(ctx context.Context, amount int64) error
	ResetOwnerEarnings(ctx context.Context, resetAt time.Time) (*domain.OwnerEarnings, error)
	FindOwnerEarnings(ctx context.Context) (*domain.OwnerEarnings, error)

	// Referral crediting guard: insert-if-absent keyed on the referred user,
	// so a verification replay can never double-credit the referrer.
	InsertReferralCredit(ctx context.Context, referredUserID, referrerUserID uuid.UUID, amount int64) (bool, error)
	MarkEmailVerified(ctx context.Context, userID uuid.UUID) error

	// Stale unverified-signup sweep (bounded batch delete).
	DeleteStaleUnverifiedSignups(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}
