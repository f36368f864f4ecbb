/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to user balances, balance reservations, payment requests, owner earnings,
 * and referral credits.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/watchearn/payout-service/internal/domain"
)

var (
	ErrUserNotFound        = errors.New("user balance not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRequestNotFound     = errors.New("payment request not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrDuplicateRequest    = errors.New("payment request already exists")
	ErrReferrerNotFound    = errors.New("referrer not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserBalance retrieves a user's balance record.
func (r *PostgresRepository) FindUserBalance(ctx context.Context, userID uuid.UUID) (*domain.UserBalance, error) {
	var b domain.UserBalance
	query := `
		SELECT user_id, available_balance, total_earned, referral_code, referred_by, email_verified, created_at, updated_at
		FROM user_balances
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&b.UserID, &b.AvailableBalance, &b.TotalEarned, &b.ReferralCode, &b.ReferredBy, &b.EmailVerified, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &b, nil
}

// FindUserBalanceByReferralCode resolves a referrer by their unique referral code.
func (r *PostgresRepository) FindUserBalanceByReferralCode(ctx context.Context, code string) (*domain.UserBalance, error) {
	var b domain.UserBalance
	query := `
		SELECT user_id, available_balance, total_earned, referral_code, referred_by, email_verified, created_at, updated_at
		FROM user_balances
		WHERE referral_code = btrim($1)
	`
	err := r.db.QueryRow(ctx, query, code).Scan(
		&b.UserID, &b.AvailableBalance, &b.TotalEarned, &b.ReferralCode, &b.ReferredBy, &b.EmailVerified, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrReferrerNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ReserveBalance atomically debits the user's available balance and records a
// reservation row. The conditional UPDATE is the double-spend guard: two racing
// withdrawals for the same user serialize on the balance row and the loser sees
// insufficient funds if the balance no longer covers its amount.
func (r *PostgresRepository) ReserveBalance(ctx context.Context, reservationID, requestID, userID uuid.UUID, amount int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	debit := `
		UPDATE user_balances
		SET available_balance = available_balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND available_balance >= $2
	`
	result, err := tx.Exec(ctx, debit, userID, amount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Distinguish a missing user from a short balance.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM user_balances WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrInsufficientBalance
	}

	insert := `
		INSERT INTO balance_reservations (id, request_id, user_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'reserved', NOW(), NOW())
	`
	if _, err := tx.Exec(ctx, insert, reservationID, requestID, userID, amount); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CommitReservation finalizes a reservation. The balance was already debited at
// reserve time, so this is a pure status flip; a false return means the
// reservation was not in the reserved state (already settled).
func (r *PostgresRepository) CommitReservation(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	query := `
		UPDATE balance_reservations
		SET status = 'committed', updated_at = NOW()
		WHERE id = $1 AND status = 'reserved'
	`
	result, err := r.db.Exec(ctx, query, reservationID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseReservation restores the reserved amount to the user's balance. The
// status flip and the credit happen in one transaction, and the flip is a CAS,
// so a reservation can only ever be released once.
func (r *PostgresRepository) ReleaseReservation(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var amount int64
	flip := `
		UPDATE balance_reservations
		SET status = 'released', updated_at = NOW()
		WHERE id = $1 AND status = 'reserved'
		RETURNING user_id, amount
	`
	err = tx.QueryRow(ctx, flip, reservationID).Scan(&userID, &amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	credit := `
		UPDATE user_balances
		SET available_balance = available_balance + $2, updated_at = NOW()
		WHERE user_id = $1
	`
	if _, err := tx.Exec(ctx, credit, userID, amount); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// FindReservationByID retrieves a reservation row.
func (r *PostgresRepository) FindReservationByID(ctx context.Context, reservationID uuid.UUID) (*domain.BalanceReservation, error) {
	var res domain.BalanceReservation
	query := `
		SELECT id, request_id, user_id, amount, status, created_at, updated_at
		FROM balance_reservations
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, reservationID).Scan(
		&res.ID, &res.RequestID, &res.UserID, &res.Amount, &res.Status, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

// CreditBalance increases a user's available balance and lifetime earnings.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) error {
	query := `
		UPDATE user_balances
		SET available_balance = available_balance + $2,
		    total_earned = total_earned + $2,
		    updated_at = NOW()
		WHERE user_id = $1
	`
	result, err := r.db.Exec(ctx, query, userID, amount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreatePaymentRequest inserts a new withdrawal record. The id is the caller's
// idempotency key, so a duplicate insert surfaces as ErrDuplicateRequest rather
// than silently creating a second attempt.
func (r *PostgresRepository) CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error {
	query := `
		INSERT INTO payment_requests
			(id, user_id, amount, method, destination, state, reservation_id, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		req.ID, req.UserID, req.Amount, string(req.Method), req.Destination, string(req.State), req.ReservationID, req.AttemptCount,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDuplicateRequest
	}
	return nil
}

func scanPaymentRequest(row pgx.Row, req *domain.PaymentRequest) error {
	var method, state string
	err := row.Scan(
		&req.ID, &req.UserID, &req.Amount, &method, &req.Destination, &state,
		&req.GatewayReference, &req.ReservationID, &req.AttemptCount, &req.NextAttemptAt,
		&req.FailureDetail, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return err
	}
	req.Method = domain.PayoutMethod(method)
	req.State = domain.PayoutState(state)
	return nil
}

const paymentRequestColumns = `
	id, user_id, amount, method, destination, state,
	gateway_reference, reservation_id, attempt_count, next_attempt_at,
	failure_detail, created_at, updated_at
`

// FindPaymentRequestByID retrieves a withdrawal record by its idempotency key.
func (r *PostgresRepository) FindPaymentRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	var req domain.PaymentRequest
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE id = $1`
	if err := scanPaymentRequest(r.db.QueryRow(ctx, query, requestID), &req); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// FindPaymentRequestByGatewayReference locates the request a provider callback refers to.
func (r *PostgresRepository) FindPaymentRequestByGatewayReference(ctx context.Context, reference string) (*domain.PaymentRequest, error) {
	var req domain.PaymentRequest
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE gateway_reference = $1`
	if err := scanPaymentRequest(r.db.QueryRow(ctx, query, reference), &req); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// TransitionPaymentRequestState applies a compare-and-swap state transition.
// A false return means the expected state no longer held; callers treat that
// as a lost race and must not retry blindly.
func (r *PostgresRepository) TransitionPaymentRequestState(ctx context.Context, requestID uuid.UUID, from, to domain.PayoutState) (bool, error) {
	if !domain.ValidTransition(from, to) {
		return false, fmt.Errorf("illegal payout transition %s -> %s", from, to)
	}
	query := `
		UPDATE payment_requests
		SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`
	result, err := r.db.Exec(ctx, query, requestID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SetPaymentRequestGatewayReference records the provider reference returned by
// a synchronous dispatch acknowledgment. Set once; later dispatch attempts for
// the same request overwrite it with the newest reference.
func (r *PostgresRepository) SetPaymentRequestGatewayReference(ctx context.Context, requestID uuid.UUID, reference string) error {
	query := `UPDATE payment_requests SET gateway_reference = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, requestID, reference)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// MarkPaymentRequestRetry moves a processing request into retry, bumping the
// attempt counter and recording when the next dispatch becomes due.
func (r *PostgresRepository) MarkPaymentRequestRetry(ctx context.Context, requestID uuid.UUID, nextAttemptAt time.Time, detail string) (bool, error) {
	query := `
		UPDATE payment_requests
		SET state = 'retry',
		    attempt_count = attempt_count + 1,
		    next_attempt_at = $2,
		    failure_detail = $3,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'processing'
	`
	result, err := r.db.Exec(ctx, query, requestID, nextAttemptAt, detail)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SetPaymentRequestFailureDetail records why a request failed or died.
func (r *PostgresRepository) SetPaymentRequestFailureDetail(ctx context.Context, requestID uuid.UUID, detail string) error {
	query := `UPDATE payment_requests SET failure_detail = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, requestID, detail)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// ListDueRetryRequests returns retry-state requests whose backoff has elapsed,
// oldest first, bounded by limit.
func (r *PostgresRepository) ListDueRetryRequests(ctx context.Context, now time.Time, limit int) ([]domain.PaymentRequest, error) {
	query := `
		SELECT ` + paymentRequestColumns + `
		FROM payment_requests
		WHERE state = 'retry' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.PaymentRequest
	for rows.Next() {
		var req domain.PaymentRequest
		if err := scanPaymentRequest(rows, &req); err != nil {
			return nil, err
		}
		due = append(due, req)
	}
	return due, rows.Err()
}

// AddOwnerEarnings accumulates platform revenue into the single snapshot row.
func (r *PostgresRepository) AddOwnerEarnings(ctx context.Context, amount int64) error {
	query := `UPDATE owner_earnings SET today_earnings = today_earnings + $1 WHERE id = 1`
	_, err := r.db.Exec(ctx, query, amount)
	return err
}

// ResetOwnerEarnings zeroes the daily counter in one atomic write and returns
// the refreshed snapshot.
func (r *PostgresRepository) ResetOwnerEarnings(ctx context.Context, resetAt time.Time) (*domain.OwnerEarnings, error) {
	var snapshot domain.OwnerEarnings
	query := `
		UPDATE owner_earnings
		SET today_earnings = 0, last_reset = $1
		WHERE id = 1
		RETURNING today_earnings, last_reset
	`
	if err := r.db.QueryRow(ctx, query, resetAt).Scan(&snapshot.TodayEarnings, &snapshot.LastReset); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// FindOwnerEarnings reads the current snapshot.
func (r *PostgresRepository) FindOwnerEarnings(ctx context.Context) (*domain.OwnerEarnings, error) {
	var snapshot domain.OwnerEarnings
	query := `SELECT today_earnings, last_reset FROM owner_earnings WHERE id = 1`
	if err := r.db.QueryRow(ctx, query).Scan(&snapshot.TodayEarnings, &snapshot.LastReset); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// InsertReferralCredit records that the referred user's verification has been
// rewarded and credits the referrer in the same transaction. The primary key
// on referred_user_id makes the insert a natural exactly-once guard: a replayed
// verification event inserts zero rows and the credit is skipped.
func (r *PostgresRepository) InsertReferralCredit(ctx context.Context, referredUserID, referrerUserID uuid.UUID, amount int64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	guard := `
		INSERT INTO referral_credits (referred_user_id, referrer_user_id, amount, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (referred_user_id) DO NOTHING
	`
	result, err := tx.Exec(ctx, guard, referredUserID, referrerUserID, amount)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	credit := `
		UPDATE user_balances
		SET available_balance = available_balance + $2,
		    total_earned = total_earned + $2,
		    updated_at = NOW()
		WHERE user_id = $1
	`
	if _, err := tx.Exec(ctx, credit, referrerUserID, amount); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// MarkEmailVerified flips the verified flag and removes the signup from the
// hourly sweep's target set.
func (r *PostgresRepository) MarkEmailVerified(ctx context.Context, userID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE user_balances SET email_verified = TRUE, updated_at = NOW() WHERE user_id = $1`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM unverified_signups WHERE user_id = $1`, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteStaleUnverifiedSignups removes unverified signups older than the cutoff,
// bounded to limit rows per call so the sweep never holds long locks.
func (r *PostgresRepository) DeleteStaleUnverifiedSignups(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM unverified_signups
		WHERE user_id IN (
			SELECT user_id FROM unverified_signups
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
	`
	result, err := r.db.Exec(ctx, query, olderThan, limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
