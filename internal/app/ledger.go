/**
 * @description
 * This file contains the Ledger, the single point of truth for monetary
 * mutation in the payout-service. Balances are only ever changed through the
 * operations here; request handlers, consumers and jobs all go through the
 * ledger rather than writing balance rows directly.
 *
 * Per-user serialization is delegated to the database: every operation is a
 * single conditional row update (or a short transaction around one), so two
 * concurrent operations on the same user serialize on the balance row while
 * operations on different users proceed in parallel.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
)

// Ledger owns per-user available balances, lifetime-earned totals and the
// owner-earnings snapshot.
type Ledger struct {
	repo store.Repository
}

// NewLedger creates a ledger backed by the given repository.
func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Reserve atomically checks that the user's available balance covers amount
// and debits it, returning a reservation token. Returns
// store.ErrInsufficientBalance when it does not; nothing is mutated in that case.
func (l *Ledger) Reserve(ctx context.Context, requestID, userID uuid.UUID, amount int64) (uuid.UUID, error) {
	token := uuid.New()
	if err := l.repo.ReserveBalance(ctx, token, requestID, userID, amount); err != nil {
		return uuid.Nil, err
	}
	return token, nil
}

// Commit finalizes a reservation. The debit already happened at reserve time,
// so no balance changes here. A reservation that is no longer in the reserved
// state signals a settlement race; it is logged and absorbed because the
// caller's state machine already decided the outcome once.
func (l *Ledger) Commit(ctx context.Context, token uuid.UUID) error {
	committed, err := l.repo.CommitReservation(ctx, token)
	if err != nil {
		return fmt.Errorf("commit reservation %s: %w", token, err)
	}
	if !committed {
		log.Printf("level=warn component=ledger op=commit msg=\"reservation already settled\" reservation_id=%s", token)
	}
	return nil
}

// Release restores a reserved amount to the user's balance. Used on gateway
// rejection, retry exhaustion and operator cancellation. Releasing an
// already-settled reservation is a logged no-op.
func (l *Ledger) Release(ctx context.Context, token uuid.UUID) error {
	released, err := l.repo.ReleaseReservation(ctx, token)
	if err != nil {
		return fmt.Errorf("release reservation %s: %w", token, err)
	}
	if !released {
		log.Printf("level=warn component=ledger op=release msg=\"reservation already settled\" reservation_id=%s", token)
	}
	return nil
}

// Credit increases a user's balance and lifetime earnings. It never decreases
// anything; rollback-compensation goes through Release instead.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if err := l.repo.CreditBalance(ctx, userID, amount); err != nil {
		return fmt.Errorf("credit user %s: %w", userID, err)
	}
	log.Printf("level=info component=ledger op=credit user_id=%s amount=%d reason=%q", userID, amount, reason)
	return nil
}

// CreditReferral credits the referrer exactly once for a referred user's
// verification. The repository guard is keyed on the referred user, so a
// replayed verification event reports credited=false and changes nothing.
func (l *Ledger) CreditReferral(ctx context.Context, referredUserID, referrerUserID uuid.UUID, amount int64) (bool, error) {
	credited, err := l.repo.InsertReferralCredit(ctx, referredUserID, referrerUserID, amount)
	if err != nil {
		return false, fmt.Errorf("credit referral for referred user %s: %w", referredUserID, err)
	}
	if credited {
		referralCreditsTotal.Inc()
		log.Printf("level=info component=ledger op=referral_credit referrer_id=%s referred_id=%s amount=%d", referrerUserID, referredUserID, amount)
	}
	return credited, nil
}

// AddOwnerEarnings accumulates platform revenue into the daily snapshot.
func (l *Ledger) AddOwnerEarnings(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return l.repo.AddOwnerEarnings(ctx, amount)
}

// ResetPeriodCounter zeroes the owner-earnings daily counter in a single
// atomic write and stamps the reset time.
func (l *Ledger) ResetPeriodCounter(ctx context.Context) (*domain.OwnerEarnings, error) {
	snapshot, err := l.repo.ResetOwnerEarnings(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reset owner earnings: %w", err)
	}
	return snapshot, nil
}
