package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserBalance is the per-user balance record owned by the ledger. Request
// handlers never write these fields directly; every mutation goes through a
// ledger operation backed by an atomic row update.
type UserBalance struct {
	UserID           uuid.UUID `json:"user_id"`
	AvailableBalance int64     `json:"available_balance"` // coin-cents, never negative
	TotalEarned      int64     `json:"total_earned"`      // coin-cents, never decreases
	ReferralCode     string    `json:"referral_code"`
	ReferredBy       *string   `json:"referred_by,omitempty"`
	EmailVerified    bool      `json:"email_verified"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OwnerEarnings is the process-wide single-row snapshot of platform revenue
// accumulated since the last daily reset.
type OwnerEarnings struct {
	TodayEarnings int64     `json:"today_earnings"` // coin-cents
	LastReset     time.Time `json:"last_reset"`
}
