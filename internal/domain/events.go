package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserVerifiedEvent is emitted by the account-verification collaborator when a
// user confirms their email. It is the sole trigger for referral crediting.
type UserVerifiedEvent struct {
	EventID        string    `json:"event_id"`
	UserID         uuid.UUID `json:"user_id"`
	ReferredByCode string    `json:"referred_by_code,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// WatchSessionCompletedEvent is emitted by the viewing collaborator when a
// watch session finishes; it carries the coins earned by the viewer and the
// platform revenue attributable to the session.
type WatchSessionCompletedEvent struct {
	EventID      string    `json:"event_id"`
	SessionID    uuid.UUID `json:"session_id"`
	UserID       uuid.UUID `json:"user_id"`
	CoinsEarned  int64     `json:"coins_earned"`  // coin-cents
	OwnerRevenue int64     `json:"owner_revenue"` // coin-cents
	OccurredAt   time.Time `json:"occurred_at"`
}

// PayoutStatusEvent is published on payout lifecycle transitions so downstream
// services (notifications, analytics) can react without polling.
type PayoutStatusEvent struct {
	RequestID uuid.UUID   `json:"request_id"`
	UserID    uuid.UUID   `json:"user_id"`
	State     PayoutState `json:"state"`
	Amount    int64       `json:"amount"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SchedulerRunEvent reports a completed scheduler job with its effect count.
type SchedulerRunEvent struct {
	Job       string    `json:"job"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}
