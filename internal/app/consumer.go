/**
 * @description
 * This file contains the AccountEventConsumer, which applies events from the
 * account and viewing collaborators to the ledger. Handlers plug into the
 * RabbitMQ consumer's binding map and return true to ack or false to requeue.
 *
 * Delivery is at-least-once, so each handler is written against replays:
 * - Referral crediting rides on the insert-if-absent guard in the store, so a
 *   redelivered verification event credits nothing the second time.
 * - Email verification and watch-session credits ack only after the write
 *   lands, so a redelivery only happens when the write did not.
 */

package app

import (
	"context"
	"encoding/json"
	"log"

	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
)

// Routing keys consumed from the shared event exchange.
const (
	RoutingKeyUserVerified     = "user.verified"
	RoutingKeySessionCompleted = "watch.session.completed"
)

// AccountEventConsumer holds the handlers for inbound platform events.
type AccountEventConsumer struct {
	repo               store.Repository
	ledger             *Ledger
	referralBonusCoins int64
}

// NewAccountEventConsumer creates the consumer with the configured referral bonus.
func NewAccountEventConsumer(repo store.Repository, ledger *Ledger, referralBonusCoins int64) *AccountEventConsumer {
	return &AccountEventConsumer{
		repo:               repo,
		ledger:             ledger,
		referralBonusCoins: referralBonusCoins,
	}
}

// Bindings returns the routing-key-to-handler map for queue consumption.
func (c *AccountEventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		RoutingKeyUserVerified:     c.HandleUserVerified,
		RoutingKeySessionCompleted: c.HandleWatchSessionCompleted,
	}
}

// HandleUserVerified marks the user verified and, when the signup carried a
// referral code, credits the referrer once. A code that resolves to no
// referrer is a permanent condition and is dropped, not requeued.
func (c *AccountEventConsumer) HandleUserVerified(body []byte) bool {
	var event domain.UserVerifiedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=account_consumer event=user_verified msg=\"unparsable event; dropping\" err=%v", err)
		return true
	}

	ctx := context.Background()
	if err := c.repo.MarkEmailVerified(ctx, event.UserID); err != nil {
		log.Printf("level=error component=account_consumer event=user_verified msg=\"failed to mark verified\" user_id=%s err=%v", event.UserID, err)
		return false
	}

	if event.ReferredByCode == "" {
		return true
	}

	referrer, err := c.repo.FindUserBalanceByReferralCode(ctx, event.ReferredByCode)
	if err != nil {
		if err == store.ErrReferrerNotFound {
			log.Printf("level=warn component=account_consumer event=user_verified msg=\"referral code resolves to no user; skipping bonus\" user_id=%s code=%q", event.UserID, event.ReferredByCode)
			return true
		}
		log.Printf("level=error component=account_consumer event=user_verified msg=\"referrer lookup failed\" user_id=%s err=%v", event.UserID, err)
		return false
	}
	if referrer.UserID == event.UserID {
		log.Printf("level=warn component=account_consumer event=user_verified msg=\"self-referral; skipping bonus\" user_id=%s", event.UserID)
		return true
	}

	credited, err := c.ledger.CreditReferral(ctx, event.UserID, referrer.UserID, c.referralBonusCoins)
	if err != nil {
		log.Printf("level=error component=account_consumer event=user_verified msg=\"referral credit failed\" user_id=%s err=%v", event.UserID, err)
		return false
	}
	if !credited {
		log.Printf("level=info component=account_consumer event=user_verified msg=\"referral already credited; replay absorbed\" user_id=%s", event.UserID)
	}
	return true
}

// HandleWatchSessionCompleted credits the viewer's coins and accumulates the
// platform's share of the session revenue.
func (c *AccountEventConsumer) HandleWatchSessionCompleted(body []byte) bool {
	var event domain.WatchSessionCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=account_consumer event=watch_session_completed msg=\"unparsable event; dropping\" err=%v", err)
		return true
	}
	if event.CoinsEarned <= 0 && event.OwnerRevenue <= 0 {
		return true
	}

	ctx := context.Background()
	if event.CoinsEarned > 0 {
		if err := c.ledger.Credit(ctx, event.UserID, event.CoinsEarned, "watch_session"); err != nil {
			log.Printf("level=error component=account_consumer event=watch_session_completed msg=\"viewer credit failed\" session_id=%s user_id=%s err=%v", event.SessionID, event.UserID, err)
			return false
		}
	}
	if err := c.ledger.AddOwnerEarnings(ctx, event.OwnerRevenue); err != nil {
		// The viewer credit already landed; requeueing would double it. Owner
		// earnings are a daily aggregate, so the shortfall is logged instead.
		log.Printf("level=error component=account_consumer event=watch_session_completed msg=\"owner earnings accumulation failed\" session_id=%s amount=%d err=%v", event.SessionID, event.OwnerRevenue, err)
	}
	return true
}
