package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
)

type accountConsumerRepoStub struct {
	store.Repository

	markVerifiedCalled bool
	markVerifiedErr    error

	referrer    *domain.UserBalance
	referrerErr error

	creditInserted     bool
	insertCreditCalled bool
	insertCreditErr    error
	creditedReferrer   uuid.UUID
	creditedAmount     int64

	balanceCredits     []int64
	creditBalanceErr   error
	ownerEarningsAdded int64
}

func (s *accountConsumerRepoStub) MarkEmailVerified(ctx context.Context, userID uuid.UUID) error {
	s.markVerifiedCalled = true
	return s.markVerifiedErr
}

func (s *accountConsumerRepoStub) FindUserBalanceByReferralCode(ctx context.Context, code string) (*domain.UserBalance, error) {
	if s.referrerErr != nil {
		return nil, s.referrerErr
	}
	return s.referrer, nil
}

func (s *accountConsumerRepoStub) InsertReferralCredit(ctx context.Context, referredUserID, referrerUserID uuid.UUID, amount int64) (bool, error) {
	s.insertCreditCalled = true
	if s.insertCreditErr != nil {
		return false, s.insertCreditErr
	}
	s.creditedReferrer = referrerUserID
	s.creditedAmount = amount
	return s.creditInserted, nil
}

func (s *accountConsumerRepoStub) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) error {
	if s.creditBalanceErr != nil {
		return s.creditBalanceErr
	}
	s.balanceCredits = append(s.balanceCredits, amount)
	return nil
}

func (s *accountConsumerRepoStub) AddOwnerEarnings(ctx context.Context, amount int64) error {
	s.ownerEarningsAdded += amount
	return nil
}

func verifiedEventBody(t *testing.T, userID uuid.UUID, code string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.UserVerifiedEvent{
		EventID:        uuid.NewString(),
		UserID:         userID,
		ReferredByCode: code,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func TestHandleUserVerified_CreditsReferrerOnce(t *testing.T) {
	referrerID := uuid.New()
	repo := &accountConsumerRepoStub{
		referrer:       &domain.UserBalance{UserID: referrerID, ReferralCode: "WATCH50"},
		creditInserted: true,
	}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	if ack := consumer.HandleUserVerified(verifiedEventBody(t, uuid.New(), "WATCH50")); !ack {
		t.Fatal("expected event to be acked")
	}
	if !repo.markVerifiedCalled {
		t.Fatal("expected user marked verified")
	}
	if repo.creditedReferrer != referrerID || repo.creditedAmount != 50 {
		t.Fatalf("expected referrer %s credited 50, got %s/%d", referrerID, repo.creditedReferrer, repo.creditedAmount)
	}
}

func TestHandleUserVerified_ReplayCreditsNothing(t *testing.T) {
	repo := &accountConsumerRepoStub{
		referrer:       &domain.UserBalance{UserID: uuid.New(), ReferralCode: "WATCH50"},
		creditInserted: false, // guard row already present
	}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	if ack := consumer.HandleUserVerified(verifiedEventBody(t, uuid.New(), "WATCH50")); !ack {
		t.Fatal("expected replayed event to be acked")
	}
	if !repo.insertCreditCalled {
		t.Fatal("expected the guard to be consulted")
	}
}

func TestHandleUserVerified_NoReferralCode(t *testing.T) {
	repo := &accountConsumerRepoStub{}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	if ack := consumer.HandleUserVerified(verifiedEventBody(t, uuid.New(), "")); !ack {
		t.Fatal("expected event to be acked")
	}
	if repo.insertCreditCalled {
		t.Fatal("expected no referral credit without a code")
	}
}

func TestHandleUserVerified_UnknownCodeIsDropped(t *testing.T) {
	repo := &accountConsumerRepoStub{referrerErr: store.ErrReferrerNotFound}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	if ack := consumer.HandleUserVerified(verifiedEventBody(t, uuid.New(), "NOBODY")); !ack {
		t.Fatal("expected event with dead referral code to be acked, not requeued")
	}
	if repo.insertCreditCalled {
		t.Fatal("expected no credit for unknown code")
	}
}

func TestHandleUserVerified_SelfReferralSkipped(t *testing.T) {
	userID := uuid.New()
	repo := &accountConsumerRepoStub{
		referrer: &domain.UserBalance{UserID: userID, ReferralCode: "SELF"},
	}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	if ack := consumer.HandleUserVerified(verifiedEventBody(t, userID, "SELF")); !ack {
		t.Fatal("expected self-referral event to be acked")
	}
	if repo.insertCreditCalled {
		t.Fatal("expected no credit for self-referral")
	}
}

func TestHandleUserVerified_TransientFailureRequeues(t *testing.T) {
	repo := &accountConsumerRepoStub{markVerifiedErr: errors.New("connection reset")}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	if ack := consumer.HandleUserVerified(verifiedEventBody(t, uuid.New(), "")); ack {
		t.Fatal("expected transient failure to requeue")
	}
}

func TestHandleWatchSessionCompleted_CreditsViewerAndOwner(t *testing.T) {
	repo := &accountConsumerRepoStub{}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	body, _ := json.Marshal(domain.WatchSessionCompletedEvent{
		EventID:      uuid.NewString(),
		SessionID:    uuid.New(),
		UserID:       uuid.New(),
		CoinsEarned:  120,
		OwnerRevenue: 30,
		OccurredAt:   time.Now().UTC(),
	})
	if ack := consumer.HandleWatchSessionCompleted(body); !ack {
		t.Fatal("expected event to be acked")
	}
	if len(repo.balanceCredits) != 1 || repo.balanceCredits[0] != 120 {
		t.Fatalf("expected viewer credited 120, got %v", repo.balanceCredits)
	}
	if repo.ownerEarningsAdded != 30 {
		t.Fatalf("expected owner earnings 30, got %d", repo.ownerEarningsAdded)
	}
}

func TestHandleWatchSessionCompleted_CreditFailureRequeues(t *testing.T) {
	repo := &accountConsumerRepoStub{creditBalanceErr: errors.New("connection reset")}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	body, _ := json.Marshal(domain.WatchSessionCompletedEvent{
		EventID:     uuid.NewString(),
		SessionID:   uuid.New(),
		UserID:      uuid.New(),
		CoinsEarned: 120,
	})
	if ack := consumer.HandleWatchSessionCompleted(body); ack {
		t.Fatal("expected failed credit to requeue")
	}
}

func TestHandleWatchSessionCompleted_UnparsableEventDropped(t *testing.T) {
	repo := &accountConsumerRepoStub{}
	consumer := NewAccountEventConsumer(repo, NewLedger(repo), 50)

	if ack := consumer.HandleWatchSessionCompleted([]byte("not-json")); !ack {
		t.Fatal("expected unparsable event to be dropped with an ack")
	}
	if len(repo.balanceCredits) != 0 {
		t.Fatal("expected no credit for unparsable event")
	}
}
