package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/watchearn/payout-service/internal/domain"
	"github.com/watchearn/payout-service/internal/store"
)

type jobsRepoStub struct {
	store.Repository

	resetCalled bool
	resetAt     time.Time

	deleteBatches []int64
	deleteCalls   int
	deleteCutoff  time.Time
}

func (s *jobsRepoStub) ResetOwnerEarnings(ctx context.Context, resetAt time.Time) (*domain.OwnerEarnings, error) {
	s.resetCalled = true
	s.resetAt = resetAt
	return &domain.OwnerEarnings{TodayEarnings: 0, LastReset: resetAt}, nil
}

func (s *jobsRepoStub) DeleteStaleUnverifiedSignups(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	s.deleteCutoff = olderThan
	if s.deleteCalls >= len(s.deleteBatches) {
		s.deleteCalls++
		return 0, nil
	}
	deleted := s.deleteBatches[s.deleteCalls]
	s.deleteCalls++
	return deleted, nil
}

func newTestJobs(repo *jobsRepoStub, batchSize int) (*Jobs, *publisherStub) {
	pub := &publisherStub{}
	jobs := NewJobs(repo, NewLedger(repo), nil, pub, "watchearn.events", batchSize)
	return jobs, pub
}

func TestResetDailyEarnings(t *testing.T) {
	repo := &jobsRepoStub{}
	jobs, pub := newTestJobs(repo, 100)

	jobs.ResetDailyEarnings()

	if !repo.resetCalled {
		t.Fatal("expected owner earnings reset")
	}
	if len(pub.routingKeys) != 1 || pub.routingKeys[0] != RoutingKeySchedulerReset {
		t.Fatalf("expected reset run event, got %v", pub.routingKeys)
	}
}

func TestSweepUnverifiedSignups_DrainsInBatches(t *testing.T) {
	// Two full batches and a partial one: the sweep must keep going until a
	// batch comes back short.
	repo := &jobsRepoStub{deleteBatches: []int64{100, 100, 40}}
	jobs, pub := newTestJobs(repo, 100)

	jobs.SweepUnverifiedSignups()

	if repo.deleteCalls != 3 {
		t.Fatalf("expected 3 delete batches, got %d", repo.deleteCalls)
	}
	wantCutoff := time.Now().UTC().Add(-staleSignupAge)
	if repo.deleteCutoff.After(wantCutoff.Add(time.Minute)) || repo.deleteCutoff.Before(wantCutoff.Add(-time.Minute)) {
		t.Fatalf("expected cutoff about 24h ago, got %s", repo.deleteCutoff)
	}
	if len(pub.routingKeys) != 1 || pub.routingKeys[0] != RoutingKeySchedulerSweep {
		t.Fatalf("expected sweep run event, got %v", pub.routingKeys)
	}
}

func TestSweepUnverifiedSignups_NothingToDelete(t *testing.T) {
	repo := &jobsRepoStub{}
	jobs, _ := newTestJobs(repo, 100)

	jobs.SweepUnverifiedSignups()

	if repo.deleteCalls != 1 {
		t.Fatalf("expected a single probe batch, got %d", repo.deleteCalls)
	}
}

func newDueRetryRequest(repo *orchestratorRepoStub) uuid.UUID {
	requestID := uuid.New()
	repo.requests[requestID] = &domain.PaymentRequest{
		ID:            requestID,
		Amount:        5000,
		Method:        domain.MethodMobileMoney,
		Destination:   "254700000001",
		State:         domain.StateRetry,
		ReservationID: uuid.New(),
		AttemptCount:  1,
	}
	repo.dueRequests = []domain.PaymentRequest{*repo.requests[requestID]}
	return requestID
}

func TestRedispatchDuePayouts_PicksDueRequests(t *testing.T) {
	orchRepo := newOrchestratorRepoStub()
	requestID := newDueRetryRequest(orchRepo)

	orch, _ := newTestOrchestrator(orchRepo, acceptedStub())
	pub := &publisherStub{}
	jobs := NewJobs(orchRepo, NewLedger(orchRepo), orch, pub, "watchearn.events", 100)

	jobs.RedispatchDuePayouts()

	if orchRepo.requests[requestID].State != domain.StateProcessing {
		t.Fatalf("expected due request redispatched, got %s", orchRepo.requests[requestID].State)
	}
	if len(pub.routingKeys) != 1 || pub.routingKeys[0] != RoutingKeySchedulerRedispatch {
		t.Fatalf("expected redispatch run event, got %v", pub.routingKeys)
	}
}
