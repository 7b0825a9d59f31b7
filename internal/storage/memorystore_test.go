package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
)

func pendingRequest(id string, createdAt time.Time) *models.Request {
	return &models.Request{
		ID:             id,
		RequesterID:    "user1",
		BloodType:      models.OPos,
		Urgency:        models.UrgencyNormal,
		Hospital:       models.Coordinate{Lon: 90.4125, Lat: 23.8103},
		RequiredBy:     createdAt.Add(24 * time.Hour),
		Status:         models.StatusPending,
		SearchRadiusKm: 25,
		CreatedAt:      createdAt,
	}
}

func TestConcurrentAcquireAdmitsOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, pendingRequest("req1", time.Now())); err != nil {
		t.Fatal(err)
	}

	const donors = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	for i := 0; i < donors; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('A' + n%26))
			if _, err := s.AcquireLock(ctx, "req1", "donor-"+id, 30*time.Minute); err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// Repeats of the same donor id count as idempotent re-entry, so count
	// distinct winners.
	distinct := map[string]bool{}
	for _, w := range winners {
		distinct[w] = true
	}
	if len(distinct) != 1 {
		t.Fatalf("exactly one donor must win the lock, got %d: %v", len(distinct), winners)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, pendingRequest("req1", time.Now()))

	l, err := s.AcquireLock(ctx, "req1", "donorA", 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !l.Locked || l.LockedBy != "donorA" {
		t.Fatalf("unexpected lock %+v", l)
	}
	if _, err := s.AcquireLock(ctx, "req1", "donorB", 15*time.Minute); !errors.Is(err, errs.ErrLockConflict) {
		t.Fatalf("expected conflict for donorB, got %v", err)
	}
	if err := s.ReleaseLock(ctx, "req1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcquireLock(ctx, "req1", "donorB", 15*time.Minute); err != nil {
		t.Fatalf("after release donorB should win: %v", err)
	}
}

func TestAcquireUnknownRequest(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.AcquireLock(context.Background(), "nope", "donorA", time.Minute); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestConcurrentAcceptAdmitsOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, pendingRequest("req1", time.Now())); err != nil {
		t.Fatal(err)
	}

	const donors = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	for i := 0; i < donors; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('A' + n%26))
			if _, err := s.AcceptRequest(ctx, "req1", "donor-"+id); err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("exactly one accept must win, got %d: %v", len(winners), winners)
	}
	r, _ := s.Get(ctx, "req1")
	if r.Status != models.StatusMatched {
		t.Fatalf("status = %s, want matched", r.Status)
	}
	accepted := 0
	for _, md := range r.MatchedDonors {
		if md.Response == models.ResponseAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected one accepted response, got %d", accepted)
	}
}

func TestAcceptRequestClosedStates(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore()
	s.Create(ctx, pendingRequest("matched", now))
	overdue := pendingRequest("overdue", now.Add(-48*time.Hour))
	overdue.RequiredBy = now.Add(-time.Hour)
	s.Create(ctx, overdue)

	if _, err := s.AcceptRequest(ctx, "matched", "donorA"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcceptRequest(ctx, "matched", "donorB"); !errors.Is(err, errs.ErrRequestClosed) {
		t.Fatalf("second accept should report closed, got %v", err)
	}
	if _, err := s.AcceptRequest(ctx, "overdue", "donorA"); !errors.Is(err, errs.ErrRequestClosed) {
		t.Fatalf("accept past deadline should report closed, got %v", err)
	}
	if _, err := s.AcceptRequest(ctx, "nope", "donorA"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown request should report not-found, got %v", err)
	}
}

func TestAcceptRequestReleasesLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, pendingRequest("req1", time.Now()))
	if _, err := s.AcquireLock(ctx, "req1", "donorA", 15*time.Minute); err != nil {
		t.Fatal(err)
	}

	r, err := s.AcceptRequest(ctx, "req1", "donorA")
	if err != nil {
		t.Fatal(err)
	}
	if r.Lock.Locked {
		t.Fatalf("accept should release the lock, got %+v", r.Lock)
	}
}

func TestListUnmatchedBefore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore()

	old := pendingRequest("old", now.Add(-8*time.Hour))
	fresh := pendingRequest("fresh", now.Add(-1*time.Hour))
	accepted := pendingRequest("accepted", now.Add(-8*time.Hour))
	overdue := pendingRequest("overdue", now.Add(-48*time.Hour))
	overdue.RequiredBy = now.Add(-time.Hour)

	for _, r := range []*models.Request{old, fresh, accepted, overdue} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	s.AddMatchedDonor(ctx, "accepted", models.MatchedDonor{DonorID: "d1", NotifiedAt: now, Response: models.ResponsePending})
	if _, err := s.RecordResponse(ctx, "accepted", "d1", models.ResponseAccepted); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListUnmatchedBefore(ctx, now.Add(-6*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("only the old unaccepted request should qualify, got %v", got)
	}
}

func TestExpandRadiusIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, pendingRequest("req1", time.Now()))

	expanded, err := s.ExpandRadius(ctx, "req1", 100)
	if err != nil || !expanded {
		t.Fatalf("first expansion should apply: expanded=%v err=%v", expanded, err)
	}
	expanded, err = s.ExpandRadius(ctx, "req1", 200)
	if err != nil || expanded {
		t.Fatalf("second expansion must be a no-op: expanded=%v err=%v", expanded, err)
	}
	r, _ := s.Get(ctx, "req1")
	if r.SearchRadiusKm != 100 || !r.RadiusExpanded {
		t.Fatalf("radius should stay at first expansion, got %+v", r)
	}
}

func TestExpireOverdue(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore()
	overdue := pendingRequest("overdue", now.Add(-48*time.Hour))
	overdue.RequiredBy = now.Add(-time.Hour)
	live := pendingRequest("live", now)
	s.Create(ctx, overdue)
	s.Create(ctx, live)

	n, err := s.ExpireOverdue(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expiry, got n=%d err=%v", n, err)
	}
	r, _ := s.Get(ctx, "overdue")
	if r.Status != models.StatusExpired {
		t.Fatalf("overdue request should be expired, got %s", r.Status)
	}
	r, _ = s.Get(ctx, "live")
	if r.Status != models.StatusPending {
		t.Fatalf("live request should stay pending, got %s", r.Status)
	}
}

func TestClearExpiredLocks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, pendingRequest("req1", time.Now()))
	if _, err := s.AcquireLock(ctx, "req1", "donorA", time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	n, err := s.ClearExpiredLocks(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("expected one cleared lock, got n=%d err=%v", n, err)
	}
	r, _ := s.Get(ctx, "req1")
	if r.Lock.Locked {
		t.Fatalf("lock should be cleared, got %+v", r.Lock)
	}
}

func TestMarkAdminNotifiedOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, pendingRequest("req1", time.Now()))

	first, err := s.MarkAdminNotified(ctx, "req1", time.Now())
	if err != nil || !first {
		t.Fatalf("first mark should apply: %v %v", first, err)
	}
	second, err := s.MarkAdminNotified(ctx, "req1", time.Now())
	if err != nil || second {
		t.Fatalf("second mark must be a no-op: %v %v", second, err)
	}
}

func TestAddFallbackNotifiedDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, pendingRequest("req1", time.Now()))

	s.AddFallbackNotified(ctx, "req1", []string{"a", "b"})
	s.AddFallbackNotified(ctx, "req1", []string{"b", "c"})
	r, _ := s.Get(ctx, "req1")
	if len(r.FallbackNotified) != 3 {
		t.Fatalf("expected deduplicated set of 3, got %v", r.FallbackNotified)
	}
}
