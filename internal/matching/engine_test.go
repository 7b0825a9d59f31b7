package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/scoring"
)

type failingStore struct{ geo.DonorStore }

func (f *failingStore) FindCompatibleNear(ctx context.Context, types []models.BloodType, center models.Coordinate, radiusKm float64, limit int) ([]models.Donor, error) {
	return nil, errors.New("store down")
}

type fakeEligibility struct {
	ineligible map[string]bool
	failing    map[string]bool
}

func (f *fakeEligibility) IsEligible(ctx context.Context, donorID string, at time.Time) (Eligibility, error) {
	if f.failing[donorID] {
		return Eligibility{}, errors.New("eligibility service timeout")
	}
	if f.ineligible[donorID] {
		return Eligibility{Eligible: false, Reason: "cooldown"}, nil
	}
	return Eligibility{Eligible: true}, nil
}

// Dhaka hospital used across the scenarios.
var hospital = models.Coordinate{Lon: 90.4125, Lat: 23.8103}

func testRequest() *models.Request {
	return &models.Request{
		ID:             "req1",
		BloodType:      models.OPos,
		Urgency:        models.UrgencyNormal,
		Hospital:       hospital,
		SearchRadiusKm: 100,
		Status:         models.StatusPending,
	}
}

func seedIndex(t *testing.T, donors ...models.Donor) *geo.Index {
	t.Helper()
	idx := geo.NewIndex()
	for _, d := range donors {
		if err := idx.Upsert(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
	return idx
}

func donor(id string, bt models.BloodType, lat float64, donations int) models.Donor {
	return models.Donor{
		ID: id, BloodType: bt,
		Loc:       &models.Coordinate{Lon: 90.4125, Lat: lat},
		Available: true, Active: true, Verified: true, AcceptsUrgent: true,
		TotalDonations: donations,
		LastActiveAt:   time.Now().Add(-60 * 24 * time.Hour),
		RadiusKm:       50,
	}
}

func TestCloserExactMatchWinsOverDistantUniversal(t *testing.T) {
	// O+ donor ~5km away with 10 donations vs O- donor ~80km away with 0:
	// the exact-match bonus and distance dominate at this gap.
	near := donor("near-opos", models.OPos, 23.8103+5.0/111.0, 10)
	far := donor("far-oneg", models.ONeg, 23.8103+80.0/111.0, 0)

	e := NewEngine(seedIndex(t, near, far), &fakeEligibility{}, scoring.NewScorer(scoring.DefaultWeights()), 10, nil)
	got, err := e.FindCandidates(context.Background(), testRequest(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both donors as candidates, got %d", len(got))
	}
	if got[0].Donor.ID != "near-opos" {
		t.Fatalf("expected near O+ donor first, got %s", got[0].Donor.ID)
	}
}

func TestIncompatibleDonorsExcluded(t *testing.T) {
	// AB+ cannot serve an O+ recipient.
	ab := donor("abpos", models.ABPos, 23.82, 5)
	e := NewEngine(seedIndex(t, ab), &fakeEligibility{}, nil, 10, nil)
	got, err := e.FindCandidates(context.Background(), testRequest(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("AB+ donor should not match an O+ request, got %v", got)
	}
}

func TestIneligibleAndFailingChecksExcludeOnlyThatCandidate(t *testing.T) {
	a := donor("a", models.OPos, 23.82, 0)
	b := donor("b", models.OPos, 23.83, 0)
	c := donor("c", models.OPos, 23.84, 0)
	elig := &fakeEligibility{
		ineligible: map[string]bool{"b": true},
		failing:    map[string]bool{"c": true},
	}
	e := NewEngine(seedIndex(t, a, b, c), elig, nil, 10, nil)
	got, err := e.FindCandidates(context.Background(), testRequest(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Donor.ID != "a" {
		t.Fatalf("only donor a should remain, got %v", got)
	}
}

func TestStoreFailureIsLookupError(t *testing.T) {
	e := NewEngine(&failingStore{}, &fakeEligibility{}, nil, 10, nil)
	_, err := e.FindCandidates(context.Background(), testRequest(), 10)
	if !errors.Is(err, errs.ErrLookup) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestZeroCandidatesIsNotAnError(t *testing.T) {
	e := NewEngine(seedIndex(t), &fakeEligibility{}, nil, 10, nil)
	got, err := e.FindCandidates(context.Background(), testRequest(), 10)
	if err != nil {
		t.Fatalf("empty pool must not be an error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", got)
	}
}

func TestLimitTruncatesAfterScoring(t *testing.T) {
	donors := []models.Donor{
		donor("d1", models.OPos, 23.82, 1),
		donor("d2", models.OPos, 23.83, 2),
		donor("d3", models.OPos, 23.84, 3),
	}
	e := NewEngine(seedIndex(t, donors...), &fakeEligibility{}, nil, 10, nil)
	got, err := e.FindCandidates(context.Background(), testRequest(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Score < got[1].Score {
		t.Fatalf("candidates must be ordered by descending score")
	}
}
