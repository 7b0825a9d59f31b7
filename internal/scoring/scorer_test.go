package scoring

import (
	"testing"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/models"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer() *Scorer {
	s := NewScorer(DefaultWeights())
	s.Now = func() time.Time { return now }
	return s
}

func donorAt(lat float64) models.Donor {
	return models.Donor{
		ID:            "d",
		BloodType:     models.OPos,
		Loc:           &models.Coordinate{Lon: 0, Lat: lat},
		AcceptsUrgent: true,
		LastActiveAt:  now.Add(-60 * 24 * time.Hour),
	}
}

func request(urgency models.Urgency) *models.Request {
	return &models.Request{
		BloodType: models.OPos,
		Urgency:   urgency,
		Hospital:  models.Coordinate{Lon: 0, Lat: 0},
	}
}

func TestScoreMonotonicInDistance(t *testing.T) {
	s := newTestScorer()
	req := request(models.UrgencyNormal)
	near := s.Score(donorAt(0.05), req)
	far := s.Score(donorAt(0.5), req)
	if near <= far {
		t.Fatalf("closer donor must score higher: near=%f far=%f", near, far)
	}
}

func TestExactTypeBonus(t *testing.T) {
	s := newTestScorer()
	req := request(models.UrgencyNormal)
	exact := donorAt(0)
	compatible := donorAt(0)
	compatible.BloodType = models.ONeg
	diff := s.Score(exact, req) - s.Score(compatible, req)
	if diff != 10 {
		t.Fatalf("exact-match bonus should be 10, got %f", diff)
	}
}

func TestUrgentOptOutPenaltyOnlyWhenCritical(t *testing.T) {
	s := newTestScorer()
	optedOut := donorAt(0)
	optedOut.AcceptsUrgent = false
	optedIn := donorAt(0)

	crit := request(models.UrgencyCritical)
	if diff := s.Score(optedIn, crit) - s.Score(optedOut, crit); diff != 20 {
		t.Fatalf("critical opt-out penalty should be 20, got %f", diff)
	}
	norm := request(models.UrgencyNormal)
	if diff := s.Score(optedIn, norm) - s.Score(optedOut, norm); diff != 0 {
		t.Fatalf("no penalty for normal urgency, got diff %f", diff)
	}
}

func TestActivityRecencyTiers(t *testing.T) {
	s := newTestScorer()
	req := request(models.UrgencyNormal)

	recent := donorAt(0)
	recent.LastActiveAt = now.Add(-3 * 24 * time.Hour)
	month := donorAt(0)
	month.LastActiveAt = now.Add(-20 * 24 * time.Hour)
	stale := donorAt(0)
	stale.LastActiveAt = now.Add(-90 * 24 * time.Hour)

	if diff := s.Score(recent, req) - s.Score(stale, req); diff != 15 {
		t.Fatalf("7-day bonus should be 15, got %f", diff)
	}
	if diff := s.Score(month, req) - s.Score(stale, req); diff != 5 {
		t.Fatalf("30-day bonus should be 5, got %f", diff)
	}
}

func TestDonationCountWeight(t *testing.T) {
	s := newTestScorer()
	req := request(models.UrgencyNormal)
	none := donorAt(0)
	ten := donorAt(0)
	ten.TotalDonations = 10
	if diff := s.Score(ten, req) - s.Score(none, req); diff != 50 {
		t.Fatalf("10 donations should add 50, got %f", diff)
	}
}

func TestScoreClampsAtZero(t *testing.T) {
	s := newTestScorer()
	req := request(models.UrgencyNormal)
	far := donorAt(35) // thousands of km away
	if got := s.Score(far, req); got != 0 {
		t.Fatalf("score should clamp at 0, got %f", got)
	}
	missing := donorAt(0)
	missing.Loc = nil
	if got := s.Score(missing, req); got != 0 {
		t.Fatalf("missing coordinate should clamp to 0, got %f", got)
	}
}
