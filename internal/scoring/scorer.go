// Package scoring ranks candidate donors for a request. Higher is better.
package scoring

import (
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
)

// Weights holds the tunable scoring constants. Changing a weight never
// changes the shape of the formula.
type Weights struct {
	Base                 float64
	DistancePenaltyPerKm float64
	PerDonation          float64
	// UrgentOptOutPenalty applies to critical requests when the candidate
	// has not opted into urgent matching. Inherited policy; preserved
	// as-is rather than "fixed".
	UrgentOptOutPenalty float64
	ExactTypeBonus      float64
	RecentActivityBonus float64 // last activity within 7 days
	MonthActivityBonus  float64 // last activity within 30 days
}

func DefaultWeights() Weights {
	return Weights{
		Base:                 100,
		DistancePenaltyPerKm: 0.5,
		PerDonation:          5,
		UrgentOptOutPenalty:  20,
		ExactTypeBonus:       10,
		RecentActivityBonus:  15,
		MonthActivityBonus:   5,
	}
}

type Scorer struct {
	W Weights
	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewScorer(w Weights) *Scorer {
	return &Scorer{W: w, Now: time.Now}
}

// Score computes the candidate's rank for the request. An unknown donor
// location carries an infinite distance penalty and therefore clamps to 0.
func (s *Scorer) Score(d models.Donor, req *models.Request) float64 {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	score := s.W.Base
	score -= s.W.DistancePenaltyPerKm * geo.DistanceKm(d.Loc, &req.Hospital)
	score += s.W.PerDonation * float64(d.TotalDonations)
	if req.Urgency == models.UrgencyCritical && !d.AcceptsUrgent {
		score -= s.W.UrgentOptOutPenalty
	}
	if d.BloodType == req.BloodType {
		score += s.W.ExactTypeBonus
	}
	switch since := now.Sub(d.LastActiveAt); {
	case since <= 7*24*time.Hour:
		score += s.W.RecentActivityBonus
	case since <= 30*24*time.Hour:
		score += s.W.MonthActivityBonus
	}
	if score < 0 {
		score = 0
	}
	return score
}
