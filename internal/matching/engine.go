// Package matching finds and ranks candidate donors for a request.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/bloodtype"
	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/observability"
	"github.com/GeekRover/Blood-link-sub000/internal/scoring"
)

// EligibilityChecker is the cooldown/schedule collaborator. A failed check
// excludes the candidate rather than aborting the match.
type EligibilityChecker interface {
	IsEligible(ctx context.Context, donorID string, at time.Time) (Eligibility, error)
}

type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// Candidate is a scored donor for one request.
type Candidate struct {
	Donor      models.Donor `json:"donor"`
	Score      float64      `json:"score"`
	DistanceKm float64      `json:"distance_km"`
}

// Engine queries, filters, and ranks donors. It performs no side effects:
// notification fan-out belongs to the request workflow, not the engine.
type Engine struct {
	Donors      geo.DonorStore
	Eligibility EligibilityChecker
	Scorer      *scoring.Scorer
	Limit       int
	Logger      *slog.Logger
}

func NewEngine(donors geo.DonorStore, elig EligibilityChecker, scorer *scoring.Scorer, limit int, logger *slog.Logger) *Engine {
	if scorer == nil {
		scorer = scoring.NewScorer(scoring.DefaultWeights())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Donors: donors, Eligibility: elig, Scorer: scorer, Limit: limit, Logger: logger}
}

// FindCandidates returns up to limit donors for the request, best first.
// Zero candidates is a valid outcome; only a donor-store failure is an
// error. Ties keep the store's proximity order, so output is deterministic
// for identical inputs.
func (e *Engine) FindCandidates(ctx context.Context, req *models.Request, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = e.Limit
	}
	if limit <= 0 {
		limit = 10
	}

	types := bloodtype.CompatibleDonorTypes(req.BloodType)
	if len(types) == 0 {
		return nil, nil
	}

	donors, err := e.Donors.FindCompatibleNear(ctx, types, req.Hospital, req.SearchRadiusKm, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrLookup, err)
	}
	observability.MatchRunsTotal.Inc()
	observability.CandidatesConsidered.Observe(float64(len(donors)))

	now := time.Now()
	scored := make([]Candidate, 0, len(donors))
	for _, d := range donors {
		if e.Eligibility != nil {
			elig, err := e.Eligibility.IsEligible(ctx, d.ID, now)
			if err != nil {
				observability.CandidatesDroppedIneligible.Inc()
				e.Logger.Warn("eligibility check failed, excluding candidate",
					"donor_id", d.ID, "request_id", req.ID, "error", err)
				continue
			}
			if !elig.Eligible {
				observability.CandidatesDroppedIneligible.Inc()
				continue
			}
		}
		scored = append(scored, Candidate{
			Donor:      d,
			Score:      e.Scorer.Score(d, req),
			DistanceKm: geo.DistanceKm(d.Loc, &req.Hospital),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
