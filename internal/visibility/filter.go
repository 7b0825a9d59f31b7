// Package visibility decides which open requests a donor is allowed to see.
package visibility

import (
	"math"

	"github.com/GeekRover/Blood-link-sub000/internal/bloodtype"
	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/observability"
)

type Reason string

const (
	ReasonWithinCriteria Reason = "within_criteria"
	ReasonAlreadyMatched Reason = "already_matched"
	ReasonIncompatible   Reason = "blood_type_incompatible"
	ReasonOutsideRadius  Reason = "outside_radius"
	ReasonUrgentBypass   Reason = "critical_urgent_bypass"
)

// Reasons lists every decision reason, for dashboards that want stable keys.
var Reasons = []Reason{
	ReasonWithinCriteria,
	ReasonAlreadyMatched,
	ReasonIncompatible,
	ReasonOutsideRadius,
	ReasonUrgentBypass,
}

type Decision struct {
	Visible bool   `json:"visible"`
	Reason  Reason `json:"reason"`
	// DistanceKm is nil when either coordinate is missing or invalid.
	DistanceKm *float64 `json:"distance_km,omitempty"`
}

// Decide evaluates one (request, donor) pair. Rules in order, first match
// wins:
//  1. matched donors always retain visibility;
//  2. blood-type incompatibility hides the request, urgency never
//     overrides it;
//  3. beyond the donor's radius, urgent/critical requests bypass the
//     distance check, normal ones are hidden.
func Decide(req *models.Request, d models.Donor) Decision {
	dec := decide(req, d)
	observability.VisibilityDecisions.WithLabelValues(string(dec.Reason)).Inc()
	return dec
}

func decide(req *models.Request, d models.Donor) Decision {
	if req.IsMatchedDonor(d.ID) {
		return Decision{Visible: true, Reason: ReasonAlreadyMatched, DistanceKm: distanceOf(req, d)}
	}
	if !bloodtype.CanDonate(d.BloodType, req.BloodType) {
		return Decision{Visible: false, Reason: ReasonIncompatible}
	}
	dist := distanceOf(req, d)
	if dist != nil && *dist > d.RadiusKm {
		if req.Urgency.Elevated() {
			return Decision{Visible: true, Reason: ReasonUrgentBypass, DistanceKm: dist}
		}
		return Decision{Visible: false, Reason: ReasonOutsideRadius, DistanceKm: dist}
	}
	return Decision{Visible: true, Reason: ReasonWithinCriteria, DistanceKm: dist}
}

func distanceOf(req *models.Request, d models.Donor) *float64 {
	dist := geo.DistanceKm(d.Loc, &req.Hospital)
	if math.IsInf(dist, 1) {
		return nil
	}
	return &dist
}

// RequestDecision pairs a request with the donor's decision for it.
type RequestDecision struct {
	Request  *models.Request `json:"request"`
	Decision Decision        `json:"decision"`
}

// Counts aggregates batch decisions by reason. The keys are exposed
// unchanged so dashboard callers can rely on them.
type Counts map[Reason]int

// DecideBatch evaluates one donor against many requests, returning the
// decisions for the visible ones plus reason counts over the whole batch.
func DecideBatch(reqs []*models.Request, d models.Donor) ([]RequestDecision, Counts) {
	counts := make(Counts, len(Reasons))
	visible := make([]RequestDecision, 0, len(reqs))
	for _, req := range reqs {
		dec := Decide(req, d)
		counts[dec.Reason]++
		if dec.Visible {
			visible = append(visible, RequestDecision{Request: req, Decision: dec})
		}
	}
	return visible, counts
}
