package models

import (
	"math"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/requestlock"
)

// BloodType is one of the eight ABO/Rh groups. Values are immutable once
// attached to a donor or request.
type BloodType string

const (
	ONeg  BloodType = "O-"
	OPos  BloodType = "O+"
	ANeg  BloodType = "A-"
	APos  BloodType = "A+"
	BNeg  BloodType = "B-"
	BPos  BloodType = "B+"
	ABNeg BloodType = "AB-"
	ABPos BloodType = "AB+"
)

// AllBloodTypes lists every valid group.
var AllBloodTypes = []BloodType{ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos}

func (b BloodType) Valid() bool {
	switch b {
	case ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	return u == UrgencyNormal || u == UrgencyUrgent || u == UrgencyCritical
}

// Elevated reports whether the urgency level grants the out-of-radius
// visibility bypass.
func (u Urgency) Elevated() bool {
	return u == UrgencyUrgent || u == UrgencyCritical
}

type Coordinate struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) || math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) {
		return false
	}
	return c.Lon >= -180 && c.Lon <= 180 && c.Lat >= -90 && c.Lat <= 90
}

// Donor is the read-only projection the matching core works with. It is
// sourced from the external donor store; the core never writes it back.
type Donor struct {
	ID             string      `json:"id"`
	BloodType      BloodType   `json:"blood_type"`
	Loc            *Coordinate `json:"loc,omitempty"`
	Available      bool        `json:"available"`
	Active         bool        `json:"active"`
	Verified       bool        `json:"verified"`
	TotalDonations int         `json:"total_donations"`
	LastActiveAt   time.Time   `json:"last_active_at"`
	RadiusKm       float64     `json:"radius_km"`
	AcceptsUrgent  bool        `json:"accepts_urgent"`
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusMatched   RequestStatus = "matched"
	StatusFulfilled RequestStatus = "fulfilled"
	StatusCancelled RequestStatus = "cancelled"
	StatusExpired   RequestStatus = "expired"
)

type Response string

const (
	ResponsePending  Response = "pending"
	ResponseAccepted Response = "accepted"
	ResponseDeclined Response = "declined"
)

// MatchedDonor records a donor who was notified about a request and their
// eventual response.
type MatchedDonor struct {
	DonorID    string    `json:"donor_id"`
	NotifiedAt time.Time `json:"notified_at"`
	Response   Response  `json:"response"`
}

type Facility struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Loc        Coordinate `json:"loc"`
	DistanceKm float64    `json:"distance_km"`
}

type Request struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	BloodType   BloodType     `json:"blood_type"`
	Urgency     Urgency       `json:"urgency"`
	Hospital    Coordinate    `json:"hospital"`
	RequiredBy  time.Time     `json:"required_by"`
	Status      RequestStatus `json:"status"`

	SearchRadiusKm      float64   `json:"search_radius_km"`
	RadiusExpanded      bool      `json:"radius_expanded"`
	FallbackAttempts    int       `json:"fallback_attempts"`
	LastFallbackAttempt time.Time `json:"last_fallback_attempt,omitempty"`
	// FallbackNotified is the set of donor ids already contacted through
	// unavailable-donor outreach, kept so repeated sweeps do not re-notify
	// the same pool.
	FallbackNotified    []string   `json:"fallback_notified,omitempty"`
	SuggestedFacilities []Facility `json:"suggested_facilities,omitempty"`
	AdminNotified       bool       `json:"admin_notified"`
	AdminNotifiedAt     time.Time  `json:"admin_notified_at,omitempty"`

	Lock          requestlock.Lock `json:"lock"`
	MatchedDonors []MatchedDonor   `json:"matched_donors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsMatchedDonor reports whether the donor already appears in the
// matched-donor list for this request.
func (r *Request) IsMatchedDonor(donorID string) bool {
	for _, m := range r.MatchedDonors {
		if m.DonorID == donorID {
			return true
		}
	}
	return false
}

// HasAcceptedResponse reports whether any notified donor has accepted.
func (r *Request) HasAcceptedResponse() bool {
	for _, m := range r.MatchedDonors {
		if m.Response == ResponseAccepted {
			return true
		}
	}
	return false
}

// FallbackNotifiedAlready reports whether the donor was already contacted
// during a previous unavailable-donor outreach run.
func (r *Request) FallbackNotifiedAlready(donorID string) bool {
	for _, id := range r.FallbackNotified {
		if id == donorID {
			return true
		}
	}
	return false
}
