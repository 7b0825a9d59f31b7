// Package fallback escalates requests that stay unmatched past a threshold:
// widen the radius, reach donors who were filtered out, suggest alternate
// facilities, and alert operators. Stages are idempotent or deduplicated so
// sweeps can be re-run safely.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/bloodtype"
	"github.com/GeekRover/Blood-link-sub000/internal/facility"
	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	"github.com/GeekRover/Blood-link-sub000/internal/matching"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/notify"
	"github.com/GeekRover/Blood-link-sub000/internal/observability"
	"github.com/GeekRover/Blood-link-sub000/internal/storage"
)

// ErrDoesNotQualify reports that a request is outside the escalation set:
// not pending, too young, past its deadline, or already accepted.
var ErrDoesNotQualify = errors.New("request does not qualify for escalation")

// AdminDirectory lists the operator accounts to alert on critical requests.
type AdminDirectory interface {
	ListActiveAdmins(ctx context.Context) ([]string, error)
}

type Config struct {
	// Threshold is the minimum request age before escalation. Default 6h.
	Threshold time.Duration
	// ExpandedRadiusKm is the stage-A target radius. Default 100km.
	ExpandedRadiusKm float64
	// FacilityRadiusKm bounds the stage-C directory lookup.
	FacilityRadiusKm float64
	// RenotifyLimit caps how many newly-reachable candidates get notified
	// after a radius expansion.
	RenotifyLimit int
}

func DefaultConfig() Config {
	return Config{
		Threshold:        6 * time.Hour,
		ExpandedRadiusKm: 100,
		FacilityRadiusKm: 50,
		RenotifyLimit:    10,
	}
}

// Report records what a single escalation run did to one request, one
// entry per stage.
type Report struct {
	RequestID           string   `json:"request_id"`
	RadiusExpanded      bool     `json:"radius_expanded"`
	CandidatesNotified  int      `json:"candidates_notified"`
	UnavailableNotified int      `json:"unavailable_notified"`
	FacilitiesSuggested int      `json:"facilities_suggested"`
	AdminsNotified      int      `json:"admins_notified"`
	StageErrors         []string `json:"stage_errors,omitempty"`
}

// SweepReport summarizes a full sweep. Per-request failures are isolated;
// one broken request never blocks escalation of the others.
type SweepReport struct {
	Scanned   int               `json:"scanned"`
	Escalated int               `json:"escalated"`
	Expired   int               `json:"expired"`
	Reports   []Report          `json:"reports"`
	Failures  map[string]string `json:"failures,omitempty"`
}

type Orchestrator struct {
	Store      storage.RequestStore
	Donors     geo.DonorStore
	Engine     *matching.Engine
	Notifier   notify.Notifier
	Facilities facility.Directory
	Admins     AdminDirectory
	Logger     *slog.Logger
	Cfg        Config

	// now is swappable for tests.
	now func() time.Time
}

func NewOrchestrator(store storage.RequestStore, donors geo.DonorStore, engine *matching.Engine,
	notifier notify.Notifier, facilities facility.Directory, admins AdminDirectory,
	cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.ExpandedRadiusKm <= 0 {
		cfg.ExpandedRadiusKm = DefaultConfig().ExpandedRadiusKm
	}
	if cfg.FacilityRadiusKm <= 0 {
		cfg.FacilityRadiusKm = DefaultConfig().FacilityRadiusKm
	}
	if cfg.RenotifyLimit <= 0 {
		cfg.RenotifyLimit = DefaultConfig().RenotifyLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Store: store, Donors: donors, Engine: engine, Notifier: notifier,
		Facilities: facilities, Admins: admins, Cfg: cfg, Logger: logger,
		now: time.Now,
	}
}

// Qualifies is the Detect predicate: pending, old enough, deadline still
// ahead, and nobody has accepted.
func (o *Orchestrator) Qualifies(r *models.Request, now time.Time) bool {
	if r.Status != models.StatusPending {
		return false
	}
	if now.Sub(r.CreatedAt) < o.Cfg.Threshold {
		return false
	}
	if !r.RequiredBy.After(now) {
		return false
	}
	return !r.HasAcceptedResponse()
}

// RunSweep escalates every qualifying request. Cancellation is honored
// between requests (checkpoint granularity of one request); stages within
// a request are short enough to finish.
func (o *Orchestrator) RunSweep(ctx context.Context, threshold time.Duration) (*SweepReport, error) {
	start := o.now()
	defer func() {
		observability.FallbackSweepDuration.Observe(time.Since(start).Seconds())
	}()
	if threshold <= 0 {
		threshold = o.Cfg.Threshold
	}
	now := o.now()
	report := &SweepReport{Failures: map[string]string{}}

	// Write out overdue requests and lapsed locks first so the escalation
	// pass sees clean state.
	if n, err := o.Store.ExpireOverdue(ctx, now); err != nil {
		o.Logger.Error("expire overdue failed", "error", err)
	} else if n > 0 {
		report.Expired = n
		observability.RequestsExpired.Add(float64(n))
	}
	if _, err := o.Store.ClearExpiredLocks(ctx, now); err != nil {
		o.Logger.Error("clear expired locks failed", "error", err)
	}

	candidates, err := o.Store.ListUnmatchedBefore(ctx, now.Add(-threshold), now)
	if err != nil {
		return nil, fmt.Errorf("detect unmatched requests: %w", err)
	}
	report.Scanned = len(candidates)
	for _, r := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rep, err := o.escalate(ctx, r)
		if err != nil {
			report.Failures[r.ID] = err.Error()
			o.Logger.Error("escalation failed", "request_id", r.ID, "error", err)
			continue
		}
		report.Escalated++
		report.Reports = append(report.Reports, *rep)
	}
	return report, nil
}

// ProcessRequest escalates one request on demand.
func (o *Orchestrator) ProcessRequest(ctx context.Context, requestID string) (*Report, error) {
	r, err := o.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !o.Qualifies(r, o.now()) {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrDoesNotQualify)
	}
	return o.escalate(ctx, r)
}

// escalate drives stages A-D. Only a structural failure (the request
// cannot be reloaded) aborts; a failed stage is recorded and the rest
// still run.
func (o *Orchestrator) escalate(ctx context.Context, r *models.Request) (*Report, error) {
	now := o.now()
	rep := &Report{RequestID: r.ID}

	if err := o.Store.RecordFallbackAttempt(ctx, r.ID, now); err != nil {
		return nil, fmt.Errorf("record fallback attempt: %w", err)
	}

	if err := o.stageExpandRadius(ctx, r, rep); err != nil {
		o.stageFailed(rep, "expand_radius", err)
	}
	if err := o.stageNotifyUnavailable(ctx, r, rep); err != nil {
		o.stageFailed(rep, "notify_unavailable", err)
	}
	if err := o.stageSuggestFacilities(ctx, r, rep); err != nil {
		o.stageFailed(rep, "suggest_facilities", err)
	}
	if err := o.stageNotifyAdmins(ctx, r, rep); err != nil {
		o.stageFailed(rep, "notify_admins", err)
	}
	return rep, nil
}

func (o *Orchestrator) stageFailed(rep *Report, stage string, err error) {
	rep.StageErrors = append(rep.StageErrors, fmt.Sprintf("%s: %v", stage, err))
	observability.FallbackStageRuns.WithLabelValues(stage, "error").Inc()
	o.Logger.Error("fallback stage failed", "request_id", rep.RequestID, "stage", stage, "error", err)
}

// Stage A: widen the search radius once, then re-run matching against the
// bigger circle and notify candidates who were previously out of reach.
func (o *Orchestrator) stageExpandRadius(ctx context.Context, r *models.Request, rep *Report) error {
	expanded, err := o.Store.ExpandRadius(ctx, r.ID, o.Cfg.ExpandedRadiusKm)
	if err != nil {
		return err
	}
	if !expanded {
		observability.FallbackStageRuns.WithLabelValues("expand_radius", "skipped").Inc()
		return nil
	}
	rep.RadiusExpanded = true
	r.SearchRadiusKm = o.Cfg.ExpandedRadiusKm
	r.RadiusExpanded = true
	observability.FallbackStageRuns.WithLabelValues("expand_radius", "applied").Inc()

	o.notifyBestEffort(ctx, r.RequesterID, notify.Notification{
		Type:    "fallback_radius_expanded",
		Title:   "Search radius widened",
		Message: fmt.Sprintf("We are now searching within %.0f km for %s donors.", o.Cfg.ExpandedRadiusKm, r.BloodType),
		Data:    map[string]any{"request_id": r.ID, "radius_km": o.Cfg.ExpandedRadiusKm},
	})

	if o.Engine == nil {
		return nil
	}
	cands, err := o.Engine.FindCandidates(ctx, r, o.Cfg.RenotifyLimit)
	if err != nil {
		return err
	}
	for _, c := range cands {
		if r.IsMatchedDonor(c.Donor.ID) {
			continue
		}
		o.notifyBestEffort(ctx, c.Donor.ID, notify.Notification{
			Type:    "blood_request_nearby",
			Title:   "Urgent blood request in your wider area",
			Message: fmt.Sprintf("A request for %s blood is %.1f km away.", r.BloodType, c.DistanceKm),
			Data:    map[string]any{"request_id": r.ID, "distance_km": c.DistanceKm},
		})
		if err := o.Store.AddMatchedDonor(ctx, r.ID, models.MatchedDonor{
			DonorID: c.Donor.ID, NotifiedAt: o.now(), Response: models.ResponsePending,
		}); err != nil {
			return err
		}
		rep.CandidatesNotified++
	}
	return nil
}

// Stage B: for urgent/critical requests, reach compatible donors who are
// currently unavailable. The persisted notified set keeps repeated sweeps
// from spamming the same pool.
func (o *Orchestrator) stageNotifyUnavailable(ctx context.Context, r *models.Request, rep *Report) error {
	if !r.Urgency.Elevated() {
		observability.FallbackStageRuns.WithLabelValues("notify_unavailable", "skipped").Inc()
		return nil
	}
	types := bloodtype.CompatibleDonorTypes(r.BloodType)
	donors, err := o.Donors.FindUnavailableCompatibleNear(ctx, types, r.Hospital, r.SearchRadiusKm)
	if err != nil {
		return err
	}
	notified := make([]string, 0, len(donors))
	for _, d := range donors {
		if r.FallbackNotifiedAlready(d.ID) {
			continue
		}
		o.notifyBestEffort(ctx, d.ID, notify.Notification{
			Type:    "urgent_donor_outreach",
			Title:   "Critical blood request near you",
			Message: fmt.Sprintf("A %s request urgently needs %s blood. Can you make yourself available?", r.Urgency, r.BloodType),
			Data:    map[string]any{"request_id": r.ID, "urgency": string(r.Urgency)},
		})
		notified = append(notified, d.ID)
	}
	if len(notified) > 0 {
		if err := o.Store.AddFallbackNotified(ctx, r.ID, notified); err != nil {
			return err
		}
		r.FallbackNotified = append(r.FallbackNotified, notified...)
	}
	rep.UnavailableNotified = len(notified)
	observability.FallbackStageRuns.WithLabelValues("notify_unavailable", "applied").Inc()
	return nil
}

// Stage C: always runs; overwrites the previous suggestion list.
func (o *Orchestrator) stageSuggestFacilities(ctx context.Context, r *models.Request, rep *Report) error {
	if o.Facilities == nil {
		observability.FallbackStageRuns.WithLabelValues("suggest_facilities", "skipped").Inc()
		return nil
	}
	facilities, err := o.Facilities.NearbyFacilities(ctx, r.Hospital, o.Cfg.FacilityRadiusKm)
	if err != nil {
		return err
	}
	if err := o.Store.SetSuggestedFacilities(ctx, r.ID, facilities); err != nil {
		return err
	}
	rep.FacilitiesSuggested = len(facilities)
	observability.FallbackStageRuns.WithLabelValues("suggest_facilities", "applied").Inc()
	if len(facilities) > 0 {
		o.notifyBestEffort(ctx, r.RequesterID, notify.Notification{
			Type:    "facility_suggestions",
			Title:   "Nearby blood banks",
			Message: fmt.Sprintf("%d facilities near the hospital may have %s stock.", len(facilities), r.BloodType),
			Data:    map[string]any{"request_id": r.ID, "count": len(facilities)},
		})
	}
	return nil
}

// Stage D: critical requests alert every active operator, once.
func (o *Orchestrator) stageNotifyAdmins(ctx context.Context, r *models.Request, rep *Report) error {
	if r.Urgency != models.UrgencyCritical {
		observability.FallbackStageRuns.WithLabelValues("notify_admins", "skipped").Inc()
		return nil
	}
	first, err := o.Store.MarkAdminNotified(ctx, r.ID, o.now())
	if err != nil {
		return err
	}
	if !first {
		observability.FallbackStageRuns.WithLabelValues("notify_admins", "skipped").Inc()
		return nil
	}
	admins, err := o.Admins.ListActiveAdmins(ctx)
	if err != nil {
		return err
	}
	for _, adminID := range admins {
		o.notifyBestEffort(ctx, adminID, notify.Notification{
			Type:    "critical_request_unmatched",
			Title:   "Critical request still unmatched",
			Message: fmt.Sprintf("Request %s (%s, %s) has no accepted donor after escalation.", r.ID, r.BloodType, r.Urgency),
			Data:    map[string]any{"request_id": r.ID},
		})
	}
	rep.AdminsNotified = len(admins)
	observability.FallbackStageRuns.WithLabelValues("notify_admins", "applied").Inc()
	return nil
}

func (o *Orchestrator) notifyBestEffort(ctx context.Context, userID string, n notify.Notification) {
	if o.Notifier == nil || userID == "" {
		return
	}
	if err := o.Notifier.Notify(ctx, userID, n); err != nil {
		o.Logger.Warn("notification failed", "user_id", userID, "type", n.Type, "error", err)
	}
}
