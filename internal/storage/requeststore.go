// Package storage persists requests and applies every racy transition
// (lock fields, matched-donor list, fallback counters) as a single atomic
// update.
package storage

import (
	"context"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/requestlock"
)

// RequestStore defines the request persistence operations the core needs:
// point lookup by id, list scans, and atomic conditional updates.
type RequestStore interface {
	Create(ctx context.Context, r *models.Request) error
	Get(ctx context.Context, id string) (*models.Request, error)

	// ListOpen returns requests still accepting donors (status pending).
	ListOpen(ctx context.Context) ([]*models.Request, error)
	// ListUnmatchedBefore returns pending requests created at or before
	// cutoff whose deadline is still ahead of now and which have no
	// accepted response, i.e. the fallback Detect set.
	ListUnmatchedBefore(ctx context.Context, cutoff, now time.Time) ([]*models.Request, error)

	// AcquireLock grants the donor a time-boxed exclusive claim in one
	// conditional write: it succeeds only if the lock is free, expired,
	// or already held by the same donor. Two concurrent donors can never
	// both observe "unlocked" and both win.
	AcquireLock(ctx context.Context, requestID, donorID string, ttl time.Duration) (requestlock.Lock, error)
	ReleaseLock(ctx context.Context, requestID string) error

	AddMatchedDonor(ctx context.Context, requestID string, md models.MatchedDonor) error
	// RecordResponse sets the donor's response on the matched-donor entry
	// and returns the updated request.
	RecordResponse(ctx context.Context, requestID, donorID string, resp models.Response) (*models.Request, error)
	// AcceptRequest transitions the request pending→matched, records the
	// donor's accepted response, and releases the lock, all in one
	// conditional write. It returns ErrRequestClosed when the request is
	// not pending or its deadline has passed, so at most one acceptance
	// ever succeeds per request.
	AcceptRequest(ctx context.Context, requestID, donorID string) (*models.Request, error)
	SetStatus(ctx context.Context, requestID string, status models.RequestStatus) error

	// ExpandRadius widens the search radius once. Returns false without
	// writing when the radius was already expanded; the radius never
	// decreases.
	ExpandRadius(ctx context.Context, requestID string, radiusKm float64) (bool, error)
	RecordFallbackAttempt(ctx context.Context, requestID string, at time.Time) error
	AddFallbackNotified(ctx context.Context, requestID string, donorIDs []string) error
	// SetSuggestedFacilities overwrites any previous suggestion list.
	SetSuggestedFacilities(ctx context.Context, requestID string, facilities []models.Facility) error
	// MarkAdminNotified flips the admin-notified flag once; returns false
	// when operators were already alerted.
	MarkAdminNotified(ctx context.Context, requestID string, at time.Time) (bool, error)

	// ExpireOverdue transitions pending requests past their deadline to
	// expired, returning how many changed.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	// ClearExpiredLocks writes out the lazy expiry for locks whose ttl
	// has lapsed. Readers already treat those as released.
	ClearExpiredLocks(ctx context.Context, now time.Time) (int, error)

	ListActiveAdmins(ctx context.Context) ([]string, error)
}
