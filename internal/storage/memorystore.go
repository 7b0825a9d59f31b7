package storage

import (
	"context"
	"sync"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/requestlock"
)

// MemoryStore is the in-process RequestStore used by tests and single-node
// runs. One mutex guards every transition, which makes each read-check-write
// step atomic without further machinery.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.Request
	admins   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.Request)}
}

// SeedAdmins installs the active operator list for tests/local runs.
func (m *MemoryStore) SeedAdmins(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins = append([]string(nil), ids...)
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[r.ID]; exists {
		return errs.Validation("id", "request already exists")
	}
	cp := cloneRequest(r)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.requests[r.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ListOpen(ctx context.Context) ([]*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Request, 0)
	for _, r := range m.requests {
		if r.Status == models.StatusPending {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUnmatchedBefore(ctx context.Context, cutoff, now time.Time) ([]*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Request, 0)
	for _, r := range m.requests {
		if r.Status != models.StatusPending {
			continue
		}
		if r.CreatedAt.After(cutoff) {
			continue
		}
		if !r.RequiredBy.After(now) {
			continue
		}
		if r.HasAcceptedResponse() {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	return out, nil
}

func (m *MemoryStore) AcquireLock(ctx context.Context, requestID, donorID string, ttl time.Duration) (requestlock.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return requestlock.Lock{}, errs.ErrNotFound
	}
	next, err := requestlock.Acquire(r.Lock, requestID, donorID, ttl, time.Now())
	if err != nil {
		return requestlock.Lock{}, err
	}
	r.Lock = next
	r.UpdatedAt = time.Now()
	return next, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return errs.ErrNotFound
	}
	r.Lock = requestlock.Released()
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddMatchedDonor(ctx context.Context, requestID string, md models.MatchedDonor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return errs.ErrNotFound
	}
	if r.IsMatchedDonor(md.DonorID) {
		return nil
	}
	r.MatchedDonors = append(r.MatchedDonors, md)
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordResponse(ctx context.Context, requestID, donorID string, resp models.Response) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	for i := range r.MatchedDonors {
		if r.MatchedDonors[i].DonorID == donorID {
			r.MatchedDonors[i].Response = resp
			r.UpdatedAt = time.Now()
			return cloneRequest(r), nil
		}
	}
	return nil, errs.ErrNotFound
}

// AcceptRequest is the accept counterpart of AcquireLock: the status check
// and the transition happen under one lock, so two concurrent accepts can
// never both observe "pending" and both win.
func (m *MemoryStore) AcceptRequest(ctx context.Context, requestID, donorID string) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	now := time.Now()
	if r.Status != models.StatusPending || !r.RequiredBy.After(now) {
		return nil, errs.ErrRequestClosed
	}
	r.Status = models.StatusMatched
	r.Lock = requestlock.Released()
	recorded := false
	for i := range r.MatchedDonors {
		if r.MatchedDonors[i].DonorID == donorID {
			r.MatchedDonors[i].Response = models.ResponseAccepted
			recorded = true
			break
		}
	}
	if !recorded {
		r.MatchedDonors = append(r.MatchedDonors, models.MatchedDonor{
			DonorID: donorID, NotifiedAt: now, Response: models.ResponseAccepted,
		})
	}
	r.UpdatedAt = now
	return cloneRequest(r), nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, requestID string, status models.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return errs.ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ExpandRadius(ctx context.Context, requestID string, radiusKm float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, errs.ErrNotFound
	}
	if r.RadiusExpanded || radiusKm <= r.SearchRadiusKm {
		return false, nil
	}
	r.SearchRadiusKm = radiusKm
	r.RadiusExpanded = true
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) RecordFallbackAttempt(ctx context.Context, requestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return errs.ErrNotFound
	}
	r.FallbackAttempts++
	r.LastFallbackAttempt = at
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddFallbackNotified(ctx context.Context, requestID string, donorIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return errs.ErrNotFound
	}
	for _, id := range donorIDs {
		if !r.FallbackNotifiedAlready(id) {
			r.FallbackNotified = append(r.FallbackNotified, id)
		}
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetSuggestedFacilities(ctx context.Context, requestID string, facilities []models.Facility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return errs.ErrNotFound
	}
	r.SuggestedFacilities = append([]models.Facility(nil), facilities...)
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkAdminNotified(ctx context.Context, requestID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, errs.ErrNotFound
	}
	if r.AdminNotified {
		return false, nil
	}
	r.AdminNotified = true
	r.AdminNotifiedAt = at
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Status == models.StatusPending && now.After(r.RequiredBy) {
			r.Status = models.StatusExpired
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ClearExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Lock.Expired(now) {
			r.Lock = requestlock.Released()
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListActiveAdmins(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.admins...), nil
}

func cloneRequest(r *models.Request) *models.Request {
	cp := *r
	cp.MatchedDonors = append([]models.MatchedDonor(nil), r.MatchedDonors...)
	cp.FallbackNotified = append([]string(nil), r.FallbackNotified...)
	cp.SuggestedFacilities = append([]models.Facility(nil), r.SuggestedFacilities...)
	return &cp
}
