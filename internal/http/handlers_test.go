package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/config"
	"github.com/GeekRover/Blood-link-sub000/internal/fallback"
	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	"github.com/GeekRover/Blood-link-sub000/internal/matching"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/notify"
	"github.com/GeekRover/Blood-link-sub000/internal/scoring"
	"github.com/GeekRover/Blood-link-sub000/internal/storage"
)

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) Notify(ctx context.Context, userID string, n notify.Notification) error {
	f.sent = append(f.sent, userID)
	return nil
}

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, *geo.Index, *fakeNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	donors := geo.NewIndex()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := matching.NewEngine(donors, nil, scoring.NewScorer(scoring.DefaultWeights()), 10, logger)
	notifier := &fakeNotifier{}
	orch := fallback.NewOrchestrator(store, donors, engine, notifier, nil, store, fallback.DefaultConfig(), logger)
	cfg := config.ServerConfig{
		DefaultRadiusKm: 25,
		MatcherLimit:    10,
		MinLockTTL:      15 * time.Minute,
		MaxLockTTL:      30 * time.Minute,
	}
	srv := NewServer(cfg, store, donors, engine, orch, notifier, nil, notify.NewWSRegistry(), logger)
	return srv, store, donors, notifier
}

func seedRequest(t *testing.T, store *storage.MemoryStore) *models.Request {
	t.Helper()
	req := &models.Request{
		ID:             "r1",
		RequesterID:    "u1",
		BloodType:      models.APos,
		Urgency:        models.UrgencyNormal,
		Hospital:       models.Coordinate{Lon: 77.59, Lat: 12.97},
		RequiredBy:     time.Now().Add(24 * time.Hour),
		Status:         models.StatusPending,
		SearchRadiusKm: 25,
		CreatedAt:      time.Now(),
	}
	if err := store.Create(context.Background(), req); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return req
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestCreateRequest_ZeroCandidatesStillCreated(t *testing.T) {
	srv, store, _, _ := newTestServer(t)

	w := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "u1",
		"blood_type":   "A+",
		"urgency":      "normal",
		"hospital":     map[string]float64{"lon": 77.59, "lat": 12.97},
		"required_by":  time.Now().Add(12 * time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Request         models.Request `json:"request"`
		DonorsNotified  int            `json:"donors_notified"`
		CandidatesFound int            `json:"candidates_found"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CandidatesFound != 0 || resp.DonorsNotified != 0 {
		t.Fatalf("expected zero candidates, got %+v", resp)
	}
	if _, err := store.Get(context.Background(), resp.Request.ID); err != nil {
		t.Fatalf("request not persisted: %v", err)
	}
}

func TestCreateRequest_NotifiesCompatibleDonors(t *testing.T) {
	srv, store, donors, notifier := newTestServer(t)
	donors.Upsert(context.Background(), models.Donor{
		ID: "d1", BloodType: models.ONeg,
		Loc:       &models.Coordinate{Lon: 77.60, Lat: 12.98},
		Available: true, Active: true, Verified: true, RadiusKm: 25,
	})

	w := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "u1",
		"blood_type":   "A+",
		"hospital":     map[string]float64{"lon": 77.59, "lat": 12.97},
		"required_by":  time.Now().Add(12 * time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "d1" {
		t.Fatalf("expected d1 notified, got %v", notifier.sent)
	}
	var resp struct {
		Request models.Request `json:"request"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	stored, err := store.Get(context.Background(), resp.Request.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.IsMatchedDonor("d1") {
		t.Fatalf("d1 not recorded as matched donor")
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "u1",
		"blood_type":   "X+",
		"hospital":     map[string]float64{"lon": 77.59, "lat": 12.97},
		"required_by":  time.Now().Add(12 * time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad blood type: status = %d", w.Code)
	}

	w = doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "u1",
		"blood_type":   "A+",
		"hospital":     map[string]float64{"lon": 77.59, "lat": 12.97},
		"required_by":  time.Now().Add(-time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("past deadline: status = %d", w.Code)
	}
}

func TestAcquireLock_ConflictReturns409(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	seedRequest(t, store)

	w := doJSON(t, srv, "POST", "/api/v1/requests/r1/lock", lockBody{DonorID: "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("first lock: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "POST", "/api/v1/requests/r1/lock", lockBody{DonorID: "d2"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second lock: status = %d, want 409", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["retry_after_minutes"]; !ok {
		t.Fatalf("conflict body missing retry_after_minutes: %v", resp)
	}
}

func TestAcquireLock_TTLBounds(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	seedRequest(t, store)

	w := doJSON(t, srv, "POST", "/api/v1/requests/r1/lock", lockBody{DonorID: "d1", TTLMinutes: 60})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized ttl: status = %d, want 400", w.Code)
	}
}

func TestAcquireLock_UnknownRequest(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := doJSON(t, srv, "POST", "/api/v1/requests/nope/lock", lockBody{DonorID: "d1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRespond_AcceptWithLockMatchesRequest(t *testing.T) {
	srv, store, _, notifier := newTestServer(t)
	seedRequest(t, store)
	store.AddMatchedDonor(context.Background(), "r1", models.MatchedDonor{
		DonorID: "d1", NotifiedAt: time.Now(), Response: models.ResponsePending,
	})
	if _, err := store.AcquireLock(context.Background(), "r1", "d1", 15*time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	w := doJSON(t, srv, "POST", "/api/v1/requests/r1/respond", respondBody{DonorID: "d1", Response: models.ResponseAccepted})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	stored, err := store.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusMatched {
		t.Fatalf("status = %s, want matched", stored.Status)
	}
	if stored.Lock.Locked {
		t.Fatalf("lock should be released after accept")
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "u1" {
		t.Fatalf("requester not notified: %v", notifier.sent)
	}
}

func TestRespond_AcceptBlockedByForeignLock(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	seedRequest(t, store)
	if _, err := store.AcquireLock(context.Background(), "r1", "d1", 15*time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	store.AddMatchedDonor(context.Background(), "r1", models.MatchedDonor{
		DonorID: "d2", NotifiedAt: time.Now(), Response: models.ResponsePending,
	})

	w := doJSON(t, srv, "POST", "/api/v1/requests/r1/respond", respondBody{DonorID: "d2", Response: models.ResponseAccepted})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestRespond_DeclineReleasesOwnLock(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	seedRequest(t, store)
	store.AddMatchedDonor(context.Background(), "r1", models.MatchedDonor{
		DonorID: "d1", NotifiedAt: time.Now(), Response: models.ResponsePending,
	})
	if _, err := store.AcquireLock(context.Background(), "r1", "d1", 15*time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	w := doJSON(t, srv, "POST", "/api/v1/requests/r1/respond", respondBody{DonorID: "d1", Response: models.ResponseDeclined})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	stored, _ := store.Get(context.Background(), "r1")
	if stored.Lock.Locked {
		t.Fatalf("decline should release the donor's own lock")
	}
	if stored.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", stored.Status)
	}
}

func TestRespond_SecondAcceptRejected(t *testing.T) {
	srv, store, _, notifier := newTestServer(t)
	seedRequest(t, store)
	for _, id := range []string{"d1", "d2"} {
		store.AddMatchedDonor(context.Background(), "r1", models.MatchedDonor{
			DonorID: id, NotifiedAt: time.Now(), Response: models.ResponsePending,
		})
	}

	w := doJSON(t, srv, "POST", "/api/v1/requests/r1/respond", respondBody{DonorID: "d1", Response: models.ResponseAccepted})
	if w.Code != http.StatusOK {
		t.Fatalf("first accept: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "POST", "/api/v1/requests/r1/respond", respondBody{DonorID: "d2", Response: models.ResponseAccepted})
	if w.Code != http.StatusConflict {
		t.Fatalf("second accept: status = %d, want 409", w.Code)
	}

	stored, err := store.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusMatched {
		t.Fatalf("status = %s, want matched", stored.Status)
	}
	accepted := 0
	for _, md := range stored.MatchedDonors {
		if md.Response == models.ResponseAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("exactly one acceptance may succeed, got %d", accepted)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "u1" {
		t.Fatalf("requester should be notified exactly once: %v", notifier.sent)
	}
}

func TestRespond_AcceptAfterDeadlineRejected(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	req := &models.Request{
		ID:             "late",
		RequesterID:    "u1",
		BloodType:      models.APos,
		Urgency:        models.UrgencyNormal,
		Hospital:       models.Coordinate{Lon: 77.59, Lat: 12.97},
		RequiredBy:     time.Now().Add(-time.Hour),
		Status:         models.StatusPending,
		SearchRadiusKm: 25,
		CreatedAt:      time.Now().Add(-48 * time.Hour),
	}
	if err := store.Create(context.Background(), req); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, srv, "POST", "/api/v1/requests/late/respond", respondBody{DonorID: "d1", Response: models.ResponseAccepted})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	stored, _ := store.Get(context.Background(), "late")
	if stored.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", stored.Status)
	}
}

func TestFallbackOne_NonQualifyingReturns409(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	seedRequest(t, store)

	w := doJSON(t, srv, "POST", "/api/v1/fallback/requests/r1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestDonorFeed_FiltersByVisibility(t *testing.T) {
	srv, store, donors, _ := newTestServer(t)
	seedRequest(t, store)
	donors.Upsert(context.Background(), models.Donor{
		ID: "d1", BloodType: models.ONeg,
		Loc:       &models.Coordinate{Lon: 77.60, Lat: 12.98},
		Available: true, Active: true, Verified: true, RadiusKm: 25,
	})

	w := doJSON(t, srv, "GET", "/api/v1/donors/d1/feed", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Requests []json.RawMessage `json:"requests"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Requests) != 1 {
		t.Fatalf("expected 1 visible request, got %d", len(resp.Requests))
	}

	w = doJSON(t, srv, "GET", "/api/v1/donors/unknown/feed", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown donor: status = %d, want 404", w.Code)
	}
}

func TestDonorLocationIngest(t *testing.T) {
	srv, _, donors, _ := newTestServer(t)

	w := doJSON(t, srv, "POST", "/internal/donors/locations", models.Donor{
		ID: "d9", BloodType: models.BPos,
		Loc:       &models.Coordinate{Lon: 77.1, Lat: 12.9},
		Available: true, Active: true, Verified: true, RadiusKm: 30,
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	d, ok, err := donors.GetDonor(context.Background(), "d9")
	if err != nil || !ok {
		t.Fatalf("donor not stored: ok=%v err=%v", ok, err)
	}
	if d.BloodType != models.BPos {
		t.Fatalf("blood type = %s", d.BloodType)
	}
}
