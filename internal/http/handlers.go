package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GeekRover/Blood-link-sub000/internal/config"
	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/fallback"
	"github.com/GeekRover/Blood-link-sub000/internal/geo"
	"github.com/GeekRover/Blood-link-sub000/internal/ingest"
	"github.com/GeekRover/Blood-link-sub000/internal/matching"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/notify"
	"github.com/GeekRover/Blood-link-sub000/internal/observability"
	"github.com/GeekRover/Blood-link-sub000/internal/storage"
	"github.com/GeekRover/Blood-link-sub000/internal/visibility"
)

type Server struct {
	Store        storage.RequestStore
	Donors       geo.DonorStore
	Engine       *matching.Engine
	Orchestrator *fallback.Orchestrator
	Notifier     notify.Notifier
	Kafka        *ingest.KafkaProducer
	WSReg        *notify.WSRegistry

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(cfg config.ServerConfig, store storage.RequestStore, donors geo.DonorStore,
	engine *matching.Engine, orch *fallback.Orchestrator, notifier notify.Notifier,
	kafka *ingest.KafkaProducer, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Store: store, Donors: donors, Engine: engine, Orchestrator: orch,
		Notifier: notifier, Kafka: kafka, WSReg: wsreg,
		cfg: cfg, logger: logger, mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/candidates", s.handleCandidates).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/lock", s.handleAcquireLock).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/lock", s.handleReleaseLock).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/requests/{id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/donors/{id}/feed", s.handleDonorFeed).Methods("GET")
	s.mux.HandleFunc("/api/v1/fallback/sweep", s.handleSweep).Methods("POST")
	s.mux.HandleFunc("/api/v1/fallback/requests/{id}", s.handleFallbackOne).Methods("POST")
	s.mux.HandleFunc("/internal/donors/locations", s.handleDonorLocation).Methods("POST")
	s.mux.HandleFunc("/ws/donors/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	RequesterID string            `json:"requester_id"`
	BloodType   models.BloodType  `json:"blood_type"`
	Urgency     models.Urgency    `json:"urgency"`
	Hospital    models.Coordinate `json:"hospital"`
	RequiredBy  time.Time         `json:"required_by"`
}

// handleCreateRequest creates the request and runs matching once. The
// candidate fan-out lives here, not in the engine: zero candidates, or even
// a failed donor lookup, still creates the request.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errs.Validation("body", err.Error()))
		return
	}
	if !body.BloodType.Valid() {
		s.writeError(w, errs.Validation("blood_type", "unknown blood group"))
		return
	}
	if body.Urgency == "" {
		body.Urgency = models.UrgencyNormal
	}
	if !body.Urgency.Valid() {
		s.writeError(w, errs.Validation("urgency", "must be normal, urgent, or critical"))
		return
	}
	if !body.Hospital.Valid() {
		s.writeError(w, errs.Validation("hospital", "coordinates out of range"))
		return
	}
	if body.RequesterID == "" {
		s.writeError(w, errs.Validation("requester_id", "must not be empty"))
		return
	}
	now := time.Now()
	if !body.RequiredBy.After(now) {
		s.writeError(w, errs.Validation("required_by", "must be in the future"))
		return
	}

	req := &models.Request{
		ID:             uuid.NewString(),
		RequesterID:    body.RequesterID,
		BloodType:      body.BloodType,
		Urgency:        body.Urgency,
		Hospital:       body.Hospital,
		RequiredBy:     body.RequiredBy,
		Status:         models.StatusPending,
		SearchRadiusKm: s.cfg.DefaultRadiusKm,
		CreatedAt:      now,
	}
	if err := s.Store.Create(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}

	notified := 0
	cands, err := s.Engine.FindCandidates(r.Context(), req, s.cfg.MatcherLimit)
	if err != nil {
		// Matching degradation never fails request creation.
		s.logger.Error("initial match failed", "request_id", req.ID, "error", err)
	}
	for _, c := range cands {
		if s.Notifier != nil {
			if nerr := s.Notifier.Notify(r.Context(), c.Donor.ID, notify.Notification{
				Type:    "blood_request_nearby",
				Title:   "Blood request near you",
				Message: "A request for " + string(req.BloodType) + " blood needs donors.",
				Data:    map[string]any{"request_id": req.ID, "distance_km": c.DistanceKm},
			}); nerr != nil {
				s.logger.Warn("candidate notification failed", "donor_id", c.Donor.ID, "error", nerr)
			}
		}
		if aerr := s.Store.AddMatchedDonor(r.Context(), req.ID, models.MatchedDonor{
			DonorID: c.Donor.ID, NotifiedAt: time.Now(), Response: models.ResponsePending,
		}); aerr != nil {
			s.logger.Error("record matched donor failed", "request_id", req.ID, "donor_id", c.Donor.ID, "error", aerr)
			continue
		}
		notified++
	}
	if s.Kafka != nil {
		if perr := s.Kafka.PublishRequestEvent(req.ID, "request_created", ""); perr != nil {
			s.logger.Warn("request event publish failed", "request_id", req.ID, "error", perr)
		}
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"request":          req,
		"donors_notified":  notified,
		"candidates_found": len(cands),
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := s.cfg.MatcherLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, errs.Validation("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	cands, err := s.Engine.FindCandidates(r.Context(), req, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"request_id": req.ID, "candidates": cands})
}

func (s *Server) handleDonorFeed(w http.ResponseWriter, r *http.Request) {
	donorID := mux.Vars(r)["id"]
	donor, ok, err := s.Donors.GetDonor(r.Context(), donorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, errs.ErrNotFound)
		return
	}
	open, err := s.Store.ListOpen(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	visible, counts := visibility.DecideBatch(open, donor)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"donor_id": donorID,
		"requests": visible,
		"counts":   counts,
	})
}

type lockBody struct {
	DonorID    string `json:"donor_id"`
	TTLMinutes int    `json:"ttl_minutes"`
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var body lockBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errs.Validation("body", err.Error()))
		return
	}
	ttl := time.Duration(body.TTLMinutes) * time.Minute
	if ttl == 0 {
		ttl = s.cfg.MinLockTTL
	}
	if ttl < s.cfg.MinLockTTL || ttl > s.cfg.MaxLockTTL {
		s.writeError(w, errs.Validation("ttl_minutes",
			"must be between "+s.cfg.MinLockTTL.String()+" and "+s.cfg.MaxLockTTL.String()))
		return
	}
	lock, err := s.Store.AcquireLock(r.Context(), requestID, body.DonorID, ttl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.LockAcquired.Inc()
	if s.Kafka != nil {
		if perr := s.Kafka.PublishRequestEvent(requestID, "request_locked", body.DonorID); perr != nil {
			s.logger.Warn("lock event publish failed", "request_id", requestID, "error", perr)
		}
	}
	s.writeJSON(w, http.StatusOK, lock)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	if err := s.Store.ReleaseLock(r.Context(), requestID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type respondBody struct {
	DonorID  string          `json:"donor_id"`
	Response models.Response `json:"response"`
}

// handleRespond gates accept/decline through the lock. Accepting requires
// the lock to be free, expired, or held by the responding donor, and
// transitions the request to matched.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, errs.Validation("body", err.Error()))
		return
	}
	if body.Response != models.ResponseAccepted && body.Response != models.ResponseDeclined {
		s.writeError(w, errs.Validation("response", "must be accepted or declined"))
		return
	}
	req, err := s.Store.Get(r.Context(), requestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var (
		updated *models.Request
		event   string
	)
	if body.Response == models.ResponseAccepted {
		now := time.Now()
		if !req.Lock.CanBeAcceptedBy(body.DonorID, now) {
			observability.LockConflicts.Inc()
			s.writeError(w, &errs.LockConflictError{
				RequestID:  requestID,
				HeldBy:     req.Lock.LockedBy,
				RetryAfter: req.Lock.RetryAfter(now),
			})
			return
		}
		// AcceptRequest is the conditional pending→matched write; a second
		// accept loses the race there and comes back ErrRequestClosed.
		updated, err = s.Store.AcceptRequest(r.Context(), requestID, body.DonorID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		event = "request_matched"
		if s.Notifier != nil {
			if nerr := s.Notifier.Notify(r.Context(), updated.RequesterID, notify.Notification{
				Type:    "donor_accepted",
				Title:   "A donor accepted your request",
				Message: "Donor " + body.DonorID + " accepted. Coordinate the donation now.",
				Data:    map[string]any{"request_id": requestID, "donor_id": body.DonorID},
			}); nerr != nil {
				s.logger.Warn("requester notification failed", "request_id", requestID, "error", nerr)
			}
		}
	} else {
		updated, err = s.Store.RecordResponse(r.Context(), requestID, body.DonorID, body.Response)
		if err != nil {
			s.writeError(w, err)
			return
		}
		event = "request_declined"
		if req.Lock.Locked && req.Lock.LockedBy == body.DonorID {
			// Declining releases the donor's own claim.
			if err := s.Store.ReleaseLock(r.Context(), requestID); err != nil {
				s.logger.Error("release after decline failed", "request_id", requestID, "error", err)
			}
		}
	}
	if s.Kafka != nil {
		if perr := s.Kafka.PublishRequestEvent(requestID, event, body.DonorID); perr != nil {
			s.logger.Warn("response event publish failed", "request_id", requestID, "error", perr)
		}
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	threshold := s.cfg.FallbackThreshold
	if v := r.URL.Query().Get("threshold_hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			s.writeError(w, errs.Validation("threshold_hours", "must be a positive integer"))
			return
		}
		threshold = time.Duration(h) * time.Hour
	}
	rep, err := s.Orchestrator.RunSweep(r.Context(), threshold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleFallbackOne(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Orchestrator.ProcessRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDonorLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Donor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		s.writeError(w, errs.Validation("body", err.Error()))
		return
	}
	if d.ID == "" {
		s.writeError(w, errs.Validation("id", "must not be empty"))
		return
	}
	if d.Loc != nil && !d.Loc.Valid() {
		s.writeError(w, errs.Validation("loc", "coordinates out of range"))
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishDonorUpdate(d); err != nil {
			s.logger.Warn("donor update publish failed", "donor_id", d.ID, "error", err)
		}
	}
	if err := s.Donors.Upsert(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	observability.DonorUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		body   = map[string]any{"error": err.Error()}
	)
	var lce *errs.LockConflictError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &lce):
		status = http.StatusConflict
		body["retry_after_minutes"] = int(lce.RetryAfter.Minutes()) + 1
	case errors.Is(err, errs.ErrRequestClosed):
		status = http.StatusConflict
	case errors.Is(err, fallback.ErrDoesNotQualify):
		status = http.StatusConflict
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrLookup):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
