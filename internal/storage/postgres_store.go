package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/models"
	"github.com/GeekRover/Blood-link-sub000/internal/requestlock"
)

// PostgresStore implements RequestStore on plain database/sql with lib/pq.
// Every racy transition is one conditional UPDATE so the database, not the
// application, arbitrates concurrent writers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *models.Request) error {
	facilities, err := json.Marshal(r.SuggestedFacilities)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO requests(
			id, requester_id, blood_type, urgency, hospital_lon, hospital_lat,
			required_by, status, search_radius_km, radius_expanded,
			fallback_attempts, last_fallback_attempt, fallback_notified,
			suggested_facilities, admin_notified, admin_notified_at,
			locked, locked_by, locked_at, lock_expires_at, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$21)`,
		r.ID, r.RequesterID, string(r.BloodType), string(r.Urgency),
		r.Hospital.Lon, r.Hospital.Lat, r.RequiredBy, string(r.Status),
		r.SearchRadiusKm, r.RadiusExpanded, r.FallbackAttempts,
		nullTime(r.LastFallbackAttempt), pq.Array(r.FallbackNotified), facilities,
		r.AdminNotified, nullTime(r.AdminNotifiedAt),
		r.Lock.Locked, nullString(r.Lock.LockedBy), nullTime(r.Lock.LockedAt), nullTime(r.Lock.ExpiresAt),
		time.Now())
	return err
}

const requestColumns = `
	id, requester_id, blood_type, urgency, hospital_lon, hospital_lat,
	required_by, status, search_radius_km, radius_expanded,
	fallback_attempts, last_fallback_attempt, fallback_notified,
	suggested_facilities, admin_notified, admin_notified_at,
	locked, locked_by, locked_at, lock_expires_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, err
	}
	if err := p.loadMatchedDonors(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) ListOpen(ctx context.Context) ([]*models.Request, error) {
	return p.list(ctx, `SELECT `+requestColumns+` FROM requests WHERE status='pending' ORDER BY created_at`)
}

func (p *PostgresStore) ListUnmatchedBefore(ctx context.Context, cutoff, now time.Time) ([]*models.Request, error) {
	return p.list(ctx, `
		SELECT `+requestColumns+` FROM requests r
		WHERE r.status='pending'
		  AND r.created_at <= $1
		  AND r.required_by > $2
		  AND NOT EXISTS (
			SELECT 1 FROM request_donors d
			WHERE d.request_id = r.id AND d.response = 'accepted')
		ORDER BY r.created_at`, cutoff, now)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*models.Request, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if err := p.loadMatchedDonors(ctx, r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AcquireLock is the compare-and-swap the lock contract requires: the WHERE
// clause encodes "free, expired, or mine", and RowsAffected decides who won.
func (p *PostgresStore) AcquireLock(ctx context.Context, requestID, donorID string, ttl time.Duration) (requestlock.Lock, error) {
	if donorID == "" {
		return requestlock.Lock{}, errs.Validation("donor_id", "must not be empty")
	}
	if ttl <= 0 {
		return requestlock.Lock{}, errs.Validation("ttl", "must be positive")
	}
	now := time.Now()
	expires := now.Add(ttl)
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests
		SET locked=true, locked_by=$1, locked_at=$2, lock_expires_at=$3, updated_at=$2
		WHERE id=$4
		  AND (locked=false OR lock_expires_at < $2 OR locked_by = $1)`,
		donorID, now, expires, requestID)
	if err != nil {
		return requestlock.Lock{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return requestlock.Lock{}, err
	}
	if n == 1 {
		return requestlock.Lock{Locked: true, LockedBy: donorID, LockedAt: now, ExpiresAt: expires}, nil
	}

	// Lost the race or the request does not exist; read back to say which.
	var holder sql.NullString
	var lockExpires sql.NullTime
	err = p.db.QueryRowContext(ctx,
		`SELECT locked_by, lock_expires_at FROM requests WHERE id=$1`, requestID).
		Scan(&holder, &lockExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return requestlock.Lock{}, errs.ErrNotFound
	}
	if err != nil {
		return requestlock.Lock{}, err
	}
	conflict := &errs.LockConflictError{RequestID: requestID, HeldBy: holder.String}
	if lockExpires.Valid {
		conflict.RetryAfter = time.Until(lockExpires.Time)
	}
	return requestlock.Lock{}, conflict
}

func (p *PostgresStore) ReleaseLock(ctx context.Context, requestID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests
		SET locked=false, locked_by=NULL, locked_at=NULL, lock_expires_at=NULL, updated_at=$1
		WHERE id=$2`, time.Now(), requestID)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (p *PostgresStore) AddMatchedDonor(ctx context.Context, requestID string, md models.MatchedDonor) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO request_donors(request_id, donor_id, notified_at, response)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (request_id, donor_id) DO NOTHING`,
		requestID, md.DonorID, md.NotifiedAt, string(md.Response))
	return err
}

func (p *PostgresStore) RecordResponse(ctx context.Context, requestID, donorID string, resp models.Response) (*models.Request, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE request_donors SET response=$1 WHERE request_id=$2 AND donor_id=$3`,
		string(resp), requestID, donorID)
	if err != nil {
		return nil, err
	}
	if err := oneRowOrNotFound(res); err != nil {
		return nil, err
	}
	return p.Get(ctx, requestID)
}

// AcceptRequest mirrors AcquireLock: the pending→matched transition is one
// conditional UPDATE and RowsAffected decides which donor's accept won.
func (p *PostgresStore) AcceptRequest(ctx context.Context, requestID, donorID string) (*models.Request, error) {
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests
		SET status='matched', locked=false, locked_by=NULL, locked_at=NULL, lock_expires_at=NULL, updated_at=$1
		WHERE id=$2 AND status='pending' AND required_by > $1`,
		now, requestID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race or the request does not exist; read back to say which.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM requests WHERE id=$1)`, requestID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, errs.ErrNotFound
		}
		return nil, errs.ErrRequestClosed
	}
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO request_donors(request_id, donor_id, notified_at, response)
		VALUES($1,$2,$3,'accepted')
		ON CONFLICT (request_id, donor_id) DO UPDATE SET response='accepted'`,
		requestID, donorID, now); err != nil {
		return nil, err
	}
	return p.Get(ctx, requestID)
}

func (p *PostgresStore) SetStatus(ctx context.Context, requestID string, status models.RequestStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE requests SET status=$1, updated_at=$2 WHERE id=$3`,
		string(status), time.Now(), requestID)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (p *PostgresStore) ExpandRadius(ctx context.Context, requestID string, radiusKm float64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests
		SET search_radius_km=$1, radius_expanded=true, updated_at=$2
		WHERE id=$3 AND radius_expanded=false AND search_radius_km < $1`,
		radiusKm, time.Now(), requestID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "already expanded" from "no such request".
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM requests WHERE id=$1)`, requestID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, errs.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) RecordFallbackAttempt(ctx context.Context, requestID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests
		SET fallback_attempts = fallback_attempts + 1, last_fallback_attempt=$1, updated_at=$1
		WHERE id=$2`, at, requestID)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (p *PostgresStore) AddFallbackNotified(ctx context.Context, requestID string, donorIDs []string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests
		SET fallback_notified = (
			SELECT ARRAY(SELECT DISTINCT unnest(fallback_notified || $1::text[]))),
		    updated_at=$2
		WHERE id=$3`, pq.Array(donorIDs), time.Now(), requestID)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (p *PostgresStore) SetSuggestedFacilities(ctx context.Context, requestID string, facilities []models.Facility) error {
	b, err := json.Marshal(facilities)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests SET suggested_facilities=$1, updated_at=$2 WHERE id=$3`,
		b, time.Now(), requestID)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (p *PostgresStore) MarkAdminNotified(ctx context.Context, requestID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests
		SET admin_notified=true, admin_notified_at=$1, updated_at=$1
		WHERE id=$2 AND admin_notified=false`, at, requestID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests SET status='expired', updated_at=$1
		WHERE status='pending' AND required_by < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) ClearExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests
		SET locked=false, locked_by=NULL, locked_at=NULL, lock_expires_at=NULL, updated_at=$1
		WHERE locked=true AND lock_expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) ListActiveAdmins(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM admins WHERE active=true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) loadMatchedDonors(ctx context.Context, r *models.Request) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT donor_id, notified_at, response
		FROM request_donors WHERE request_id=$1 ORDER BY notified_at`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var md models.MatchedDonor
		var resp string
		if err := rows.Scan(&md.DonorID, &md.NotifiedAt, &resp); err != nil {
			return err
		}
		md.Response = models.Response(resp)
		r.MatchedDonors = append(r.MatchedDonors, md)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		r          models.Request
		bt, urg    string
		status     string
		lastFb     sql.NullTime
		notified   pq.StringArray
		facilities []byte
		adminAt    sql.NullTime
		lockedBy   sql.NullString
		lockedAt   sql.NullTime
		lockExp    sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RequesterID, &bt, &urg, &r.Hospital.Lon, &r.Hospital.Lat,
		&r.RequiredBy, &status, &r.SearchRadiusKm, &r.RadiusExpanded,
		&r.FallbackAttempts, &lastFb, &notified, &facilities,
		&r.AdminNotified, &adminAt,
		&r.Lock.Locked, &lockedBy, &lockedAt, &lockExp, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	r.BloodType = models.BloodType(bt)
	r.Urgency = models.Urgency(urg)
	r.Status = models.RequestStatus(status)
	r.FallbackNotified = notified
	if lastFb.Valid {
		r.LastFallbackAttempt = lastFb.Time
	}
	if adminAt.Valid {
		r.AdminNotifiedAt = adminAt.Time
	}
	if lockedBy.Valid {
		r.Lock.LockedBy = lockedBy.String
	}
	if lockedAt.Valid {
		r.Lock.LockedAt = lockedAt.Time
	}
	if lockExp.Valid {
		r.Lock.ExpiresAt = lockExp.Time
	}
	if len(facilities) > 0 {
		if err := json.Unmarshal(facilities, &r.SuggestedFacilities); err != nil {
			return nil, fmt.Errorf("decode facilities: %w", err)
		}
	}
	return &r, nil
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
