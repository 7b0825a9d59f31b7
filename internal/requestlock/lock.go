// Package requestlock implements the time-boxed exclusive claim a donor
// takes on a request before accepting it. The state machine here is pure
// value logic; the storage layer is responsible for applying transitions as
// a single atomic conditional write so two donors can never both win.
package requestlock

import (
	"time"

	"github.com/GeekRover/Blood-link-sub000/internal/errs"
)

// Lock is embedded in a request. Locked=true implies LockedBy and
// ExpiresAt are set.
type Lock struct {
	Locked    bool      `json:"is_locked"`
	LockedBy  string    `json:"locked_by,omitempty"`
	LockedAt  time.Time `json:"locked_at,omitempty"`
	ExpiresAt time.Time `json:"lock_expires_at,omitempty"`
}

// Expired reports read-time lazy expiry: the lock counts as released the
// instant wall-clock time passes ExpiresAt, even before an unlock write.
func (l Lock) Expired(now time.Time) bool {
	return l.Locked && now.After(l.ExpiresAt)
}

// Held reports whether the lock is currently effective (set and unexpired).
func (l Lock) Held(now time.Time) bool {
	return l.Locked && !l.Expired(now)
}

// CanBeAcceptedBy gates the respond/accept transition: true if unlocked,
// expired, or held by the same donor.
func (l Lock) CanBeAcceptedBy(donorID string, now time.Time) bool {
	if !l.Held(now) {
		return true
	}
	return l.LockedBy == donorID
}

// CanAcquire reports whether donorID may take the lock at now: an unlocked
// or expired lock is free, and re-acquiring one's own lock is idempotent.
func (l Lock) CanAcquire(donorID string, now time.Time) bool {
	return l.CanBeAcceptedBy(donorID, now)
}

// RetryAfter is how long until the current holder's claim lapses.
func (l Lock) RetryAfter(now time.Time) time.Duration {
	if !l.Held(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// Acquire computes the post-acquire lock state, or a LockConflictError if a
// different donor holds an unexpired claim. Callers persist the returned
// value with a conditional write keyed on the observed state.
func Acquire(l Lock, requestID, donorID string, ttl time.Duration, now time.Time) (Lock, error) {
	if donorID == "" {
		return l, errs.Validation("donor_id", "must not be empty")
	}
	if ttl <= 0 {
		return l, errs.Validation("ttl", "must be positive")
	}
	if !l.CanAcquire(donorID, now) {
		return l, &errs.LockConflictError{
			RequestID:  requestID,
			HeldBy:     l.LockedBy,
			RetryAfter: l.RetryAfter(now),
		}
	}
	return Lock{
		Locked:    true,
		LockedBy:  donorID,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Released is the unlocked state, used on decline, acceptance, or admin
// action.
func Released() Lock { return Lock{} }
