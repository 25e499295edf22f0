// Package user holds the account lockout state machine over entity.User.
package user

import (
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
)

// LockGuard owns every transition of the lockout fields on a User:
//
//	Unlocked(attempts 0..max-1) --failure, attempts==max--> Locked(now+Duration), attempts=0
//	Unlocked --success--> attempts=0, locked_until=nil
//
// An elapsed lock is not cleared by IsLocked; the next success clears it.
// Callers persist the mutated user inside the same transaction as the read.
type LockGuard struct {
	MaxAttempts int
	Duration    time.Duration
}

// IsLocked reports whether a lock is active at now.
func (g LockGuard) IsLocked(u *entity.User, now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// RetryAfter is the remaining lock time, zero when unlocked.
func (g LockGuard) RetryAfter(u *entity.User, now time.Time) time.Duration {
	if !g.IsLocked(u, now) {
		return 0
	}
	return u.LockedUntil.Sub(now)
}

// RecordFailure counts a failed attempt and reports whether it locked the account.
func (g LockGuard) RecordFailure(u *entity.User, now time.Time) bool {
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts < g.MaxAttempts {
		return false
	}
	until := now.Add(g.Duration)
	u.LockedUntil = &until
	u.FailedLoginAttempts = 0
	return true
}

// RecordSuccess resets the counter and clears any elapsed lock.
func (g LockGuard) RecordSuccess(u *entity.User) {
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
}

// Unlock lifts an active lock. Used by operators.
func (g LockGuard) Unlock(u *entity.User) {
	g.RecordSuccess(u)
}
