package auth

import (
	"database/sql"
	"sync"
	"time"

	"github.com/seiflotfy/cuckoofilter"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

// backoffSchedule is the exact per-IP delay table spec.md §4.9 specifies
// for failed-login attempts 1 through 9; attempt 10 triggers a 15-minute
// block instead of a delay.
var backoffSchedule = [9]time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 7 * time.Second, 13 * time.Second,
	23 * time.Second, 40 * time.Second, 69 * time.Second, 116 * time.Second,
}

const (
	blockAtAttempt    = 10
	blockDuration      = 15 * time.Minute
	globalLockoutCount = 50
	globalLockoutWindow = 15 * time.Minute
)

// RateLimiter enforces the brute-force lockout math against the
// failed_logins table, with a cuckoofilter fast pre-check so a clean IP
// (the overwhelming common case) skips the SQLite round trip entirely.
type RateLimiter struct {
	db     *sql.DB
	mu     sync.Mutex
	filter *cuckoo.Filter

	globalMu      sync.Mutex
	globalAttempts []time.Time
}

func NewRateLimiter(db *sql.DB) *RateLimiter {
	return &RateLimiter{db: db, filter: cuckoo.NewFilter(10000)}
}

// Check reports whether ip is currently allowed to attempt a login, and
// if not, how long the caller should wait.
func (r *RateLimiter) Check(ip string) (allowed bool, retryAfter time.Duration) {
	r.globalMu.Lock()
	r.pruneGlobalLocked()
	if len(r.globalAttempts) >= globalLockoutCount {
		r.globalMu.Unlock()
		return false, globalLockoutWindow
	}
	r.globalMu.Unlock()

	key := []byte(ip)
	r.mu.Lock()
	known := r.filter.Lookup(key)
	r.mu.Unlock()
	if !known {
		return true, 0
	}

	attempt, ok := r.load(ip)
	if !ok {
		return true, 0
	}
	if !attempt.BlockedUntil.IsZero() && time.Now().Before(attempt.BlockedUntil) {
		return false, time.Until(attempt.BlockedUntil)
	}
	if attempt.Count > 0 && attempt.Count <= len(backoffSchedule) {
		next := attempt.LastAttempt.Add(backoffSchedule[attempt.Count-1])
		if time.Now().Before(next) {
			return false, time.Until(next)
		}
	}
	return true, 0
}

// RecordFailure increments ip's failure counter and applies the
// escalating delay / block schedule.
func (r *RateLimiter) RecordFailure(ip string) error {
	r.globalMu.Lock()
	r.globalAttempts = append(r.globalAttempts, time.Now())
	r.pruneGlobalLocked()
	r.globalMu.Unlock()

	r.mu.Lock()
	r.filter.InsertUnique([]byte(ip))
	r.mu.Unlock()

	now := time.Now()
	attempt, ok := r.load(ip)
	if !ok {
		attempt = model.FailedLoginAttempt{IP: ip, FirstAttempt: now}
	}
	attempt.Count++
	attempt.LastAttempt = now
	if attempt.Count >= blockAtAttempt {
		attempt.BlockedUntil = now.Add(blockDuration)
	}
	return r.save(attempt)
}

// RecordSuccess clears ip's failure history on a successful login.
func (r *RateLimiter) RecordSuccess(ip string) error {
	_, err := r.db.Exec(`DELETE FROM failed_logins WHERE ip = ?`, ip)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "clearing failed login history")
	}
	return nil
}

func (r *RateLimiter) pruneGlobalLocked() {
	cutoff := time.Now().Add(-globalLockoutWindow)
	kept := r.globalAttempts[:0]
	for _, t := range r.globalAttempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.globalAttempts = kept
}

func (r *RateLimiter) load(ip string) (model.FailedLoginAttempt, bool) {
	var a model.FailedLoginAttempt
	var blocked sql.NullTime
	err := r.db.QueryRow(`SELECT ip, count, first_attempt, last_attempt, blocked_until FROM failed_logins WHERE ip = ?`, ip).
		Scan(&a.IP, &a.Count, &a.FirstAttempt, &a.LastAttempt, &blocked)
	if err != nil {
		return model.FailedLoginAttempt{}, false
	}
	if blocked.Valid {
		a.BlockedUntil = blocked.Time
	}
	return a, true
}

func (r *RateLimiter) save(a model.FailedLoginAttempt) error {
	var blocked any
	if !a.BlockedUntil.IsZero() {
		blocked = a.BlockedUntil
	}
	_, err := r.db.Exec(`INSERT INTO failed_logins (ip, count, first_attempt, last_attempt, blocked_until)
		VALUES (?,?,?,?,?)
		ON CONFLICT(ip) DO UPDATE SET count=excluded.count, last_attempt=excluded.last_attempt, blocked_until=excluded.blocked_until`,
		a.IP, a.Count, a.FirstAttempt, a.LastAttempt, blocked)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "persisting failed login attempt")
	}
	return nil
}
