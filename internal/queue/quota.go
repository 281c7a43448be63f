package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"specgap/api-gateway/models"
)

// Quota tracks the rolling daily budget of analysis runs. The window resets
// at UTC midnight; the reset is applied lazily before every capacity check so
// no background timer is required for correctness.
type Quota struct {
	mu       sync.Mutex
	used     int
	limit    int
	resetsAt time.Time

	now func() time.Time
	log *logrus.Logger
}

// NewQuota creates a tracker with the given daily limit. now may be nil, in
// which case time.Now is used (tests inject a fake clock).
func NewQuota(limit int, now func() time.Time, log *logrus.Logger) *Quota {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.New()
	}
	q := &Quota{limit: limit, now: now, log: log}
	q.resetsAt = nextUTCMidnight(now())
	return q
}

// TryConsume atomically claims one unit of capacity. It returns false, without
// mutating state, when the window is exhausted. A successful claim is
// permanent for the window: failed or timed-out runs are not refunded, so the
// limit bounds attempted engine runs per day regardless of outcome.
func (q *Quota) TryConsume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfElapsedLocked()

	if q.used >= q.limit {
		return false
	}
	q.used++
	q.log.WithFields(logrus.Fields{"used": q.used, "limit": q.limit}).Debug("quota unit consumed")
	return true
}

// Remaining returns the units left in the current window.
func (q *Quota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfElapsedLocked()
	return q.limit - q.used
}

// ResetsAt returns the next window boundary.
func (q *Quota) ResetsAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfElapsedLocked()
	return q.resetsAt
}

// Snapshot returns the client-visible view of the quota.
func (q *Quota) Snapshot() models.QuotaSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfElapsedLocked()

	remaining := q.limit - q.used
	return models.QuotaSnapshot{
		Used:        q.used,
		Limit:       q.limit,
		Remaining:   remaining,
		IsExhausted: remaining <= 0,
		ResetsAt:    q.resetsAt,
	}
}

// resetIfElapsedLocked zeroes the counter once the boundary has passed.
// Idempotent; callers must hold q.mu.
func (q *Quota) resetIfElapsedLocked() {
	now := q.now()
	if now.Before(q.resetsAt) {
		return
	}
	q.log.WithFields(logrus.Fields{
		"previous_used": q.used,
		"limit":         q.limit,
	}).Info("daily quota window reset")
	q.used = 0
	q.resetsAt = nextUTCMidnight(now)
}

func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
