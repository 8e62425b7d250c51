package apiclient

import (
	"fmt"
	"sync"
	"time"

	"github.com/MeKo-Tech/terrapoint/internal/config"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// quotaCounter tracks a provider's daily request budget. Exhaustion
// short-circuits calls until the reset instant: provider-local midnight,
// or 24 hours after the window opened for rolling quotas.
type quotaCounter struct {
	mu        sync.Mutex
	limit     int64 // 0 = unlimited
	used      int64
	resetMode config.QuotaReset
	loc       *time.Location
	resetAt   time.Time
	now       func() time.Time
}

func newQuotaCounter(limit int64, mode config.QuotaReset, location string) *quotaCounter {
	loc := time.Local
	if location != "" {
		if l, err := time.LoadLocation(location); err == nil {
			loc = l
		}
	}
	if mode == "" {
		mode = config.QuotaResetMidnight
	}
	return &quotaCounter{
		limit:     limit,
		resetMode: mode,
		loc:       loc,
		now:       time.Now,
	}
}

// take consumes n units of quota, or fails with ErrQuotaExhausted.
func (q *quotaCounter) take(n int64) error {
	if q.limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if !q.resetAt.IsZero() && !now.Before(q.resetAt) {
		q.used = 0
		q.resetAt = time.Time{}
	}
	if q.resetAt.IsZero() {
		q.resetAt = q.nextReset(now)
	}
	if q.used+n > q.limit {
		return fmt.Errorf("%w: resets at %s", types.ErrQuotaExhausted, q.resetAt.Format(time.RFC3339))
	}
	q.used += n
	return nil
}

// remaining reports the unused budget, for status reporting.
func (q *quotaCounter) remaining() int64 {
	if q.limit <= 0 {
		return -1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.resetAt.IsZero() && !q.now().Before(q.resetAt) {
		return q.limit
	}
	return q.limit - q.used
}

func (q *quotaCounter) nextReset(now time.Time) time.Time {
	if q.resetMode == config.QuotaResetRolling {
		return now.Add(24 * time.Hour)
	}
	local := now.In(q.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, q.loc)
	return midnight.Add(24 * time.Hour)
}

// Remaining exposes the provider's unused daily quota (-1 = unlimited).
func (c *Client) Remaining() int64 {
	return c.quota.remaining()
}
