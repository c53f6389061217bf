package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter is a token bucket per author. Idle buckets are dropped so the
// map stays bounded by recent activity.
type userLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const limiterIdle = 10 * time.Minute

func newUserLimiter() *userLimiter {
	return &userLimiter{limit: rate.Inf, burst: 1, buckets: map[string]*bucket{}}
}

// apply sets the per-user rate. perSec <= 0 disables limiting.
func (u *userLimiter) apply(perSec float64, burst int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if perSec <= 0 {
		u.limit = rate.Inf
	} else {
		u.limit = rate.Limit(perSec)
	}
	u.burst = max(burst, 1)
	// Existing buckets keep their tokens but follow the new settings.
	for _, b := range u.buckets {
		b.lim.SetLimit(u.limit)
		b.lim.SetBurst(u.burst)
	}
}

func (u *userLimiter) allow(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.limit == rate.Inf {
		return true
	}
	now := time.Now()
	if now.Sub(u.swept) > limiterIdle {
		for id, b := range u.buckets {
			if now.Sub(b.seen) > limiterIdle {
				delete(u.buckets, id)
			}
		}
		u.swept = now
	}
	b, ok := u.buckets[userID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(u.limit, u.burst)}
		u.buckets[userID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
