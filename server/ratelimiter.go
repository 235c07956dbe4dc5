package server

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openbtps/btps-node-sub001/berrors"
)

// RateLimiter enforces a fixed request budget per window for a bucket
// key (an IP address or a sender identity), per spec section 4.7's
// "shared rate counters are consulted by default middleware keyed by IP
// and by sender identity; counters are swept on a timer" — the same
// cron-driven sweep idiom token.Sweeper uses for expired tokens, applied
// here to stale rate-limit buckets instead.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	cron    *cron.Cron
}

type bucket struct {
	count      int
	windowEnds time.Time
	lastSeen   time.Time
}

// NewRateLimiter builds a limiter allowing limit requests per window for
// each bucket key, sweeping buckets idle for longer than window on the
// given cron schedule.
func NewRateLimiter(limit int, window time.Duration, sweepSchedule string) (*RateLimiter, error) {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
	}
	c := cron.New()
	if _, err := c.AddFunc(sweepSchedule, rl.sweep); err != nil {
		return nil, err
	}
	rl.cron = c
	return rl, nil
}

// Start begins the background sweep schedule.
func (rl *RateLimiter) Start() { rl.cron.Start() }

// Stop halts the background sweep schedule, waiting for any in-flight
// sweep to finish.
func (rl *RateLimiter) Stop() { <-rl.cron.Stop().Done() }

// Allow reports whether key may make another request this window,
// incrementing its counter as a side effect. Exceeding the limit returns
// a RATE_LIMITER-tagged error rather than a bare false, so callers can
// hand it straight to response.FromError.
func (rl *RateLimiter) Allow(key string) error {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || now.After(b.windowEnds) {
		b = &bucket{count: 0, windowEnds: now.Add(rl.window)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	b.count++
	if b.count > rl.limit {
		return berrors.RateLimiterError("rate limit exceeded for %q", key)
	}
	return nil
}

// sweep removes buckets that have been idle for longer than the window,
// bounding memory growth under high key churn.
func (rl *RateLimiter) sweep() {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.window {
			delete(rl.buckets, key)
		}
	}
}
