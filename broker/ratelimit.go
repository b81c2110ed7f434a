package broker

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operations gated by the limiter.
const (
	OpLogin   = "login"
	OpRefresh = "refresh"
)

// Decision is the outcome of a rate-limit check. The shape is identical for
// known and unknown identities; only attempt frequency gates the response.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter bounds login/refresh attempt frequency per (operation,
// identity). Its counters are the broker's only shared mutable state and are
// guarded by a single mutex so concurrent requests never undercount.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    rate.Limit
	burst    int
	idle     time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows up to threshold attempts per window for each
// (operation, identity) pair and evicts idle buckets in the background.
func NewRateLimiter(threshold int, window time.Duration) *RateLimiter {
	if threshold < 1 {
		threshold = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(threshold) / window.Seconds()),
		burst:   threshold,
		idle:    2 * window,
		stop:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Check records an attempt and reports whether it is allowed. When denied,
// RetryAfter carries the earliest time a retry could succeed.
func (rl *RateLimiter) Check(operation, identity string) Decision {
	key := operation + ":" + identity

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	if b.lim.Allow() {
		return Decision{Allowed: true}
	}

	// Reserve to learn the wait, then give the token back.
	res := b.lim.Reserve()
	delay := res.Delay()
	res.Cancel()

	retry := time.Duration(math.Ceil(delay.Seconds())) * time.Second
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// Close stops the eviction goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.idle)
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
