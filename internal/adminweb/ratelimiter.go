package adminweb

import (
	"sync"
	"time"
)

// slidingWindowLimiter caps the number of dashboard connections accepted
// within a trailing time window.
type slidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// newSlidingWindowLimiter constructs a limiter bounding accepted events to
// limit per window, driven by cfg.AdminRateWindow/AdminRateBurst at the
// dashboard's one call site. A non-positive window or limit disables the
// limiter (Allow always reports true) rather than erroring, since an
// operator who sets NOTIFYFEED_ADMIN_RATE_BURST=0 is asking to turn
// throttling off, not to lock the dashboard out entirely.
func newSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *slidingWindowLimiter {
	if window <= 0 || limit <= 0 {
		return &slidingWindowLimiter{window: window, limit: limit}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &slidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether another connection may be accepted right now,
// recording it if so.
func (l *slidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
