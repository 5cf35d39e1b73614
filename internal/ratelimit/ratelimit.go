// Package ratelimit caps inbound message rates per connection with a
// rolling time window. Excess messages are dropped with an error reply;
// the connection stays open.
package ratelimit

import "time"

// Limiter admits at most limit events per rolling window. It is owned
// by a single connection's reader loop and is not safe for concurrent
// use.
type Limiter struct {
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// Allow records one event and reports whether it fits in the window.
func (l *Limiter) Allow() bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.stamps = kept

	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
