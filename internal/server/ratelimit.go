package server

import (
	"sync"
	"time"
)

const (
	// eventLimit bounds inbound channel events per connection and window.
	// Voice negotiation bursts (trickle ICE) stay well under it; a
	// misbehaving client gets its frames dropped, not the room flooded.
	eventLimit  = 120
	eventWindow = time.Second
)

// eventLimiter is a sliding-window throttle on inbound events, one per
// connection.
type eventLimiter struct {
	mu       sync.Mutex
	history  []time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func newEventLimiter(limit int, interval time.Duration) *eventLimiter {
	return &eventLimiter{
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (l *eventLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.interval)

	fresh := l.history[:0]
	for _, t := range l.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	l.history = fresh

	if len(l.history) >= l.limit {
		return false
	}
	l.history = append(l.history, now)
	return true
}
