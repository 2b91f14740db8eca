// Package ratelimit provides a sliding-window rate limiter shared per
// upstream provider.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// remoteLowWater is the remote-reported remaining budget below which the
// local window is padded toward the ceiling to avoid overshooting.
const remoteLowWater = 5

// Limiter admits at most MaxCalls calls per Period using a mutex-guarded
// sliding window of call timestamps.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	period   time.Duration
	calls    []time.Time     // ascending admission times
	queue    []chan struct{} // blocked waiters, arrival order; head is closed
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// New creates a limiter admitting maxCalls per period.
func New(maxCalls int, period time.Duration) *Limiter {
	if maxCalls <= 0 {
		maxCalls = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	return &Limiter{
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Wait blocks until a call may be admitted and returns how long it slept.
// Blocked callers form a queue and are admitted strictly in arrival order:
// only the head sleeps out the window, and on admission it hands off to the
// next waiter. Canceled waiters leave the queue without blocking it.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	now := l.now()
	l.evict(now)
	if len(l.queue) == 0 && len(l.calls) < l.maxCalls {
		l.calls = append(l.calls, now)
		l.mu.Unlock()
		return 0, nil
	}
	ready := make(chan struct{})
	l.queue = append(l.queue, ready)
	if len(l.queue) == 1 {
		close(ready)
	}
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		l.abandon(ready)
		return 0, ctx.Err()
	case <-ready:
	}

	// Head of the queue: sleep until the oldest call ages out, admit, and
	// promote the next waiter.
	var slept time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)
		if len(l.calls) < l.maxCalls {
			l.calls = append(l.calls, now)
			l.advance()
			l.mu.Unlock()
			return slept, nil
		}
		wait := l.calls[0].Add(l.period).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			l.abandon(ready)
			return slept, err
		}
		slept += wait
	}
}

// advance pops the head and wakes the next waiter. Caller holds the lock.
func (l *Limiter) advance() {
	l.queue = l.queue[1:]
	if len(l.queue) > 0 {
		close(l.queue[0])
	}
}

// abandon removes a canceled waiter; if it was the head the next waiter is
// promoted.
func (l *Limiter) abandon(ready chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ch := range l.queue {
		if ch == ready {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			if i == 0 && len(l.queue) > 0 {
				close(l.queue[0])
			}
			return
		}
	}
}

// evict drops window entries older than period. Caller holds the lock.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// Observe feeds back a provider-reported remaining budget. When the remote
// says it is nearly exhausted the local window is padded to the ceiling so
// subsequent Wait calls hold off for a full period.
func (l *Limiter) Observe(remaining int) {
	if remaining >= remoteLowWater {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.evict(now)
	for len(l.calls) < l.maxCalls {
		l.calls = append(l.calls, now)
	}
}

// ObserveHeaders extracts a remaining-budget header, if present, and feeds
// it through Observe. Providers differ on capitalization.
func (l *Limiter) ObserveHeaders(h http.Header) {
	for _, key := range []string{"X-Ratelimit-Available", "X-RateLimit-Available", "X-RateLimit-Remaining"} {
		if v := h.Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				l.Observe(n)
			}
			return
		}
	}
}

// Pending returns the current window occupancy. Intended for metrics.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.calls)
}
