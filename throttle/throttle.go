// Package throttle implements the per-command minimum-interval gates the bot
// uses to keep chat replies from being hammered. A Gate records the last time
// it fired for each key and refuses to fire again until the interval has
// elapsed, unless it is explicitly reset.
package throttle

import "time"

// GlobalKey scopes a Gate that does not throttle per argument.
const GlobalKey = ""

// Gate is a minimum-interval gate. It is not internally synchronized: all of
// the bot's gates are touched only from the single serial processing loop. A
// caller that shares a Gate across goroutines must add its own locking.
type Gate struct {
	interval time.Duration
	notify   bool
	now      func() time.Time
	last     map[string]time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotify marks the gate as one whose suppressed calls should be reported
// to the user instead of silently dropped.
func WithNotify() Option {
	return func(g *Gate) { g.notify = true }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New returns a Gate enforcing at most one firing per interval per key.
func New(interval time.Duration, opts ...Option) *Gate {
	g := &Gate{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Allow reports whether the gate fires for key now. When it does, the
// last-fired timestamp is updated; when it does not, wait is how long until
// the next call would be allowed.
func (g *Gate) Allow(key string) (ok bool, wait time.Duration) {
	now := g.now()
	if last, seen := g.last[key]; seen {
		if elapsed := now.Sub(last); elapsed < g.interval {
			return false, g.interval - elapsed
		}
	}
	g.last[key] = now
	return true, 0
}

// Notify reports whether suppressed calls should produce a cooldown message.
func (g *Gate) Notify() bool { return g.notify }

// Interval returns the configured minimum interval.
func (g *Gate) Interval() time.Duration { return g.interval }

// Reset clears the recorded timestamp for one key so the next Allow fires
// regardless of elapsed time.
func (g *Gate) Reset(key string) {
	delete(g.last, key)
}

// ResetAll clears every recorded timestamp.
func (g *Gate) ResetAll() {
	clear(g.last)
}
