// Package ratelimit implements per-user admission control: a token-bucket
// message limiter with ban escalation and a per-user connection counter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/metrics"
)

const (
	cleanupInterval = 5 * time.Minute
	idleExpiry      = 10 * time.Minute
)

// Options configures a Limiter. Zero fields fall back to the documented defaults.
type Options struct {
	MessagesPerMinute     int           // sustained message rate, default 60
	MaxConnectionsPerUser int           // simultaneous connection cap, default 5
	BanViolationThreshold int           // violations within the window before a ban, default 10
	BanDuration           time.Duration // default 15m
	ViolationWindow       time.Duration // default 1m
}

func (o *Options) applyDefaults() {
	if o.MessagesPerMinute <= 0 {
		o.MessagesPerMinute = 60
	}
	if o.MaxConnectionsPerUser <= 0 {
		o.MaxConnectionsPerUser = 5
	}
	if o.BanViolationThreshold <= 0 {
		o.BanViolationThreshold = 10
	}
	if o.BanDuration <= 0 {
		o.BanDuration = 15 * time.Minute
	}
	if o.ViolationWindow <= 0 {
		o.ViolationWindow = time.Minute
	}
}

type userState struct {
	bucket      *rate.Limiter
	connections int
	violations  int
	windowStart time.Time
	bannedUntil time.Time
	lastSeen    time.Time
}

// Limiter tracks token buckets and connection counts keyed per user.
// All checks are atomic under a single mutex; idle entries are swept
// opportunistically so the map does not grow unbounded under churn.
type Limiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	opts      Options
	users     map[string]*userState
	cleanupAt time.Time

	violationCount uint64
}

// NewLimiter creates a limiter on the given clock.
func NewLimiter(clock clockwork.Clock, opts Options) *Limiter {
	opts.applyDefaults()
	return &Limiter{
		clock:     clock,
		opts:      opts,
		users:     make(map[string]*userState),
		cleanupAt: clock.Now().Add(cleanupInterval),
	}
}

// AllowMessage consumes one message token for the user.
// Returns nil, domain.ErrRateLimited, or domain.ErrBanned.
func (l *Limiter) AllowMessage(userKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state := l.get(userKey, now)

	if now.Before(state.bannedUntil) {
		return domain.ErrBanned
	}

	if state.bucket.AllowN(now, 1) {
		return nil
	}

	l.violationCount++
	metrics.RateLimitViolations.Inc()

	if now.Sub(state.windowStart) > l.opts.ViolationWindow {
		state.windowStart = now
		state.violations = 0
	}
	state.violations++

	if state.violations >= l.opts.BanViolationThreshold {
		state.bannedUntil = now.Add(l.opts.BanDuration)
		state.violations = 0
		metrics.BansTotal.Inc()
		return domain.ErrBanned
	}

	return domain.ErrRateLimited
}

// AcquireConnection reserves a connection slot for the user.
// Returns nil, domain.ErrBanned, or domain.ErrTooManyConnections.
func (l *Limiter) AcquireConnection(userKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state := l.get(userKey, now)

	if now.Before(state.bannedUntil) {
		return domain.ErrBanned
	}
	if state.connections >= l.opts.MaxConnectionsPerUser {
		return domain.ErrTooManyConnections
	}

	state.connections++
	return nil
}

// ReleaseConnection frees a connection slot for the user.
func (l *Limiter) ReleaseConnection(userKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.users[userKey]
	if !ok {
		return
	}
	if state.connections > 0 {
		state.connections--
	}
}

// RetryAfter reports how long the user should wait before trying again:
// the remaining ban time, or the refill time of one token.
func (l *Limiter) RetryAfter(userKey string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state := l.get(userKey, now)

	if remaining := state.bannedUntil.Sub(now); remaining > 0 {
		return remaining
	}
	return time.Duration(float64(time.Minute) / float64(l.opts.MessagesPerMinute))
}

// Connections returns the user's current connection count.
func (l *Limiter) Connections(userKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.users[userKey]
	if !ok {
		return 0
	}
	return state.connections
}

// Violations returns the total number of rate-limit violations observed.
func (l *Limiter) Violations() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violationCount
}

// get returns the user's state, creating it on first sight.
// Must be called with mu held.
func (l *Limiter) get(userKey string, now time.Time) *userState {
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(cleanupInterval)
	}

	state, ok := l.users[userKey]
	if !ok {
		perSecond := rate.Limit(float64(l.opts.MessagesPerMinute) / 60.0)
		state = &userState{
			bucket:      rate.NewLimiter(perSecond, l.opts.MessagesPerMinute),
			windowStart: now,
		}
		l.users[userKey] = state
	}
	state.lastSeen = now
	return state
}

// cleanup removes idle, unbanned entries with no live connections.
// Must be called with mu held.
func (l *Limiter) cleanup(now time.Time) {
	cutoff := now.Add(-idleExpiry)
	for key, state := range l.users {
		if state.connections == 0 && state.lastSeen.Before(cutoff) && !now.Before(state.bannedUntil) {
			delete(l.users, key)
		}
	}
}
