// Package ratelimit provides the fixed-window limiter that protects the
// shared voice-generation quota and enforces per-tier allowances.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Result is the outcome of a single check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Backend performs the atomic check-and-increment for one key.
// It returns the count after the increment and the window reset time.
// Implementations must not increment past max+1 so a hammered key cannot overflow.
type Backend interface {
	Hit(ctx context.Context, key string, max int, window time.Duration, now time.Time) (count int, resetAt time.Time, err error)
	Close() error
}

// Limiter counts requests per identifier in fixed windows.
type Limiter struct {
	backend Backend
	max     int
	window  time.Duration
	prefix  string
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBackend replaces the in-memory backend.
func WithBackend(b Backend) Option {
	return func(l *Limiter) { l.backend = b }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPrefix namespaces keys, so several limiters can share one backend.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New creates a limiter allowing max requests per window.
// Without WithBackend it uses an in-memory backend whose sweep runs every window.
func New(max int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.backend == nil {
		l.backend = NewMemoryBackend(window, l.now)
	}
	return l
}

// Check counts one request for identifier and reports whether it is allowed.
// It never fails: a backend error is logged and treated as a denial so an
// unreachable counter cannot open the provider quota.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	return l.CheckLimit(ctx, identifier, l.max)
}

// CheckLimit is Check with a per-call maximum, for allowances that vary by
// identifier such as tier quotas. A max of zero denies every request.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string, max int) Result {
	now := l.now()
	if max <= 0 {
		return Result{Allowed: false, Limit: 0, Remaining: 0, ResetAt: now.Add(l.window)}
	}
	count, resetAt, err := l.backend.Hit(ctx, l.prefix+identifier, max, l.window, now)
	if err != nil {
		slog.Warn("rate limit backend failed, denying request", "identifier", identifier, "error", err)
		return Result{Allowed: false, Limit: max, Remaining: 0, ResetAt: now.Add(l.window)}
	}

	if count > max {
		return Result{Allowed: false, Limit: max, Remaining: 0, ResetAt: resetAt}
	}
	return Result{Allowed: true, Limit: max, Remaining: max - count, ResetAt: resetAt}
}

// Limit returns the configured maximum per window.
func (l *Limiter) Limit() int { return l.max }

// Window returns the configured window.
func (l *Limiter) Window() time.Duration { return l.window }

// Close releases the backend.
func (l *Limiter) Close() error {
	return l.backend.Close()
}
