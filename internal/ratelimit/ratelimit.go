// Package ratelimit bounds actor-initiated calls per action class and scope.
//
// Each (class, scope) pair owns one fixed-window counter. The window opens on
// the first allowed call; allowed calls increment it and denied calls do not.
// Buckets of different scopes never share state, so limiting one actor or
// assignment cannot affect another.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Class is an action class with its own policy.
type Class string

const (
	ClassComment  Class = "comment-create"
	ClassEscalate Class = "escalate"
	ClassGeneral  Class = "general"
)

// Policy is the limit for one class. PerResource scopes the bucket to
// actor + resource instead of the actor alone.
type Policy struct {
	Limit       int           `yaml:"limit"`
	Window      time.Duration `yaml:"window"`
	PerResource bool          `yaml:"per_resource"`
}

// Policies maps classes to policies.
type Policies map[Class]Policy

// DefaultPolicies are the stock limits.
func DefaultPolicies() Policies {
	return Policies{
		ClassComment:  {Limit: 10, Window: time.Minute, PerResource: true},
		ClassEscalate: {Limit: 1, Window: time.Hour, PerResource: true},
		ClassGeneral:  {Limit: 60, Window: time.Minute},
	}
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration // zero when allowed
}

// Headers renders the decision as rate-limit response fields.
func (d Decision) Headers() map[string]string {
	h := map[string]string{
		"x-ratelimit-limit":     strconv.Itoa(d.Limit),
		"x-ratelimit-remaining": strconv.Itoa(d.Remaining),
		"x-ratelimit-reset":     strconv.FormatInt(d.Reset.Unix(), 10),
	}
	if !d.Allowed {
		h["retry-after"] = strconv.Itoa(ceilSeconds(d.RetryAfter))
	}
	return h
}

// RateLimitExceeded is returned for denied calls. Nothing was mutated.
type RateLimitExceeded struct {
	Class      Class
	Scope      string
	Limit      int
	Reset      time.Time
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d): retry after %ds", e.Class, e.Limit, e.RetryAfterSeconds())
}

// Code is the machine-readable error code.
func (e *RateLimitExceeded) Code() string { return "RATE_LIMIT_EXCEEDED" }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *RateLimitExceeded) RetryAfterSeconds() int { return ceilSeconds(e.RetryAfter) }

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Backend stores window counters.
type Backend interface {
	// Take increments key if it is below limit in the current window.
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Limiter evaluates policies against a Backend.
type Limiter struct {
	backend  Backend
	policies Policies
	now      func() time.Time
	onDeny   func(Class)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithDenyHook is called with the class of every denied call.
func WithDenyHook(fn func(Class)) Option { return func(l *Limiter) { l.onDeny = fn } }

// New returns a Limiter. Classes missing from policies fall back to the
// defaults.
func New(backend Backend, policies Policies, opts ...Option) *Limiter {
	merged := DefaultPolicies()
	for c, p := range policies {
		merged[c] = p
	}
	l := &Limiter{backend: backend, policies: merged, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the policy for class.
func (l *Limiter) Policy(class Class) (Policy, bool) {
	p, ok := l.policies[class]
	return p, ok
}

// ScopeKey builds the bucket key for class. resource is ignored unless the
// class is per-resource.
func ScopeKey(class Class, p Policy, actorID, resourceID string) string {
	parts := []string{string(class), actorID}
	if p.PerResource && resourceID != "" {
		parts = append(parts, resourceID)
	}
	return strings.Join(parts, ":")
}

// Check consumes one call for actorID (and resourceID for per-resource
// classes). A denied call returns the decision and a *RateLimitExceeded.
func (l *Limiter) Check(ctx context.Context, class Class, actorID, resourceID string) (Decision, error) {
	p, ok := l.policies[class]
	if !ok || p.Limit <= 0 || p.Window <= 0 {
		return Decision{Allowed: true}, nil
	}
	key := ScopeKey(class, p, actorID, resourceID)
	d, err := l.backend.Take(ctx, key, p.Limit, p.Window, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %s: %w", class, err)
	}
	if r := recorderFrom(ctx); r != nil {
		r.record(class, d)
	}
	if !d.Allowed {
		if l.onDeny != nil {
			l.onDeny(class)
		}
		return d, &RateLimitExceeded{Class: class, Scope: key, Limit: d.Limit, Reset: d.Reset, RetryAfter: d.RetryAfter}
	}
	return d, nil
}
