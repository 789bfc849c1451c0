// Package ratelimit implements fixed-window request counting per client
// identity, with independently keyed policy tiers.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Policy is one rate-limit tier. Policies are keyed independently:
// exhausting the general budget never touches the payment budget for the
// same client.
type Policy struct {
	// Name keys counters, e.g. "general", "auth", "payment", "search".
	Name string
	// Window is the fixed counting window.
	Window time.Duration
	// MaxRequests is the budget per window.
	MaxRequests int
	// Message is the client-facing denial message.
	Message string
	// Prefixes scopes the policy to request paths. Empty means all paths.
	Prefixes []string
}

// Matches reports whether the policy applies to path, and how specific the
// match is (length of the longest matching prefix; 0 for a catch-all).
func (p Policy) Matches(path string) (int, bool) {
	if len(p.Prefixes) == 0 {
		return 0, true
	}
	best := -1
	for _, prefix := range p.Prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			if len(prefix) > best {
				best = len(prefix)
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// SelectPolicy picks the most specific policy for a path. With the default
// tiers this returns the auth/payment/search tier for their prefixes and
// the catch-all general tier otherwise.
func SelectPolicy(policies []Policy, path string) (Policy, bool) {
	var (
		selected Policy
		bestLen  = -1
		found    bool
	)
	for _, p := range policies {
		n, ok := p.Matches(path)
		if !ok {
			continue
		}
		if n > bestLen {
			selected, bestLen, found = p, n, true
		}
	}
	return selected, found
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store is the counter backend. Incr adds one to the counter for key,
// starting a fresh window when the previous one has elapsed, and returns
// the count within the current window plus the time until it resets.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

// Limiter answers allow/deny per (policy, identity) pair using fixed-window
// counting.
//
// Fixed windows carry a known boundary artifact: a client can burst up to
// 2*MaxRequests across a window edge (the tail of one window plus the head
// of the next). That behavior is intentional and kept; limits here are
// advisory capacity controls, not security accounting.
type Limiter struct {
	store  Store
	logger *slog.Logger
}

// NewLimiter creates a limiter over the given counter store.
func NewLimiter(store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, logger: logger}
}

// Check records one request for identity under policy and decides whether
// it is within budget. A store failure fails open: the request is allowed
// and the failure logged, since dropping traffic on a counter outage is
// worse than briefly exceeding an advisory limit.
func (l *Limiter) Check(ctx context.Context, policy Policy, identity string) Decision {
	key := "ratelimit:" + policy.Name + ":" + identity

	count, remaining, err := l.store.Incr(ctx, key, policy.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request",
			slog.String("policy", policy.Name),
			slog.String("error", err.Error()),
		)
		return Decision{Allowed: true, Remaining: policy.MaxRequests}
	}

	if count > int64(policy.MaxRequests) {
		return Decision{Allowed: false, RetryAfter: remaining}
	}

	return Decision{Allowed: true, Remaining: policy.MaxRequests - int(count)}
}
