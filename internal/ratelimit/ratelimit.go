// Package ratelimit enforces per-account hourly request quotas backed
// by a shared window-counter store.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Plan tiers recognized by the limiter.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// WindowStore is the persisted counter surface: one monotonically
// increasing count per (account, window-start) pair.
type WindowStore interface {
	Count(ctx context.Context, accountID string, windowStart time.Time) (int, error)
	Increment(ctx context.Context, accountID string, windowStart time.Time) error
}

// Limits maps plan tiers to requests-per-hour ceilings.
type Limits struct {
	Free       int
	Pro        int
	Enterprise int
}

// Info describes the state of the current window for response headers.
type Info struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
	Current   int   `json:"current"`
}

type Limiter struct {
	store  WindowStore
	limits Limits
	logger *slog.Logger

	// now is injectable for window-rollover tests.
	now func() time.Time
}

func NewLimiter(store WindowStore, limits Limits, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

func (l *Limiter) windowStart() time.Time {
	return l.now().UTC().Truncate(time.Hour)
}

func (l *Limiter) quota(plan string, override *int) int {
	if override != nil {
		return *override
	}
	switch plan {
	case PlanPro:
		return l.limits.Pro
	case PlanEnterprise:
		return l.limits.Enterprise
	default:
		return l.limits.Free
	}
}

// Check reports whether the account may proceed in the current hour
// window. The store being unreachable fails open: the request is
// allowed, with remaining=0 signalling degraded confidence.
func (l *Limiter) Check(ctx context.Context, accountID, plan string, override *int) (bool, Info) {
	window := l.windowStart()
	limit := l.quota(plan, override)
	reset := window.Add(time.Hour).Unix()

	count, err := l.store.Count(ctx, accountID, window)
	if err != nil {
		l.logger.Error("rate limit check failed, allowing request", "account_id", accountID, "error", err)
		return true, Info{Limit: limit, Remaining: 0, Reset: reset}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return count < limit, Info{
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
		Current:   count,
	}
}

// Increment counts one forwarded request against the current window.
// Called only after the request is actually forwarded; rejected and
// unauthenticated requests are never counted.
func (l *Limiter) Increment(ctx context.Context, accountID string) {
	if err := l.store.Increment(ctx, accountID, l.windowStart()); err != nil {
		l.logger.Error("error incrementing rate limit", "account_id", accountID, "error", err)
	}
}

// Status returns the current window state for the owner-facing usage
// endpoint without affecting the count.
func (l *Limiter) Status(ctx context.Context, accountID, plan string, override *int) Info {
	_, info := l.Check(ctx, accountID, plan, override)
	return info
}
