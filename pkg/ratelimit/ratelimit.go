// Package ratelimit implements token-bucket admission control keyed by
// (subject, action). Subjects are user IDs for authenticated requests and
// client IPs for anonymous ones; actions map to the endpoint families
// upload, download and auth. Limits come from configuration per role.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cubbyhost/cubby/internal/logger"
	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/models"
)

// Action is an endpoint family with its own limit table.
type Action string

const (
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
	ActionAuth     Action = "auth"
)

// RoleAnonymous is the pseudo-role applied to unauthenticated requests.
const RoleAnonymous = "anonymous"

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool

	// RetryAfter is how long the caller should wait before retrying.
	// Zero when allowed or when the action is disabled outright.
	RetryAfter time.Duration

	// Remaining is the number of requests left in the current window.
	Remaining int
}

type bucket struct {
	tokens   float64
	capacity float64
	last     time.Time
}

// Limiter holds one token bucket per (subject, action) pair. Buckets are
// created lazily and refilled on access, so an idle limiter costs nothing
// until its subject shows up.
type Limiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter from the configured per-role limits.
func New(cfg config.RateLimitConfig) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow admits or rejects one request for the given subject. The role
// selects the limit row; pass RoleAnonymous for unauthenticated requests.
func (l *Limiter) Allow(subject, role string, action Action) Decision {
	limit := l.limitFor(role, action)
	if limit <= 0 {
		// Disabled for this role. No bucket, no retry hint.
		return Decision{Allowed: false}
	}

	key := subject + "|" + string(action)
	now := l.now()
	refillPerSec := float64(limit) / l.cfg.Window.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(limit), capacity: float64(limit), last: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(b.capacity, b.tokens+elapsed*refillPerSec)
			b.last = now
		}
		// Config reloads can change the limit under a live bucket.
		if b.capacity != float64(limit) {
			b.capacity = float64(limit)
			b.tokens = math.Min(b.tokens, b.capacity)
		}
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}

	deficit := 1 - b.tokens
	retry := time.Duration(deficit / refillPerSec * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: retry}
}

// SetConfig swaps the limit table, used on config reload. Existing buckets
// adopt the new capacity on their next access.
func (l *Limiter) SetConfig(cfg config.RateLimitConfig) {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// Prune drops buckets idle for longer than idleFor and returns how many
// were removed. An idle bucket is always full, so dropping it is lossless.
func (l *Limiter) Prune(idleFor time.Duration) int {
	cutoff := l.now().Add(-idleFor)
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run prunes idle buckets on a ticker until the context is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(10 * l.cfg.Window); n > 0 {
				logger.Debug("pruned idle rate limit buckets", "removed", n)
			}
		}
	}
}

func (l *Limiter) limitFor(role string, action Action) int {
	l.mu.Lock()
	var limits config.RoleLimits
	switch action {
	case ActionUpload:
		limits = l.cfg.Upload
	case ActionDownload:
		limits = l.cfg.Download
	case ActionAuth:
		limits = l.cfg.Auth
	}
	l.mu.Unlock()

	switch role {
	case string(models.RoleFree):
		return limits.Free
	case string(models.RolePremium):
		return limits.Premium
	case string(models.RoleAdmin):
		return limits.Admin
	default:
		return limits.Anonymous
	}
}
