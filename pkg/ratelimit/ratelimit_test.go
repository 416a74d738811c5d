package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cubbyhost/cubby/pkg/config"
	"github.com/cubbyhost/cubby/pkg/models"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Window: 60 * time.Second,
		Upload: config.RoleLimits{
			Free:      3,
			Premium:   10,
			Admin:     100,
			Anonymous: 0,
		},
		Download: config.RoleLimits{
			Free:      5,
			Premium:   10,
			Admin:     100,
			Anonymous: 2,
		},
		Auth: config.RoleLimits{
			Free:      2,
			Premium:   2,
			Admin:     2,
			Anonymous: 2,
		},
	}
}

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(cfg config.RateLimitConfig) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowExhaustsBucket(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	for i := 0; i < 3; i++ {
		d := l.Allow("user-1", string(models.RoleFree), ActionUpload)
		assert.True(t, d.Allowed, "request %d should pass", i)
	}

	d := l.Allow("user-1", string(models.RoleFree), ActionUpload)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 20*time.Second)
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	for i := 0; i < 3; i++ {
		l.Allow("user-1", string(models.RoleFree), ActionUpload)
	}
	assert.False(t, l.Allow("user-1", string(models.RoleFree), ActionUpload).Allowed)

	// A different subject and a different action each get fresh buckets.
	assert.True(t, l.Allow("user-2", string(models.RoleFree), ActionUpload).Allowed)
	assert.True(t, l.Allow("user-1", string(models.RoleFree), ActionDownload).Allowed)
}

func TestRefillOverTime(t *testing.T) {
	l, now := newTestLimiter(testConfig())

	for i := 0; i < 3; i++ {
		l.Allow("user-1", string(models.RoleFree), ActionUpload)
	}
	assert.False(t, l.Allow("user-1", string(models.RoleFree), ActionUpload).Allowed)

	// 3 per 60s = one token every 20s.
	*now = now.Add(20 * time.Second)
	assert.True(t, l.Allow("user-1", string(models.RoleFree), ActionUpload).Allowed)
	assert.False(t, l.Allow("user-1", string(models.RoleFree), ActionUpload).Allowed)

	// A full window restores the whole bucket, capped at capacity.
	*now = now.Add(10 * time.Minute)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("user-1", string(models.RoleFree), ActionUpload).Allowed)
	}
	assert.False(t, l.Allow("user-1", string(models.RoleFree), ActionUpload).Allowed)
}

func TestAnonymousUploadDisabled(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	d := l.Allow("203.0.113.9", RoleAnonymous, ActionUpload)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.RetryAfter)

	// Downloads stay open to anonymous clients, just tighter.
	assert.True(t, l.Allow("203.0.113.9", RoleAnonymous, ActionDownload).Allowed)
	assert.True(t, l.Allow("203.0.113.9", RoleAnonymous, ActionDownload).Allowed)
	assert.False(t, l.Allow("203.0.113.9", RoleAnonymous, ActionDownload).Allowed)
}

func TestRoleSelectsLimit(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Allow("user-p", string(models.RolePremium), ActionUpload).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestPrune(t *testing.T) {
	l, now := newTestLimiter(testConfig())

	l.Allow("user-1", string(models.RoleFree), ActionUpload)
	l.Allow("user-2", string(models.RoleFree), ActionDownload)

	*now = now.Add(30 * time.Minute)
	l.Allow("user-2", string(models.RoleFree), ActionDownload)

	removed := l.Prune(10 * time.Minute)
	assert.Equal(t, 1, removed)

	// The pruned subject starts over with a full bucket.
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("user-1", string(models.RoleFree), ActionUpload).Allowed)
	}
}

func TestSetConfigShrinksCapacity(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	l.Allow("user-1", string(models.RoleFree), ActionDownload)

	cfg := testConfig()
	cfg.Download.Free = 1
	l.SetConfig(cfg)

	// The live bucket is clamped to the new capacity: one more request
	// fits, then the bucket is empty.
	assert.True(t, l.Allow("user-1", string(models.RoleFree), ActionDownload).Allowed)
	assert.False(t, l.Allow("user-1", string(models.RoleFree), ActionDownload).Allowed)
}
