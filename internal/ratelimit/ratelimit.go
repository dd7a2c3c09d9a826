// Package ratelimit admits or rejects work by source network address using
// a token bucket per address. One Limiter instance gates publisher traffic
// and a second gates inbound cluster-replication traffic, each with its own
// bucket capacity.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mindcreek/non-messenger/internal/metrics"
)

// Config controls bucket sizing for one Limiter instance.
type Config struct {
	// Points is the bucket capacity (burst size).
	Points int
	// Window is the duration over which a fully-drained bucket refills to
	// capacity.
	Window time.Duration
	// Scope labels rejections in the rate_limit_rejections_total metric
	// ("publish", "replicate", ...).
	Scope string
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is a per-source-address token bucket gate. Buckets are created
// lazily on first use and evicted by Cleanup once they've sat idle for a
// full refill window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry
	points  int
	perSec  rate.Limit
	window  time.Duration
	scope   string
	logger  zerolog.Logger
}

// New constructs a Limiter. perSec is derived so that an empty bucket
// refills to Points over Window.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	perSec := rate.Limit(float64(cfg.Points) / cfg.Window.Seconds())
	return &Limiter{
		buckets: make(map[string]*bucketEntry),
		points:  cfg.Points,
		perSec:  perSec,
		window:  cfg.Window,
		scope:   cfg.Scope,
		logger:  logger.With().Str("component", "ratelimit").Str("scope", cfg.Scope).Logger(),
	}
}

// Admit consumes one token for source. Returns false if the bucket is
// empty.
func (l *Limiter) Admit(source string) bool {
	b := l.bucketFor(source)
	if !b.limiter.Allow() {
		metrics.RateLimitRejections.WithLabelValues(l.scope).Inc()
		l.logger.Debug().Str("source", source).Msg("rate limit rejected admission")
		return false
	}
	return true
}

func (l *Limiter) bucketFor(source string) *bucketEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.buckets[source]
	if ok {
		entry.lastAccess = now
		return entry
	}

	entry = &bucketEntry{
		limiter:    rate.NewLimiter(l.perSec, l.points),
		lastAccess: now,
	}
	l.buckets[source] = entry
	return entry
}

// Cleanup evicts buckets untouched for a full refill window as of now.
// Called from the reaper's session sweep rather than owning a private
// ticker, so all periodic maintenance shares one scheduler.
func (l *Limiter) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for source, entry := range l.buckets {
		if now.Sub(entry.lastAccess) > l.window {
			delete(l.buckets, source)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.buckets)).Msg("evicted stale rate limit buckets")
	}
	return removed
}

// Tracked returns the number of source addresses currently holding a
// bucket. Used for diagnostics only.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
