// Package reaper runs the broker's periodic maintenance: TTL expiry of
// pooled envelopes and eviction of idle duplex sessions. Each sweep kind
// runs on its own ticker goroutine, so two sweeps of the same kind can
// never overlap, and both stop when Stop is called.
package reaper

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/clock"
	"github.com/mindcreek/non-messenger/internal/pool"
	"github.com/mindcreek/non-messenger/internal/ratelimit"
	"github.com/mindcreek/non-messenger/internal/session"
)

// Config sets the sweep cadences and the session idle window.
type Config struct {
	EnvelopeSweepInterval time.Duration
	SessionSweepInterval  time.Duration
	SessionIdleTimeout    time.Duration
}

// Reaper owns the two maintenance loops.
type Reaper struct {
	pool     *pool.Pool
	sessions *session.Registry
	// limiters have their stale buckets evicted on the session sweep's
	// cadence, so all periodic maintenance shares one scheduler instead of
	// each limiter owning a private ticker.
	limiters []*ratelimit.Limiter

	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a stopped Reaper.
func New(p *pool.Pool, s *session.Registry, limiters []*ratelimit.Limiter, cfg Config, c clock.Clock, logger zerolog.Logger) *Reaper {
	return &Reaper{
		pool:     p,
		sessions: s,
		limiters: limiters,
		cfg:      cfg,
		clock:    c,
		logger:   logger.With().Str("component", "reaper").Logger(),
	}
}

// Start launches both sweep loops.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go r.loop(ctx, "envelope_sweep", r.cfg.EnvelopeSweepInterval, r.SweepEnvelopes)
	go r.loop(ctx, "session_sweep", r.cfg.SessionSweepInterval, r.SweepSessions)
}

// Stop cancels both loops and waits for any in-progress sweep to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context, name string, interval time.Duration, sweep func()) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runSweep(name, sweep)
		}
	}
}

func (r *Reaper) runSweep(name string, sweep func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("sweep", name).
				Interface("panic_value", rec).
				Str("stack_trace", string(debug.Stack())).
				Msg("sweep panicked")
		}
	}()
	sweep()
}

// SweepEnvelopes removes every envelope whose TTL has passed. Exported so
// tests can trigger a sweep deterministically instead of waiting out a
// ticker.
func (r *Reaper) SweepEnvelopes() {
	now := r.clock.Now()
	if expired := r.pool.ExpireBefore(now); expired > 0 {
		r.logger.Info().Int("expired", expired).Msg("envelope sweep removed expired envelopes")
	}
}

// SweepSessions evicts sessions idle past the configured window and evicts
// stale rate-limit buckets.
func (r *Reaper) SweepSessions() {
	now := r.clock.Now()
	if evicted := r.sessions.EvictIdle(now, r.cfg.SessionIdleTimeout); evicted > 0 {
		r.logger.Info().Int("evicted", evicted).Msg("session sweep evicted idle sessions")
	}
	for _, l := range r.limiters {
		l.Cleanup(now)
	}
}
