// Package guard enforces static resource limits on the duplex-channel
// front door. Limits are configured, never auto-calculated: the guard
// rejects new connections at the connection cap, and keeps CPU, memory,
// and goroutine emergency brakes on top of it so an overloaded broker
// sheds new sessions instead of degrading every existing one.
package guard

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/mindcreek/non-messenger/internal/metrics"
)

// Config holds the static limits. A zero CPURejectThreshold or MemoryLimit
// disables that brake; the connection and goroutine caps are always on.
type Config struct {
	MaxConnections int
	// CPURejectThreshold is a host CPU percentage (0-100) above which new
	// connections are rejected.
	CPURejectThreshold float64
	// MemoryLimit bounds heap allocation in bytes.
	MemoryLimit   int64
	MaxGoroutines int
}

// Guard is the admission gate for new duplex-channel connections.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	// currentConns reports the number of open sessions; supplied by the
	// server so the guard never reaches into the session registry.
	currentConns func() int

	currentCPU    uint64 // atomic; math.Float64bits
	currentMemory int64  // atomic; bytes of heap in use
}

// New constructs a Guard. currentConns is polled on every admission check.
func New(cfg Config, logger zerolog.Logger, currentConns func() int) *Guard {
	g := &Guard{
		cfg:          cfg,
		logger:       logger.With().Str("component", "resource_guard").Logger(),
		currentConns: currentConns,
	}

	g.logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Int64("memory_limit", cfg.MemoryLimit).
		Int("max_goroutines", cfg.MaxGoroutines).
		Msg("resource guard initialized")
	return g
}

// ShouldAccept checks whether a new connection can be admitted.
//
// Checks, in order: hard connection limit, CPU emergency brake, memory
// emergency brake, goroutine limit. Returns the rejection reason as a
// short slug used both in logs and as a metric label.
func (g *Guard) ShouldAccept() (accept bool, reason string) {
	conns := g.currentConns()
	if conns >= g.cfg.MaxConnections {
		g.logger.Debug().
			Int("current_conns", conns).
			Int("max_conns", g.cfg.MaxConnections).
			Msg("connection rejected: at max connections")
		return false, "at_max_connections"
	}

	if g.cfg.CPURejectThreshold > 0 {
		if cpuPct := g.CPUPercent(); cpuPct > g.cfg.CPURejectThreshold {
			g.logger.Debug().
				Float64("current_cpu", cpuPct).
				Float64("threshold", g.cfg.CPURejectThreshold).
				Msg("connection rejected: cpu overload")
			return false, "cpu_overload"
		}
	}

	if g.cfg.MemoryLimit > 0 {
		if mem := g.MemoryBytes(); mem > g.cfg.MemoryLimit {
			g.logger.Debug().
				Int64("current_memory", mem).
				Int64("limit", g.cfg.MemoryLimit).
				Msg("connection rejected: memory limit exceeded")
			return false, "memory_limit"
		}
	}

	if goros := runtime.NumGoroutine(); goros > g.cfg.MaxGoroutines {
		g.logger.Debug().
			Int("current_goroutines", goros).
			Int("max_goroutines", g.cfg.MaxGoroutines).
			Msg("connection rejected: goroutine limit exceeded")
		return false, "goroutine_limit"
	}

	return true, "OK"
}

// UpdateResources refreshes the CPU and memory samples the admission
// checks read. Called periodically from Start; exported so tests can
// refresh deterministically.
func (g *Guard) UpdateResources() {
	// Non-blocking since-last-call sample; the first call of a process
	// reports zero, which only means one sampling interval of grace.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.setCPUPercent(percents[0])
		metrics.CPUUsagePercent.Set(percents[0])
	} else if err != nil {
		g.logger.Debug().Err(err).Msg("failed to sample cpu usage")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	atomic.StoreInt64(&g.currentMemory, int64(mem.Alloc))
}

// Start launches the periodic resource sampling loop; it exits when ctx is
// cancelled.
func (g *Guard) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.UpdateResources()
			}
		}
	}()

	g.logger.Info().Dur("interval", interval).Msg("resource guard monitoring started")
}

// CPUPercent returns the last sampled host CPU usage.
func (g *Guard) CPUPercent() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.currentCPU))
}

func (g *Guard) setCPUPercent(v float64) {
	atomic.StoreUint64(&g.currentCPU, math.Float64bits(v))
}

// MemoryBytes returns the last sampled heap usage.
func (g *Guard) MemoryBytes() int64 {
	return atomic.LoadInt64(&g.currentMemory)
}

// Stats returns the guard's view of the limits and current usage.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"max_connections":      g.cfg.MaxConnections,
		"current_connections":  g.currentConns(),
		"cpu_percent":          g.CPUPercent(),
		"cpu_reject_threshold": g.cfg.CPURejectThreshold,
		"memory_bytes":         g.MemoryBytes(),
		"memory_limit_bytes":   g.cfg.MemoryLimit,
		"goroutines_current":   runtime.NumGoroutine(),
		"goroutines_limit":     g.cfg.MaxGoroutines,
	}
}
