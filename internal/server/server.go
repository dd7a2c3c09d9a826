// Package server is the broker's front door: it owns the HTTP listener,
// routes the request/response endpoints and the duplex-channel endpoint
// into the components, and runs the process lifecycle (startup, metric
// collection, graceful shutdown).
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mindcreek/non-messenger/internal/clock"
	"github.com/mindcreek/non-messenger/internal/config"
	"github.com/mindcreek/non-messenger/internal/delivery"
	"github.com/mindcreek/non-messenger/internal/guard"
	"github.com/mindcreek/non-messenger/internal/metrics"
	"github.com/mindcreek/non-messenger/internal/nodes"
	"github.com/mindcreek/non-messenger/internal/pool"
	"github.com/mindcreek/non-messenger/internal/ratelimit"
	"github.com/mindcreek/non-messenger/internal/reaper"
	"github.com/mindcreek/non-messenger/internal/replicator"
	"github.com/mindcreek/non-messenger/internal/session"
)

// Version is reported in the health response.
const Version = "1.0.0"

const (
	writeWait       = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server wires every broker component together behind the two ingress
// surfaces.
type Server struct {
	cfg    *config.Config
	clock  clock.Clock
	logger zerolog.Logger

	pool       *pool.Pool
	sessions   *session.Registry
	nodes      *nodes.Registry
	engine     *delivery.Engine
	replicator *replicator.Replicator
	reaper     *reaper.Reaper
	guard      *guard.Guard

	// publishLimiter gates client-facing traffic by source address;
	// replicateLimiter gates the cluster replicate endpoint by peer address
	// with its own (larger) bucket so a chatty cluster never starves
	// publishers and a misbehaving peer is still bounded.
	publishLimiter   *ratelimit.Limiter
	replicateLimiter *ratelimit.Limiter

	registry *prometheus.Registry

	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shuttingDown   int32
	connectionsSem chan struct{}
	memoryRSS      uint64 // atomic; sampled by collectMetrics
}

// New constructs a Server with all components wired but nothing listening.
// The clock is injected so tests can drive TTL expiry and idle eviction
// without sleeping.
func New(cfg *config.Config, clk clock.Clock, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	p := pool.New(logger)
	sessions := session.New(clk, logger)
	nodeRegistry := nodes.New(clk, logger, splitSeeds(cfg.PeerSeeds))
	engine := delivery.New(p, sessions, logger)

	publishLimiter := ratelimit.New(ratelimit.Config{
		Points: cfg.RateLimitPoints,
		Window: cfg.RateLimitWindow,
		Scope:  "publish",
	}, logger)
	replicateLimiter := ratelimit.New(ratelimit.Config{
		Points: cfg.RateLimitPoints * 10,
		Window: cfg.RateLimitWindow,
		Scope:  "replicate",
	}, logger)

	repl := replicator.New(nodeRegistry, replicator.Config{
		Workers:   cfg.ReplicationWorkers,
		QueueSize: cfg.ReplicationQueueSize,
		Timeout:   cfg.ReplicationTimeout,
	}, logger)

	rpr := reaper.New(p, sessions, []*ratelimit.Limiter{publishLimiter, replicateLimiter}, reaper.Config{
		EnvelopeSweepInterval: cfg.EnvelopeSweepInterval,
		SessionSweepInterval:  cfg.SessionSweepInterval,
		SessionIdleTimeout:    cfg.SessionIdleTimeout,
	}, clk, logger)

	resourceGuard := guard.New(guard.Config{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimit:        cfg.MemoryLimit,
		MaxGoroutines:      cfg.MaxGoroutines,
	}, logger, sessions.Count)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	return &Server{
		cfg:              cfg,
		clock:            clk,
		logger:           logger.With().Str("component", "server").Logger(),
		pool:             p,
		sessions:         sessions,
		nodes:            nodeRegistry,
		engine:           engine,
		replicator:       repl,
		reaper:           rpr,
		guard:            resourceGuard,
		publishLimiter:   publishLimiter,
		replicateLimiter: replicateLimiter,
		registry:         registry,
		ctx:              ctx,
		cancel:           cancel,
		connectionsSem:   make(chan struct{}, cfg.MaxConnections),
	}
}

// Handler builds the full route table. Exposed separately from Start so
// tests can drive the server through httptest without opening a real
// listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.withCommon(s.handleHealth))
	mux.HandleFunc("POST /api/messages", s.withCommon(s.handlePublish))
	mux.HandleFunc("GET /api/messages/{recipientCode}", s.withCommon(s.handlePull))
	mux.HandleFunc("DELETE /api/messages/{id}", s.withCommon(s.handleDelete))
	mux.HandleFunc("POST /api/nodes", s.withCommon(s.handleRegisterNode))
	mux.HandleFunc("GET /api/nodes", s.withCommon(s.handleListNodes))
	mux.HandleFunc("POST /api/replicate", s.withReplicateLimit(s.handleReplicateIn))
	mux.HandleFunc("OPTIONS /", s.handlePreflight)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Metrics are scraped by infrastructure, not clients; no CORS, no rate
	// limit token.
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return mux
}

// Start opens the listener and launches the background loops. Returns once
// the server is accepting traffic.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.replicator.Start()
	s.reaper.Start()
	s.guard.Start(s.ctx, s.cfg.ResourceSampleInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.collectMetrics()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("version", Version).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("broker listening")
	return nil
}

// Shutdown refuses new ingress, closes every open session with a terminal
// reason, and stops the background loops. The pool is not drained; clients
// re-poll on reconnect.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown did not complete cleanly")
		}
	}

	for _, sess := range s.sessions.All() {
		s.sessions.Close(sess.ID, "server_shutdown")
	}

	s.reaper.Stop()
	s.replicator.Stop()
	s.cancel()
	s.wg.Wait()

	s.logger.Info().Msg("shutdown complete")
	return nil
}

// collectMetrics samples process resident memory for the health response
// and the memory gauge.
func (s *Server) collectMetrics() {
	defer s.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to get process info; memory sampling disabled")
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			memInfo, err := proc.MemoryInfo()
			if err != nil {
				continue
			}
			atomic.StoreUint64(&s.memoryRSS, memInfo.RSS)
			metrics.MemoryUsageBytes.Set(float64(memInfo.RSS))
		}
	}
}

func splitSeeds(seeds string) []string {
	var out []string
	for _, s := range strings.Split(seeds, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
