package server

import (
	"net"
	"net/http"
	"sync/atomic"
)

// withCommon applies CORS headers and publisher-facing rate limiting to a
// request/response handler. Admission happens before any other work: a
// rejected request touches neither the pool nor the registries.
func (s *Server) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w)

		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		if !s.publishLimiter.Admit(sourceAddr(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

// withReplicateLimit gates the cluster-internal replicate endpoint with its
// own bucket keyed by peer address, separate from publisher admission.
func (s *Server) withReplicateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		if !s.replicateLimiter.Admit(sourceAddr(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigins)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// sourceAddr extracts the source network address (host without port) used
// as the rate-limit key.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
