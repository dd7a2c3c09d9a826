package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mindcreek/non-messenger/internal/metrics"
	"github.com/mindcreek/non-messenger/internal/pool"
	"github.com/mindcreek/non-messenger/internal/wire"
)

// maxPushAttempts is recorded as MaxAttempts on each envelope; no code path
// compares the attempt counter against it.
const maxPushAttempts = 3

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status:          "healthy",
		Timestamp:       s.clock.Now().UnixMilli(),
		Version:         Version,
		MessagePoolSize: s.pool.Size(),
		ActiveSessions:  s.sessions.Count(),
		ConnectedNodes:  s.nodes.Count(),
		MemoryRSSBytes:  atomic.LoadUint64(&s.memoryRSS),
	})
}

// handlePublish accepts a client envelope: insert, attempt push, fan out to
// peers. Replication happens even when the push succeeded, so a second
// device of the same recipient can still fetch the envelope from a peer.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEnvelopeRequest(w, r)
	if !ok {
		return
	}

	env := s.buildEnvelope(req, pool.Published)
	if !s.pool.Insert(env) {
		// Duplicate id: the existing entry is retained untouched and the
		// publish is reported as pooled, which keeps republish idempotent
		// from the client's point of view.
		s.logger.Debug().Str("message_id", env.ID).Msg("duplicate envelope id on publish")
		writeJSON(w, http.StatusOK, wire.PublishResponse{
			Success:   true,
			MessageID: env.ID,
			Delivered: false,
			Pooled:    true,
		})
		return
	}
	metrics.EnvelopesPublished.Inc()

	delivered := s.engine.Deliver(env)
	s.replicator.Replicate(env)

	writeJSON(w, http.StatusOK, wire.PublishResponse{
		Success:   true,
		MessageID: env.ID,
		Delivered: delivered,
		Pooled:    !delivered,
	})
}

// handleReplicateIn accepts an envelope from a peer broker. It is inserted
// tagged replicated-in and offered to this node's own sessions, but never
// handed back to the replicator.
func (s *Server) handleReplicateIn(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEnvelopeRequest(w, r)
	if !ok {
		return
	}

	env := s.buildEnvelope(req, pool.ReplicatedIn)
	if !s.pool.Insert(env) {
		writeJSON(w, http.StatusOK, wire.PublishResponse{
			Success:   true,
			MessageID: env.ID,
			Delivered: false,
			Pooled:    true,
		})
		return
	}
	metrics.EnvelopesReplicatedIn.Inc()

	delivered := s.engine.Deliver(env)

	writeJSON(w, http.StatusOK, wire.PublishResponse{
		Success:   true,
		MessageID: env.ID,
		Delivered: delivered,
		Pooled:    !delivered,
	})
}

func (s *Server) decodeEnvelopeRequest(w http.ResponseWriter, r *http.Request) (wire.PublishRequest, bool) {
	var req wire.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.RecipientCode == "" || req.EncryptedMessage == "" || req.MessageID == "" {
		http.Error(w, "recipientContactCode, encryptedMessage and messageId are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// buildEnvelope applies the TTL default and ceiling. An over-long caller
// TTL is clamped, not rejected, so a misbehaving client degrades gracefully
// instead of losing its envelope.
func (s *Server) buildEnvelope(req wire.PublishRequest, origin pool.Origin) pool.Envelope {
	ttl := s.cfg.DefaultTTL
	if req.TTLMillis > 0 {
		ttl = time.Duration(req.TTLMillis) * time.Millisecond
		if ttl > s.cfg.MaxTTL {
			ttl = s.cfg.MaxTTL
		}
	}
	return pool.Envelope{
		ID:            req.MessageID,
		RecipientCode: req.RecipientCode,
		Payload:       req.EncryptedMessage,
		AuthTag:       req.AuthTag,
		CreatedAt:     s.clock.Now(),
		TTL:           ttl,
		Origin:        origin,
		MaxAttempts:   maxPushAttempts,
	}
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	recipientCode := r.PathValue("recipientCode")

	envs := s.engine.Drain(recipientCode)
	messages := make([]wire.PullResponseMessage, 0, len(envs))
	for _, env := range envs {
		messages = append(messages, wire.PullResponseMessage{
			MessageID:        env.ID,
			EncryptedMessage: env.Payload,
			AuthTag:          env.AuthTag,
			Timestamp:        env.CreatedAt.UnixMilli(),
		})
	}

	writeJSON(w, http.StatusOK, wire.PullResponse{Messages: messages})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	removed := s.pool.Remove(id)
	if removed {
		metrics.EnvelopesDeleted.Inc()
	}
	writeJSON(w, http.StatusOK, wire.DeleteResponse{Removed: removed})
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req wire.RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeURL == "" || req.PublicKey == "" {
		http.Error(w, "nodeUrl and publicKey are required", http.StatusBadRequest)
		return
	}

	s.nodes.Register(req.NodeURL, req.PublicKey)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	entries := s.nodes.List()
	out := make([]wire.NodeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.NodeEntry{
			NodeURL:  e.NodeURL,
			LastSeen: e.LastSeen.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, wire.ListNodesResponse{Nodes: out})
}
