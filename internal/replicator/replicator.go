// Package replicator fans accepted envelopes out to every known peer
// broker, best-effort. Failures are logged and ignored: there is no quorum,
// no acknowledgement, and no retry. A client that needs its mail from a
// peer that missed a replica simply pulls from another node.
package replicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/metrics"
	"github.com/mindcreek/non-messenger/internal/nodes"
	"github.com/mindcreek/non-messenger/internal/pool"
	"github.com/mindcreek/non-messenger/internal/wire"
)

// Config sizes the fan-out worker pool and bounds each peer request.
type Config struct {
	Workers   int
	QueueSize int
	// Timeout applies per peer, independently; one dead peer never extends
	// another peer's deadline.
	Timeout time.Duration
}

// Replicator copies published envelopes to every peer in the node registry.
type Replicator struct {
	nodes  *nodes.Registry
	client *http.Client
	cfg    Config
	pool   *workerPool
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New constructs a stopped Replicator over the given node registry. Call
// Start before handing it envelopes.
func New(n *nodes.Registry, cfg Config, logger zerolog.Logger) *Replicator {
	l := logger.With().Str("component", "replicator").Logger()
	return &Replicator{
		nodes:  n,
		client: &http.Client{},
		cfg:    cfg,
		pool:   newWorkerPool(cfg.Workers, cfg.QueueSize, l),
		logger: l,
	}
}

// Start launches the fan-out workers.
func (r *Replicator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.pool.start(ctx)
}

// Stop cancels the workers and waits for in-flight peer requests to finish
// or time out.
func (r *Replicator) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.pool.wait()
}

// Replicate fans env out to every currently known peer. Envelopes that
// arrived via inbound replication are never re-replicated; that origin
// check is the cycle guard that keeps a ring of peers from bouncing one
// envelope around forever.
func (r *Replicator) Replicate(env pool.Envelope) {
	if env.Origin != pool.Published {
		return
	}

	peers := r.nodes.List()
	if len(peers) == 0 {
		return
	}

	body, err := json.Marshal(wire.PublishRequest{
		RecipientCode:    env.RecipientCode,
		EncryptedMessage: env.Payload,
		MessageID:        env.ID,
		TTLMillis:        env.TTL.Milliseconds(),
		AuthTag:          env.AuthTag,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", env.ID).Msg("failed to encode envelope for replication")
		return
	}

	for _, peer := range peers {
		peer := peer
		r.pool.submit(func() {
			r.replicateToPeer(peer, env.ID, body)
		})
	}
}

func (r *Replicator) replicateToPeer(peer nodes.Entry, messageID string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	url := replicateURL(peer.NodeURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		metrics.ReplicationAttempts.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Str("node_url", peer.NodeURL).Str("message_id", messageID).Msg("failed to build replication request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.ReplicationAttempts.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Str("node_url", peer.NodeURL).Str("message_id", messageID).Msg("replication request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ReplicationAttempts.WithLabelValues("rejected").Inc()
		r.logger.Warn().
			Int("status", resp.StatusCode).
			Str("node_url", peer.NodeURL).
			Str("message_id", messageID).
			Msg("peer rejected replication")
		return
	}

	metrics.ReplicationAttempts.WithLabelValues("ok").Inc()
	r.logger.Debug().Str("node_url", peer.NodeURL).Str("message_id", messageID).Msg("envelope replicated to peer")
}

// replicateURL joins a registered node URL with the cluster replicate path.
func replicateURL(nodeURL string) string {
	return fmt.Sprintf("%s/api/replicate", strings.TrimRight(nodeURL, "/"))
}
