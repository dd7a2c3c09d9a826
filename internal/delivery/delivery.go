// Package delivery wires the message pool to the session registry: it
// attempts to push a freshly published envelope to any bound session and
// falls back to leaving it pooled, and it serves pull requests by draining
// the pool.
package delivery

import (
	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/metrics"
	"github.com/mindcreek/non-messenger/internal/pool"
	"github.com/mindcreek/non-messenger/internal/session"
	"github.com/mindcreek/non-messenger/internal/wire"
)

// Engine attempts push delivery and otherwise leaves envelopes for pull.
type Engine struct {
	pool     *pool.Pool
	sessions *session.Registry
	logger   zerolog.Logger
}

// New constructs an Engine over pool p and session registry s.
func New(p *pool.Pool, s *session.Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		pool:     p,
		sessions: s,
		logger:   logger.With().Str("component", "delivery_engine").Logger(),
	}
}

// Deliver is called immediately after the envelope has been inserted into
// the pool. It looks up every session bound to the envelope's recipient
// and writes a new_message frame to each; if at least one write succeeds,
// the envelope is removed from the pool and Deliver reports delivered.
// Otherwise it reports pooled and leaves the envelope in the pool. Deliver
// is not called again for a pooled envelope: a later publish to the same
// recipient pushes only its own envelope, so the pooled one waits for a
// pull, a delete or expiry.
func (e *Engine) Deliver(env pool.Envelope) (delivered bool) {
	candidates := e.sessions.Lookup(env.RecipientCode)
	if len(candidates) == 0 {
		return false
	}

	frame := wire.NewMessageFrame{
		Type:      wire.FrameNewMessage,
		MessageID: env.ID,
		Message:   env.Payload,
		AuthTag:   env.AuthTag,
		Timestamp: env.CreatedAt.UnixMilli(),
	}

	for _, s := range candidates {
		if err := s.Send(frame); err != nil {
			e.logger.Debug().Err(err).Str("session_id", s.ID).Msg("push failed, closing session")
			e.sessions.Close(s.ID, "transport_error")
			continue
		}
		delivered = true
	}

	if delivered {
		e.pool.Remove(env.ID)
		metrics.EnvelopesDelivered.Inc()
	} else {
		e.pool.RecordAttempt(env.ID)
	}
	return delivered
}

// Drain returns every pooled envelope addressed to recipientCode, removing
// them from the pool. Used to serve the pull endpoint.
func (e *Engine) Drain(recipientCode string) []pool.Envelope {
	return e.pool.Take(recipientCode)
}
