// Package pool is the authoritative store-and-forward buffer of envelopes
// awaiting pickup. It is the ground truth: the delivery engine's push is
// an optimization layered on top of it, never a replacement for it.
package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/metrics"
)

// Origin distinguishes an envelope that arrived via direct publish from
// one that arrived via inbound cluster replication. Only Published
// envelopes are handed to the replicator; a ReplicatedIn envelope is never
// replicated onward, which is what keeps a ring of peers from fanning an
// envelope out forever. Origin is in-memory bookkeeping only and is never
// serialized back onto the wire.
type Origin int

const (
	Published Origin = iota
	ReplicatedIn
)

// Envelope is the atomic unit the broker buffers and forwards. The broker
// never interprets Payload or AuthTag; they are opaque ciphertext and
// authentication material produced and consumed entirely client-side.
type Envelope struct {
	ID            string
	RecipientCode string
	Payload       string
	AuthTag       string
	CreatedAt     time.Time
	TTL           time.Duration
	Origin        Origin

	// Push attempt accounting. The delivery engine increments Attempts when
	// a push leaves the envelope pooled; MaxAttempts is recorded but not
	// enforced. A pooled envelope is not pushed again, neither by a timer
	// nor by a later publish or reconnect; it leaves the pool by pull,
	// delete or expiry.
	Attempts    int
	MaxAttempts int
}

// ExpiresAt is the instant after which the envelope is eligible for reaping.
func (e Envelope) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Pool stores envelopes keyed by id, with a secondary per-recipient index
// maintained in lockstep so Take is an O(bucket) bulk read-and-remove
// instead of a full scan. The index holds ids in insertion order, which is
// the order Take returns them in.
type Pool struct {
	mu          sync.Mutex
	byID        map[string]*Envelope
	byRecipient map[string][]string // recipientCode -> ids, insertion order

	logger zerolog.Logger
}

// New constructs an empty Pool. Expiry is driven externally: the reaper
// passes its clock's now into ExpireBefore, so the pool itself never reads
// time.
func New(logger zerolog.Logger) *Pool {
	return &Pool{
		byID:        make(map[string]*Envelope),
		byRecipient: make(map[string][]string),
		logger:      logger.With().Str("component", "message_pool").Logger(),
	}
}

// Insert adds env to the pool. Returns false if env.ID is already present,
// in which case the existing entry is left untouched.
func (p *Pool) Insert(env Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[env.ID]; exists {
		metrics.EnvelopesDuplicate.Inc()
		return false
	}

	stored := env
	p.byID[env.ID] = &stored
	p.byRecipient[env.RecipientCode] = append(p.byRecipient[env.RecipientCode], env.ID)

	metrics.EnvelopesPooled.Set(float64(len(p.byID)))
	return true
}

// Take atomically removes and returns every envelope addressed to
// recipientCode, in insertion order. Concurrent callers racing on the same
// recipient each see a disjoint subset; no envelope is returned twice.
func (p *Pool) Take(recipientCode string) []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, ok := p.byRecipient[recipientCode]
	if !ok || len(ids) == 0 {
		return nil
	}

	out := make([]Envelope, 0, len(ids))
	for _, id := range ids {
		env, ok := p.byID[id]
		if !ok {
			continue
		}
		out = append(out, *env)
		delete(p.byID, id)
	}
	delete(p.byRecipient, recipientCode)

	metrics.EnvelopesPooled.Set(float64(len(p.byID)))
	metrics.EnvelopesPulled.Add(float64(len(out)))
	return out
}

// Remove deletes the envelope with id, if present. Returns whether
// anything was removed; calling it twice for the same id is safe and the
// second call reports false.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	env, ok := p.byID[id]
	if !ok {
		return false
	}
	delete(p.byID, id)
	p.dropFromIndex(env.RecipientCode, id)

	metrics.EnvelopesPooled.Set(float64(len(p.byID)))
	return true
}

// dropFromIndex removes id from the recipient's ordered id list. Caller
// holds p.mu.
func (p *Pool) dropFromIndex(recipientCode, id string) {
	ids, ok := p.byRecipient[recipientCode]
	if !ok {
		return
	}
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(p.byRecipient, recipientCode)
	} else {
		p.byRecipient[recipientCode] = ids
	}
}

// RecordAttempt increments the push attempt counter for id, if still
// pooled. Called by the delivery engine after a push attempt left the
// envelope behind.
func (p *Pool) RecordAttempt(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if env, ok := p.byID[id]; ok {
		env.Attempts++
	}
}

// ExpireBefore removes every envelope whose CreatedAt+TTL is at or before
// now. Returns the number removed.
func (p *Pool) ExpireBefore(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for id, env := range p.byID {
		if !env.ExpiresAt().After(now) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		env := p.byID[id]
		delete(p.byID, id)
		p.dropFromIndex(env.RecipientCode, id)
	}

	if len(expired) > 0 {
		metrics.EnvelopesExpired.Add(float64(len(expired)))
		metrics.EnvelopesPooled.Set(float64(len(p.byID)))
		p.logger.Debug().Int("expired", len(expired)).Msg("swept expired envelopes")
	}
	return len(expired)
}

// Size returns the current number of pooled envelopes.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}
