// Package session tracks every open duplex-channel connection and the
// recipient mailbox it has bound to: sessions keyed by id, a secondary
// index keyed by recipient code for delivery lookups, and idle eviction
// driven by the reaper.
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/clock"
	"github.com/mindcreek/non-messenger/internal/metrics"
)

// Sender is the transport-facing side of a session. The duplex-channel
// handler in the front door supplies the concrete implementation (a
// gobwas/ws connection write); this package never imports a transport
// library directly.
type Sender interface {
	// Send writes one frame to the peer. A non-nil error is treated as a
	// transport failure: the caller must close and remove the session.
	Send(frame any) error
	// Close closes the underlying transport with reason as the close
	// message where the transport supports one.
	Close(reason string) error
}

// Session is one open duplex-channel connection.
type Session struct {
	ID     string
	sender Sender

	mu            sync.Mutex
	recipientCode string
	lastSeen      time.Time
	status        string
}

// Status returns the presence value last announced by this session
// ("online", "away", ...). Informational only; never used for routing.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus records the presence value carried in a status broadcast.
func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// RecipientCode returns the session's current binding, or "" if unbound.
func (s *Session) RecipientCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recipientCode
}

// LastSeen returns the last time any inbound frame was observed on this
// session.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Send writes frame to the session's transport. On transport error the
// caller is responsible for invoking Registry.Close.
func (s *Session) Send(frame any) error {
	return s.sender.Send(frame)
}

// Registry owns every live session, keyed by session id, with a secondary
// index keyed by recipient code for delivery lookups.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byRecipient map[string]map[string]*Session // recipientCode -> sessionID -> session

	clock  clock.Clock
	logger zerolog.Logger

	nextID uint64
	idMu   sync.Mutex
}

// New constructs an empty Registry.
func New(c clock.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		byRecipient: make(map[string]map[string]*Session),
		clock:       c,
		logger:      logger.With().Str("component", "session_registry").Logger(),
	}
}

// Open registers a new unbound session wrapping sender and returns it.
func (r *Registry) Open(sender Sender) *Session {
	s := &Session{
		ID:       r.mintID(),
		sender:   sender,
		lastSeen: r.clock.Now(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	metrics.SessionsOpened.Inc()
	metrics.SessionsActive.Set(float64(r.Count()))
	r.logger.Debug().Str("session_id", s.ID).Msg("session opened")
	return s
}

// mintID returns an identifier unique for the process lifetime: a
// timestamp prefix for log readability, a counter for uniqueness.
func (r *Registry) mintID() string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	r.nextID++
	return time.Now().UTC().Format("20060102T150405") + "-" + strconv.FormatUint(r.nextID, 10)
}

// ErrUnknownSession is a sentinel-style result for Bind and Touch against a
// session id the registry no longer holds.
type ErrUnknownSession struct{ SessionID string }

func (e *ErrUnknownSession) Error() string {
	return "unknown session: " + e.SessionID
}

// Bind associates sessionID with recipientCode, replacing any prior
// binding for that session. A session may be bound at most once at a
// time; rebinding takes over the slot rather than being rejected or
// fanning out to multiple recipients, since the duplex endpoint carries no
// other notion of identity and a stale multi-bind would leak deliveries to
// an abandoned mailbox.
func (r *Registry) Bind(sessionID, recipientCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return &ErrUnknownSession{SessionID: sessionID}
	}

	s.mu.Lock()
	previous := s.recipientCode
	s.recipientCode = recipientCode
	s.mu.Unlock()

	if previous != "" {
		if bucket, ok := r.byRecipient[previous]; ok {
			delete(bucket, sessionID)
			if len(bucket) == 0 {
				delete(r.byRecipient, previous)
			}
		}
	}

	bucket, ok := r.byRecipient[recipientCode]
	if !ok {
		bucket = make(map[string]*Session)
		r.byRecipient[recipientCode] = bucket
	}
	bucket[sessionID] = s

	r.logger.Debug().Str("session_id", sessionID).Str("recipient_code", recipientCode).Msg("session bound")
	return nil
}

// Touch updates a session's last-seen instant. Returns ErrUnknownSession if
// the session has already been closed.
func (r *Registry) Touch(sessionID string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return &ErrUnknownSession{SessionID: sessionID}
	}
	s.mu.Lock()
	s.lastSeen = r.clock.Now()
	s.mu.Unlock()
	return nil
}

// Lookup returns every session currently bound to recipientCode. The
// registry's map lock is held only long enough to snapshot the slice;
// writing to a session's transport never happens while the lock is held,
// so a slow or dead peer can't stall the registry for everyone else.
func (r *Registry) Lookup(recipientCode string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket, ok := r.byRecipient[recipientCode]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every open session, used for status broadcast.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Close removes sessionID from the registry and closes its transport with
// reason. Safe to call more than once; the second call is a no-op.
func (r *Registry) Close(sessionID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)

	s.mu.Lock()
	recipient := s.recipientCode
	s.mu.Unlock()

	if recipient != "" {
		if bucket, ok := r.byRecipient[recipient]; ok {
			delete(bucket, sessionID)
			if len(bucket) == 0 {
				delete(r.byRecipient, recipient)
			}
		}
	}
	r.mu.Unlock()

	_ = s.sender.Close(reason)

	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	metrics.SessionsActive.Set(float64(r.Count()))
	r.logger.Debug().Str("session_id", sessionID).Str("reason", reason).Msg("session closed")
}

// Count returns the current number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle closes every session whose last-seen instant is older than
// olderThan as observed at now. Returns the number evicted. Called from
// the reaper's session sweep.
func (r *Registry) EvictIdle(now time.Time, olderThan time.Duration) int {
	var stale []string
	r.mu.RLock()
	for id, s := range r.sessions {
		s.mu.Lock()
		last := s.lastSeen
		s.mu.Unlock()
		if now.Sub(last) > olderThan {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Close(id, "idle_timeout")
		metrics.SessionsIdleEvicted.Inc()
	}
	return len(stale)
}
