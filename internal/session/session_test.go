package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/clock"
)

// fakeSender records frames and can be told to fail writes.
type fakeSender struct {
	mu       sync.Mutex
	frames   []any
	failSend bool
	closed   bool
	reason   string
}

func (f *fakeSender) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("transport broken")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeSender) closedWith() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(clk, zerolog.Nop()), clk
}

func TestOpenMintsUniqueIDs(t *testing.T) {
	r, _ := newTestRegistry(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := r.Open(&fakeSender{})
		if seen[s.ID] {
			t.Fatalf("duplicate session id %s", s.ID)
		}
		seen[s.ID] = true
	}
	if r.Count() != 100 {
		t.Fatalf("count = %d, want 100", r.Count())
	}
}

func TestBindAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)

	s1 := r.Open(&fakeSender{})
	s2 := r.Open(&fakeSender{})

	if err := r.Bind(s1.ID, "R"); err != nil {
		t.Fatalf("bind s1: %v", err)
	}
	if err := r.Bind(s2.ID, "R"); err != nil {
		t.Fatalf("bind s2: %v", err)
	}

	// Two devices on the same mailbox must both be candidates.
	found := r.Lookup("R")
	if len(found) != 2 {
		t.Fatalf("lookup returned %d sessions, want 2", len(found))
	}

	if got := r.Lookup("unbound"); len(got) != 0 {
		t.Fatalf("lookup for unknown recipient returned %d sessions", len(got))
	}
}

func TestBindUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Bind("no-such-session", "R")
	var unknown *ErrUnknownSession
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRebindReplacesPreviousRecipient(t *testing.T) {
	r, _ := newTestRegistry(t)

	s := r.Open(&fakeSender{})
	if err := r.Bind(s.ID, "old"); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind(s.ID, "new"); err != nil {
		t.Fatal(err)
	}

	if got := r.Lookup("old"); len(got) != 0 {
		t.Fatalf("old binding must be gone, found %d sessions", len(got))
	}
	got := r.Lookup("new")
	if len(got) != 1 || got[0].ID != s.ID {
		t.Fatalf("new binding must find the session, got %v", got)
	}
}

func TestCloseRemovesSessionAndClosesTransport(t *testing.T) {
	r, _ := newTestRegistry(t)

	sender := &fakeSender{}
	s := r.Open(sender)
	if err := r.Bind(s.ID, "R"); err != nil {
		t.Fatal(err)
	}

	r.Close(s.ID, "transport_error")

	if closed, reason := sender.closedWith(); !closed || reason != "transport_error" {
		t.Fatalf("transport not closed with reason, closed=%v reason=%q", closed, reason)
	}
	if r.Count() != 0 {
		t.Fatalf("count after close = %d", r.Count())
	}
	if got := r.Lookup("R"); len(got) != 0 {
		t.Fatalf("closed session still bound, got %v", got)
	}

	// Double close is a no-op.
	r.Close(s.ID, "again")
	if _, reason := sender.closedWith(); reason != "transport_error" {
		t.Fatalf("second close must not re-close, reason=%q", reason)
	}
}

func TestTouchAndEvictIdle(t *testing.T) {
	r, clk := newTestRegistry(t)

	idle := r.Open(&fakeSender{})
	active := r.Open(&fakeSender{})
	if err := r.Bind(idle.ID, "R"); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind(active.ID, "R"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(4 * time.Minute)
	if err := r.Touch(active.ID); err != nil {
		t.Fatal(err)
	}

	clk.Advance(90 * time.Second)

	// idle is 5m30s stale, active only 90s.
	if evicted := r.EvictIdle(clk.Now(), 5*time.Minute); evicted != 1 {
		t.Fatalf("evicted %d sessions, want 1", evicted)
	}

	found := r.Lookup("R")
	if len(found) != 1 || found[0].ID != active.ID {
		t.Fatalf("only the touched session should survive, got %v", found)
	}
}

func TestTouchUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Touch("gone")
	var unknown *ErrUnknownSession
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}
